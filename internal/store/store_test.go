package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olympum/oarsman-bridge/internal/telemetry"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateWorkoutAndAppendSamples(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	device := telemetry.Device{Address: "aa:bb:cc:dd:ee:ff", Name: "Test Bike", Kind: telemetry.KindBike}
	id, err := s.CreateWorkout(ctx, device, telemetry.KindBike)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	power := 180
	sample := telemetry.Sample{T: time.Now(), Kind: telemetry.KindBike, InstantPowerW: &power}
	require.NoError(t, s.AppendSample(ctx, id, sample))

	it, err := s.GetSamples(ctx, id)
	require.NoError(t, err)
	defer it.Close()

	var count int
	for it.Next() {
		count++
		row := it.Row()
		require.NotNil(t, row.Sample.InstantPowerW)
		assert.Equal(t, 180, *row.Sample.InstantPowerW)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, 1, count)
}

func TestAppendSample_DuplicateTimestampDropped(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	device := telemetry.Device{Address: "aa:bb:cc:dd:ee:ff", Name: "Test Bike", Kind: telemetry.KindBike}
	id, err := s.CreateWorkout(ctx, device, telemetry.KindBike)
	require.NoError(t, err)

	ts := time.Now()
	require.NoError(t, s.AppendSample(ctx, id, telemetry.Sample{T: ts}))
	require.NoError(t, s.AppendSample(ctx, id, telemetry.Sample{T: ts})) // same (workout_id, t)

	assert.Equal(t, 1, s.DroppedDuplicates())
}

func TestFinalize_SetsEndedState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	device := telemetry.Device{Address: "sim:bike", Name: "Simulated Bike", Kind: telemetry.KindBike}
	id, err := s.CreateWorkout(ctx, device, telemetry.KindBike)
	require.NoError(t, err)

	require.NoError(t, s.Finalize(ctx, id, time.Now(), map[string]any{"sample_count": 42}))

	row, err := s.GetWorkout(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateEnded, row.State)
	assert.NotNil(t, row.EndT)
	require.NotEmpty(t, row.SummaryJSON)
}

func TestOpen_SweepsActiveWorkoutsToAbortedOnRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restart.db")
	ctx := context.Background()

	s1, err := Open(ctx, path)
	require.NoError(t, err)
	device := telemetry.Device{Address: "sim:rower", Name: "Simulated Rower", Kind: telemetry.KindRower}
	id, err := s1.CreateWorkout(ctx, device, telemetry.KindRower)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(ctx, path) // simulates a restart after a crash mid-workout
	require.NoError(t, err)
	defer s2.Close()

	row, err := s2.GetWorkout(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateAborted, row.State, "a workout left active across a restart must be swept to aborted")
}

func TestListWorkouts_OrderedByStartDescending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	device := telemetry.Device{Address: "sim:bike", Name: "Simulated Bike", Kind: telemetry.KindBike}

	id1, err := s.CreateWorkout(ctx, device, telemetry.KindBike)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	id2, err := s.CreateWorkout(ctx, device, telemetry.KindBike)
	require.NoError(t, err)

	rows, err := s.ListWorkouts(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, id2, rows[0].ID, "most recently started workout must come first")
	assert.Equal(t, id1, rows[1].ID)
}
