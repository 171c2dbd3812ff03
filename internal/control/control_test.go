package control

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olympum/oarsman-bridge/internal/source"
	"github.com/olympum/oarsman-bridge/internal/store"
	"github.com/olympum/oarsman-bridge/internal/telemetry"
	"github.com/olympum/oarsman-bridge/internal/workout"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	path := filepath.Join(t.TempDir(), "control-test.db")
	db, err := store.Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	facade := source.New(5 * time.Second)
	manager := workout.New(facade, db, 75, 35, nil, nil)
	return New(facade, manager, db)
}

func TestService_FullWorkoutLifecycleAndExport(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.Nil(t, svc.Connect(ctx, telemetry.Device{Address: "sim:bike", Kind: telemetry.KindBike}))

	id, apiErr := svc.StartWorkout(ctx, telemetry.KindBike)
	require.Nil(t, apiErr)
	require.NotEmpty(t, id)

	time.Sleep(2200 * time.Millisecond) // let the simulator emit a couple of samples

	summary, apiErr := svc.EndWorkout(ctx)
	require.Nil(t, apiErr)
	assert.GreaterOrEqual(t, summary.SampleCount, 1)

	rows, apiErr := svc.ListWorkouts(ctx, 10, 0)
	require.Nil(t, apiErr)
	require.Len(t, rows, 1)
	assert.Equal(t, store.StateEnded, rows[0].State)

	data, apiErr := svc.ExportFit(ctx, id)
	require.Nil(t, apiErr)
	assert.Greater(t, len(data), 12)
	assert.Equal(t, ".FIT", string(data[8:12]))
}

func TestService_StartWorkoutWithoutConnectionIsConflict(t *testing.T) {
	svc := newTestService(t)
	_, apiErr := svc.StartWorkout(context.Background(), telemetry.KindBike)
	require.NotNil(t, apiErr)
	assert.Equal(t, ErrConflict, apiErr.Kind)
}

func TestService_ExportFit_ActiveWorkoutIsConflict(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	require.Nil(t, svc.Connect(ctx, telemetry.Device{Address: "sim:rower", Kind: telemetry.KindRower}))
	id, apiErr := svc.StartWorkout(ctx, telemetry.KindRower)
	require.Nil(t, apiErr)

	_, apiErr = svc.ExportFit(ctx, id)
	require.NotNil(t, apiErr)
	assert.Equal(t, ErrConflict, apiErr.Kind)

	_, _ = svc.EndWorkout(ctx)
}
