package source

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olympum/oarsman-bridge/internal/telemetry"
)

func TestFacade_SimulatedConnectAndWorkoutGating(t *testing.T) {
	f := New(5 * time.Second)

	var mu sync.Mutex
	var samples []telemetry.Sample
	f.OnSample(func(s telemetry.Sample) {
		mu.Lock()
		samples = append(samples, s)
		mu.Unlock()
	})

	require.NoError(t, f.Connect(context.Background(), "sim:bike"))

	// Not yet in a workout: the simulator hasn't started emitting, so no
	// samples should have arrived.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, samples, "samples must not flow before BeginWorkout")
	mu.Unlock()

	f.BeginWorkout(context.Background())
	time.Sleep(2200 * time.Millisecond)
	f.EndWorkout()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, samples, "samples must flow once a workout is open")
}

func TestFacade_MonotonicTimestamps(t *testing.T) {
	f := New(5 * time.Second)
	var mu sync.Mutex
	var times []time.Time
	f.OnSample(func(s telemetry.Sample) {
		mu.Lock()
		times = append(times, s.T)
		mu.Unlock()
	})

	require.NoError(t, f.Connect(context.Background(), "sim:rower"))
	f.BeginWorkout(context.Background())
	// Call the unexported ingest path twice back to back, so both samples
	// can land on the same wall-clock instant; the façade's monotonic rule
	// must still order them strictly.
	f.ingest(telemetry.Sample{Kind: telemetry.KindRower})
	f.ingest(telemetry.Sample{Kind: telemetry.KindRower})
	f.EndWorkout()

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(times), 2)
	for i := 1; i < len(times); i++ {
		assert.True(t, times[i].After(times[i-1]), "sample timestamps must be strictly increasing")
	}
}

func TestFacade_DisconnectIdempotent(t *testing.T) {
	f := New(5 * time.Second)
	require.NoError(t, f.Connect(context.Background(), "sim:bike"))
	require.NoError(t, f.Disconnect())
	require.NoError(t, f.Disconnect()) // second call must not error
}
