// Package source unifies the live BLE transport+codec and the simulator
// behind one capability set, per spec.md §4.4 and the "Source = Live |
// Simulated" sum-type design note in §9.
package source

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/olympum/oarsman-bridge/internal/ble"
	"github.com/olympum/oarsman-bridge/internal/fms"
	"github.com/olympum/oarsman-bridge/internal/simulator"
	"github.com/olympum/oarsman-bridge/internal/telemetry"
)

const (
	reconnectInitial = 1 * time.Second
	reconnectCap     = 30 * time.Second
	reconnectWindow  = 120 * time.Second
)

// StateFunc receives connection-state events, passed through from the BLE
// transport or synthesized for the simulator backend.
type StateFunc func(ble.StateEvent)

// SampleFunc receives normalized Samples, monotonic-timestamped per
// spec.md §4.4.
type SampleFunc func(telemetry.Sample)

// Façade unifies a live BLE backend and the simulator behind one contract
// consumed by the workout manager. Exactly one backend is active for a
// given connected device; the simulator is selected when the address is
// exactly "sim:bike" or "sim:rower".
type Facade struct {
	transport *ble.Transport
	decoder   *fms.Decoder
	simulator bool
	simSource *simulator.Source

	scanDuration time.Duration

	mu          sync.Mutex
	lastT       time.Time
	onSample    SampleFunc
	onState     StateFunc
	workoutOpen bool

	reconnecting bool
	eg           errgroup.Group
}

// Wait blocks until every background goroutine the façade has spawned
// (currently just the reconnect supervisor) has returned. Used by tests and
// graceful shutdown paths; it never returns an error since reconnectLoop
// reports failure via state events, not a returned error.
func (f *Facade) Wait() error { return f.eg.Wait() }

// New returns a façade wrapping a fresh BLE transport and FMS decoder.
func New(scanDuration time.Duration) *Facade {
	f := &Facade{
		transport:    ble.NewTransport(),
		decoder:      fms.NewDecoder(),
		scanDuration: scanDuration,
	}
	f.transport.OnNotification(f.handleNotification)
	f.transport.OnState(f.handleState)
	return f
}

// OnSample subscribes to the normalized sample stream.
func (f *Facade) OnSample(cb SampleFunc) { f.onSample = cb }

// OnState subscribes to connection-state events.
func (f *Facade) OnState(cb StateFunc) { f.onState = cb }

// Discover unions a live scan with simulated entries when requested.
func (f *Facade) Discover(ctx context.Context, duration time.Duration, includeSimulated bool) ([]telemetry.Device, error) {
	if duration <= 0 {
		duration = f.scanDuration
	}
	results, err := f.transport.Scan(ctx, duration)
	if err != nil {
		return nil, err
	}
	devices := make([]telemetry.Device, 0, len(results)+2)
	for _, r := range results {
		devices = append(devices, ble.InferDescriptor(r))
	}
	if includeSimulated {
		devices = append(devices,
			telemetry.Device{Address: "sim:bike", Name: "Simulated Bike", Kind: telemetry.KindBike, Origin: telemetry.OriginSimulated},
			telemetry.Device{Address: "sim:rower", Name: "Simulated Rower", Kind: telemetry.KindRower, Origin: telemetry.OriginSimulated},
		)
	}
	return devices, nil
}

// Connect dispatches to the simulated backend for "sim:bike" and
// "sim:rower", and to the live BLE backend for any other address.
func (f *Facade) Connect(ctx context.Context, address string) error {
	if kind, ok := simulatedKind(address); ok {
		f.mu.Lock()
		f.simulator = true
		f.simSource = simulator.New(kind, uint64(time.Now().UnixNano()))
		f.simSource.OnSample(f.ingest)
		f.mu.Unlock()
		f.emitState(ble.StateEvent{State: ble.StateConnected})
		return nil
	}
	f.mu.Lock()
	f.simulator = false
	f.mu.Unlock()
	return f.transport.Connect(ctx, address)
}

// Disconnect is idempotent and dispatches to whichever backend is active.
func (f *Facade) Disconnect() error {
	f.mu.Lock()
	sim := f.simulator
	f.mu.Unlock()
	if sim {
		f.emitState(ble.StateEvent{State: ble.StateDisconnected})
		return nil
	}
	f.decoder.Reset()
	return f.transport.Disconnect()
}

// BeginWorkout gates sample persistence per spec.md §4.4: a no-op at the
// live BLE protocol level (FMS broadcasts continuously), but it starts the
// simulator's emission loop.
func (f *Facade) BeginWorkout(ctx context.Context) {
	f.mu.Lock()
	f.workoutOpen = true
	sim := f.simSource
	f.mu.Unlock()
	if sim != nil {
		sim.Begin(ctx)
	}
}

// EndWorkout stops gating and, for the simulator, emits the closing sample
// and ceases.
func (f *Facade) EndWorkout() {
	f.mu.Lock()
	f.workoutOpen = false
	sim := f.simSource
	f.mu.Unlock()
	if sim != nil {
		sim.End()
	}
}

func simulatedKind(address string) (telemetry.Kind, bool) {
	switch address {
	case "sim:bike":
		return telemetry.KindBike, true
	case "sim:rower":
		return telemetry.KindRower, true
	default:
		return telemetry.KindUnknown, false
	}
}

func (f *Facade) handleNotification(characteristicUUID string, data []byte) {
	now := time.Now()
	var (
		sample *telemetry.Sample
		err    error
	)
	switch characteristicUUID {
	case fms.IndoorBikeDataUUID:
		sample, err = f.decoder.DecodeIndoorBikeData(now, data)
	case fms.RowerDataUUID:
		sample, err = f.decoder.DecodeRowerData(now, data)
	default:
		return
	}
	if err != nil || sample == nil {
		return // malformed/fragment: swallowed per spec.md §7, counters bumped in the decoder
	}
	f.ingest(*sample)
}

// ingest applies the façade's monotonic-timestamp rule and forwards the
// sample, but only while a workout is open — live FMS broadcasts
// continuously regardless of workout state, and the façade is what gates
// persistence.
func (f *Facade) ingest(s telemetry.Sample) {
	f.mu.Lock()
	open := f.workoutOpen
	t := time.Now()
	if !t.After(f.lastT) {
		t = f.lastT.Add(time.Microsecond)
	}
	f.lastT = t
	cb := f.onSample
	f.mu.Unlock()

	if !open || cb == nil {
		return
	}
	s.T = t
	cb(s)
}

func (f *Facade) handleState(e ble.StateEvent) {
	f.emitState(e)
	if e.State == ble.StateDisconnected && e.Kind == ble.ErrTransport {
		f.eg.Go(func() error {
			f.reconnectLoop()
			return nil
		})
	}
}

func (f *Facade) emitState(e ble.StateEvent) {
	if f.onState != nil {
		f.onState(e)
	}
}

// ErrReconnectFailed names the reconnect window elapsing without success.
// reconnectLoop does not return it: it reports that failure as a StateError
// event with Kind ErrTransport, on which the workout manager aborts the
// active workout.
var ErrReconnectFailed = errors.New("source: reconnect window elapsed")

// reconnectLoop implements the exponential backoff policy: 1s, 2s, 4s,
// 8s... capped at 30s, retried for up to 120s total.
func (f *Facade) reconnectLoop() {
	f.mu.Lock()
	if f.reconnecting {
		f.mu.Unlock()
		return
	}
	f.reconnecting = true
	address := f.transportAddress()
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.reconnecting = false
		f.mu.Unlock()
	}()

	deadline := time.Now().Add(reconnectWindow)
	backoff := reconnectInitial
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		err := f.transport.Connect(ctx, address)
		cancel()
		if err == nil {
			f.emitState(ble.StateEvent{State: ble.StateConnected})
			return
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > reconnectCap {
			backoff = reconnectCap
		}
	}
	f.emitState(ble.StateEvent{State: ble.StateError, Kind: ble.ErrTransport})
}

func (f *Facade) transportAddress() string {
	// The transport retains the last address it successfully connected to
	// internally; reconnect always targets that same address.
	return f.transport.LastAddress()
}
