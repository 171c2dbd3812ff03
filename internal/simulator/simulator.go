// Package simulator implements a deterministic stand-in for the BLE
// source, emitting Samples at 1 Hz with bounded stochastic variation. It
// satisfies the same output contract as internal/ble + internal/fms, so
// internal/source can treat it as just another backend.
package simulator

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/olympum/oarsman-bridge/internal/telemetry"
)

// Means and spreads per spec.md §4.3.
const (
	bikePowerMean, bikePowerSpread     = 150.0, 20.0
	bikeCadenceMean, bikeCadenceSpread = 80.0, 5.0
	bikeSpeedMean, bikeSpeedSpread     = 25.0, 3.0

	rowerPowerMean, rowerPowerSpread = 180.0, 20.0
	rowerStrokeMean, rowerSpread     = 25.0, 3.0
	rowerSpeedMean, rowerSpeedSpr    = 18.0, 2.0

	tickInterval = time.Second
)

// Source is a deterministic sample generator for one kind of equipment. It
// emits nothing until Begin is called, and emits exactly one final sample
// on End before ceasing.
type Source struct {
	kind telemetry.Kind
	rng  *rand.Rand

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc

	elapsedS    int
	distanceM   float64
	energyKcal  float64
	lastPowerW  float64

	onSample func(telemetry.Sample)
}

// New returns a Source for the given kind, seeded deterministically so
// repeated runs of the same scenario reproduce the same telemetry.
func New(kind telemetry.Kind, seed uint64) *Source {
	return &Source{
		kind: kind,
		rng:  rand.New(rand.NewSource(int64(seed))),
	}
}

// OnSample registers the callback invoked for every emitted Sample,
// including the synthesized final sample from End.
func (s *Source) OnSample(f func(telemetry.Sample)) { s.onSample = f }

// Begin starts 1 Hz emission. Calling Begin while already running is a
// no-op.
func (s *Source) Begin(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.elapsedS = 0
	s.distanceM = 0
	s.energyKcal = 0
	s.mu.Unlock()

	go s.run(runCtx)
}

// End stops emission after synthesizing one final sample carrying final
// totals.
func (s *Source) End() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	if s.onSample != nil {
		s.onSample(s.sample(true))
	}
	if cancel != nil {
		cancel()
	}
}

func (s *Source) run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()
			if !running {
				return
			}
			if s.onSample != nil {
				s.onSample(s.sample(false))
			}
		}
	}
}

// sample advances internal accumulators by one tick and returns the next
// synthesized Sample. final marks the synthesized closing sample emitted by
// End, which carries the same totals without advancing the clock further.
func (s *Source) sample(final bool) telemetry.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !final {
		s.elapsedS++
	}

	var powerMean, powerSpread, speedMean, speedSpread float64
	var cadence *float64
	var strokeRate *float64

	switch s.kind {
	case telemetry.KindRower:
		powerMean, powerSpread = rowerPowerMean, rowerPowerSpread
		speedMean, speedSpread = rowerSpeedMean, rowerSpeedSpr
		rate := s.gauss(rowerStrokeMean, rowerSpread)
		strokeRate = &rate
	default:
		powerMean, powerSpread = bikePowerMean, bikePowerSpread
		speedMean, speedSpread = bikeSpeedMean, bikeSpeedSpread
		rpm := s.gauss(bikeCadenceMean, bikeCadenceSpread)
		cadence = &rpm
	}

	power := math.Max(0, s.gauss(powerMean, powerSpread))
	speed := math.Max(0, s.gauss(speedMean, speedSpread))
	hr := clamp(80+power*0.5+s.gauss(0, 3), 60, 200)

	if !final {
		s.distanceM += speed * 1000.0 / 3600.0
		// kcal ≈ W·s·1.0e-3·(1/4.184)·metabolic_factor; metabolic_factor 1.0.
		s.energyKcal += power * 1.0 * 1.0e-3 / 4.184
	}
	s.lastPowerW = power

	powerInt := int(power)
	hrInt := int(hr)
	elapsed := s.elapsedS
	distance := s.distanceM
	energy := s.energyKcal

	return telemetry.Sample{
		T:                 time.Now(),
		Kind:              s.kind,
		InstantPowerW:     &powerInt,
		InstantCadenceRPM: cadence,
		StrokeRateSPM:     strokeRate,
		InstantSpeedKPH:   &speed,
		TotalDistanceM:    &distance,
		HeartRateBPM:      &hrInt,
		TotalEnergyKcal:   &energy,
		ElapsedTimeS:      &elapsed,
	}
}

func (s *Source) gauss(mean, spread float64) float64 {
	return mean + s.rng.NormFloat64()*spread
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
