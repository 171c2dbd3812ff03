// Package workout implements the workout state machine and in-memory
// summary aggregation described in spec.md §4.2: idle -> active ->
// finalizing -> ended, or active -> aborted on an unrecovered disconnect.
package workout

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/olympum/oarsman-bridge/internal/ble"
	"github.com/olympum/oarsman-bridge/internal/source"
	"github.com/olympum/oarsman-bridge/internal/store"
	"github.com/olympum/oarsman-bridge/internal/telemetry"
)

// State is the workout lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateActive     State = "active"
	StateFinalizing State = "finalizing"
	StateEnded      State = "ended"
	StateAborted    State = "aborted"
)

// Summary is the aggregated view of a workout, recomputed incrementally as
// samples arrive and frozen at finalize time.
type Summary struct {
	SampleCount     int        `json:"sample_count"`
	DurationS       int        `json:"duration_s"`
	TotalDistanceM  float64    `json:"total_distance_m"`
	TotalEnergyKcal float64    `json:"total_energy_kcal"`
	AvgPowerW       float64    `json:"avg_power_w"`
	MaxPowerW       int        `json:"max_power_w"`
	AvgHeartRateBPM float64    `json:"avg_heart_rate_bpm"`
	MaxHeartRateBPM int        `json:"max_heart_rate_bpm"`
	AvgSpeedKPH     float64    `json:"avg_speed_kph"` // time-weighted
	VO2MaxEligible  bool       `json:"vo2_max_eligible"`
	VO2Max          *float64   `json:"vo2_max,omitempty"`
	VO2MaxReason    string     `json:"vo2_max_reason,omitempty"`
}

// VO2max ineligibility reason codes, per spec.md §4.6.
const (
	reasonWeightUnknown  = "weight_unknown"
	reasonHRTooLow       = "hr_too_low"
	reasonDurationTooLow = "duration_too_short"
	reasonTooFewHRSamples = "too_few_hr_samples"
)

// Manager owns exactly one workout at a time and bridges the device source
// façade to the sample store, per spec.md §4.2 and §4.4.
type Manager struct {
	facade *source.Facade
	db     *store.Store

	userWeightKg float64
	userAge      int
	hrMaxOverride, hrRestOverride *int

	mu        sync.Mutex
	state     State
	id        string
	device    telemetry.Device
	kind      telemetry.Kind
	startT    time.Time
	lastT     time.Time
	lastSpeed float64 // kph, for time-weighted average

	latestSample    telemetry.Sample
	hasLatestSample bool

	agg aggregator

	onState func(State)
}

// New wires a Manager to an already-constructed façade and store.
func New(facade *source.Facade, db *store.Store, userWeightKg float64, userAge int, hrMaxOverride, hrRestOverride *int) *Manager {
	m := &Manager{
		facade:        facade,
		db:            db,
		userWeightKg:  userWeightKg,
		userAge:       userAge,
		hrMaxOverride: hrMaxOverride,
		hrRestOverride: hrRestOverride,
		state:         StateIdle,
	}
	facade.OnSample(m.handleSample)
	facade.OnState(m.handleDeviceState)
	return m
}

// OnState subscribes to workout lifecycle transitions.
func (m *Manager) OnState(cb func(State)) { m.onState = cb }

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ErrAlreadyActive is returned by Start when a workout is already in
// progress.
var ErrAlreadyActive = fmt.Errorf("workout: already active")

// ErrNotActive is returned by End when no workout is open.
var ErrNotActive = fmt.Errorf("workout: not active")

// Start transitions idle -> active: creates the persisted workout row and
// opens the façade's sample gate.
func (m *Manager) Start(ctx context.Context, device telemetry.Device, kind telemetry.Kind) (string, error) {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return "", ErrAlreadyActive
	}
	m.mu.Unlock()

	id, err := m.db.CreateWorkout(ctx, device, kind)
	if err != nil {
		return "", fmt.Errorf("workout: start: %w", err)
	}

	m.mu.Lock()
	m.state = StateActive
	m.id = id
	m.device = device
	m.kind = kind
	m.startT = time.Now()
	m.lastT = m.startT
	m.lastSpeed = 0
	m.hasLatestSample = false
	m.agg = aggregator{}
	m.mu.Unlock()

	m.facade.BeginWorkout(ctx)
	m.setState(StateActive)
	return id, nil
}

// End transitions active -> finalizing -> ended: closes the façade's gate,
// computes the final summary, and persists it.
func (m *Manager) End(ctx context.Context) (Summary, error) {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return Summary{}, ErrNotActive
	}
	m.state = StateFinalizing
	id := m.id
	m.mu.Unlock()
	m.setState(StateFinalizing)

	m.facade.EndWorkout()

	summary := m.snapshotSummary()
	if err := m.db.Finalize(ctx, id, time.Now(), summary); err != nil {
		return Summary{}, fmt.Errorf("workout: finalize: %w", err)
	}

	m.mu.Lock()
	m.state = StateIdle
	m.mu.Unlock()
	m.setState(StateEnded)
	return summary, nil
}

// abort transitions active -> aborted, used when the reconnect window in
// internal/source elapses without success.
func (m *Manager) abort(ctx context.Context) {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return
	}
	m.state = StateFinalizing
	id := m.id
	m.mu.Unlock()

	m.facade.EndWorkout()
	summary := m.snapshotSummary()
	_ = m.db.Abort(ctx, id, time.Now(), summary)

	m.mu.Lock()
	m.state = StateIdle
	m.mu.Unlock()
	m.setState(StateAborted)
}

// handleDeviceState watches for the reconnect window in internal/source
// elapsing without success (StateError/ErrTransport) and aborts the active
// workout, per spec.md §4.4's reconnect-then-abort contract.
func (m *Manager) handleDeviceState(e ble.StateEvent) {
	if e.State != ble.StateError || e.Kind != ble.ErrTransport {
		return
	}
	m.mu.Lock()
	active := m.state == StateActive
	m.mu.Unlock()
	if active {
		m.abort(context.Background())
	}
}

func (m *Manager) setState(s State) {
	if m.onState != nil {
		m.onState(s)
	}
}

func (m *Manager) handleSample(s telemetry.Sample) {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return
	}
	id := m.id

	// Time-weighted average speed: weight each instantaneous reading by the
	// elapsed time since the previous sample, per spec.md §4.2.
	dt := s.T.Sub(m.lastT).Seconds()
	if dt < 0 {
		dt = 0
	}
	if s.InstantSpeedKPH != nil {
		m.agg.addSpeed(m.lastSpeed, dt)
		m.lastSpeed = *s.InstantSpeedKPH
	}
	m.lastT = s.T
	m.agg.observe(s)
	m.latestSample = s.Clone()
	m.hasLatestSample = true
	m.mu.Unlock()

	_ = m.db.AppendSample(context.Background(), id, s)
}

// LatestSample returns the most recently observed sample of the active
// workout, polled over the control API per spec.md §4.6 step 4 and §9's
// single-slot "latest sample" cell. The second return is false when no
// workout is active or no sample has arrived yet.
func (m *Manager) LatestSample() (telemetry.Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive || !m.hasLatestSample {
		return telemetry.Sample{}, false
	}
	return m.latestSample.Clone(), true
}

// Summary returns a snapshot of the active workout's running summary,
// exposed alongside LatestSample over the control API's status operation.
func (m *Manager) Summary() (Summary, bool) {
	m.mu.Lock()
	active := m.state == StateActive
	m.mu.Unlock()
	if !active {
		return Summary{}, false
	}
	return m.snapshotSummary(), true
}

func (m *Manager) snapshotSummary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	duration := int(m.lastT.Sub(m.startT).Seconds())
	avgSpeed := m.agg.timeWeightedAvgSpeed()
	sum := Summary{
		SampleCount:     m.agg.count,
		DurationS:       duration,
		TotalDistanceM:  m.agg.lastDistance,
		TotalEnergyKcal: m.agg.lastEnergy,
		AvgPowerW:       m.agg.avgPower(),
		MaxPowerW:       m.agg.maxPower,
		AvgHeartRateBPM: m.agg.avgHeartRate(),
		MaxHeartRateBPM: m.agg.maxHeartRate,
		AvgSpeedKPH:     avgSpeed,
	}

	eligible, reason := vo2MaxEligible(m.userWeightKg, duration, m.agg.avgHeartRate(), m.agg.nHR)
	sum.VO2MaxEligible = eligible
	if eligible {
		v := estimateVO2Max(m.userAge, m.hrMaxOverride, m.hrRestOverride)
		sum.VO2Max = &v
	} else {
		sum.VO2MaxReason = reason
	}
	return sum
}

// aggregator accumulates running statistics across a workout's samples.
type aggregator struct {
	count int

	sumPower, sumHR float64
	nPower, nHR     int
	maxPower        int
	maxHeartRate    int

	lastDistance float64
	lastEnergy   float64

	speedTimeSum   float64 // sum(speed_i * dt_i)
	speedDurationS float64 // sum(dt_i)
}

func (a *aggregator) observe(s telemetry.Sample) {
	a.count++
	if s.InstantPowerW != nil {
		a.sumPower += float64(*s.InstantPowerW)
		a.nPower++
		if *s.InstantPowerW > a.maxPower {
			a.maxPower = *s.InstantPowerW
		}
	}
	if s.HeartRateBPM != nil {
		a.sumHR += float64(*s.HeartRateBPM)
		a.nHR++
		if *s.HeartRateBPM > a.maxHeartRate {
			a.maxHeartRate = *s.HeartRateBPM
		}
	}
	if s.TotalDistanceM != nil {
		a.lastDistance = *s.TotalDistanceM
	}
	if s.TotalEnergyKcal != nil {
		a.lastEnergy = *s.TotalEnergyKcal
	}
}

func (a *aggregator) addSpeed(speedKPH, dt float64) {
	a.speedTimeSum += speedKPH * dt
	a.speedDurationS += dt
}

func (a *aggregator) avgPower() float64 {
	if a.nPower == 0 {
		return 0
	}
	return a.sumPower / float64(a.nPower)
}

func (a *aggregator) avgHeartRate() float64 {
	if a.nHR == 0 {
		return 0
	}
	return a.sumHR / float64(a.nHR)
}

func (a *aggregator) timeWeightedAvgSpeed() float64 {
	if a.speedDurationS == 0 {
		return 0
	}
	return a.speedTimeSum / a.speedDurationS
}

// vo2MaxEligible implements spec.md §4.6's gating predicate: a workout
// qualifies for a VO2max estimate only if the user's weight is known, mean
// heart rate is at least 120 bpm, the workout ran at least 120 s, and at
// least 60 samples carried a heart rate reading. Returns the empty string
// when eligible, otherwise the reason the predicate failed.
func vo2MaxEligible(weightKg float64, durationS int, avgHR float64, nHRSamples int) (bool, string) {
	if weightKg <= 0 {
		return false, reasonWeightUnknown
	}
	if durationS < 120 {
		return false, reasonDurationTooLow
	}
	if nHRSamples < 60 {
		return false, reasonTooFewHRSamples
	}
	if avgHR < 120 {
		return false, reasonHRTooLow
	}
	return true, ""
}

// estimateVO2Max uses the Uth-Sorensen-Overgaard-Pedersen heart-rate-ratio
// formula (VO2max = 15.3 * HRmax/HRrest), falling back to the spec's
// age-predicted HRmax (208 - 0.7*age) and a standard resting HR of 60 when
// overrides are absent, per spec.md §4.6.
func estimateVO2Max(age int, hrMaxOverride, hrRestOverride *int) float64 {
	hrMax := 208.0 - 0.7*float64(age)
	if hrMaxOverride != nil {
		hrMax = float64(*hrMaxOverride)
	}
	hrRest := 60.0
	if hrRestOverride != nil {
		hrRest = float64(*hrRestOverride)
	}
	if hrRest <= 0 {
		hrRest = 60.0
	}
	return math.Round(15.3*(hrMax/hrRest)*100) / 100
}
