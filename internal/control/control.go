// Package control defines the transport-neutral operation surface described
// in spec.md §6: a plain Go type (Service) rather than a generated RPC stub, so
// any transport (CLI, HTTP, future gRPC) can be layered on top without this
// package depending on a code generator.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/olympum/oarsman-bridge/internal/fit"
	"github.com/olympum/oarsman-bridge/internal/source"
	"github.com/olympum/oarsman-bridge/internal/store"
	"github.com/olympum/oarsman-bridge/internal/telemetry"
	"github.com/olympum/oarsman-bridge/internal/workout"
)

// APIErrorKind classifies a Service failure for transport-layer mapping
// (e.g. to HTTP status codes), per spec.md §6.
type APIErrorKind string

const (
	ErrInvalidArgument APIErrorKind = "invalid_argument"
	ErrNotFound        APIErrorKind = "not_found"
	ErrConflict        APIErrorKind = "conflict"
	ErrUnavailable     APIErrorKind = "unavailable"
	ErrInternal        APIErrorKind = "internal"
)

// APIError is the structured error type every Service method returns.
type APIError struct {
	Kind    APIErrorKind
	Message string
}

func (e *APIError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

func wrap(kind APIErrorKind, format string, args ...any) *APIError {
	return &APIError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// StatusResponse reports the façade's and manager's current state, per
// spec.md §6's status operation shape.
type StatusResponse struct {
	Connected     bool
	Device        *telemetry.Device
	WorkoutState  workout.State
	ActiveWorkout string
	LatestSample  *telemetry.Sample
	Summary       *workout.Summary
}

// WorkoutSummaryResponse is the shape returned by list/get.
type WorkoutSummaryResponse struct {
	ID            string
	DeviceAddress string
	DeviceName    string
	Kind          telemetry.Kind
	StartT        time.Time
	EndT          *time.Time
	State         store.State
	Summary       map[string]any
}

// Service is the single entry point every transport adapter drives.
// Implementations must be safe for concurrent use.
type Service struct {
	facade  *source.Facade
	manager *workout.Manager
	db      *store.Store

	lastDevice *telemetry.Device
}

// New wires a Service on top of an already-constructed façade, manager, and
// store.
func New(facade *source.Facade, manager *workout.Manager, db *store.Store) *Service {
	return &Service{facade: facade, manager: manager, db: db}
}

// DiscoverDevices scans for nearby equipment, including simulated entries
// when requested.
func (s *Service) DiscoverDevices(ctx context.Context, duration time.Duration, includeSimulated bool) ([]telemetry.Device, *APIError) {
	devices, err := s.facade.Discover(ctx, duration, includeSimulated)
	if err != nil {
		return nil, wrap(ErrUnavailable, "discover: %v", err)
	}
	for _, d := range devices {
		_ = s.db.UpsertDevice(ctx, d)
	}
	return devices, nil
}

// Connect dials the given device address.
func (s *Service) Connect(ctx context.Context, device telemetry.Device) *APIError {
	if device.Address == "" {
		return wrap(ErrInvalidArgument, "device address is required")
	}
	if err := s.facade.Connect(ctx, device.Address); err != nil {
		return wrap(ErrUnavailable, "connect %s: %v", device.Address, err)
	}
	d := device
	s.lastDevice = &d
	return nil
}

// Disconnect is idempotent.
func (s *Service) Disconnect(ctx context.Context) *APIError {
	if err := s.facade.Disconnect(); err != nil {
		return wrap(ErrInternal, "disconnect: %v", err)
	}
	s.lastDevice = nil
	return nil
}

// Status reports the current connection and workout state, including the
// single-slot latest-sample cell and running summary of an active workout
// (spec.md §4.6 step 4, §9).
func (s *Service) Status(ctx context.Context) StatusResponse {
	resp := StatusResponse{
		Connected:    s.lastDevice != nil,
		Device:       s.lastDevice,
		WorkoutState: s.manager.State(),
	}
	if sample, ok := s.manager.LatestSample(); ok {
		resp.LatestSample = &sample
	}
	if sum, ok := s.manager.Summary(); ok {
		resp.Summary = &sum
	}
	return resp
}

// StartWorkout begins a new workout against the currently connected device.
func (s *Service) StartWorkout(ctx context.Context, kind telemetry.Kind) (string, *APIError) {
	if s.lastDevice == nil {
		return "", wrap(ErrConflict, "no device connected")
	}
	id, err := s.manager.Start(ctx, *s.lastDevice, kind)
	if err != nil {
		if err == workout.ErrAlreadyActive {
			return "", wrap(ErrConflict, "a workout is already active")
		}
		return "", wrap(ErrInternal, "start workout: %v", err)
	}
	return id, nil
}

// EndWorkout finalizes the active workout and returns its summary.
func (s *Service) EndWorkout(ctx context.Context) (workout.Summary, *APIError) {
	summary, err := s.manager.End(ctx)
	if err != nil {
		if err == workout.ErrNotActive {
			return workout.Summary{}, wrap(ErrConflict, "no active workout")
		}
		return workout.Summary{}, wrap(ErrInternal, "end workout: %v", err)
	}
	return summary, nil
}

// ListWorkouts returns a page of historical workouts.
func (s *Service) ListWorkouts(ctx context.Context, limit, offset int) ([]WorkoutSummaryResponse, *APIError) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.ListWorkouts(ctx, limit, offset)
	if err != nil {
		return nil, wrap(ErrInternal, "list workouts: %v", err)
	}
	out := make([]WorkoutSummaryResponse, 0, len(rows))
	for _, r := range rows {
		out = append(out, toResponse(r))
	}
	return out, nil
}

// GetWorkout fetches a single workout by id.
func (s *Service) GetWorkout(ctx context.Context, id string) (WorkoutSummaryResponse, *APIError) {
	if id == "" {
		return WorkoutSummaryResponse{}, wrap(ErrInvalidArgument, "workout id is required")
	}
	row, err := s.db.GetWorkout(ctx, id)
	if err != nil {
		return WorkoutSummaryResponse{}, wrap(ErrNotFound, "workout %s: %v", id, err)
	}
	return toResponse(row), nil
}

// GetSamples streams every persisted sample for a workout to the given
// sink, in ascending time order.
func (s *Service) GetSamples(ctx context.Context, id string, sink func(store.SampleRow) error) *APIError {
	it, err := s.db.GetSamples(ctx, id)
	if err != nil {
		return wrap(ErrNotFound, "workout %s: %v", id, err)
	}
	defer it.Close()
	for it.Next() {
		if err := sink(it.Row()); err != nil {
			return wrap(ErrInternal, "get samples: %v", err)
		}
	}
	if err := it.Err(); err != nil {
		return wrap(ErrInternal, "get samples: %v", err)
	}
	return nil
}

// ExportFit renders a completed workout as a Garmin FIT activity file.
func (s *Service) ExportFit(ctx context.Context, id string) ([]byte, *APIError) {
	row, err := s.db.GetWorkout(ctx, id)
	if err != nil {
		return nil, wrap(ErrNotFound, "workout %s: %v", id, err)
	}
	if row.State == store.StateActive {
		return nil, wrap(ErrConflict, "workout %s is still active", id)
	}

	it, err := s.db.GetSamples(ctx, id)
	if err != nil {
		return nil, wrap(ErrInternal, "get samples: %v", err)
	}
	defer it.Close()

	enc := fit.NewEncoder()
	enc.WriteFileID(serialFromAddress(row.DeviceAddress), row.StartT)
	enc.WriteDeviceInfo(serialFromAddress(row.DeviceAddress), fit.ManufacturerGarmin, fit.ProductGeneric, row.StartT)
	enc.WriteEvent(row.StartT, true)

	for it.Next() {
		r := it.Row()
		enc.WriteRecord(fit.Point{
			T:               r.T,
			PowerW:          r.Sample.InstantPowerW,
			CadenceRPM:      r.Sample.InstantCadenceRPM,
			SpeedKPH:        r.Sample.InstantSpeedKPH,
			DistanceM:       r.Sample.TotalDistanceM,
			HeartRateBPM:    r.Sample.HeartRateBPM,
			ResistanceLevel: r.Sample.ResistanceLevel,
		})
	}
	if err := it.Err(); err != nil {
		return nil, wrap(ErrInternal, "get samples: %v", err)
	}

	end := row.StartT
	if row.EndT != nil {
		end = *row.EndT
	}
	summary := summaryFromJSON(row.SummaryJSON, row.StartT, end)

	sport := fit.SportBike
	if row.Kind == telemetry.KindRower {
		sport = fit.SportRower
	}

	enc.WriteEvent(end, false)
	enc.WriteLap(sport, summary)
	enc.WriteSession(sport, summary)
	enc.WriteActivity(end, 1)

	data, err := enc.Encode()
	if err != nil {
		return nil, wrap(ErrInternal, "encode fit: %v", err)
	}
	return data, nil
}

func toResponse(r store.WorkoutRow) WorkoutSummaryResponse {
	resp := WorkoutSummaryResponse{
		ID:            r.ID,
		DeviceAddress: r.DeviceAddress,
		DeviceName:    r.DeviceName,
		Kind:          r.Kind,
		StartT:        r.StartT,
		EndT:          r.EndT,
		State:         r.State,
	}
	if len(r.SummaryJSON) > 0 {
		resp.Summary = decodeSummaryJSON(r.SummaryJSON)
	}
	return resp
}

func decodeSummaryJSON(blob []byte) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(blob, &m); err != nil {
		return nil
	}
	return m
}

// summaryFromJSON best-effort reconstructs a fit.Summary from the persisted
// summary blob, which may be either a workout.Summary (normal finalize) or
// the minimal restart-sweep shape written by internal/store's crash
// recovery path.
func summaryFromJSON(blob []byte, start, end time.Time) fit.Summary {
	s := fit.Summary{StartTime: start, DurationS: int(end.Sub(start).Seconds())}
	var m map[string]any
	if err := json.Unmarshal(blob, &m); err != nil {
		return s
	}
	if v, ok := m["duration_s"].(float64); ok {
		s.DurationS = int(v)
	}
	if v, ok := m["total_distance_m"].(float64); ok {
		s.TotalDistanceM = v
	}
	if v, ok := m["total_energy_kcal"].(float64); ok {
		s.TotalEnergyKcal = v
	}
	if v, ok := m["avg_power_w"].(float64); ok {
		s.AvgPowerW = v
	}
	if v, ok := m["max_power_w"].(float64); ok {
		s.MaxPowerW = int(v)
	}
	if v, ok := m["avg_heart_rate_bpm"].(float64); ok {
		s.AvgHeartRateBPM = v
	}
	if v, ok := m["max_heart_rate_bpm"].(float64); ok {
		s.MaxHeartRateBPM = int(v)
	}
	if v, ok := m["avg_speed_kph"].(float64); ok {
		s.AvgSpeedKPH = v
	}
	return s
}

func serialFromAddress(address string) uint32 {
	var h uint32 = 2166136261 // FNV-1a offset basis
	for i := 0; i < len(address); i++ {
		h ^= uint32(address[i])
		h *= 16777619
	}
	return h
}
