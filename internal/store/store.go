// Package store implements the restart-safe persistence layer described in
// spec.md §4.5: workouts, samples, and a devices discovery cache, backed by
// a single-writer sqlite database opened with the pure-Go modernc.org/sqlite
// driver (no cgo toolchain required, same pattern the corpus uses for its
// own sqlite consumers).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"
	"github.com/olympum/oarsman-bridge/internal/telemetry"
)

// State mirrors the workout lifecycle state stored alongside each row.
type State string

const (
	StateActive   State = "active"
	StateEnded    State = "ended"
	StateAborted  State = "aborted"
)

// WorkoutRow is the persisted shape of one workout record.
type WorkoutRow struct {
	ID            string
	DeviceAddress string
	DeviceName    string
	Kind          telemetry.Kind
	StartT        time.Time
	EndT          *time.Time
	State         State
	SummaryJSON   []byte // nil until finalized
}

// SampleRow pairs a workout id with one persisted Sample.
type SampleRow struct {
	WorkoutID string
	T         time.Time
	Sample    telemetry.Sample
}

// ErrDuplicateSample names a (workout_id, t) collision. AppendSample does
// not return it: a duplicate is silently dropped and counted, and the count
// is read through DroppedDuplicates.
var ErrDuplicateSample = errors.New("store: duplicate (workout_id, t)")

// Store is a single-writer sqlite-backed sample store.
type Store struct {
	db *sql.DB

	mu                sync.Mutex
	droppedDuplicates int
}

// Open creates (if needed) the schema at path and sweeps any workout left
// `active` from a prior crash to `aborted`, per spec.md §4.5.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.sweepActiveOnRestart(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workouts (
			id TEXT PRIMARY KEY,
			device_address TEXT NOT NULL,
			device_name TEXT NOT NULL,
			kind TEXT NOT NULL,
			start_t INTEGER NOT NULL,
			end_t INTEGER,
			state TEXT NOT NULL,
			summary_blob TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS samples (
			workout_id TEXT NOT NULL,
			t INTEGER NOT NULL,
			payload_blob TEXT NOT NULL,
			PRIMARY KEY (workout_id, t)
		)`,
		`CREATE TABLE IF NOT EXISTS devices (
			address TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			last_seen INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) sweepActiveOnRestart(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM workouts WHERE state = ?`, StateActive)
	if err != nil {
		return fmt.Errorf("store: sweep: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		samples, err := s.allSamples(ctx, id)
		if err != nil {
			return err
		}
		summary := summarizeForSweep(samples)
		summaryJSON, err := json.Marshal(summary)
		if err != nil {
			return err
		}
		endT := time.Now()
		if len(samples) > 0 {
			endT = samples[len(samples)-1].T
		}
		_, err = s.db.ExecContext(ctx,
			`UPDATE workouts SET state = ?, end_t = ?, summary_blob = ? WHERE id = ?`,
			StateAborted, endT.UnixMicro(), summaryJSON, id)
		if err != nil {
			return fmt.Errorf("store: sweep finalize %s: %w", id, err)
		}
	}
	return nil
}

// CreateWorkout atomically inserts a new workout row in the active state.
func (s *Store) CreateWorkout(ctx context.Context, device telemetry.Device, kind telemetry.Kind) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workouts (id, device_address, device_name, kind, start_t, end_t, state, summary_blob)
		 VALUES (?, ?, ?, ?, ?, NULL, ?, NULL)`,
		id, device.Address, device.Name, kind, time.Now().UnixMicro(), StateActive)
	if err != nil {
		return "", fmt.Errorf("store: create workout: %w", err)
	}
	return id, nil
}

// AppendSample inserts one sample. A duplicate (workout_id, t) — only
// possible if the upstream monotonic stamp was bypassed, e.g. a wall-clock
// regression — is silently dropped and counted rather than erroring.
func (s *Store) AppendSample(ctx context.Context, workoutID string, sample telemetry.Sample) error {
	payload, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("store: marshal sample: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO samples (workout_id, t, payload_blob) VALUES (?, ?, ?)`,
		workoutID, sample.T.UnixMicro(), payload)
	if err != nil {
		if isUniqueViolation(err) {
			s.mu.Lock()
			s.droppedDuplicates++
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("store: append sample: %w", err)
	}
	return nil
}

// DroppedDuplicates reports how many AppendSample calls were silently
// dropped for violating the (workout_id, t) uniqueness invariant.
func (s *Store) DroppedDuplicates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.droppedDuplicates
}

// Finalize writes end_t, state=ended, and the summary blob in one
// transaction.
func (s *Store) Finalize(ctx context.Context, workoutID string, endT time.Time, summary any) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("store: marshal summary: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: finalize begin: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE workouts SET end_t = ?, state = ?, summary_blob = ? WHERE id = ?`,
		endT.UnixMicro(), StateEnded, summaryJSON, workoutID)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("store: finalize update: %w", err)
	}
	return tx.Commit()
}

// Abort flips a workout to aborted with the given end time and summary,
// used when the reconnect grace window elapses.
func (s *Store) Abort(ctx context.Context, workoutID string, endT time.Time, summary any) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("store: marshal summary: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE workouts SET end_t = ?, state = ?, summary_blob = ? WHERE id = ?`,
		endT.UnixMicro(), StateAborted, summaryJSON, workoutID)
	if err != nil {
		return fmt.Errorf("store: abort: %w", err)
	}
	return nil
}

// ListWorkouts returns a page of workouts ordered by start time descending.
func (s *Store) ListWorkouts(ctx context.Context, limit, offset int) ([]WorkoutRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_address, device_name, kind, start_t, end_t, state, summary_blob
		 FROM workouts ORDER BY start_t DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list workouts: %w", err)
	}
	defer rows.Close()

	var out []WorkoutRow
	for rows.Next() {
		w, err := scanWorkout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// GetWorkout returns a single workout by id.
func (s *Store) GetWorkout(ctx context.Context, id string) (WorkoutRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, device_address, device_name, kind, start_t, end_t, state, summary_blob
		 FROM workouts WHERE id = ?`, id)
	return scanWorkoutRow(row)
}

// GetSamples returns every sample for a workout, ordered by t ascending.
// The contract calls for a lazy iterator; sqlite's *sql.Rows already is
// one, so callers range over SampleIterator rather than a materialized
// slice, except sweepActiveOnRestart, which collects them all.
func (s *Store) GetSamples(ctx context.Context, workoutID string) (*SampleIterator, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workout_id, t, payload_blob FROM samples WHERE workout_id = ? ORDER BY t ASC`, workoutID)
	if err != nil {
		return nil, fmt.Errorf("store: get samples: %w", err)
	}
	return &SampleIterator{rows: rows}, nil
}

func (s *Store) allSamples(ctx context.Context, workoutID string) ([]SampleRow, error) {
	it, err := s.GetSamples(ctx, workoutID)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []SampleRow
	for it.Next() {
		out = append(out, it.Row())
	}
	return out, it.Err()
}

// UpsertDevice records or refreshes a discovery-cache entry.
func (s *Store) UpsertDevice(ctx context.Context, d telemetry.Device) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (address, name, kind, last_seen) VALUES (?, ?, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET name = excluded.name, kind = excluded.kind, last_seen = excluded.last_seen`,
		d.Address, d.Name, d.Kind, time.Now().UnixMicro())
	if err != nil {
		return fmt.Errorf("store: upsert device: %w", err)
	}
	return nil
}

// SampleIterator lazily walks a workout's persisted samples.
type SampleIterator struct {
	rows *sql.Rows
	cur  SampleRow
	err  error
}

// Next advances the iterator; it returns false at end of results or error.
func (it *SampleIterator) Next() bool {
	if !it.rows.Next() {
		return false
	}
	var (
		workoutID string
		tMicros   int64
		payload   []byte
	)
	if err := it.rows.Scan(&workoutID, &tMicros, &payload); err != nil {
		it.err = err
		return false
	}
	var sample telemetry.Sample
	if err := json.Unmarshal(payload, &sample); err != nil {
		it.err = err
		return false
	}
	it.cur = SampleRow{WorkoutID: workoutID, T: time.UnixMicro(tMicros), Sample: sample}
	return true
}

// Row returns the sample most recently advanced to by Next.
func (it *SampleIterator) Row() SampleRow { return it.cur }

// Err returns the first error encountered, if any.
func (it *SampleIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

// Close releases the underlying rows.
func (it *SampleIterator) Close() error { return it.rows.Close() }

func scanWorkout(rows *sql.Rows) (WorkoutRow, error) {
	var (
		w         WorkoutRow
		kind      string
		startT    int64
		endT      sql.NullInt64
		summary   sql.NullString
	)
	if err := rows.Scan(&w.ID, &w.DeviceAddress, &w.DeviceName, &kind, &startT, &endT, &w.State, &summary); err != nil {
		return WorkoutRow{}, fmt.Errorf("store: scan workout: %w", err)
	}
	w.Kind = telemetry.Kind(kind)
	w.StartT = time.UnixMicro(startT)
	if endT.Valid {
		t := time.UnixMicro(endT.Int64)
		w.EndT = &t
	}
	if summary.Valid {
		w.SummaryJSON = []byte(summary.String)
	}
	return w, nil
}

func scanWorkoutRow(row *sql.Row) (WorkoutRow, error) {
	var (
		w       WorkoutRow
		kind    string
		startT  int64
		endT    sql.NullInt64
		summary sql.NullString
	)
	if err := row.Scan(&w.ID, &w.DeviceAddress, &w.DeviceName, &kind, &startT, &endT, &w.State, &summary); err != nil {
		return WorkoutRow{}, fmt.Errorf("store: get workout: %w", err)
	}
	w.Kind = telemetry.Kind(kind)
	w.StartT = time.UnixMicro(startT)
	if endT.Valid {
		t := time.UnixMicro(endT.Int64)
		w.EndT = &t
	}
	if summary.Valid {
		w.SummaryJSON = []byte(summary.String)
	}
	return w, nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite wraps the sqlite3 result code in its error string;
	// matching on the message is what the driver's own tests do since it
	// does not export a typed sentinel for every SQLITE_CONSTRAINT variant.
	return err != nil && containsConstraint(err.Error())
}

func containsConstraint(msg string) bool {
	return sqlContains(msg, "UNIQUE constraint failed") || sqlContains(msg, "constraint failed")
}

func sqlContains(s, substr string) bool {
	return len(substr) == 0 || (len(s) >= len(substr) && indexOf(s, substr) >= 0)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// summarizeForSweep computes a minimal summary for a workout recovered
// mid-flight at restart: the sample count plus the distance and energy
// totals of the last sample. The full incremental summary lives in
// internal/workout and is not reconstructed here, to avoid an import
// cycle; nothing recomputes it later.
func summarizeForSweep(samples []SampleRow) map[string]any {
	out := map[string]any{"sample_count": len(samples)}
	if len(samples) == 0 {
		return out
	}
	last := samples[len(samples)-1].Sample
	if last.TotalDistanceM != nil {
		out["total_distance_m"] = *last.TotalDistanceM
	}
	if last.TotalEnergyKcal != nil {
		out["total_energy_kcal"] = *last.TotalEnergyKcal
	}
	return out
}
