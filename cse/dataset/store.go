// Package dataset aggregates sealed run records and persists them to a
// SQLite file keyed by policy configuration and run index.
package dataset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/colmto/colmto/cse/trace"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS batches (
	batch_id     TEXT PRIMARY KEY,
	created_at   TEXT NOT NULL,
	config_json  TEXT
);

CREATE TABLE IF NOT EXISTS runs (
	policy_id    TEXT NOT NULL,
	run_index    INTEGER NOT NULL,
	batch_id     TEXT,
	seed         INTEGER NOT NULL,
	last_step    INTEGER NOT NULL,
	vehicles     INTEGER NOT NULL,
	sealed_at    TEXT NOT NULL,
	PRIMARY KEY (policy_id, run_index)
);

CREATE TABLE IF NOT EXISTS snapshots (
	policy_id    TEXT NOT NULL,
	run_index    INTEGER NOT NULL,
	vehicle_id   TEXT NOT NULL,
	step         INTEGER NOT NULL,
	lane         INTEGER NOT NULL,
	target       INTEGER NOT NULL,
	x            REAL NOT NULL,
	speed        REAL NOT NULL,
	eligible     INTEGER NOT NULL,
	PRIMARY KEY (policy_id, run_index, vehicle_id, step),
	FOREIGN KEY (policy_id, run_index) REFERENCES runs(policy_id, run_index)
);

CREATE INDEX IF NOT EXISTS snapshots_by_step ON snapshots (policy_id, run_index, step);

CREATE TABLE IF NOT EXISTS trips (
	policy_id    TEXT NOT NULL,
	run_index    INTEGER NOT NULL,
	vehicle_id   TEXT NOT NULL,
	vehicle_type TEXT,
	entry_step   INTEGER NOT NULL,
	exit_step    INTEGER NOT NULL,
	eligible     INTEGER NOT NULL,
	last_x       REAL NOT NULL,
	max_speed    REAL NOT NULL,
	time_loss    REAL NOT NULL,
	PRIMARY KEY (policy_id, run_index, vehicle_id),
	FOREIGN KEY (policy_id, run_index) REFERENCES runs(policy_id, run_index)
);

CREATE TABLE IF NOT EXISTS occupancy (
	policy_id    TEXT NOT NULL,
	run_index    INTEGER NOT NULL,
	step         INTEGER NOT NULL,
	standard     INTEGER NOT NULL,
	cooperative  INTEGER NOT NULL,
	PRIMARY KEY (policy_id, run_index, step),
	FOREIGN KEY (policy_id, run_index) REFERENCES runs(policy_id, run_index)
);
`

// ErrRunExists is returned by WriteRun for a run the store already holds.
var ErrRunExists = errors.New("run already persisted")

// Store reads and writes run records in SQLite.
type Store struct {
	db *sql.DB
}

// RunInfo describes one persisted run.
type RunInfo struct {
	Key      trace.RunKey
	BatchID  string
	Seed     int64
	LastStep int
	Vehicles int
	SealedAt time.Time
}

// Query selects snapshots of one run. Zero-valued bounds are open;
// an empty VehicleID selects every vehicle.
type Query struct {
	Key       trace.RunKey
	VehicleID string
	FromStep  int
	ToStep    int
}

// OpenStore opens a SQLite database and runs migrations.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginBatch registers a new batch and returns its ID.
func (s *Store) BeginBatch(ctx context.Context, configJSON string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batches (batch_id, created_at, config_json) VALUES (?, ?, ?)`,
		id, time.Now().UTC().Format(time.RFC3339Nano), nullIfEmpty(configJSON),
	)
	if err != nil {
		return "", fmt.Errorf("insert batch: %w", err)
	}
	return id, nil
}

// HasRun reports whether a run is already persisted.
func (s *Store) HasRun(ctx context.Context, key trace.RunKey) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE policy_id = ? AND run_index = ?`,
		key.PolicyID, key.RunIndex,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup run %s: %w", key, err)
	}
	return n > 0, nil
}

// WriteRun persists a sealed record in a single transaction.
// A run already present is left untouched and ErrRunExists is returned.
func (s *Store) WriteRun(ctx context.Context, batchID string, r *trace.RunRecord) error {
	if !r.Sealed() {
		return fmt.Errorf("write run %s: record is not sealed", r.Key)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO runs (policy_id, run_index, batch_id, seed, last_step, vehicles, sealed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(policy_id, run_index) DO NOTHING`,
		r.Key.PolicyID, r.Key.RunIndex, nullIfEmpty(batchID), r.Seed, r.LastStep,
		len(r.VehicleIDs()), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.Key, err)
	}
	if n == 0 {
		return fmt.Errorf("write run %s: %w", r.Key, ErrRunExists)
	}

	snap, err := tx.PrepareContext(ctx,
		`INSERT INTO snapshots (policy_id, run_index, vehicle_id, step, lane, target, x, speed, eligible)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare snapshots: %w", err)
	}
	defer snap.Close()
	for _, sn := range r.Snapshots {
		if _, err := snap.ExecContext(ctx, r.Key.PolicyID, r.Key.RunIndex, sn.VehicleID,
			sn.Step, sn.Lane, sn.Target, sn.X, sn.Speed, boolToInt(sn.Eligible)); err != nil {
			return fmt.Errorf("insert snapshot %s/%s@%d: %w", r.Key, sn.VehicleID, sn.Step, err)
		}
	}

	trip, err := tx.PrepareContext(ctx,
		`INSERT INTO trips (policy_id, run_index, vehicle_id, vehicle_type, entry_step, exit_step, eligible, last_x, max_speed, time_loss)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare trips: %w", err)
	}
	defer trip.Close()
	for _, t := range r.Trips {
		if _, err := trip.ExecContext(ctx, r.Key.PolicyID, r.Key.RunIndex, t.VehicleID,
			nullIfEmpty(t.VehicleType), t.EntryStep, t.ExitStep, boolToInt(t.Eligible),
			t.LastX, t.MaxSpeed, t.TimeLoss); err != nil {
			return fmt.Errorf("insert trip %s/%s: %w", r.Key, t.VehicleID, err)
		}
	}

	occ, err := tx.PrepareContext(ctx,
		`INSERT INTO occupancy (policy_id, run_index, step, standard, cooperative) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare occupancy: %w", err)
	}
	defer occ.Close()
	for _, o := range r.Occupancy {
		if _, err := occ.ExecContext(ctx, r.Key.PolicyID, r.Key.RunIndex, o.Step, o.Standard, o.Cooperative); err != nil {
			return fmt.Errorf("insert occupancy %s@%d: %w", r.Key, o.Step, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Runs lists persisted runs ordered by policy ID and run index.
func (s *Store) Runs(ctx context.Context) ([]RunInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT policy_id, run_index, COALESCE(batch_id, ''), seed, last_step, vehicles, sealed_at
		 FROM runs ORDER BY policy_id, run_index`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunInfo
	for rows.Next() {
		var info RunInfo
		var sealedAt string
		if err := rows.Scan(&info.Key.PolicyID, &info.Key.RunIndex, &info.BatchID,
			&info.Seed, &info.LastStep, &info.Vehicles, &sealedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		info.SealedAt, _ = time.Parse(time.RFC3339Nano, sealedAt)
		out = append(out, info)
	}
	return out, rows.Err()
}

// ReadRun loads one run without touching the rest of the batch.
// The returned record is sealed.
func (s *Store) ReadRun(ctx context.Context, key trace.RunKey) (*trace.RunRecord, error) {
	var seed int64
	err := s.db.QueryRowContext(ctx,
		`SELECT seed FROM runs WHERE policy_id = ? AND run_index = ?`,
		key.PolicyID, key.RunIndex,
	).Scan(&seed)
	if err != nil {
		return nil, fmt.Errorf("read run %s: %w", key, err)
	}

	rec := trace.NewRunRecord(key, seed)
	snaps, err := s.QueryRange(ctx, Query{Key: key})
	if err != nil {
		return nil, err
	}
	rec.Snapshots = snaps
	if len(snaps) > 0 {
		rec.LastStep = snaps[len(snaps)-1].Step
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT vehicle_id, COALESCE(vehicle_type, ''), entry_step, exit_step, eligible, last_x, max_speed, time_loss
		 FROM trips WHERE policy_id = ? AND run_index = ? ORDER BY exit_step, vehicle_id`,
		key.PolicyID, key.RunIndex)
	if err != nil {
		return nil, fmt.Errorf("read trips %s: %w", key, err)
	}
	defer rows.Close()
	for rows.Next() {
		var t trace.Trip
		var eligible int
		if err := rows.Scan(&t.VehicleID, &t.VehicleType, &t.EntryStep, &t.ExitStep,
			&eligible, &t.LastX, &t.MaxSpeed, &t.TimeLoss); err != nil {
			return nil, fmt.Errorf("scan trip: %w", err)
		}
		t.Eligible = eligible != 0
		rec.Trips = append(rec.Trips, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	occ, err := s.Occupancy(ctx, key)
	if err != nil {
		return nil, err
	}
	rec.Occupancy = occ
	rec.Seal()
	return rec, nil
}

// Occupancy returns the per-step lane occupancy of one run ordered by step.
func (s *Store) Occupancy(ctx context.Context, key trace.RunKey) ([]trace.LaneOccupancy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step, standard, cooperative FROM occupancy
		 WHERE policy_id = ? AND run_index = ? ORDER BY step`,
		key.PolicyID, key.RunIndex)
	if err != nil {
		return nil, fmt.Errorf("read occupancy %s: %w", key, err)
	}
	defer rows.Close()

	out := make([]trace.LaneOccupancy, 0)
	for rows.Next() {
		var o trace.LaneOccupancy
		if err := rows.Scan(&o.Step, &o.Standard, &o.Cooperative); err != nil {
			return nil, fmt.Errorf("scan occupancy: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// QueryRange returns snapshots of one run filtered by vehicle and step range,
// ordered by step then vehicle ID.
func (s *Store) QueryRange(ctx context.Context, q Query) ([]trace.StepSnapshot, error) {
	query := `SELECT vehicle_id, step, lane, target, x, speed, eligible FROM snapshots
		WHERE policy_id = ? AND run_index = ?`
	args := []any{q.Key.PolicyID, q.Key.RunIndex}
	if q.VehicleID != "" {
		query += ` AND vehicle_id = ?`
		args = append(args, q.VehicleID)
	}
	if q.FromStep > 0 {
		query += ` AND step >= ?`
		args = append(args, q.FromStep)
	}
	if q.ToStep > 0 {
		query += ` AND step <= ?`
		args = append(args, q.ToStep)
	}
	query += ` ORDER BY step, vehicle_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshots %s: %w", q.Key, err)
	}
	defer rows.Close()

	out := make([]trace.StepSnapshot, 0)
	for rows.Next() {
		var sn trace.StepSnapshot
		var eligible int
		if err := rows.Scan(&sn.VehicleID, &sn.Step, &sn.Lane, &sn.Target, &sn.X, &sn.Speed, &eligible); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		sn.Eligible = eligible != 0
		out = append(out, sn)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
