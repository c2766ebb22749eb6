package dataset

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/colmto/colmto/cse/trace"
	"github.com/sirupsen/logrus"
)

// ErrPersistence marks a failed dataset write.
var ErrPersistence = errors.New("persistence error")

// PersistenceError lists the runs that could not be written after retrying.
type PersistenceError struct {
	Runs []trace.RunKey
	Err  error
}

func (e *PersistenceError) Error() string {
	names := make([]string, len(e.Runs))
	for i, k := range e.Runs {
		names[i] = k.String()
	}
	return fmt.Sprintf("persisting runs [%s]: %v", strings.Join(names, ", "), e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// DefaultRetryBackoff is the pause before the single persistence retry.
const DefaultRetryBackoff = 200 * time.Millisecond

// Aggregator collects in-progress run records and merges sealed ones into the
// batch dataset. Record and Seal may be called from concurrent runs; each run
// only touches its own record and the merge is serialized. Persist does its
// IO outside mu so stepping runs are never blocked on the store.
type Aggregator struct {
	mu        sync.Mutex
	open      map[trace.RunKey]*trace.RunRecord
	sealed    map[trace.RunKey]*trace.RunRecord
	persisted map[trace.RunKey]bool
	rejected  map[trace.RunKey]bool // already held by the store under another batch

	persistMu sync.Mutex

	// RetryBackoff is waited once before retrying a failed write.
	RetryBackoff time.Duration
}

// NewAggregator creates an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		open:         make(map[trace.RunKey]*trace.RunRecord),
		sealed:       make(map[trace.RunKey]*trace.RunRecord),
		persisted:    make(map[trace.RunKey]bool),
		rejected:     make(map[trace.RunKey]bool),
		RetryBackoff: DefaultRetryBackoff,
	}
}

// Begin opens a fresh record for a run. Reopening a sealed run is an error;
// reopening an unsealed run replaces its partial record.
func (a *Aggregator) Begin(key trace.RunKey, seed int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.sealed[key]; ok {
		return fmt.Errorf("begin %s: %w", key, trace.ErrRecordSealed)
	}
	a.open[key] = trace.NewRunRecord(key, seed)
	return nil
}

func (a *Aggregator) openRecord(key trace.RunKey) (*trace.RunRecord, error) {
	if _, ok := a.sealed[key]; ok {
		return nil, fmt.Errorf("%s: %w", key, trace.ErrRecordSealed)
	}
	rec, ok := a.open[key]
	if !ok {
		return nil, fmt.Errorf("%s: no run in progress", key)
	}
	return rec, nil
}

// Record appends a step snapshot to the run in progress.
func (a *Aggregator) Record(key trace.RunKey, s trace.StepSnapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, err := a.openRecord(key)
	if err != nil {
		return err
	}
	return rec.Append(s)
}

// RecordTrip appends the final record of a departed vehicle.
func (a *Aggregator) RecordTrip(key trace.RunKey, t trace.Trip) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, err := a.openRecord(key)
	if err != nil {
		return err
	}
	return rec.AddTrip(t)
}

// RecordOccupancy appends the per-lane vehicle counts of one step.
func (a *Aggregator) RecordOccupancy(key trace.RunKey, o trace.LaneOccupancy) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, err := a.openRecord(key)
	if err != nil {
		return err
	}
	return rec.AddOccupancy(o)
}

// Seal makes the run's record read-only and merges it into the dataset.
func (a *Aggregator) Seal(key trace.RunKey) (*trace.RunRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, err := a.openRecord(key)
	if err != nil {
		return nil, err
	}
	rec.Seal()
	delete(a.open, key)
	a.sealed[key] = rec
	return rec, nil
}

// Discard drops an unsealed record. Sealed records are never discarded.
func (a *Aggregator) Discard(key trace.RunKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.open, key)
}

// Get returns a sealed record.
func (a *Aggregator) Get(key trace.RunKey) (*trace.RunRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.sealed[key]
	return rec, ok
}

// Keys returns the keys of all sealed runs in order.
func (a *Aggregator) Keys() []trace.RunKey {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make([]trace.RunKey, 0, len(a.sealed))
	for k := range a.sealed {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, trace.RunKey.Compare)
	return keys
}

// InProgress returns the number of open, unsealed records.
func (a *Aggregator) InProgress() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.open)
}

// Persist writes every sealed run not yet in the store. Each failed run is
// retried once after RetryBackoff; runs still failing are reported in a
// *PersistenceError while the others are kept. A run the store already holds
// is never overwritten; it is reported once, without retrying.
func (a *Aggregator) Persist(ctx context.Context, store *Store, batchID string) error {
	a.persistMu.Lock()
	defer a.persistMu.Unlock()

	a.mu.Lock()
	pending := make([]*trace.RunRecord, 0, len(a.sealed))
	for k, rec := range a.sealed {
		if !a.persisted[k] && !a.rejected[k] {
			pending = append(pending, rec)
		}
	}
	a.mu.Unlock()
	slices.SortFunc(pending, func(x, y *trace.RunRecord) int { return x.Key.Compare(y.Key) })

	var failed []trace.RunKey
	var lastErr error
	for _, rec := range pending {
		err := store.WriteRun(ctx, batchID, rec)
		if err != nil && !errors.Is(err, ErrRunExists) {
			logrus.Warnf("persisting %s failed, retrying in %s: %v", rec.Key, a.RetryBackoff, err)
			select {
			case <-ctx.Done():
				err = ctx.Err()
			case <-time.After(a.RetryBackoff):
				err = store.WriteRun(ctx, batchID, rec)
			}
		}
		if err != nil {
			if errors.Is(err, ErrRunExists) {
				a.mu.Lock()
				a.rejected[rec.Key] = true
				a.mu.Unlock()
			}
			failed = append(failed, rec.Key)
			lastErr = err
			continue
		}
		a.mu.Lock()
		a.persisted[rec.Key] = true
		a.mu.Unlock()
	}
	if len(failed) > 0 {
		return &PersistenceError{Runs: failed, Err: lastErr}
	}
	return nil
}

// PersistTo opens (or creates) the dataset file at path and persists every sealed run.
func (a *Aggregator) PersistTo(ctx context.Context, path string) error {
	store, err := OpenStore(path)
	if err != nil {
		return &PersistenceError{Runs: a.Keys(), Err: err}
	}
	defer store.Close()
	return a.Persist(ctx, store, "")
}
