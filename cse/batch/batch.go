package batch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/colmto/colmto/cse"
	"github.com/colmto/colmto/cse/dataset"
	"github.com/colmto/colmto/cse/trace"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrNoRunStarted is returned when not a single run could start its simulator.
var ErrNoRunStarted = errors.New("no run could be started")

// Result summarizes a batch.
type Result struct {
	BatchID   string
	Completed []trace.RunKey
	Failures  []*RunFailure
	// PersistErrors are batch-level warnings; the listed runs are still in memory.
	PersistErrors []*dataset.PersistenceError
}

// Batch executes runs × policy configurations. Runs execute in up to
// RunConfig.WorkerCount() parallel workers; each owns its simulator,
// registry and record.
type Batch struct {
	cfg      *cse.RunConfig
	policies []*cse.PolicySet
	factory  cse.SimulatorFactory
	agg      *dataset.Aggregator
	store    *dataset.Store
	batchID  string

	mu     sync.Mutex
	result Result
}

// New creates a Batch. A nil store keeps the dataset in memory only.
// Panics if cfg, factory or agg is nil, or if no policy set is given.
func New(cfg *cse.RunConfig, policies []*cse.PolicySet, factory cse.SimulatorFactory,
	agg *dataset.Aggregator, store *dataset.Store) *Batch {
	if cfg == nil || factory == nil || agg == nil {
		panic("batch.New: cfg, factory and aggregator are required")
	}
	if len(policies) == 0 {
		panic("batch.New: at least one policy set is required")
	}
	return &Batch{cfg: cfg, policies: policies, factory: factory, agg: agg, store: store}
}

// WithBatchID tags persisted runs with a batch identifier.
func (b *Batch) WithBatchID(id string) *Batch {
	b.batchID = id
	b.result.BatchID = id
	return b
}

type job struct {
	policies *cse.PolicySet
	runIndex int
}

// Execute runs every job. Aborted runs are recorded as failures and the batch
// continues; a decision conflict cancels the remaining runs and is returned.
// Cancelling ctx stops in-flight runs; runs sealed before that are kept.
func (b *Batch) Execute(ctx context.Context) (*Result, error) {
	var jobs []job
	for _, ps := range b.policies {
		for i := 0; i < b.cfg.Runs; i++ {
			jobs = append(jobs, job{policies: ps, runIndex: i})
		}
	}
	logrus.Infof("batch: %d policy configurations × %d runs on %d workers",
		len(b.policies), b.cfg.Runs, b.cfg.WorkerCount())

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.WorkerCount())
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			return b.runOne(gctx, j)
		})
	}
	err := g.Wait()

	b.mu.Lock()
	res := b.result
	b.mu.Unlock()
	slices.SortFunc(res.Completed, trace.RunKey.Compare)
	slices.SortFunc(res.Failures, func(x, y *RunFailure) int { return x.Key.Compare(y.Key) })

	if err != nil {
		return &res, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &res, ctxErr
	}
	if len(res.Completed) == 0 && !slices.ContainsFunc(res.Failures, func(f *RunFailure) bool { return f.Started }) {
		return &res, ErrNoRunStarted
	}
	return &res, nil
}

func (b *Batch) runOne(ctx context.Context, j job) error {
	if ctx.Err() != nil {
		return nil
	}
	key := trace.RunKey{PolicyID: j.policies.ID(), RunIndex: j.runIndex}
	simKey := cse.SimulationKey{PolicyID: key.PolicyID, RunIndex: key.RunIndex, BaseSeed: b.cfg.Seed, Mode: b.cfg.SeedMode}

	sim, err := b.factory(key.PolicyID, key.RunIndex)
	if err != nil {
		b.fail(&RunFailure{Key: key, Err: fmt.Errorf("creating simulator: %w", err)})
		return nil
	}

	run := NewRun(key, simKey.Seed(), b.cfg, j.policies, sim, b.agg)
	rec, err := run.Execute(ctx)
	if err != nil {
		var failure *RunFailure
		if errors.As(err, &failure) {
			b.fail(failure)
			return nil
		}
		return err
	}

	b.mu.Lock()
	b.result.Completed = append(b.result.Completed, rec.Key)
	b.mu.Unlock()

	if b.store != nil {
		if err := b.agg.Persist(ctx, b.store, b.batchID); err != nil {
			var perr *dataset.PersistenceError
			if errors.As(err, &perr) {
				logrus.Warnf("batch: %v", perr)
				b.mu.Lock()
				b.result.PersistErrors = append(b.result.PersistErrors, perr)
				b.mu.Unlock()
				return nil
			}
			return err
		}
	}
	return nil
}

func (b *Batch) fail(f *RunFailure) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.result.Failures = append(b.result.Failures, f)
}
