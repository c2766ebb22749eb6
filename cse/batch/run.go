// Package batch runs every configured (policy, run) pair against a fresh
// simulator and merges completed runs into the batch dataset.
package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/colmto/colmto/cse"
	"github.com/colmto/colmto/cse/dataset"
	"github.com/colmto/colmto/cse/trace"
	"github.com/sirupsen/logrus"
)

// RunState is the lifecycle state of a Run.
type RunState int

const (
	StateInitialized RunState = iota
	StateStepping
	StateCompleted
	StateAborted
)

func (s RunState) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateStepping:
		return "stepping"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// RunFailure reports an aborted run. LastStep is the step the run had reached
// when the simulator failed (0 if it never started stepping).
type RunFailure struct {
	Key      trace.RunKey
	LastStep int
	Started  bool
	Err      error
}

func (f *RunFailure) Error() string {
	return fmt.Sprintf("run %s aborted at step %d: %v", f.Key, f.LastStep, f.Err)
}

func (f *RunFailure) Unwrap() error {
	return f.Err
}

// Run executes one simulation run of one policy configuration.
// All simulator calls happen sequentially on the caller's goroutine.
type Run struct {
	key      trace.RunKey
	seed     int64
	scenario string
	maxSteps int

	sim      cse.Simulator
	engine   *cse.Engine
	registry *cse.Registry
	agg      *dataset.Aggregator
	log      *logrus.Entry

	state    RunState
	lastStep int
	started  bool
	timeLoss map[string]float64 // per present vehicle, in steps
}

// NewRun creates a Run in the Initialized state.
func NewRun(key trace.RunKey, seed int64, cfg *cse.RunConfig, policies *cse.PolicySet,
	sim cse.Simulator, agg *dataset.Aggregator) *Run {
	log := logrus.WithFields(logrus.Fields{"policy": key.PolicyID, "run": key.RunIndex})
	return &Run{
		key:      key,
		seed:     seed,
		scenario: cfg.Scenario,
		maxSteps: cfg.MaxSteps,
		sim:      sim,
		engine:   cse.NewEngine(policies, log),
		registry: cse.NewRegistry(),
		agg:      agg,
		log:      log,
		state:    StateInitialized,
		timeLoss: make(map[string]float64),
	}
}

// State returns the current lifecycle state.
func (r *Run) State() RunState { return r.state }

// LastStep returns the last step the run reached.
func (r *Run) LastStep() int { return r.lastStep }

// Registry exposes the run's vehicle registry.
func (r *Run) Registry() *cse.Registry { return r.registry }

// Engine exposes the run's decision engine.
func (r *Run) Engine() *cse.Engine { return r.engine }

// Execute drives the run to Completed or Aborted. On Completed the record is
// sealed and returned. Simulator failures return a *RunFailure; a decision
// conflict is returned as is and must stop the batch. In both cases the
// partial record is discarded.
func (r *Run) Execute(ctx context.Context) (*trace.RunRecord, error) {
	if r.state != StateInitialized {
		panic(fmt.Sprintf("Run.Execute called in state %s", r.state))
	}
	defer func() {
		if err := r.sim.Stop(); err != nil {
			r.log.Warnf("stopping simulator: %v", err)
		}
	}()

	if err := r.agg.Begin(r.key, r.seed); err != nil {
		return nil, r.abort(err)
	}
	if err := r.sim.Start(ctx, r.scenario, r.seed); err != nil {
		return nil, r.abort(err)
	}
	r.started = true
	r.state = StateStepping
	r.log.Infof("run started (seed %d)", r.seed)

	for step := 1; ; step++ {
		if step > r.maxSteps {
			r.log.Warnf("step limit %d reached with %d vehicles in the network", r.maxSteps, r.registry.Len())
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, r.abort(err)
		}
		r.lastStep = step
		done, err := r.step(ctx, step)
		if err != nil {
			return nil, r.abort(err)
		}
		if done {
			break
		}
	}

	for _, v := range r.registry.Drain() {
		if err := r.agg.RecordTrip(r.key, r.tripOf(v, r.lastStep+1)); err != nil {
			return nil, r.abort(err)
		}
	}
	rec, err := r.agg.Seal(r.key)
	if err != nil {
		return nil, r.abort(err)
	}
	r.state = StateCompleted
	stats := r.engine.Stats()
	r.log.Infof("run completed after %d steps: %d decisions, %d grants, %d revokes",
		rec.LastStep, stats.Decisions, stats.Grants, stats.Revokes)
	return rec, nil
}

// step runs one query/refresh/decide/apply/record/advance cycle.
// It reports done when the network is empty and nothing is pending.
func (r *Run) step(ctx context.Context, step int) (bool, error) {
	if err := r.sim.Alive(); err != nil {
		return false, err
	}
	report, err := r.sim.QueryVehicleStates(ctx)
	if err != nil {
		return false, err
	}
	departed, err := r.registry.Refresh(step, report)
	if err != nil {
		return false, err
	}
	for _, v := range departed {
		if err := r.agg.RecordTrip(r.key, r.tripOf(v, step)); err != nil {
			return false, err
		}
	}

	if r.registry.Len() == 0 {
		pending, err := r.sim.Pending(ctx)
		if err != nil {
			return false, err
		}
		if pending == 0 {
			return true, nil
		}
	}

	present := r.registry.Snapshot()
	if err := r.agg.RecordOccupancy(r.key, occupancyOf(step, present)); err != nil {
		return false, err
	}
	decisions, err := r.engine.DecideStep(step, present)
	if err != nil {
		return false, err
	}
	for _, d := range decisions {
		if err := r.sim.ApplyLaneDirective(ctx, d.VehicleID, d.Target); err != nil {
			return false, err
		}
	}
	if err := r.engine.Commit(r.registry, decisions); err != nil {
		return false, err
	}
	for _, d := range decisions {
		v, err := r.registry.Get(d.VehicleID)
		if err != nil {
			return false, err
		}
		snap := trace.StepSnapshot{
			Step:      step,
			VehicleID: v.ID,
			Lane:      v.Lane,
			Target:    d.Target.Index(),
			X:         v.X,
			Speed:     v.Speed,
			Eligible:  v.Eligible,
		}
		if err := r.agg.Record(r.key, snap); err != nil {
			return false, err
		}
		if v.MaxSpeed > 0 && v.Speed < v.MaxSpeed {
			r.timeLoss[v.ID] += 1 - v.Speed/v.MaxSpeed
		}
	}
	return false, r.sim.AdvanceStep(ctx)
}

func (r *Run) abort(err error) error {
	r.state = StateAborted
	r.agg.Discard(r.key)
	if errors.Is(err, cse.ErrDecisionConflict) {
		r.log.Errorf("decision conflict at step %d: %v", r.lastStep, err)
		return err
	}
	r.log.Warnf("run aborted at step %d: %v", r.lastStep, err)
	return &RunFailure{Key: r.key, LastStep: r.lastStep, Started: r.started, Err: err}
}

func (r *Run) tripOf(v cse.VehicleState, exitStep int) trace.Trip {
	loss := r.timeLoss[v.ID]
	delete(r.timeLoss, v.ID)
	return trace.Trip{
		VehicleID:   v.ID,
		VehicleType: v.Type,
		EntryStep:   v.EntryStep,
		ExitStep:    exitStep,
		Eligible:    v.Eligible,
		LastX:       v.X,
		MaxSpeed:    v.MaxSpeed,
		TimeLoss:    loss,
	}
}

// occupancyOf counts vehicles by reported lane; any lane above 0 is cooperative.
func occupancyOf(step int, vehicles []cse.VehicleState) trace.LaneOccupancy {
	o := trace.LaneOccupancy{Step: step}
	for _, v := range vehicles {
		if v.Lane > 0 {
			o.Cooperative++
		} else {
			o.Standard++
		}
	}
	return o
}
