package cse

import (
	"github.com/sirupsen/logrus"
)

// EngineStats counts decisions and eligibility transitions over a run.
type EngineStats struct {
	Decisions int
	Admitted  int
	Denied    int
	Grants    int
	Revokes   int
}

// Engine turns PolicySet outcomes into one lane directive per vehicle per step.
// Eligibility is sticky: once granted it survives Deny outcomes unless the
// denying policy revokes.
type Engine struct {
	policies *PolicySet
	stats    EngineStats
	log      *logrus.Entry
}

// NewEngine creates an Engine for one run. A nil log uses the standard logger.
func NewEngine(policies *PolicySet, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{policies: policies, log: log}
}

// Policies returns the engine's PolicySet.
func (e *Engine) Policies() *PolicySet {
	return e.policies
}

// DecideStep produces exactly one Decision per vehicle in snapshot.
// A vehicle appearing twice yields a *DecisionConflictError and no decisions.
func (e *Engine) DecideStep(step int, snapshot []VehicleState) ([]Decision, error) {
	decisions := make([]Decision, 0, len(snapshot))
	decided := make(map[string]struct{}, len(snapshot))
	var stats EngineStats

	for _, v := range snapshot {
		if _, dup := decided[v.ID]; dup {
			return nil, &DecisionConflictError{VehicleID: v.ID, Step: step}
		}
		decided[v.ID] = struct{}{}

		res := e.policies.Resolve(v)
		eligible := v.Eligible
		switch res.Outcome {
		case Admit:
			eligible = true
			stats.Admitted++
		case Deny:
			if !v.Eligible || res.Revoke {
				eligible = false
			}
			stats.Denied++
		}

		d := Decision{VehicleID: v.ID, Step: step, Outcome: res.Outcome, Target: LaneStandard}
		if eligible {
			d.Target = LaneCooperative
		}
		switch {
		case eligible && !v.Eligible:
			d.Transition = TransitionGrant
			stats.Grants++
		case !eligible && v.Eligible:
			d.Transition = TransitionRevoke
			stats.Revokes++
		}
		if d.Transition != TransitionNone {
			e.log.WithFields(logrus.Fields{
				"vehicle": v.ID,
				"step":    step,
				"policy":  res.Index,
			}).Debugf("cooperative lane %s", d.Transition)
		}
		decisions = append(decisions, d)
	}

	stats.Decisions = len(decisions)
	e.stats.Decisions += stats.Decisions
	e.stats.Admitted += stats.Admitted
	e.stats.Denied += stats.Denied
	e.stats.Grants += stats.Grants
	e.stats.Revokes += stats.Revokes
	return decisions, nil
}

// Commit writes the eligibility carried by decisions back into the registry.
func (e *Engine) Commit(reg *Registry, decisions []Decision) error {
	for _, d := range decisions {
		if err := reg.SetEligibility(d.VehicleID, d.Target == LaneCooperative); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns the counters accumulated since the engine was created.
func (e *Engine) Stats() EngineStats {
	return e.stats
}
