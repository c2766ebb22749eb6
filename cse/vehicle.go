package cse

import "fmt"

// LaneTarget is the lane a directive sends a vehicle to.
type LaneTarget int

const (
	// LaneStandard is the regular lane (lane index 0).
	LaneStandard LaneTarget = iota
	// LaneCooperative is the managed overtaking lane (lane index 1).
	LaneCooperative
)

// Index returns the simulator lane index of the target.
func (t LaneTarget) Index() int {
	return int(t)
}

func (t LaneTarget) String() string {
	switch t {
	case LaneStandard:
		return "standard"
	case LaneCooperative:
		return "cooperative"
	default:
		return fmt.Sprintf("lane(%d)", int(t))
	}
}

// ParseLaneTarget maps "standard" and "cooperative" to a LaneTarget.
func ParseLaneTarget(s string) (LaneTarget, error) {
	switch s {
	case "standard":
		return LaneStandard, nil
	case "cooperative":
		return LaneCooperative, nil
	default:
		return LaneStandard, fmt.Errorf("unknown lane target %q; valid: standard, cooperative", s)
	}
}

// Position locates a vehicle along the road (X, metres) and across it (Lane).
type Position struct {
	X    float64 `yaml:"x" json:"x"`
	Lane int     `yaml:"lane" json:"lane"`
}

// VehicleState is the registry's view of one simulated vehicle.
// Kinematic fields are overwritten on every refresh; Eligible and EntryStep
// are owned by the registry and survive refreshes.
type VehicleState struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	X         float64 `json:"x"`
	Lane      int     `json:"lane"`
	Speed     float64 `json:"speed"`
	MaxSpeed  float64 `json:"max_speed"`
	Eligible  bool    `json:"eligible"`
	EntryStep int     `json:"entry_step"`
}

// Position returns the vehicle's (X, Lane) position.
func (v VehicleState) Position() Position {
	return Position{X: v.X, Lane: v.Lane}
}

// Transition marks a change of cooperative eligibility within one step.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionGrant
	TransitionRevoke
)

func (t Transition) String() string {
	switch t {
	case TransitionGrant:
		return "grant"
	case TransitionRevoke:
		return "revoke"
	default:
		return "none"
	}
}

// Decision is the lane directive for one vehicle at one step.
// Outcome is the raw PolicySet result; Target already accounts for sticky eligibility.
type Decision struct {
	VehicleID  string
	Step       int
	Outcome    Outcome
	Target     LaneTarget
	Transition Transition
}
