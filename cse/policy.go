package cse

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Outcome is the result of evaluating a policy against a vehicle.
type Outcome int

const (
	Abstain Outcome = iota
	Admit
	Deny
)

func (o Outcome) String() string {
	switch o {
	case Admit:
		return "admit"
	case Deny:
		return "deny"
	default:
		return "abstain"
	}
}

// Behaviour is what a policy decides for the vehicles it applies to.
type Behaviour int

const (
	BehaviourDeny Behaviour = iota
	BehaviourAllow
)

func (b Behaviour) String() string {
	if b == BehaviourAllow {
		return "allow"
	}
	return "deny"
}

// Operator combines the results of sub-policies.
type Operator int

const (
	// OperatorAny applies when at least one sub-policy applies.
	OperatorAny Operator = iota
	// OperatorAll applies when every sub-policy applies.
	OperatorAll
)

func (o Operator) String() string {
	if o == OperatorAll {
		return "all"
	}
	return "any"
}

// Policy decides cooperative-lane eligibility for a single vehicle.
// Implementations are pure and immutable once built.
type Policy interface {
	// Evaluate returns Admit or Deny when the policy applies, Abstain otherwise.
	Evaluate(v VehicleState) Outcome
	// Applies reports whether the policy (including sub-policies) matches v.
	Applies(v VehicleState) bool
	// Priority orders policies inside a PolicySet; lower runs first.
	Priority() int
	// Revokes reports whether a Deny from this policy withdraws granted eligibility.
	Revokes() bool
	String() string
}

// rule holds the fields shared by every policy variant.
type rule struct {
	behaviour Behaviour
	priority  int
	revoke    bool
	operator  Operator
	subs      []Policy
}

func (r rule) Priority() int { return r.priority }
func (r rule) Revokes() bool { return r.revoke }

func (r rule) outcome(applies bool) Outcome {
	if !applies {
		return Abstain
	}
	if r.behaviour == BehaviourAllow {
		return Admit
	}
	return Deny
}

// subpoliciesApply combines sub-policies with the operator; no sub-policies is a match.
func (r rule) subpoliciesApply(v VehicleState) bool {
	if len(r.subs) == 0 {
		return true
	}
	if r.operator == OperatorAll {
		for _, p := range r.subs {
			if !p.Applies(v) {
				return false
			}
		}
		return true
	}
	for _, p := range r.subs {
		if p.Applies(v) {
			return true
		}
	}
	return false
}

func (r rule) describe(kind, params string) string {
	s := fmt.Sprintf("%s{%s behaviour=%s priority=%d", kind, params, r.behaviour, r.priority)
	if r.revoke {
		s += " revoke"
	}
	if len(r.subs) > 0 {
		parts := make([]string, len(r.subs))
		for i, p := range r.subs {
			parts[i] = p.String()
		}
		s += fmt.Sprintf(" %s[%s]", r.operator, strings.Join(parts, ", "))
	}
	return s + "}"
}

// UniversalPolicy applies to every vehicle.
type UniversalPolicy struct{ rule }

func (p *UniversalPolicy) Applies(v VehicleState) bool { return p.subpoliciesApply(v) }
func (p *UniversalPolicy) Evaluate(v VehicleState) Outcome { return p.outcome(p.Applies(v)) }
func (p *UniversalPolicy) String() string { return p.describe("universal", "") }

// NullPolicy applies to no vehicle; it always abstains.
type NullPolicy struct{ rule }

func (p *NullPolicy) Applies(VehicleState) bool { return false }
func (p *NullPolicy) Evaluate(VehicleState) Outcome { return Abstain }
func (p *NullPolicy) String() string { return p.describe("null", "") }

// VehicleTypePolicy applies to vehicles whose type tag is in an allowlist.
type VehicleTypePolicy struct {
	rule
	types []string // sorted
}

func (p *VehicleTypePolicy) Applies(v VehicleState) bool {
	_, found := slices.BinarySearch(p.types, v.Type)
	return found && p.subpoliciesApply(v)
}

func (p *VehicleTypePolicy) Evaluate(v VehicleState) Outcome { return p.outcome(p.Applies(v)) }

func (p *VehicleTypePolicy) String() string {
	return p.describe("vehicle-type-allowlist", "types="+strings.Join(p.types, ","))
}

// SpeedField selects which speed a SpeedPolicy compares.
type SpeedField int

const (
	SpeedCurrent SpeedField = iota
	SpeedMax
)

// SpeedPolicy applies to vehicles whose speed lies in [min, max].
// A zero-valued max with hasMax=false leaves the range open upwards.
type SpeedPolicy struct {
	rule
	field  SpeedField
	min    float64
	max    float64
	hasMax bool
}

func (p *SpeedPolicy) Applies(v VehicleState) bool {
	speed := v.Speed
	if p.field == SpeedMax {
		speed = v.MaxSpeed
	}
	if speed < p.min {
		return false
	}
	if p.hasMax && speed > p.max {
		return false
	}
	return p.subpoliciesApply(v)
}

func (p *SpeedPolicy) Evaluate(v VehicleState) Outcome { return p.outcome(p.Applies(v)) }

func (p *SpeedPolicy) String() string {
	params := fmt.Sprintf("min=%g", p.min)
	if p.hasMax {
		params += fmt.Sprintf(" max=%g", p.max)
	}
	if p.field == SpeedMax {
		params += " field=max_speed"
	}
	return p.describe("speed-threshold", params)
}

// PositionPolicy applies to vehicles inside an inclusive bounding box, or to
// vehicles outside it when outside is set.
type PositionPolicy struct {
	rule
	from    Position
	to      Position
	outside bool
}

func (p *PositionPolicy) Applies(v VehicleState) bool {
	inside := p.from.X <= v.X && v.X <= p.to.X &&
		p.from.Lane <= v.Lane && v.Lane <= p.to.Lane
	return inside != p.outside && p.subpoliciesApply(v)
}

func (p *PositionPolicy) Evaluate(v VehicleState) Outcome { return p.outcome(p.Applies(v)) }

func (p *PositionPolicy) String() string {
	params := fmt.Sprintf("from=(%g,%d) to=(%g,%d)", p.from.X, p.from.Lane, p.to.X, p.to.Lane)
	if p.outside {
		params += " outside"
	}
	return p.describe("position", params)
}

// Resolution is the outcome of a PolicySet together with the policy that produced it.
// Index is -1 when every policy abstained.
type Resolution struct {
	Outcome Outcome
	Index   int
	Revoke  bool
}

// PolicySet is an ordered first-match-wins chain of policies.
// The first policy returning Admit or Deny decides; if all abstain the result is Deny.
type PolicySet struct {
	id       string
	policies []Policy
}

// NewPolicySet orders policies by priority, keeping the given order among equal priorities.
func NewPolicySet(id string, policies []Policy) *PolicySet {
	ordered := slices.Clone(policies)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority() < ordered[j].Priority()
	})
	return &PolicySet{id: id, policies: ordered}
}

// ID returns the policy configuration identifier.
func (s *PolicySet) ID() string { return s.id }

// Len returns the number of policies in the chain.
func (s *PolicySet) Len() int { return len(s.policies) }

// Policies returns the chain in evaluation order.
func (s *PolicySet) Policies() []Policy { return slices.Clone(s.policies) }

// Evaluate returns the chain outcome for v: never Abstain.
func (s *PolicySet) Evaluate(v VehicleState) Outcome {
	return s.Resolve(v).Outcome
}

// Resolve evaluates the chain and reports which policy decided.
func (s *PolicySet) Resolve(v VehicleState) Resolution {
	for i, p := range s.policies {
		switch out := p.Evaluate(v); out {
		case Admit:
			return Resolution{Outcome: Admit, Index: i}
		case Deny:
			return Resolution{Outcome: Deny, Index: i, Revoke: p.Revokes()}
		}
	}
	return Resolution{Outcome: Deny, Index: -1}
}
