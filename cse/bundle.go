package cse

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"slices"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// PolicyBundle holds every policy configuration of a batch, loadable from YAML.
// Each entry becomes one PolicySet identified by its ID.
type PolicyBundle struct {
	Policies []PolicyConfig `yaml:"policies"`
}

// PolicyConfig is one named chain of rules.
type PolicyConfig struct {
	ID    string       `yaml:"id"`
	Rules []RuleConfig `yaml:"rules"`
}

// RuleConfig configures one policy variant. Nil pointer fields mean "not set".
type RuleConfig struct {
	Type        string       `yaml:"type"`
	Behaviour   string       `yaml:"behaviour"`
	LaneTarget  string       `yaml:"lane_target"`
	Priority    int          `yaml:"priority"`
	Revoke      bool         `yaml:"revoke"`
	MinSpeed    *float64     `yaml:"min_speed"`
	MaxSpeed    *float64     `yaml:"max_speed"`
	Field       string       `yaml:"field"`
	Types       []string     `yaml:"types"`
	From        *Position    `yaml:"from"`
	To          *Position    `yaml:"to"`
	Outside     bool         `yaml:"outside"`
	Operator    string       `yaml:"operator"`
	Subpolicies []RuleConfig `yaml:"subpolicies"`
}

// ValidPolicyTypes is the set of recognized policy type names.
// Shared by Validate() and BuildPolicy() to avoid duplication.
var ValidPolicyTypes = map[string]bool{
	"universal":              true,
	"null":                   true,
	"vehicle-type-allowlist": true,
	"speed-threshold":        true,
	"position":               true,
}

// ValidBehaviours is the set of recognized behaviour names; empty defaults to deny
// unless lane_target says otherwise.
var ValidBehaviours = map[string]bool{"": true, "allow": true, "deny": true}

// ValidOperators is the set of recognized sub-policy operators; empty defaults to any.
var ValidOperators = map[string]bool{"": true, "any": true, "all": true}

// ValidSpeedFields is the set of recognized speed fields; empty defaults to speed.
var ValidSpeedFields = map[string]bool{"": true, "speed": true, "max_speed": true}

// LoadPolicyBundle reads and parses a YAML policy configuration file.
// Uses strict parsing: unrecognized keys (typos) are rejected.
func LoadPolicyBundle(path string) (*PolicyBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Source: path, Err: fmt.Errorf("reading policy config: %w", err)}
	}
	var bundle PolicyBundle
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&bundle); err != nil {
		return nil, &ConfigError{Source: path, Err: fmt.Errorf("parsing policy config: %w", err)}
	}
	return &bundle, nil
}

// Validate checks every policy configuration; IDs must be unique and non-empty.
func (b *PolicyBundle) Validate() error {
	if len(b.Policies) == 0 {
		return configErrorf("policies", "at least one policy configuration required")
	}
	ids := lo.Map(b.Policies, func(p PolicyConfig, _ int) string { return p.ID })
	if dup := lo.FindDuplicates(ids); len(dup) > 0 {
		return configErrorf("policies", "duplicate policy id %q", dup[0])
	}
	for i, p := range b.Policies {
		if p.ID == "" {
			return configErrorf(fmt.Sprintf("policies[%d]", i), "id must not be empty")
		}
		for j := range p.Rules {
			if err := p.Rules[j].validate(fmt.Sprintf("policies[%s].rules[%d]", p.ID, j)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *RuleConfig) validate(prefix string) error {
	if !ValidPolicyTypes[r.Type] {
		return configErrorf(prefix, "unknown policy type %q; valid: %v", r.Type, validNames(ValidPolicyTypes))
	}
	if !ValidBehaviours[r.Behaviour] {
		return configErrorf(prefix, "unknown behaviour %q; valid: allow, deny", r.Behaviour)
	}
	if r.LaneTarget != "" {
		target, err := ParseLaneTarget(r.LaneTarget)
		if err != nil {
			return &ConfigError{Source: prefix, Err: err}
		}
		if r.Behaviour != "" && behaviourFor(target) != parseBehaviour(r.Behaviour) {
			return configErrorf(prefix, "lane_target %q contradicts behaviour %q", r.LaneTarget, r.Behaviour)
		}
	}
	if !ValidOperators[r.Operator] {
		return configErrorf(prefix, "unknown operator %q; valid: any, all", r.Operator)
	}
	switch r.Type {
	case "vehicle-type-allowlist":
		if len(r.Types) == 0 {
			return configErrorf(prefix, "types must list at least one vehicle type")
		}
	case "speed-threshold":
		if !ValidSpeedFields[r.Field] {
			return configErrorf(prefix, "unknown speed field %q; valid: speed, max_speed", r.Field)
		}
		if r.MinSpeed == nil {
			return configErrorf(prefix, "min_speed is required")
		}
		if err := validateSpeed(prefix+".min_speed", *r.MinSpeed); err != nil {
			return err
		}
		if r.MaxSpeed != nil {
			if err := validateSpeed(prefix+".max_speed", *r.MaxSpeed); err != nil {
				return err
			}
			if *r.MaxSpeed < *r.MinSpeed {
				return configErrorf(prefix, "max_speed %g below min_speed %g", *r.MaxSpeed, *r.MinSpeed)
			}
		}
	case "position":
		if r.From == nil || r.To == nil {
			return configErrorf(prefix, "from and to are required")
		}
		if r.From.X > r.To.X || r.From.Lane > r.To.Lane {
			return configErrorf(prefix, "bounding box is inverted: from=%v to=%v", *r.From, *r.To)
		}
	default:
		if r.Outside {
			return configErrorf(prefix, "outside only applies to position policies")
		}
	}
	for i := range r.Subpolicies {
		if err := r.Subpolicies[i].validate(fmt.Sprintf("%s.subpolicies[%d]", prefix, i)); err != nil {
			return err
		}
	}
	return nil
}

func validateSpeed(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return configErrorf(name, "must be a finite number, got %f", v)
	}
	if v < 0 {
		return configErrorf(name, "must be non-negative, got %f", v)
	}
	return nil
}

func validNames(m map[string]bool) []string {
	names := lo.Filter(lo.Keys(m), func(s string, _ int) bool { return s != "" })
	slices.Sort(names)
	return names
}

func parseBehaviour(s string) Behaviour {
	if s == "allow" {
		return BehaviourAllow
	}
	return BehaviourDeny
}

func behaviourFor(t LaneTarget) Behaviour {
	if t == LaneCooperative {
		return BehaviourAllow
	}
	return BehaviourDeny
}

// BuildPolicySets validates the bundle and builds one PolicySet per configuration,
// in configuration order.
func (b *PolicyBundle) BuildPolicySets() ([]*PolicySet, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	sets := make([]*PolicySet, 0, len(b.Policies))
	for _, pc := range b.Policies {
		policies := make([]Policy, 0, len(pc.Rules))
		for _, rc := range pc.Rules {
			policies = append(policies, buildPolicy(rc))
		}
		sets = append(sets, NewPolicySet(pc.ID, policies))
	}
	return sets, nil
}

// BuildPolicy validates a policy configuration, including its sub-policies,
// and creates the policy variant. Returns a ConfigError for unrecognized types
// or invalid parameters.
func BuildPolicy(rc RuleConfig) (Policy, error) {
	if err := rc.validate(rc.Type); err != nil {
		return nil, err
	}
	return buildPolicy(rc), nil
}

// buildPolicy assumes rc has been validated.
func buildPolicy(rc RuleConfig) Policy {
	base := rule{
		behaviour: parseBehaviour(rc.Behaviour),
		priority:  rc.Priority,
		revoke:    rc.Revoke,
	}
	if rc.LaneTarget != "" {
		target, _ := ParseLaneTarget(rc.LaneTarget)
		base.behaviour = behaviourFor(target)
	}
	if rc.Operator == "all" {
		base.operator = OperatorAll
	}
	for _, sub := range rc.Subpolicies {
		base.subs = append(base.subs, buildPolicy(sub))
	}

	switch rc.Type {
	case "universal":
		return &UniversalPolicy{rule: base}
	case "null":
		return &NullPolicy{rule: base}
	case "vehicle-type-allowlist":
		types := lo.Uniq(rc.Types)
		slices.Sort(types)
		return &VehicleTypePolicy{rule: base, types: types}
	case "speed-threshold":
		p := &SpeedPolicy{rule: base, min: *rc.MinSpeed}
		if rc.MaxSpeed != nil {
			p.max, p.hasMax = *rc.MaxSpeed, true
		}
		if rc.Field == "max_speed" {
			p.field = SpeedMax
		}
		return p
	case "position":
		return &PositionPolicy{rule: base, from: *rc.From, to: *rc.To, outside: rc.Outside}
	default:
		panic(fmt.Sprintf("buildPolicy: unhandled policy type %q", rc.Type))
	}
}
