// Package simulator provides cse.Simulator implementations: a scripted
// simulator replaying vehicle frames and an adapter for an external
// simulator process.
package simulator

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/colmto/colmto/cse"
	"gopkg.in/yaml.v3"
)

// ScriptedVehicle is a vehicle reported by a Frame. Its X advances by Speed
// every step after the frame's first step.
type ScriptedVehicle struct {
	ID       string  `yaml:"id"`
	Type     string  `yaml:"type"`
	Speed    float64 `yaml:"speed"`
	MaxSpeed float64 `yaml:"max_speed"`
	X        float64 `yaml:"x"`
	Lane     int     `yaml:"lane"`
}

// Frame reports its vehicles at every step in [From, To].
type Frame struct {
	From     int               `yaml:"from"`
	To       int               `yaml:"to"`
	Vehicles []ScriptedVehicle `yaml:"vehicles"`
}

// Script describes the traffic a Scripted simulator replays.
// FailAt > 0 makes AdvanceStep fail at that step with FailWith
// ("terminated" (default) or "desync").
type Script struct {
	Frames   []Frame `yaml:"frames"`
	FailAt   int     `yaml:"fail_at"`
	FailWith string  `yaml:"fail_with"`
}

// AppliedDirective is one lane directive received by a Scripted simulator.
type AppliedDirective struct {
	Step      int
	VehicleID string
	Target    cse.LaneTarget
}

// LoadScript reads a YAML script file.
// Uses strict parsing: unrecognized keys (typos) are rejected.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario script: %w", err)
	}
	var s Script
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("parsing scenario script: %w", err)
	}
	return &s, s.Validate()
}

// Validate checks frame ranges and the failure mode.
func (s *Script) Validate() error {
	for i, f := range s.Frames {
		if f.From < 1 || f.To < f.From {
			return fmt.Errorf("frames[%d]: invalid step range [%d, %d]", i, f.From, f.To)
		}
		for j, v := range f.Vehicles {
			if v.ID == "" {
				return fmt.Errorf("frames[%d].vehicles[%d]: id must not be empty", i, j)
			}
		}
	}
	switch s.FailWith {
	case "", "terminated", "desync":
	default:
		return fmt.Errorf("unknown fail_with %q; valid: terminated, desync", s.FailWith)
	}
	return nil
}

// Scripted is a deterministic in-process Simulator replaying a Script.
// Steps start at 1. A vehicle directed to a lane keeps it in later reports.
type Scripted struct {
	script     Script
	step       int
	started    bool
	stopped    bool
	failure    error
	seed       int64
	scenario   string
	lanes      map[string]int
	directed   map[string]struct{} // vehicles directed in the current step
	directives []AppliedDirective
}

// NewScripted creates a Scripted simulator for script.
func NewScripted(script Script) *Scripted {
	return &Scripted{script: script}
}

// Start resets the simulator to step 1.
func (s *Scripted) Start(_ context.Context, scenario string, seed int64) error {
	if err := s.script.Validate(); err != nil {
		return err
	}
	s.step = 1
	s.started = true
	s.stopped = false
	s.failure = nil
	s.seed = seed
	s.scenario = scenario
	s.lanes = make(map[string]int)
	s.directed = make(map[string]struct{})
	s.directives = nil
	return nil
}

func (s *Scripted) ready() error {
	if s.failure != nil {
		return s.failure
	}
	if !s.started || s.stopped {
		return fmt.Errorf("scripted simulator not running: %w", cse.ErrSimulatorTerminated)
	}
	return nil
}

// AdvanceStep moves to the next step, or fails at the scripted step.
func (s *Scripted) AdvanceStep(_ context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	if s.script.FailAt > 0 && s.step == s.script.FailAt {
		kind := cse.ErrSimulatorTerminated
		if s.script.FailWith == "desync" {
			kind = cse.ErrSimulatorDesync
		}
		s.failure = fmt.Errorf("scripted failure at step %d: %w", s.step, kind)
		return s.failure
	}
	s.step++
	clear(s.directed)
	return nil
}

// QueryVehicleStates reports every vehicle of every frame covering the current step.
func (s *Scripted) QueryVehicleStates(_ context.Context) ([]cse.VehicleState, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var out []cse.VehicleState
	for _, f := range s.script.Frames {
		if s.step < f.From || s.step > f.To {
			continue
		}
		for _, v := range f.Vehicles {
			lane := v.Lane
			if l, ok := s.lanes[v.ID]; ok {
				lane = l
			}
			maxSpeed := v.MaxSpeed
			if maxSpeed == 0 {
				maxSpeed = v.Speed
			}
			out = append(out, cse.VehicleState{
				ID:       v.ID,
				Type:     v.Type,
				X:        v.X + v.Speed*float64(s.step-f.From),
				Lane:     lane,
				Speed:    v.Speed,
				MaxSpeed: maxSpeed,
			})
		}
	}
	return out, nil
}

// ApplyLaneDirective records a directive. A second directive for the same
// vehicle in one step is a protocol violation.
func (s *Scripted) ApplyLaneDirective(_ context.Context, vehicleID string, target cse.LaneTarget) error {
	if err := s.ready(); err != nil {
		return err
	}
	if !s.present(vehicleID) {
		return fmt.Errorf("directive for %q at step %d: %w", vehicleID, s.step, cse.ErrUnknownVehicle)
	}
	if _, dup := s.directed[vehicleID]; dup {
		return fmt.Errorf("second directive for %q at step %d: %w", vehicleID, s.step, cse.ErrSimulatorDesync)
	}
	s.directed[vehicleID] = struct{}{}
	s.lanes[vehicleID] = target.Index()
	s.directives = append(s.directives, AppliedDirective{Step: s.step, VehicleID: vehicleID, Target: target})
	return nil
}

func (s *Scripted) present(id string) bool {
	for _, f := range s.script.Frames {
		if s.step < f.From || s.step > f.To {
			continue
		}
		for _, v := range f.Vehicles {
			if v.ID == id {
				return true
			}
		}
	}
	return false
}

// Pending counts vehicles of frames that begin after the current step.
func (s *Scripted) Pending(_ context.Context) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	n := 0
	for _, f := range s.script.Frames {
		if f.From > s.step {
			n += len(f.Vehicles)
		}
	}
	return n, nil
}

// Alive reports the scripted failure, if any.
func (s *Scripted) Alive() error {
	return s.ready()
}

// Stop ends the run.
func (s *Scripted) Stop() error {
	s.stopped = true
	return nil
}

// Step returns the current step.
func (s *Scripted) Step() int { return s.step }

// Seed returns the seed passed to Start.
func (s *Scripted) Seed() int64 { return s.seed }

// Directives returns every directive applied since Start.
func (s *Scripted) Directives() []AppliedDirective {
	return append([]AppliedDirective(nil), s.directives...)
}

// Stopped reports whether Stop has been called.
func (s *Scripted) Stopped() bool { return s.stopped }
