package cse

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks malformed or missing policy/run configuration.
	ErrConfiguration = errors.New("configuration error")
	// ErrSimulatorTerminated means the external simulator process is gone.
	ErrSimulatorTerminated = errors.New("simulator terminated")
	// ErrSimulatorDesync means the simulator protocol state diverged from the engine's.
	ErrSimulatorDesync = errors.New("simulator desynchronized")
	// ErrUnknownVehicle is returned by the simulator for a directive on an absent vehicle.
	ErrUnknownVehicle = errors.New("unknown vehicle")
	// ErrVehicleNotFound is returned by the registry for a vehicle that has left.
	ErrVehicleNotFound = errors.New("vehicle not found")
	// ErrDecisionConflict marks two decisions for one vehicle in one step.
	ErrDecisionConflict = errors.New("decision conflict")
)

// ConfigError wraps a configuration problem with the source it came from.
// It matches both ErrConfiguration and the underlying cause under errors.Is.
type ConfigError struct {
	Source string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error in %s: %v", e.Source, e.Err)
}

func (e *ConfigError) Unwrap() []error {
	return []error{ErrConfiguration, e.Err}
}

func configErrorf(source, format string, args ...any) error {
	return &ConfigError{Source: source, Err: fmt.Errorf(format, args...)}
}

// DecisionConflictError reports a vehicle that received a second decision in one step.
// It indicates an engine bug and is never recoverable.
type DecisionConflictError struct {
	VehicleID string
	Step      int
}

func (e *DecisionConflictError) Error() string {
	return fmt.Sprintf("decision conflict: vehicle %q decided twice in step %d", e.VehicleID, e.Step)
}

func (e *DecisionConflictError) Unwrap() error {
	return ErrDecisionConflict
}

// IsRunLevel reports whether err should abort only the current run.
// Decision conflicts and configuration errors are batch-level.
func IsRunLevel(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrDecisionConflict) && !errors.Is(err, ErrConfiguration)
}
