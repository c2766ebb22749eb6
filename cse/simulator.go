package cse

import "context"

// Simulator is the boundary to the external traffic simulator.
// Calls for one run are strictly sequential; implementations need not be goroutine-safe.
// AdvanceStep and QueryVehicleStates may block for a whole simulator step.
type Simulator interface {
	// Start launches the simulator for scenario with the given seed.
	Start(ctx context.Context, scenario string, seed int64) error
	// AdvanceStep moves the simulation forward by one step.
	// Fails with ErrSimulatorTerminated or ErrSimulatorDesync.
	AdvanceStep(ctx context.Context) error
	// QueryVehicleStates returns every vehicle currently in the network.
	QueryVehicleStates(ctx context.Context) ([]VehicleState, error)
	// ApplyLaneDirective sends one vehicle to target. Fails with ErrUnknownVehicle.
	ApplyLaneDirective(ctx context.Context, vehicleID string, target LaneTarget) error
	// Pending returns the number of vehicles still waiting to be inserted.
	Pending(ctx context.Context) (int, error)
	// Alive is the liveness check; a non-nil error means the run cannot continue.
	Alive() error
	// Stop terminates the simulator. Safe to call more than once.
	Stop() error
}

// SimulatorFactory creates a fresh Simulator for one run of one policy configuration.
type SimulatorFactory func(policyID string, runIndex int) (Simulator, error)
