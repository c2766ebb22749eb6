package cse

import (
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"
)

// Registry maps vehicle identifiers to their current state for one run.
// Its population changes only through Refresh; between refreshes the engine
// sees a frozen view. Not goroutine-safe: owned by a single run.
type Registry struct {
	vehicles map[string]VehicleState
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{vehicles: make(map[string]VehicleState)}
}

// Refresh merges the simulator's report for step into the registry.
// Unseen vehicles are added with EntryStep=step, known vehicles get their
// kinematics updated, and vehicles missing from the report are evicted and
// returned as departed with their last known state.
// A report listing the same vehicle twice fails with ErrSimulatorDesync
// and leaves the registry untouched.
func (r *Registry) Refresh(step int, report []VehicleState) ([]VehicleState, error) {
	seen := make(map[string]struct{}, len(report))
	for _, v := range report {
		if _, dup := seen[v.ID]; dup {
			return nil, fmt.Errorf("vehicle %q reported twice in step %d: %w", v.ID, step, ErrSimulatorDesync)
		}
		seen[v.ID] = struct{}{}
	}

	var departed []VehicleState
	for id, v := range r.vehicles {
		if _, ok := seen[id]; !ok {
			departed = append(departed, v)
			delete(r.vehicles, id)
		}
	}
	slices.SortFunc(departed, byID)

	for _, v := range report {
		if prev, ok := r.vehicles[v.ID]; ok {
			v.Eligible = prev.Eligible
			v.EntryStep = prev.EntryStep
		} else {
			v.Eligible = false
			v.EntryStep = step
		}
		r.vehicles[v.ID] = v
	}
	return departed, nil
}

// Get returns the state of a vehicle still in the network.
func (r *Registry) Get(id string) (VehicleState, error) {
	v, ok := r.vehicles[id]
	if !ok {
		return VehicleState{}, fmt.Errorf("vehicle %q: %w", id, ErrVehicleNotFound)
	}
	return v, nil
}

// Snapshot returns a copy of all vehicles ordered by ID.
func (r *Registry) Snapshot() []VehicleState {
	out := lo.Values(r.vehicles)
	slices.SortFunc(out, byID)
	return out
}

// IDs returns the registered vehicle IDs in sorted order.
func (r *Registry) IDs() []string {
	ids := lo.Keys(r.vehicles)
	slices.Sort(ids)
	return ids
}

// Len returns the number of vehicles in the registry.
func (r *Registry) Len() int {
	return len(r.vehicles)
}

// SetEligibility records the engine's committed eligibility for a vehicle.
func (r *Registry) SetEligibility(id string, eligible bool) error {
	v, ok := r.vehicles[id]
	if !ok {
		return fmt.Errorf("vehicle %q: %w", id, ErrVehicleNotFound)
	}
	v.Eligible = eligible
	r.vehicles[id] = v
	return nil
}

// Drain removes and returns every vehicle, ordered by ID.
func (r *Registry) Drain() []VehicleState {
	out := r.Snapshot()
	clear(r.vehicles)
	return out
}

func byID(a, b VehicleState) int {
	return strings.Compare(a.ID, b.ID)
}
