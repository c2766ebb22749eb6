package trace

import (
	"errors"
	"fmt"
	"slices"
)

// ErrRecordSealed is returned when appending to a sealed RunRecord.
var ErrRecordSealed = errors.New("run record is sealed")

// RunKey identifies a run within a batch.
type RunKey struct {
	PolicyID string
	RunIndex int
}

func (k RunKey) String() string {
	return fmt.Sprintf("%s/run%d", k.PolicyID, k.RunIndex)
}

// Compare orders keys by policy ID, then run index.
func (k RunKey) Compare(o RunKey) int {
	if k.PolicyID != o.PolicyID {
		if k.PolicyID < o.PolicyID {
			return -1
		}
		return 1
	}
	return k.RunIndex - o.RunIndex
}

// RunRecord collects the snapshots and trips of one run.
// Append-only while open; read-only once sealed.
type RunRecord struct {
	Key       RunKey
	Seed      int64
	Snapshots []StepSnapshot
	Trips     []Trip
	Occupancy []LaneOccupancy
	LastStep  int
	sealed    bool
}

// NewRunRecord creates an open RunRecord ready for recording.
func NewRunRecord(key RunKey, seed int64) *RunRecord {
	return &RunRecord{
		Key:       key,
		Seed:      seed,
		Snapshots: make([]StepSnapshot, 0),
		Trips:     make([]Trip, 0),
		Occupancy: make([]LaneOccupancy, 0),
	}
}

// Append adds a step snapshot. Steps must not go backwards.
func (r *RunRecord) Append(s StepSnapshot) error {
	if r.sealed {
		return fmt.Errorf("%s: %w", r.Key, ErrRecordSealed)
	}
	if s.Step < r.LastStep {
		return fmt.Errorf("%s: step %d recorded after step %d", r.Key, s.Step, r.LastStep)
	}
	r.Snapshots = append(r.Snapshots, s)
	r.LastStep = s.Step
	return nil
}

// AddTrip appends a departure record.
func (r *RunRecord) AddTrip(t Trip) error {
	if r.sealed {
		return fmt.Errorf("%s: %w", r.Key, ErrRecordSealed)
	}
	r.Trips = append(r.Trips, t)
	return nil
}

// AddOccupancy appends the lane occupancy of one step. Steps must increase.
func (r *RunRecord) AddOccupancy(o LaneOccupancy) error {
	if r.sealed {
		return fmt.Errorf("%s: %w", r.Key, ErrRecordSealed)
	}
	if n := len(r.Occupancy); n > 0 && o.Step <= r.Occupancy[n-1].Step {
		return fmt.Errorf("%s: occupancy for step %d recorded after step %d", r.Key, o.Step, r.Occupancy[n-1].Step)
	}
	r.Occupancy = append(r.Occupancy, o)
	return nil
}

// Seal makes the record read-only. Sealing twice is a no-op.
func (r *RunRecord) Seal() {
	r.sealed = true
}

// Sealed reports whether the record is read-only.
func (r *RunRecord) Sealed() bool {
	return r.sealed
}

// StepsFor returns the number of snapshots recorded for a vehicle.
func (r *RunRecord) StepsFor(vehicleID string) int {
	n := 0
	for _, s := range r.Snapshots {
		if s.VehicleID == vehicleID {
			n++
		}
	}
	return n
}

// VehicleIDs returns the distinct vehicles seen in the record, sorted.
func (r *RunRecord) VehicleIDs() []string {
	seen := make(map[string]struct{})
	for _, s := range r.Snapshots {
		seen[s.VehicleID] = struct{}{}
	}
	for _, t := range r.Trips {
		seen[t.VehicleID] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
