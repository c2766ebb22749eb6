// Package trace provides per-run trajectory recording for policy comparison.
// It holds pure data types and does not import the decision engine.
package trace

// StepSnapshot captures one vehicle at one step. Lane is the lane the
// simulator reported for the step; Target is the lane the directive issued
// in the same step sends the vehicle to.
type StepSnapshot struct {
	Step      int
	VehicleID string
	Lane      int
	Target    int
	X         float64
	Speed     float64
	Eligible  bool
}

// LaneOccupancy counts the vehicles reported on each lane at one step.
type LaneOccupancy struct {
	Step        int
	Standard    int
	Cooperative int
}

// Total returns the number of vehicles in the network at the step.
func (o LaneOccupancy) Total() int {
	return o.Standard + o.Cooperative
}

// Trip is the final record emitted when a vehicle leaves the network.
type Trip struct {
	VehicleID   string
	VehicleType string
	EntryStep   int
	ExitStep    int  // first step at which the vehicle was no longer reported
	Eligible    bool // eligibility at departure
	LastX       float64
	MaxSpeed    float64
	TimeLoss    float64 // steps lost to driving below MaxSpeed
}

// TravelSteps returns the number of steps the vehicle spent in the network.
func (t Trip) TravelSteps() int {
	return t.ExitStep - t.EntryStep
}
