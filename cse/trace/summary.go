package trace

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// RunSummary aggregates statistics from a RunRecord.
type RunSummary struct {
	Run                      string  `json:"run"`
	Vehicles                 int     `json:"vehicles"`
	Snapshots                int     `json:"snapshots"`
	LastStep                 int     `json:"last_step"`
	CooperativeShare         float64 `json:"cooperative_share"`          // fraction of snapshots reported on the cooperative lane
	DirectedShare            float64 `json:"directed_share"`             // fraction of snapshots directed to the cooperative lane
	EligibleShare            float64 `json:"eligible_share"`             // fraction of snapshots with eligibility granted
	MeanSpeed                float64 `json:"mean_speed"`
	CompletedTrips           int     `json:"completed_trips"`
	MeanTravelSteps          float64 `json:"mean_travel_steps"`
	StdDevTravelSteps        float64 `json:"stddev_travel_steps"`
	MedianTravelSteps        float64 `json:"median_travel_steps"`
	MeanTimeLoss             float64 `json:"mean_time_loss"`             // steps lost to driving below max speed
	MeanStandardOccupancy    float64 `json:"mean_standard_occupancy"`    // vehicles per step on the standard lane
	MeanCooperativeOccupancy float64 `json:"mean_cooperative_occupancy"` // vehicles per step on the cooperative lane
	PeakCooperativeOccupancy int     `json:"peak_cooperative_occupancy"`
}

// Summarize computes aggregate statistics from a RunRecord.
// Safe for nil or empty records (returns zero-value fields).
func Summarize(r *RunRecord) *RunSummary {
	summary := &RunSummary{}
	if r == nil {
		return summary
	}
	summary.Run = r.Key.String()
	summary.Vehicles = len(r.VehicleIDs())
	summary.Snapshots = len(r.Snapshots)
	summary.LastStep = r.LastStep

	if len(r.Snapshots) > 0 {
		speeds := make([]float64, len(r.Snapshots))
		coop, directed, eligible := 0, 0, 0
		for i, s := range r.Snapshots {
			speeds[i] = s.Speed
			if s.Lane > 0 {
				coop++
			}
			if s.Target > 0 {
				directed++
			}
			if s.Eligible {
				eligible++
			}
		}
		n := float64(len(r.Snapshots))
		summary.CooperativeShare = float64(coop) / n
		summary.DirectedShare = float64(directed) / n
		summary.EligibleShare = float64(eligible) / n
		summary.MeanSpeed = stat.Mean(speeds, nil)
	}

	summary.CompletedTrips = len(r.Trips)
	if len(r.Trips) > 0 {
		travel := make([]float64, len(r.Trips))
		loss := make([]float64, len(r.Trips))
		for i, t := range r.Trips {
			travel[i] = float64(t.TravelSteps())
			loss[i] = t.TimeLoss
		}
		summary.MeanTimeLoss = stat.Mean(loss, nil)
		summary.MeanTravelSteps, summary.StdDevTravelSteps = stat.MeanStdDev(travel, nil)
		if len(travel) < 2 {
			summary.StdDevTravelSteps = 0
		}
		sorted := append([]float64(nil), travel...)
		sort.Float64s(sorted)
		summary.MedianTravelSteps = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	}

	if len(r.Occupancy) > 0 {
		standard := make([]float64, len(r.Occupancy))
		coop := make([]float64, len(r.Occupancy))
		for i, o := range r.Occupancy {
			standard[i] = float64(o.Standard)
			coop[i] = float64(o.Cooperative)
			summary.PeakCooperativeOccupancy = max(summary.PeakCooperativeOccupancy, o.Cooperative)
		}
		summary.MeanStandardOccupancy = stat.Mean(standard, nil)
		summary.MeanCooperativeOccupancy = stat.Mean(coop, nil)
	}
	return summary
}
