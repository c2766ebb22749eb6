// Package cse provides the cooperative lane-management decision engine.
//
// # Reading Guide
//
// Start with these files to understand the per-step decision cycle:
//   - vehicle.go: VehicleState, LaneTarget and the Decision produced per step
//   - registry.go: the Vehicle State Registry refreshed once per simulator step
//   - policy.go: eligibility rules and the first-match-wins PolicySet
//   - engine.go: the Decision Engine turning policy outcomes into lane directives
//
// # Architecture
//
// The cse package defines the domain types and the Simulator interface;
// implementations and orchestration live in sub-packages:
//   - cse/simulator/: Simulator adapters (scripted stub, external process)
//   - cse/trace/: per-run step snapshots, trips and run summaries
//   - cse/dataset/: the Metrics Aggregator and the SQLite dataset store
//   - cse/batch/: the Run Orchestrator and parallel batch execution
//
// # Key Interfaces
//
//   - Simulator: start/advance/query/apply/stop boundary to the traffic simulator
//   - Policy: evaluate a vehicle to Admit, Deny or Abstain
package cse
