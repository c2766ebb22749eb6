package trace

import (
	"errors"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunKey_StringAndCompare(t *testing.T) {
	a := RunKey{PolicyID: "alpha", RunIndex: 2}
	assert.Equal(t, "alpha/run2", a.String())

	keys := []RunKey{{"beta", 0}, {"alpha", 1}, {"alpha", 0}}
	slices.SortFunc(keys, RunKey.Compare)
	assert.Equal(t, []RunKey{{"alpha", 0}, {"alpha", 1}, {"beta", 0}}, keys)
	assert.Equal(t, 0, a.Compare(a))
}

func TestRunRecord_AppendMonotonic(t *testing.T) {
	r := NewRunRecord(RunKey{PolicyID: "p"}, 1)
	require.NoError(t, r.Append(StepSnapshot{Step: 1, VehicleID: "a"}))
	require.NoError(t, r.Append(StepSnapshot{Step: 1, VehicleID: "b"}))
	require.NoError(t, r.Append(StepSnapshot{Step: 2, VehicleID: "a"}))

	err := r.Append(StepSnapshot{Step: 1, VehicleID: "c"})
	assert.Error(t, err, "steps must not go backwards")
	assert.Equal(t, 2, r.LastStep)
	assert.Equal(t, 2, r.StepsFor("a"))
	assert.Equal(t, 1, r.StepsFor("b"))
	assert.Equal(t, 0, r.StepsFor("c"))
}

func TestRunRecord_SealedRejectsWrites(t *testing.T) {
	// GIVEN a sealed record
	r := NewRunRecord(RunKey{PolicyID: "p"}, 1)
	require.NoError(t, r.Append(StepSnapshot{Step: 1, VehicleID: "a"}))
	r.Seal()
	r.Seal()

	// WHEN writing to it
	errAppend := r.Append(StepSnapshot{Step: 2, VehicleID: "a"})
	errTrip := r.AddTrip(Trip{VehicleID: "a"})

	errOcc := r.AddOccupancy(LaneOccupancy{Step: 2})

	// THEN every write fails and the content is unchanged
	assert.True(t, errors.Is(errAppend, ErrRecordSealed))
	assert.True(t, errors.Is(errTrip, ErrRecordSealed))
	assert.True(t, errors.Is(errOcc, ErrRecordSealed))
	assert.True(t, r.Sealed())
	assert.Len(t, r.Snapshots, 1)
	assert.Empty(t, r.Trips)
}

func TestRunRecord_VehicleIDs(t *testing.T) {
	r := NewRunRecord(RunKey{PolicyID: "p"}, 1)
	require.NoError(t, r.Append(StepSnapshot{Step: 1, VehicleID: "b"}))
	require.NoError(t, r.Append(StepSnapshot{Step: 1, VehicleID: "a"}))
	require.NoError(t, r.AddTrip(Trip{VehicleID: "z"}))
	assert.Equal(t, []string{"a", "b", "z"}, r.VehicleIDs())
}

func TestTrip_TravelSteps(t *testing.T) {
	assert.Equal(t, 50, Trip{EntryStep: 1, ExitStep: 51}.TravelSteps())
}

func TestRunRecord_AddOccupancy_StepsIncrease(t *testing.T) {
	r := NewRunRecord(RunKey{PolicyID: "p"}, 1)
	require.NoError(t, r.AddOccupancy(LaneOccupancy{Step: 1, Standard: 2, Cooperative: 1}))
	require.NoError(t, r.AddOccupancy(LaneOccupancy{Step: 3, Standard: 1}))
	assert.Error(t, r.AddOccupancy(LaneOccupancy{Step: 3}))
	assert.Error(t, r.AddOccupancy(LaneOccupancy{Step: 2}))
	require.Len(t, r.Occupancy, 2)
	assert.Equal(t, 3, r.Occupancy[0].Total())
}
