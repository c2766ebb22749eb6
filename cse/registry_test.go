package cse

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Refresh_AddUpdateEvict(t *testing.T) {
	reg := NewRegistry()

	// GIVEN two vehicles entering at step 1
	departed, err := reg.Refresh(1, []VehicleState{
		{ID: "b", Type: "truck", X: 0, Speed: 10},
		{ID: "a", Type: "passenger", X: 5, Speed: 20},
	})
	require.NoError(t, err)
	assert.Empty(t, departed)
	assert.Equal(t, []string{"a", "b"}, reg.IDs())

	// WHEN "a" is granted and both move on, then "b" disappears
	require.NoError(t, reg.SetEligibility("a", true))
	_, err = reg.Refresh(2, []VehicleState{
		{ID: "a", Type: "passenger", X: 25, Speed: 20},
		{ID: "b", Type: "truck", X: 10, Speed: 10},
	})
	require.NoError(t, err)
	departed, err = reg.Refresh(3, []VehicleState{{ID: "a", Type: "passenger", X: 45, Speed: 20}})
	require.NoError(t, err)

	// THEN "a" keeps entry step and eligibility with fresh kinematics
	a, err := reg.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 45.0, a.X)
	assert.Equal(t, 1, a.EntryStep)
	assert.True(t, a.Eligible)

	// THEN "b" is reported departed with its last known state
	require.Len(t, departed, 1)
	assert.Equal(t, "b", departed[0].ID)
	assert.Equal(t, 10.0, departed[0].X)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_Refresh_ReportCannotOverrideOwnedFields(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Refresh(4, []VehicleState{{ID: "v", Eligible: true, EntryStep: 99}})
	require.NoError(t, err)

	v, err := reg.Get("v")
	require.NoError(t, err)
	assert.False(t, v.Eligible, "new vehicles start ineligible")
	assert.Equal(t, 4, v.EntryStep)
}

func TestRegistry_Refresh_Idempotent(t *testing.T) {
	report := []VehicleState{{ID: "a", X: 1}, {ID: "b", X: 2}}
	reg := NewRegistry()
	_, err := reg.Refresh(1, report)
	require.NoError(t, err)
	first := reg.Snapshot()

	departed, err := reg.Refresh(1, report)
	require.NoError(t, err)
	assert.Empty(t, departed)
	assert.Equal(t, first, reg.Snapshot())
}

func TestRegistry_Refresh_DuplicateID_Desync(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Refresh(1, []VehicleState{{ID: "a", X: 1}})
	require.NoError(t, err)
	before := reg.Snapshot()

	_, err = reg.Refresh(2, []VehicleState{{ID: "a", X: 2}, {ID: "a", X: 3}})
	assert.True(t, errors.Is(err, ErrSimulatorDesync))
	assert.Equal(t, before, reg.Snapshot(), "failed refresh must leave the registry untouched")
}

func TestRegistry_Get_Departed_NotFound(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Refresh(1, []VehicleState{{ID: "gone"}})
	require.NoError(t, err)
	_, err = reg.Refresh(2, nil)
	require.NoError(t, err)

	_, err = reg.Get("gone")
	assert.True(t, errors.Is(err, ErrVehicleNotFound))
	assert.True(t, errors.Is(reg.SetEligibility("gone", true), ErrVehicleNotFound))
}

func TestRegistry_Snapshot_IsCopy(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Refresh(1, []VehicleState{{ID: "a"}})
	require.NoError(t, err)

	snap := reg.Snapshot()
	snap[0].Eligible = true

	v, _ := reg.Get("a")
	assert.False(t, v.Eligible)
}

func TestRegistry_Drain(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Refresh(1, []VehicleState{{ID: "c"}, {ID: "a"}, {ID: "b"}})
	require.NoError(t, err)

	out := reg.Drain()
	ids := make([]string, len(out))
	for i, v := range out {
		ids[i] = v.ID
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Equal(t, 0, reg.Len())
}
