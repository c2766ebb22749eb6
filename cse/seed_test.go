package cse

import "testing"

func TestSimulationKey_Seed_Shared(t *testing.T) {
	a := SimulationKey{PolicyID: "a", RunIndex: 3, BaseSeed: 42, Mode: SeedShared}
	b := SimulationKey{PolicyID: "b", RunIndex: 3, BaseSeed: 42}

	if a.Seed() != 45 {
		t.Errorf("shared seed = %d, want 45", a.Seed())
	}
	if a.Seed() != b.Seed() {
		t.Errorf("shared mode must give run 3 the same seed across policies: %d vs %d", a.Seed(), b.Seed())
	}
}

func TestSimulationKey_Seed_Isolated(t *testing.T) {
	a := SimulationKey{PolicyID: "a", RunIndex: 0, BaseSeed: 42, Mode: SeedIsolated}
	b := SimulationKey{PolicyID: "b", RunIndex: 0, BaseSeed: 42, Mode: SeedIsolated}

	if a.Seed() == b.Seed() {
		t.Error("isolated mode must separate policies")
	}
	if got, want := a.Seed(), int64(42)^fnv1a64("a"); got != want {
		t.Errorf("isolated seed = %d, want %d", got, want)
	}
}

func TestSimulationKey_Seed_DistinctRuns(t *testing.T) {
	seen := make(map[int64]int)
	for i := 0; i < 100; i++ {
		s := SimulationKey{PolicyID: "p", RunIndex: i, BaseSeed: 7, Mode: SeedIsolated}.Seed()
		if prev, dup := seen[s]; dup {
			t.Fatalf("runs %d and %d share seed %d", prev, i, s)
		}
		seen[s] = i
	}
}

func TestIsValidSeedMode(t *testing.T) {
	for _, mode := range []string{"", "shared", "isolated"} {
		if !IsValidSeedMode(mode) {
			t.Errorf("IsValidSeedMode(%q) = false", mode)
		}
	}
	if IsValidSeedMode("random") {
		t.Error(`IsValidSeedMode("random") = true`)
	}
}
