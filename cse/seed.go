package cse

import "hash/fnv"

// SeedMode controls whether policy configurations share run seeds.
type SeedMode string

const (
	// SeedShared gives run i of every policy configuration the same seed,
	// so policies are compared on identical traffic.
	SeedShared SeedMode = "shared"
	// SeedIsolated derives a distinct seed per policy configuration.
	SeedIsolated SeedMode = "isolated"
)

// validSeedModes maps accepted seed mode strings.
var validSeedModes = map[SeedMode]bool{
	SeedShared:   true,
	SeedIsolated: true,
	"":           true, // empty defaults to shared
}

// IsValidSeedMode returns true if the given string is a recognized seed mode.
func IsValidSeedMode(mode string) bool {
	return validSeedModes[SeedMode(mode)]
}

// SimulationKey uniquely identifies a reproducible run.
// Two runs with the same SimulationKey and identical configuration
// MUST produce bit-for-bit identical results.
type SimulationKey struct {
	PolicyID string
	RunIndex int
	BaseSeed int64
	Mode     SeedMode
}

// Seed derives the simulator seed for the run.
//
// Derivation formula:
//   - shared:   BaseSeed + RunIndex
//   - isolated: (BaseSeed + RunIndex) XOR fnv1a64(PolicyID)
func (k SimulationKey) Seed() int64 {
	seed := k.BaseSeed + int64(k.RunIndex)
	if k.Mode == SeedIsolated {
		seed ^= fnv1a64(k.PolicyID)
	}
	return seed
}

// fnv1a64 computes a 64-bit FNV-1a hash of the input string.
func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
