package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/colmto/colmto/cse"
	"github.com/colmto/colmto/cse/dataset"
	"github.com/colmto/colmto/cse/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const threeSpeedScenario = `
frames:
  - from: 1
    to: 50
    vehicles:
      - {id: v10, type: passenger, speed: 10}
      - {id: v20, type: passenger, speed: 20}
      - {id: v30, type: passenger, speed: 30}
`

func speedBundle() *cse.PolicyBundle {
	minSpeed := 15.0
	return &cse.PolicyBundle{Policies: []cse.PolicyConfig{{
		ID:    "speed",
		Rules: []cse.RuleConfig{{Type: "speed-threshold", MinSpeed: &minSpeed, LaneTarget: "cooperative"}},
	}}}
}

func batchConfig(t *testing.T) *cse.RunConfig {
	t.Helper()
	dir := t.TempDir()
	scenario := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(scenario, []byte(threeSpeedScenario), 0o644))
	return &cse.RunConfig{
		Runs:     2,
		MaxSteps: 100,
		Seed:     42,
		Scenario: scenario,
		Output:   filepath.Join(dir, "colmto.db"),
	}
}

func TestExecuteBatch_PrintsSummariesAndWritesDataset(t *testing.T) {
	// GIVEN a two-run batch writing to a dataset file
	cfg := batchConfig(t)

	// WHEN it executes
	var out bytes.Buffer
	res, err := executeBatch(context.Background(), cfg, speedBundle(), &out)

	// THEN one JSON summary per completed run is printed
	require.NoError(t, err)
	require.Len(t, res.Completed, 2)
	assert.NotEmpty(t, res.BatchID)

	dec := json.NewDecoder(&out)
	var summaries []trace.RunSummary
	for dec.More() {
		var s trace.RunSummary
		require.NoError(t, dec.Decode(&s))
		summaries = append(summaries, s)
	}
	require.Len(t, summaries, 2)
	assert.Equal(t, "speed/run0", summaries[0].Run)
	assert.Equal(t, 150, summaries[0].Snapshots)
	assert.InDelta(t, 98.0/150.0, summaries[0].CooperativeShare, 1e-9)
	assert.InDelta(t, 2.0/3.0, summaries[0].DirectedShare, 1e-9)
	assert.Equal(t, 3, summaries[0].CompletedTrips)

	// AND the dataset holds both runs under the batch ID
	store, err := dataset.OpenStore(cfg.Output)
	require.NoError(t, err)
	defer store.Close()
	infos, err := store.Runs(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, res.BatchID, infos[1].BatchID)
}

func TestExecuteBatch_RefusesDatasetWithRuns(t *testing.T) {
	// GIVEN a dataset file written by an earlier batch
	cfg := batchConfig(t)
	first, err := executeBatch(context.Background(), cfg, speedBundle(), &bytes.Buffer{})
	require.NoError(t, err)

	// WHEN a second batch targets the same file
	res, err := executeBatch(context.Background(), cfg, speedBundle(), &bytes.Buffer{})

	// THEN it is refused before running and the file keeps the first batch
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, cse.ErrConfiguration), "got %v", err)
	assert.Contains(t, err.Error(), "already holds 2 runs")

	store, err := dataset.OpenStore(cfg.Output)
	require.NoError(t, err)
	defer store.Close()
	infos, err := store.Runs(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 2)
	for _, info := range infos {
		assert.Equal(t, first.BatchID, info.BatchID)
	}
}

func TestExecuteBatch_InMemoryWithoutOutput(t *testing.T) {
	cfg := batchConfig(t)
	cfg.Output = ""
	var out bytes.Buffer
	res, err := executeBatch(context.Background(), cfg, speedBundle(), &out)
	require.NoError(t, err)
	assert.Empty(t, res.BatchID)
	assert.Equal(t, 2, strings.Count(out.String(), `"run":`))
}

func TestExecuteBatch_BadScenario(t *testing.T) {
	cfg := batchConfig(t)
	cfg.Scenario = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := executeBatch(context.Background(), cfg, speedBundle(), &bytes.Buffer{})
	assert.True(t, errors.Is(err, cse.ErrConfiguration), "got %v", err)
}

func TestInspect_ListsRunsAndSnapshots(t *testing.T) {
	cfg := batchConfig(t)
	_, err := executeBatch(context.Background(), cfg, speedBundle(), &bytes.Buffer{})
	require.NoError(t, err)
	store, err := dataset.OpenStore(cfg.Output)
	require.NoError(t, err)
	defer store.Close()
	t.Cleanup(func() {
		inspectPolicy, inspectRun, inspectVehicle = "", 0, ""
		inspectFromStep, inspectToStep, inspectSummary = 0, 0, false
		inspectOccupancy = false
	})

	t.Run("list runs", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, inspect(context.Background(), store, &out))
		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		require.Len(t, lines, 3)
		assert.True(t, strings.HasPrefix(lines[0], "POLICY"))
		assert.True(t, strings.HasPrefix(lines[2], "speed"))
	})

	t.Run("vehicle step range", func(t *testing.T) {
		inspectPolicy, inspectRun, inspectVehicle = "speed", 1, "v20"
		inspectFromStep, inspectToStep = 10, 12
		var out bytes.Buffer
		require.NoError(t, inspect(context.Background(), store, &out))
		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		require.Len(t, lines, 4)
		assert.Contains(t, lines[1], "v20")
		assert.Contains(t, lines[1], "true")
	})

	t.Run("occupancy", func(t *testing.T) {
		inspectPolicy, inspectRun, inspectVehicle = "speed", 0, ""
		inspectFromStep, inspectToStep, inspectOccupancy = 1, 2, true
		defer func() { inspectOccupancy = false }()
		var out bytes.Buffer
		require.NoError(t, inspect(context.Background(), store, &out))
		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		require.Len(t, lines, 3)
		assert.Equal(t, []string{"1", "3", "0"}, strings.Fields(lines[1]))
		assert.Equal(t, []string{"2", "1", "2"}, strings.Fields(lines[2]))
	})

	t.Run("summary", func(t *testing.T) {
		inspectPolicy, inspectRun, inspectSummary = "speed", 0, true
		var out bytes.Buffer
		require.NoError(t, inspect(context.Background(), store, &out))
		var s trace.RunSummary
		require.NoError(t, json.Unmarshal(out.Bytes(), &s))
		assert.Equal(t, 3, s.Vehicles)
		assert.Equal(t, 50, s.LastStep)
	})

	t.Run("unknown run", func(t *testing.T) {
		inspectPolicy, inspectRun, inspectSummary = "speed", 9, true
		assert.Error(t, inspect(context.Background(), store, &bytes.Buffer{}))
	})
}

func TestLoadConfigs_RequiresBothPaths(t *testing.T) {
	runConfigPath, policyConfigPath = "", ""
	_, _, err := loadConfigs(seedCommand())
	assert.True(t, errors.Is(err, cse.ErrConfiguration))
}

func TestExampleConfigsValidate(t *testing.T) {
	bundle, err := cse.LoadPolicyBundle(filepath.Join("..", "examples", "policies.yaml"))
	require.NoError(t, err)
	require.NoError(t, bundle.Validate())

	cfg, err := cse.LoadRunConfig(filepath.Join("..", "examples", "run.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
}

func TestPrintPolicySets(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printPolicySets(&out, speedBundle()))
	assert.Equal(t, "speed:\n  1. speed-threshold{min=15 behaviour=allow priority=0}\n", out.String())

	bad := &cse.PolicyBundle{Policies: []cse.PolicyConfig{{ID: "bad", Rules: []cse.RuleConfig{{Type: "fastest"}}}}}
	out.Reset()
	err := printPolicySets(&out, bad)
	assert.True(t, errors.Is(err, cse.ErrConfiguration), "got %v", err)
	assert.Empty(t, out.String())
}
