package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/colmto/colmto/cse"
	"github.com/colmto/colmto/cse/batch"
	"github.com/colmto/colmto/cse/dataset"
	"github.com/colmto/colmto/cse/simulator"
	"github.com/colmto/colmto/cse/trace"
)

var (
	// CLI flags for the run command
	runConfigPath    string // Run configuration YAML
	policyConfigPath string // Policy configuration YAML
	runs             int    // Overrides runs from the run configuration when > 0
	workers          int    // Overrides workers from the run configuration when > 0
	maxSteps         int    // Overrides max_steps from the run configuration when > 0
	seed             int64  // Overrides seed from the run configuration when the flag is set
	outputPath       string // Overrides output from the run configuration
	simulatorBinary  string // Selects the process simulator with this binary
	logLevel         string // Log verbosity level
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "colmto",
	Short: "Cooperative lane management policy evaluation",
}

// runCmd executes a batch using the configured policies and runs
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a batch of simulations for every policy configuration",
	Run: func(cmd *cobra.Command, args []string) {
		setLogLevel()

		cfg, bundle, err := loadConfigs(cmd)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		startTime := time.Now()
		res, err := executeBatch(ctx, cfg, bundle, os.Stdout)
		if res != nil {
			for _, f := range res.Failures {
				logrus.Warnf("skipped %v", f)
			}
		}
		if err != nil {
			logrus.Fatalf("batch failed: %v", err)
		}
		logrus.Infof("Batch complete in %s: %d runs completed, %d aborted.",
			time.Since(startTime).Round(time.Millisecond), len(res.Completed), len(res.Failures))
	},
}

// validateCmd loads and validates both configuration files
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate run and policy configuration files",
	Run: func(cmd *cobra.Command, args []string) {
		setLogLevel()
		_, bundle, err := loadConfigs(cmd)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		if err := printPolicySets(os.Stdout, bundle); err != nil {
			logrus.Fatalf("%v", err)
		}
	},
}

// printPolicySets builds every policy chain and lists it in evaluation order.
func printPolicySets(w io.Writer, bundle *cse.PolicyBundle) error {
	sets, err := bundle.BuildPolicySets()
	if err != nil {
		return err
	}
	for _, ps := range sets {
		fmt.Fprintf(w, "%s:\n", ps.ID())
		for i, p := range ps.Policies() {
			fmt.Fprintf(w, "  %d. %s\n", i+1, p)
		}
	}
	return nil
}

func setLogLevel() {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %s", logLevel)
	}
	logrus.SetLevel(level)
}

// loadConfigs reads both configuration files and applies flag overrides.
func loadConfigs(cmd *cobra.Command) (*cse.RunConfig, *cse.PolicyBundle, error) {
	if runConfigPath == "" || policyConfigPath == "" {
		return nil, nil, &cse.ConfigError{Err: errors.New("--run-config and --policy-config are required")}
	}
	cfg, err := cse.LoadRunConfig(runConfigPath)
	if err != nil {
		return nil, nil, err
	}
	if runs > 0 {
		cfg.Runs = runs
	}
	if workers > 0 {
		cfg.Workers = workers
	}
	if maxSteps > 0 {
		cfg.MaxSteps = maxSteps
	}
	if cmd.Flags().Changed("seed") {
		cfg.Seed = seed
	}
	if outputPath != "" {
		cfg.Output = outputPath
	}
	if simulatorBinary != "" {
		cfg.Simulator.Kind = "process"
		cfg.Simulator.Binary = simulatorBinary
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	bundle, err := cse.LoadPolicyBundle(policyConfigPath)
	if err != nil {
		return nil, nil, err
	}
	if err := bundle.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, bundle, nil
}

// simulatorFactory builds the per-run simulator factory for cfg.
func simulatorFactory(cfg *cse.RunConfig) (cse.SimulatorFactory, error) {
	if cfg.Simulator.Kind == "process" {
		return func(string, int) (cse.Simulator, error) {
			return simulator.NewProcess(cfg.Simulator.Binary, cfg.Simulator.Args...), nil
		}, nil
	}
	script, err := simulator.LoadScript(cfg.Scenario)
	if err != nil {
		return nil, &cse.ConfigError{Source: cfg.Scenario, Err: err}
	}
	return func(string, int) (cse.Simulator, error) {
		return simulator.NewScripted(*script), nil
	}, nil
}

// executeBatch runs the batch, persists it when an output path is configured
// and writes one JSON summary per completed run to w. An output file that
// already holds runs is refused.
func executeBatch(ctx context.Context, cfg *cse.RunConfig, bundle *cse.PolicyBundle, w io.Writer) (*batch.Result, error) {
	sets, err := bundle.BuildPolicySets()
	if err != nil {
		return nil, err
	}
	factory, err := simulatorFactory(cfg)
	if err != nil {
		return nil, err
	}

	agg := dataset.NewAggregator()
	var store *dataset.Store
	batchID := ""
	if cfg.Output != "" {
		store, err = dataset.OpenStore(cfg.Output)
		if err != nil {
			return nil, fmt.Errorf("opening dataset %s: %w", cfg.Output, err)
		}
		defer store.Close()
		existing, err := store.Runs(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading dataset %s: %w", cfg.Output, err)
		}
		if len(existing) > 0 {
			return nil, &cse.ConfigError{Source: cfg.Output,
				Err: fmt.Errorf("dataset already holds %d runs; choose a new output path", len(existing))}
		}
		configJSON, _ := json.Marshal(struct {
			Run      *cse.RunConfig    `json:"run"`
			Policies *cse.PolicyBundle `json:"policies"`
		}{cfg, bundle})
		batchID, err = store.BeginBatch(ctx, string(configJSON))
		if err != nil {
			return nil, fmt.Errorf("registering batch: %w", err)
		}
		logrus.Infof("Writing dataset to %s (batch %s)", cfg.Output, batchID)
	}

	res, err := batch.New(cfg, sets, factory, agg, store).WithBatchID(batchID).Execute(ctx)
	if res != nil {
		for _, key := range res.Completed {
			rec, ok := agg.Get(key)
			if !ok {
				continue
			}
			printSummary(w, trace.Summarize(rec))
		}
	}
	return res, err
}

func printSummary(w io.Writer, s *trace.RunSummary) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		logrus.Errorf("encoding summary: %v", err)
		return
	}
	fmt.Fprintln(w, string(data))
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	for _, c := range []*cobra.Command{runCmd, validateCmd} {
		c.Flags().StringVar(&runConfigPath, "run-config", "", "Run configuration YAML (runs, max_steps, seed, scenario)")
		c.Flags().StringVar(&policyConfigPath, "policy-config", "", "Policy configuration YAML")
		c.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	}

	runCmd.Flags().IntVar(&runs, "runs", 0, "Number of runs per policy configuration (overrides run config)")
	runCmd.Flags().IntVar(&workers, "workers", 0, "Number of runs executed in parallel (overrides run config)")
	runCmd.Flags().IntVar(&maxSteps, "max-steps", 0, "Step limit per run (overrides run config)")
	runCmd.Flags().Int64Var(&seed, "seed", 0, "Base seed (overrides run config)")
	runCmd.Flags().StringVar(&outputPath, "output", "", "Dataset output path (overrides run config)")
	runCmd.Flags().StringVar(&simulatorBinary, "simulator-binary", "", "Drive an external simulator process instead of the scenario script")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
}
