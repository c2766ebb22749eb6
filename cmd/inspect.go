package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/colmto/colmto/cse/dataset"
	"github.com/colmto/colmto/cse/trace"
)

var (
	// CLI flags for the inspect command
	datasetPath      string // Dataset written by the run command
	inspectPolicy    string // Policy configuration ID to read
	inspectRun       int    // Run index to read
	inspectVehicle   string // Restrict snapshots to one vehicle
	inspectFromStep  int    // First step (inclusive); 0 = open
	inspectToStep    int    // Last step (inclusive); 0 = open
	inspectSummary   bool   // Print the run summary instead of snapshots
	inspectOccupancy bool   // Print per-step lane occupancy instead of snapshots
)

// inspectCmd reads persisted runs without loading the whole batch
var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "List runs in a dataset or read one run's snapshots",
	Run: func(cmd *cobra.Command, args []string) {
		setLogLevel()
		if datasetPath == "" {
			logrus.Fatalf("--dataset is required")
		}
		store, err := dataset.OpenStore(datasetPath)
		if err != nil {
			logrus.Fatalf("opening dataset: %v", err)
		}
		defer store.Close()

		if err := inspect(cmd.Context(), store, os.Stdout); err != nil {
			logrus.Fatalf("%v", err)
		}
	},
}

func inspect(ctx context.Context, store *dataset.Store, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	if inspectPolicy == "" {
		infos, err := store.Runs(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "POLICY\tRUN\tSEED\tLAST STEP\tVEHICLES\tBATCH")
		for _, info := range infos {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n", info.Key.PolicyID, info.Key.RunIndex,
				info.Seed, info.LastStep, info.Vehicles, info.BatchID)
		}
		return nil
	}

	key := trace.RunKey{PolicyID: inspectPolicy, RunIndex: inspectRun}
	if inspectSummary {
		rec, err := store.ReadRun(ctx, key)
		if err != nil {
			return err
		}
		printSummary(w, trace.Summarize(rec))
		return nil
	}
	if inspectOccupancy {
		occ, err := store.Occupancy(ctx, key)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "STEP\tSTANDARD\tCOOPERATIVE")
		for _, o := range occ {
			if (inspectFromStep > 0 && o.Step < inspectFromStep) || (inspectToStep > 0 && o.Step > inspectToStep) {
				continue
			}
			fmt.Fprintf(tw, "%d\t%d\t%d\n", o.Step, o.Standard, o.Cooperative)
		}
		return nil
	}

	snaps, err := store.QueryRange(ctx, dataset.Query{
		Key:       key,
		VehicleID: inspectVehicle,
		FromStep:  inspectFromStep,
		ToStep:    inspectToStep,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(tw, "STEP\tVEHICLE\tLANE\tTARGET\tX\tSPEED\tELIGIBLE")
	for _, s := range snaps {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%.2f\t%.2f\t%t\n", s.Step, s.VehicleID, s.Lane, s.Target, s.X, s.Speed, s.Eligible)
	}
	return nil
}

func init() {
	inspectCmd.Flags().StringVar(&datasetPath, "dataset", "", "Dataset file written by 'colmto run'")
	inspectCmd.Flags().StringVar(&inspectPolicy, "policy", "", "Policy configuration ID (omit to list runs)")
	inspectCmd.Flags().IntVar(&inspectRun, "run", 0, "Run index")
	inspectCmd.Flags().StringVar(&inspectVehicle, "vehicle", "", "Only show this vehicle")
	inspectCmd.Flags().IntVar(&inspectFromStep, "from", 0, "First step (inclusive)")
	inspectCmd.Flags().IntVar(&inspectToStep, "to", 0, "Last step (inclusive)")
	inspectCmd.Flags().BoolVar(&inspectSummary, "summary", false, "Print the run summary")
	inspectCmd.Flags().BoolVar(&inspectOccupancy, "occupancy", false, "Print per-step vehicle counts by lane")
	inspectCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")

	rootCmd.AddCommand(inspectCmd)
}
