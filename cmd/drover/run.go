package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/droverhq/drover/pkg/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Inspect and steer delivery runs",
}

var runGetCmd = &cobra.Command{
	Use:   "get RUN_ID",
	Short: "Show a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		run, err := c.GetRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(run)
		}
		printRunSummary(run)
		return nil
	},
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, _ := cmd.Flags().GetString("tenant")
		state, _ := cmd.Flags().GetString("state")

		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		runs, err := c.ListRuns(cmd.Context(), tenantID, types.RunState(state))
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs found.")
			return nil
		}
		fmt.Printf("%-28s %-12s %-10s %-18s %8s\n", "RUN", "TENANT", "STATE", "MODE", "COST")
		for _, r := range runs {
			fmt.Printf("%-28s %-12s %-10s %-18s %8.2f\n", r.ID, r.TenantID, r.State, r.Mode, r.ActualCost)
		}
		return nil
	},
}

var runHistoryCmd = &cobra.Command{
	Use:   "history RUN_ID",
	Short: "Show a run's state transitions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		recs, err := c.RunHistory(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, rec := range recs {
			fmt.Printf("%s  %-10s → %-10s %-10s %s\n",
				rec.At.Format("15:04:05.000"), rec.From, rec.To, rec.Actor, rec.Reason)
		}
		return nil
	},
}

var runEventsCmd = &cobra.Command{
	Use:   "events RUN_ID",
	Short: "Show a run's event log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		events, err := c.RunEvents(cmd.Context(), args[0], limit)
		if err != nil {
			return err
		}
		for _, ev := range events {
			fmt.Printf("%s  %-22s %s\n", ev.Timestamp.Format("15:04:05.000"), ev.Type, ev.Message)
		}
		return nil
	},
}

var runPauseCmd = &cobra.Command{
	Use:   "pause RUN_ID",
	Short: "Pause a run at its next checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		run, err := c.PauseRun(cmd.Context(), args[0], reason)
		if err != nil {
			return fmt.Errorf("failed to pause run: %v", err)
		}
		fmt.Printf("✓ Run %s: %s\n", run.ID, run.State)
		return nil
	},
}

var runDecideCmd = &cobra.Command{
	Use:   "decide RUN_ID DECISION",
	Short: "Resolve a paused run",
	Long: `Resolve a paused run with an operator decision.

Decisions:
  continue_normal     resume at full capability
  continue_degraded   resume with reduced parallelism and cheaper models
  continue_minimal    resume with the minimal pipeline
  stop                fail the run and seal its artifacts`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		decision := types.OperatorDecision(args[1])
		if !decision.Valid() {
			return fmt.Errorf("unknown decision %q", args[1])
		}
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		run, err := c.Decide(cmd.Context(), args[0], decision)
		if err != nil {
			return fmt.Errorf("failed to apply decision: %v", err)
		}
		fmt.Printf("✓ Decision applied: %s\n", decision)
		printRunSummary(run)
		return nil
	},
}

var runInputCmd = &cobra.Command{
	Use:   "input RUN_ID",
	Short: "Patch a paused run's spec and resume it",
	Long: `Patch a paused run's spec from a YAML file and resume it in
normal mode.

Patch format (all fields optional, at least one required):
  objective: Revised objective
  parameters:
    product_count: 60
  capabilities:
    - gpu`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filename, _ := cmd.Flags().GetString("file")
		data, err := os.ReadFile(filename)
		if err != nil {
			return fmt.Errorf("failed to read patch: %v", err)
		}
		var patch map[string]any
		if err := yaml.Unmarshal(data, &patch); err != nil {
			return fmt.Errorf("failed to parse patch: %v", err)
		}

		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		run, err := c.ApplyInput(cmd.Context(), args[0], patch)
		if err != nil {
			return fmt.Errorf("failed to apply input: %v", err)
		}
		fmt.Printf("✓ Patch accepted, run %s resuming\n", run.ID)
		return nil
	},
}

var runArtifactsCmd = &cobra.Command{
	Use:   "artifacts RUN_ID [PATH]",
	Short: "List a run's artifacts, or print one",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		if len(args) == 2 {
			data, err := c.ReadArtifact(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(data)
			return err
		}
		files, err := c.ListArtifacts(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, f := range files {
			fmt.Println(f)
		}
		return nil
	},
}

var runBundleCmd = &cobra.Command{
	Use:   "bundle RUN_ID",
	Short: "Download a sealed run's artifact bundle as a tar archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			output = args[0] + ".tar"
		}

		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create %s: %v", output, err)
		}
		n, err := c.DownloadBundle(cmd.Context(), args[0], f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("failed to download bundle: %v", err)
		}
		fmt.Printf("✓ Bundle written: %s (%d bytes)\n", output, n)
		return nil
	},
}

func init() {
	runCmd.AddCommand(runGetCmd)
	runCmd.AddCommand(runListCmd)
	runCmd.AddCommand(runHistoryCmd)
	runCmd.AddCommand(runEventsCmd)
	runCmd.AddCommand(runPauseCmd)
	runCmd.AddCommand(runDecideCmd)
	runCmd.AddCommand(runInputCmd)
	runCmd.AddCommand(runArtifactsCmd)
	runCmd.AddCommand(runBundleCmd)

	runGetCmd.Flags().Bool("json", false, "Print the full run record as JSON")
	runListCmd.Flags().String("tenant", "", "Filter by tenant")
	runListCmd.Flags().String("state", "", "Filter by state")
	runEventsCmd.Flags().Int("limit", 0, "Keep only the last N events")
	runPauseCmd.Flags().String("reason", "", "Reason recorded in the run history")
	runInputCmd.Flags().StringP("file", "f", "", "Patch file (required)")
	_ = runInputCmd.MarkFlagRequired("file")
	runBundleCmd.Flags().StringP("output", "o", "", "Output path (default RUN_ID.tar)")
}
