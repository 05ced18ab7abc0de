package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/droverhq/drover/pkg/types"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a delivery run from a manifest file",
	Long: `Submit a delivery run described by a YAML manifest.

Examples:
  # Submit and return immediately with the run ID
  drover submit -f run.yaml

  # Submit and wait for the run to settle
  drover submit -f run.yaml --wait

Manifest format:
  tenant: acme
  priority: normal
  spec:
    objective: Ship the spring catalog refresh
    estimated_cost: 2.5
    parameters:
      product_count: 120
    capabilities:
      - gpu`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringP("file", "f", "", "Run manifest (required)")
	submitCmd.Flags().Bool("wait", false, "Block until the run settles")
	_ = submitCmd.MarkFlagRequired("file")
}

// runManifest is the on-disk shape of a submission
type runManifest struct {
	Tenant   string       `yaml:"tenant"`
	Priority string       `yaml:"priority"`
	Spec     specManifest `yaml:"spec"`
}

type specManifest struct {
	Objective     string         `yaml:"objective"`
	EstimatedCost float64        `yaml:"estimated_cost"`
	Deadline      *time.Time     `yaml:"deadline"`
	Parameters    map[string]any `yaml:"parameters"`
	Capabilities  []string       `yaml:"capabilities"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	wait, _ := cmd.Flags().GetBool("wait")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read manifest: %v", err)
	}

	var m runManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to parse manifest: %v", err)
	}
	if m.Tenant == "" {
		return fmt.Errorf("manifest tenant is required")
	}

	spec := &types.DeliverySpec{
		Objective:     m.Spec.Objective,
		EstimatedCost: m.Spec.EstimatedCost,
		Deadline:      m.Spec.Deadline,
		Parameters:    m.Spec.Parameters,
		Capabilities:  m.Spec.Capabilities,
	}

	c, err := apiClient(cmd)
	if err != nil {
		return err
	}

	fmt.Printf("Submitting run for tenant %s\n", m.Tenant)
	if wait {
		run, err := c.SubmitRunAndWait(cmd.Context(), m.Tenant, spec, types.Priority(m.Priority))
		if err != nil {
			return fmt.Errorf("failed to submit run: %v", err)
		}
		printRunSummary(run)
		return nil
	}

	run, err := c.SubmitRun(cmd.Context(), m.Tenant, spec, types.Priority(m.Priority))
	if err != nil {
		return fmt.Errorf("failed to submit run: %v", err)
	}
	fmt.Printf("✓ Run accepted: %s\n", run.ID)
	fmt.Printf("  Watch it with: drover run get %s\n", run.ID)
	return nil
}

func printRunSummary(run *types.Run) {
	fmt.Printf("✓ Run %s: %s\n", run.ID, run.State)
	fmt.Printf("  Mode:       %s\n", run.Mode)
	fmt.Printf("  Plan:       %s\n", run.PlanID)
	fmt.Printf("  Checkpoint: %d\n", run.Checkpoint)
	fmt.Printf("  Cost:       %.2f (estimated %.2f)\n", run.ActualCost, run.EstimatedCost)
	if run.FailureCode != "" {
		fmt.Printf("  Failure:    %s\n", run.FailureCode)
	}
	if run.Error != "" {
		fmt.Printf("  Error:      %s\n", run.Error)
	}
}
