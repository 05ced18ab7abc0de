package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/droverhq/drover/pkg/client"
	"github.com/droverhq/drover/pkg/types"
)

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage tenants",
}

// tenantManifest is the on-disk shape of a tenant definition
type tenantManifest struct {
	ID       string            `yaml:"id"`
	Name     string            `yaml:"name"`
	Priority int               `yaml:"priority"`
	Budget   budgetManifest    `yaml:"budget"`
	Learning *learningManifest `yaml:"learning"`
}

type budgetManifest struct {
	DailyLimit        float64 `yaml:"daily_limit"`
	MonthlyLimit      float64 `yaml:"monthly_limit"`
	MaxConcurrentRuns int     `yaml:"max_concurrent_runs"`
	MaxAgents         int     `yaml:"max_agents"`
}

type learningManifest struct {
	Intensity        string  `yaml:"intensity"`
	ExplorationShare float64 `yaml:"exploration_share"`
	PatternOptIn     bool    `yaml:"pattern_opt_in"`
}

var tenantCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a tenant from a manifest file",
	Long: `Create a tenant from a YAML manifest.

Manifest format:
  id: acme
  name: acme
  priority: 5
  budget:
    daily_limit: 100
    monthly_limit: 2500
    max_concurrent_runs: 3
  learning:
    intensity: standard
    exploration_share: 0.1
    pattern_opt_in: true`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filename, _ := cmd.Flags().GetString("file")
		data, err := os.ReadFile(filename)
		if err != nil {
			return fmt.Errorf("failed to read manifest: %v", err)
		}
		var m tenantManifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("failed to parse manifest: %v", err)
		}

		params := client.TenantParams{
			ID:       m.ID,
			Name:     m.Name,
			Priority: m.Priority,
			Budget: &types.BudgetProfile{
				DailyLimit:        m.Budget.DailyLimit,
				MonthlyLimit:      m.Budget.MonthlyLimit,
				MaxConcurrentRuns: m.Budget.MaxConcurrentRuns,
				MaxAgents:         m.Budget.MaxAgents,
			},
		}
		if m.Learning != nil {
			params.Learning = &types.LearningProfile{
				Intensity:        m.Learning.Intensity,
				ExplorationShare: m.Learning.ExplorationShare,
				PatternOptIn:     m.Learning.PatternOptIn,
			}
		}

		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ten, err := c.CreateTenant(cmd.Context(), params)
		if err != nil {
			return fmt.Errorf("failed to create tenant: %v", err)
		}
		fmt.Printf("✓ Tenant created: %s (daily limit %.2f, max runs %d)\n",
			ten.ID, ten.Budget.DailyLimit, ten.Budget.MaxConcurrentRuns)
		return nil
	},
}

var tenantListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tenants",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		tenants, err := c.ListTenants(cmd.Context())
		if err != nil {
			return err
		}
		if len(tenants) == 0 {
			fmt.Println("No tenants found.")
			return nil
		}
		fmt.Printf("%-16s %-10s %8s %12s %10s\n", "TENANT", "STATUS", "PRIORITY", "DAILY LIMIT", "MAX RUNS")
		for _, t := range tenants {
			fmt.Printf("%-16s %-10s %8d %12.2f %10d\n",
				t.ID, t.Status, t.Priority, t.Budget.DailyLimit, t.Budget.MaxConcurrentRuns)
		}
		return nil
	},
}

var tenantGetCmd = &cobra.Command{
	Use:   "get TENANT_ID",
	Short: "Show a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ten, err := c.GetTenant(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(ten)
	},
}

var tenantSuspendCmd = &cobra.Command{
	Use:   "suspend TENANT_ID",
	Short: "Suspend a tenant's submissions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ten, err := c.SuspendTenant(cmd.Context(), args[0], reason)
		if err != nil {
			return fmt.Errorf("failed to suspend tenant: %v", err)
		}
		fmt.Printf("✓ Tenant %s: %s\n", ten.ID, ten.Status)
		return nil
	},
}

var tenantResumeCmd = &cobra.Command{
	Use:   "resume TENANT_ID",
	Short: "Resume a suspended tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		ten, err := c.ResumeTenant(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to resume tenant: %v", err)
		}
		fmt.Printf("✓ Tenant %s: %s\n", ten.ID, ten.Status)
		return nil
	},
}

var tenantBudgetCmd = &cobra.Command{
	Use:   "budget TENANT_ID",
	Short: "Show a tenant's spending against its limits",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		status, err := c.BudgetStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Tenant %s (%s)\n", status.TenantID, status.Severity)
		fmt.Printf("  Daily:   %.2f / %.2f\n", status.DailySpent, status.DailyLimit)
		fmt.Printf("  Monthly: %.2f / %.2f\n", status.MonthlySpent, status.MonthlyLimit)
		fmt.Printf("  Runs:    %d / %d active\n", status.ActiveRuns, status.MaxRuns)
		return nil
	},
}

var tenantForecastCmd = &cobra.Command{
	Use:   "forecast TENANT_ID ESTIMATE",
	Short: "Project spending if a run with the given estimate is admitted",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		estimate, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("estimate must be a number, got %q", args[1])
		}
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		forecast, err := c.Forecast(cmd.Context(), args[0], estimate)
		if err != nil {
			return err
		}
		verdict := "within budget"
		if !forecast.WithinBudget {
			verdict = "OVER BUDGET"
		}
		fmt.Printf("Projected spend: %.2f (%s, confidence %.2f)\n",
			forecast.ProjectedSpend, verdict, forecast.Confidence)
		return nil
	},
}

func init() {
	tenantCmd.AddCommand(tenantCreateCmd)
	tenantCmd.AddCommand(tenantListCmd)
	tenantCmd.AddCommand(tenantGetCmd)
	tenantCmd.AddCommand(tenantSuspendCmd)
	tenantCmd.AddCommand(tenantResumeCmd)
	tenantCmd.AddCommand(tenantBudgetCmd)
	tenantCmd.AddCommand(tenantForecastCmd)

	tenantCreateCmd.Flags().StringP("file", "f", "", "Tenant manifest (required)")
	_ = tenantCreateCmd.MarkFlagRequired("file")
	tenantSuspendCmd.Flags().String("reason", "", "Reason recorded on the tenant")
}
