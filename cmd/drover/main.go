package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/pkg/client"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "Drover - Multi-tenant delivery run orchestrator",
	Long: `Drover admits delivery requests against tenant budgets, plans them
into staged agent pipelines, and drives them through governed
execution to a sealed artifact bundle.

One binary runs the control plane, remote workers, and this CLI.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Drover version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "Control plane address")
	rootCmd.PersistentFlags().String("token", "", "API credential (falls back to DROVER_TOKEN)")

	// Add subcommands
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(tenantCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(tokenCmd)
}

// apiClient builds a REST client for the control plane this command
// points at
func apiClient(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("DROVER_TOKEN")
	}

	var opts []client.Option
	if token != "" {
		opts = append(opts, client.WithToken(token))
	}
	c, err := client.New(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid --server address: %v", err)
	}
	return c, nil
}

// printJSON renders v for --json output
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
