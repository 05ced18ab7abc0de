package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/pkg/client"
	"github.com/droverhq/drover/pkg/types"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage API credentials",
	Long: `Mint, list and revoke API credentials.

All token commands need an admin credential themselves; pass it with
--token or the DROVER_TOKEN environment variable. The control plane
logs a bootstrap admin token the first time it starts with
authentication enabled.`,
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Mint a credential",
	Long: `Mint a credential with the given scope.

Scopes:
  admin    every endpoint, including token management
  tenant   run submission and read access for one tenant (--tenant)
  worker   worker registration and the queue surface

The secret is printed once and cannot be recovered; the control plane
stores only its digest.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, _ := cmd.Flags().GetString("scope")
		tenantID, _ := cmd.Flags().GetString("tenant")
		name, _ := cmd.Flags().GetString("name")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		grant, err := c.CreateToken(cmd.Context(), client.TokenParams{
			Scope:    types.CredentialScope(scope),
			TenantID: tenantID,
			Name:     name,
			TTL:      ttl,
		})
		if err != nil {
			return fmt.Errorf("failed to mint credential: %v", err)
		}

		fmt.Printf("✓ Credential minted: %s (%s)\n", grant.Credential.ID, grant.Credential.Scope)
		if !grant.Credential.ExpiresAt.IsZero() {
			fmt.Printf("  Expires: %s\n", grant.Credential.ExpiresAt.Format(time.RFC3339))
		}
		fmt.Printf("\n  %s\n\nStore this token now; it will not be shown again.\n", grant.Token)
		return nil
	},
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		creds, err := c.ListTokens(cmd.Context())
		if err != nil {
			return err
		}
		if len(creds) == 0 {
			fmt.Println("No credentials found.")
			return nil
		}
		fmt.Printf("%-36s %-7s %-16s %-16s %-20s %s\n", "ID", "SCOPE", "TENANT", "NAME", "CREATED", "EXPIRES")
		for _, cred := range creds {
			expires := "never"
			if !cred.ExpiresAt.IsZero() {
				expires = cred.ExpiresAt.Format(time.RFC3339)
			}
			fmt.Printf("%-36s %-7s %-16s %-16s %-20s %s\n",
				cred.ID, cred.Scope, cred.TenantID, cred.Name,
				cred.CreatedAt.Format("2006-01-02 15:04:05"), expires)
		}
		return nil
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke CREDENTIAL_ID",
	Short: "Revoke a credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := apiClient(cmd)
		if err != nil {
			return err
		}
		if err := c.RevokeToken(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to revoke credential: %v", err)
		}
		fmt.Printf("✓ Credential revoked: %s\n", args[0])
		return nil
	},
}

func init() {
	tokenCmd.AddCommand(tokenCreateCmd)
	tokenCmd.AddCommand(tokenListCmd)
	tokenCmd.AddCommand(tokenRevokeCmd)

	tokenCreateCmd.Flags().String("scope", "", "Credential scope: admin, tenant or worker (required)")
	tokenCreateCmd.Flags().String("tenant", "", "Tenant ID a tenant-scoped credential is bound to")
	tokenCreateCmd.Flags().String("name", "", "Label shown in listings")
	tokenCreateCmd.Flags().Duration("ttl", 0, "Credential lifetime, e.g. 720h; 0 means no expiry")
	_ = tokenCreateCmd.MarkFlagRequired("scope")
}
