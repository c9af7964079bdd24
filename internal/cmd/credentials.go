package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/config"
	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/secrets"
	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/tenant"
)

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage the encrypted per-channel credential vault",
}

var (
	credBaseURL   string
	credIdentity  string
	credSecret    string
	credTenantKey string
	credParentID  string
)

var credentialsSetCmd = &cobra.Command{
	Use:   "set [channel] [service]",
	Short: "Store encrypted credentials for a channel and service",
	Args:  cobra.ExactArgs(2),
	RunE:  credentialsSet,
}

var credentialsDeleteCmd = &cobra.Command{
	Use:   "delete [channel] [service]",
	Short: "Remove stored credentials",
	Args:  cobra.ExactArgs(2),
	RunE:  credentialsDelete,
}

var credentialsAuditCmd = &cobra.Command{
	Use:   "audit",
	Short: "View credential access log",
	RunE:  credentialsAudit,
}

func init() {
	credentialsSetCmd.Flags().StringVar(&credBaseURL, "base-url", "", "service base URL (e.g. https://acme.atlassian.net/wiki)")
	credentialsSetCmd.Flags().StringVar(&credIdentity, "identity", "", "account email for basic auth")
	credentialsSetCmd.Flags().StringVar(&credSecret, "secret", "", "API token for basic auth")
	credentialsSetCmd.Flags().StringVar(&credTenantKey, "tenant-key", "", "space key or project key the channel is scoped to")
	credentialsSetCmd.Flags().StringVar(&credParentID, "parent-id", "", "default parent page id (wiki only)")
	_ = credentialsSetCmd.MarkFlagRequired("base-url")
	_ = credentialsSetCmd.MarkFlagRequired("identity")
	_ = credentialsSetCmd.MarkFlagRequired("secret")
	_ = credentialsSetCmd.MarkFlagRequired("tenant-key")

	credentialsCmd.AddCommand(credentialsSetCmd)
	credentialsCmd.AddCommand(credentialsDeleteCmd)
	credentialsCmd.AddCommand(credentialsAuditCmd)
	rootCmd.AddCommand(credentialsCmd)
}

func parseService(arg string) (tenant.Service, error) {
	switch tenant.Service(arg) {
	case tenant.ServiceConfluence:
		return tenant.ServiceConfluence, nil
	case tenant.ServiceJira:
		return tenant.ServiceJira, nil
	default:
		return "", fmt.Errorf("unknown service %q (expected %s or %s)", arg, tenant.ServiceConfluence, tenant.ServiceJira)
	}
}

func openVault() (*secrets.Vault, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKey()

	return secrets.NewVault(cfg.VaultDBPath(), cfg.VaultKey)
}

func credentialsSet(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	service, err := parseService(args[1])
	if err != nil {
		return err
	}

	vault, err := openVault()
	if err != nil {
		return fmt.Errorf("initializing vault: %w", err)
	}
	defer vault.Close()

	creds := &tenant.Credentials{
		BaseURL:          credBaseURL,
		Identity:         credIdentity,
		Secret:           credSecret,
		DefaultTenantKey: credTenantKey,
		DefaultParentID:  credParentID,
	}
	if err := vault.Store(ctx, args[0], service, creds); err != nil {
		return fmt.Errorf("storing credentials: %w", err)
	}

	fmt.Printf("✓ Credentials for channel '%s' / %s stored (encrypted at rest)\n", args[0], service)
	return nil
}

func credentialsDelete(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	service, err := parseService(args[1])
	if err != nil {
		return err
	}

	vault, err := openVault()
	if err != nil {
		return fmt.Errorf("initializing vault: %w", err)
	}
	defer vault.Close()

	if err := vault.Delete(ctx, args[0], service); err != nil {
		return fmt.Errorf("deleting credentials: %w", err)
	}

	fmt.Printf("✓ Credentials for channel '%s' / %s removed\n", args[0], service)
	return nil
}

func credentialsAudit(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	vault, err := openVault()
	if err != nil {
		return fmt.Errorf("initializing vault: %w", err)
	}
	defer vault.Close()

	records, err := vault.AccessLog(ctx, 50)
	if err != nil {
		return fmt.Errorf("fetching access log: %w", err)
	}

	if len(records) == 0 {
		fmt.Println("No credential access records yet.")
		return nil
	}

	fmt.Println("Credential Access Log (last 50):")
	for _, entry := range records {
		status := "✓ FOUND"
		if !entry.Found {
			status = "✗ MISSING"
		}
		fmt.Printf("  %s | %s | %s/%s\n",
			entry.Timestamp.Format("2006-01-02 15:04:05"),
			status,
			entry.ChannelID,
			entry.Service,
		)
	}
	return nil
}
