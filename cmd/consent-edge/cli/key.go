package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/conicleai/consent-edge/internal/service"
	"github.com/conicleai/consent-edge/internal/warehouse"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Generate, list, and revoke the API keys that clients use to submit consent events.",
	}

	cmd.AddCommand(newKeyGenerateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())
	cmd.AddCommand(newKeyResetUsageCmd())

	return cmd
}

// openAuthority wires a KeyAuthority over the configured warehouse. The
// caller must Close the returned store.
func openAuthority(ctx context.Context) (*service.KeyAuthority, warehouse.Warehouse, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	store, err := openWarehouse(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open warehouse: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return service.NewKeyAuthority(store, logger), store, nil
}

// ---------- key generate ----------

func newKeyGenerateCmd() *cobra.Command {
	var (
		client  string
		email   string
		domains []string
		quota   int64
		expires string
		notes   string
	)

	cmd := &cobra.Command{
		Use:     "generate",
		Aliases: []string{"create"},
		Short:   "Generate a new API key",
		Long:    "Issue a new API key for a client. The raw key is shown once and cannot be retrieved again.",
		Example: `  consent-edge key generate --client "Acme Corp" --domains acme.com,*.acme.com
  consent-edge key generate --client "Staging" --quota 100000 --expires 2027-01-01`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyGenerate(client, email, domains, quota, expires, notes)
		},
	}

	cmd.Flags().StringVar(&client, "client", "", "Client name the key is issued to (required)")
	cmd.Flags().StringVar(&email, "email", "", "Contact email for the client")
	cmd.Flags().StringSliceVar(&domains, "domains", nil, "Origin whitelist, e.g. acme.com,*.acme.com (empty allows any origin)")
	cmd.Flags().Int64Var(&quota, "quota", 0, "Monthly event quota (0 means unlimited)")
	cmd.Flags().StringVar(&expires, "expires", "", "Expiry date as YYYY-MM-DD (empty means never)")
	cmd.Flags().StringVar(&notes, "notes", "", "Free-form notes stored with the key")
	cmd.MarkFlagRequired("client")

	return cmd
}

func runKeyGenerate(client, email string, domains []string, quota int64, expires, notes string) error {
	ctx := context.Background()
	authority, store, err := openAuthority(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	params := service.GenerateParams{
		ClientName:     client,
		ClientEmail:    email,
		AllowedDomains: domains,
		CreatedBy:      "cli",
		Notes:          notes,
	}
	if quota > 0 {
		params.MonthlyQuota = &quota
	}
	if expires != "" {
		t, err := time.Parse("2006-01-02", expires)
		if err != nil {
			return fmt.Errorf("parse --expires: %w", err)
		}
		params.ExpiresAt = &t
	}

	rawKey, key, err := authority.Generate(ctx, params)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	// When stdout is piped, print only the raw key so scripts can capture it.
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Println(rawKey)
		return nil
	}

	fmt.Println("API key generated:")
	fmt.Println()
	fmt.Printf("  Key:     %s\n", rawKey)
	fmt.Printf("  Client:  %s\n", key.ClientName)
	if len(key.AllowedDomains) > 0 {
		fmt.Printf("  Domains: %s\n", strings.Join(key.AllowedDomains, ", "))
	}
	if key.MonthlyQuota != nil {
		fmt.Printf("  Quota:   %d events/month\n", *key.MonthlyQuota)
	}
	if key.ExpiresAt != nil {
		fmt.Printf("  Expires: %s\n", key.ExpiresAt.Format("2006-01-02"))
	}
	fmt.Println()
	fmt.Println("  Store this key now - it cannot be retrieved again.")
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		jsonOutput bool
		limit      int
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List API keys in masked form",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(jsonOutput, limit)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().IntVar(&limit, "limit", 200, "Maximum number of keys to list")

	return cmd
}

func runKeyList(jsonOutput bool, limit int) error {
	ctx := context.Background()
	authority, store, err := openAuthority(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	keys, err := authority.List(ctx, limit)
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(keys)
	}

	if len(keys) == 0 {
		fmt.Println("No API keys found. Use 'consent-edge key generate' to create one.")
		return nil
	}

	fmt.Printf("%-24s %-24s %-8s %-12s %-12s\n", "KEY", "CLIENT", "ACTIVE", "USAGE", "QUOTA")
	fmt.Printf("%-24s %-24s %-8s %-12s %-12s\n", "---", "------", "------", "-----", "-----")
	for _, k := range keys {
		active := "yes"
		if !k.IsActive {
			active = "no"
		}
		quota := "unlimited"
		if k.MonthlyQuota != nil {
			quota = fmt.Sprintf("%d", *k.MonthlyQuota)
		}
		fmt.Printf("%-24s %-24s %-8s %-12d %-12s\n", k.APIKeyMasked, k.ClientName, active, k.CurrentMonthUsage, quota)
	}

	return nil
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <masked-key>",
		Short: "Revoke an API key by its masked form",
		Long:  "Deactivate an API key. The argument is the masked form shown by 'key list', e.g. cm_123456789...bcdef0.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRevoke(args[0])
		},
	}

	return cmd
}

func runKeyRevoke(masked string) error {
	ctx := context.Background()
	authority, store, err := openAuthority(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	revoked, err := authority.Revoke(ctx, masked)
	if err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}
	if !revoked {
		fmt.Printf("No active key matches %q\n", masked)
		return nil
	}

	fmt.Printf("Revoked %s\n", masked)
	return nil
}

// ---------- key reset-usage ----------

func newKeyResetUsageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset-usage",
		Short: "Reset monthly usage counters for all keys",
		Long:  "Zero the current-month usage counter on every key. Intended to run from a scheduler at the start of each month.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyResetUsage()
		},
	}

	return cmd
}

func runKeyResetUsage() error {
	ctx := context.Background()
	_, store, err := openAuthority(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.ResetMonthlyUsage(ctx)
	if err != nil {
		return fmt.Errorf("reset usage: %w", err)
	}

	fmt.Printf("Reset usage counters for %d keys\n", n)
	return nil
}
