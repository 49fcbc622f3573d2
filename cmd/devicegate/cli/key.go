package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/devicegate/devicegate/internal/admin"
	"github.com/devicegate/devicegate/internal/model"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"keys"},
		Short:   "Manage access keys",
		Long:    "Create, list, enable, disable and delete the access keys that gate validation.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyShowCmd())
	cmd.AddCommand(newKeyDeleteCmd())
	cmd.AddCommand(newKeyActiveCmd("activate", true))
	cmd.AddCommand(newKeyActiveCmd("deactivate", false))
	cmd.AddCommand(newKeySetMaxCmd())
	cmd.AddCommand(newKeyStatsCmd())

	return cmd
}

// keyRow is the CLI view of an access key. The secret is masked.
type keyRow struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Secret     string `json:"secret"`
	MaxDevices int    `json:"max_devices"`
	Usage      int64  `json:"usage_count"`
	LastUsed   string `json:"last_used"`
	Active     bool   `json:"active"`
}

func newKeyRow(k model.AccessKey) keyRow {
	return keyRow{
		ID:         k.ID,
		Name:       k.Name,
		Secret:     model.MaskSecret(k.Secret),
		MaxDevices: k.MaxDevices,
		Usage:      k.UsageCount,
		LastUsed:   formatTime(k.LastUsedAt),
		Active:     k.Active,
	}
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		name       string
		secret     string
		maxDevices int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new access key",
		Long:  "Create an access key. The full secret is printed once; listings only show its first characters.",
		Example: `  devicegate key create --name "Field team"
  devicegate key create --name "Kiosk" --max-devices 1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyCreate(admin.CreateKeyInput{Name: name, Secret: secret, MaxDevices: maxDevices}, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Display name of the key (required)")
	cmd.Flags().StringVar(&secret, "secret", "", "Use this secret instead of generating one")
	cmd.Flags().IntVar(&maxDevices, "max-devices", 0, "Device quota (default: admin.default_max_devices)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("name")

	return cmd
}

func runKeyCreate(in admin.CreateKeyInput, jsonOutput bool) error {
	return withAdmin(func(ctx context.Context, svc *admin.Service) error {
		key, err := svc.CreateKey(ctx, in)
		if err != nil {
			return fmt.Errorf("create key: %w", err)
		}
		if jsonOutput {
			return printJSON(key)
		}

		fmt.Println("Access key created:")
		fmt.Println()
		fmt.Printf("  ID:          %s\n", key.ID)
		fmt.Printf("  Name:        %s\n", key.Name)
		fmt.Printf("  Secret:      %s\n", key.Secret)
		fmt.Printf("  Max devices: %d\n", key.MaxDevices)
		fmt.Println()
		fmt.Println("  Save this secret now - listings only show a masked prefix.")
		return nil
	})
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all access keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runKeyList(jsonOutput bool) error {
	return withAdmin(func(ctx context.Context, svc *admin.Service) error {
		keys, err := svc.ListKeys(ctx)
		if err != nil {
			return fmt.Errorf("list keys: %w", err)
		}

		rows := make([]keyRow, len(keys))
		for i, k := range keys {
			rows[i] = newKeyRow(k)
		}

		if jsonOutput {
			return printJSON(rows)
		}

		if len(rows) == 0 {
			fmt.Println("No access keys. Use 'devicegate key create' to create one.")
			return nil
		}

		fmt.Printf("%-36s %-20s %-10s %-8s %-8s %-17s %-6s\n", "ID", "NAME", "SECRET", "DEVICES", "USES", "LAST USED", "ACTIVE")
		fmt.Printf("%-36s %-20s %-10s %-8s %-8s %-17s %-6s\n", "--", "----", "------", "-------", "----", "---------", "------")
		for _, k := range rows {
			fmt.Printf("%-36s %-20s %-10s %-8d %-8d %-17s %-6s\n",
				k.ID, k.Name, k.Secret, k.MaxDevices, k.Usage, k.LastUsed, yesNo(k.Active))
		}
		return nil
	})
}

// ---------- key show ----------

func newKeyShowCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show <key-id>",
		Short: "Show one access key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(func(ctx context.Context, svc *admin.Service) error {
				key, err := svc.GetKey(ctx, args[0])
				if err != nil {
					return fmt.Errorf("get key: %w", err)
				}
				row := newKeyRow(*key)
				if jsonOutput {
					return printJSON(row)
				}
				fmt.Printf("ID:          %s\n", row.ID)
				fmt.Printf("Name:        %s\n", row.Name)
				fmt.Printf("Secret:      %s\n", row.Secret)
				fmt.Printf("Created:     %s\n", formatTime(&key.CreatedAt))
				fmt.Printf("Last used:   %s\n", row.LastUsed)
				fmt.Printf("Usage count: %d\n", row.Usage)
				fmt.Printf("Max devices: %d\n", row.MaxDevices)
				fmt.Printf("Active:      %s\n", yesNo(row.Active))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// ---------- key delete ----------

func newKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <key-id>",
		Aliases: []string{"rm"},
		Short:   "Delete an access key and its device registrations",
		Long:    "Delete an access key. Its device registrations are removed with it; audit events are kept.",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(func(ctx context.Context, svc *admin.Service) error {
				if err := svc.DeleteKey(ctx, args[0]); err != nil {
					return fmt.Errorf("delete key: %w", err)
				}
				fmt.Printf("Deleted access key %s\n", args[0])
				return nil
			})
		},
	}
}

// ---------- key activate / deactivate ----------

func newKeyActiveCmd(use string, active bool) *cobra.Command {
	short, state := "Enable an access key", "active"
	if !active {
		short, state = "Disable an access key; validations are rejected until it is re-enabled", "inactive"
	}
	return &cobra.Command{
		Use:   use + " <key-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(func(ctx context.Context, svc *admin.Service) error {
				if err := svc.SetKeyActive(ctx, args[0], active); err != nil {
					return fmt.Errorf("%s key: %w", use, err)
				}
				fmt.Printf("Access key %s is now %s\n", args[0], state)
				return nil
			})
		},
	}
}

// ---------- key set-max ----------

func newKeySetMaxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-max <key-id> <max-devices>",
		Short: "Change the device quota of an access key",
		Long: `Change the device quota. Lowering it below the number of registered
devices keeps those devices; new devices are rejected until enough are removed.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("max-devices must be a number: %q", args[1])
			}
			return withAdmin(func(ctx context.Context, svc *admin.Service) error {
				if err := svc.SetKeyMaxDevices(ctx, args[0], n); err != nil {
					return fmt.Errorf("set max devices: %w", err)
				}
				fmt.Printf("Access key %s now allows %d devices\n", args[0], n)
				return nil
			})
		},
	}
}

// ---------- key stats ----------

func newKeyStatsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats <key-id>",
		Short: "Show activity totals of an access key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(func(ctx context.Context, svc *admin.Service) error {
				stats, err := svc.KeyStats(ctx, args[0])
				if err != nil {
					return fmt.Errorf("key stats: %w", err)
				}
				if jsonOutput {
					return printJSON(stats)
				}
				fmt.Printf("Key:               %s\n", stats.KeyID)
				fmt.Printf("Audit events:      %d\n", stats.TotalEvents)
				fmt.Printf("Successful events: %d\n", stats.SuccessfulEvents)
				fmt.Printf("Active devices:    %d\n", stats.ActiveDevices)
				fmt.Printf("Blocked devices:   %d\n", stats.BlockedDevices)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}
