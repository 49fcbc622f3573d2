package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/devicegate/devicegate/internal/admin"
)

func newDeviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "device",
		Aliases: []string{"devices"},
		Short:   "Manage device registrations",
		Long:    "List, block, unblock and remove the devices registered under access keys.",
	}

	cmd.AddCommand(newDeviceListCmd())
	cmd.AddCommand(newDeviceActionCmd("block", "Block a device; its validations are rejected and it no longer uses a slot",
		func(ctx context.Context, svc *admin.Service, id string) error { return svc.BlockDevice(ctx, id) }))
	cmd.AddCommand(newDeviceActionCmd("unblock", "Unblock a device; fails when the key has no free slot",
		func(ctx context.Context, svc *admin.Service, id string) error { return svc.UnblockDevice(ctx, id) }))
	cmd.AddCommand(newDeviceActionCmd("remove", "Remove a device registration and free its slot",
		func(ctx context.Context, svc *admin.Service, id string) error { return svc.RemoveDevice(ctx, id) }))

	return cmd
}

// ---------- device list ----------

func newDeviceListCmd() *cobra.Command {
	var (
		keyID      string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List device registrations",
		Example: `  devicegate device list
  devicegate device list --key 6f1c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeviceList(keyID, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&keyID, "key", "", "Only list devices of this key ID")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runDeviceList(keyID string, jsonOutput bool) error {
	return withAdmin(func(ctx context.Context, svc *admin.Service) error {
		devices, err := svc.ListDevices(ctx, keyID)
		if err != nil {
			return fmt.Errorf("list devices: %w", err)
		}

		if jsonOutput {
			return printJSON(devices)
		}

		if len(devices) == 0 {
			fmt.Println("No devices registered.")
			return nil
		}

		fmt.Printf("%-36s %-36s %-24s %-16s %-16s %-17s %-7s %-7s\n", "ID", "KEY", "FINGERPRINT", "BROWSER", "OS", "LAST SEEN", "LOGINS", "BLOCKED")
		fmt.Printf("%-36s %-36s %-24s %-16s %-16s %-17s %-7s %-7s\n", "--", "---", "-----------", "-------", "--", "---------", "------", "-------")
		for _, d := range devices {
			fmt.Printf("%-36s %-36s %-24s %-16s %-16s %-17s %-7d %-7s\n",
				d.ID, d.KeyID, truncate(d.DeviceID, 24), truncate(d.Browser, 16), truncate(d.OS, 16),
				formatTime(&d.LastSeenAt), d.LoginCount, yesNo(d.Blocked))
		}
		return nil
	})
}

// ---------- device block / unblock / remove ----------

func newDeviceActionCmd(verb, short string, action func(context.Context, *admin.Service, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <device-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(func(ctx context.Context, svc *admin.Service) error {
				if err := action(ctx, svc, args[0]); err != nil {
					return fmt.Errorf("%s device: %w", verb, err)
				}
				fmt.Printf("Device %s: %s done\n", args[0], verb)
				return nil
			})
		},
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
