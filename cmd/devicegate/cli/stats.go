package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/devicegate/devicegate/internal/admin"
)

func newStatsCmd() *cobra.Command {
	var (
		recent     int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show key, device and audit totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(func(ctx context.Context, svc *admin.Service) error {
				stats, err := svc.DashboardStats(ctx, recent)
				if err != nil {
					return fmt.Errorf("stats: %w", err)
				}
				if jsonOutput {
					return printJSON(stats)
				}

				fmt.Printf("Access keys:     %d (%d active)\n", stats.TotalKeys, stats.ActiveKeys)
				fmt.Printf("Devices:         %d (%d active, %d blocked)\n", stats.TotalDevices, stats.ActiveDevices, stats.BlockedDevices)
				fmt.Printf("Audit events:    %d\n", stats.TotalEvents)
				if len(stats.RecentEvents) == 0 {
					return nil
				}
				fmt.Println()
				fmt.Println("Recent events:")
				for _, e := range stats.RecentEvents {
					fmt.Printf("  %s  %-20s %-16s %s=%s  ok=%s\n",
						formatTime(&e.OccurredAt), truncate(e.KeyName, 20), truncate(e.Resource, 16),
						e.ParameterName, e.ParameterValue, yesNo(e.Success))
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&recent, "recent", admin.DefaultRecentEvents, "Number of recent audit events to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}
