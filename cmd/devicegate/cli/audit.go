package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/devicegate/devicegate/internal/admin"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit log",
		Long:  "List or clear the audit events recorded for lookups made with access keys.",
	}

	cmd.AddCommand(newAuditListCmd())
	cmd.AddCommand(newAuditClearCmd())

	return cmd
}

// ---------- audit list ----------

func newAuditListCmd() *cobra.Command {
	var (
		keyID      string
		limit      int
		offset     int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List audit events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditList(keyID, limit, offset, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&keyID, "key", "", "Only events of this key id")
	cmd.Flags().IntVar(&limit, "limit", admin.DefaultAuditLimit, fmt.Sprintf("Number of events (max %d)", admin.MaxAuditLimit))
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of newest events to skip")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runAuditList(keyID string, limit, offset int, jsonOutput bool) error {
	return withAdmin(func(ctx context.Context, svc *admin.Service) error {
		events, err := svc.ListAuditEvents(ctx, keyID, limit, offset)
		if err != nil {
			return fmt.Errorf("list audit events: %w", err)
		}

		if jsonOutput {
			return printJSON(events)
		}

		if len(events) == 0 {
			fmt.Println("The audit log is empty.")
			return nil
		}

		fmt.Printf("%-17s %-20s %-24s %-16s %-24s %-7s %-8s\n", "TIME", "KEY", "DEVICE", "RESOURCE", "PARAMETER", "OK", "LATENCY")
		fmt.Printf("%-17s %-20s %-24s %-16s %-24s %-7s %-8s\n", "----", "---", "------", "--------", "---------", "--", "-------")
		for _, e := range events {
			latency := "-"
			if e.LatencyMs != nil {
				latency = fmt.Sprintf("%dms", *e.LatencyMs)
			}
			param := e.ParameterName + "=" + e.ParameterValue
			fmt.Printf("%-17s %-20s %-24s %-16s %-24s %-7s %-8s\n",
				formatTime(&e.OccurredAt), truncate(e.KeyName, 20), truncate(e.DeviceID, 24),
				truncate(e.Resource, 16), truncate(param, 24), yesNo(e.Success), latency)
		}
		return nil
	})
}

// ---------- audit clear ----------

func newAuditClearCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every audit event",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes && !confirm("Delete every audit event? This cannot be undone.") {
				fmt.Println("Aborted.")
				return nil
			}
			return withAdmin(func(ctx context.Context, svc *admin.Service) error {
				if err := svc.ClearAuditLog(ctx); err != nil {
					return fmt.Errorf("clear audit log: %w", err)
				}
				fmt.Println("Audit log cleared.")
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")

	return cmd
}

func confirm(question string) bool {
	fmt.Printf("%s [y/N]: ", question)
	answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
