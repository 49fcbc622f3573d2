package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

const stopPollInterval = 100 * time.Millisecond

func newStopCmd() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the background devicegate server",
		Long: `Stop a server started with 'devicegate serve --daemon'. The server drains
in-flight requests and queued audit events before it exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := readPID()
			if err != nil {
				return fmt.Errorf("no PID file at %s; is the server running?", pidFilePath())
			}
			if !isProcessRunning(pid) {
				removePID()
				return fmt.Errorf("process %d is gone; removed stale PID file", pid)
			}

			cmd.Printf("Sending stop request to PID %d\n", pid)
			if err := stopProcess(pid); err != nil {
				return fmt.Errorf("stop process %d: %w", pid, err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			if err := waitForExit(ctx, pid); err != nil {
				return fmt.Errorf("process %d still running after %s: %w", pid, wait, err)
			}
			removePID()
			cmd.Println("Server stopped.")
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 35*time.Second, "Maximum time to wait for the drain to finish")
	return cmd
}

// waitForExit polls until pid exits or ctx ends.
func waitForExit(ctx context.Context, pid int) error {
	tick := time.NewTicker(stopPollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return errors.New("drain timeout")
			}
			return ctx.Err()
		case <-tick.C:
			if !isProcessRunning(pid) {
				return nil
			}
		}
	}
}
