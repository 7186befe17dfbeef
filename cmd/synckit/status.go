package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity, session and queue depth",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	if err := apiClient.Start(ctx); err != nil {
		return err
	}
	waitOnline(ctx, 2*time.Second)

	status := apiClient.Sync.Status()
	if jsonOutput {
		printJSON(map[string]interface{}{
			"online":  status.Online,
			"session": status.Session,
			"email":   status.Email,
			"pending": status.Pending,
			"failed":  status.Failed,
		})
	} else {
		printInfo("%s", status)
	}
	return nil
}

// waitOnline gives the connectivity monitor a moment to establish its
// first connection. Returns early once online.
func waitOnline(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if apiClient.Sync.Status().Online {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
	return apiClient.Sync.Status().Online
}
