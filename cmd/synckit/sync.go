package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued actions now",
	Long: `Sync runs one replay pass over the pending queue. Actions are sent
in enqueue order; transient failures stay queued for the next pass and
rejected actions move to the failed list.`,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	if err := apiClient.Start(ctx); err != nil {
		return err
	}
	if !waitOnline(ctx, 10*time.Second) {
		return fmt.Errorf("backend unreachable")
	}

	result, err := apiClient.Sync.SyncNow(ctx)
	if err != nil {
		if jsonOutput {
			printJSON(map[string]interface{}{
				"success": false,
				"error":   err.Error(),
			})
		} else {
			printError("Sync failed: %v", err)
		}
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success":     true,
			"attempted":   result.Attempted,
			"succeeded":   result.Succeeded,
			"requeued":    result.Requeued,
			"quarantined": result.Quarantined,
			"aborted":     result.Aborted,
		})
		return nil
	}

	switch {
	case result.Skipped:
		printInfo("A sync pass is already running")
	case result.Attempted == 0:
		printInfo("Queue is empty")
	default:
		printSuccess("Replayed %d of %d actions", len(result.Succeeded), result.Attempted)
		if len(result.Requeued) > 0 {
			printInfo("%d will be retried on the next pass", len(result.Requeued))
		}
		if len(result.Quarantined) > 0 {
			printError("%d moved to the failed list", len(result.Quarantined))
		}
		if result.Aborted {
			printError("Pass stopped early, connectivity was lost")
		}
	}
	return nil
}
