package main

import (
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "Manage actions that could not be replayed",
}

var failedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List failed actions",
	RunE:  runFailedList,
}

var failedRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Move a failed action back to the queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runFailedRetry,
}

var failedDiscardCmd = &cobra.Command{
	Use:   "discard <id>",
	Short: "Permanently drop a failed action",
	Args:  cobra.ExactArgs(1),
	RunE:  runFailedDiscard,
}

func init() {
	rootCmd.AddCommand(failedCmd)
	failedCmd.AddCommand(failedListCmd)
	failedCmd.AddCommand(failedRetryCmd)
	failedCmd.AddCommand(failedDiscardCmd)
}

func runFailedList(cmd *cobra.Command, args []string) error {
	failed := apiClient.Queue.Failed()

	if jsonOutput {
		printJSON(failed)
		return nil
	}

	if len(failed) == 0 {
		printInfo("No failed actions")
		return nil
	}

	for _, action := range failed {
		color.Yellow("%s  %s", action.ID, action.Summary())
		printInfo("      failed %s after %d retries",
			action.FailedAt.Local().Format("2006-01-02 15:04:05"), action.Retries)
	}
	return nil
}

func runFailedRetry(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	if err := apiClient.Start(ctx); err != nil {
		return err
	}
	waitOnline(ctx, 5*time.Second)

	outcome, err := apiClient.Queue.Retry(ctx, args[0])
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"id":        outcome.Action.ID,
			"type":      outcome.Action.Type,
			"delivered": outcome.Delivered,
			"error":     outcome.Action.Error,
		})
		return nil
	}

	if outcome.Delivered {
		printSuccess("Replayed %s", outcome.Action.Type)
	} else {
		printInfo("%s could not be replayed yet (%s); it stays queued for the next sync",
			outcome.Action.Type, outcome.Action.Error)
	}
	return nil
}

func runFailedDiscard(cmd *cobra.Command, args []string) error {
	if err := apiClient.Queue.Discard(args[0]); err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"discarded": args[0]})
	} else {
		printSuccess("Discarded %s", args[0])
	}
	return nil
}
