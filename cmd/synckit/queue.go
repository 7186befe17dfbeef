package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <type> [payload]",
	Short: "Queue a mutating action for replay",
	Long: `Enqueue appends an action to the durable queue. The payload must be
a JSON document; it is stored verbatim and sent to the backend when the
queue drains.`,
	Example: `  synckit enqueue create_note '{"title": "standup notes"}'
  synckit enqueue delete_note '{"id": "n-42"}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runEnqueue,
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List pending actions in replay order",
	RunE:  runQueue,
}

func init() {
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(queueCmd)
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	payload := json.RawMessage(`{}`)
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("payload is not valid JSON")
		}
		payload = json.RawMessage(args[1])
	}

	action := apiClient.Queue.Enqueue(args[0], payload)

	if jsonOutput {
		printJSON(action)
	} else {
		printSuccess("Queued %s (%s)", action.Type, action.ID)
	}
	return nil
}

func runQueue(cmd *cobra.Command, args []string) error {
	pending := apiClient.Queue.Pending()

	if jsonOutput {
		printJSON(pending)
		return nil
	}

	if len(pending) == 0 {
		printInfo("Queue is empty")
		return nil
	}

	for _, action := range pending {
		line := fmt.Sprintf("%4d  %s  %s  enqueued %s",
			action.Seq, action.ID, action.Type,
			action.EnqueuedAt.Local().Format("2006-01-02 15:04:05"))
		if action.Retries > 0 {
			line += fmt.Sprintf("  (%d retries: %s)", action.Retries, action.Error)
		}
		printInfo("%s", line)
	}
	return nil
}
