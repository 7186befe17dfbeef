// Command synckit is the CLI for the resilience layer: sign in and
// out, enqueue writes, trigger replay, and manage failed actions.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/opsdeck/synckit/internal/client"
	"github.com/opsdeck/synckit/internal/config"
	"github.com/opsdeck/synckit/internal/events"
)

var (
	cfgFile    string
	jsonOutput bool
	verbose    bool

	cfg       *config.Config
	logger    *events.Logger
	apiClient *client.Client
)

var rootCmd = &cobra.Command{
	Use:   "synckit",
	Short: "Offline-first write queue with session management",
	Long: `Synckit queues mutating actions while offline, replays them in
order when connectivity returns, and keeps the session token fresh so
replays do not fail on an expired token.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initClient,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if apiClient != nil {
			return apiClient.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"Config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output results as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")
}

func initClient(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.NewLoader(cfgFile).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if verbose {
		cfg.Log.Level = "debug"
	}

	logger, err = events.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}

	apiClient, err = client.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	return nil
}

// commandContext is cancelled on SIGINT or SIGTERM.
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printSuccess(format string, args ...interface{}) {
	color.Green(format, args...)
}

func printError(format string, args ...interface{}) {
	color.Red(format, args...)
}

func printInfo(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		printError("Failed to encode output: %v", err)
		return
	}
	fmt.Println(string(data))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("Error: %v", err)
		os.Exit(1)
	}
}
