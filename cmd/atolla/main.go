package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"libdb.so/atolla"
)

var (
	config  = ""
	verbose = false
)

var rootCmd = &cobra.Command{
	Use:   "atolla",
	Short: "Stream light patterns to LED sinks over UDP",
	Long: `atolla runs either end of an atolla stream. A sink lends its frame
buffer to one source at a time and plays frames back by wall-clock time; a
source borrows a sink and streams rendered patterns to it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logLevel := slog.LevelWarn
		if verbose {
			logLevel = slog.LevelDebug
		}

		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: logLevel,
		}))
		slog.SetDefault(logger)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&config, "config", "c", config, "configuration file (TOML or YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", verbose, "verbose output")

	rootCmd.AddCommand(sinkCmd, sourceCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run runs f until it returns or the process is interrupted.
func run(f func(ctx context.Context) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := f(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func readConfig() (*atolla.Config, error) {
	if config == "" {
		return &atolla.Config{}, nil
	}
	return atolla.ReadConfigFile(config)
}
