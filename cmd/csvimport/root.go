package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/csvimport/internal/importer"
	"github.com/JonMunkholm/csvimport/internal/logging"
)

type rootOptions struct {
	logLevel  string
	logFormat string
	json      bool
}

func newRootCmd() *cobra.Command {
	var opts rootOptions

	cmd := &cobra.Command{
		Use:           "csvimport",
		Short:         "Run, inspect and undo CSV record imports",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			slog.SetDefault(logging.New(cmd.ErrOrStderr(), opts.logLevel, opts.logFormat))
			return nil
		},
	}

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return withCode(exitUsage, err)
	})
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", envOr("LOG_LEVEL", "warn"), "Log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", envOr("LOG_FORMAT", "text"), "Log format: text, json")
	cmd.PersistentFlags().BoolVar(&opts.json, "json", false, "Print results as JSON")

	cmd.AddCommand(newRunCmd(&opts))
	cmd.AddCommand(newUndoCmd(&opts))
	cmd.AddCommand(newResumeCmd(&opts))
	cmd.AddCommand(newStopCmd(&opts))
	cmd.AddCommand(newStatusCmd(&opts))
	cmd.AddCommand(newListCmd(&opts))
	cmd.AddCommand(newClearCmd())
	cmd.AddCommand(newMigrateCmd(&opts))
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func Execute() {
	// Values already in the environment win over .env.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		code := exitCode(err)
		fmt.Fprintln(os.Stderr, errorText(err))
		stop()
		os.Exit(code)
	}
}

// errorText adds the catalog message and action to errors the catalog knows.
func errorText(err error) string {
	if importer.IsUserFacing(err) {
		return err.Error() + "\n" + importer.FormatUserError(err)
	}
	return err.Error()
}
