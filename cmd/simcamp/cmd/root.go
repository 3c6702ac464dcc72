// Package cmd holds the simcamp command tree.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kiranshivaraju/simcamp/internal/backend"
	"github.com/spf13/cobra"
)

// App carries what every command shares. Tests swap the writers and the
// backend factory.
type App struct {
	Out io.Writer
	Err io.Writer

	// Backends overrides the factory built from configuration.
	Backends backend.Factory

	logFormat string
	output    string
}

// New returns an App writing to the process streams.
func New() *App {
	return &App{Out: os.Stdout, Err: os.Stderr}
}

// Execute runs the command line of the process and returns its exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return New().Run(ctx, os.Args[1:])
}

// Run executes args and returns the exit code.
func (a *App) Run(ctx context.Context, args []string) int {
	root := RootCmd(a)
	root.SetArgs(args)
	root.SetOut(a.Out)
	root.SetErr(a.Err)

	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(a.Err, "error:", err)
	}
	return ExitCode(err)
}

// RootCmd is the root Cobra command. All sub-commands are registered here.
func RootCmd(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "simcamp",
		Short:         "simcamp tracks parametric simulation campaigns on cluster backends.",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.setupLogging("info"); err != nil {
				return err
			}
			switch a.output {
			case "text", "json":
				return nil
			default:
				return fmt.Errorf("%w: --output must be text or json, got %q", errUsage, a.output)
			}
		},
	}
	cmd.PersistentFlags().StringVar(&a.logFormat, "log-format", "json", "log format: json or text")
	cmd.PersistentFlags().StringVarP(&a.output, "output", "o", "text", "result format: text or json")
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", errUsage, err)
	})

	cmd.AddCommand(
		initCmd(a),
		passCmd(a),
		summaryCmd(a),
		resubmitCmd(a),
		cancelCmd(a),
		purgeCmd(a),
		serveCmd(a),
	)
	return cmd
}

// setupLogging installs the process logger. Logs go to Err so that Out
// only carries command results.
func (a *App) setupLogging(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("%w: log level: %w", errUsage, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(a.logFormat) {
	case "json":
		h = slog.NewJSONHandler(a.Err, opts)
	case "text":
		h = slog.NewTextHandler(a.Err, opts)
	default:
		return fmt.Errorf("%w: --log-format must be json or text, got %q", errUsage, a.logFormat)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

// exactArgs is cobra.ExactArgs with usage classification.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return fmt.Errorf("%w: %w", errUsage, err)
		}
		return nil
	}
}
