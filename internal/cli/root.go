package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/formsync/internal/app"
	"github.com/roach88/formsync/internal/config"
	"github.com/roach88/formsync/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	// open builds the App. Tests replace it to inject fakes.
	open func(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app.App, error)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the formsync CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "formsync",
		Short: "formsync - offline-first consent form storage",
		Long: `Operate the local consent form store: inspect drafts and queued
submissions, submit forms, retry synchronisation and export diagnostics.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to config file (YAML)")

	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewDraftsCommand(opts))
	cmd.AddCommand(NewSubmitCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewExportLogCommand(opts))
	cmd.AddCommand(NewBackupCommand(opts))
	cmd.AddCommand(NewCleanupCommand(opts))

	return cmd
}

// formatter returns the output formatter for cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// VerboseLog writes a diagnostic line to stderr when --verbose is set.
func (o *RootOptions) VerboseLog(cmd *cobra.Command, format string, args ...any) {
	o.formatter(cmd).VerboseLog(format, args...)
}

// openApp loads the config and opens the App. Logs go to stderr; --verbose
// lowers the level to debug.
func (o *RootOptions) openApp(ctx context.Context, cmd *cobra.Command) (*app.App, io.Closer, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}
	logger, logCloser, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to set up logging", err)
	}

	open := o.open
	if open == nil {
		open = func(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app.App, error) {
			return app.Open(ctx, cfg, app.WithLogger(logger))
		}
	}
	a, err := open(ctx, cfg, logger)
	if err != nil {
		logCloser.Close()
		return nil, nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	return a, closerFunc(func() error {
		err := a.Close()
		logCloser.Close()
		return err
	}), nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
