package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/formsync/internal/quota"
)

// ExportResult reports a written file.
type ExportResult struct {
	Path  string `json:"path"`
	Count int    `json:"count,omitempty"`
}

// WriteText implements TextWriter.
func (r ExportResult) WriteText(w io.Writer, verbose bool) {
	fmt.Fprintf(w, "Wrote %s\n", r.Path)
}

// NewExportLogCommand creates the export-log command.
func NewExportLogCommand(rootOpts *RootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export-log",
		Short: "Export the submission event log as JSON",
		Long: `Write the submission event log, oldest first, as a JSON document.
Without --output the document goes to stdout.

Examples:
  formsync export-log > events.json
  formsync export-log -o /tmp/formsync-events.json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, closer, err := rootOpts.openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer closer.Close()

			if output == "" {
				if _, err := a.Exporter.WriteEventLog(ctx, cmd.OutOrStdout()); err != nil {
					return WrapExitError(ExitCommandError, "failed to export event log", err)
				}
				return nil
			}
			n, err := a.Exporter.ExportEventLog(ctx, output)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to export event log", err)
			}
			return rootOpts.formatter(cmd).Success(ExportResult{Path: output, Count: n})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	return cmd
}

// NewBackupCommand creates the backup command.
func NewBackupCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Write a backup of every draft",
		Long: `Write all drafts to a timestamped JSON file in the backup directory.
Sensitive fields stay encoded with the install key.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, closer, err := rootOpts.openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer closer.Close()

			path, err := a.Exporter.BackupDrafts(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to back up drafts", err)
			}
			return rootOpts.formatter(cmd).Success(ExportResult{Path: path})
		},
	}
}

// CleanupResult is the cleanup command output.
type CleanupResult struct {
	quota.Result
	Emergency bool `json:"emergency"`
}

// WriteText implements TextWriter.
func (r CleanupResult) WriteText(w io.Writer, verbose bool) {
	fmt.Fprintf(w, "Deleted %d drafts, freed %d bytes\n", r.DeletedCount, r.FreedBytes)
	if r.BackupPath != "" {
		fmt.Fprintf(w, "Backup: %s\n", r.BackupPath)
	}
}

// NewCleanupCommand creates the cleanup command.
func NewCleanupCommand(rootOpts *RootOptions) *cobra.Command {
	var emergency bool
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old drafts to free local storage",
		Long: `Delete drafts not modified within --max-age, oldest first. With
--emergency, back up every draft and then delete oldest first until usage
falls below the emergency target. Completed forms and queued submissions
are never deleted.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, closer, err := rootOpts.openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer closer.Close()

			var res quota.Result
			if emergency {
				res, err = a.Guard.EmergencyCleanup(ctx)
			} else {
				if maxAge == 0 {
					maxAge = a.Config.Quota.MaxDraftAge
				}
				res, err = a.Guard.CleanupOldest(ctx, maxAge)
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "cleanup failed", err)
			}
			return rootOpts.formatter(cmd).Success(CleanupResult{Result: res, Emergency: emergency})
		},
	}
	cmd.Flags().BoolVar(&emergency, "emergency", false, "back up and delete drafts until below the emergency target")
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "delete drafts older than this (default from config)")
	return cmd
}
