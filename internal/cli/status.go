package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/formsync/internal/app"
)

// StatusResult is the status command output.
type StatusResult struct {
	app.Status
	DataDir string `json:"data_dir"`
}

// WriteText implements TextWriter.
func (r StatusResult) WriteText(w io.Writer, verbose bool) {
	fmt.Fprintf(w, "Local store:  %s\n", availability(r.Capabilities.LocalAvailable))
	fmt.Fprintf(w, "Remote store: %s\n", availability(r.Capabilities.RemoteAvailable))
	fmt.Fprintf(w, "Drafts: %d  Forms: %d\n", r.Drafts, r.Forms)
	fmt.Fprintf(w, "Queue: %d pending, %d retrying, %d failed\n", r.Queue.Pending, r.Queue.Retrying, r.Queue.Failed)
	if r.Usage.QuotaBytes > 0 {
		fmt.Fprintf(w, "Storage: %d of %d bytes (%.0f%%)\n", r.Usage.UsedBytes, r.Usage.QuotaBytes, r.Usage.Ratio()*100)
	}
	if r.NearCapacity {
		fmt.Fprintln(w, "Warning: storage is near capacity")
	}
	if r.Fallback {
		fmt.Fprintln(w, "Warning: a record is waiting in the fallback slot")
	}
	if verbose {
		fmt.Fprintf(w, "Data directory: %s\n", r.DataDir)
	}
}

func availability(ok bool) string {
	if ok {
		return "available"
	}
	return "unavailable"
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show backend availability and local counts",
		Long: `Probe the local and remote stores and summarise what is stored.

Examples:
  formsync status
  formsync status --format json`,
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

			st, err := a.Status(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read status", err)
			}
			return rootOpts.formatter(cmd).Success(StatusResult{Status: st, DataDir: a.Config.DataDir})
		},
	}
}
