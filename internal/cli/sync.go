package cli

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/formsync/internal/queue"
)

// SweepOutput is the result of one queue sweep.
type SweepOutput queue.SweepResult

// WriteText implements TextWriter.
func (r SweepOutput) WriteText(w io.Writer, verbose bool) {
	if r.Skipped {
		fmt.Fprintln(w, "Sweep skipped: remote store unreachable or a sweep is already running")
		return
	}
	fmt.Fprintf(w, "Attempted %d: %d synced, %d failed", r.Attempted, r.Succeeded, r.Failed)
	if r.Exhausted > 0 {
		fmt.Fprintf(w, " (%d out of retries)", r.Exhausted)
	}
	fmt.Fprintln(w)
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Retry queued submissions that are due",
		Long: `Run one sweep over the retry queue. With --watch, keep sweeping on the
configured interval and whenever the remote store comes back, until
interrupted.

Examples:
  formsync sync
  formsync sync --watch --verbose`,
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

			if watch {
				ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				a.Syncer.Trigger()
				if err := a.Run(ctx); err != nil {
					return WrapExitError(ExitCommandError, "sync loop stopped", err)
				}
				return nil
			}

			res, err := a.Syncer.Sweep(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "sweep failed", err)
			}
			return rootOpts.formatter(cmd).Success(SweepOutput(res))
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep sweeping until interrupted")
	return cmd
}
