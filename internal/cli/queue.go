package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/formsync/internal/queue"
	"github.com/roach88/formsync/internal/record"
)

// QueueEntry is one row of queue list. The form payload is left out.
type QueueEntry struct {
	ID          string             `json:"id"`
	FormID      int64              `json:"form_id"`
	Fingerprint string             `json:"fingerprint"`
	Status      record.QueueStatus `json:"status"`
	RetryCount  int                `json:"retry_count"`
	MaxRetries  int                `json:"max_retries"`
	NextRetry   time.Time          `json:"next_retry"`
	LastAttempt time.Time          `json:"last_attempt,omitzero"`
}

// QueueList is the queue list output.
type QueueList struct {
	Entries []QueueEntry `json:"entries"`
}

// WriteText implements TextWriter.
func (l QueueList) WriteText(w io.Writer, verbose bool) {
	if len(l.Entries) == 0 {
		fmt.Fprintln(w, "Queue is empty")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFORM\tSTATUS\tRETRIES\tNEXT RETRY")
	for _, e := range l.Entries {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d/%d\t%s\n", e.ID, e.FormID, e.Status, e.RetryCount, e.MaxRetries, e.NextRetry.Format(time.RFC3339))
	}
	tw.Flush()
}

func toQueueEntry(e record.QueuedSubmission) QueueEntry {
	return QueueEntry{
		ID:          e.ID,
		FormID:      e.FormID,
		Fingerprint: e.Data.SubmissionFingerprint,
		Status:      e.Status,
		RetryCount:  e.RetryCount,
		MaxRetries:  e.MaxRetries,
		NextRetry:   e.NextRetry,
		LastAttempt: e.LastAttempt,
	}
}

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage queued submissions",
	}
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueRetryCommand(rootOpts))
	cmd.AddCommand(newQueueDeleteCommand(rootOpts))
	return cmd
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List queued submissions",
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

			entries, err := a.Queue.List(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list queue", err)
			}
			out := QueueList{Entries: make([]QueueEntry, 0, len(entries))}
			for _, e := range entries {
				out.Entries = append(out.Entries, toQueueEntry(e))
			}
			return rootOpts.formatter(cmd).Success(out)
		},
	}
}

func newQueueRetryCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "retry [entry-id]",
		Short: "Make queued submissions due now and sweep",
		Long: `Mark one entry, or every entry with --all, as due now and run one
sweep. A failed entry is revived with its retry count reset.

Examples:
  formsync queue retry 0190a5f2-8f6e-7c4d-9a51-2b1f0c3d4e5f
  formsync queue retry --all`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return NewExitError(ExitCommandError, "give either an entry id or --all")
			}
			ctx := cmd.Context()
			a, closer, err := rootOpts.openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer closer.Close()

			ids := args
			if all {
				entries, err := a.Queue.List(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to list queue", err)
				}
				ids = nil
				for _, e := range entries {
					ids = append(ids, e.ID)
				}
			}
			for _, id := range ids {
				if _, err := a.Queue.ForceRetryNow(ctx, id); err != nil {
					if errors.Is(err, queue.ErrNotFound) {
						return WrapExitError(ExitFailure, fmt.Sprintf("queue entry %s", id), err)
					}
					return WrapExitError(ExitCommandError, "failed to reschedule entry", err)
				}
			}
			rootOpts.VerboseLog(cmd, "rescheduled %d entries", len(ids))

			res, err := a.Syncer.Sweep(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "sweep failed", err)
			}
			return rootOpts.formatter(cmd).Success(SweepOutput(res))
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "retry every queued entry")
	return cmd
}

func newQueueDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <entry-id>",
		Short: "Remove a queued submission",
		Long: `Remove an entry from the retry queue. The local completed form is
kept; only the automatic retry stops.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, closer, err := rootOpts.openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer closer.Close()

			if _, err := a.Queue.Get(ctx, args[0]); err != nil {
				if errors.Is(err, queue.ErrNotFound) {
					return WrapExitError(ExitFailure, fmt.Sprintf("queue entry %s", args[0]), err)
				}
				return WrapExitError(ExitCommandError, "failed to read entry", err)
			}
			if err := a.Queue.Dequeue(ctx, args[0]); err != nil {
				return WrapExitError(ExitCommandError, "failed to delete entry", err)
			}
			return rootOpts.formatter(cmd).Success(fmt.Sprintf("Deleted queue entry %s", args[0]))
		},
	}
}
