package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/formsync/internal/record"
	"github.com/roach88/formsync/internal/save"
	"github.com/roach88/formsync/internal/store"
	"github.com/roach88/formsync/internal/submit"
	"github.com/roach88/formsync/internal/validate"
)

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	DraftID int64
}

// SubmitResult is the submit command output.
type SubmitResult struct {
	submit.Outcome
}

// WriteText implements TextWriter.
func (r SubmitResult) WriteText(w io.Writer, verbose bool) {
	switch r.State {
	case submit.StateOnlineSucceeded:
		fmt.Fprintf(w, "Submitted form %d (remote id %s)\n", r.FormID, r.RemoteID)
	case submit.StateQueuedOffline:
		fmt.Fprintf(w, "Saved form %d offline; queued as %s\n", r.FormID, r.QueueEntryID)
	default:
		fmt.Fprintf(w, "Submission %s\n", r.State)
	}
	fmt.Fprintf(w, "Fingerprint: %s\n", r.Fingerprint)
	if verbose {
		for _, warn := range r.Warnings {
			fmt.Fprintf(w, "Warning: %s\n", warn)
		}
	}
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit [file]",
		Short: "Submit a completed form",
		Long: `Validate and submit a form. The form is stored locally first; it is
sent to the remote store when reachable and queued for retry otherwise.
The originating draft is deleted once the form is stored locally.

Examples:
  formsync submit --draft 1
  formsync submit form.json
  formsync submit form.json --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(opts, cmd, args)
		},
	}

	cmd.Flags().Int64Var(&opts.DraftID, "draft", 0, "id of a stored draft to submit")
	return cmd
}

func runSubmit(opts *SubmitOptions, cmd *cobra.Command, args []string) error {
	if (len(args) == 0) == (opts.DraftID == 0) {
		return NewExitError(ExitCommandError, "give either a record file or --draft")
	}
	var r record.FormRecord
	if len(args) == 1 {
		var err error
		if r, err = readRecord(cmd, args[0]); err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	a, closer, err := opts.openApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer closer.Close()

	if opts.DraftID != 0 {
		r, err = a.Store.Get(ctx, store.Drafts, opts.DraftID)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("draft %d not loaded", opts.DraftID), err)
		}
	}

	out := opts.formatter(cmd)
	res, err := a.Submit(ctx, r)
	if err != nil {
		code, details := submitErrorCode(err, res)
		_ = out.Error(code, err.Error(), details)
		return WrapExitError(ExitFailure, "submission failed", err)
	}
	opts.VerboseLog(cmd, "state %s, form %d", res.State, res.FormID)
	return out.Success(SubmitResult{Outcome: res})
}

func submitErrorCode(err error, res submit.Outcome) (string, any) {
	switch {
	case validate.IsValidationError(err):
		return "validation_failed", map[string]string{"missing": strings.Join(res.MissingField, ",")}
	case record.IsIntegrityError(err):
		return "integrity_failed", nil
	case errors.Is(err, save.ErrStorageFull):
		return "storage_full", nil
	case errors.Is(err, submit.ErrAlreadySubmitting):
		return "already_submitting", nil
	}
	return "submission_failed", nil
}
