package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/formsync/internal/record"
	"github.com/roach88/formsync/internal/save"
	"github.com/roach88/formsync/internal/store"
)

// DraftSummary is one row of drafts list.
type DraftSummary struct {
	ID           int64     `json:"id"`
	PatientName  string    `json:"patient_name"`
	RegionCode   string    `json:"region_code,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// DraftList is the drafts list output.
type DraftList struct {
	Drafts []DraftSummary `json:"drafts"`
}

// WriteText implements TextWriter.
func (l DraftList) WriteText(w io.Writer, verbose bool) {
	if len(l.Drafts) == 0 {
		fmt.Fprintln(w, "No drafts")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPATIENT\tREGION\tLAST MODIFIED")
	for _, d := range l.Drafts {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", d.ID, d.PatientName, d.RegionCode, d.LastModified.Format(time.RFC3339))
	}
	tw.Flush()
}

// SaveResult is the drafts save output.
type SaveResult struct {
	ID       int64        `json:"id,omitempty"`
	ClientID string       `json:"client_id,omitempty"`
	Outcome  save.Outcome `json:"outcome"`
}

// WriteText implements TextWriter.
func (r SaveResult) WriteText(w io.Writer, verbose bool) {
	switch r.Outcome {
	case save.OutcomeFallback:
		fmt.Fprintf(w, "Draft kept in fallback storage (client id %s)\n", r.ClientID)
	default:
		fmt.Fprintf(w, "Draft %d %s\n", r.ID, r.Outcome)
	}
}

// NewDraftsCommand creates the drafts command group.
func NewDraftsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drafts",
		Short: "List and save drafts",
	}
	cmd.AddCommand(newDraftsListCommand(rootOpts))
	cmd.AddCommand(newDraftsSaveCommand(rootOpts))
	return cmd
}

func newDraftsListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List drafts, most recently modified first",
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

			drafts, err := a.Store.ListAll(ctx, store.Drafts)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list drafts", err)
			}
			out := DraftList{Drafts: make([]DraftSummary, 0, len(drafts))}
			for _, d := range drafts {
				out.Drafts = append(out.Drafts, DraftSummary{
					ID:           d.ID,
					PatientName:  d.PatientName,
					RegionCode:   d.RegionCode,
					LastModified: d.LastModified,
				})
			}
			return rootOpts.formatter(cmd).Success(out)
		},
	}
}

func newDraftsSaveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "save <file>",
		Short: "Save a form record from a JSON file as a draft",
		Long: `Save a form record as a draft. Use - to read from stdin.

A record without an id that matches an existing draft by patient name or
ID number updates that draft instead of creating a new one.

Examples:
  formsync drafts save form.json
  cat form.json | formsync drafts save -`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := readRecord(cmd, args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, closer, err := rootOpts.openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer closer.Close()

			res, err := a.SaveDraft(ctx, r)
			if err != nil {
				_ = rootOpts.formatter(cmd).Error("save_failed", err.Error(), nil)
				return WrapExitError(ExitFailure, "draft not saved", err)
			}
			return rootOpts.formatter(cmd).Success(SaveResult{ID: res.ID, ClientID: res.ClientID, Outcome: res.Outcome})
		},
	}
}

// readRecord decodes a form record from path, or stdin for "-".
func readRecord(cmd *cobra.Command, path string) (record.FormRecord, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return record.FormRecord{}, WrapExitError(ExitCommandError, "failed to read record", err)
	}
	var r record.FormRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return record.FormRecord{}, WrapExitError(ExitCommandError, "failed to parse record", err)
	}
	return r, nil
}
