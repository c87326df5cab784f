// Package submit turns a finished draft into a completed, submitted form.
//
// A submission moves through a fixed sequence of states:
//
//	Idle -> Validating -> Preparing -> ConnectivityCheck -> Writing
//	     -> OnlineSucceeded | QueuedOffline | Failed
//
// The local write is the durability anchor and always comes first. The
// remote write is attempted only after a fresh reachability check; when it
// is not possible the form is queued for retry. The originating draft is
// deleted only after the local write succeeded.
//
// One submission runs at a time per Orchestrator; a second call while one
// is in flight fails with ErrAlreadySubmitting.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/roach88/formsync/internal/clock"
	"github.com/roach88/formsync/internal/notify"
	"github.com/roach88/formsync/internal/record"
	"github.com/roach88/formsync/internal/save"
	"github.com/roach88/formsync/internal/store"
	"github.com/roach88/formsync/internal/validate"
)

// State is a step of a submission.
type State string

const (
	StateIdle              State = "idle"
	StateValidating        State = "validating"
	StatePreparing         State = "preparing"
	StateConnectivityCheck State = "connectivity_check"
	StateWriting           State = "writing"
	StateOnlineSucceeded   State = "online_succeeded"
	StateQueuedOffline     State = "queued_offline"
	StateFailed            State = "failed"
)

// Terminal reports whether s ends a submission.
func (s State) Terminal() bool {
	return s == StateOnlineSucceeded || s == StateQueuedOffline || s == StateFailed
}

// ErrAlreadySubmitting is returned while another submission is in flight.
var ErrAlreadySubmitting = errors.New("a submission is already in progress")

// Outcome is the result of one submission.
type Outcome struct {
	State        State             `json:"state"`
	FormID       int64             `json:"form_id,omitempty"`
	RemoteID     string            `json:"remote_id,omitempty"`
	QueueEntryID string            `json:"queue_entry_id,omitempty"`
	Fingerprint  string            `json:"fingerprint,omitempty"`
	MissingField []string          `json:"missing_fields,omitempty"`
	Warnings     []string          `json:"warnings,omitempty"`
	Record       record.FormRecord `json:"-"`
}

// Validator checks required fields and consents.
type Validator interface {
	Check(r record.FormRecord) error
}

// Migrator upgrades a record to the current schema version.
type Migrator interface {
	Migrate(r record.FormRecord) (record.FormRecord, []string)
}

// Connectivity performs a fresh remote reachability check.
type Connectivity interface {
	RemoteReachable(ctx context.Context) bool
}

// Writer stores a completed form locally and, if asked, remotely.
type Writer interface {
	SaveCompleted(ctx context.Context, r record.FormRecord, tryRemote bool) (save.Result, error)
}

// Queue holds forms whose remote write did not happen.
type Queue interface {
	Enqueue(ctx context.Context, r record.FormRecord) (record.QueuedSubmission, error)
}

// Drafts is the local drafts collection.
type Drafts interface {
	Delete(ctx context.Context, c store.Collection, id int64) error
}

// EventLog receives diagnostic events.
type EventLog interface {
	AppendEvent(ctx context.Context, e record.Event) error
}

// Orchestrator runs submissions.
type Orchestrator struct {
	validator Validator
	migrator  Migrator
	conn      Connectivity
	writer    Writer
	queue     Queue
	drafts    Drafts
	region    func() record.Region
	events    EventLog
	notifier  notify.Notifier
	clock     clock.Clock
	logger    *slog.Logger
	observer  func(State)

	submitting atomic.Bool
}

// Deps are the collaborators every Orchestrator needs.
type Deps struct {
	Validator    Validator
	Migrator     Migrator
	Connectivity Connectivity
	Writer       Writer
	Queue        Queue
	Drafts       Drafts
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRegion stamps the active region on each submission.
func WithRegion(fn func() record.Region) Option { return func(o *Orchestrator) { o.region = fn } }

// WithEventLog records each submission step outcome.
func WithEventLog(l EventLog) Option { return func(o *Orchestrator) { o.events = l } }

// WithNotifier reports outcomes to the user.
func WithNotifier(n notify.Notifier) Option { return func(o *Orchestrator) { o.notifier = n } }

// WithClock sets the clock used for fingerprints and timestamps.
func WithClock(c clock.Clock) Option { return func(o *Orchestrator) { o.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// WithObserver calls fn on every state entered, in order.
func WithObserver(fn func(State)) Option { return func(o *Orchestrator) { o.observer = fn } }

// New creates an Orchestrator.
func New(d Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		validator: d.Validator,
		migrator:  d.Migrator,
		conn:      d.Connectivity,
		writer:    d.Writer,
		queue:     d.Queue,
		drafts:    d.Drafts,
		notifier:  notify.Nop{},
		clock:     clock.Real{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submitting reports whether a submission is in flight.
func (o *Orchestrator) Submitting() bool {
	return o.submitting.Load()
}

func (o *Orchestrator) enter(s State) {
	o.logger.Debug("submission state", "state", s)
	if o.observer != nil {
		o.observer(s)
	}
}

// Submit validates, prepares and writes r. r is usually a draft; its id is
// the draft to delete once the completed form is stored locally. A record
// that is already completed keeps its forms id and is rewritten in place.
//
// The returned error is non-nil exactly when the outcome state is
// StateFailed.
func (o *Orchestrator) Submit(ctx context.Context, r record.FormRecord) (Outcome, error) {
	if !o.submitting.CompareAndSwap(false, true) {
		return Outcome{State: StateFailed}, ErrAlreadySubmitting
	}
	defer o.submitting.Store(false)

	o.enter(StateIdle)
	r = r.Clone()
	var draftID int64
	if r.IsDraft() {
		draftID = r.ID
		r.ID = 0
		r.DraftID = draftID
	}
	o.logEvent(ctx, record.EventSubmitStarted, draftID, "", "")

	o.enter(StateValidating)
	if o.validator != nil {
		if err := o.validator.Check(r); err != nil {
			out := o.fail(ctx, draftID, record.EventSubmitValidation, err)
			var ve *validate.Error
			if errors.As(err, &ve) {
				out.MissingField = ve.Fields
			}
			o.notifier.Notify(ctx, notify.Notification{
				Level:   notify.LevelError,
				Title:   "form incomplete",
				Message: err.Error(),
			})
			return out, err
		}
	}

	o.enter(StatePreparing)
	prepared, warnings := o.prepare(r)
	if err := record.CheckIntegrity(prepared); err != nil {
		out := o.fail(ctx, draftID, record.EventSubmitIntegrity, err)
		out.Warnings = warnings
		return out, err
	}

	o.enter(StateConnectivityCheck)
	online := o.conn != nil && o.conn.RemoteReachable(ctx)

	o.enter(StateWriting)
	res, err := o.writer.SaveCompleted(ctx, prepared, online)
	if err != nil {
		out := o.fail(ctx, draftID, record.EventSubmitFailed, err)
		out.Warnings = warnings
		o.notifier.Notify(ctx, notify.Notification{
			Level:   notify.LevelError,
			Title:   "submission failed",
			Message: "The form could not be stored on this device. Your draft was kept.",
		})
		return out, fmt.Errorf("submit: %w", err)
	}
	o.logEvent(ctx, record.EventSubmitLocal, res.ID, string(res.Record.SubmissionStatus), "")
	o.deleteDraft(ctx, draftID)

	out := Outcome{
		FormID:      res.ID,
		Fingerprint: res.Record.SubmissionFingerprint,
		Warnings:    warnings,
		Record:      res.Record,
	}

	if res.Synced {
		out.State = StateOnlineSucceeded
		out.RemoteID = res.RemoteID
		o.enter(out.State)
		o.logEvent(ctx, record.EventSubmitOnline, res.ID, string(record.StatusSubmitted), "")
		o.notifier.Notify(ctx, notify.Notification{
			Level:    notify.LevelSuccess,
			Title:    "form submitted",
			Message:  "The consent form was saved and sent.",
			RecordID: out.Fingerprint,
		})
		o.logger.Info("form submitted", "form_id", res.ID, "remote_id", res.RemoteID, "fingerprint", out.Fingerprint)
		return out, nil
	}

	entry, err := o.queue.Enqueue(ctx, res.Record)
	if err != nil {
		// The form is stored locally with status pending; only the
		// automatic retry is missing.
		failed := o.fail(ctx, res.ID, record.EventSubmitFailed, err)
		failed.FormID = res.ID
		failed.Fingerprint = out.Fingerprint
		failed.Record = res.Record
		return failed, fmt.Errorf("submit: queue form %d: %w", res.ID, err)
	}

	out.State = StateQueuedOffline
	out.QueueEntryID = entry.ID
	o.enter(out.State)
	msg := "offline"
	if res.RemoteErr != nil {
		msg = res.RemoteErr.Error()
	}
	o.logEvent(ctx, record.EventSubmitQueued, res.ID, string(entry.Status), msg)
	o.notifier.Notify(ctx, notify.Notification{
		Level:    notify.LevelWarning,
		Title:    "saved offline",
		Message:  "The consent form is stored on this device and will be sent when the connection returns.",
		RecordID: out.Fingerprint,
	})
	o.logger.Info("form queued", "form_id", res.ID, "entry", entry.ID, "fingerprint", out.Fingerprint)
	return out, nil
}

// prepare migrates r and marks it completed. createdAt is kept when set.
func (o *Orchestrator) prepare(r record.FormRecord) (record.FormRecord, []string) {
	var warnings []string
	if o.migrator != nil {
		r, warnings = o.migrator.Migrate(r)
		for _, w := range warnings {
			o.logger.Warn("record migrated", "warning", w)
		}
	}

	now := o.clock.Now()
	if o.region != nil {
		r.ApplyRegion(o.region())
	}
	r.Lifecycle = record.LifecycleCompleted
	r.SubmissionStatus = record.StatusPending
	r.Synced = false
	if r.SubmissionFingerprint == "" {
		r.SubmissionFingerprint = record.Fingerprint(r.RegionCode, now)
	}
	r.Touch(now)
	return r, warnings
}

func (o *Orchestrator) deleteDraft(ctx context.Context, id int64) {
	if id == 0 || o.drafts == nil {
		return
	}
	if err := o.drafts.Delete(ctx, store.Drafts, id); err != nil {
		o.logger.Warn("submitted draft not deleted", "draft_id", id, "error", err)
	}
}

func (o *Orchestrator) fail(ctx context.Context, id int64, event string, err error) Outcome {
	o.enter(StateFailed)
	o.logEvent(ctx, event, id, string(StateFailed), err.Error())
	o.logger.Warn("submission failed", "id", id, "error", err)
	return Outcome{State: StateFailed}
}

func (o *Orchestrator) logEvent(ctx context.Context, name string, id int64, status, msg string) {
	if o.events == nil {
		return
	}
	e := record.Event{Name: name, Status: status, Message: msg}
	if id != 0 {
		e.RecordID = strconv.FormatInt(id, 10)
	}
	if err := o.events.AppendEvent(ctx, e); err != nil {
		o.logger.Warn("event log write failed", "event", name, "error", err)
	}
}
