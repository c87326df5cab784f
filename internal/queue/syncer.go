package queue

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/roach88/formsync/internal/clock"
	"github.com/roach88/formsync/internal/notify"
	"github.com/roach88/formsync/internal/record"
	"github.com/roach88/formsync/internal/store"
)

// DefaultSweepInterval is the period of the background retry sweep.
const DefaultSweepInterval = 30 * time.Second

// Pusher writes a completed form to the remote store.
type Pusher interface {
	PushRemote(ctx context.Context, r record.FormRecord, status record.SubmissionStatus) (string, error)
}

// Forms is the local completed-forms collection.
type Forms interface {
	Get(ctx context.Context, c store.Collection, id int64) (record.FormRecord, error)
	Update(ctx context.Context, c store.Collection, id int64, r record.FormRecord) error
}

// Reachability reports whether the remote store answers right now.
type Reachability interface {
	RemoteReachable(ctx context.Context) bool
}

// EventLog receives diagnostic events.
type EventLog interface {
	AppendEvent(ctx context.Context, e record.Event) error
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Attempted int  `json:"attempted"`
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
	Exhausted int  `json:"exhausted"`
	Skipped   bool `json:"skipped,omitempty"`
}

// Syncer retries queued submissions. It sweeps on a fixed interval and
// whenever Trigger is called. At most one sweep runs at a time; a sweep
// requested while another is running is skipped.
type Syncer struct {
	queue    *Queue
	pusher   Pusher
	forms    Forms
	reach    Reachability
	events   EventLog
	notifier notify.Notifier
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration

	sweeping atomic.Bool
	trigger  chan struct{}
}

// SyncerOption configures a Syncer.
type SyncerOption func(*Syncer)

// WithReachability skips sweeps while the remote store is unreachable.
func WithReachability(r Reachability) SyncerOption { return func(s *Syncer) { s.reach = r } }

// WithEventLog records retry outcomes.
func WithEventLog(l EventLog) SyncerOption { return func(s *Syncer) { s.events = l } }

// WithNotifier reports retry outcomes to the user.
func WithNotifier(n notify.Notifier) SyncerOption { return func(s *Syncer) { s.notifier = n } }

// WithSyncerClock sets the clock used to select ready entries.
func WithSyncerClock(c clock.Clock) SyncerOption { return func(s *Syncer) { s.clock = c } }

// WithSyncerLogger sets the logger.
func WithSyncerLogger(l *slog.Logger) SyncerOption { return func(s *Syncer) { s.logger = l } }

// WithInterval sets the background sweep period.
func WithInterval(d time.Duration) SyncerOption {
	return func(s *Syncer) {
		if d > 0 {
			s.interval = d
		}
	}
}

// NewSyncer creates a Syncer for q.
func NewSyncer(q *Queue, p Pusher, forms Forms, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		queue:    q,
		pusher:   p,
		forms:    forms,
		notifier: notify.Nop{},
		clock:    clock.Real{},
		logger:   slog.Default(),
		interval: DefaultSweepInterval,
		trigger:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Trigger requests a sweep soon. Calls made before the Run loop picks up
// the request are coalesced.
func (s *Syncer) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run sweeps every interval and on Trigger until ctx is done.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("retry syncer started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retry syncer stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-s.trigger:
		}
		if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("retry sweep failed", "error", err)
		}
	}
}

// Sweep attempts every entry that is ready for retry.
func (s *Syncer) Sweep(ctx context.Context) (SweepResult, error) {
	if !s.sweeping.CompareAndSwap(false, true) {
		return SweepResult{Skipped: true}, nil
	}
	defer s.sweeping.Store(false)

	if s.reach != nil && !s.reach.RemoteReachable(ctx) {
		s.logger.Debug("remote unreachable, sweep skipped")
		return SweepResult{Skipped: true}, nil
	}

	ready, err := s.queue.ListReadyForRetry(ctx, s.clock.Now())
	if err != nil {
		return SweepResult{}, err
	}

	var res SweepResult
	for _, e := range ready {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Attempted++
		if err := s.attempt(ctx, e); err != nil {
			exhausted, ierr := s.recordFailure(ctx, e, err)
			if ierr != nil {
				return res, ierr
			}
			res.Failed++
			if exhausted {
				res.Exhausted++
			}
			continue
		}
		res.Succeeded++
	}
	if res.Attempted > 0 {
		s.logger.Info("retry sweep finished", "attempted", res.Attempted,
			"succeeded", res.Succeeded, "failed", res.Failed, "exhausted", res.Exhausted)
	}
	return res, nil
}

func (s *Syncer) attempt(ctx context.Context, e record.QueuedSubmission) error {
	remoteID, err := s.pusher.PushRemote(ctx, e.Data, record.StatusSynced)
	if err != nil {
		return err
	}

	if s.forms != nil && e.FormID != 0 {
		s.markSynced(ctx, e.FormID, remoteID)
	}
	if err := s.queue.Dequeue(ctx, e.ID); err != nil {
		s.logger.Warn("synced entry not dequeued", "entry", e.ID, "error", err)
	}

	s.logEvent(ctx, record.EventRetrySucceeded, e.FormID, string(record.StatusSynced), "")
	s.notifier.Notify(ctx, notify.Notification{
		Level:    notify.LevelSuccess,
		Title:    "submission synced",
		Message:  "A queued consent form reached the server.",
		RecordID: e.Data.SubmissionFingerprint,
	})
	return nil
}

// markSynced updates the local copy. The remote write already succeeded,
// so a failure here is only logged; the next edit or sync corrects it.
func (s *Syncer) markSynced(ctx context.Context, formID int64, remoteID string) {
	form, err := s.forms.Get(ctx, store.Forms, formID)
	if store.IsNotFound(err) {
		return
	}
	if err != nil {
		s.logger.Warn("local form not marked synced", "form_id", formID, "error", err)
		return
	}
	form.RemoteID = remoteID
	form.Synced = true
	form.SubmissionStatus = record.StatusSynced
	if err := s.forms.Update(ctx, store.Forms, formID, form); err != nil {
		s.logger.Warn("local form not marked synced", "form_id", formID, "error", err)
	}
}

func (s *Syncer) recordFailure(ctx context.Context, e record.QueuedSubmission, cause error) (exhausted bool, err error) {
	updated, ok, err := s.queue.IncrementRetry(ctx, e.ID)
	if err != nil || !ok {
		return false, err
	}
	if updated.Status != record.QueueFailed {
		s.logEvent(ctx, record.EventRetryFailed, e.FormID, string(updated.Status), cause.Error())
		return false, nil
	}

	s.logEvent(ctx, record.EventRetryExhausted, e.FormID, string(updated.Status), cause.Error())
	s.notifier.Notify(ctx, notify.Notification{
		Level:    notify.LevelError,
		Title:    "submission failed",
		Message:  "A consent form could not be sent after " + strconv.Itoa(updated.RetryCount) + " attempts. Retry it from the queue.",
		RecordID: e.Data.SubmissionFingerprint,
	})
	if s.forms != nil && e.FormID != 0 {
		if form, gerr := s.forms.Get(ctx, store.Forms, e.FormID); gerr == nil {
			form.SubmissionStatus = record.StatusFailed
			if uerr := s.forms.Update(ctx, store.Forms, e.FormID, form); uerr != nil {
				s.logger.Warn("local form not marked failed", "form_id", e.FormID, "error", uerr)
			}
		}
	}
	return true, nil
}

func (s *Syncer) logEvent(ctx context.Context, name string, formID int64, status, msg string) {
	if s.events == nil {
		return
	}
	e := record.Event{Name: name, Status: status, Message: msg}
	if formID != 0 {
		e.RecordID = strconv.FormatInt(formID, 10)
	}
	if err := s.events.AppendEvent(ctx, e); err != nil {
		s.logger.Warn("event log write failed", "event", name, "error", err)
	}
}
