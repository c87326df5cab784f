// Package save is the Deduplicating Save Coordinator. It decides, for each
// save, between create and update and between the local store, the remote
// store and the single-slot fallback.
//
// Drafts stay on the device. A draft without an id is folded into an
// existing draft with the same patient name or id number, so repeated
// saves of one form never produce a second row. Completed forms are
// written locally first; the remote write is best effort.
package save

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/formsync/internal/clock"
	"github.com/roach88/formsync/internal/ids"
	"github.com/roach88/formsync/internal/notify"
	"github.com/roach88/formsync/internal/probe"
	"github.com/roach88/formsync/internal/quota"
	"github.com/roach88/formsync/internal/record"
	"github.com/roach88/formsync/internal/remote"
	"github.com/roach88/formsync/internal/store"
)

// ErrStorageFull is returned when the local store stays over quota after
// cleanup. The record has been kept in the fallback slot if one is set.
var ErrStorageFull = errors.New("storage full")

// ErrNotCompleted is returned when a draft is passed as a completed form.
var ErrNotCompleted = errors.New("record lifecycle is not completed")

// Outcome says where and how a record was saved.
type Outcome string

const (
	OutcomeCreated      Outcome = "created"
	OutcomeUpdated      Outcome = "updated"
	OutcomeDeduplicated Outcome = "deduplicated"
	OutcomeFallback     Outcome = "fallback"
)

// Result describes a completed save.
type Result struct {
	ID       int64
	RemoteID string
	ClientID string
	Outcome  Outcome
	Synced   bool
	// RemoteErr is set when a completed form was stored locally but the
	// remote write failed or was skipped because remote is down.
	RemoteErr error
	// Record is the record as written, with ids and timestamps filled in.
	Record record.FormRecord
}

// LocalStore is the part of the local store the coordinator uses.
type LocalStore interface {
	Create(ctx context.Context, c store.Collection, r record.FormRecord) (int64, error)
	Update(ctx context.Context, c store.Collection, id int64, r record.FormRecord) error
	ListAll(ctx context.Context, c store.Collection) ([]record.FormRecord, error)
}

// RemoteStore is the part of the remote store the coordinator uses.
type RemoteStore interface {
	Create(ctx context.Context, t remote.Table, r record.FormRecord) (string, error)
	Update(ctx context.Context, t remote.Table, id string, r record.FormRecord) error
}

// Capabilities is the cached backend availability.
type Capabilities interface {
	Available(ctx context.Context, b probe.Backend) bool
	MarkUnavailable(b probe.Backend, err error)
}

// Guard is the storage quota guard.
type Guard interface {
	Prepare(ctx context.Context, keep ...int64) quota.Result
	EmergencyCleanup(ctx context.Context, keep ...int64) (quota.Result, error)
}

// Fallback is the single-slot last-resort store.
type Fallback interface {
	Save(r record.FormRecord, now time.Time) error
}

// EventLog receives diagnostic events.
type EventLog interface {
	AppendEvent(ctx context.Context, e record.Event) error
}

// RegionFunc returns the operating region active right now.
type RegionFunc func() record.Region

// Coordinator routes saves. Safe for concurrent use.
type Coordinator struct {
	local    LocalStore
	remote   RemoteStore
	caps     Capabilities
	guard    Guard
	fallback Fallback
	region   RegionFunc
	ids      ids.Generator
	clock    clock.Clock
	events   EventLog
	notifier notify.Notifier
	logger   *slog.Logger

	// draftMu makes the duplicate lookup and the following write atomic
	// with respect to other draft saves.
	draftMu sync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRemote enables remote writes of completed forms.
func WithRemote(r RemoteStore) Option { return func(c *Coordinator) { c.remote = r } }

// WithCapabilities consults and narrows cached backend availability.
func WithCapabilities(p Capabilities) Option { return func(c *Coordinator) { c.caps = p } }

// WithGuard runs the quota guard before local draft writes.
func WithGuard(g Guard) Option { return func(c *Coordinator) { c.guard = g } }

// WithFallback keeps records that no store would take.
func WithFallback(f Fallback) Option { return func(c *Coordinator) { c.fallback = f } }

// WithRegion stamps the active region on every save.
func WithRegion(fn RegionFunc) Option { return func(c *Coordinator) { c.region = fn } }

// WithIDs sets the generator for client ids on fallback paths.
func WithIDs(g ids.Generator) Option { return func(c *Coordinator) { c.ids = g } }

// WithClock sets the clock used to stamp lastModified.
func WithClock(cl clock.Clock) Option { return func(c *Coordinator) { c.clock = cl } }

// WithEventLog records outcomes in the submission event log.
func WithEventLog(l EventLog) Option { return func(c *Coordinator) { c.events = l } }

// WithNotifier reports user-visible outcomes.
func WithNotifier(n notify.Notifier) Option { return func(c *Coordinator) { c.notifier = n } }

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// New creates a Coordinator over the local store.
func New(local LocalStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		local:    local,
		ids:      ids.UUIDv7Generator{},
		clock:    clock.Real{},
		notifier: notify.Nop{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) available(ctx context.Context, b probe.Backend) bool {
	if b == probe.BackendRemote && c.remote == nil {
		return false
	}
	if c.caps == nil {
		return true
	}
	return c.caps.Available(ctx, b)
}

func (c *Coordinator) markDown(b probe.Backend, err error) {
	if c.caps != nil {
		c.caps.MarkUnavailable(b, err)
	}
}

// Save stores r as a draft or as a completed form. Completed forms go to
// the remote store only when it is currently marked available.
func (c *Coordinator) Save(ctx context.Context, r record.FormRecord, isDraft bool) (Result, error) {
	if isDraft {
		return c.SaveDraft(ctx, r)
	}
	return c.SaveCompleted(ctx, r, c.available(ctx, probe.BackendRemote))
}

// SaveDraft stores r in the local drafts collection. The lifecycle stays
// draft whatever happens. When no store will take the write the draft is
// kept in the fallback slot and the outcome is OutcomeFallback.
func (c *Coordinator) SaveDraft(ctx context.Context, r record.FormRecord) (Result, error) {
	r = r.Clone()
	r.Lifecycle = record.LifecycleDraft
	r.SubmissionStatus = record.StatusDraft
	if c.region != nil {
		r.ApplyRegion(c.region())
	}
	r.Touch(c.clock.Now())

	if !c.available(ctx, probe.BackendLocal) {
		return c.toFallback(ctx, r, errors.New("local store unavailable"))
	}

	c.draftMu.Lock()
	defer c.draftMu.Unlock()

	outcome := OutcomeUpdated
	if r.ID == 0 {
		dup, found, err := c.findDuplicate(ctx, r)
		if err != nil {
			return c.localFailure(ctx, r, err)
		}
		if found {
			r.ID = dup.ID
			r.CreatedAt = dup.CreatedAt
			outcome = OutcomeDeduplicated
		}
	}

	// Cleanup must not evict the row this save is about to update.
	keep := keepIDs(r.ID)
	if c.guard != nil {
		c.guard.Prepare(ctx, keep...)
	}

	res, err := c.writeLocal(ctx, store.Drafts, r, outcome)
	if store.IsQuotaExceeded(err) && c.guard != nil {
		c.logger.Warn("local store over quota, running emergency cleanup")
		if _, cerr := c.guard.EmergencyCleanup(ctx, keep...); cerr != nil {
			c.logger.Warn("emergency cleanup failed", "error", cerr)
		}
		res, err = c.writeLocal(ctx, store.Drafts, r, outcome)
	}
	if err != nil {
		return c.localFailure(ctx, r, err)
	}

	c.logEvent(ctx, record.EventDraftSaved, res.ID, string(res.Outcome), "")
	c.logger.Debug("draft saved", "id", res.ID, "outcome", res.Outcome)
	return res, nil
}

// keepIDs returns the non-zero draft ids a cleanup has to leave alone.
func keepIDs(ids ...int64) []int64 {
	var keep []int64
	for _, id := range ids {
		if id != 0 {
			keep = append(keep, id)
		}
	}
	return keep
}

// writeLocal updates r.ID when set, creating the row when it is missing,
// and creates otherwise.
func (c *Coordinator) writeLocal(ctx context.Context, coll store.Collection, r record.FormRecord, outcome Outcome) (Result, error) {
	if r.ID != 0 {
		err := c.local.Update(ctx, coll, r.ID, r)
		if err == nil {
			return Result{ID: r.ID, Outcome: outcome, Record: r}, nil
		}
		if !store.IsNotFound(err) {
			return Result{}, err
		}
		c.logger.Debug("record vanished, creating", "collection", coll, "id", r.ID)
	}
	id, err := c.local.Create(ctx, coll, r)
	if err != nil {
		return Result{}, err
	}
	r.ID = id
	return Result{ID: id, Outcome: OutcomeCreated, Record: r}, nil
}

// findDuplicate returns the earliest-created draft whose patient name or
// id number matches r.
func (c *Coordinator) findDuplicate(ctx context.Context, r record.FormRecord) (record.FormRecord, bool, error) {
	name, idNumber := identityKey(r.PatientName), identityKey(r.IDNumber)
	if name == "" && idNumber == "" {
		return record.FormRecord{}, false, nil
	}

	drafts, err := c.local.ListAll(ctx, store.Drafts)
	if err != nil {
		return record.FormRecord{}, false, err
	}

	var best record.FormRecord
	found := false
	for _, d := range drafts {
		match := (name != "" && identityKey(d.PatientName) == name) ||
			(idNumber != "" && identityKey(d.IDNumber) == idNumber)
		if !match {
			continue
		}
		if !found || d.CreatedAt.Before(best.CreatedAt) ||
			(d.CreatedAt.Equal(best.CreatedAt) && d.ID < best.ID) {
			best = d
			found = true
		}
	}
	return best, found, nil
}

// identityKey normalizes a name or id number for duplicate matching.
func identityKey(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return strings.ToLower(norm.NFC.String(s))
}

// localFailure handles a local write that failed even after cleanup. The
// record goes to the fallback slot; quota exhaustion is still reported as
// ErrStorageFull.
func (c *Coordinator) localFailure(ctx context.Context, r record.FormRecord, err error) (Result, error) {
	if store.IsQuotaExceeded(err) {
		res, ferr := c.toFallback(ctx, r, err)
		c.logEvent(ctx, record.EventStorageFull, r.ID, "", err.Error())
		c.notifier.Notify(ctx, notify.Notification{
			Level:   notify.LevelError,
			Title:   "storage full",
			Message: "Device storage is full. Export a backup and remove old drafts.",
		})
		if ferr != nil {
			return res, fmt.Errorf("%w: %v", ErrStorageFull, ferr)
		}
		return res, fmt.Errorf("%w: %v", ErrStorageFull, err)
	}
	c.markDown(probe.BackendLocal, err)
	c.logEvent(ctx, record.EventBackendDown, r.ID, string(probe.BackendLocal), err.Error())
	return c.toFallback(ctx, r, err)
}

// toFallback keeps r in the fallback slot. A record that never got a
// store id receives a client id so it can be recognised later.
func (c *Coordinator) toFallback(ctx context.Context, r record.FormRecord, cause error) (Result, error) {
	if c.fallback == nil {
		return Result{}, fmt.Errorf("save: %w", cause)
	}
	if r.ID == 0 && r.ClientID == "" {
		r.ClientID = c.ids.Generate()
	}
	if err := c.fallback.Save(r, c.clock.Now()); err != nil {
		return Result{}, fmt.Errorf("save: fallback failed after %v: %w", cause, err)
	}

	c.logger.Warn("record saved to fallback slot", "id", r.ID, "client_id", r.ClientID, "cause", cause)
	c.logEvent(ctx, record.EventDraftFallback, r.ID, string(OutcomeFallback), cause.Error())
	c.notifier.Notify(ctx, notify.Notification{
		Level:    notify.LevelWarning,
		Title:    "saved to fallback storage",
		Message:  "The form was kept on this device in temporary storage.",
		RecordID: r.ClientID,
	})
	return Result{ID: r.ID, ClientID: r.ClientID, Outcome: OutcomeFallback, Record: r}, nil
}

// SaveCompleted writes a completed form to the local forms collection and
// then, when tryRemote is set, to the remote store. The local write must
// succeed; a remote failure is reported in Result.RemoteErr and narrows
// the remote capability when it looks like a connectivity problem.
//
// On remote success the local copy is updated with the remote id, synced
// and submission status submitted.
func (c *Coordinator) SaveCompleted(ctx context.Context, r record.FormRecord, tryRemote bool) (Result, error) {
	if r.IsDraft() {
		return Result{}, ErrNotCompleted
	}
	r = r.Clone()
	r.Touch(c.clock.Now())

	res, err := c.writeLocal(ctx, store.Forms, r, OutcomeUpdated)
	if store.IsQuotaExceeded(err) && c.guard != nil {
		// The submitted draft is only deleted once the form is stored.
		if _, cerr := c.guard.EmergencyCleanup(ctx, keepIDs(r.DraftID)...); cerr != nil {
			c.logger.Warn("emergency cleanup failed", "error", cerr)
		}
		res, err = c.writeLocal(ctx, store.Forms, r, OutcomeUpdated)
	}
	if err != nil {
		// The completed form must not be lost even though the save fails.
		if c.fallback != nil {
			if ferr := c.fallback.Save(r, c.clock.Now()); ferr != nil {
				c.logger.Error("fallback save failed", "error", ferr)
			}
		}
		if store.IsQuotaExceeded(err) {
			c.logEvent(ctx, record.EventStorageFull, r.ID, "", err.Error())
			return Result{}, fmt.Errorf("%w: %v", ErrStorageFull, err)
		}
		c.markDown(probe.BackendLocal, err)
		return Result{}, fmt.Errorf("save completed form: %w", err)
	}

	if !tryRemote {
		res.RemoteErr = &remote.Error{Code: remote.ErrCodeUnreachable, Op: "create", Err: errors.New("remote unavailable")}
		return res, nil
	}

	remoteID, err := c.PushRemote(ctx, res.Record, record.StatusSubmitted)
	if err != nil {
		res.RemoteErr = err
		return res, nil
	}

	res.RemoteID = remoteID
	res.Synced = true
	res.Record.RemoteID = remoteID
	res.Record.Synced = true
	res.Record.SubmissionStatus = record.StatusSubmitted
	if err := c.local.Update(ctx, store.Forms, res.ID, res.Record); err != nil {
		c.logger.Warn("local form not marked synced", "id", res.ID, "error", err)
	}
	return res, nil
}

// PushRemote writes a completed form to the remote forms table with the
// given submission status and returns its remote id. An existing remote id
// is updated in place; a missing one is created. Connectivity failures
// mark the remote backend unavailable.
func (c *Coordinator) PushRemote(ctx context.Context, r record.FormRecord, status record.SubmissionStatus) (string, error) {
	if c.remote == nil {
		return "", &remote.Error{Code: remote.ErrCodeUnreachable, Op: "create", Err: errors.New("no remote store configured")}
	}
	out := r.Clone()
	out.SubmissionStatus = status
	out.Synced = true

	id := out.RemoteID
	var err error
	if id != "" {
		err = c.remote.Update(ctx, remote.Forms, id, out)
		if remote.IsNotFound(err) {
			id = ""
		}
	}
	if id == "" {
		id, err = c.remote.Create(ctx, remote.Forms, out)
	}
	if err != nil {
		if remote.IsUnreachable(err) {
			c.markDown(probe.BackendRemote, err)
		}
		c.logEvent(ctx, record.EventRemoteWriteFailed, r.ID, string(r.SubmissionStatus), err.Error())
		c.logger.Warn("remote write failed", "id", r.ID, "fingerprint", r.SubmissionFingerprint, "error", err)
		return "", err
	}
	return id, nil
}

func (c *Coordinator) logEvent(ctx context.Context, name string, id int64, status, msg string) {
	if c.events == nil {
		return
	}
	e := record.Event{Name: name, Status: status, Message: msg}
	if id != 0 {
		e.RecordID = strconv.FormatInt(id, 10)
	}
	if err := c.events.AppendEvent(ctx, e); err != nil {
		c.logger.Warn("event log write failed", "event", name, "error", err)
	}
}
