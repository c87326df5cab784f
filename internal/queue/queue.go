// Package queue holds completed forms whose remote write has not yet
// succeeded and decides when each may be retried.
//
// The queue is the only place retry timing is computed. Entries are kept
// in the local store, so they survive restarts. Each entry owns a snapshot
// of the form taken at enqueue time.
//
// Lifecycle of an entry:
//
//	pending --IncrementRetry--> retrying --...--> failed (retryCount >= maxRetries)
//	   ^                                             |
//	   +---------------- ForceRetryNow --------------+
//
// Dequeue removes an entry in any state.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/formsync/internal/clock"
	"github.com/roach88/formsync/internal/ids"
	"github.com/roach88/formsync/internal/record"
	"github.com/roach88/formsync/internal/store"
)

// Backoff is the delay before each attempt, indexed by retry count. The
// last value repeats once the count passes the end.
var Backoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// Defaults.
const (
	DefaultMaxRetries = 5
	FailedRetention   = 7 * 24 * time.Hour
)

// ErrNotFound is returned for operations on an unknown entry id.
var ErrNotFound = errors.New("queue entry not found")

// Storage persists queue entries.
type Storage interface {
	PutQueued(ctx context.Context, q record.QueuedSubmission) error
	GetQueued(ctx context.Context, id string) (record.QueuedSubmission, error)
	ListQueued(ctx context.Context) ([]record.QueuedSubmission, error)
	DeleteQueued(ctx context.Context, id string) error
}

// BackoffFor returns the delay for an entry that has been retried
// retryCount times.
func BackoffFor(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(Backoff) {
		retryCount = len(Backoff) - 1
	}
	return Backoff[retryCount]
}

// Queue is the submission queue. Safe for concurrent use.
type Queue struct {
	mu         sync.Mutex
	storage    Storage
	clock      clock.Clock
	ids        ids.Generator
	maxRetries int
	logger     *slog.Logger
	loaded     bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the clock used for retry timing.
func WithClock(c clock.Clock) Option { return func(q *Queue) { q.clock = c } }

// WithIDs sets the entry id generator.
func WithIDs(g ids.Generator) Option { return func(q *Queue) { q.ids = g } }

// WithMaxRetries sets maxRetries for new entries.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(q *Queue) { q.logger = l } }

// New creates a Queue over s.
func New(s Storage, opts ...Option) *Queue {
	q := &Queue{
		storage:    s,
		clock:      clock.Real{},
		ids:        ids.UUIDv7Generator{},
		maxRetries: DefaultMaxRetries,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Load purges failed entries created more than FailedRetention ago and
// returns how many were removed. It runs once, before the first other
// operation, unless called explicitly.
func (q *Queue) Load(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

func (q *Queue) load(ctx context.Context) (int, error) {
	entries, err := q.storage.ListQueued(ctx)
	if err != nil {
		return 0, fmt.Errorf("load queue: %w", err)
	}
	cutoff := q.clock.Now().Add(-FailedRetention)
	purged := 0
	for _, e := range entries {
		if e.Status != record.QueueFailed || !e.CreatedAt.Before(cutoff) {
			continue
		}
		if err := q.storage.DeleteQueued(ctx, e.ID); err != nil {
			return purged, fmt.Errorf("purge queue entry %s: %w", e.ID, err)
		}
		purged++
	}
	q.loaded = true
	if purged > 0 {
		q.logger.Info("purged failed queue entries", "count", purged)
	}
	return purged, nil
}

func (q *Queue) ensureLoaded(ctx context.Context) error {
	if q.loaded {
		return nil
	}
	_, err := q.load(ctx)
	return err
}

// Enqueue adds a snapshot of the completed form r. If a live entry for the
// same form id or the same payload already exists it is returned instead.
func (q *Queue) Enqueue(ctx context.Context, r record.FormRecord) (record.QueuedSubmission, error) {
	hash, err := record.PayloadHash(r)
	if err != nil {
		return record.QueuedSubmission{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensureLoaded(ctx); err != nil {
		return record.QueuedSubmission{}, err
	}

	entries, err := q.storage.ListQueued(ctx)
	if err != nil {
		return record.QueuedSubmission{}, fmt.Errorf("enqueue: %w", err)
	}
	for _, e := range entries {
		if e.Status == record.QueueFailed {
			continue
		}
		if (r.ID != 0 && e.FormID == r.ID) || e.PayloadHash == hash {
			q.logger.Debug("form already queued", "entry", e.ID, "form_id", r.ID)
			return e, nil
		}
	}

	now := q.clock.Now()
	entry := record.QueuedSubmission{
		ID:          q.ids.Generate(),
		FormID:      r.ID,
		Data:        r.Clone(),
		PayloadHash: hash,
		Status:      record.QueuePending,
		MaxRetries:  q.maxRetries,
		CreatedAt:   now,
		NextRetry:   now.Add(BackoffFor(0)),
	}
	if err := q.storage.PutQueued(ctx, entry); err != nil {
		return record.QueuedSubmission{}, fmt.Errorf("enqueue: %w", err)
	}
	q.logger.Info("submission queued", "entry", entry.ID, "form_id", r.ID, "fingerprint", r.SubmissionFingerprint)
	return entry, nil
}

// Dequeue removes an entry. Unknown ids are ignored.
func (q *Queue) Dequeue(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.storage.DeleteQueued(ctx, id); err != nil {
		return fmt.Errorf("dequeue %s: %w", id, err)
	}
	return nil
}

// Get returns one entry or ErrNotFound.
func (q *Queue) Get(ctx context.Context, id string) (record.QueuedSubmission, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.get(ctx, id)
}

func (q *Queue) get(ctx context.Context, id string) (record.QueuedSubmission, error) {
	e, err := q.storage.GetQueued(ctx, id)
	if store.IsNotFound(err) {
		return record.QueuedSubmission{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return record.QueuedSubmission{}, err
	}
	return e, nil
}

// List returns every entry, oldest first.
func (q *Queue) List(ctx context.Context) ([]record.QueuedSubmission, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	return q.storage.ListQueued(ctx)
}

// ListReadyForRetry returns the entries that are not failed, have retries
// left and whose nextRetry is not after now.
func (q *Queue) ListReadyForRetry(ctx context.Context, now time.Time) ([]record.QueuedSubmission, error) {
	all, err := q.List(ctx)
	if err != nil {
		return nil, err
	}
	ready := make([]record.QueuedSubmission, 0, len(all))
	for _, e := range all {
		if e.ReadyAt(now) {
			ready = append(ready, e)
		}
	}
	return ready, nil
}

// IncrementRetry records a failed attempt. The entry becomes failed once
// its retry count reaches maxRetries and retrying otherwise. ok is false
// when the entry no longer exists, which is not an error: a concurrent
// sweep may already have removed it.
func (q *Queue) IncrementRetry(ctx context.Context, id string) (e record.QueuedSubmission, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err = q.get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return record.QueuedSubmission{}, false, nil
	}
	if err != nil {
		return record.QueuedSubmission{}, false, err
	}

	now := q.clock.Now()
	e.RetryCount++
	e.LastAttempt = now
	e.NextRetry = now.Add(BackoffFor(e.RetryCount))
	if e.RetryCount >= e.MaxRetries {
		e.Status = record.QueueFailed
	} else {
		e.Status = record.QueueRetrying
	}

	if err := q.storage.PutQueued(ctx, e); err != nil {
		return record.QueuedSubmission{}, false, fmt.Errorf("increment retry %s: %w", id, err)
	}
	q.logger.Debug("retry recorded", "entry", id, "retry_count", e.RetryCount, "status", e.Status, "next_retry", e.NextRetry)
	return e, true, nil
}

// ForceRetryNow makes an entry ready immediately. A failed entry is
// revived as pending with its retry count reset.
func (q *Queue) ForceRetryNow(ctx context.Context, id string) (record.QueuedSubmission, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.get(ctx, id)
	if err != nil {
		return record.QueuedSubmission{}, err
	}
	e.NextRetry = q.clock.Now()
	if e.Status == record.QueueFailed {
		e.Status = record.QueuePending
		e.RetryCount = 0
	}
	if err := q.storage.PutQueued(ctx, e); err != nil {
		return record.QueuedSubmission{}, fmt.Errorf("force retry %s: %w", id, err)
	}
	return e, nil
}
