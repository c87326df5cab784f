// Package quota keeps the local store below its storage cap by evicting
// drafts. Completed forms and queue entries are never evicted.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/formsync/internal/clock"
	"github.com/roach88/formsync/internal/record"
	"github.com/roach88/formsync/internal/store"
)

// Defaults.
const (
	NearCapacityRatio    = 0.85
	EmergencyTargetRatio = 0.70
	DefaultMaxAge        = 30 * 24 * time.Hour
)

// Storage is the part of the local store the guard needs.
type Storage interface {
	Usage(ctx context.Context) (store.Usage, error)
	DraftsOldestFirst(ctx context.Context) ([]store.DraftMeta, error)
	Delete(ctx context.Context, c store.Collection, id int64) error
}

// Backuper writes a recovery copy of every draft and returns where it went.
type Backuper interface {
	BackupDrafts(ctx context.Context) (string, error)
}

// EventLog receives diagnostic events.
type EventLog interface {
	AppendEvent(ctx context.Context, e record.Event) error
}

// Result reports what a cleanup removed.
type Result struct {
	DeletedCount int    `json:"deleted_count"`
	FreedBytes   int64  `json:"freed_bytes"`
	BackupPath   string `json:"backup_path,omitempty"`
}

// Guard evicts drafts when the local store nears its cap.
type Guard struct {
	storage Storage
	backup  Backuper
	events  EventLog
	clock   clock.Clock
	logger  *slog.Logger
	near    float64
	target  float64
}

// Option configures a Guard.
type Option func(*Guard)

// WithBackup writes a draft backup before any emergency eviction.
func WithBackup(b Backuper) Option {
	return func(g *Guard) { g.backup = b }
}

// WithEventLog records cleanups in the submission event log.
func WithEventLog(l EventLog) Option {
	return func(g *Guard) { g.events = l }
}

// WithClock sets the clock used to age drafts.
func WithClock(c clock.Clock) Option {
	return func(g *Guard) { g.clock = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// WithThresholds overrides the near-capacity and emergency target ratios.
func WithThresholds(near, target float64) Option {
	return func(g *Guard) {
		g.near = near
		g.target = target
	}
}

// New creates a Guard over s.
func New(s Storage, opts ...Option) *Guard {
	g := &Guard{
		storage: s,
		clock:   clock.Real{},
		logger:  slog.Default(),
		near:    NearCapacityRatio,
		target:  EmergencyTargetRatio,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) ratio(ctx context.Context) (float64, error) {
	u, err := g.storage.Usage(ctx)
	if err != nil {
		return 0, err
	}
	return u.Ratio(), nil
}

// IsNearCapacity reports whether usage is above the near-capacity ratio.
// An unreadable usage counts as not near capacity.
func (g *Guard) IsNearCapacity(ctx context.Context) bool {
	r, err := g.ratio(ctx)
	if err != nil {
		g.logger.Warn("storage usage unavailable", "error", err)
		return false
	}
	return r > g.near
}

// CleanupOldest deletes drafts last modified more than maxAge ago, oldest
// first. A non-positive maxAge means DefaultMaxAge. Drafts whose id is in
// keep are never deleted.
func (g *Guard) CleanupOldest(ctx context.Context, maxAge time.Duration, keep ...int64) (Result, error) {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	cutoff := g.clock.Now().Add(-maxAge)

	metas, err := g.storage.DraftsOldestFirst(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("cleanup oldest: %w", err)
	}

	var res Result
	for _, m := range metas {
		if !m.LastModified.Before(cutoff) {
			break
		}
		if slices.Contains(keep, m.ID) {
			continue
		}
		if err := g.storage.Delete(ctx, store.Drafts, m.ID); err != nil {
			return res, fmt.Errorf("cleanup oldest: %w", err)
		}
		res.DeletedCount++
		res.FreedBytes += m.Size
	}

	if res.DeletedCount > 0 {
		g.logger.Info("old drafts removed", "deleted", res.DeletedCount, "freed_bytes", res.FreedBytes, "max_age", maxAge)
		g.logEvent(ctx, "cleanup_oldest", res)
	}
	return res, nil
}

// EmergencyCleanup deletes drafts oldest first, regardless of age, until
// usage drops below the target ratio or no drafts remain. When a Backuper
// is configured every draft is backed up first; a failed backup aborts the
// cleanup before anything is deleted. Drafts whose id is in keep are
// skipped.
func (g *Guard) EmergencyCleanup(ctx context.Context, keep ...int64) (Result, error) {
	var res Result
	if g.backup != nil {
		path, err := g.backup.BackupDrafts(ctx)
		if err != nil {
			return res, fmt.Errorf("emergency cleanup: backup: %w", err)
		}
		res.BackupPath = path
	}

	metas, err := g.storage.DraftsOldestFirst(ctx)
	if err != nil {
		return res, fmt.Errorf("emergency cleanup: %w", err)
	}

	for _, m := range metas {
		if slices.Contains(keep, m.ID) {
			continue
		}
		r, err := g.ratio(ctx)
		if err != nil {
			return res, fmt.Errorf("emergency cleanup: %w", err)
		}
		if r < g.target {
			break
		}
		if err := g.storage.Delete(ctx, store.Drafts, m.ID); err != nil {
			return res, fmt.Errorf("emergency cleanup: %w", err)
		}
		res.DeletedCount++
		res.FreedBytes += m.Size
	}

	g.logger.Warn("emergency draft cleanup", "deleted", res.DeletedCount, "freed_bytes", res.FreedBytes, "backup", res.BackupPath)
	g.logEvent(ctx, "emergency", res)
	return res, nil
}

// Prepare runs before a local draft write. Near capacity it removes stale
// drafts, and if that is not enough, runs EmergencyCleanup. Cleanup errors
// are logged; the write is attempted regardless. The drafts in keep belong
// to the write and are never evicted by it.
func (g *Guard) Prepare(ctx context.Context, keep ...int64) Result {
	if !g.IsNearCapacity(ctx) {
		return Result{}
	}
	res, err := g.CleanupOldest(ctx, DefaultMaxAge, keep...)
	if err != nil {
		g.logger.Warn("draft cleanup failed", "error", err)
	}
	if !g.IsNearCapacity(ctx) {
		return res
	}
	em, err := g.EmergencyCleanup(ctx, keep...)
	if err != nil {
		g.logger.Warn("emergency cleanup failed", "error", err)
	}
	res.DeletedCount += em.DeletedCount
	res.FreedBytes += em.FreedBytes
	res.BackupPath = em.BackupPath
	return res
}

func (g *Guard) logEvent(ctx context.Context, kind string, res Result) {
	if g.events == nil {
		return
	}
	err := g.events.AppendEvent(ctx, record.Event{
		Name:    record.EventQuotaCleanup,
		Status:  kind,
		Message: fmt.Sprintf("deleted %d drafts, freed %d bytes", res.DeletedCount, res.FreedBytes),
	})
	if err != nil {
		g.logger.Warn("event log write failed", "error", err)
	}
}
