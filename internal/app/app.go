// Package app wires the formsync components into one unit for the CLI and
// for embedding callers.
//
// Open builds every component from a Config, probes both backends, purges
// expired queue entries and moves any record left in the fallback slot back
// into the local store. Run drives the retry sweeper until its context ends.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/roach88/formsync/internal/backup"
	"github.com/roach88/formsync/internal/clock"
	"github.com/roach88/formsync/internal/codec"
	"github.com/roach88/formsync/internal/config"
	"github.com/roach88/formsync/internal/fallback"
	"github.com/roach88/formsync/internal/ids"
	"github.com/roach88/formsync/internal/migrate"
	"github.com/roach88/formsync/internal/notify"
	"github.com/roach88/formsync/internal/probe"
	"github.com/roach88/formsync/internal/queue"
	"github.com/roach88/formsync/internal/quota"
	"github.com/roach88/formsync/internal/record"
	"github.com/roach88/formsync/internal/remote"
	"github.com/roach88/formsync/internal/save"
	"github.com/roach88/formsync/internal/store"
	"github.com/roach88/formsync/internal/submit"
	"github.com/roach88/formsync/internal/validate"
)

// App holds the wired components. Fields are exported for the CLI; they
// must not be replaced after Open.
type App struct {
	Config    config.Config
	Store     *store.Store
	Remote    *remote.Client
	Prober    *probe.Prober
	Fallback  *fallback.Slot
	Guard     *quota.Guard
	Exporter  *backup.Exporter
	Saver     *save.Coordinator
	Validator *validate.Validator
	Queue     *queue.Queue
	Syncer    *queue.Syncer
	Submitter *submit.Orchestrator

	logger  *slog.Logger
	closers []io.Closer
}

// Option configures Open.
type Option func(*options)

type options struct {
	backend  remote.Backend
	clock    clock.Clock
	ids      ids.Generator
	notifier notify.Notifier
	logger   *slog.Logger
}

// WithRemoteBackend uses b instead of the backend named by the config.
func WithRemoteBackend(b remote.Backend) Option { return func(o *options) { o.backend = b } }

// WithClock sets the clock for every component.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithIDs sets the generator for queue entry and client ids.
func WithIDs(g ids.Generator) Option { return func(o *options) { o.ids = g } }

// WithNotifier adds a user-facing notification sink. Notifications are
// always logged as well.
func WithNotifier(n notify.Notifier) Option { return func(o *options) { o.notifier = n } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// Open builds an App from cfg.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	o := options{clock: clock.Real{}, ids: ids.UUIDv7Generator{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	notifier := notify.Notifier(notify.Slog{Logger: o.logger})
	if o.notifier != nil {
		notifier = notify.Multi{notifier, o.notifier}
	}

	a := &App{Config: cfg, logger: o.logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	secret, err := codec.LoadOrCreateKey(cfg.KeyPath)
	if err != nil {
		return nil, err
	}
	c, err := codec.New(secret)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	a.Store, err = store.Open(cfg.Store.Path,
		store.WithCodec(c),
		store.WithClock(o.clock),
		store.WithLogger(o.logger),
		store.WithMaxBytes(cfg.Store.MaxBytes),
	)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Store)

	backend, err := a.openBackend(ctx, o.backend)
	if err != nil {
		return nil, err
	}
	var remoteChecker probe.Checker
	if backend != nil {
		a.Remote = remote.New(backend,
			remote.WithCodec(c),
			remote.WithClock(o.clock),
			remote.WithLogger(o.logger),
			remote.WithTimeout(cfg.Remote.Timeout),
		)
		remoteChecker = a.Remote
	}

	a.Prober = probe.New(a.Store, remoteChecker,
		probe.WithClock(o.clock),
		probe.WithTimeout(cfg.Probe.Timeout),
		probe.WithRefreshInterval(cfg.Probe.RefreshInterval),
		probe.WithLogger(o.logger),
	)
	a.Fallback = fallback.New(cfg.Fallback, c)
	a.Exporter = backup.New(a.Store, cfg.Backups,
		backup.WithCodec(c),
		backup.WithClock(o.clock),
		backup.WithLogger(o.logger),
	)
	a.Guard = quota.New(a.Store,
		quota.WithBackup(a.Exporter),
		quota.WithEventLog(a.Store),
		quota.WithClock(o.clock),
		quota.WithLogger(o.logger),
		quota.WithThresholds(cfg.Quota.NearCapacity, cfg.Quota.EmergencyTarget),
	)

	region := a.Region
	saveOpts := []save.Option{
		save.WithCapabilities(a.Prober),
		save.WithGuard(a.Guard),
		save.WithFallback(a.Fallback),
		save.WithRegion(region),
		save.WithIDs(o.ids),
		save.WithClock(o.clock),
		save.WithEventLog(a.Store),
		save.WithNotifier(notifier),
		save.WithLogger(o.logger),
	}
	if a.Remote != nil {
		saveOpts = append(saveOpts, save.WithRemote(a.Remote))
	}
	a.Saver = save.New(a.Store, saveOpts...)

	var vopts []validate.Option
	if cfg.Schema != "" {
		src, err := os.ReadFile(cfg.Schema)
		if err != nil {
			return nil, fmt.Errorf("read schema: %w", err)
		}
		vopts = append(vopts, validate.WithSchema(filepath.Base(cfg.Schema), string(src)))
	}
	a.Validator, err = validate.New(vopts...)
	if err != nil {
		return nil, err
	}

	a.Queue = queue.New(a.Store,
		queue.WithClock(o.clock),
		queue.WithIDs(o.ids),
		queue.WithMaxRetries(cfg.Queue.MaxRetries),
		queue.WithLogger(o.logger),
	)
	a.Syncer = queue.NewSyncer(a.Queue, a.Saver, a.Store,
		queue.WithReachability(a.Prober),
		queue.WithEventLog(a.Store),
		queue.WithNotifier(notifier),
		queue.WithSyncerClock(o.clock),
		queue.WithSyncerLogger(o.logger),
		queue.WithInterval(cfg.Queue.SweepInterval),
	)
	a.Prober.OnRemoteRestored(a.Syncer.Trigger)

	a.Submitter = submit.New(submit.Deps{
		Validator:    a.Validator,
		Migrator:     migrate.Default(),
		Connectivity: a.Prober,
		Writer:       a.Saver,
		Queue:        a.Queue,
		Drafts:       a.Store,
	},
		submit.WithRegion(region),
		submit.WithEventLog(a.Store),
		submit.WithNotifier(notifier),
		submit.WithClock(o.clock),
		submit.WithLogger(o.logger),
	)

	caps := a.Prober.Probe(ctx)
	o.logger.Info("backends probed", "local", caps.LocalAvailable, "remote", caps.RemoteAvailable)

	purged, err := a.Queue.Load(ctx)
	if err != nil {
		return nil, err
	}
	if purged > 0 {
		a.logEvent(ctx, record.Event{Name: record.EventQueueGC, Status: "purged", Message: strconv.Itoa(purged)})
	}

	if caps.LocalAvailable {
		if _, err := a.RecoverFallback(ctx); err != nil {
			o.logger.Warn("fallback record not recovered", "error", err)
		}
	}

	ok = true
	return a, nil
}

// openBackend returns the injected backend or the one the config names.
// A nil backend means local-only operation.
func (a *App) openBackend(ctx context.Context, injected remote.Backend) (remote.Backend, error) {
	if injected != nil {
		return injected, nil
	}
	cfg := a.Config.Remote
	switch cfg.Driver {
	case config.DriverREST:
		return remote.NewREST(cfg.URL, cfg.APIKey), nil
	case config.DriverPostgres:
		// Opening does not connect, so an unreachable server does not
		// stop the app from starting offline.
		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open remote: %w", err)
		}
		a.closers = append(a.closers, db)
		pg := remote.NewPostgres(db)
		mctx, cancel := context.WithTimeout(ctx, a.Config.Probe.Timeout)
		defer cancel()
		if err := pg.Migrate(mctx); err != nil {
			a.logger.Warn("remote schema not applied", "error", err)
		}
		return pg, nil
	}
	return nil, nil
}

// Region returns the configured operating region.
func (a *App) Region() record.Region {
	r := a.Config.Region
	return record.Region{
		Code:             r.Code,
		Name:             r.Name,
		PractitionerName: r.PractitionerName,
		PracticeNumber:   r.PracticeNumber,
	}
}

// SaveDraft stores r as a draft.
func (a *App) SaveDraft(ctx context.Context, r record.FormRecord) (save.Result, error) {
	return a.Saver.SaveDraft(ctx, r)
}

// Submit submits r.
func (a *App) Submit(ctx context.Context, r record.FormRecord) (submit.Outcome, error) {
	return a.Submitter.Submit(ctx, r)
}

// Run sweeps the queue until ctx ends.
func (a *App) Run(ctx context.Context) error {
	err := a.Syncer.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RecoverFallback moves the record held in the fallback slot back into the
// local store. Drafts are saved as drafts; completed forms are stored and
// queued, and the draft they came from is deleted. The slot is cleared only after the record is stored.
func (a *App) RecoverFallback(ctx context.Context) (bool, error) {
	entry, ok, err := a.Fallback.Load()
	if err != nil || !ok {
		return false, err
	}

	r := entry.Record
	if r.IsDraft() {
		res, err := a.Saver.SaveDraft(ctx, r)
		if err != nil {
			return false, err
		}
		if res.Outcome == save.OutcomeFallback {
			return false, errors.New("recover fallback: local store unavailable")
		}
	} else {
		res, err := a.Saver.SaveCompleted(ctx, r, false)
		if err != nil {
			return false, err
		}
		if _, err := a.Queue.Enqueue(ctx, res.Record); err != nil {
			return false, err
		}
		if r.DraftID != 0 {
			if err := a.Store.Delete(ctx, store.Drafts, r.DraftID); err != nil && !store.IsNotFound(err) {
				return false, fmt.Errorf("recover fallback: delete draft %d: %w", r.DraftID, err)
			}
		}
	}

	if err := a.Fallback.Clear(); err != nil {
		return true, err
	}
	a.logger.Info("fallback record recovered", "client_id", r.ClientID, "saved_at", entry.SavedAt)
	return true, nil
}

// QueueSummary counts queue entries by status.
type QueueSummary struct {
	Pending  int `json:"pending"`
	Retrying int `json:"retrying"`
	Failed   int `json:"failed"`
}

// Status is a point-in-time view for operators.
type Status struct {
	Capabilities probe.Capabilities `json:"capabilities"`
	Drafts       int                `json:"drafts"`
	Forms        int                `json:"forms"`
	Queue        QueueSummary       `json:"queue"`
	Usage        store.Usage        `json:"usage"`
	NearCapacity bool               `json:"near_capacity"`
	Fallback     bool               `json:"fallback_pending"`
}

// Status reports backend availability and local counts.
func (a *App) Status(ctx context.Context) (Status, error) {
	st := Status{Capabilities: a.Prober.Probe(ctx)}
	var err error
	if st.Drafts, err = a.Store.Count(ctx, store.Drafts); err != nil {
		return Status{}, err
	}
	if st.Forms, err = a.Store.Count(ctx, store.Forms); err != nil {
		return Status{}, err
	}
	if st.Usage, err = a.Store.Usage(ctx); err != nil {
		return Status{}, err
	}
	st.NearCapacity = a.Guard.IsNearCapacity(ctx)

	entries, err := a.Queue.List(ctx)
	if err != nil {
		return Status{}, err
	}
	for _, e := range entries {
		switch e.Status {
		case record.QueuePending:
			st.Queue.Pending++
		case record.QueueRetrying:
			st.Queue.Retrying++
		case record.QueueFailed:
			st.Queue.Failed++
		}
	}

	_, st.Fallback, err = a.Fallback.Load()
	if err != nil {
		return Status{}, err
	}
	return st, nil
}

func (a *App) logEvent(ctx context.Context, e record.Event) {
	if err := a.Store.AppendEvent(ctx, e); err != nil {
		a.logger.Warn("event log write failed", "event", e.Name, "error", err)
	}
}

// Close releases the store and any remote connection pool.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
