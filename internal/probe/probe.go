// Package probe tracks which storage backends are currently usable.
//
// The Prober is process-scoped state with an explicit lifecycle: it is
// filled by Probe at startup, narrowed by MarkUnavailable when an operation
// against a backend fails, and widened again only by a successful check.
// A backend marked down is not re-checked on every call; Available re-probes
// it at most once per refresh interval.
package probe

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/formsync/internal/clock"
)

// Backend identifies a storage target.
type Backend string

const (
	BackendLocal  Backend = "local"
	BackendRemote Backend = "remote"
)

// Checker performs a lightweight availability check.
// The local store implements it with a trivial count query, the remote
// store with a reachability request that touches no data.
type Checker interface {
	Ping(ctx context.Context) error
}

// Capabilities is a snapshot of backend availability.
type Capabilities struct {
	RemoteAvailable bool      `json:"remote_available"`
	LocalAvailable  bool      `json:"local_available"`
	CheckedAt       time.Time `json:"checked_at"`
}

// Defaults.
const (
	DefaultTimeout         = 5 * time.Second
	DefaultRefreshInterval = 30 * time.Second
)

type backendState struct {
	checker     Checker
	available   bool
	lastChecked time.Time
	lastErr     error
}

// Prober holds cached availability. Safe for concurrent use.
type Prober struct {
	mu       sync.Mutex
	backends map[Backend]*backendState
	clock    clock.Clock
	timeout  time.Duration
	refresh  time.Duration
	logger   *slog.Logger

	onRestored []func()
}

// Option configures a Prober.
type Option func(*Prober)

// WithClock sets the clock used to schedule re-probes.
func WithClock(c clock.Clock) Option {
	return func(p *Prober) { p.clock = c }
}

// WithTimeout bounds every individual check.
func WithTimeout(d time.Duration) Option {
	return func(p *Prober) { p.timeout = d }
}

// WithRefreshInterval sets how long a down backend stays down before
// Available checks it again.
func WithRefreshInterval(d time.Duration) Option {
	return func(p *Prober) { p.refresh = d }
}

// WithLogger sets the logger for availability changes.
func WithLogger(l *slog.Logger) Option {
	return func(p *Prober) { p.logger = l }
}

// New creates a Prober. A nil checker marks that backend as permanently
// unavailable (for example no remote is configured).
func New(local, remote Checker, opts ...Option) *Prober {
	p := &Prober{
		backends: map[Backend]*backendState{
			BackendLocal:  {checker: local},
			BackendRemote: {checker: remote},
		},
		clock:   clock.Real{},
		timeout: DefaultTimeout,
		refresh: DefaultRefreshInterval,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnRemoteRestored registers fn to run after a check finds the remote
// available when it was previously unavailable. fn runs on the checking
// goroutine after the lock is released.
func (p *Prober) OnRemoteRestored(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRestored = append(p.onRestored, fn)
}

// Probe checks both backends now and returns the fresh snapshot.
func (p *Prober) Probe(ctx context.Context) Capabilities {
	p.check(ctx, BackendLocal)
	p.check(ctx, BackendRemote)
	return p.Current()
}

// Current returns the cached snapshot without any I/O.
func (p *Prober) Current() Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()

	local := p.backends[BackendLocal]
	remote := p.backends[BackendRemote]
	checked := local.lastChecked
	if remote.lastChecked.After(checked) {
		checked = remote.lastChecked
	}
	return Capabilities{
		LocalAvailable:  local.available,
		RemoteAvailable: remote.available,
		CheckedAt:       checked,
	}
}

// Available reports cached availability of b. A backend that is down and
// has not been checked within the refresh interval is checked again first.
func (p *Prober) Available(ctx context.Context, b Backend) bool {
	p.mu.Lock()
	st := p.backends[b]
	if st.available {
		p.mu.Unlock()
		return true
	}
	due := st.checker != nil && p.clock.Now().Sub(st.lastChecked) >= p.refresh
	p.mu.Unlock()

	if !due {
		return false
	}
	return p.check(ctx, b)
}

// RemoteReachable performs a fresh reachability check regardless of the
// cached state. Used immediately before a submission write, where state
// cached seconds earlier cannot be trusted.
func (p *Prober) RemoteReachable(ctx context.Context) bool {
	return p.check(ctx, BackendRemote)
}

// MarkUnavailable narrows the cached state after an operation against b
// failed. The backend stays down until a later successful check.
func (p *Prober) MarkUnavailable(b Backend, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.backends[b]
	if st.available {
		p.logger.Warn("backend marked unavailable", "backend", b, "error", err)
	}
	st.available = false
	st.lastErr = err
	st.lastChecked = p.clock.Now()
}

// LastError returns the error that last marked b unavailable, if any.
func (p *Prober) LastError(b Backend) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backends[b].lastErr
}

// check runs the checker for b with a bounded timeout and records the
// result. Returns the new availability.
func (p *Prober) check(ctx context.Context, b Backend) bool {
	p.mu.Lock()
	st := p.backends[b]
	checker := st.checker
	p.mu.Unlock()

	var err error
	if checker == nil {
		err = errNotConfigured
	} else {
		cctx, cancel := context.WithTimeout(ctx, p.timeout)
		err = checker.Ping(cctx)
		cancel()
	}

	p.mu.Lock()
	was := st.available
	st.available = err == nil
	st.lastErr = err
	st.lastChecked = p.clock.Now()
	var restored []func()
	if b == BackendRemote && !was && st.available {
		restored = append(restored, p.onRestored...)
	}
	p.mu.Unlock()

	if err != nil && was {
		p.logger.Warn("backend check failed", "backend", b, "error", err)
	}
	if err == nil && !was {
		p.logger.Info("backend available", "backend", b)
	}
	for _, fn := range restored {
		fn()
	}
	return err == nil
}

type probeError string

func (e probeError) Error() string { return string(e) }

const errNotConfigured probeError = "backend not configured"
