package remote

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/formsync/internal/clock"
	"github.com/roach88/formsync/internal/codec"
	"github.com/roach88/formsync/internal/record"
)

// Table names one of the remote tables.
type Table string

const (
	Forms  Table = "consent_forms"
	Drafts Table = "form_drafts"
)

func (t Table) valid() bool { return t == Forms || t == Drafts }

// DefaultTimeout bounds every remote call made through a Client.
const DefaultTimeout = 10 * time.Second

// Row is the remote representation of a record. The indexed columns are
// copied out of Data on every write.
type Row struct {
	ID                    string            `json:"id,omitempty"`
	SubmissionFingerprint string            `json:"submission_fingerprint,omitempty"`
	RegionCode            string            `json:"region_code"`
	SubmissionStatus      string            `json:"submission_status"`
	CreatedAt             time.Time         `json:"created_at"`
	LastModified          time.Time         `json:"last_modified"`
	Data                  record.FormRecord `json:"data"`
}

func rowFor(r record.FormRecord) Row {
	return Row{
		SubmissionFingerprint: r.SubmissionFingerprint,
		RegionCode:            r.RegionCode,
		SubmissionStatus:      string(r.SubmissionStatus),
		CreatedAt:             r.CreatedAt,
		LastModified:          r.LastModified,
		Data:                  r,
	}
}

// Backend stores rows. Implementations return *Error for classified
// failures; anything else is treated as unreachable.
type Backend interface {
	// Insert creates a row, or merges into the row with the same
	// submission fingerprint, and returns its id.
	Insert(ctx context.Context, table Table, row Row) (string, error)
	Update(ctx context.Context, table Table, id string, row Row) error
	Select(ctx context.Context, table Table, id string) (Row, error)
	SelectAll(ctx context.Context, table Table) ([]Row, error)
	Delete(ctx context.Context, table Table, id string) error
	// Health checks reachability without touching any table.
	Health(ctx context.Context) error
}

// Client is the Remote Record Store.
type Client struct {
	backend Backend
	codec   *codec.Codec
	clock   clock.Clock
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithCodec encodes sensitive fields before they are sent.
func WithCodec(c *codec.Codec) Option {
	return func(cl *Client) { cl.codec = c }
}

// WithClock sets the clock used to stamp lastModified.
func WithClock(c clock.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

// WithTimeout bounds each call. Zero or negative keeps DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.timeout = d
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// New creates a Client over b.
func New(b Backend, opts ...Option) *Client {
	c := &Client{
		backend: b,
		clock:   clock.Real{},
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func checkWrite(op string, t Table, r record.FormRecord) error {
	if !t.valid() {
		return &Error{Code: ErrCodeRejected, Op: op, Err: fmt.Errorf("unknown table %q", string(t))}
	}
	if t == Drafts || r.IsDraft() {
		return &Error{Code: ErrCodeDraftNotAllowed, Op: op}
	}
	return nil
}

func (c *Client) prepare(r record.FormRecord) record.FormRecord {
	out := r.Clone()
	out.ID = 0
	out.RemoteID = ""
	out.Touch(c.clock.Now())
	if c.codec != nil {
		out = c.codec.Encode(out)
	}
	return out
}

func (c *Client) open(row Row) record.FormRecord {
	r := row.Data.Clone()
	r.ID = 0
	r.RemoteID = row.ID
	if c.codec != nil {
		r = c.codec.Decode(r)
	}
	return r
}

// Create sends a completed record and returns the server id.
func (c *Client) Create(ctx context.Context, t Table, r record.FormRecord) (string, error) {
	const op = "create"
	if err := checkWrite(op, t, r); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	id, err := c.backend.Insert(ctx, t, rowFor(c.prepare(r)))
	if err != nil {
		c.logger.Debug("remote create failed", "table", t, "fingerprint", r.SubmissionFingerprint, "error", err)
		return "", wrap(op, err)
	}
	return id, nil
}

// Update replaces the row stored under id.
func (c *Client) Update(ctx context.Context, t Table, id string, r record.FormRecord) error {
	const op = "update"
	if err := checkWrite(op, t, r); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return wrap(op, c.backend.Update(ctx, t, id, rowFor(c.prepare(r))))
}

// Get returns the record stored under id with RemoteID set.
func (c *Client) Get(ctx context.Context, t Table, id string) (record.FormRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	row, err := c.backend.Select(ctx, t, id)
	if err != nil {
		return record.FormRecord{}, wrap("get", err)
	}
	return c.open(row), nil
}

// ListAll returns every record in t.
func (c *Client) ListAll(ctx context.Context, t Table) ([]record.FormRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	rows, err := c.backend.SelectAll(ctx, t)
	if err != nil {
		return nil, wrap("list", err)
	}
	recs := make([]record.FormRecord, 0, len(rows))
	for _, row := range rows {
		recs = append(recs, c.open(row))
	}
	return recs, nil
}

// Delete removes the row stored under id.
func (c *Client) Delete(ctx context.Context, t Table, id string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return wrap("delete", c.backend.Delete(ctx, t, id))
}

// Ping performs the reachability check used by the capability probe.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return wrap("health", c.backend.Health(ctx))
}
