// Package backup writes the two JSON exports: the emergency backup of all
// drafts, taken before the quota guard deletes any, and the diagnostic
// submission event log.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/roach88/formsync/internal/clock"
	"github.com/roach88/formsync/internal/codec"
	"github.com/roach88/formsync/internal/fallback"
	"github.com/roach88/formsync/internal/record"
	"github.com/roach88/formsync/internal/store"
)

// Document kinds.
const (
	KindDrafts = "formsync.drafts"
	KindEvents = "formsync.events"

	FormatVersion = 1
)

// Drafts is the emergency backup document.
type Drafts struct {
	Kind       string              `json:"kind"`
	Version    int                 `json:"version"`
	ExportedAt time.Time           `json:"exportedAt"`
	Count      int                 `json:"count"`
	Drafts     []record.FormRecord `json:"drafts"`
}

// Events is the diagnostic log document.
type Events struct {
	Kind       string         `json:"kind"`
	Version    int            `json:"version"`
	ExportedAt time.Time      `json:"exportedAt"`
	Count      int            `json:"count"`
	Events     []record.Event `json:"events"`
}

// Source provides the exported data.
type Source interface {
	ListAll(ctx context.Context, c store.Collection) ([]record.FormRecord, error)
	ListEvents(ctx context.Context) ([]record.Event, error)
}

// Exporter writes exports from a Source.
type Exporter struct {
	source Source
	dir    string
	codec  *codec.Codec
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithCodec encodes sensitive fields in draft backups.
func WithCodec(c *codec.Codec) Option { return func(e *Exporter) { e.codec = c } }

// WithClock sets the clock used for export timestamps and file names.
func WithClock(c clock.Clock) Option { return func(e *Exporter) { e.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Exporter) { e.logger = l } }

// New creates an Exporter writing backup files into dir.
func New(src Source, dir string, opts ...Option) *Exporter {
	e := &Exporter{
		source: src,
		dir:    dir,
		clock:  clock.Real{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WriteDrafts writes every draft, newest first, as an indented document.
func (e *Exporter) WriteDrafts(ctx context.Context, w io.Writer) (int, error) {
	drafts, err := e.source.ListAll(ctx, store.Drafts)
	if err != nil {
		return 0, fmt.Errorf("export drafts: %w", err)
	}
	if e.codec != nil {
		for i := range drafts {
			drafts[i] = e.codec.Encode(drafts[i])
		}
	}
	doc := Drafts{
		Kind:       KindDrafts,
		Version:    FormatVersion,
		ExportedAt: e.clock.Now(),
		Count:      len(drafts),
		Drafts:     drafts,
	}
	return len(drafts), writeJSON(w, doc)
}

// BackupDrafts writes a draft backup file into the backup directory and
// returns its path.
func (e *Exporter) BackupDrafts(ctx context.Context) (string, error) {
	path := filepath.Join(e.dir, "drafts-backup-"+e.clock.Now().UTC().Format("20060102T150405Z")+".json")
	n, err := e.writeFile(path, func(w io.Writer) (int, error) { return e.WriteDrafts(ctx, w) })
	if err != nil {
		return "", err
	}
	e.logger.Info("drafts backed up", "path", path, "count", n)
	return path, nil
}

// WriteEventLog writes the submission event log, oldest first.
func (e *Exporter) WriteEventLog(ctx context.Context, w io.Writer) (int, error) {
	events, err := e.source.ListEvents(ctx)
	if err != nil {
		return 0, fmt.Errorf("export event log: %w", err)
	}
	doc := Events{
		Kind:       KindEvents,
		Version:    FormatVersion,
		ExportedAt: e.clock.Now(),
		Count:      len(events),
		Events:     events,
	}
	return len(events), writeJSON(w, doc)
}

// ExportEventLog writes the event log to path.
func (e *Exporter) ExportEventLog(ctx context.Context, path string) (int, error) {
	return e.writeFile(path, func(w io.Writer) (int, error) { return e.WriteEventLog(ctx, w) })
}

// ReadDrafts parses a draft backup. Encoded fields are decoded when the
// Exporter has a codec.
func (e *Exporter) ReadDrafts(r io.Reader) (Drafts, error) {
	var doc Drafts
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return Drafts{}, fmt.Errorf("read drafts backup: %w", err)
	}
	if doc.Kind != KindDrafts {
		return Drafts{}, fmt.Errorf("read drafts backup: unexpected kind %q", doc.Kind)
	}
	if doc.Version > FormatVersion {
		return Drafts{}, fmt.Errorf("read drafts backup: version %d is newer than supported %d", doc.Version, FormatVersion)
	}
	if e.codec != nil {
		for i := range doc.Drafts {
			doc.Drafts[i] = e.codec.Decode(doc.Drafts[i])
		}
	}
	return doc, nil
}

func (e *Exporter) writeFile(path string, write func(io.Writer) (int, error)) (int, error) {
	var buf bytes.Buffer
	n, err := write(&buf)
	if err != nil {
		return 0, err
	}
	if err := fallback.WriteAtomic(path, buf.Bytes()); err != nil {
		return 0, fmt.Errorf("write %s: %w", path, err)
	}
	return n, nil
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal export: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
