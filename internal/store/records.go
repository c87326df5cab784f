package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/formsync/internal/record"
)

// Collection names one of the two record tables.
type Collection string

const (
	Drafts Collection = "drafts"
	Forms  Collection = "forms"
)

func (c Collection) check(op string) error {
	if c != Drafts && c != Forms {
		return &Error{Code: ErrCodeUnavailable, Op: op, Err: fmt.Errorf("unknown collection %q", string(c))}
	}
	return nil
}

// DraftMeta is the cleanup view of a draft row.
type DraftMeta struct {
	ID           int64
	LastModified time.Time
	Size         int64
}

// Usage reports database size against the configured cap.
// QuotaBytes is zero when no cap is set.
type Usage struct {
	UsedBytes  int64 `json:"used_bytes"`
	QuotaBytes int64 `json:"quota_bytes"`
}

// Ratio returns UsedBytes/QuotaBytes, or 0 without a cap.
func (u Usage) Ratio() float64 {
	if u.QuotaBytes <= 0 {
		return 0
	}
	return float64(u.UsedBytes) / float64(u.QuotaBytes)
}

// prepare stamps, normalizes and encodes r for writing into c.
func (s *Store) prepare(c Collection, r record.FormRecord) (record.FormRecord, []byte, error) {
	out := r.Clone()
	out.ID = 0
	out.Touch(s.clock.Now())
	if c == Drafts {
		out.Lifecycle = record.LifecycleDraft
		if out.SubmissionStatus == "" {
			out.SubmissionStatus = record.StatusDraft
		}
	}
	if s.codec != nil {
		out = s.codec.Encode(out)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return record.FormRecord{}, nil, fmt.Errorf("marshal record: %w", err)
	}
	return out, data, nil
}

// Create inserts r into c and returns the assigned id. Any id carried by r
// is ignored. Drafts and forms draw ids from one sequence, so an id names
// at most one record across both collections.
func (s *Store) Create(ctx context.Context, c Collection, r record.FormRecord) (int64, error) {
	const op = "create"
	if err := c.check(op); err != nil {
		return 0, err
	}
	out, data, err := s.prepare(c, r)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify(op, err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM sqlite_sequence WHERE name IN ('drafts', 'forms')
	`).Scan(&id)
	if err != nil {
		return 0, classify(op, err)
	}

	if c == Drafts {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO drafts (id, data, region_code, schema_version, created_at, last_modified)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id, string(data), out.RegionCode, out.SchemaVersion,
			out.CreatedAt.UnixMilli(), out.LastModified.UnixMilli())
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO forms (id, data, region_code, schema_version, submission_status, synced, fingerprint, created_at, last_modified)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, string(data), out.RegionCode, out.SchemaVersion, string(out.SubmissionStatus),
			out.Synced, out.SubmissionFingerprint,
			out.CreatedAt.UnixMilli(), out.LastModified.UnixMilli())
	}
	if err != nil {
		return 0, classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, classify(op, err)
	}
	return id, nil
}

// Update replaces the record stored under id. The stored createdAt is kept
// whatever r carries. Returns ErrCodeNotFound if no such row exists.
func (s *Store) Update(ctx context.Context, c Collection, id int64, r record.FormRecord) error {
	const op = "update"
	if err := c.check(op); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, err)
	}
	defer tx.Rollback()

	var createdMillis int64
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT created_at FROM %s WHERE id = ?", c), id,
	).Scan(&createdMillis)
	if err == sql.ErrNoRows {
		return notFound(op, id)
	}
	if err != nil {
		return classify(op, err)
	}

	r = r.Clone()
	r.CreatedAt = time.UnixMilli(createdMillis).UTC()
	out, data, err := s.prepare(c, r)
	if err != nil {
		return err
	}

	if c == Drafts {
		_, err = tx.ExecContext(ctx, `
			UPDATE drafts SET data = ?, region_code = ?, schema_version = ?, last_modified = ?
			WHERE id = ?
		`, string(data), out.RegionCode, out.SchemaVersion, out.LastModified.UnixMilli(), id)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE forms SET data = ?, region_code = ?, schema_version = ?, submission_status = ?,
				synced = ?, fingerprint = ?, last_modified = ?
			WHERE id = ?
		`, string(data), out.RegionCode, out.SchemaVersion, string(out.SubmissionStatus),
			out.Synced, out.SubmissionFingerprint, out.LastModified.UnixMilli(), id)
	}
	if err != nil {
		return classify(op, err)
	}

	return classify(op, tx.Commit())
}

// Get returns the record stored under id.
func (s *Store) Get(ctx context.Context, c Collection, id int64) (record.FormRecord, error) {
	const op = "get"
	if err := c.check(op); err != nil {
		return record.FormRecord{}, err
	}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT id, data FROM %s WHERE id = ?", c), id)

	var data string
	var rowID int64
	if err := row.Scan(&rowID, &data); err != nil {
		if err == sql.ErrNoRows {
			return record.FormRecord{}, notFound(op, id)
		}
		return record.FormRecord{}, classify(op, err)
	}
	return s.decodeRow(op, rowID, data)
}

// ListAll returns every record in c, most recently modified first.
//
// Returns an empty slice (not nil) if the collection is empty.
func (s *Store) ListAll(ctx context.Context, c Collection) ([]record.FormRecord, error) {
	if err := c.check("list"); err != nil {
		return nil, err
	}
	return s.list(ctx, "list", fmt.Sprintf(
		"SELECT id, data FROM %s ORDER BY last_modified DESC, id DESC", c))
}

// ListByRegion returns the records in c edited under regionCode, most
// recently modified first.
func (s *Store) ListByRegion(ctx context.Context, c Collection, regionCode string) ([]record.FormRecord, error) {
	if err := c.check("list by region"); err != nil {
		return nil, err
	}
	return s.list(ctx, "list by region", fmt.Sprintf(
		"SELECT id, data FROM %s WHERE region_code = ? ORDER BY last_modified DESC, id DESC", c), regionCode)
}

// FindByFingerprint returns the completed form carrying fingerprint.
func (s *Store) FindByFingerprint(ctx context.Context, fingerprint string) (record.FormRecord, error) {
	const op = "find by fingerprint"
	recs, err := s.list(ctx, op,
		"SELECT id, data FROM forms WHERE fingerprint = ? ORDER BY id ASC LIMIT 1", fingerprint)
	if err != nil {
		return record.FormRecord{}, err
	}
	if len(recs) == 0 {
		return record.FormRecord{}, &Error{Code: ErrCodeNotFound, Op: op, Err: fmt.Errorf("fingerprint %q", fingerprint)}
	}
	return recs[0], nil
}

func (s *Store) list(ctx context.Context, op, query string, args ...any) ([]record.FormRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	recs := []record.FormRecord{}
	for rows.Next() {
		var id int64
		var data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, classify(op, err)
		}
		r, err := s.decodeRow(op, id, data)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return recs, nil
}

func (s *Store) decodeRow(op string, id int64, data string) (record.FormRecord, error) {
	var r record.FormRecord
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return record.FormRecord{}, &Error{Code: ErrCodeCorrupt, Op: op, Err: fmt.Errorf("row %d: %w", id, err)}
	}
	r.ID = id
	if s.codec != nil {
		r = s.codec.Decode(r)
	}
	return r, nil
}

// Delete removes the record stored under id. Deleting a missing id is not
// an error.
func (s *Store) Delete(ctx context.Context, c Collection, id int64) error {
	const op = "delete"
	if err := c.check(op); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", c), id)
	return classify(op, err)
}

// Count returns the number of records in c.
func (s *Store) Count(ctx context.Context, c Collection) (int, error) {
	if err := c.check("count"); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", c)).Scan(&n); err != nil {
		return 0, classify("count", err)
	}
	return n, nil
}

// DraftsOldestFirst lists draft ids with their age and stored size,
// least recently modified first.
func (s *Store) DraftsOldestFirst(ctx context.Context) ([]DraftMeta, error) {
	const op = "list draft meta"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, last_modified, length(data)
		FROM drafts
		ORDER BY last_modified ASC, id ASC
	`)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	metas := []DraftMeta{}
	for rows.Next() {
		var m DraftMeta
		var millis int64
		if err := rows.Scan(&m.ID, &millis, &m.Size); err != nil {
			return nil, classify(op, err)
		}
		m.LastModified = time.UnixMilli(millis).UTC()
		metas = append(metas, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return metas, nil
}

// Usage returns the bytes held by live pages and the configured cap.
func (s *Store) Usage(ctx context.Context) (Usage, error) {
	const op = "usage"
	var pageCount, freePages, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return Usage{}, classify(op, err)
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA freelist_count").Scan(&freePages); err != nil {
		return Usage{}, classify(op, err)
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return Usage{}, classify(op, err)
	}
	return Usage{
		UsedBytes:  (pageCount - freePages) * pageSize,
		QuotaBytes: s.maxBytes,
	}, nil
}
