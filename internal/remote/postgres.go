package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// postgresSchema creates both remote tables. Ids are assigned by the
// backend as UUIDv7 strings.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
    id                     TEXT PRIMARY KEY,
    submission_fingerprint TEXT UNIQUE,
    region_code            TEXT NOT NULL DEFAULT '',
    submission_status      TEXT NOT NULL DEFAULT '',
    created_at             TIMESTAMPTZ NOT NULL,
    last_modified          TIMESTAMPTZ NOT NULL,
    data                   JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_last_modified ON %[1]s(last_modified);
CREATE INDEX IF NOT EXISTS idx_%[1]s_region_code ON %[1]s(region_code);
`

// Postgres is a Backend over a PostgreSQL database.
type Postgres struct {
	db    *sql.DB
	newID func() string
}

// OpenPostgres connects with a lib/pq DSN and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, classifyPQ("open", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, classifyPQ("open", err)
	}
	return NewPostgres(db), nil
}

// NewPostgres wraps an existing connection pool.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{
		db:    db,
		newID: func() string { return uuid.Must(uuid.NewV7()).String() },
	}
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Migrate creates the remote tables if they are missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	for _, t := range []Table{Forms, Drafts} {
		if _, err := p.db.ExecContext(ctx, fmt.Sprintf(postgresSchema, t)); err != nil {
			return classifyPQ("migrate", err)
		}
	}
	return nil
}

func tableName(op string, t Table) (string, error) {
	if !t.valid() {
		return "", &Error{Code: ErrCodeRejected, Op: op, Err: fmt.Errorf("unknown table %q", string(t))}
	}
	return pq.QuoteIdentifier(string(t)), nil
}

// Insert upserts on submission_fingerprint. An empty fingerprint is stored
// as NULL so unrelated rows never merge.
func (p *Postgres) Insert(ctx context.Context, t Table, row Row) (string, error) {
	const op = "insert"
	name, err := tableName(op, t)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(row.Data)
	if err != nil {
		return "", &Error{Code: ErrCodeRejected, Op: op, Err: err}
	}

	var id string
	err = p.db.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, submission_fingerprint, region_code, submission_status, created_at, last_modified, data)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7)
		ON CONFLICT (submission_fingerprint) DO UPDATE SET
			region_code = EXCLUDED.region_code,
			submission_status = EXCLUDED.submission_status,
			last_modified = EXCLUDED.last_modified,
			data = EXCLUDED.data
		RETURNING id
	`, name), p.newID(), row.SubmissionFingerprint, row.RegionCode, row.SubmissionStatus,
		row.CreatedAt, row.LastModified, string(data)).Scan(&id)
	if err != nil {
		return "", classifyPQ(op, err)
	}
	return id, nil
}

// Update replaces the row with id. created_at is left as stored.
func (p *Postgres) Update(ctx context.Context, t Table, id string, row Row) error {
	const op = "update"
	name, err := tableName(op, t)
	if err != nil {
		return err
	}
	data, err := json.Marshal(row.Data)
	if err != nil {
		return &Error{Code: ErrCodeRejected, Op: op, Err: err}
	}

	res, err := p.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET submission_fingerprint = NULLIF($2, ''), region_code = $3,
			submission_status = $4, last_modified = $5, data = $6
		WHERE id = $1
	`, name), id, row.SubmissionFingerprint, row.RegionCode, row.SubmissionStatus,
		row.LastModified, string(data))
	if err != nil {
		return classifyPQ(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classifyPQ(op, err)
	}
	if n == 0 {
		return &Error{Code: ErrCodeNotFound, Op: op, Err: fmt.Errorf("id %q", id)}
	}
	return nil
}

const selectColumns = "id, COALESCE(submission_fingerprint, ''), region_code, submission_status, created_at, last_modified, data"

// Select returns one row.
func (p *Postgres) Select(ctx context.Context, t Table, id string) (Row, error) {
	const op = "select"
	name, err := tableName(op, t)
	if err != nil {
		return Row{}, err
	}
	rows, err := p.query(ctx, op, fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", selectColumns, name), id)
	if err != nil {
		return Row{}, err
	}
	if len(rows) == 0 {
		return Row{}, &Error{Code: ErrCodeNotFound, Op: op, Err: fmt.Errorf("id %q", id)}
	}
	return rows[0], nil
}

// SelectAll returns every row, most recently modified first.
func (p *Postgres) SelectAll(ctx context.Context, t Table) ([]Row, error) {
	const op = "select all"
	name, err := tableName(op, t)
	if err != nil {
		return nil, err
	}
	return p.query(ctx, op, fmt.Sprintf("SELECT %s FROM %s ORDER BY last_modified DESC, id DESC", selectColumns, name))
}

func (p *Postgres) query(ctx context.Context, op, query string, args ...any) ([]Row, error) {
	rs, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyPQ(op, err)
	}
	defer rs.Close()

	out := []Row{}
	for rs.Next() {
		var row Row
		var data []byte
		if err := rs.Scan(&row.ID, &row.SubmissionFingerprint, &row.RegionCode, &row.SubmissionStatus,
			&row.CreatedAt, &row.LastModified, &data); err != nil {
			return nil, classifyPQ(op, err)
		}
		if err := json.Unmarshal(data, &row.Data); err != nil {
			return nil, &Error{Code: ErrCodeRejected, Op: op, Err: fmt.Errorf("row %s: %w", row.ID, err)}
		}
		row.CreatedAt = row.CreatedAt.UTC()
		row.LastModified = row.LastModified.UTC()
		out = append(out, row)
	}
	if err := rs.Err(); err != nil {
		return nil, classifyPQ(op, err)
	}
	return out, nil
}

// Delete removes the row with id. Missing rows are ignored.
func (p *Postgres) Delete(ctx context.Context, t Table, id string) error {
	const op = "delete"
	name, err := tableName(op, t)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", name), id)
	return classifyPQ(op, err)
}

// Health pings the server without reading any table.
func (p *Postgres) Health(ctx context.Context) error {
	return classifyPQ("health", p.db.PingContext(ctx))
}

// classifyPQ maps lib/pq and network errors onto error kinds. Connection
// and resource classes are transient; integrity, syntax and privilege
// classes are rejections.
func classifyPQ(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57", "58":
			return &Error{Code: ErrCodeUnreachable, Op: op, Err: err}
		default:
			return &Error{Code: ErrCodeRejected, Op: op, Err: err}
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Error{Code: ErrCodeUnreachable, Op: op, Err: err}
	}
	return wrap(op, err)
}
