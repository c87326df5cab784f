package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/formsync/internal/clock"
	"github.com/roach88/formsync/internal/codec"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - drafts, forms, submission_queue
// 2 - submission_events log and forms.fingerprint index
const currentSchemaVersion = 2

// Store is the local embedded record store.
// Uses SQLite with WAL mode and a single connection.
type Store struct {
	db       *sql.DB
	codec    *codec.Codec
	clock    clock.Clock
	logger   *slog.Logger
	maxBytes int64
}

// Option configures a Store.
type Option func(*Store)

// WithCodec encodes sensitive fields on write and decodes them on read.
// Without a codec records are stored as given.
func WithCodec(c *codec.Codec) Option {
	return func(s *Store) { s.codec = c }
}

// WithClock sets the clock used to stamp lastModified.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMaxBytes caps the database size. Writes past the cap fail with
// ErrCodeQuotaExceeded. Zero leaves SQLite's own limit in place.
func WithMaxBytes(n int64) Option {
	return func(s *Store) { s.maxBytes = n }
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		clock:  clock.Real{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, classify("open", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, classify("open", err)
	}

	// SQLite only supports one writer at a time. Keeping the single
	// connection open also keeps per-connection pragmas in effect.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	s.db = db

	if err := s.applyPragmas(); err != nil {
		db.Close()
		return nil, classify("open", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, classify("open", err)
	}

	if err := s.applyQuota(); err != nil {
		db.Close()
		return nil, classify("open", err)
	}

	s.logger.Debug("local store opened", "path", path, "max_bytes", s.maxBytes)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping runs a trivial count query. It backs the local capability probe.
func (s *Store) Ping(ctx context.Context) error {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM drafts").Scan(&n); err != nil {
		return classify("ping", err)
	}
	return nil
}

// applyPragmas sets required SQLite configuration.
func (s *Store) applyPragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applyQuota sets max_page_count from the configured byte cap. It runs
// after the schema is in place since SQLite will not lower the limit
// below the current page count.
func (s *Store) applyQuota() error {
	if s.maxBytes > 0 {
		var pageSize int64
		if err := s.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
			return fmt.Errorf("read page_size: %w", err)
		}
		pages := s.maxBytes / pageSize
		if pages < 1 {
			pages = 1
		}
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA max_page_count = %d", pages)); err != nil {
			return fmt.Errorf("set max_page_count: %w", err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return &Error{
			Code: ErrCodeVersionConflict,
			Op:   "open",
			Err:  fmt.Errorf("database schema v%d is newer than supported v%d", version, currentSchemaVersion),
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	return runMigrations(db, version)
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB, version int) error {
	if version < 2 {
		if err := migrateToV2(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV2 adds the fingerprint lookup index. New databases get the
// events table from schema.sql; v1 databases receive it the same way since
// every CREATE there is IF NOT EXISTS.
func migrateToV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_forms_fingerprint
		ON forms(fingerprint)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	return nil
}

// SchemaVersion returns the database user_version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, classify("schema version", err)
	}
	return v, nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
