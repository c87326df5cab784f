package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path, WithLogger(discardLogger))
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file was not created")
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path, WithLogger(discardLogger))
		require.NoError(t, err, "Open() iteration %d", i)
		s.Close()
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s, _ := createTestStore(t)

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("synchronous", "1"))
	assert.NoError(t, s.verifyPragma("busy_timeout", "5000"))

	v, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, v)
}

func TestOpen_NewerSchemaIsVersionConflict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path, WithLogger(discardLogger))
	require.NoError(t, err)
	_, err = s.DB().Exec("PRAGMA user_version = 9")
	require.NoError(t, err)
	s.Close()

	_, err = Open(path, WithLogger(discardLogger))
	require.Error(t, err)
	assert.True(t, IsVersionConflict(err))
	assert.False(t, IsQuotaExceeded(err))
}

func TestOpen_UpgradesV1Database(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path, WithLogger(discardLogger))
	require.NoError(t, err)
	_, err = s.DB().Exec("DROP INDEX idx_forms_fingerprint")
	require.NoError(t, err)
	_, err = s.DB().Exec("PRAGMA user_version = 1")
	require.NoError(t, err)
	s.Close()

	s, err = Open(path, WithLogger(discardLogger))
	require.NoError(t, err)
	defer s.Close()

	var n int
	require.NoError(t, s.DB().QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'idx_forms_fingerprint'",
	).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestPing(t *testing.T) {
	s, _ := createTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))

	s.Close()
	err := s.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
}

func TestUsage(t *testing.T) {
	s, _ := createTestStore(t, WithMaxBytes(1<<20))

	u, err := s.Usage(context.Background())
	require.NoError(t, err)
	assert.Greater(t, u.UsedBytes, int64(0))
	assert.Equal(t, int64(1<<20), u.QuotaBytes)
	assert.InDelta(t, float64(u.UsedBytes)/float64(1<<20), u.Ratio(), 1e-9)

	assert.Zero(t, Usage{UsedBytes: 10}.Ratio(), "no cap means no ratio")
}

func TestError_Classification(t *testing.T) {
	err := classify("op", nil)
	assert.NoError(t, err)

	err = notFound("get", 4)
	assert.True(t, IsNotFound(err))
	assert.EqualError(t, err, "get: NOT_FOUND: id 4")

	wrapped := classify("outer", err)
	assert.Same(t, err, wrapped, "already classified errors pass through")
}
