package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyPQ(t *testing.T) {
	assert.NoError(t, classifyPQ("op", nil))

	conn := classifyPQ("insert", &pq.Error{Code: "08006", Message: "connection failure"})
	assert.True(t, IsUnreachable(conn))

	unique := classifyPQ("insert", fmt.Errorf("wrapped: %w", &pq.Error{Code: "23505", Message: "duplicate key"}))
	assert.True(t, IsRejected(unique))

	denied := classifyPQ("select", &pq.Error{Code: "42501", Message: "permission denied"})
	assert.True(t, IsRejected(denied))

	other := classifyPQ("select", errors.New("driver: bad connection"))
	assert.True(t, IsUnreachable(other))
}

func TestTableName(t *testing.T) {
	name, err := tableName("op", Forms)
	require.NoError(t, err)
	assert.Equal(t, `"consent_forms"`, name)

	_, err = tableName("op", Table("users; DROP TABLE x"))
	assert.True(t, IsRejected(err))
}

// TestPostgres_RoundTrip runs against a real server when
// FORMSYNC_TEST_POSTGRES_DSN is set.
func TestPostgres_RoundTrip(t *testing.T) {
	dsn := os.Getenv("FORMSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FORMSYNC_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	pg, err := OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	defer pg.Close()
	require.NoError(t, pg.Migrate(ctx))

	c := New(pg)
	fp := fmt.Sprintf("TEST-%s", t.Name())
	t.Cleanup(func() {
		_, _ = pg.db.ExecContext(ctx, "DELETE FROM consent_forms WHERE submission_fingerprint = $1", fp)
	})

	id, err := c.Create(ctx, Forms, completedForm(fp))
	require.NoError(t, err)
	again, err := c.Create(ctx, Forms, completedForm(fp))
	require.NoError(t, err)
	assert.Equal(t, id, again)

	got, err := c.Get(ctx, Forms, id)
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", got.PatientName)

	require.NoError(t, c.Delete(ctx, Forms, id))
	_, err = c.Get(ctx, Forms, id)
	assert.True(t, IsNotFound(err))
	assert.NoError(t, c.Ping(ctx))
}
