package store

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/formsync/internal/codec"
	"github.com/roach88/formsync/internal/record"
	"github.com/roach88/formsync/internal/testutil"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// createTestStore opens a store in a temp directory with a fake clock and
// a codec.
func createTestStore(t *testing.T, opts ...Option) (*Store, *testutil.FakeClock) {
	t.Helper()
	clk := testutil.NewFakeClock(time.Time{})
	c, err := codec.New([]byte("store-test-secret-0123456789abcd"))
	require.NoError(t, err)

	all := append([]Option{WithClock(clk), WithCodec(c), WithLogger(discardLogger)}, opts...)
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), all...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clk
}

// createTestDraft returns a draft with identity fields and one opaque field.
func createTestDraft(name, idNumber string) record.FormRecord {
	r := record.FormRecord{
		Lifecycle:   record.LifecycleDraft,
		RegionCode:  "WC",
		Region:      "Western Cape",
		PatientName: name,
		IDNumber:    idNumber,
	}
	_ = r.SetExtra("consents", map[string]bool{"treatment": true})
	return r
}
