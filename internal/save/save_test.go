package save

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formsync/internal/codec"
	"github.com/roach88/formsync/internal/fallback"
	"github.com/roach88/formsync/internal/ids"
	"github.com/roach88/formsync/internal/notify"
	"github.com/roach88/formsync/internal/probe"
	"github.com/roach88/formsync/internal/quota"
	"github.com/roach88/formsync/internal/record"
	"github.com/roach88/formsync/internal/remote"
	"github.com/roach88/formsync/internal/store"
	"github.com/roach88/formsync/internal/testutil"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	store    *store.Store
	remote   *testutil.FakeRemote
	caps     *fakeCaps
	slot     *fallback.Slot
	clock    *testutil.FakeClock
	notified *testutil.Recorder
	coord    *Coordinator
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	c, err := codec.New([]byte("save-test-secret-0123456789abcdef"))
	require.NoError(t, err)

	clk := testutil.NewFakeClock(time.Time{})
	s, err := store.Open(filepath.Join(dir, "forms.db"), store.WithCodec(c), store.WithClock(clk), store.WithLogger(discard))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		store:    s,
		remote:   testutil.NewFakeRemote(),
		caps:     newFakeCaps(),
		slot:     fallback.New(filepath.Join(dir, "fallback.json"), c),
		clock:    clk,
		notified: &testutil.Recorder{},
	}
	all := append([]Option{
		WithRemote(remote.New(f.remote, remote.WithCodec(c), remote.WithClock(clk), remote.WithLogger(discard))),
		WithCapabilities(f.caps),
		WithFallback(f.slot),
		WithRegion(func() record.Region {
			return record.Region{Code: "WC", Name: "Western Cape", PractitionerName: "Dr A", PracticeNumber: "0123"}
		}),
		WithIDs(ids.NewFixedGenerator("client-1", "client-2")),
		WithClock(clk),
		WithEventLog(s),
		WithNotifier(f.notified),
		WithLogger(discard),
	}, opts...)
	f.coord = New(s, all...)
	return f
}

type fakeCaps struct {
	mu     sync.Mutex
	up     map[probe.Backend]bool
	marked []probe.Backend
}

func newFakeCaps() *fakeCaps {
	return &fakeCaps{up: map[probe.Backend]bool{probe.BackendLocal: true, probe.BackendRemote: true}}
}

func (f *fakeCaps) Available(_ context.Context, b probe.Backend) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.up[b]
}

func (f *fakeCaps) MarkUnavailable(b probe.Backend, _ error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.up[b] = false
	f.marked = append(f.marked, b)
}

func draft(name, idNumber string) record.FormRecord {
	return record.FormRecord{PatientName: name, IDNumber: idNumber}
}

func completed(id int64) record.FormRecord {
	return record.FormRecord{
		ID:                    id,
		Lifecycle:             record.LifecycleCompleted,
		SubmissionStatus:      record.StatusPending,
		SchemaVersion:         2,
		RegionCode:            "WC",
		SubmissionFingerprint: "WC-1772355600000",
		PatientName:           "Jane Doe",
		IDNumber:              "8001015009087",
	}
}

func countDrafts(t *testing.T, s *store.Store) int {
	t.Helper()
	n, err := s.Count(context.Background(), store.Drafts)
	require.NoError(t, err)
	return n
}

func TestSaveDraft_CreateThenDeduplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.coord.Save(ctx, draft("Jane Doe", ""), true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, OutcomeCreated, first.Outcome)

	f.clock.Advance(time.Minute)
	second, err := f.coord.Save(ctx, draft("Jane Doe", "8001015009087"), true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), second.ID)
	assert.Equal(t, OutcomeDeduplicated, second.Outcome)
	assert.Equal(t, 1, countDrafts(t, f.store))

	got, err := f.store.Get(ctx, store.Drafts, 1)
	require.NoError(t, err)
	assert.Equal(t, "8001015009087", got.IDNumber)
	assert.Equal(t, testutil.Epoch, got.CreatedAt)
	assert.Equal(t, testutil.Epoch.Add(time.Minute), got.LastModified)
}

func TestSaveDraft_MatchesOnIDNumber(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.coord.Save(ctx, draft("Jose Ndlovu", "7001015009081"), true)
	require.NoError(t, err)

	again, err := f.coord.Save(ctx, draft("J. Ndlovu", "7001015009081"), true)
	require.NoError(t, err)
	assert.Equal(t, res.ID, again.ID)
	assert.Equal(t, 1, countDrafts(t, f.store))
}

func TestSaveDraft_MatchesOnNormalizedName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.coord.Save(ctx, draft("Jos\u00e9 Ndlovu", ""), true)
	require.NoError(t, err)

	// Decomposed accent, different case and extra spaces.
	again, err := f.coord.Save(ctx, draft("  jose\u0301   NDLOVU ", ""), true)
	require.NoError(t, err)
	assert.Equal(t, res.ID, again.ID)
	assert.Equal(t, 1, countDrafts(t, f.store))
}

func TestSaveDraft_FoldsIntoEarliestCreated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	older, err := f.store.Create(ctx, store.Drafts, draft("Jane Doe", ""))
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	_, err = f.store.Create(ctx, store.Drafts, draft("Someone Else", "8001015009087"))
	require.NoError(t, err)

	res, err := f.coord.Save(ctx, draft("Jane Doe", "8001015009087"), true)
	require.NoError(t, err)
	assert.Equal(t, older, res.ID)
}

func TestSaveDraft_NoIdentityAlwaysCreates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.coord.Save(ctx, draft("", ""), true)
	require.NoError(t, err)
	b, err := f.coord.Save(ctx, draft("", ""), true)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestSaveDraft_UpdateMissingIDCreates(t *testing.T) {
	f := newFixture(t)
	r := draft("Jane Doe", "")
	r.ID = 42

	res, err := f.coord.Save(context.Background(), r, true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.Equal(t, int64(1), res.ID)
}

func TestSaveDraft_StaysLocalAndDraft(t *testing.T) {
	f := newFixture(t)
	r := draft("Jane Doe", "")
	r.Lifecycle = record.LifecycleCompleted
	r.SubmissionStatus = record.StatusSubmitted

	res, err := f.coord.Save(context.Background(), r, true)
	require.NoError(t, err)
	assert.Equal(t, record.LifecycleDraft, res.Record.Lifecycle)
	assert.Equal(t, record.StatusDraft, res.Record.SubmissionStatus)
	assert.Equal(t, "WC", res.Record.RegionCode)
	assert.Equal(t, "Dr A", res.Record.PractitionerName)
	assert.Zero(t, f.remote.Inserts(), "drafts never go remote")

	events, err := f.store.ListEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, record.EventDraftSaved, events[0].Name)
	assert.Equal(t, "1", events[0].RecordID)
}

func TestSaveDraft_LocalDownUsesFallback(t *testing.T) {
	f := newFixture(t)
	f.caps.up[probe.BackendLocal] = false

	res, err := f.coord.Save(context.Background(), draft("Jane Doe", ""), true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFallback, res.Outcome)
	assert.Equal(t, "client-1", res.ClientID)
	assert.Zero(t, countDrafts(t, f.store))

	entry, ok, err := f.slot.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Jane Doe", entry.Record.PatientName)
	assert.Equal(t, "client-1", entry.Record.ClientID)
	assert.Equal(t, []string{"saved to fallback storage"}, f.notified.Titles())
}

func TestSaveDraft_WriteFailureUsesFallbackAndMarksLocalDown(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Close())

	res, err := f.coord.Save(context.Background(), draft("Jane Doe", ""), true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFallback, res.Outcome)
	assert.Equal(t, []probe.Backend{probe.BackendLocal}, f.caps.marked)
}

type quotaLocal struct {
	LocalStore
	failures int
	calls    int
}

func (q *quotaLocal) Create(ctx context.Context, c store.Collection, r record.FormRecord) (int64, error) {
	q.calls++
	if q.failures > 0 {
		q.failures--
		return 0, &store.Error{Code: store.ErrCodeQuotaExceeded, Op: "create", Err: errors.New("database or disk is full")}
	}
	return q.LocalStore.Create(ctx, c, r)
}

type fakeGuard struct{ prepared, emergencies int }

func (g *fakeGuard) Prepare(context.Context, ...int64) quota.Result {
	g.prepared++
	return quota.Result{}
}

func (g *fakeGuard) EmergencyCleanup(context.Context, ...int64) (quota.Result, error) {
	g.emergencies++
	return quota.Result{DeletedCount: 1}, nil
}

func TestSaveDraft_QuotaRetriesOnceAfterCleanup(t *testing.T) {
	f := newFixture(t)
	local := &quotaLocal{LocalStore: f.store, failures: 1}
	guard := &fakeGuard{}
	coord := New(local, WithGuard(guard), WithFallback(f.slot), WithClock(f.clock), WithLogger(discard))

	res, err := coord.Save(context.Background(), draft("Jane Doe", ""), true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.Equal(t, 1, guard.prepared)
	assert.Equal(t, 1, guard.emergencies)
	assert.Equal(t, 2, local.calls)
}

func TestSaveDraft_StorageFull(t *testing.T) {
	f := newFixture(t)
	local := &quotaLocal{LocalStore: f.store, failures: 2}
	guard := &fakeGuard{}
	rec := &testutil.Recorder{}
	coord := New(local, WithGuard(guard), WithFallback(f.slot), WithClock(f.clock),
		WithIDs(ids.NewFixedGenerator("client-9")), WithNotifier(rec), WithLogger(discard))

	res, err := coord.Save(context.Background(), draft("Jane Doe", ""), true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorageFull))
	assert.Equal(t, OutcomeFallback, res.Outcome)

	entry, ok, err := f.slot.Load()
	require.NoError(t, err)
	require.True(t, ok, "the draft is not lost")
	assert.Equal(t, "client-9", entry.Record.ClientID)
	assert.Contains(t, rec.Titles(), "storage full")
	for _, n := range rec.All() {
		if n.Title == "storage full" {
			assert.Equal(t, notify.LevelError, n.Level)
		}
	}
}

func TestSaveCompleted_Online(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.coord.Save(ctx, completed(0), false)
	require.NoError(t, err)
	assert.NoError(t, res.RemoteErr)
	assert.True(t, res.Synced)
	assert.Equal(t, "remote-1", res.RemoteID)

	local, err := f.store.Get(ctx, store.Forms, res.ID)
	require.NoError(t, err)
	assert.True(t, local.Synced)
	assert.Equal(t, record.StatusSubmitted, local.SubmissionStatus)
	assert.Equal(t, "remote-1", local.RemoteID)

	rows := f.remote.Rows(remote.Forms)
	require.Len(t, rows, 1)
	assert.Equal(t, string(record.StatusSubmitted), rows[0].SubmissionStatus)
	assert.True(t, codec.IsEncoded(rows[0].Data.PatientName))
}

func TestSaveCompleted_UpdatesExistingRemoteRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.coord.Save(ctx, completed(0), false)
	require.NoError(t, err)

	again := first.Record
	again.Phone = "0821234567"
	second, err := f.coord.Save(ctx, again, false)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.RemoteID, second.RemoteID)
	assert.Equal(t, 1, f.remote.Inserts())
}

func TestSaveCompleted_RemoteDown(t *testing.T) {
	f := newFixture(t)
	f.remote.FailWrites(1, nil)
	ctx := context.Background()

	res, err := f.coord.Save(ctx, completed(0), false)
	require.NoError(t, err, "the local write stands")
	require.Error(t, res.RemoteErr)
	assert.True(t, remote.IsUnreachable(res.RemoteErr))
	assert.False(t, res.Synced)
	assert.Equal(t, []probe.Backend{probe.BackendRemote}, f.caps.marked)

	local, err := f.store.Get(ctx, store.Forms, res.ID)
	require.NoError(t, err)
	assert.False(t, local.Synced)
	assert.Equal(t, record.StatusPending, local.SubmissionStatus)
}

func TestSaveCompleted_SkipsRemoteWhenMarkedDown(t *testing.T) {
	f := newFixture(t)
	f.caps.up[probe.BackendRemote] = false

	res, err := f.coord.Save(context.Background(), completed(0), false)
	require.NoError(t, err)
	assert.True(t, remote.IsUnreachable(res.RemoteErr))
	assert.Zero(t, f.remote.Inserts())
}

func TestSaveCompleted_RejectsDrafts(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.Save(context.Background(), draft("Jane Doe", ""), false)
	assert.ErrorIs(t, err, ErrNotCompleted)
}

func TestPushRemote_WithoutRemote(t *testing.T) {
	f := newFixture(t)
	coord := New(f.store, WithLogger(discard))
	_, err := coord.PushRemote(context.Background(), completed(1), record.StatusSynced)
	assert.True(t, remote.IsUnreachable(err))
}

func TestIdentityKey(t *testing.T) {
	assert.Equal(t, "josé ndlovu", identityKey(" José  NDLOVU "))
	assert.Empty(t, identityKey("   "))
}

// pressuredStorage reports 0.90 usage until the first draft is deleted,
// then 0.60.
type pressuredStorage struct {
	*store.Store
	deleted int
}

func (p *pressuredStorage) Usage(context.Context) (store.Usage, error) {
	if p.deleted == 0 {
		return store.Usage{UsedBytes: 90, QuotaBytes: 100}, nil
	}
	return store.Usage{UsedBytes: 60, QuotaBytes: 100}, nil
}

func (p *pressuredStorage) Delete(ctx context.Context, c store.Collection, id int64) error {
	p.deleted++
	return p.Store.Delete(ctx, c, id)
}

func draftIDs(t *testing.T, s *store.Store) []int64 {
	t.Helper()
	metas, err := s.DraftsOldestFirst(context.Background())
	require.NoError(t, err)
	ids := []int64{}
	for _, m := range metas {
		ids = append(ids, m.ID)
	}
	return ids
}

func TestSaveDraft_CleanupKeepsDraftBeingSaved(t *testing.T) {
	tests := []struct {
		name string
		edit func(first record.FormRecord) record.FormRecord
		want Outcome
	}{
		{
			name: "edit_by_id",
			edit: func(first record.FormRecord) record.FormRecord {
				first.Address = "12 Long Street"
				return first
			},
			want: OutcomeUpdated,
		},
		{
			name: "deduplicated",
			edit: func(record.FormRecord) record.FormRecord {
				r := draft("Jane Doe", "")
				r.Address = "12 Long Street"
				return r
			},
			want: OutcomeDeduplicated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			first, err := f.coord.SaveDraft(ctx, draft("Jane Doe", ""))
			require.NoError(t, err)
			f.clock.Advance(time.Minute)
			second, err := f.coord.SaveDraft(ctx, draft("Thabo Mokoena", ""))
			require.NoError(t, err)

			guard := quota.New(&pressuredStorage{Store: f.store}, quota.WithClock(f.clock), quota.WithLogger(discard))
			coord := New(f.store, WithGuard(guard), WithFallback(f.slot), WithClock(f.clock), WithLogger(discard))

			f.clock.Advance(time.Minute)
			res, err := coord.SaveDraft(ctx, tt.edit(first.Record))
			require.NoError(t, err)
			assert.Equal(t, first.ID, res.ID, "the oldest draft keeps its id under storage pressure")
			assert.Equal(t, tt.want, res.Outcome)
			assert.Equal(t, []int64{first.ID}, draftIDs(t, f.store), "draft %d was evicted instead", second.ID)

			got, err := f.store.Get(ctx, store.Drafts, first.ID)
			require.NoError(t, err)
			assert.Equal(t, "12 Long Street", got.Address)
		})
	}
}

func TestSaveCompleted_QuotaRetryKeepsSubmittedDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	submitted, err := f.coord.SaveDraft(ctx, draft("Jane Doe", ""))
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.coord.SaveDraft(ctx, draft("Thabo Mokoena", ""))
	require.NoError(t, err)

	// The submitted draft is the oldest, so it is the first eviction
	// candidate.
	guard := quota.New(&pressuredStorage{Store: f.store}, quota.WithClock(f.clock), quota.WithLogger(discard))
	local := &quotaLocal{LocalStore: f.store, failures: 1}
	coord := New(local, WithGuard(guard), WithFallback(f.slot), WithClock(f.clock), WithLogger(discard))

	form := completed(0)
	form.DraftID = submitted.ID
	res, err := coord.SaveCompleted(ctx, form, false)
	require.NoError(t, err)
	assert.NotZero(t, res.ID)
	assert.Equal(t, 2, local.calls)
	assert.Equal(t, []int64{submitted.ID}, draftIDs(t, f.store), "the submitted draft survives until the form is stored")
}
