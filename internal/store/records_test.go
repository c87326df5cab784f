package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formsync/internal/codec"
	"github.com/roach88/formsync/internal/record"
)

func TestCreate_AssignsIDAndStamps(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, Drafts, createTestDraft("Jane Doe", "8001015009087"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	got, err := s.Get(ctx, Drafts, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "Jane Doe", got.PatientName)
	assert.Equal(t, "8001015009087", got.IDNumber)
	assert.False(t, got.Encrypted, "records are decoded on read")
	assert.Equal(t, clk.Now(), got.CreatedAt)
	assert.Equal(t, clk.Now(), got.LastModified)
	assert.Equal(t, record.LifecycleDraft, got.Lifecycle)
	assert.Equal(t, record.StatusDraft, got.SubmissionStatus)
	assert.JSONEq(t, `{"treatment":true}`, string(got.Fields["consents"]))
}

func TestCreate_IgnoresCarriedID(t *testing.T) {
	s, _ := createTestStore(t)
	r := createTestDraft("A", "")
	r.ID = 99

	id, err := s.Create(context.Background(), Drafts, r)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
}

func TestCreate_SensitiveFieldsEncodedAtRest(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, Drafts, createTestDraft("Jane Doe", "8001015009087"))
	require.NoError(t, err)

	var raw string
	require.NoError(t, s.DB().QueryRow("SELECT data FROM drafts WHERE id = ?", id).Scan(&raw))
	assert.NotContains(t, raw, "Jane Doe")
	assert.NotContains(t, raw, "8001015009087")
	assert.Contains(t, raw, codec.Prefix)
	assert.Contains(t, raw, `"encrypted":true`)
	assert.Contains(t, raw, `"consents"`)
	assert.NotContains(t, raw, `"id":`, "row id is not duplicated in the payload")
}

func TestCreate_DraftsCollectionKeepsDraftLifecycle(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	r := createTestDraft("A", "")
	r.Lifecycle = record.LifecycleCompleted
	id, err := s.Create(ctx, Drafts, r)
	require.NoError(t, err)

	got, err := s.Get(ctx, Drafts, id)
	require.NoError(t, err)
	assert.Equal(t, record.LifecycleDraft, got.Lifecycle)
}

func TestCreate_FormsPreserveGivenCreatedAt(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()

	created := clk.Now().Add(-48 * time.Hour)
	r := createTestDraft("A", "")
	r.Lifecycle = record.LifecycleCompleted
	r.SubmissionStatus = record.StatusPending
	r.SubmissionFingerprint = "WC-1"
	r.CreatedAt = created

	id, err := s.Create(ctx, Forms, r)
	require.NoError(t, err)

	got, err := s.Get(ctx, Forms, id)
	require.NoError(t, err)
	assert.Equal(t, created, got.CreatedAt)
	assert.Equal(t, clk.Now(), got.LastModified)
	assert.Equal(t, record.StatusPending, got.SubmissionStatus)

	byFP, err := s.FindByFingerprint(ctx, "WC-1")
	require.NoError(t, err)
	assert.Equal(t, id, byFP.ID)

	_, err = s.FindByFingerprint(ctx, "WC-2")
	assert.True(t, IsNotFound(err))
}

func TestUpdate_KeepsCreatedAtAndStampsLastModified(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, Drafts, createTestDraft("Jane Doe", ""))
	require.NoError(t, err)
	created := clk.Now()

	clk.Advance(time.Minute)
	r := createTestDraft("Jane Doe", "")
	r.Address = "12 Long St"
	r.CreatedAt = created.Add(time.Hour)
	require.NoError(t, s.Update(ctx, Drafts, id, r))

	got, err := s.Get(ctx, Drafts, id)
	require.NoError(t, err)
	assert.Equal(t, "12 Long St", got.Address)
	assert.Equal(t, created, got.CreatedAt)
	assert.Equal(t, created.Add(time.Minute), got.LastModified)
	assert.Equal(t, id, got.ID)
}

func TestUpdate_MissingIsNotFound(t *testing.T) {
	s, _ := createTestStore(t)

	err := s.Update(context.Background(), Drafts, 42, createTestDraft("A", ""))
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestGet_MissingIsNotFound(t *testing.T) {
	s, _ := createTestStore(t)

	_, err := s.Get(context.Background(), Forms, 7)
	assert.True(t, IsNotFound(err))
}

func TestListAll_MostRecentFirst(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		_, err := s.Create(ctx, Drafts, createTestDraft(name, ""))
		require.NoError(t, err)
		clk.Advance(time.Second)
	}
	// Touching "a" moves it to the front.
	require.NoError(t, s.Update(ctx, Drafts, 1, createTestDraft("a", "")))

	recs, err := s.ListAll(ctx, Drafts)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []string{"a", "c", "b"}, []string{recs[0].PatientName, recs[1].PatientName, recs[2].PatientName})

	empty, err := s.ListAll(ctx, Forms)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestListByRegion(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	wc := createTestDraft("a", "")
	gp := createTestDraft("b", "")
	gp.RegionCode = "GP"
	_, err := s.Create(ctx, Drafts, wc)
	require.NoError(t, err)
	_, err = s.Create(ctx, Drafts, gp)
	require.NoError(t, err)

	recs, err := s.ListByRegion(ctx, Drafts, "GP")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "b", recs[0].PatientName)
}

func TestDeleteAndCount(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, Drafts, createTestDraft("a", ""))
	require.NoError(t, err)

	n, err := s.Count(ctx, Drafts)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.Delete(ctx, Drafts, id))
	require.NoError(t, s.Delete(ctx, Drafts, id), "deleting twice is harmless")

	n, err = s.Count(ctx, Drafts)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUnknownCollection(t *testing.T) {
	s, _ := createTestStore(t)

	_, err := s.Create(context.Background(), Collection("other"), record.FormRecord{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown collection")
}

func TestDraftsOldestFirst(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := s.Create(ctx, Drafts, createTestDraft("x", ""))
		require.NoError(t, err)
		ids = append(ids, id)
		clk.Advance(time.Hour)
	}
	require.NoError(t, s.Update(ctx, Drafts, ids[0], createTestDraft("x", "")))

	metas, err := s.DraftsOldestFirst(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 3)
	assert.Equal(t, []int64{ids[1], ids[2], ids[0]}, []int64{metas[0].ID, metas[1].ID, metas[2].ID})
	assert.Greater(t, metas[0].Size, int64(0))
	assert.True(t, metas[0].LastModified.Before(metas[1].LastModified))
}

func TestCreate_QuotaExceeded(t *testing.T) {
	s, _ := createTestStore(t, WithMaxBytes(256*1024))
	ctx := context.Background()

	padding := strings.Repeat("x", 32*1024)
	var err error
	for i := 0; i < 20 && err == nil; i++ {
		r := createTestDraft("x", "")
		require.NoError(t, r.SetExtra("notes", padding))
		_, err = s.Create(ctx, Drafts, r)
	}
	require.Error(t, err, "database never filled")
	assert.True(t, IsQuotaExceeded(err), "got %v", err)

	// The store stays usable for reads after a failed write.
	_, err = s.Count(ctx, Drafts)
	assert.NoError(t, err)
}

func TestCreate_IDsShareOneSequence(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	draftID, err := s.Create(ctx, Drafts, createTestDraft("Jane Doe", ""))
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, Drafts, draftID))

	form := createTestDraft("Jane Doe", "")
	form.Lifecycle = record.LifecycleCompleted
	form.SubmissionStatus = record.StatusPending
	formID, err := s.Create(ctx, Forms, form)
	require.NoError(t, err)

	nextDraft, err := s.Create(ctx, Drafts, createTestDraft("Someone Else", ""))
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 3}, []int64{draftID, formID, nextDraft}, "deleted ids are not reused")
}
