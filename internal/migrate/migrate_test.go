package migrate

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formsync/internal/record"
)

func legacy(t *testing.T, raw string) record.FormRecord {
	t.Helper()
	var r record.FormRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &r))
	return r
}

func TestMigrate_CurrentIsUnchanged(t *testing.T) {
	m := Default()
	r := record.FormRecord{ID: 3, SchemaVersion: CurrentVersion, PatientName: "x"}

	got, warnings := m.Migrate(r)
	assert.Equal(t, r, got)
	assert.Empty(t, warnings)
}

func TestMigrate_NewerVersionWarns(t *testing.T) {
	m := Default()
	r := record.FormRecord{ID: 3, SchemaVersion: CurrentVersion + 1}

	got, warnings := m.Migrate(r)
	assert.Equal(t, r, got)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "newer")
}

func TestMigrate_V1BackfillsFromLegacyFields(t *testing.T) {
	m := Default()
	r := legacy(t, `{"id":9,"schemaVersion":1,"timestamp":"2025-11-20T08:00:00Z","completed":true,"patientName":"Jane","consents":{"treatment":true}}`)

	got, warnings := m.Migrate(r)

	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "v1 to v2")
	assert.Equal(t, CurrentVersion, got.SchemaVersion)
	assert.Equal(t, int64(9), got.ID)
	want := time.Date(2025, 11, 20, 8, 0, 0, 0, time.UTC)
	assert.True(t, got.CreatedAt.Equal(want))
	assert.True(t, got.LastModified.Equal(want))
	assert.Equal(t, record.LifecycleCompleted, got.Lifecycle)
	assert.Equal(t, record.StatusPending, got.SubmissionStatus)
	assert.JSONEq(t, `{"treatment":true}`, string(got.Fields["consents"]), "opaque fields preserved")
}

func TestMigrate_UnversionedDraftWithMillisTimestamp(t *testing.T) {
	m := Default()
	r := legacy(t, `{"timestamp":1763625600000,"patientName":"Jane"}`)

	got, _ := m.Migrate(r)
	assert.Equal(t, CurrentVersion, got.SchemaVersion)
	assert.Equal(t, int64(1763625600000), got.CreatedAt.UnixMilli())
	assert.Equal(t, record.LifecycleDraft, got.Lifecycle)
	assert.Equal(t, record.StatusDraft, got.SubmissionStatus)
}

func TestMigrate_SyncedLegacyCompleted(t *testing.T) {
	m := Default()
	r := legacy(t, `{"schemaVersion":1,"status":"completed","synced":true}`)

	got, _ := m.Migrate(r)
	assert.Equal(t, record.StatusSynced, got.SubmissionStatus)
}

func TestMigrate_KeepsExistingValues(t *testing.T) {
	m := Default()
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r := record.FormRecord{
		SchemaVersion:    1,
		CreatedAt:        created,
		LastModified:     created.Add(time.Hour),
		Lifecycle:        record.LifecycleCompleted,
		SubmissionStatus: record.StatusFailed,
	}
	require.NoError(t, r.SetExtra("timestamp", "2020-01-01T00:00:00Z"))

	got, _ := m.Migrate(r)
	assert.Equal(t, created, got.CreatedAt)
	assert.Equal(t, created.Add(time.Hour), got.LastModified)
	assert.Equal(t, record.StatusFailed, got.SubmissionStatus)
}

func TestMigrate_Idempotent(t *testing.T) {
	m := Default()
	inputs := []record.FormRecord{
		legacy(t, `{"timestamp":"2025-11-20T08:00:00Z","completed":true}`),
		legacy(t, `{"schemaVersion":1}`),
		{SchemaVersion: CurrentVersion},
		{SchemaVersion: CurrentVersion + 4},
		{SchemaVersion: -3},
	}
	for _, r := range inputs {
		once, _ := m.Migrate(r)
		twice, warnings := m.Migrate(once)
		assert.Equal(t, once, twice)
		if r.SchemaVersion <= CurrentVersion {
			assert.Equal(t, CurrentVersion, once.SchemaVersion)
			assert.Empty(t, warnings)
		}
	}
}

func TestMigrate_DoesNotMutateInput(t *testing.T) {
	m := Default()
	r := legacy(t, `{"timestamp":"2025-11-20T08:00:00Z"}`)
	before := r.Clone()

	_, _ = m.Migrate(r)
	assert.Equal(t, before, r)
}

func TestMigrate_MultiStepChain(t *testing.T) {
	addNote := func(note string) func(record.FormRecord) record.FormRecord {
		return func(r record.FormRecord) record.FormRecord {
			_ = r.SetExtra("note", note)
			return r
		}
	}
	m := New(4,
		Step{From: 1, To: 2, Description: "a", Apply: addNote("a")},
		Step{From: 2, To: 3, Description: "b", Apply: addNote("b")},
		Step{From: 3, To: 4, Description: "c", Apply: addNote("c")},
	)

	got, warnings := m.Migrate(record.FormRecord{SchemaVersion: 2})
	assert.Equal(t, 4, got.SchemaVersion)
	assert.Len(t, warnings, 2)
	assert.Equal(t, `"c"`, string(got.Fields["note"]))
}

func TestMigrate_MissingStepStops(t *testing.T) {
	m := New(3, Step{From: 1, To: 2, Description: "a", Apply: func(r record.FormRecord) record.FormRecord { return r }})

	got, warnings := m.Migrate(record.FormRecord{SchemaVersion: 1})
	assert.Equal(t, 2, got.SchemaVersion)
	require.Len(t, warnings, 2)
	assert.Contains(t, warnings[1], "no migration registered from v2")
}

func TestNew_DuplicateStepPanics(t *testing.T) {
	s := Step{From: 1, To: 2, Apply: func(r record.FormRecord) record.FormRecord { return r }}
	assert.Panics(t, func() { New(2, s, s) })
}
