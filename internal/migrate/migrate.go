// Package migrate upgrades persisted FormRecords from older logical schema
// versions to the current one.
//
// Steps are pure functions of the record. A step runs only when its From
// version equals the record's version, so running Migrate on an already
// migrated record is a no-op.
package migrate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/formsync/internal/record"
)

// CurrentVersion is the schema version written by this build.
//
// Version history:
//
//	1 - legacy records: "timestamp" instead of createdAt, boolean "completed"
//	2 - createdAt/lastModified and submissionStatus are always present
const CurrentVersion = 2

// Step upgrades a record from one version to the next.
type Step struct {
	From        int
	To          int
	Description string
	Apply       func(record.FormRecord) record.FormRecord
}

// Migrator applies registered steps in order.
type Migrator struct {
	current int
	steps   map[int]Step
}

// New creates a Migrator targeting current with the given steps.
// Panics if two steps share a From version (programming error).
func New(current int, steps ...Step) *Migrator {
	m := &Migrator{current: current, steps: make(map[int]Step, len(steps))}
	for _, s := range steps {
		if _, dup := m.steps[s.From]; dup {
			panic(fmt.Sprintf("migrate: duplicate step from v%d", s.From))
		}
		m.steps[s.From] = s
	}
	return m
}

// Default returns the Migrator with every built-in step registered.
func Default() *Migrator {
	return New(CurrentVersion, stepV1ToV2)
}

// Current returns the target schema version.
func (m *Migrator) Current() int {
	return m.current
}

// Migrate upgrades r to the current version and returns one warning per
// applied step. Records without a version are treated as version 1. A
// record newer than the current version is returned unchanged with a
// single warning.
func (m *Migrator) Migrate(r record.FormRecord) (record.FormRecord, []string) {
	out := r.Clone()
	if out.SchemaVersion == m.current {
		return out, nil
	}
	if out.SchemaVersion > m.current {
		return out, []string{fmt.Sprintf(
			"record schema v%d is newer than supported v%d; some features may not work",
			out.SchemaVersion, m.current)}
	}
	if out.SchemaVersion < 1 {
		out.SchemaVersion = 1
	}

	var warnings []string
	for out.SchemaVersion < m.current {
		step, ok := m.steps[out.SchemaVersion]
		if !ok {
			warnings = append(warnings, fmt.Sprintf("no migration registered from v%d", out.SchemaVersion))
			break
		}
		out = step.Apply(out)
		out.SchemaVersion = step.To
		warnings = append(warnings, fmt.Sprintf("migrated v%d to v%d: %s", step.From, step.To, step.Description))
	}
	return out, warnings
}

var stepV1ToV2 = Step{
	From:        1,
	To:          2,
	Description: "backfilled timestamps and submission status",
	Apply:       backfillV2,
}

// backfillV2 fills createdAt from the legacy "timestamp" field, lastModified
// from createdAt, and derives the lifecycle and submission status from the
// legacy "completed" flag.
func backfillV2(r record.FormRecord) record.FormRecord {
	if r.CreatedAt.IsZero() {
		if ts, ok := legacyTimestamp(r); ok {
			r.CreatedAt = ts
		}
	}
	if r.LastModified.IsZero() || r.LastModified.Before(r.CreatedAt) {
		r.LastModified = r.CreatedAt
	}

	completed := r.Lifecycle == record.LifecycleCompleted || legacyCompleted(r)
	if r.Lifecycle == "" {
		r.Lifecycle = record.LifecycleDraft
		if completed {
			r.Lifecycle = record.LifecycleCompleted
		}
	}
	if r.SubmissionStatus == "" {
		switch {
		case completed && r.Synced:
			r.SubmissionStatus = record.StatusSynced
		case completed:
			r.SubmissionStatus = record.StatusPending
		default:
			r.SubmissionStatus = record.StatusDraft
		}
	}
	return r
}

// legacyTimestamp reads "timestamp" as either an RFC 3339 string or epoch
// milliseconds.
func legacyTimestamp(r record.FormRecord) (time.Time, bool) {
	raw, ok := r.Extra("timestamp")
	if !ok {
		return time.Time{}, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC(), true
	}
	return time.Time{}, false
}

func legacyCompleted(r record.FormRecord) bool {
	raw, ok := r.Extra("completed")
	if !ok {
		return false
	}
	var b bool
	return json.Unmarshal(raw, &b) == nil && b
}
