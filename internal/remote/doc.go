// Package remote is the Remote Record Store.
//
// A Client applies the record-level rules (draft refusal, lastModified
// stamping, sensitive field encoding, per-call timeouts, error
// classification) and delegates row storage to a Backend. Two backends
// are provided:
//   - REST: a PostgREST-style HTTP API with a separate health endpoint
//   - Postgres: direct access through database/sql and lib/pq
//
// Remote tables are keyed by a server-assigned string id. Inserts upsert
// on submission_fingerprint, so retrying a create whose response was lost
// never produces a second row.
//
// Drafts never leave the device: writes to the drafts table and writes of
// records whose lifecycle is still draft fail with ErrCodeDraftNotAllowed.
package remote
