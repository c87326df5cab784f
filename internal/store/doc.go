// Package store is the SQLite-backed Local Record Store.
//
// The database holds two record collections plus the bookkeeping the
// submission core needs to survive a restart:
//   - drafts: in-progress forms, never sent to the remote store
//   - forms: completed forms, with their submission status and sync flag
//   - submission_queue: completed forms waiting for a remote write
//   - submission_events: capped diagnostic log (1000 entries, 7 days)
//
// Records are stored as JSON in a data column. Indexed columns
// (last_modified, region_code) are denormalized from the record on every
// write to support sorted listing and region-scoped queries.
//
// # Write Path
//
// Every Create and Update stamps lastModified from the store clock,
// preserves createdAt, and passes the record through the Sensitive Field
// Codec when one is configured. Every read decodes. The row id is the
// record id and is never stored inside the JSON.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - max_page_count: Set from WithMaxBytes to enforce a storage quota
//
// Failures are returned as *Error with a Code callers can branch on, for
// example IsQuotaExceeded to trigger draft cleanup.
package store
