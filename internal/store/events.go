package store

import (
	"context"
	"time"

	"github.com/roach88/formsync/internal/record"
)

// Event log limits.
const (
	MaxEvents      = 1000
	EventRetention = 7 * 24 * time.Hour
)

// AppendEvent adds an entry to the submission event log and trims the log
// to MaxEvents entries no older than EventRetention. A zero At is stamped
// from the store clock.
func (s *Store) AppendEvent(ctx context.Context, e record.Event) error {
	const op = "append event"
	if e.At.IsZero() {
		e.At = s.clock.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO submission_events (name, record_id, status, message, at)
		VALUES (?, ?, ?, ?, ?)
	`, e.Name, e.RecordID, e.Status, e.Message, e.At.UnixMilli()); err != nil {
		return classify(op, err)
	}

	cutoff := s.clock.Now().Add(-EventRetention).UnixMilli()
	if _, err := tx.ExecContext(ctx, "DELETE FROM submission_events WHERE at < ?", cutoff); err != nil {
		return classify(op, err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM submission_events WHERE id NOT IN (
			SELECT id FROM submission_events ORDER BY id DESC LIMIT ?
		)
	`, MaxEvents); err != nil {
		return classify(op, err)
	}

	return classify(op, tx.Commit())
}

// ListEvents returns the event log in append order.
func (s *Store) ListEvents(ctx context.Context) ([]record.Event, error) {
	const op = "list events"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, record_id, status, message, at
		FROM submission_events ORDER BY id ASC
	`)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	events := []record.Event{}
	for rows.Next() {
		var e record.Event
		var at int64
		if err := rows.Scan(&e.ID, &e.Name, &e.RecordID, &e.Status, &e.Message, &at); err != nil {
			return nil, classify(op, err)
		}
		e.At = time.UnixMilli(at).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return events, nil
}
