package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/formsync/internal/record"
)

// PutQueued inserts or replaces a queue entry. The payload snapshot is
// encoded like any other stored record.
func (s *Store) PutQueued(ctx context.Context, q record.QueuedSubmission) error {
	const op = "put queued"
	data := q.Data.Clone()
	if s.codec != nil {
		data = s.codec.Encode(data)
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("%s: marshal payload: %w", op, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO submission_queue
		(id, form_id, data, payload_hash, status, retry_count, max_retries, created_at, last_attempt, next_retry)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			retry_count = excluded.retry_count,
			max_retries = excluded.max_retries,
			last_attempt = excluded.last_attempt,
			next_retry = excluded.next_retry
	`,
		q.ID, q.FormID, string(payload), q.PayloadHash, string(q.Status),
		q.RetryCount, q.MaxRetries,
		toMillis(q.CreatedAt), toMillis(q.LastAttempt), toMillis(q.NextRetry),
	)
	return classify(op, err)
}

// GetQueued returns one queue entry.
func (s *Store) GetQueued(ctx context.Context, id string) (record.QueuedSubmission, error) {
	const op = "get queued"
	entries, err := s.queryQueued(ctx, op, `
		SELECT id, form_id, data, payload_hash, status, retry_count, max_retries, created_at, last_attempt, next_retry
		FROM submission_queue WHERE id = ?
	`, id)
	if err != nil {
		return record.QueuedSubmission{}, err
	}
	if len(entries) == 0 {
		return record.QueuedSubmission{}, &Error{Code: ErrCodeNotFound, Op: op, Err: fmt.Errorf("queue entry %q", id)}
	}
	return entries[0], nil
}

// ListQueued returns every queue entry, oldest first.
func (s *Store) ListQueued(ctx context.Context) ([]record.QueuedSubmission, error) {
	return s.queryQueued(ctx, "list queued", `
		SELECT id, form_id, data, payload_hash, status, retry_count, max_retries, created_at, last_attempt, next_retry
		FROM submission_queue ORDER BY created_at ASC, id ASC
	`)
}

// DeleteQueued removes a queue entry. Missing ids are ignored.
func (s *Store) DeleteQueued(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM submission_queue WHERE id = ?", id)
	return classify("delete queued", err)
}

func (s *Store) queryQueued(ctx context.Context, op, query string, args ...any) ([]record.QueuedSubmission, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	entries := []record.QueuedSubmission{}
	for rows.Next() {
		q, err := s.scanQueued(rows)
		if err != nil {
			return nil, &Error{Code: ErrCodeCorrupt, Op: op, Err: err}
		}
		entries = append(entries, q)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return entries, nil
}

func (s *Store) scanQueued(rows *sql.Rows) (record.QueuedSubmission, error) {
	var q record.QueuedSubmission
	var payload, status string
	var created, lastAttempt, nextRetry int64
	if err := rows.Scan(&q.ID, &q.FormID, &payload, &q.PayloadHash, &status,
		&q.RetryCount, &q.MaxRetries, &created, &lastAttempt, &nextRetry); err != nil {
		return record.QueuedSubmission{}, fmt.Errorf("scan queue entry: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &q.Data); err != nil {
		return record.QueuedSubmission{}, fmt.Errorf("queue entry %s: %w", q.ID, err)
	}
	if s.codec != nil {
		q.Data = s.codec.Decode(q.Data)
	}
	q.Status = record.QueueStatus(status)
	q.CreatedAt = fromMillis(created)
	q.LastAttempt = fromMillis(lastAttempt)
	q.NextRetry = fromMillis(nextRetry)
	return q, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
