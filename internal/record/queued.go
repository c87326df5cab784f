package record

import "time"

// QueueStatus is the retry state of a queued submission.
type QueueStatus string

const (
	QueuePending  QueueStatus = "pending"
	QueueRetrying QueueStatus = "retrying"
	QueueFailed   QueueStatus = "failed"
)

// QueuedSubmission is a completed form waiting for a successful remote
// write. Data is a snapshot taken at enqueue time; later edits to the
// local form are not observed.
type QueuedSubmission struct {
	ID          string      `json:"id"`
	FormID      int64       `json:"formId"`
	Data        FormRecord  `json:"data"`
	PayloadHash string      `json:"payloadHash"`
	Status      QueueStatus `json:"submissionStatus"`
	RetryCount  int         `json:"retryCount"`
	MaxRetries  int         `json:"maxRetries"`
	CreatedAt   time.Time   `json:"createdAt"`
	LastAttempt time.Time   `json:"lastAttempt"`
	NextRetry   time.Time   `json:"nextRetry"`
}

// Exhausted reports whether the entry has used all of its retries.
func (q QueuedSubmission) Exhausted() bool {
	return q.RetryCount >= q.MaxRetries
}

// ReadyAt reports whether the entry may be retried at now.
func (q QueuedSubmission) ReadyAt(now time.Time) bool {
	return q.Status != QueueFailed && !q.Exhausted() && !q.NextRetry.After(now)
}
