package record

import "time"

// Event is one entry of the submission event log. The log is diagnostic
// only and is never replayed.
type Event struct {
	ID       int64     `json:"id"`
	Name     string    `json:"event"`
	RecordID string    `json:"recordId,omitempty"`
	Status   string    `json:"status,omitempty"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"timestamp"`
}

// Event names written by the persistence core.
const (
	EventDraftSaved        = "draft_saved"
	EventDraftFallback     = "draft_saved_fallback"
	EventSubmitStarted     = "submission_started"
	EventSubmitValidation  = "submission_validation_failed"
	EventSubmitIntegrity   = "submission_integrity_failed"
	EventSubmitLocal       = "submission_saved_local"
	EventSubmitOnline      = "submission_online_succeeded"
	EventSubmitQueued      = "submission_queued"
	EventSubmitFailed      = "submission_failed"
	EventRemoteWriteFailed = "remote_write_failed"
	EventRetrySucceeded    = "retry_succeeded"
	EventRetryFailed       = "retry_failed"
	EventRetryExhausted    = "retry_exhausted"
	EventQueueGC           = "queue_gc"
	EventQuotaCleanup      = "quota_cleanup"
	EventStorageFull       = "storage_full"
	EventBackendDown       = "backend_unavailable"
)
