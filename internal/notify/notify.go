// Package notify is the fire-and-forget outcome sink. The persistence core
// reports what happened (saved, queued, synced, failed); how that reaches
// the user is up to the Notifier.
package notify

import (
	"context"
	"log/slog"
)

// Level is the severity of a notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is one user-facing outcome.
type Notification struct {
	Level    Level  `json:"level"`
	Title    string `json:"title"`
	Message  string `json:"message,omitempty"`
	RecordID string `json:"record_id,omitempty"`
}

// Notifier receives notifications. Implementations must not block for long
// and must not fail the caller.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Nop discards every notification.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(context.Context, Notification) {}

// Slog writes notifications to a structured logger.
type Slog struct {
	Logger *slog.Logger
}

// Notify logs n at a level matching its severity.
func (s Slog) Notify(ctx context.Context, n Notification) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	switch n.Level {
	case LevelWarning:
		level = slog.LevelWarn
	case LevelError:
		level = slog.LevelError
	}
	logger.Log(ctx, level, n.Title, "message", n.Message, "record_id", n.RecordID, "kind", string(n.Level))
}

// Multi fans a notification out to several notifiers in order.
type Multi []Notifier

// Notify forwards n to every notifier.
func (m Multi) Notify(ctx context.Context, n Notification) {
	for _, to := range m {
		to.Notify(ctx, n)
	}
}
