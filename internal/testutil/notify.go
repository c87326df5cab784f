package testutil

import (
	"context"
	"sync"

	"github.com/roach88/formsync/internal/notify"
)

// Recorder is a notify.Notifier that keeps every notification.
type Recorder struct {
	mu  sync.Mutex
	got []notify.Notification
}

// Notify records n.
func (r *Recorder) Notify(_ context.Context, n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

// All returns a copy of the recorded notifications.
func (r *Recorder) All() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Notification, len(r.got))
	copy(out, r.got)
	return out
}

// Titles returns the recorded titles in order.
func (r *Recorder) Titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.got))
	for _, n := range r.got {
		out = append(out, n.Title)
	}
	return out
}
