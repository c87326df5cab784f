package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueuedSubmission_ReadyAt(t *testing.T) {
	q := QueuedSubmission{Status: QueuePending, MaxRetries: 5, NextRetry: t0.Add(time.Second)}

	assert.False(t, q.ReadyAt(t0))
	assert.True(t, q.ReadyAt(t0.Add(time.Second)))
	assert.True(t, q.ReadyAt(t0.Add(time.Minute)))

	q.RetryCount = 5
	assert.True(t, q.Exhausted())
	assert.False(t, q.ReadyAt(t0.Add(time.Minute)))

	q.RetryCount = 2
	q.Status = QueueFailed
	assert.False(t, q.ReadyAt(t0.Add(time.Minute)))
}
