package queue

import (
	"context"
	"log/slog"
)

const (
	// maxBatch is how many envelopes a single Receive may return.
	maxBatch = 10
	// visibilityTimeoutSeconds is how long a received-but-undeleted envelope
	// stays hidden from other receives before the queue makes it visible again.
	visibilityTimeoutSeconds = 10

	minWaitSeconds = 0
	maxWaitSeconds = 20
)

// Envelope is a single delivery received from the queue. Body is the raw
// message payload. Handle is the opaque token required to delete this
// specific delivery; the same message gets a new handle on every redelivery.
type Envelope struct {
	Body   string
	Handle string
}

// Source is a queue backend that can be polled for envelopes. Receive blocks
// for at most the configured wait time and returns up to 10 envelopes.
// Delete permanently removes a delivery; envelopes that are never deleted
// become visible again once their visibility timeout expires.
type Source interface {
	Receive(ctx context.Context) ([]Envelope, error)
	Delete(ctx context.Context, handle string) error
}

// ClampWait bounds the long-poll wait time to [0, 20] seconds, warning when
// the configured value had to be adjusted.
func ClampWait(wait int, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}

	if wait < minWaitSeconds {
		logger.Warn("wait time is too small, clamping", "wait", wait, "clamped", minWaitSeconds)
		return minWaitSeconds
	}
	if wait > maxWaitSeconds {
		logger.Warn("wait time is too big, clamping", "wait", wait, "clamped", maxWaitSeconds)
		return maxWaitSeconds
	}
	return wait
}
