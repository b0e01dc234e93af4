package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Backoff implements exponential backoff with jitter, used when retrying
// connections to bootstrap peers.
type Backoff struct {
	// retries is the maximum number of attempts.
	retries    int
	minBackoff time.Duration
	maxBackoff time.Duration

	// attempts is the number of attempts so far.
	attempts    int
	lastBackoff time.Duration
}

// New creates a new backoff.
//
// Set 'retries' to zero to retry forever.
func New(retries int, minBackoff time.Duration, maxBackoff time.Duration) *Backoff {
	return &Backoff{
		retries:    retries,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
	}
}

// Wait blocks until the next retry. Returns false if the number of retries has
// been reached or ctx is cancelled, so the caller should stop.
func (b *Backoff) Wait(ctx context.Context) bool {
	if b.retries != 0 && b.attempts >= b.retries {
		return false
	}
	b.attempts++

	b.lastBackoff = b.nextWait()

	t := time.NewTimer(b.lastBackoff)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Attempts returns the number of retries so far.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// Reset restarts the backoff from the minimum wait.
func (b *Backoff) Reset() {
	b.attempts = 0
	b.lastBackoff = 0
}

func (b *Backoff) nextWait() time.Duration {
	var backoff time.Duration
	if b.lastBackoff == 0 {
		backoff = b.minBackoff
	} else {
		backoff = b.lastBackoff * 2
	}
	if b.maxBackoff != 0 && backoff > b.maxBackoff {
		backoff = b.maxBackoff
	}

	jitterMultipler := 1.0 + (rand.Float64() * 0.1)
	return time.Duration(float64(backoff) * jitterMultipler)
}
