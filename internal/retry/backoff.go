package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff produces doubling delays between Min and Max.
type Backoff struct {
	Min time.Duration
	Max time.Duration
	// Jitter in [0,1] shortens each delay by a random fraction of up to
	// Jitter, so clients that failed together do not retry together.
	Jitter float64

	cur time.Duration
}

// Next returns the delay to wait before the next attempt.
func (b *Backoff) Next() time.Duration {
	if b.cur == 0 {
		b.cur = b.Min
	} else {
		b.cur *= 2
		if b.cur > b.Max {
			b.cur = b.Max
		}
	}
	return b.jittered(b.cur)
}

func (b *Backoff) jittered(d time.Duration) time.Duration {
	if b.Jitter <= 0 || d <= 0 {
		return d
	}
	j := b.Jitter
	if j > 1 {
		j = 1
	}
	return d - time.Duration(rand.Float64()*j*float64(d))
}

// Reset starts the sequence over after a success.
func (b *Backoff) Reset() {
	b.cur = 0
}

// Sleep waits for the next delay or until ctx is done. It reports whether
// the full delay elapsed.
func (b *Backoff) Sleep(ctx context.Context) bool {
	t := time.NewTimer(b.Next())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Do calls fn up to attempts times, backing off between failures, until it
// succeeds, retryable reports false, or ctx is done. Only use it for
// idempotent calls.
func Do(ctx context.Context, b *Backoff, attempts int, retryable func(error) bool, fn func(context.Context) error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil || !retryable(err) {
			return err
		}
		if i == attempts-1 || !b.Sleep(ctx) {
			break
		}
	}
	return err
}
