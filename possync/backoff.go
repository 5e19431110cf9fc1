package possync

import (
	"context"
	"math/rand"
	"time"
)

// BackoffPolicy drives retry spacing for rate-limited provider calls.
type BackoffPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		MaxAttempts: 4,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      true,
	}
}

// DelayFor returns the sleep before retry number attempt (1-based). The delay
// doubles per attempt, capped at MaxDelay, with up to 25% random jitter.
func (p BackoffPolicy) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay << uint(attempt-1)
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	if p.Jitter {
		delay += time.Duration(rand.Int63n(int64(delay)/4 + 1))
	}
	return delay
}

// Sleep waits for the attempt's delay or until ctx is cancelled.
func (p BackoffPolicy) Sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.DelayFor(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
