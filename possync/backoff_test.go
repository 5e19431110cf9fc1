package possync

import (
	"context"
	"testing"
	"time"
)

func TestBackoffDelaysDoubleAndCap(t *testing.T) {
	p := BackoffPolicy{
		MaxAttempts: 6,
		BaseDelay:   time.Second,
		MaxDelay:    8 * time.Second,
		Jitter:      false,
	}

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second, // capped
		8 * time.Second,
	}
	for attempt := 1; attempt <= len(want); attempt++ {
		if got := p.DelayFor(attempt); got != want[attempt-1] {
			t.Fatalf("attempt %d: delay = %v, want %v", attempt, got, want[attempt-1])
		}
	}
}

func TestBackoffJitterBounded(t *testing.T) {
	p := BackoffPolicy{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: true}
	for i := 0; i < 100; i++ {
		d := p.DelayFor(2)
		if d < 2*time.Second || d > 2*time.Second+500*time.Millisecond {
			t.Fatalf("jittered delay %v outside [2s, 2.5s]", d)
		}
	}
}

func TestBackoffSleepRespectsCancel(t *testing.T) {
	p := BackoffPolicy{MaxAttempts: 4, BaseDelay: time.Minute, MaxDelay: time.Minute}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := p.Sleep(ctx, 1); err == nil {
		t.Fatal("expected context error")
	}
	if time.Since(start) > time.Second {
		t.Fatal("sleep ignored cancellation")
	}
}
