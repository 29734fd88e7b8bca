package backoff

import (
	"context"
	"testing"
	"time"
)

func TestDelayGrowsExponentially(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: time.Minute, Multiplier: 2, Jitter: 0}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := DelayWithRand(p, tc.attempt, 0); got != tc.want {
			t.Errorf("attempt %d: got %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestDelayClampsToMax(t *testing.T) {
	p := Policy{Initial: time.Second, Max: 3 * time.Second, Multiplier: 10, Jitter: 0}
	if got := DelayWithRand(p, 5, 0); got != 3*time.Second {
		t.Fatalf("got %v, want the 3s ceiling", got)
	}
}

func TestDelayJitterAddsAtMostTheConfiguredFraction(t *testing.T) {
	p := Policy{Initial: time.Second, Max: time.Minute, Multiplier: 1, Jitter: 0.5}
	lo := DelayWithRand(p, 1, 0)
	hi := DelayWithRand(p, 1, 0.999)
	if lo != time.Second {
		t.Fatalf("zero draw should add no jitter, got %v", lo)
	}
	if hi <= lo || hi > time.Second+time.Second/2 {
		t.Fatalf("jittered delay %v outside (1s, 1.5s]", hi)
	}
}

func TestDelayTreatsAttemptBelowOneAsFirst(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: time.Minute, Multiplier: 2, Jitter: 0}
	if got := DelayWithRand(p, 0, 0); got != 100*time.Millisecond {
		t.Fatalf("got %v, want the initial delay", got)
	}
}

func TestSleepReturnsEarlyOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{Initial: time.Hour, Max: time.Hour, Multiplier: 1, Jitter: 0}
	start := time.Now()
	if err := Sleep(ctx, p, 1); err == nil {
		t.Fatal("expected ctx.Err() from a cancelled sleep")
	}
	if time.Since(start) > time.Second {
		t.Fatal("sleep did not return promptly on cancellation")
	}
}

func TestSleepZeroDelayIsImmediate(t *testing.T) {
	if err := Sleep(context.Background(), Policy{}, 1); err != nil {
		t.Fatalf("zero-delay sleep errored: %v", err)
	}
}
