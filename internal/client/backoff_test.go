package client

import (
	"testing"
	"time"
)

func TestDelayIsNonDecreasingAndCapped(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second}
	prev := time.Duration(0)
	for attempt := 0; attempt < 20; attempt++ {
		d := cfg.Delay(attempt)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		if d > cfg.MaxDelay {
			t.Fatalf("delay %v exceeds max", d)
		}
		prev = d
	}
	if cfg.Delay(19) != cfg.MaxDelay {
		t.Fatalf("expected the cap to be reached")
	}
}

func TestBackoffMatchesNominalDelays(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second}
	b := newReconnectBackoff(cfg)
	for attempt := 0; attempt < 8; attempt++ {
		if got, want := b.Next(), cfg.Delay(attempt); got != want {
			t.Fatalf("attempt %d: got %v, want %v", attempt, got, want)
		}
	}
	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Fatalf("reset must restart from the initial delay, got %v", got)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second, Jitter: DefaultJitter}
	b := newReconnectBackoff(cfg)
	for i := 0; i < 200; i++ {
		b.Reset()
		d := b.Next()
		if d < 750*time.Millisecond || d > 1250*time.Millisecond {
			t.Fatalf("jittered delay %v outside [750ms, 1250ms]", d)
		}
	}
}
