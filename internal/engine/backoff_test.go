package engine

import (
	"testing"
	"time"
)

func TestBackoffDelayBounds(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 2 * time.Minute}

	// delay(attempt) lands in [base*2^attempt, base*2^attempt + base)
	// until the exponential term hits the cap.
	cases := []struct {
		attempt int
		floor   time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
	}

	for _, tc := range cases {
		for i := 0; i < 50; i++ {
			d := b.Delay(tc.attempt)
			if d < tc.floor || d >= tc.floor+b.Base {
				t.Fatalf("Delay(%d) = %v, want in [%v, %v)", tc.attempt, d, tc.floor, tc.floor+b.Base)
			}
		}
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 2 * time.Minute}

	for _, attempt := range []int{7, 10, 30, 63, 100} {
		d := b.Delay(attempt)
		if d < b.Max || d >= b.Max+b.Base {
			t.Errorf("Delay(%d) = %v, want capped in [%v, %v)", attempt, d, b.Max, b.Max+b.Base)
		}
	}
}

func TestBackoffNegativeAttempt(t *testing.T) {
	b := DefaultBackoff()

	d := b.Delay(-3)
	if d < b.Base || d >= 2*b.Base {
		t.Errorf("Delay(-3) = %v, want treated as attempt 0", d)
	}
}

func TestBackoffZeroValueUsable(t *testing.T) {
	var b Backoff

	// Must not panic or return something unusable.
	if d := b.Delay(3); d <= 0 {
		t.Errorf("Zero-value Delay(3) = %v, want positive", d)
	}
}
