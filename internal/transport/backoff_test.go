package transport

import (
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	base := time.Second
	ceiling := 5 * time.Second

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 5 * time.Second},
		{4, 5 * time.Second},
		{100, 5 * time.Second},
		// Attempts below 1 clamp to the first step.
		{0, 2 * time.Second},
		{-3, 2 * time.Second},
	}

	for _, tc := range cases {
		if got := BackoffDelay(base, ceiling, tc.attempt); got != tc.want {
			t.Errorf("BackoffDelay(1s, 5s, %d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestBackoffDelayNonDecreasing(t *testing.T) {
	t.Parallel()

	prev := time.Duration(0)
	for n := 1; n <= 64; n++ {
		d := BackoffDelay(250*time.Millisecond, 5*time.Second, n)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %v < %v", n, d, prev)
		}
		if d > 5*time.Second {
			t.Fatalf("delay exceeded ceiling at attempt %d: %v", n, d)
		}
		prev = d
	}
}

func TestBackoffDelayBaseAboveCeiling(t *testing.T) {
	t.Parallel()

	if got := BackoffDelay(10*time.Second, 5*time.Second, 1); got != 5*time.Second {
		t.Errorf("got %v, want ceiling 5s", got)
	}
}
