// Package system exercises the clock adapters.
package system

import (
	"testing"
	"time"
)

// TestClockNowUTC ensures the clock returns UTC timestamps.
func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	if got.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %v", got.Location())
	}
	if got.Before(before) || got.After(after) {
		t.Fatalf("expected %v to be between %v and %v", got, before, after)
	}
}

// TestFixedClock checks the frozen clock always reports the same instant.
func TestFixedClock(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 5, 2, 0, 30, 0, 0, time.UTC)
	clk := Fixed(at)
	if !clk.Now().Equal(at) || !clk.Now().Equal(at) {
		t.Fatalf("expected fixed clock to return %v", at)
	}
}

// TestFuncClock checks the adapter delegates to the wrapped function.
func TestFuncClock(t *testing.T) {
	t.Parallel()

	calls := 0
	clk := Func(func() time.Time {
		calls++
		return time.Unix(int64(calls), 0)
	})
	clk.Now()
	if got := clk.Now(); got.Unix() != 2 {
		t.Fatalf("expected second call to return 2, got %d", got.Unix())
	}
}
