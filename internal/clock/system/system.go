// Package system provides wall-clock implementations of crawler.Clock.
package system

import "time"

// Clock implements crawler.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC. Callers convert to a zone when they
// need calendar semantics.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Func adapts a function to crawler.Clock.
type Func func() time.Time

// Now calls f.
func (f Func) Now() time.Time {
	return f()
}

// Fixed returns a clock frozen at t.
func Fixed(t time.Time) Func {
	return func() time.Time { return t }
}
