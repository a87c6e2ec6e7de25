// Package pacing holds the process-wide delay runners sleep between pages.
//
// The delay is set once at startup and afterwards only through SetDelay. Runners
// read it at the start of every sleep, so a change applies from the next sleep
// onward and is never cached per runner.
package pacing

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/sendrecord-crawler/internal/metrics"
)

// ErrInvalidDelay is returned for non-positive delays.
var ErrInvalidDelay = errors.New("inter-page delay must be positive")

// Pacing is safe for concurrent use.
type Pacing struct {
	delay atomic.Int64
}

// New returns a Pacing initialized to initial.
func New(initial time.Duration) (*Pacing, error) {
	p := &Pacing{}
	if err := p.SetDelay(initial); err != nil {
		return nil, err
	}
	return p, nil
}

// Delay returns the current inter-page delay.
func (p *Pacing) Delay() time.Duration {
	return time.Duration(p.delay.Load())
}

// SetDelay replaces the delay.
func (p *Pacing) SetDelay(d time.Duration) error {
	if d <= 0 {
		return ErrInvalidDelay
	}
	p.delay.Store(int64(d))
	metrics.SetInterPageDelay(d)
	return nil
}
