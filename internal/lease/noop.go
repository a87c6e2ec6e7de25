// Package lease provides crawler.Lease implementations.
package lease

import "context"

// Noop always grants the lease. The in-process liveness map is then the only guard.
type Noop struct{}

// Acquire implements crawler.Lease.
func (Noop) Acquire(context.Context, int64) (bool, error) { return true, nil }

// Renew implements crawler.Lease.
func (Noop) Renew(context.Context, int64) error { return nil }

// Release implements crawler.Lease.
func (Noop) Release(context.Context, int64) error { return nil }
