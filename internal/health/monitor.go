// Package health runs the periodic session liveness sweep over the account pool.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sendrecord-crawler/internal/account"
	"github.com/JakeFAU/sendrecord-crawler/internal/crawler"
	"github.com/JakeFAU/sendrecord-crawler/internal/metrics"
)

// DefaultInterval is the sweep period used when none is configured.
const DefaultInterval = 10 * time.Minute

// Pool is the subset of the account pool the monitor drives.
type Pool interface {
	ActiveUsernames() []string
	Get(username string) (crawler.Account, error)
	Probe(ctx context.Context, username string) (string, error)
	Promote(ctx context.Context, username, token string) error
	Repair(ctx context.Context, username string) error
}

// Result describes what a check did to one account.
type Result string

// Check results, also used as metric labels.
const (
	ResultSkipped  Result = "skipped"
	ResultHealthy  Result = "healthy"
	ResultPromoted Result = "promoted"
	ResultRepaired Result = "repaired"
	ResultDemoted  Result = "demoted"
	ResultError    Result = "error"
)

// Monitor probes every active account on a fixed period.
type Monitor struct {
	pool     Pool
	interval time.Duration
	logger   *zap.Logger
}

// New builds a Monitor. A non-positive interval falls back to DefaultInterval.
func New(pool Pool, interval time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{pool: pool, interval: interval, logger: logger.Named("health")}
}

// Run sweeps immediately and then once per interval until ctx is cancelled. It
// returns only after the sweep in progress has finished.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("Health monitor started", zap.Duration("interval", m.interval))
	defer m.logger.Info("Health monitor stopped")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick checks every active account once. A failure on one account never stops
// the others; accounts not yet reached are skipped once ctx is cancelled.
func (m *Monitor) Tick(ctx context.Context) map[string]Result {
	names := m.pool.ActiveUsernames()
	results := make(map[string]Result, len(names))
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		res, err := m.check(ctx, name)
		results[name] = res
		metrics.ObserveProbe(string(res))
		if err != nil {
			m.logger.Warn("Health check failed", zap.String("username", name),
				zap.String("result", string(res)), zap.Error(err))
		}
	}
	m.logger.Debug("Health sweep finished", zap.Int("accounts", len(results)))
	return results
}

func (m *Monitor) check(ctx context.Context, username string) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = ResultError
			err = fmt.Errorf("health check panic: %v", r)
		}
	}()

	acct, err := m.pool.Get(username)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return ResultSkipped, nil
		}
		return ResultError, err
	}
	if !acct.Active || !acct.Session.HasToken() {
		return ResultSkipped, nil
	}

	token, probeErr := m.pool.Probe(ctx, username)
	if probeErr == nil {
		if acct.Online() {
			return ResultHealthy, nil
		}
		if err := m.pool.Promote(ctx, username, token); err != nil {
			return ResultError, fmt.Errorf("promote: %w", err)
		}
		return ResultPromoted, nil
	}
	if errors.Is(probeErr, account.ErrNoToken) {
		return ResultSkipped, nil
	}

	m.logger.Info("Session probe failed; logging in again", zap.String("username", username), zap.Error(probeErr))
	if err := m.pool.Repair(ctx, username); err != nil {
		if errors.Is(err, account.ErrLoginFailed) {
			return ResultDemoted, err
		}
		return ResultError, fmt.Errorf("repair: %w", err)
	}
	return ResultRepaired, nil
}
