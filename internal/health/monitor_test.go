package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sendrecord-crawler/internal/account"
	"github.com/JakeFAU/sendrecord-crawler/internal/crawler"
)

type fakePool struct {
	mu       sync.Mutex
	order    []string
	accounts map[string]crawler.Account
	probe    map[string]func() error
	repair   map[string]error
	probed   []string
	promoted []string
	repaired []string
}

func newFakePool(accounts ...crawler.Account) *fakePool {
	p := &fakePool{
		accounts: map[string]crawler.Account{},
		probe:    map[string]func() error{},
		repair:   map[string]error{},
	}
	for _, a := range accounts {
		p.order = append(p.order, a.Username)
		p.accounts[a.Username] = a
	}
	return p
}

func (p *fakePool) ActiveUsernames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, name := range p.order {
		if p.accounts[name].Active {
			out = append(out, name)
		}
	}
	return out
}

func (p *fakePool) Get(username string) (crawler.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[username]
	if !ok {
		return crawler.Account{}, account.ErrNotFound
	}
	return a, nil
}

func (p *fakePool) Probe(_ context.Context, username string) (string, error) {
	p.mu.Lock()
	p.probed = append(p.probed, username)
	fn := p.probe[username]
	token := p.accounts[username].Session.Token
	p.mu.Unlock()
	if fn != nil {
		return token, fn()
	}
	return token, nil
}

func (p *fakePool) Promote(_ context.Context, username, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.promoted = append(p.promoted, username)
	a := p.accounts[username]
	a.Session = crawler.OnlineSession(token)
	p.accounts[username] = a
	return nil
}

func (p *fakePool) Repair(_ context.Context, username string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.repaired = append(p.repaired, username)
	a := p.accounts[username]
	if err := p.repair[username]; err != nil {
		a.Session = crawler.OfflineSession()
		p.accounts[username] = a
		return err
	}
	a.Session = crawler.OnlineSession("fresh-" + username)
	p.accounts[username] = a
	return nil
}

func acct(name string, active bool, session crawler.Session) crawler.Account {
	return crawler.Account{Username: name, Active: active, Session: session}
}

func TestTickIsolatesPanickingAccount(t *testing.T) {
	t.Parallel()

	pool := newFakePool(
		acct("first", true, crawler.ExpiredSession("t1")),
		acct("second", true, crawler.OnlineSession("t2")),
		acct("third", true, crawler.OnlineSession("t3")),
	)
	pool.probe["second"] = func() error { panic("connection reset") }
	pool.probe["third"] = func() error { return crawler.ErrRejected }

	results := New(pool, time.Minute, zap.NewNop()).Tick(context.Background())

	require.Equal(t, ResultPromoted, results["first"])
	require.Equal(t, ResultError, results["second"])
	require.Equal(t, ResultRepaired, results["third"])

	first, _ := pool.Get("first")
	require.True(t, first.Online())
	third, _ := pool.Get("third")
	require.Equal(t, crawler.OnlineSession("fresh-third"), third.Session)
	require.Equal(t, []string{"first", "second", "third"}, pool.probed)
}

func TestTickSkipsInactiveAndTokenless(t *testing.T) {
	t.Parallel()

	pool := newFakePool(
		acct("inactive", false, crawler.OnlineSession("t1")),
		acct("offline", true, crawler.OfflineSession()),
		acct("healthy", true, crawler.OnlineSession("t3")),
	)

	results := New(pool, time.Minute, nil).Tick(context.Background())

	require.NotContains(t, results, "inactive")
	require.Equal(t, ResultSkipped, results["offline"])
	require.Equal(t, ResultHealthy, results["healthy"])
	require.Equal(t, []string{"healthy"}, pool.probed)
	require.Empty(t, pool.promoted, "online account must not be re-promoted")
	require.Empty(t, pool.repaired)
}

func TestTickDemotesWhenReloginFails(t *testing.T) {
	t.Parallel()

	pool := newFakePool(acct("alice", true, crawler.OnlineSession("t1")))
	pool.probe["alice"] = func() error { return errors.New("timeout") }
	pool.repair["alice"] = account.ErrLoginFailed

	results := New(pool, time.Minute, nil).Tick(context.Background())

	require.Equal(t, ResultDemoted, results["alice"])
	a, _ := pool.Get("alice")
	require.False(t, a.Online())
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	pool := newFakePool(acct("alice", true, crawler.OnlineSession("t1")))
	monitor := New(pool, 10*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		monitor.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		pool.mu.Lock()
		defer pool.mu.Unlock()
		return len(pool.probed) >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop after cancel")
	}
}
