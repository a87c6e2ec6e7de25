// Package account owns the credential pool and the upstream session lifecycle.
//
// Every session transition goes through Pool. Protocol calls for one account are
// serialized by a per-account operation lock while field reads and writes take a
// separate lock, so runners can keep selecting accounts while a login is in
// flight. Different accounts never contend with each other.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/sendrecord-crawler/internal/crawler"
	"github.com/JakeFAU/sendrecord-crawler/internal/metrics"
)

var (
	// ErrNotFound is returned when no account has the given username.
	ErrNotFound = errors.New("account not found")
	// ErrExists is returned by Add for a duplicate username.
	ErrExists = errors.New("account already exists")
	// ErrInvalid is returned by Add for an empty username or password.
	ErrInvalid = errors.New("username and password are required")
	// ErrLoginFailed wraps any failure of the challenge/login handshake.
	ErrLoginFailed = errors.New("login failed")
	// ErrLogoutFailed wraps a failed logout call.
	ErrLogoutFailed = errors.New("logout failed")
	// ErrNoToken is returned when an operation needs a session token and none is held.
	ErrNoToken = errors.New("account has no session token")
)

type entry struct {
	op sync.Mutex

	mu      sync.RWMutex
	acct    crawler.Account
	removed bool
}

func (e *entry) snapshot() (crawler.Account, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.acct, !e.removed
}

// Pool is the shared, mutable set of accounts. It is safe for concurrent use.
type Pool struct {
	store  crawler.AccountStore
	auth   crawler.Authenticator
	clock  crawler.Clock
	logger *zap.Logger

	mu      sync.RWMutex
	order   []string
	entries map[string]*entry
}

// New builds an empty Pool. Call Load to populate it from the store.
func New(store crawler.AccountStore, auth crawler.Authenticator, clock crawler.Clock, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		store:   store,
		auth:    auth,
		clock:   clock,
		logger:  logger.Named("account_pool"),
		entries: make(map[string]*entry),
	}
}

// Load replaces the in-memory pool with the accounts held by the store.
// Sessions left half-open by a previous process are normalized to offline.
func (p *Pool) Load(ctx context.Context) error {
	accounts, err := p.store.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	order := make([]string, 0, len(accounts))
	entries := make(map[string]*entry, len(accounts))
	for _, acct := range accounts {
		if !acct.Session.State.Valid() || acct.Session.State == crawler.SessionLoggingIn ||
			(acct.Session.State == crawler.SessionOnline && !acct.Session.HasToken()) {
			acct.Session = crawler.OfflineSession()
		}
		order = append(order, acct.Username)
		entries[acct.Username] = &entry{acct: acct}
	}
	p.mu.Lock()
	p.order = order
	p.entries = entries
	p.mu.Unlock()
	p.logger.Info("Account pool loaded", zap.Int("accounts", len(order)))
	return nil
}

func (p *Pool) lookup(username string) (*entry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[username]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// Add registers a new active, offline account.
func (p *Pool) Add(ctx context.Context, username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return ErrInvalid
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[username]; ok {
		return ErrExists
	}
	acct := crawler.Account{
		Username:  username,
		Password:  password,
		Active:    true,
		Session:   crawler.OfflineSession(),
		CreatedAt: p.clock.Now(),
	}
	if err := p.store.CreateAccount(ctx, acct); err != nil {
		if errors.Is(err, crawler.ErrAlreadyExists) {
			return ErrExists
		}
		return fmt.Errorf("create account: %w", err)
	}
	p.order = append(p.order, username)
	p.entries[username] = &entry{acct: acct}
	p.logger.Info("Account added", zap.String("username", username))
	return nil
}

// Remove deletes the account together with any session it holds locally.
func (p *Pool) Remove(ctx context.Context, username string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[username]
	if !ok {
		return ErrNotFound
	}
	if err := p.store.DeleteAccount(ctx, username); err != nil && !errors.Is(err, crawler.ErrNotFound) {
		return fmt.Errorf("delete account: %w", err)
	}
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
	delete(p.entries, username)
	for i, name := range p.order {
		if name == username {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.logger.Info("Account removed", zap.String("username", username))
	return nil
}

// update applies fn to the account and persists the result. fn returns false to
// leave the account untouched.
func (p *Pool) update(ctx context.Context, e *entry, fn func(*crawler.Account) bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return ErrNotFound
	}
	next := e.acct
	if !fn(&next) {
		return nil
	}
	if err := p.store.SaveAccount(ctx, next); err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	e.acct = next
	return nil
}

// SetActive toggles administrative eligibility. It never logs in or out.
func (p *Pool) SetActive(ctx context.Context, username string, active bool) error {
	e, err := p.lookup(username)
	if err != nil {
		return err
	}
	return p.update(ctx, e, func(a *crawler.Account) bool {
		if a.Active == active {
			return false
		}
		a.Active = active
		return true
	})
}

// SetOnline drives the account to the desired session state. Bringing an account
// online runs the login handshake unless it is already online; taking it offline
// runs the logout call when it is online. A failure leaves the session as it was.
// An expired session taken offline only drops the rejected token locally.
func (p *Pool) SetOnline(ctx context.Context, username string, desired bool) error {
	e, err := p.lookup(username)
	if err != nil {
		return err
	}
	e.op.Lock()
	defer e.op.Unlock()

	acct, ok := e.snapshot()
	if !ok {
		return ErrNotFound
	}
	switch {
	case desired && acct.Online():
		return nil
	case desired:
		return p.login(ctx, e, acct)
	case acct.Online():
		return p.logout(ctx, e, acct)
	case acct.Session.HasToken():
		return p.update(ctx, e, func(a *crawler.Account) bool {
			a.Session = crawler.OfflineSession()
			return true
		})
	default:
		return nil
	}
}

// Login runs the challenge/login handshake regardless of the current state.
func (p *Pool) Login(ctx context.Context, username string) error {
	e, err := p.lookup(username)
	if err != nil {
		return err
	}
	e.op.Lock()
	defer e.op.Unlock()
	acct, ok := e.snapshot()
	if !ok {
		return ErrNotFound
	}
	return p.login(ctx, e, acct)
}

// Logout ends the account's session. It fails without a token.
func (p *Pool) Logout(ctx context.Context, username string) error {
	e, err := p.lookup(username)
	if err != nil {
		return err
	}
	e.op.Lock()
	defer e.op.Unlock()
	acct, ok := e.snapshot()
	if !ok {
		return ErrNotFound
	}
	return p.logout(ctx, e, acct)
}

// login must be called with e.op held. The token is only stored after the second
// step succeeds; on failure the previous session is restored untouched.
func (p *Pool) login(ctx context.Context, e *entry, acct crawler.Account) error {
	log := p.logger.With(zap.String("username", acct.Username))
	prev := acct.Session

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return ErrNotFound
	}
	e.acct.Session = crawler.Session{State: crawler.SessionLoggingIn, Token: prev.Token}
	e.mu.Unlock()

	restore := func() {
		e.mu.Lock()
		e.acct.Session = prev
		e.mu.Unlock()
	}

	// In-flight protocol calls are bounded by the client timeout, not by shutdown.
	callCtx := context.WithoutCancel(ctx)
	challenge, err := p.auth.Challenge(callCtx)
	if err != nil {
		restore()
		metrics.ObserveLogin(false)
		log.Warn("Challenge request failed", zap.Error(err))
		return fmt.Errorf("%w: challenge: %w", ErrLoginFailed, err)
	}
	token, err := p.auth.Login(callCtx, crawler.Credentials{
		Username:  acct.Username,
		Password:  acct.Password,
		Challenge: challenge,
	})
	if err != nil {
		restore()
		metrics.ObserveLogin(false)
		log.Warn("Login rejected", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}
	if token == "" {
		restore()
		metrics.ObserveLogin(false)
		return fmt.Errorf("%w: empty token", ErrLoginFailed)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return ErrNotFound
	}
	next := e.acct
	next.Session = crawler.OnlineSession(token)
	if err := p.store.SaveAccount(callCtx, next); err != nil {
		e.acct.Session = prev
		metrics.ObserveLogin(false)
		return fmt.Errorf("save session: %w", err)
	}
	e.acct = next
	metrics.ObserveLogin(true)
	log.Info("Account logged in")
	return nil
}

// logout must be called with e.op held.
func (p *Pool) logout(ctx context.Context, e *entry, acct crawler.Account) error {
	if !acct.Session.HasToken() {
		return ErrNoToken
	}
	callCtx := context.WithoutCancel(ctx)
	if err := p.auth.Logout(callCtx, acct.Session.Token); err != nil {
		p.logger.Warn("Logout failed", zap.String("username", acct.Username), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrLogoutFailed, err)
	}
	err := p.update(callCtx, e, func(a *crawler.Account) bool {
		a.Session = crawler.OfflineSession()
		return true
	})
	if err == nil {
		p.logger.Info("Account logged out", zap.String("username", acct.Username))
	}
	return err
}

// Acquire returns the first account, in insertion order, that is active and
// online. It never blocks on protocol calls in flight.
func (p *Pool) Acquire() (crawler.Account, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, name := range p.order {
		acct, ok := p.entries[name].snapshot()
		if ok && acct.Available() {
			return acct, true
		}
	}
	return crawler.Account{}, false
}

// Expire demotes an account whose token was rejected mid-job. The token is kept
// so the health monitor can probe it. Nothing changes if the account has since
// moved to another token or state.
func (p *Pool) Expire(ctx context.Context, username, token string) error {
	e, err := p.lookup(username)
	if err != nil {
		return err
	}
	return p.update(ctx, e, func(a *crawler.Account) bool {
		if !a.Online() || a.Session.Token != token {
			return false
		}
		a.Session = crawler.ExpiredSession(token)
		p.logger.Info("Account session expired", zap.String("username", username))
		return true
	})
}

// Probe checks the account's current token against the upstream service and
// returns the token it probed.
func (p *Pool) Probe(ctx context.Context, username string) (string, error) {
	e, err := p.lookup(username)
	if err != nil {
		return "", err
	}
	acct, ok := e.snapshot()
	if !ok {
		return "", ErrNotFound
	}
	if !acct.Session.HasToken() {
		return "", ErrNoToken
	}
	if err := p.auth.Probe(context.WithoutCancel(ctx), acct.Session.Token); err != nil {
		return acct.Session.Token, fmt.Errorf("probe: %w", err)
	}
	return acct.Session.Token, nil
}

// Promote marks the account online after a successful probe of token. It is a
// no-op when the account already is online or holds a different token.
func (p *Pool) Promote(ctx context.Context, username, token string) error {
	e, err := p.lookup(username)
	if err != nil {
		return err
	}
	e.op.Lock()
	defer e.op.Unlock()
	return p.update(ctx, e, func(a *crawler.Account) bool {
		if a.Session.Token != token || a.Online() {
			return false
		}
		a.Session = crawler.OnlineSession(token)
		p.logger.Info("Account promoted online", zap.String("username", username))
		return true
	})
}

// Repair logs the account in again. When the handshake fails the account is
// demoted to offline and its token is dropped.
func (p *Pool) Repair(ctx context.Context, username string) error {
	e, err := p.lookup(username)
	if err != nil {
		return err
	}
	e.op.Lock()
	defer e.op.Unlock()
	acct, ok := e.snapshot()
	if !ok {
		return ErrNotFound
	}
	loginErr := p.login(ctx, e, acct)
	if loginErr == nil || !errors.Is(loginErr, ErrLoginFailed) {
		return loginErr
	}
	if err := p.update(context.WithoutCancel(ctx), e, func(a *crawler.Account) bool {
		if a.Session.State == crawler.SessionOffline && !a.Session.HasToken() {
			return false
		}
		a.Session = crawler.OfflineSession()
		return true
	}); err != nil {
		return errors.Join(loginErr, err)
	}
	return loginErr
}

// Get returns a copy of one account.
func (p *Pool) Get(username string) (crawler.Account, error) {
	e, err := p.lookup(username)
	if err != nil {
		return crawler.Account{}, err
	}
	acct, ok := e.snapshot()
	if !ok {
		return crawler.Account{}, ErrNotFound
	}
	return acct, nil
}

// List returns copies of all accounts in insertion order.
func (p *Pool) List() []crawler.Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]crawler.Account, 0, len(p.order))
	for _, name := range p.order {
		if acct, ok := p.entries[name].snapshot(); ok {
			out = append(out, acct)
		}
	}
	return out
}

// ActiveUsernames returns the usernames of active accounts in insertion order.
func (p *Pool) ActiveUsernames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.order))
	for _, name := range p.order {
		if acct, ok := p.entries[name].snapshot(); ok && acct.Active {
			out = append(out, name)
		}
	}
	return out
}
