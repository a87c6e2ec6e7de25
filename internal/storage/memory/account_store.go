package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/sendrecord-crawler/internal/crawler"
)

// AccountStore provides an in-memory crawler.AccountStore that preserves insertion order.
type AccountStore struct {
	mu       sync.RWMutex
	order    []string
	accounts map[string]crawler.Account
}

var _ crawler.AccountStore = (*AccountStore)(nil)

// NewAccountStore constructs an AccountStore.
func NewAccountStore() *AccountStore {
	return &AccountStore{accounts: make(map[string]crawler.Account)}
}

// ListAccounts returns all accounts in insertion order.
func (s *AccountStore) ListAccounts(_ context.Context) ([]crawler.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Account, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.accounts[name])
	}
	return out, nil
}

// CreateAccount inserts a new account.
func (s *AccountStore) CreateAccount(_ context.Context, account crawler.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[account.Username]; exists {
		return crawler.ErrAlreadyExists
	}
	s.order = append(s.order, account.Username)
	s.accounts[account.Username] = account
	return nil
}

// SaveAccount overwrites an existing account.
func (s *AccountStore) SaveAccount(_ context.Context, account crawler.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[account.Username]; !exists {
		return crawler.ErrNotFound
	}
	s.accounts[account.Username] = account
	return nil
}

// DeleteAccount removes an account.
func (s *AccountStore) DeleteAccount(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[username]; !exists {
		return crawler.ErrNotFound
	}
	delete(s.accounts, username)
	for i, name := range s.order {
		if name == username {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}
