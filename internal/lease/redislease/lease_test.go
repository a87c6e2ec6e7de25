package redislease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration
	err    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if _, ok := f.values[key]; ok {
		return false, nil
	}
	f.values[key] = value
	f.ttls[key] = ttl
	return true, nil
}

func (f *fakeStore) Renew(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.values[key] != value {
		return false, nil
	}
	f.ttls[key] = ttl
	return true, nil
}

func (f *fakeStore) Release(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.values[key] == value {
		delete(f.values, key)
	}
	return nil
}

func (f *fakeStore) Close() error { return nil }

func TestLeaseExclusiveAcrossOwners(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	a := newLease(store, Config{Prefix: "test:", TTL: time.Minute})
	b := newLease(store, Config{Prefix: "test:", TTL: time.Minute})
	ctx := context.Background()

	ok, err := a.Acquire(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, time.Minute, store.ttls["test:7"])

	ok, err = b.Acquire(ctx, 7)
	require.NoError(t, err)
	require.False(t, ok)

	require.ErrorIs(t, b.Renew(ctx, 7), ErrLost)
	require.NoError(t, b.Release(ctx, 7))
	require.NoError(t, a.Renew(ctx, 7), "release by a non-owner must not drop the key")

	require.NoError(t, a.Release(ctx, 7))
	ok, err = b.Acquire(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLeaseDefaultsAndErrors(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	l := newLease(store, Config{})
	require.Equal(t, DefaultTTL, l.TTL())
	require.Equal(t, "sendrecord:lease:3", l.key(3))

	store.err = errors.New("connection refused")
	_, err := l.Acquire(context.Background(), 3)
	require.Error(t, err)
}
