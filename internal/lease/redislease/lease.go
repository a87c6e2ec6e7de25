// Package redislease implements crawler.Lease on Redis so that two crawler
// processes sharing one store never run the same job at once.
package redislease

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/sendrecord-crawler/internal/crawler"
)

// ErrLost is returned by Renew when the lease is no longer held by this process.
var ErrLost = errors.New("lease lost")

// DefaultTTL bounds how long a crashed process can block a job.
const DefaultTTL = 2 * time.Minute

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

type store interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, value string) error
	Close() error
}

type clientStore struct {
	client *redis.Client
}

func (s *clientStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *clientStore) Renew(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, s.client, []string{key}, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *clientStore) Release(ctx context.Context, key, value string) error {
	return releaseScript.Run(ctx, s.client, []string{key}, value).Err()
}

func (s *clientStore) Close() error {
	return s.client.Close()
}

// Config holds connection settings.
type Config struct {
	Addr   string
	Prefix string
	TTL    time.Duration
}

// Lease holds per-job keys tagged with this process's owner id.
type Lease struct {
	store  store
	prefix string
	ttl    time.Duration
	owner  string
}

var _ crawler.Lease = (*Lease)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Lease, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return newLease(&clientStore{client: client}, cfg), nil
}

func newLease(s store, cfg Config) *Lease {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "sendrecord:lease:"
	}
	return &Lease{store: s, prefix: prefix, ttl: ttl, owner: uuid.NewString()}
}

// TTL returns the lease lifetime; holders should renew well before it lapses.
func (l *Lease) TTL() time.Duration {
	return l.ttl
}

func (l *Lease) key(jobID int64) string {
	return l.prefix + strconv.FormatInt(jobID, 10)
}

// Acquire implements crawler.Lease.
func (l *Lease) Acquire(ctx context.Context, jobID int64) (bool, error) {
	ok, err := l.store.SetNX(ctx, l.key(jobID), l.owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return ok, nil
}

// Renew implements crawler.Lease.
func (l *Lease) Renew(ctx context.Context, jobID int64) error {
	ok, err := l.store.Renew(ctx, l.key(jobID), l.owner, l.ttl)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if !ok {
		return ErrLost
	}
	return nil
}

// Release implements crawler.Lease. Keys owned by other processes are left alone.
func (l *Lease) Release(ctx context.Context, jobID int64) error {
	if err := l.store.Release(ctx, l.key(jobID), l.owner); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (l *Lease) Close() error {
	return l.store.Close()
}
