package crawler

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by stores when the record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned by stores on duplicate keys.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrCursorRegression is returned when a progress write would move a cursor backwards.
	ErrCursorRegression = errors.New("cursor regression")
	// ErrRejected marks an upstream response that was received but not successful.
	// Anything else returned by a remote call is treated as transient.
	ErrRejected = errors.New("upstream rejected request")
)

// AccountStore persists accounts. ListAccounts returns insertion order.
type AccountStore interface {
	ListAccounts(ctx context.Context) ([]Account, error)
	CreateAccount(ctx context.Context, account Account) error
	SaveAccount(ctx context.Context, account Account) error
	DeleteAccount(ctx context.Context, username string) error
}

// JobStore persists crawl jobs. Writes are durable when the call returns.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) (Job, error)
	GetJob(ctx context.Context, id int64) (Job, error)
	// ListJobs returns jobs newest first.
	ListJobs(ctx context.Context) ([]Job, error)
	SetStopFlag(ctx context.Context, id int64, stop bool) error
	// SaveProgress must reject a CurrentPage lower than the stored one with ErrCursorRegression.
	SaveProgress(ctx context.Context, id int64, progress Progress) error
}

// Sink is the append-only output target of a job.
type Sink interface {
	// Prepare allocates and creates an empty output for a job and returns its path.
	Prepare(ctx context.Context, date string, at time.Time) (string, error)
	// Append writes records to the end of the output.
	Append(ctx context.Context, path string, records []Record) error
}

// Authenticator speaks the upstream session protocol.
type Authenticator interface {
	Challenge(ctx context.Context) (Challenge, error)
	Login(ctx context.Context, creds Credentials) (string, error)
	Logout(ctx context.Context, token string) error
	Probe(ctx context.Context, token string) error
}

// RecordLister fetches one page of upstream send records.
type RecordLister interface {
	ListRecords(ctx context.Context, token string, query PageQuery) (Page, error)
}

// Publisher pushes job progress notifications.
type Publisher interface {
	Publish(ctx context.Context, event JobEvent) error
}

// Lease guards against two processes running the same job. A held lease must be
// renewed before its TTL lapses.
type Lease interface {
	Acquire(ctx context.Context, jobID int64) (bool, error)
	Renew(ctx context.Context, jobID int64) error
	Release(ctx context.Context, jobID int64) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
