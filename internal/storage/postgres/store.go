// Package postgres persists accounts and jobs in PostgreSQL through pgx.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/sendrecord-crawler/internal/crawler"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// Config controls the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store implements crawler.AccountStore and crawler.JobStore.
type Store struct {
	pool querier
}

var (
	_ crawler.AccountStore = (*Store)(nil)
	_ crawler.JobStore     = (*Store)(nil)
)

// New connects to Postgres using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("storage.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool.
func NewWithPool(pool querier) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// ListAccounts returns accounts in insertion order.
func (s *Store) ListAccounts(ctx context.Context) ([]crawler.Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT username, password, is_active, session, token, created_at
		FROM accounts
		ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []crawler.Account
	for rows.Next() {
		var (
			acct  crawler.Account
			state string
			token string
		)
		if err := rows.Scan(&acct.Username, &acct.Password, &acct.Active, &state, &token, &acct.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		acct.Session = crawler.Session{State: crawler.SessionState(state), Token: token}
		out = append(out, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return out, nil
}

// CreateAccount inserts a new account.
func (s *Store) CreateAccount(ctx context.Context, acct crawler.Account) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (username, password, is_active, session, token, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		acct.Username, acct.Password, acct.Active, string(acct.Session.State), acct.Session.Token, acct.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return crawler.ErrAlreadyExists
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// SaveAccount overwrites the mutable fields of an account.
func (s *Store) SaveAccount(ctx context.Context, acct crawler.Account) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts
		SET password = $2, is_active = $3, session = $4, token = $5
		WHERE username = $1`,
		acct.Username, acct.Password, acct.Active, string(acct.Session.State), acct.Session.Token)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

// DeleteAccount removes an account.
func (s *Store) DeleteAccount(ctx context.Context, username string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM accounts WHERE username = $1`, username)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

const jobColumns = `id, date, current_page, total_page, stop_flag, done, output_path, created_at`

// CreateJob inserts a job and returns it with its assigned id.
func (s *Store) CreateJob(ctx context.Context, job crawler.Job) (crawler.Job, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (date, current_page, total_page, stop_flag, done, output_path, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		job.Date, job.CurrentPage, job.TotalPage, job.StopFlag, job.Done, job.OutputPath, job.CreatedAt,
	).Scan(&job.ID)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (crawler.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context) ([]crawler.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []crawler.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// SetStopFlag updates the cooperative stop request.
func (s *Store) SetStopFlag(ctx context.Context, id int64, stop bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET stop_flag = $2 WHERE id = $1`, id, stop)
	if err != nil {
		return fmt.Errorf("update stop flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

// SaveProgress commits a cursor update. The guard in the WHERE clause keeps
// the cursor monotonic even with concurrent writers.
func (s *Store) SaveProgress(ctx context.Context, id int64, p crawler.Progress) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET current_page = $2, total_page = $3, done = $4
		WHERE id = $1 AND current_page <= $2`,
		id, p.CurrentPage, p.TotalPage, p.Done)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var current int
	err = s.pool.QueryRow(ctx, `SELECT current_page FROM jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check progress: %w", err)
	}
	return crawler.ErrCursorRegression
}

func scanJob(row pgx.Row) (crawler.Job, error) {
	var job crawler.Job
	err := row.Scan(
		&job.ID,
		&job.Date,
		&job.CurrentPage,
		&job.TotalPage,
		&job.StopFlag,
		&job.Done,
		&job.OutputPath,
		&job.CreatedAt,
	)
	return job, err
}
