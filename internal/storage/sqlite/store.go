// Package sqlite persists accounts and jobs in a single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/sendrecord-crawler/internal/crawler"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config selects the database file.
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// Store implements crawler.AccountStore and crawler.JobStore.
type Store struct {
	db *sql.DB
}

var (
	_ crawler.AccountStore = (*Store)(nil)
	_ crawler.JobStore     = (*Store)(nil)
)

// Open opens (creating if needed) the database and applies migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.sqlite.path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps progress commits serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ListAccounts returns accounts in insertion order.
func (s *Store) ListAccounts(ctx context.Context) ([]crawler.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT username, password, is_active, session, token, created_at FROM accounts ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []crawler.Account
	for rows.Next() {
		var (
			acct      crawler.Account
			state     string
			token     string
			createdMS int64
		)
		if err := rows.Scan(&acct.Username, &acct.Password, &acct.Active, &state, &token, &createdMS); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		acct.Session = crawler.Session{State: crawler.SessionState(state), Token: token}
		acct.CreatedAt = time.UnixMilli(createdMS).UTC()
		out = append(out, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return out, nil
}

// CreateAccount inserts a new account.
func (s *Store) CreateAccount(ctx context.Context, acct crawler.Account) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (username, password, is_active, session, token, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(username) DO NOTHING`,
		acct.Username, acct.Password, acct.Active, string(acct.Session.State), acct.Session.Token,
		acct.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return crawler.ErrAlreadyExists
	}
	return nil
}

// SaveAccount overwrites the mutable fields of an account.
func (s *Store) SaveAccount(ctx context.Context, acct crawler.Account) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET password = ?, is_active = ?, session = ?, token = ? WHERE username = ?`,
		acct.Password, acct.Active, string(acct.Session.State), acct.Session.Token, acct.Username)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	return requireRow(res)
}

// DeleteAccount removes an account.
func (s *Store) DeleteAccount(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return requireRow(res)
}

const jobColumns = `id, date, current_page, total_page, stop_flag, done, output_path, created_at`

// CreateJob inserts a job and returns it with its assigned id.
func (s *Store) CreateJob(ctx context.Context, job crawler.Job) (crawler.Job, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (date, current_page, total_page, stop_flag, done, output_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.Date, job.CurrentPage, job.TotalPage, job.StopFlag, job.Done, job.OutputPath,
		job.CreatedAt.UnixMilli())
	if err != nil {
		return crawler.Job{}, fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return crawler.Job{}, fmt.Errorf("job id: %w", err)
	}
	job.ID = id
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (crawler.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Job{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context) ([]crawler.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id DESC`)
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
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET stop_flag = ? WHERE id = ?`, stop, id)
	if err != nil {
		return fmt.Errorf("update stop flag: %w", err)
	}
	return requireRow(res)
}

// SaveProgress commits a cursor update, refusing to move it backwards.
func (s *Store) SaveProgress(ctx context.Context, id int64, p crawler.Progress) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET current_page = ?, total_page = ?, done = ? WHERE id = ? AND current_page <= ?`,
		p.CurrentPage, p.TotalPage, p.Done, id, p.CurrentPage)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return crawler.ErrCursorRegression
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (crawler.Job, error) {
	var (
		job       crawler.Job
		createdMS int64
	)
	if err := row.Scan(
		&job.ID,
		&job.Date,
		&job.CurrentPage,
		&job.TotalPage,
		&job.StopFlag,
		&job.Done,
		&job.OutputPath,
		&createdMS,
	); err != nil {
		return crawler.Job{}, err
	}
	job.CreatedAt = time.UnixMilli(createdMS).UTC()
	return job, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return crawler.ErrNotFound
	}
	return nil
}
