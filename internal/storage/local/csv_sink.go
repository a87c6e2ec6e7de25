// Package local writes job output as append-only CSV files on the local filesystem.
package local

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/sendrecord-crawler/internal/crawler"
)

const fileStampLayout = "20060102150405"

// Config captures the parameters for the CSV sink.
type Config struct {
	// BaseDir is the directory that receives one file per job.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Sink implements crawler.Sink with one CSV file per job.
type Sink struct {
	baseDir string
}

var _ crawler.Sink = (*Sink)(nil)

// New creates the base directory if needed and checks that it is writable.
func New(cfg Config) (*Sink, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, errors.New("base directory is required")
	}
	info, err := os.Stat(cfg.BaseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, errors.New("base directory path is not a directory")
	}

	probe := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}
	abs, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}
	return &Sink{baseDir: abs}, nil
}

// Prepare creates an empty file named data_<date>_<stamp>.csv. A numeric suffix
// is added when two jobs for the same date are created within one second.
func (s *Sink) Prepare(_ context.Context, date string, at time.Time) (string, error) {
	if date == "" || strings.ContainsAny(date, `/\`) || strings.Contains(date, "..") {
		return "", fmt.Errorf("invalid date %q for output name", date)
	}
	stem := fmt.Sprintf("data_%s_%s", date, at.Format(fileStampLayout))
	for i := 0; i < 100; i++ {
		name := stem + ".csv"
		if i > 0 {
			name = stem + "_" + strconv.Itoa(i) + ".csv"
		}
		full := filepath.Join(s.baseDir, name)
		f, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create output file: %w", err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close output file: %w", err)
		}
		return full, nil
	}
	return "", fmt.Errorf("no free output name for %s", stem)
}

// Append writes records as CSV rows at the end of path and syncs the file
// before returning. Existing content is never truncated.
func (s *Sink) Append(_ context.Context, path string, records []crawler.Record) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, rec := range records {
		if err := w.Write(rec.Row()); err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("encode records: %w", err)
	}

	f, err := os.OpenFile(full, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return fmt.Errorf("append records: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync output file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close output file: %w", err)
	}
	return nil
}

// resolve keeps writes inside the base directory.
func (s *Sink) resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}
	full := filepath.Clean(path)
	if !filepath.IsAbs(full) {
		full = filepath.Join(s.baseDir, full)
	}
	if !strings.HasPrefix(full, s.baseDir+string(filepath.Separator)) {
		return "", errors.New("path traversal detected")
	}
	return full, nil
}
