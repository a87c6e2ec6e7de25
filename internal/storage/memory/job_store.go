// Package memory keeps accounts and jobs in process memory for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/sendrecord-crawler/internal/crawler"
)

// JobStore provides an in-memory crawler.JobStore.
type JobStore struct {
	mu     sync.RWMutex
	nextID int64
	jobs   map[int64]crawler.Job
}

var _ crawler.JobStore = (*JobStore)(nil)

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[int64]crawler.Job)}
}

// CreateJob assigns the next id and stores the job.
func (s *JobStore) CreateJob(_ context.Context, job crawler.Job) (crawler.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	job.ID = s.nextID
	s.jobs[job.ID] = job
	return job, nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, id int64) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return crawler.Job{}, crawler.ErrNotFound
	}
	return job, nil
}

// ListJobs returns every job, newest first.
func (s *JobStore) ListJobs(_ context.Context) ([]crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// SetStopFlag updates the cooperative stop request.
func (s *JobStore) SetStopFlag(_ context.Context, id int64, stop bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return crawler.ErrNotFound
	}
	job.StopFlag = stop
	s.jobs[id] = job
	return nil
}

// SaveProgress commits a cursor update.
func (s *JobStore) SaveProgress(_ context.Context, id int64, progress crawler.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return crawler.ErrNotFound
	}
	if progress.CurrentPage < job.CurrentPage {
		return crawler.ErrCursorRegression
	}
	job.CurrentPage = progress.CurrentPage
	job.TotalPage = progress.TotalPage
	job.Done = progress.Done
	s.jobs[id] = job
	return nil
}
