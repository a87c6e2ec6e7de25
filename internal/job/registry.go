// Package job creates, starts, stops and enumerates crawl jobs and guarantees
// that at most one runner is live per job id.
package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sendrecord-crawler/internal/crawler"
	"github.com/JakeFAU/sendrecord-crawler/internal/metrics"
	"github.com/JakeFAU/sendrecord-crawler/internal/pacing"
	"github.com/JakeFAU/sendrecord-crawler/internal/runner"
)

// DateLayout is the format of a job's date partition.
const DateLayout = "2006-01-02"

var (
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidDate is returned by Create for dates not in DateLayout.
	ErrInvalidDate = errors.New("invalid job date")
	// ErrInvalidDelay is returned by SetInterPageDelay for non-positive values.
	ErrInvalidDelay = pacing.ErrInvalidDelay
	// ErrClosed is returned by Start after Shutdown.
	ErrClosed = errors.New("registry is shut down")
)

// Runner executes one job until it ends or ctx is cancelled.
type Runner interface {
	Run(ctx context.Context, jobID int64) (runner.Outcome, error)
}

// Delay is the process-wide inter-page delay setting.
type Delay interface {
	Delay() time.Duration
	SetDelay(d time.Duration) error
}

// Options tunes optional collaborators.
type Options struct {
	// Lease guards runners across processes. Nil means in-process only.
	Lease crawler.Lease
	// LeaseRenewEvery is how often a held lease is renewed.
	LeaseRenewEvery time.Duration
}

// Registry is safe for concurrent use.
type Registry struct {
	store  crawler.JobStore
	sink   crawler.Sink
	runner Runner
	delay  Delay
	clock  crawler.Clock
	opts   Options
	logger *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	live   map[int64]struct{}
	closed bool
	wg     sync.WaitGroup
}

// New constructs a Registry.
func New(
	store crawler.JobStore,
	sink crawler.Sink,
	r Runner,
	delay Delay,
	clock crawler.Clock,
	opts Options,
	logger *zap.Logger,
) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.LeaseRenewEvery <= 0 {
		opts.LeaseRenewEvery = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		store:   store,
		sink:    sink,
		runner:  r,
		delay:   delay,
		clock:   clock,
		opts:    opts,
		logger:  logger.Named("registry"),
		baseCtx: ctx,
		cancel:  cancel,
		live:    make(map[int64]struct{}),
	}
}

// Create allocates a paused job for date with a fresh, empty output.
func (r *Registry) Create(ctx context.Context, date string) (crawler.Job, error) {
	if _, err := time.Parse(DateLayout, date); err != nil {
		return crawler.Job{}, fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}
	now := r.clock.Now()
	path, err := r.sink.Prepare(ctx, date, now)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("prepare output: %w", err)
	}
	job, err := r.store.CreateJob(ctx, crawler.Job{
		Date:        date,
		CurrentPage: crawler.InitialPage,
		TotalPage:   crawler.InitialTotalPages,
		StopFlag:    true,
		OutputPath:  path,
		CreatedAt:   now,
	})
	if err != nil {
		return crawler.Job{}, fmt.Errorf("create job: %w", err)
	}
	r.logger.Info("Job created", zap.Int64("job_id", job.ID), zap.String("date", date), zap.String("output", path))
	return job, nil
}

// Start clears the stop flag and launches a runner unless one is already live
// for id. Starting a live job is a successful no-op.
//
// A start that cannot launch a runner leaves the stop flag as it found it.
func (r *Registry) Start(ctx context.Context, id int64) error {
	job, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if r.isClosed() {
		return ErrClosed
	}
	if err := r.store.SetStopFlag(ctx, id, false); err != nil {
		return r.mapErr(err)
	}
	if err := r.launch(ctx, id); err != nil {
		if job.StopFlag {
			if rerr := r.store.SetStopFlag(context.WithoutCancel(ctx), id, true); rerr != nil {
				r.logger.Warn("Restore stop flag failed", zap.Int64("job_id", id), zap.Error(rerr))
			}
		}
		return err
	}
	return nil
}

func (r *Registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Registry) launch(ctx context.Context, id int64) error {
	log := r.logger.With(zap.Int64("job_id", id))

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, ok := r.live[id]; ok {
		log.Debug("Runner already live")
		return nil
	}
	if r.opts.Lease != nil {
		ok, err := r.opts.Lease.Acquire(ctx, id)
		if err != nil {
			return fmt.Errorf("acquire lease: %w", err)
		}
		if !ok {
			log.Info("Job is running in another process")
			return nil
		}
	}
	r.live[id] = struct{}{}
	r.wg.Add(1)
	go r.run(id)
	return nil
}

func (r *Registry) run(id int64) {
	log := r.logger.With(zap.Int64("job_id", id))
	metrics.IncActiveRunners()
	runCtx, stopRenew := context.WithCancel(r.baseCtx)
	defer func() {
		stopRenew()
		if r.opts.Lease != nil {
			if err := r.opts.Lease.Release(context.Background(), id); err != nil {
				log.Warn("Release lease failed", zap.Error(err))
			}
		}
		metrics.DecActiveRunners()
		r.wg.Done()
	}()

	if r.opts.Lease != nil {
		go r.renew(runCtx, id, log)
	}
	for {
		outcome, err := r.runner.Run(runCtx, id)
		if err != nil {
			log.Error("Runner ended with error", zap.String("outcome", string(outcome)), zap.Error(err))
		}
		if !r.retire(id, outcome) {
			log.Info("Job restarted while stopping; continuing")
			continue
		}
		return
	}
}

// retire removes id from the live set unless the job was started again after
// the runner observed its stop flag, in which case the runner keeps going.
func (r *Registry) retire(id int64, outcome runner.Outcome) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if outcome == runner.OutcomeStopped && !r.closed {
		job, err := r.store.GetJob(context.Background(), id)
		if err == nil && !job.StopFlag && !job.Done {
			return false
		}
	}
	delete(r.live, id)
	return true
}

func (r *Registry) renew(ctx context.Context, id int64, log *zap.Logger) {
	ticker := time.NewTicker(r.opts.LeaseRenewEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.opts.Lease.Renew(ctx, id); err != nil && ctx.Err() == nil {
				log.Warn("Renew lease failed", zap.Error(err))
			}
		}
	}
}

// Stop requests cooperative cancellation. The runner observes it before its
// next remote call. Stopping a stopped job succeeds and changes nothing.
func (r *Registry) Stop(ctx context.Context, id int64) error {
	job, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.StopFlag {
		return nil
	}
	if err := r.store.SetStopFlag(ctx, id, true); err != nil {
		return r.mapErr(err)
	}
	r.logger.Info("Job stop requested", zap.Int64("job_id", id))
	return nil
}

// Get returns one job.
func (r *Registry) Get(ctx context.Context, id int64) (crawler.Job, error) {
	job, err := r.store.GetJob(ctx, id)
	if err != nil {
		return crawler.Job{}, r.mapErr(err)
	}
	return job, nil
}

// List returns all jobs, newest first.
func (r *Registry) List(ctx context.Context) ([]crawler.Job, error) {
	jobs, err := r.store.ListJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Latest returns the most recently created job, reporting false when there is none.
func (r *Registry) Latest(ctx context.Context) (crawler.Job, bool, error) {
	jobs, err := r.List(ctx)
	if err != nil {
		return crawler.Job{}, false, err
	}
	if len(jobs) == 0 {
		return crawler.Job{}, false, nil
	}
	return jobs[0], true, nil
}

// Running reports whether a runner is live for id in this process.
func (r *Registry) Running(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.live[id]
	return ok
}

// SetInterPageDelay updates the delay used by every runner from its next sleep on.
func (r *Registry) SetInterPageDelay(d time.Duration) error {
	if err := r.delay.SetDelay(d); err != nil {
		return err
	}
	r.logger.Info("Inter-page delay updated", zap.Duration("delay", d))
	return nil
}

// InterPageDelay returns the current inter-page delay.
func (r *Registry) InterPageDelay() time.Duration {
	return r.delay.Delay()
}

// Resume launches runners for jobs that were running when the process last
// stopped: not done and without a stop request. It returns how many it started.
func (r *Registry) Resume(ctx context.Context) (int, error) {
	jobs, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, job := range jobs {
		if job.StopFlag || job.Done {
			continue
		}
		if err := r.launch(ctx, job.ID); err != nil {
			return started, fmt.Errorf("resume job %d: %w", job.ID, err)
		}
		started++
	}
	if started > 0 {
		r.logger.Info("Resumed jobs", zap.Int("count", started))
	}
	return started, nil
}

// Shutdown stops accepting starts, signals every runner and waits until each has
// reached a checkpoint or ctx expires.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for runners: %w", ctx.Err())
	}
}

func (r *Registry) mapErr(err error) error {
	if errors.Is(err, crawler.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
