// Package runner drives one crawl job's cursor toward its page bound.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sendrecord-crawler/internal/crawler"
	"github.com/JakeFAU/sendrecord-crawler/internal/metrics"
)

// Defaults for Config fields left at zero.
const (
	DefaultNoAccountBackoff = 60 * time.Second
	DefaultTransientBackoff = 5 * time.Second
)

// Outcome is how one Run call ended. Only OutcomeDone is terminal for the job;
// every other outcome leaves it resumable from its last committed page.
type Outcome string

// Run outcomes, also used as metric labels.
const (
	OutcomeDone     Outcome = "done"
	OutcomeStopped  Outcome = "stopped"
	OutcomeRejected Outcome = "rejected"
	OutcomeCanceled Outcome = "canceled"
	OutcomeAborted  Outcome = "aborted"
)

// Accounts is the slice of the account pool a runner needs.
type Accounts interface {
	Acquire() (crawler.Account, bool)
	Expire(ctx context.Context, username, token string) error
}

// DelaySource supplies the current inter-page delay.
type DelaySource interface {
	Delay() time.Duration
}

// Config tunes the retry discipline.
type Config struct {
	NoAccountBackoff time.Duration
	TransientBackoff time.Duration
}

// Runner executes jobs. One Runner may serve many jobs concurrently; the caller
// guarantees that a given job id is never run twice at once.
type Runner struct {
	jobs     crawler.JobStore
	accounts Accounts
	lister   crawler.RecordLister
	sink     crawler.Sink
	pacing   DelaySource
	events   crawler.Publisher
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Runner. events may be nil.
func New(
	jobs crawler.JobStore,
	accounts Accounts,
	lister crawler.RecordLister,
	sink crawler.Sink,
	pacing DelaySource,
	events crawler.Publisher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Runner {
	if cfg.NoAccountBackoff <= 0 {
		cfg.NoAccountBackoff = DefaultNoAccountBackoff
	}
	if cfg.TransientBackoff <= 0 {
		cfg.TransientBackoff = DefaultTransientBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		jobs:     jobs,
		accounts: accounts,
		lister:   lister,
		sink:     sink,
		pacing:   pacing,
		events:   events,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.Named("runner"),
	}
}

// Run advances the job until it is done, stopped, rejected or ctx is cancelled.
// Cancellation is only observed between remote calls. A non-nil error is
// returned only with OutcomeAborted.
func (r *Runner) Run(ctx context.Context, jobID int64) (outcome Outcome, err error) {
	log := r.logger.With(zap.Int64("job_id", jobID))
	defer func() {
		if rec := recover(); rec != nil {
			outcome = OutcomeAborted
			err = fmt.Errorf("runner panic: %v", rec)
		}
		metrics.ObserveRun(string(outcome))
		if err != nil {
			log.Error("Run aborted", zap.Error(err))
			return
		}
		log.Info("Run finished", zap.String("outcome", string(outcome)))
	}()

	for {
		job, err := r.jobs.GetJob(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return OutcomeCanceled, nil
			}
			if errors.Is(err, crawler.ErrNotFound) {
				return OutcomeAborted, fmt.Errorf("load job: %w", err)
			}
			log.Warn("Load job failed; retrying", zap.Error(err))
			if !sleep(ctx, r.cfg.TransientBackoff) {
				return OutcomeCanceled, nil
			}
			continue
		}

		if job.StopFlag {
			return OutcomeStopped, nil
		}
		if job.Exhausted() {
			return r.finish(ctx, job)
		}
		if ctx.Err() != nil {
			return OutcomeCanceled, nil
		}

		acct, ok := r.accounts.Acquire()
		if !ok {
			log.Warn("No available account", zap.Duration("backoff", r.cfg.NoAccountBackoff))
			metrics.ObservePageFailure("no_account")
			if !sleep(ctx, r.cfg.NoAccountBackoff) {
				return OutcomeCanceled, nil
			}
			continue
		}

		committed, outcome, err := r.step(ctx, log, job, acct)
		if err != nil || outcome != "" {
			return outcome, err
		}
		if committed {
			continue
		}
		if !sleep(ctx, r.cfg.TransientBackoff) {
			return OutcomeCanceled, nil
		}
	}
}

// step fetches and commits one page. committed reports a page advance; a
// non-empty outcome ends the run; neither means a transient failure.
func (r *Runner) step(
	ctx context.Context,
	log *zap.Logger,
	job crawler.Job,
	acct crawler.Account,
) (committed bool, outcome Outcome, err error) {
	log = log.With(zap.String("username", acct.Username), zap.Int("page", job.UpstreamPage()))
	callCtx := context.WithoutCancel(ctx)

	page, err := r.lister.ListRecords(callCtx, acct.Session.Token, crawler.PageQuery{
		Day:    job.Date,
		PageNo: job.UpstreamPage(),
	})
	if err != nil {
		if errors.Is(err, crawler.ErrRejected) {
			metrics.ObservePageFailure("rejected")
			log.Warn("Page rejected; expiring account session", zap.Error(err))
			if expErr := r.accounts.Expire(callCtx, acct.Username, acct.Session.Token); expErr != nil {
				log.Error("Expire account failed", zap.Error(expErr))
			}
			r.publish(ctx, crawler.JobEvent{
				Type: crawler.EventJobRejected, JobID: job.ID, Date: job.Date,
				CurrentPage: job.CurrentPage, TotalPage: job.TotalPage,
			})
			return false, OutcomeRejected, nil
		}
		metrics.ObservePageFailure("transient")
		log.Warn("Page fetch failed; retrying", zap.Error(err), zap.Duration("backoff", r.cfg.TransientBackoff))
		return false, "", nil
	}

	if err := r.sink.Append(callCtx, job.OutputPath, page.Records); err != nil {
		metrics.ObservePageFailure("sink")
		log.Warn("Append records failed; retrying", zap.Error(err))
		return false, "", nil
	}

	progress := job.Advance(page.Pages)
	if err := r.jobs.SaveProgress(callCtx, job.ID, progress); err != nil {
		metrics.ObservePageFailure("commit")
		return false, OutcomeAborted, fmt.Errorf("save progress: %w", err)
	}
	metrics.ObservePageCommitted(len(page.Records))
	log.Info("Page committed",
		zap.Int("current_page", progress.CurrentPage),
		zap.Int("total_page", progress.TotalPage),
		zap.Int("records", len(page.Records)))
	r.publish(ctx, crawler.JobEvent{
		Type: crawler.EventPageCommitted, JobID: job.ID, Date: job.Date,
		CurrentPage: progress.CurrentPage, TotalPage: progress.TotalPage,
		Records: len(page.Records), Done: progress.Done,
	})

	if progress.Done {
		r.publish(ctx, crawler.JobEvent{
			Type: crawler.EventJobDone, JobID: job.ID, Date: job.Date,
			CurrentPage: progress.CurrentPage, TotalPage: progress.TotalPage, Done: true,
		})
		return true, OutcomeDone, nil
	}

	if !sleep(ctx, r.pacing.Delay()) {
		return true, OutcomeCanceled, nil
	}
	return true, "", nil
}

// finish marks an exhausted job done. It is a no-op when already done.
func (r *Runner) finish(ctx context.Context, job crawler.Job) (Outcome, error) {
	if job.Done {
		return OutcomeDone, nil
	}
	progress := crawler.Progress{CurrentPage: job.CurrentPage, TotalPage: job.TotalPage, Done: true}
	if err := r.jobs.SaveProgress(context.WithoutCancel(ctx), job.ID, progress); err != nil {
		return OutcomeAborted, fmt.Errorf("mark done: %w", err)
	}
	r.publish(ctx, crawler.JobEvent{
		Type: crawler.EventJobDone, JobID: job.ID, Date: job.Date,
		CurrentPage: job.CurrentPage, TotalPage: job.TotalPage, Done: true,
	})
	return OutcomeDone, nil
}

func (r *Runner) publish(ctx context.Context, event crawler.JobEvent) {
	if r.events == nil {
		return
	}
	event.At = r.clock.Now()
	if err := r.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		r.logger.Warn("Publish job event failed",
			zap.Int64("job_id", event.JobID), zap.String("type", string(event.Type)), zap.Error(err))
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
