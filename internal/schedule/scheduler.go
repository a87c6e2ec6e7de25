// Package schedule fires the daily job creation and cutoff triggers in a fixed
// time zone.
package schedule

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/sendrecord-crawler/internal/crawler"
	"github.com/JakeFAU/sendrecord-crawler/internal/job"
)

// Defaults follow the upstream reporting day: yesterday's records are complete
// shortly after midnight in the service's home zone.
const (
	DefaultTimezone = "Asia/Shanghai"
	DefaultCreateAt = "00:30"
	DefaultStopAt   = "23:50"
	triggerTimeout  = 2 * time.Minute
)

// Registry is the part of the job registry the scheduler drives.
type Registry interface {
	Create(ctx context.Context, date string) (crawler.Job, error)
	Start(ctx context.Context, id int64) error
	Stop(ctx context.Context, id int64) error
	Latest(ctx context.Context) (crawler.Job, bool, error)
}

// Config holds trigger times as HH:MM in Timezone.
type Config struct {
	Timezone string
	CreateAt string
	StopAt   string
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	reg    Registry
	clock  crawler.Clock
	loc    *time.Location
	create hhmm
	stop   hhmm
	logger *zap.Logger

	// mu serializes trigger evaluation and guards the per-day claims.
	mu          sync.Mutex
	createdDay  string
	stoppedDay  string
	c           *cron.Cron
	cancelFires context.CancelFunc
}

type hhmm struct {
	hour, minute int
}

// New validates cfg and builds a Scheduler.
func New(cfg Config, reg Registry, clock crawler.Clock, logger *zap.Logger) (*Scheduler, error) {
	tz := strings.TrimSpace(cfg.Timezone)
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	createAt := cfg.CreateAt
	if createAt == "" {
		createAt = DefaultCreateAt
	}
	stopAt := cfg.StopAt
	if stopAt == "" {
		stopAt = DefaultStopAt
	}
	create, err := parseHHMM(createAt)
	if err != nil {
		return nil, fmt.Errorf("create_at: %w", err)
	}
	stop, err := parseHHMM(stopAt)
	if err != nil {
		return nil, fmt.Errorf("stop_at: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		reg:    reg,
		clock:  clock,
		loc:    loc,
		create: create,
		stop:   stop,
		logger: logger.Named("schedule"),
	}, nil
}

// Location returns the zone triggers are evaluated in.
func (s *Scheduler) Location() *time.Location {
	return s.loc
}

// Start registers both daily triggers and starts the cron loop. Triggers missed
// while the process was down are not replayed.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	c := cron.New(cron.WithLocation(s.loc))
	fireCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if _, err := c.AddFunc(s.create.cronExpr(), func() { s.fire(fireCtx, "create", s.FireCreate) }); err != nil {
		cancel()
		return fmt.Errorf("add create trigger: %w", err)
	}
	if _, err := c.AddFunc(s.stop.cronExpr(), func() { s.fire(fireCtx, "stop", s.FireStop) }); err != nil {
		cancel()
		return fmt.Errorf("add stop trigger: %w", err)
	}
	s.c = c
	s.cancelFires = cancel
	c.Start()
	s.logger.Info("Scheduler started",
		zap.String("tz", s.loc.String()),
		zap.String("create_at", s.create.String()),
		zap.String("stop_at", s.stop.String()))
	return nil
}

// Stop halts the cron loop and waits for a trigger in progress.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.cancelFires()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) fire(ctx context.Context, name string, trigger func(context.Context, time.Time) error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Trigger panicked", zap.String("trigger", name), zap.Any("panic", r))
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, triggerTimeout)
	defer cancel()
	if err := trigger(ctx, s.clock.Now()); err != nil {
		s.logger.Error("Trigger failed", zap.String("trigger", name), zap.Error(err))
	}
}

// FireCreate creates and starts the job for the day before now's calendar day.
// It acts at most once per calendar day; later calls that day are no-ops.
func (s *Scheduler) FireCreate(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	local := now.In(s.loc)
	today := local.Format(job.DateLayout)
	if s.createdDay == today {
		return nil
	}
	yesterday := local.AddDate(0, 0, -1).Format(job.DateLayout)

	// A job created earlier today for yesterday by a previous process counts as fired.
	latest, ok, err := s.reg.Latest(ctx)
	if err != nil {
		return fmt.Errorf("load latest job: %w", err)
	}
	if ok && latest.Date == yesterday && latest.CreatedAt.In(s.loc).Format(job.DateLayout) == today {
		s.createdDay = today
		s.logger.Info("Daily job already created", zap.Int64("job_id", latest.ID), zap.String("date", yesterday))
		return nil
	}

	created, err := s.reg.Create(ctx, yesterday)
	if err != nil {
		return fmt.Errorf("create daily job: %w", err)
	}
	s.createdDay = today
	if err := s.reg.Start(ctx, created.ID); err != nil {
		return fmt.Errorf("start daily job %d: %w", created.ID, err)
	}
	s.logger.Info("Daily job started", zap.Int64("job_id", created.ID), zap.String("date", yesterday))
	return nil
}

// FireStop requests a stop of the most recently created job, done or not. It
// acts at most once per calendar day.
func (s *Scheduler) FireStop(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	today := now.In(s.loc).Format(job.DateLayout)
	if s.stoppedDay == today {
		return nil
	}
	latest, ok, err := s.reg.Latest(ctx)
	if err != nil {
		return fmt.Errorf("load latest job: %w", err)
	}
	s.stoppedDay = today
	if !ok {
		return nil
	}
	if err := s.reg.Stop(ctx, latest.ID); err != nil {
		return fmt.Errorf("stop job %d: %w", latest.ID, err)
	}
	s.logger.Info("Daily cutoff applied", zap.Int64("job_id", latest.ID), zap.String("date", latest.Date))
	return nil
}

func (h hhmm) cronExpr() string {
	return fmt.Sprintf("%d %d * * *", h.minute, h.hour)
}

func (h hhmm) String() string {
	return fmt.Sprintf("%02d:%02d", h.hour, h.minute)
}

func parseHHMM(s string) (hhmm, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return hhmm{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return hhmm{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return hhmm{}, fmt.Errorf("invalid minute in %q", s)
	}
	return hhmm{hour: h, minute: m}, nil
}
