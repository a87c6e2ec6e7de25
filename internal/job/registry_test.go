package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sendrecord-crawler/internal/clock/system"
	"github.com/JakeFAU/sendrecord-crawler/internal/crawler"
	"github.com/JakeFAU/sendrecord-crawler/internal/pacing"
	"github.com/JakeFAU/sendrecord-crawler/internal/runner"
	"github.com/JakeFAU/sendrecord-crawler/internal/storage/memory"
)

type fakeRunner struct {
	mu        sync.Mutex
	calls     int
	active    int
	maxActive int
	scripted  []runner.Outcome
	release   chan struct{}
}

func newFakeRunner(scripted ...runner.Outcome) *fakeRunner {
	return &fakeRunner{scripted: scripted, release: make(chan struct{})}
}

func (f *fakeRunner) Run(ctx context.Context, _ int64) (runner.Outcome, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if idx < len(f.scripted) {
		return f.scripted[idx], nil
	}
	select {
	case <-f.release:
		return runner.OutcomeDone, nil
	case <-ctx.Done():
		return runner.OutcomeCanceled, nil
	}
}

func (f *fakeRunner) stats() (calls, active, maxActive int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.active, f.maxActive
}

type fakeSink struct {
	mu       sync.Mutex
	prepared []string
}

func (f *fakeSink) Prepare(_ context.Context, date string, at time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := "output/data_" + date + "_" + at.Format("20060102150405") + ".csv"
	f.prepared = append(f.prepared, path)
	return path, nil
}

func (f *fakeSink) Append(context.Context, string, []crawler.Record) error { return nil }

type fakeLease struct {
	mu       sync.Mutex
	grant    bool
	err      error
	released []int64
}

func (f *fakeLease) Acquire(context.Context, int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	return f.grant, nil
}

func (f *fakeLease) Renew(context.Context, int64) error { return nil }

func (f *fakeLease) Release(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
	return nil
}

var created = time.Date(2024, 5, 2, 0, 30, 0, 0, time.UTC)

func newTestRegistry(t *testing.T, r Runner, opts Options) (*Registry, *memory.JobStore, *fakeSink) {
	t.Helper()
	store := memory.NewJobStore()
	sink := &fakeSink{}
	delay, err := pacing.New(180 * time.Second)
	require.NoError(t, err)
	reg := New(store, sink, r, delay, system.Fixed(created), opts, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})
	return reg, store, sink
}

func TestCreate(t *testing.T) {
	t.Parallel()

	reg, _, sink := newTestRegistry(t, newFakeRunner(), Options{})
	ctx := context.Background()

	_, err := reg.Create(ctx, "2024-13-01")
	require.ErrorIs(t, err, ErrInvalidDate)
	_, err = reg.Create(ctx, "yesterday")
	require.ErrorIs(t, err, ErrInvalidDate)
	require.Empty(t, sink.prepared, "rejected dates must not allocate output")

	job, err := reg.Create(ctx, "2024-05-01")
	require.NoError(t, err)
	require.Equal(t, "2024-05-01", job.Date)
	require.Equal(t, crawler.InitialPage, job.CurrentPage)
	require.Equal(t, crawler.InitialTotalPages, job.TotalPage)
	require.True(t, job.StopFlag, "jobs are created paused")
	require.False(t, job.Done)
	require.Equal(t, "output/data_2024-05-01_20240502003000.csv", job.OutputPath)
	require.Equal(t, created, job.CreatedAt)
	require.False(t, reg.Running(job.ID))
}

func TestUnknownJob(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(t, newFakeRunner(), Options{})
	ctx := context.Background()
	require.ErrorIs(t, reg.Start(ctx, 404), ErrNotFound)
	require.ErrorIs(t, reg.Stop(ctx, 404), ErrNotFound)
	_, err := reg.Get(ctx, 404)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStartTwiceRunsOnce(t *testing.T) {
	t.Parallel()

	fr := newFakeRunner()
	reg, store, _ := newTestRegistry(t, fr, Options{})
	ctx := context.Background()
	job, err := reg.Create(ctx, "2024-05-01")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, reg.Start(ctx, job.ID))
		}()
	}
	wg.Wait()
	require.NoError(t, reg.Start(ctx, job.ID))

	require.Eventually(t, func() bool {
		calls, active, _ := fr.stats()
		return calls == 1 && active == 1
	}, time.Second, 5*time.Millisecond)
	require.True(t, reg.Running(job.ID))

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.False(t, stored.StopFlag)

	close(fr.release)
	require.Eventually(t, func() bool { return !reg.Running(job.ID) }, time.Second, 5*time.Millisecond)
	calls, _, maxActive := fr.stats()
	require.Equal(t, 1, calls)
	require.Equal(t, 1, maxActive)
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(t, newFakeRunner(), Options{})
	ctx := context.Background()
	job, err := reg.Create(ctx, "2024-05-01")
	require.NoError(t, err)

	require.NoError(t, reg.Stop(ctx, job.ID))
	before, err := reg.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, reg.Stop(ctx, job.ID))
	after, err := reg.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.True(t, after.StopFlag)
}

func TestStopThenStartRelaunches(t *testing.T) {
	t.Parallel()

	fr := newFakeRunner(runner.OutcomeStopped)
	reg, _, _ := newTestRegistry(t, fr, Options{})
	ctx := context.Background()
	job, err := reg.Create(ctx, "2024-05-01")
	require.NoError(t, err)

	// The first Run reports a stop while the stored flag is clear again, so the
	// registry keeps the runner alive instead of dropping the restart.
	require.NoError(t, reg.Start(ctx, job.ID))
	require.Eventually(t, func() bool {
		calls, active, _ := fr.stats()
		return calls == 2 && active == 1
	}, time.Second, 5*time.Millisecond)
	require.True(t, reg.Running(job.ID))
	_, _, maxActive := fr.stats()
	require.Equal(t, 1, maxActive)
}

func TestListAndLatest(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	delay, err := pacing.New(time.Second)
	require.NoError(t, err)
	now := created
	clock := system.Func(func() time.Time {
		now = now.Add(time.Minute)
		return now
	})
	reg := New(store, &fakeSink{}, newFakeRunner(), delay, clock, Options{}, nil)
	ctx := context.Background()

	_, ok, err := reg.Latest(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	first, err := reg.Create(ctx, "2024-04-30")
	require.NoError(t, err)
	second, err := reg.Create(ctx, "2024-05-01")
	require.NoError(t, err)

	jobs, err := reg.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{second.ID, first.ID}, []int64{jobs[0].ID, jobs[1].ID})

	latest, ok, err := reg.Latest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, second.ID, latest.ID)
}

func TestSetInterPageDelay(t *testing.T) {
	t.Parallel()

	reg, _, _ := newTestRegistry(t, newFakeRunner(), Options{})
	require.ErrorIs(t, reg.SetInterPageDelay(0), ErrInvalidDelay)
	require.ErrorIs(t, reg.SetInterPageDelay(-time.Second), ErrInvalidDelay)
	require.Equal(t, 180*time.Second, reg.InterPageDelay())

	require.NoError(t, reg.SetInterPageDelay(30*time.Second))
	require.Equal(t, 30*time.Second, reg.InterPageDelay())
}

func TestResume(t *testing.T) {
	t.Parallel()

	fr := newFakeRunner()
	reg, store, _ := newTestRegistry(t, fr, Options{})
	ctx := context.Background()

	paused, err := reg.Create(ctx, "2024-04-29")
	require.NoError(t, err)
	running, err := reg.Create(ctx, "2024-04-30")
	require.NoError(t, err)
	finished, err := reg.Create(ctx, "2024-05-01")
	require.NoError(t, err)
	require.NoError(t, store.SetStopFlag(ctx, running.ID, false))
	require.NoError(t, store.SetStopFlag(ctx, finished.ID, false))
	require.NoError(t, store.SaveProgress(ctx, finished.ID, crawler.Progress{CurrentPage: 2, TotalPage: 2, Done: true}))

	n, err := reg.Resume(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Eventually(t, func() bool { return reg.Running(running.ID) }, time.Second, 5*time.Millisecond)
	require.False(t, reg.Running(paused.ID))
	require.False(t, reg.Running(finished.ID))
}

func TestShutdownWaitsForRunners(t *testing.T) {
	t.Parallel()

	fr := newFakeRunner()
	reg, _, _ := newTestRegistry(t, fr, Options{})
	ctx := context.Background()
	job, err := reg.Create(ctx, "2024-05-01")
	require.NoError(t, err)
	require.NoError(t, reg.Start(ctx, job.ID))
	require.Eventually(t, func() bool {
		_, active, _ := fr.stats()
		return active == 1
	}, time.Second, 5*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, reg.Shutdown(shutdownCtx))
	_, active, _ := fr.stats()
	require.Zero(t, active)
	require.False(t, reg.Running(job.ID))

	require.ErrorIs(t, reg.Start(ctx, job.ID), ErrClosed)
}

func TestFailedStartKeepsJobPaused(t *testing.T) {
	t.Parallel()

	t.Run("lease error", func(t *testing.T) {
		t.Parallel()

		fr := newFakeRunner()
		lease := &fakeLease{err: errors.New("redis down")}
		reg, store, _ := newTestRegistry(t, fr, Options{Lease: lease})
		ctx := context.Background()
		job, err := reg.Create(ctx, "2024-05-01")
		require.NoError(t, err)

		require.ErrorContains(t, reg.Start(ctx, job.ID), "redis down")
		got, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.True(t, got.StopFlag)
		require.False(t, reg.Running(job.ID))
	})

	t.Run("closed registry", func(t *testing.T) {
		t.Parallel()

		reg, store, _ := newTestRegistry(t, newFakeRunner(), Options{})
		ctx := context.Background()
		job, err := reg.Create(ctx, "2024-05-01")
		require.NoError(t, err)
		require.NoError(t, reg.Shutdown(ctx))

		require.ErrorIs(t, reg.Start(ctx, job.ID), ErrClosed)
		got, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.True(t, got.StopFlag)
	})
}

func TestLeaseHeldElsewhere(t *testing.T) {
	t.Parallel()

	fr := newFakeRunner()
	lease := &fakeLease{grant: false}
	reg, _, _ := newTestRegistry(t, fr, Options{Lease: lease})
	ctx := context.Background()
	job, err := reg.Create(ctx, "2024-05-01")
	require.NoError(t, err)

	require.NoError(t, reg.Start(ctx, job.ID))
	require.False(t, reg.Running(job.ID))
	calls, _, _ := fr.stats()
	require.Zero(t, calls)

	lease.mu.Lock()
	lease.grant = true
	lease.mu.Unlock()
	require.NoError(t, reg.Start(ctx, job.ID))
	require.True(t, reg.Running(job.ID))
	close(fr.release)
	require.Eventually(t, func() bool {
		lease.mu.Lock()
		defer lease.mu.Unlock()
		return len(lease.released) == 1
	}, time.Second, 5*time.Millisecond)
}
