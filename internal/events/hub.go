package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sendrecord-crawler/internal/crawler"
)

var (
	// ErrClosed is returned by Publish after Close has been called.
	ErrClosed = errors.New("event hub closed")
	// ErrDropped is returned by Publish when the buffer is full.
	ErrDropped = errors.New("event dropped due to backpressure")
)

// Config controls buffering and batching for the Hub. Zero values select the
// package defaults.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 100
	defaultMaxBatchWait   = time.Second
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub queues job events and flushes them to every sink in batches. Publish never
// blocks, so a slow broker cannot stall a job runner.
type Hub struct {
	cfg    Config
	sinks  []Sink
	queue  chan crawler.JobEvent
	stopCh chan struct{}
	doneCh chan struct{}
	logger *zap.Logger

	dropLog dropThrottle
	dropped atomic.Int64
	closed  atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the background flusher for the given sinks.
func NewHub(cfg Config, logger *zap.Logger, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:     cfg,
		sinks:   append([]Sink(nil), sinks...),
		queue:   make(chan crawler.JobEvent, cfg.BufferSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  logger,
		dropLog: dropThrottle{interval: dropLogInterval},
	}
	go h.loop()
	return h
}

// Publish implements crawler.Publisher by enqueueing the event.
func (h *Hub) Publish(_ context.Context, evt crawler.JobEvent) error {
	if h == nil {
		return nil
	}
	if h.closed.Load() {
		return ErrClosed
	}
	if err := Validate(evt); err != nil {
		return fmt.Errorf("invalid job event: %w", err)
	}
	select {
	case h.queue <- evt:
		return nil
	default:
	}
	h.dropped.Add(1)
	if h.dropLog.Allow(time.Now()) {
		h.logger.Warn("job events dropped", zap.Int64("dropped", h.dropped.Swap(0)))
	}
	return ErrDropped
}

// Close flushes queued events, closes every sink and waits for the flusher to
// exit. Repeated calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event hub close: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.doneCh)
	batch := make([]crawler.JobEvent, 0, h.cfg.MaxBatchEvents)
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()
	armed := false
	for {
		select {
		case evt := <-h.queue:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				h.flush(batch)
				batch = batch[:0]
				disarm(timer, &armed)
			} else if !armed {
				timer.Reset(h.cfg.MaxBatchWait)
				armed = true
			}
		case <-timer.C:
			armed = false
			h.flush(batch)
			batch = batch[:0]
		case <-h.stopCh:
			disarm(timer, &armed)
			h.drain(batch)
			return
		}
	}
}

func (h *Hub) drain(batch []crawler.JobEvent) {
	for {
		select {
		case evt := <-h.queue:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				h.flush(batch)
				batch = batch[:0]
			}
		default:
			h.flush(batch)
			h.closeSinks()
			return
		}
	}
}

func disarm(timer *time.Timer, armed *bool) {
	if !*armed {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*armed = false
}

func (h *Hub) flush(batch []crawler.JobEvent) {
	if len(batch) == 0 {
		return
	}
	out := append([]crawler.JobEvent(nil), batch...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, out); err != nil {
			h.logger.Warn("event sink consume failed", zap.Int("events", len(out)), zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("event sink close failed", zap.Error(err))
		}
	}
}

type dropThrottle struct {
	interval time.Duration
	last     atomic.Int64
}

func (d *dropThrottle) Allow(now time.Time) bool {
	if d.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := d.last.Load()
	if nano-last < d.interval.Nanoseconds() {
		return false
	}
	return d.last.CompareAndSwap(last, nano)
}
