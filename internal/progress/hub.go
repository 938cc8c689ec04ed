package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls buffering and batching for the Hub. Zero values take the
// defaults below.
type Config struct {
	// BufferSize is the capacity of the intake channel.
	BufferSize int
	// MaxBatchEvents flushes a batch once it holds this many events.
	MaxBatchEvents int
	// MaxBatchWait flushes a non-empty batch this long after its first event.
	MaxBatchWait time.Duration
	// SinkTimeout bounds each Consume call.
	SinkTimeout time.Duration
	// BaseContext is the parent of every sink call.
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.BaseContext == nil {
		c.BaseContext = context.Background()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// HubStats counts what the hub did with the events it was given.
type HubStats struct {
	Delivered  int64
	Dropped    int64
	SinkErrors int64
}

// Hub decouples spider events from slow consumers: Emit never blocks, and a
// background goroutine hands events to every sink in batches. Emit can be
// subscribed directly on a Source.
type Hub struct {
	cfg         Config
	sinks       []Sink
	events      chan Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLimiter *rate.Limiter

	// pendingDrops counts drops not yet reported in a log line.
	pendingDrops atomic.Int64
	dropped      atomic.Int64
	delivered    atomic.Int64
	sinkErrors   atomic.Int64
	closed       atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts a Hub delivering to sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		events:      make(chan Event, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      cfg.Logger,
		dropLimiter: rate.NewLimiter(rate.Every(dropLogInterval), 1),
	}
	go h.run()
	return h
}

// Emit enqueues evt. Invalid events are ignored. When the buffer is full the
// event is dropped and a rate-limited warning is logged.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
		return
	default:
	}
	h.dropped.Add(1)
	h.pendingDrops.Add(1)
	if h.dropLimiter == nil || h.dropLimiter.Allow() {
		h.logger.Warn("progress events dropped due to backpressure",
			zap.Int64("dropped", h.pendingDrops.Swap(0)))
	}
}

// Stats returns delivery counters.
func (h *Hub) Stats() HubStats {
	return HubStats{
		Delivered:  h.delivered.Load(),
		Dropped:    h.dropped.Load(),
		SinkErrors: h.sinkErrors.Load(),
	}
}

// Close stops intake, flushes what is buffered, closes the sinks and waits
// for all of it, or for ctx. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
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
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

// batch accumulates events and owns the deadline of the oldest one.
type batch struct {
	events []Event
	timer  *time.Timer
	armed  bool
}

func (b *batch) add(evt Event, wait time.Duration) {
	b.events = append(b.events, evt)
	if !b.armed {
		b.timer.Reset(wait)
		b.armed = true
	}
}

// take empties the batch and disarms its deadline.
func (b *batch) take() []Event {
	if b.armed && !b.timer.Stop() {
		select {
		case <-b.timer.C:
		default:
		}
	}
	b.armed = false
	out := b.events
	b.events = make([]Event, 0, cap(out))
	return out
}

func (h *Hub) run() {
	defer close(h.doneCh)
	b := &batch{events: make([]Event, 0, h.cfg.MaxBatchEvents), timer: time.NewTimer(time.Hour)}
	b.timer.Stop()
	for {
		select {
		case evt := <-h.events:
			b.add(evt, h.cfg.MaxBatchWait)
			if len(b.events) >= h.cfg.MaxBatchEvents {
				h.flush(b.take())
			}
		case <-b.timer.C:
			b.armed = false
			h.flush(b.take())
		case <-h.stopCh:
			h.drain(b)
			h.closeSinks()
			return
		}
	}
}

// drain flushes everything still buffered after intake stopped.
func (h *Hub) drain(b *batch) {
	for {
		select {
		case evt := <-h.events:
			b.add(evt, h.cfg.MaxBatchWait)
			if len(b.events) >= h.cfg.MaxBatchEvents {
				h.flush(b.take())
			}
		default:
			h.flush(b.take())
			return
		}
	}
}

func (h *Hub) flush(events []Event) {
	if len(events) == 0 {
		return
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		err := sink.Consume(ctx, events)
		cancel()
		if err != nil {
			h.sinkErrors.Add(1)
			h.logger.Warn("progress sink consume failed", zap.Int("events", len(events)), zap.Error(err))
		}
	}
	h.delivered.Add(int64(len(events)))
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
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

// Source publishes events to subscribers. Bus and spider.Spider implement it.
type Source interface {
	On(pattern string, h Handler) (unsubscribe func())
}

// Attach forwards events matching pattern from src to the hub and returns the
// unsubscribe function.
func (h *Hub) Attach(src Source, pattern string) func() {
	return src.On(pattern, h.Emit)
}
