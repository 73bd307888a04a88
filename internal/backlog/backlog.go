// Package backlog records every event observed since process start.
package backlog

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/elitecast/internal/config"
	"github.com/cory-johannsen/elitecast/internal/event"
	"github.com/cory-johannsen/elitecast/internal/observability"
)

// flushTimeout bounds the final drain of queued events when Run stops.
const flushTimeout = 5 * time.Second

// Sink persists events outside the process.
type Sink interface {
	Record(ctx context.Context, e event.Event) error
}

// Backlog is an append-only, in-memory history of events. It is safe for
// concurrent use. Append never blocks on I/O: events bound for the Sink
// are queued and written by Run, and dropped from the sink (never from
// memory) when the queue is full.
type Backlog struct {
	mu        sync.RWMutex
	events    []event.Event
	maxEvents int

	sink      Sink
	queue     chan event.Event
	sinkDrops atomic.Uint64

	logger  *zap.Logger
	metrics *observability.Metrics
}

// New creates a Backlog. sink may be nil, in which case Run returns
// immediately when its context ends.
//
// Precondition: cfg.SinkBuffer >= 1 when sink is non-nil; logger and metrics must be non-nil.
func New(cfg config.BacklogConfig, sink Sink, logger *zap.Logger, metrics *observability.Metrics) *Backlog {
	b := &Backlog{
		maxEvents: cfg.MaxEvents,
		sink:      sink,
		logger:    logger,
		metrics:   metrics,
	}
	if sink != nil {
		b.queue = make(chan event.Event, cfg.SinkBuffer)
	}
	return b
}

// Append records e. When the backlog is bounded the oldest event is
// discarded once the bound is reached.
//
// Postcondition: e is the newest entry; Append never fails or blocks on I/O.
func (b *Backlog) Append(e event.Event) {
	b.mu.Lock()
	if b.maxEvents > 0 && len(b.events) >= b.maxEvents {
		b.events = append(b.events[1:], e)
	} else {
		b.events = append(b.events, e)
	}
	b.mu.Unlock()

	if b.queue == nil {
		return
	}
	select {
	case b.queue <- e:
	default:
		b.sinkDrops.Add(1)
		b.metrics.BacklogSinkDrops.Add(context.Background(), 1)
		b.logger.Warn("backlog sink queue full, event not persisted",
			zap.String("event", e.Type),
			zap.Uint64("seq", e.Seq),
		)
	}
}

// Len returns the number of retained events.
func (b *Backlog) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events)
}

// Snapshot returns a copy of the retained events, oldest first.
func (b *Backlog) Snapshot() []event.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]event.Event, len(b.events))
	copy(out, b.events)
	return out
}

// Since returns retained events with Seq greater than seq, oldest first.
// Events are appended in Seq order, so a binary search finds the start.
func (b *Backlog) Since(seq uint64) []event.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	i := sort.Search(len(b.events), func(i int) bool { return b.events[i].Seq > seq })
	out := make([]event.Event, len(b.events)-i)
	copy(out, b.events[i:])
	return out
}

// SinkDrops returns the number of events that were not queued for persistence.
func (b *Backlog) SinkDrops() uint64 {
	return b.sinkDrops.Load()
}

// Run writes queued events to the sink until ctx is cancelled, then makes
// a bounded best-effort attempt to flush what is still queued.
//
// Postcondition: Returns nil when ctx ends.
func (b *Backlog) Run(ctx context.Context) error {
	if b.sink == nil {
		<-ctx.Done()
		return nil
	}

	for {
		select {
		case e := <-b.queue:
			b.record(ctx, e)
		case <-ctx.Done():
			b.flush()
			return nil
		}
	}
}

func (b *Backlog) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for {
		select {
		case e := <-b.queue:
			b.record(ctx, e)
		default:
			return
		}
	}
}

func (b *Backlog) record(ctx context.Context, e event.Event) {
	if err := b.sink.Record(ctx, e); err != nil {
		b.logger.Error("persisting event",
			zap.String("event", e.Type),
			zap.Uint64("seq", e.Seq),
			zap.Error(err),
		)
	}
}
