// Package broadcast fans journal events out to connected TCP clients.
//
// A Server accepts connections and keeps the live client set. Its
// Broadcaster is subscribed to an event source: for each event it records
// the event in the backlog, translates it to paths, encodes the payload
// once, and writes the identical bytes to every eligible client
// concurrently, waiting for all writes before returning to the source.
package broadcast

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cory-johannsen/elitecast/internal/backlog"
	"github.com/cory-johannsen/elitecast/internal/event"
	"github.com/cory-johannsen/elitecast/internal/observability"
	"github.com/cory-johannsen/elitecast/internal/paths"
	"github.com/cory-johannsen/elitecast/internal/wire"
)

// Broadcaster handles one event at a time on behalf of a Server.
type Broadcaster struct {
	backlog    *backlog.Backlog
	translator paths.Translator
	clients    *Registry
	logger     *zap.Logger
	metrics    *observability.Metrics
}

// NewBroadcaster creates a Broadcaster that delivers to clients.
//
// Precondition: all arguments must be non-nil.
func NewBroadcaster(bl *backlog.Backlog, translator paths.Translator, clients *Registry, logger *zap.Logger, metrics *observability.Metrics) *Broadcaster {
	return &Broadcaster{
		backlog:    bl,
		translator: translator,
		clients:    clients,
		logger:     logger,
		metrics:    metrics,
	}
}

// HandleEvent runs one broadcast round for e. It is an event.Handler.
//
// Postcondition: e is in the backlog. Unless the translator failed or
// returned paths.ErrSkipEvent, every client eligible at snapshot time has
// been written exactly one payload, an empty path set included, or has
// failed. Always returns nil: translation and per-client write failures
// are logged, never propagated.
func (b *Broadcaster) HandleEvent(ctx context.Context, e event.Event) error {
	typeAttr := metric.WithAttributes(attribute.String("event", e.Type))
	b.metrics.EventsReceived.Add(ctx, 1, typeAttr)

	b.backlog.Append(e)

	ps, err := b.translate(e)
	if errors.Is(err, paths.ErrSkipEvent) {
		b.logger.Debug("event excluded from broadcast",
			zap.String("event", e.Type),
			zap.Uint64("seq", e.Seq),
		)
		return nil
	}
	if err != nil {
		b.metrics.TranslationFailures.Add(ctx, 1, typeAttr)
		b.logger.Warn("skipping event delivery",
			zap.String("event", e.Type),
			zap.Uint64("seq", e.Seq),
			zap.Error(err),
		)
		return nil
	}
	frame, err := wire.Encode(ps)
	if err != nil {
		b.logger.Error("encoding payload",
			zap.String("event", e.Type),
			zap.Uint64("seq", e.Seq),
			zap.Error(err),
		)
		return nil
	}
	b.metrics.PayloadBytes.Record(ctx, int64(len(frame)), typeAttr)

	b.deliver(ctx, e, frame)
	return nil
}

func (b *Broadcaster) translate(e event.Event) (ps paths.PathSet, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &paths.TranslationError{EventType: e.Type, Seq: e.Seq, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return b.translator.ToPaths(e)
}

func (b *Broadcaster) deliver(ctx context.Context, e event.Event, frame []byte) {
	targets := b.clients.Eligible()
	if len(targets) == 0 {
		return
	}

	var g errgroup.Group
	for _, c := range targets {
		g.Go(func() error {
			b.metrics.ClientWrites.Add(ctx, 1)
			err := c.Write(frame)
			switch {
			case err == nil:
			case errors.Is(err, ErrClientClosed):
				// closed between snapshot and write
			default:
				b.metrics.ClientWriteFailures.Add(ctx, 1)
				if b.clients.Remove(c) {
					b.metrics.ClientsPruned.Add(ctx, 1)
				}
				b.logger.Warn("client write failed, dropping client",
					zap.String("client_id", c.ID()),
					zap.String("remote_addr", c.RemoteAddr()),
					zap.String("event", e.Type),
					zap.Uint64("seq", e.Seq),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	b.logger.Debug("broadcast complete",
		zap.String("event", e.Type),
		zap.Uint64("seq", e.Seq),
		zap.Int("clients", len(targets)),
	)
}
