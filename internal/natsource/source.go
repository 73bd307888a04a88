// Package natsource feeds journal entries received over NATS into the
// event bus.
package natsource

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/cory-johannsen/elitecast/internal/config"
	"github.com/cory-johannsen/elitecast/internal/event"
)

// pendingMessages bounds the subscription channel. NATS drops and reports
// slow-consumer errors once it is full.
const pendingMessages = 4096

// Source subscribes to one subject and republishes each message body as an event.
type Source struct {
	cfg    config.NATSConfig
	pub    event.Publisher
	logger *zap.Logger

	nc  *nats.Conn
	sub *nats.Subscription
	ch  chan *nats.Msg
}

// Connect dials NATS and subscribes to cfg.Subject. Messages are buffered
// until Run publishes them.
//
// Precondition: cfg.URL and cfg.Subject must be non-empty; pub and logger non-nil.
// Postcondition: Returns a subscribed Source or a non-nil error.
func Connect(cfg config.NATSConfig, pub event.Publisher, logger *zap.Logger) (*Source, error) {
	logger = logger.With(zap.String("subject", cfg.Subject))

	nc, err := nats.Connect(cfg.URL,
		nats.Name("elitecast"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Warn("nats async error", zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	ch := make(chan *nats.Msg, pendingMessages)
	sub, err := nc.ChanSubscribe(cfg.Subject, ch)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats subscribe %s: %w", cfg.Subject, err)
	}

	logger.Info("nats connected", zap.String("url", cfg.URL))
	return &Source{cfg: cfg, pub: pub, logger: logger, nc: nc, sub: sub, ch: ch}, nil
}

// Run publishes received messages in arrival order until ctx is cancelled.
//
// Postcondition: Returns nil once ctx is done. The subscription is drained
// but the connection stays open until Close.
func (s *Source) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if err := s.sub.Unsubscribe(); err != nil {
				s.logger.Debug("nats unsubscribe", zap.Error(err))
			}
			return nil
		case msg := <-s.ch:
			Deliver(ctx, s.pub, s.logger, msg.Data)
		}
	}
}

// Close shuts down the NATS connection.
func (s *Source) Close() error {
	s.nc.Close()
	return nil
}

// Deliver parses one message body and publishes it. Malformed bodies and
// publish failures are logged and dropped.
func Deliver(ctx context.Context, pub event.Publisher, logger *zap.Logger, data []byte) {
	e, err := event.Parse(data)
	if err != nil {
		logger.Warn("skipping malformed message", zap.Int("bytes", len(data)), zap.Error(err))
		return
	}
	if err := pub.Publish(ctx, e); err != nil {
		logger.Warn("publishing message", zap.String("event", e.Type), zap.Error(err))
	}
}
