package broadcast

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cory-johannsen/elitecast/internal/backlog"
	"github.com/cory-johannsen/elitecast/internal/config"
	"github.com/cory-johannsen/elitecast/internal/event"
	"github.com/cory-johannsen/elitecast/internal/observability"
	"github.com/cory-johannsen/elitecast/internal/paths"
)

const (
	defaultPruneInterval = 30 * time.Second
	minAcceptBackoff     = 5 * time.Millisecond
	maxAcceptBackoff     = time.Second
)

type state int

const (
	stateCreated state = iota
	stateRunning
	stateStopped
)

// Server accepts broadcast clients on a TCP port and feeds them events from
// a source. Its lifecycle is Created → Running → Stopped; a stopped server
// cannot be restarted.
type Server struct {
	cfg         config.BroadcastConfig
	source      event.Source
	clients     *Registry
	broadcaster *Broadcaster
	logger      *zap.Logger
	metrics     *observability.Metrics

	mu          sync.Mutex
	state       state
	stopping    bool
	acceptLost  bool
	listener    net.Listener
	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc

	quit    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	wg   sync.WaitGroup
}

// NewServer creates a Server in the Created state.
//
// Precondition: source, translator, bl, logger, and metrics must be non-nil.
// Postcondition: Returns a Server ready to be started with Start or ListenAndServe.
func NewServer(cfg config.BroadcastConfig, source event.Source, translator paths.Translator, bl *backlog.Backlog, logger *zap.Logger, metrics *observability.Metrics) *Server {
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = defaultPruneInterval
	}
	clients := NewRegistry()
	return &Server{
		cfg:         cfg,
		source:      source,
		clients:     clients,
		broadcaster: NewBroadcaster(bl, translator, clients, logger, metrics),
		logger:      logger,
		metrics:     metrics,
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

// Start binds the listener on cfg.Host and port, subscribes to the event
// source, and begins accepting connections in the background.
//
// Postcondition: On success the server is Running and Start has not
// blocked. On bind failure returns a *BindError and the server stays Created.
func (s *Server) Start(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateRunning:
		return ErrAlreadyStarted
	case stateStopped:
		return ErrServerStopped
	}

	start := time.Now()
	addr := s.cfg.Addr(port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return &BindError{Addr: addr, Err: err}
	}

	s.listener = listener
	s.state = stateRunning
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.unsubscribe = s.source.OnAny(s.broadcaster.HandleEvent)

	s.logger.Info("broadcast server listening",
		zap.String("addr", listener.Addr().String()),
		zap.Duration("startup", time.Since(start)),
	)

	go s.acceptLoop(listener)

	s.wg.Add(1)
	go s.pruneLoop()

	return nil
}

// ListenAndServe starts the server on the configured port and blocks until
// the accept loop ends. A server stopped before it started returns nil
// without binding.
//
// Postcondition: The listener is closed when this method returns. Returns
// ErrAcceptLoopEnded if the listener closed without Stop being called.
func (s *Server) ListenAndServe() error {
	if err := s.Start(s.cfg.Port); err != nil {
		if errors.Is(err, ErrServerStopped) {
			return nil
		}
		return err
	}
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acceptLost {
		return ErrAcceptLoopEnded
	}
	return nil
}

// Done returns a channel closed when the accept loop has ended. It never
// closes for a server that was not started.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer close(s.done)

	var backoff time.Duration
	for {
		raw, err := listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}

			if errors.Is(err, net.ErrClosed) {
				s.logger.Error("listener closed unexpectedly, accept loop ending", zap.Error(err))
				s.mu.Lock()
				s.state = stateStopped
				s.acceptLost = true
				s.mu.Unlock()
				// Stop waits for done, which closes when this loop returns.
				go s.Stop()
				return
			}

			backoff = nextBackoff(backoff)
			s.logger.Warn("accepting connection",
				zap.Error(err),
				zap.Duration("retry_in", backoff),
			)
			select {
			case <-time.After(backoff):
			case <-s.quit:
				return
			}
			continue
		}

		backoff = 0
		s.admit(raw)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptBackoff
	}
	d *= 2
	if d > maxAcceptBackoff {
		d = maxAcceptBackoff
	}
	return d
}

func (s *Server) admit(raw net.Conn) {
	addr := raw.RemoteAddr().String()

	if s.cfg.MaxClients > 0 && len(s.clients.Open()) >= s.cfg.MaxClients {
		s.logger.Warn("client limit reached, rejecting connection",
			zap.String("remote_addr", addr),
			zap.Int("max_clients", s.cfg.MaxClients),
		)
		_ = raw.Close()
		return
	}

	c := NewClient(raw, s.cfg.WriteTimeout)
	s.clients.Add(c)
	s.metrics.ClientsAccepted.Add(s.ctx, 1)

	s.logger.Info("client connected",
		zap.String("client_id", c.ID()),
		zap.String("remote_addr", addr),
	)

	s.wg.Add(1)
	go s.serve(c)
}

func (s *Server) serve(c *Client) {
	defer s.wg.Done()

	err := c.Handle(s.ctx)
	if s.clients.Remove(c) {
		s.metrics.ClientsPruned.Add(context.Background(), 1)
	}

	fields := []zap.Field{
		zap.String("client_id", c.ID()),
		zap.String("remote_addr", c.RemoteAddr()),
		zap.Duration("duration", time.Since(c.ConnectedAt())),
	}
	if err != nil {
		s.logger.Debug("client disconnected", append(fields, zap.Error(err))...)
		return
	}
	s.logger.Info("client disconnected", fields...)
}

func (s *Server) pruneLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.clients.Prune(); n > 0 {
				s.metrics.ClientsPruned.Add(context.Background(), int64(n))
				s.logger.Debug("pruned closed clients", zap.Int("count", n))
			}
		case <-s.quit:
			return
		}
	}
}

// Stop unsubscribes from the event source, closes the listener and every
// open client, and waits for the accept loop and client handlers to end.
// Stop is idempotent; concurrent and repeated calls wait for the first to
// finish. Stopping a server that was never started moves it to Stopped so
// a later Start returns ErrServerStopped.
//
// Postcondition: The server is Stopped, no registered client is open, and
// all goroutines have exited.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		<-s.stopped
		return
	}
	s.stopping = true
	s.state = stateStopped
	if s.listener == nil {
		s.mu.Unlock()
		close(s.stopped)
		s.logger.Debug("broadcast server stopped before start")
		return
	}
	listener := s.listener
	unsubscribe := s.unsubscribe
	s.mu.Unlock()
	defer close(s.stopped)

	start := time.Now()
	s.logger.Debug("stopping broadcast server")

	close(s.quit)
	unsubscribe()
	_ = listener.Close()
	<-s.done

	var g errgroup.Group
	open := s.clients.Open()
	for _, c := range open {
		g.Go(c.Close)
	}
	if err := g.Wait(); err != nil {
		s.logger.Debug("closing clients", zap.Error(err))
	}

	s.cancel()
	s.wg.Wait()

	s.logger.Info("broadcast server stopped",
		zap.Int("closed_clients", len(open)),
		zap.Duration("elapsed", time.Since(start)),
	)
}

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateRunning
}

// Addr returns the bound listen address, or the empty string before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Clients returns a snapshot of the registered clients.
func (s *Server) Clients() []*Client {
	return s.clients.All()
}

// ClientCount returns the number of registered clients.
func (s *Server) ClientCount() int {
	return s.clients.Len()
}

// Broadcaster returns the server's event handler.
func (s *Server) Broadcaster() *Broadcaster {
	return s.broadcaster
}
