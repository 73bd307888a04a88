package broadcast_test

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/elitecast/internal/backlog"
	"github.com/cory-johannsen/elitecast/internal/broadcast"
	"github.com/cory-johannsen/elitecast/internal/config"
	"github.com/cory-johannsen/elitecast/internal/event"
	"github.com/cory-johannsen/elitecast/internal/observability"
	"github.com/cory-johannsen/elitecast/internal/paths"
	"github.com/cory-johannsen/elitecast/internal/testutil"
)

const readTimeout = 2 * time.Second

// typePaths translates an event to a single path naming its type, or to
// the fixed set registered for it.
func typePaths(fixed map[string]paths.PathSet) paths.Translator {
	return paths.TranslatorFunc(func(e event.Event) (paths.PathSet, error) {
		if ps, ok := fixed[e.Type]; ok {
			return ps, nil
		}
		return paths.PathSet{"/" + e.Type}, nil
	})
}

type harness struct {
	srv *broadcast.Server
	bus *event.Bus
	bl  *backlog.Backlog
}

func newHarness(t *testing.T, cfg config.BroadcastConfig, tr paths.Translator) *harness {
	t.Helper()
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = time.Second
	}
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = 50 * time.Millisecond
	}
	logger := zaptest.NewLogger(t)
	bus := event.NewBus()
	bl := backlog.New(config.BacklogConfig{SinkBuffer: 1}, nil, logger, observability.NopMetrics())
	srv := broadcast.NewServer(cfg, bus, tr, bl, logger, observability.NopMetrics())
	t.Cleanup(srv.Stop)
	return &harness{srv: srv, bus: bus, bl: bl}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.srv.Start(0))
	require.True(t, h.srv.IsRunning())
}

// connect dials the server and waits until the client is eligible for
// broadcasts.
func (h *harness) connect(t *testing.T) *testutil.LineClient {
	t.Helper()
	before := h.srv.ClientCount()
	c := testutil.NewLineClient(t, h.srv.Addr())
	require.Eventually(t, func() bool {
		clients := h.srv.Clients()
		if len(clients) <= before {
			return false
		}
		for _, cl := range clients {
			if !cl.Eligible() {
				return false
			}
		}
		return true
	}, readTimeout, 5*time.Millisecond)
	return c
}

func (h *harness) publish(t *testing.T, typ string) {
	t.Helper()
	require.NoError(t, h.bus.Publish(context.Background(), event.Event{Type: typ}))
}

func TestServer_SingleClientReceivesPaths(t *testing.T) {
	h := newHarness(t, config.BroadcastConfig{}, typePaths(map[string]paths.PathSet{"E1": {"/a", "/b"}}))
	h.start(t)
	c := h.connect(t)

	h.publish(t, "E1")

	assert.Equal(t, "{\"paths\":[\"/a\",\"/b\"]}\n", c.ReadLine(readTimeout))
	c.ExpectSilence(50 * time.Millisecond)
	assert.Equal(t, 1, h.bl.Len())
}

func TestServer_EmptyTranslationStillDelivered(t *testing.T) {
	h := newHarness(t, config.BroadcastConfig{}, typePaths(map[string]paths.PathSet{"Empty": {}}))
	h.start(t)
	c := h.connect(t)

	h.publish(t, "Empty")
	h.publish(t, "Next")

	assert.Equal(t, "{\"paths\":[]}\n", c.ReadLine(readTimeout))
	assert.Equal(t, []string{"/Next"}, c.ReadPayload(readTimeout).Paths)
}

func TestServer_ClientsReceiveIdenticalBytes(t *testing.T) {
	h := newHarness(t, config.BroadcastConfig{}, typePaths(nil))
	h.start(t)
	a := h.connect(t)
	b := h.connect(t)

	h.publish(t, "E2")

	la := a.ReadLine(readTimeout)
	lb := b.ReadLine(readTimeout)
	assert.Equal(t, "{\"paths\":[\"/E2\"]}\n", la)
	assert.Equal(t, la, lb)
}

func TestServer_ClosedClientIsSkipped(t *testing.T) {
	h := newHarness(t, config.BroadcastConfig{}, typePaths(nil))
	h.start(t)
	a := h.connect(t)
	b := h.connect(t)

	// Registration order follows connection order.
	clients := h.srv.Clients()
	require.Len(t, clients, 2)
	require.NoError(t, clients[0].Close())

	h.publish(t, "E3")

	a.ExpectClosed(readTimeout)
	assert.Equal(t, []string{"/E3"}, b.ReadPayload(readTimeout).Paths)
	assert.True(t, clients[1].Eligible())
}

func TestServer_FailedClientDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t, config.BroadcastConfig{}, typePaths(nil))
	h.start(t)
	gone := h.connect(t)
	live := h.connect(t)

	gone.Close()
	h.publish(t, "E4")
	h.publish(t, "E5")

	assert.Equal(t, []string{"/E4"}, live.ReadPayload(readTimeout).Paths)
	assert.Equal(t, []string{"/E5"}, live.ReadPayload(readTimeout).Paths)
	require.Eventually(t, func() bool { return h.srv.ClientCount() == 1 }, readTimeout, 10*time.Millisecond)
}

func TestServer_StopClosesAllClients(t *testing.T) {
	h := newHarness(t, config.BroadcastConfig{}, typePaths(nil))
	h.start(t)
	clients := []*testutil.LineClient{h.connect(t), h.connect(t), h.connect(t)}

	h.srv.Stop()

	assert.False(t, h.srv.IsRunning())
	for _, c := range clients {
		c.ExpectClosed(readTimeout)
	}
	for _, cl := range h.srv.Clients() {
		assert.False(t, cl.IsOpen())
	}
	select {
	case <-h.srv.Done():
	default:
		t.Fatal("accept loop still running after Stop")
	}
	assert.Equal(t, 0, h.bus.HandlerCount(), "server unsubscribed from the source")
}

func TestServer_StopIdempotent(t *testing.T) {
	h := newHarness(t, config.BroadcastConfig{}, typePaths(nil))

	h.start(t)
	h.srv.Stop()
	assert.NotPanics(t, h.srv.Stop)
	assert.False(t, h.srv.IsRunning())
}

func TestServer_StopBeforeStartPreventsBind(t *testing.T) {
	h := newHarness(t, config.BroadcastConfig{}, typePaths(nil))

	assert.NotPanics(t, h.srv.Stop)
	assert.ErrorIs(t, h.srv.Start(0), broadcast.ErrServerStopped)
	assert.False(t, h.srv.IsRunning())
	assert.Empty(t, h.srv.Addr(), "no listener was bound")
	assert.Equal(t, 0, h.bus.HandlerCount())
	assert.NoError(t, h.srv.ListenAndServe(), "a server stopped before serving exits cleanly")
}

func TestServer_ConcurrentStopWaitsForTeardown(t *testing.T) {
	h := newHarness(t, config.BroadcastConfig{}, typePaths(nil))
	h.start(t)
	c := h.connect(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.srv.Stop()
			// Every caller returns only after teardown finished.
			assert.Equal(t, 0, h.bus.HandlerCount())
			for _, cl := range h.srv.Clients() {
				assert.False(t, cl.IsOpen())
			}
		}()
	}
	wg.Wait()
	c.ExpectClosed(readTimeout)
}

func TestServer_StartTwice(t *testing.T) {
	h := newHarness(t, config.BroadcastConfig{}, typePaths(nil))
	h.start(t)
	assert.ErrorIs(t, h.srv.Start(0), broadcast.ErrAlreadyStarted)
}

func TestServer_NoRestartAfterStop(t *testing.T) {
	h := newHarness(t, config.BroadcastConfig{}, typePaths(nil))
	h.start(t)
	h.srv.Stop()
	assert.ErrorIs(t, h.srv.Start(0), broadcast.ErrServerStopped)
}

func TestServer_BindErrorOnPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	h := newHarness(t, config.BroadcastConfig{}, typePaths(nil))
	err = h.srv.Start(port)

	var bindErr *broadcast.BindError
	require.True(t, errors.As(err, &bindErr), "got %v", err)
	assert.Equal(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), bindErr.Addr)
	assert.False(t, h.srv.IsRunning())
	assert.Equal(t, 0, h.bus.HandlerCount())
}

func TestServer_DisconnectedClientsArePruned(t *testing.T) {
	h := newHarness(t, config.BroadcastConfig{}, typePaths(nil))
	h.start(t)
	c := h.connect(t)
	require.Equal(t, 1, h.srv.ClientCount())

	c.Close()
	require.Eventually(t, func() bool { return h.srv.ClientCount() == 0 }, readTimeout, 10*time.Millisecond)
}

func TestServer_MaxClients(t *testing.T) {
	h := newHarness(t, config.BroadcastConfig{MaxClients: 1}, typePaths(nil))
	h.start(t)
	first := h.connect(t)

	rejected := testutil.NewLineClient(t, h.srv.Addr())
	rejected.ExpectClosed(readTimeout)
	assert.Equal(t, 1, h.srv.ClientCount())

	h.publish(t, "E6")
	assert.Equal(t, []string{"/E6"}, first.ReadPayload(readTimeout).Paths)
}

func TestServer_EventsBeforeConnectAreNotReplayed(t *testing.T) {
	h := newHarness(t, config.BroadcastConfig{}, typePaths(nil))
	h.start(t)
	h.publish(t, "Early")

	c := h.connect(t)
	c.ExpectSilence(50 * time.Millisecond)
	h.publish(t, "Late")
	assert.Equal(t, []string{"/Late"}, c.ReadPayload(readTimeout).Paths)
	assert.Equal(t, 2, h.bl.Len())
}

func TestServer_ListenAndServeReturnsAfterStop(t *testing.T) {
	logger := zaptest.NewLogger(t)
	bus := event.NewBus()
	bl := backlog.New(config.BacklogConfig{SinkBuffer: 1}, nil, logger, observability.NopMetrics())
	srv := broadcast.NewServer(config.BroadcastConfig{Host: "127.0.0.1", Port: 0, WriteTimeout: time.Second}, bus, typePaths(nil), bl, logger, observability.NopMetrics())

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	require.Eventually(t, srv.IsRunning, readTimeout, 5*time.Millisecond)

	srv.Stop()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(readTimeout):
		t.Fatal("ListenAndServe did not return after Stop")
	}
}

// Every client observes events in publication order.
func TestPropertyServerPreservesOrder(t *testing.T) {
	h := newHarness(t, config.BroadcastConfig{}, typePaths(nil))
	h.start(t)
	c := h.connect(t)

	rapid.Check(t, func(rt *rapid.T) {
		types := rapid.SliceOfN(rapid.StringMatching(`[A-Z][a-z]{1,8}`), 1, 8).Draw(rt, "types")
		for _, typ := range types {
			if err := h.bus.Publish(context.Background(), event.Event{Type: typ}); err != nil {
				rt.Fatalf("publish: %v", err)
			}
		}
		for _, typ := range types {
			got := c.ReadPayload(readTimeout).Paths
			if len(got) != 1 || got[0] != "/"+typ {
				rt.Fatalf("expected [/%s], got %v", typ, got)
			}
		}
	})
}
