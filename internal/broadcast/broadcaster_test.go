package broadcast

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cory-johannsen/elitecast/internal/backlog"
	"github.com/cory-johannsen/elitecast/internal/config"
	"github.com/cory-johannsen/elitecast/internal/event"
	"github.com/cory-johannsen/elitecast/internal/observability"
	"github.com/cory-johannsen/elitecast/internal/paths"
)

// staticTranslator maps event types to fixed path sets.
func staticTranslator(m map[string]paths.PathSet) paths.Translator {
	return paths.TranslatorFunc(func(e event.Event) (paths.PathSet, error) {
		ps, ok := m[e.Type]
		if !ok {
			return nil, &paths.TranslationError{EventType: e.Type, Seq: e.Seq, Err: errors.New("unknown event")}
		}
		return ps, nil
	})
}

func newTestBacklog(t *testing.T) *backlog.Backlog {
	t.Helper()
	return backlog.New(config.BacklogConfig{SinkBuffer: 1}, nil, zaptest.NewLogger(t), observability.NopMetrics())
}

// acceptedPipe returns an accepted client and a reader for its peer side.
func acceptedPipe(t *testing.T) (*Client, *bufio.Reader, net.Conn) {
	t.Helper()
	c, peer := pipeClient(t, 2*time.Second)
	c.accepted.Store(true)
	return c, bufio.NewReader(peer), peer
}

func readLineAsync(r *bufio.Reader) <-chan string {
	ch := make(chan string, 1)
	go func() {
		line, _ := r.ReadString('\n')
		ch <- line
	}()
	return ch
}

func TestBroadcaster_DeliversIdenticalPayload(t *testing.T) {
	reg := NewRegistry()
	a, ra, _ := acceptedPipe(t)
	b, rb, _ := acceptedPipe(t)
	reg.Add(a)
	reg.Add(b)

	bl := newTestBacklog(t)
	br := NewBroadcaster(bl, staticTranslator(map[string]paths.PathSet{"E1": {"/a", "/b"}}), reg, zaptest.NewLogger(t), observability.NopMetrics())

	gotA, gotB := readLineAsync(ra), readLineAsync(rb)
	require.NoError(t, br.HandleEvent(context.Background(), event.Event{Seq: 1, Type: "E1"}))

	la, lb := <-gotA, <-gotB
	assert.Equal(t, "{\"paths\":[\"/a\",\"/b\"]}\n", la)
	assert.Equal(t, la, lb)
	assert.Equal(t, 1, bl.Len())
}

func TestBroadcaster_TranslationErrorStillRecorded(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	reg := NewRegistry()
	a, ra, peer := acceptedPipe(t)
	reg.Add(a)

	bl := newTestBacklog(t)
	br := NewBroadcaster(bl, staticTranslator(nil), reg, zap.New(core), observability.NopMetrics())

	require.NoError(t, br.HandleEvent(context.Background(), event.Event{Seq: 1, Type: "Unknown"}))
	assert.Equal(t, 1, bl.Len(), "untranslatable events stay in the backlog")
	assert.Equal(t, 1, logs.FilterMessage("skipping event delivery").Len())

	_ = peer.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, err := ra.ReadString('\n')
	assert.Error(t, err, "nothing should have been delivered")
}

func TestBroadcaster_TranslatorPanicContained(t *testing.T) {
	reg := NewRegistry()
	bl := newTestBacklog(t)
	tr := paths.TranslatorFunc(func(event.Event) (paths.PathSet, error) { panic("bad translator") })
	br := NewBroadcaster(bl, tr, reg, zaptest.NewLogger(t), observability.NopMetrics())

	assert.NotPanics(t, func() {
		assert.NoError(t, br.HandleEvent(context.Background(), event.Event{Seq: 1, Type: "X"}))
	})
	assert.Equal(t, 1, bl.Len())
}

func TestBroadcaster_EmptyPathSetDelivered(t *testing.T) {
	reg := NewRegistry()
	a, ra, _ := acceptedPipe(t)
	reg.Add(a)
	br := NewBroadcaster(newTestBacklog(t), staticTranslator(map[string]paths.PathSet{"Empty": {}, "Next": {"/Next"}}), reg, zaptest.NewLogger(t), observability.NopMetrics())

	got := readLineAsync(ra)
	require.NoError(t, br.HandleEvent(context.Background(), event.Event{Seq: 1, Type: "Empty"}))
	assert.Equal(t, "{\"paths\":[]}\n", <-got)

	got = readLineAsync(ra)
	require.NoError(t, br.HandleEvent(context.Background(), event.Event{Seq: 2, Type: "Next"}))
	assert.Equal(t, "{\"paths\":[\"/Next\"]}\n", <-got)
}

func TestBroadcaster_SkippedEventNotDelivered(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	reg := NewRegistry()
	a, ra, peer := acceptedPipe(t)
	reg.Add(a)
	bl := newTestBacklog(t)
	tr := paths.NewFlattener(paths.Rules{ExcludeEvents: []string{"Music"}})
	br := NewBroadcaster(bl, tr, reg, zap.New(core), observability.NopMetrics())

	require.NoError(t, br.HandleEvent(context.Background(), event.Event{Seq: 1, Type: "Music", Raw: []byte(`{"event":"Music"}`)}))
	assert.Equal(t, 1, bl.Len())
	assert.Equal(t, 1, logs.FilterMessage("event excluded from broadcast").Len())
	assert.Zero(t, logs.FilterMessage("skipping event delivery").Len(), "exclusion is not a translation failure")

	_ = peer.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, err := ra.ReadString('\n')
	assert.Error(t, err)
}

func TestBroadcaster_FailingClientIsolated(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	reg := NewRegistry()
	bad, _, badPeer := acceptedPipe(t)
	good, rg, _ := acceptedPipe(t)
	reg.Add(bad)
	reg.Add(good)
	require.NoError(t, badPeer.Close())

	br := NewBroadcaster(newTestBacklog(t), staticTranslator(map[string]paths.PathSet{"E": {"/x"}}), reg, zap.New(core), observability.NopMetrics())

	got := readLineAsync(rg)
	require.NoError(t, br.HandleEvent(context.Background(), event.Event{Seq: 1, Type: "E"}))

	assert.Equal(t, "{\"paths\":[\"/x\"]}\n", <-got)
	assert.False(t, bad.Eligible())
	assert.Equal(t, []*Client{good}, reg.All(), "failed client is pruned")
	assert.Equal(t, 1, logs.FilterMessage("client write failed, dropping client").Len())
}

func TestBroadcaster_SkipsIneligibleClients(t *testing.T) {
	reg := NewRegistry()
	closed, _, _ := acceptedPipe(t)
	require.NoError(t, closed.Close())
	pending, rp, pendingPeer := pipeClient2(t)
	reg.Add(closed)
	reg.Add(pending)

	br := NewBroadcaster(newTestBacklog(t), staticTranslator(map[string]paths.PathSet{"E": {"/x"}}), reg, zaptest.NewLogger(t), observability.NopMetrics())
	require.NoError(t, br.HandleEvent(context.Background(), event.Event{Seq: 1, Type: "E"}))

	_ = pendingPeer.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, err := rp.ReadString('\n')
	assert.Error(t, err, "a client that is not yet accepted receives nothing")
	assert.True(t, pending.IsOpen())
}

func pipeClient2(t *testing.T) (*Client, *bufio.Reader, net.Conn) {
	t.Helper()
	c, peer := pipeClient(t, time.Second)
	return c, bufio.NewReader(peer), peer
}

func TestBroadcaster_PerClientOrder(t *testing.T) {
	reg := NewRegistry()
	a, ra, _ := acceptedPipe(t)
	reg.Add(a)
	br := NewBroadcaster(newTestBacklog(t), staticTranslator(map[string]paths.PathSet{
		"E1": {"/1"}, "E2": {"/2"}, "E3": {"/3"},
	}), reg, zaptest.NewLogger(t), observability.NopMetrics())

	lines := make(chan string, 3)
	go func() {
		for i := 0; i < 3; i++ {
			line, err := ra.ReadString('\n')
			if err != nil {
				return
			}
			lines <- line
		}
	}()

	for i, typ := range []string{"E1", "E2", "E3"} {
		require.NoError(t, br.HandleEvent(context.Background(), event.Event{Seq: uint64(i + 1), Type: typ}))
	}
	assert.Equal(t, "{\"paths\":[\"/1\"]}\n", <-lines)
	assert.Equal(t, "{\"paths\":[\"/2\"]}\n", <-lines)
	assert.Equal(t, "{\"paths\":[\"/3\"]}\n", <-lines)
}
