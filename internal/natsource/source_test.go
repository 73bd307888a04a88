package natsource

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cory-johannsen/elitecast/internal/config"
	"github.com/cory-johannsen/elitecast/internal/event"
)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
	err    error
}

func (r *recorder) Publish(_ context.Context, e event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestDeliver_Publishes(t *testing.T) {
	rec := &recorder{}
	Deliver(context.Background(), rec, zaptest.NewLogger(t), []byte(`{"event":"Docked","StationName":"Jameson Memorial"}`))

	require.Len(t, rec.events, 1)
	assert.Equal(t, "Docked", rec.events[0].Type)
}

func TestDeliver_MalformedDropped(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	rec := &recorder{}

	Deliver(context.Background(), rec, zap.New(core), []byte(`{"StationName":"x"}`))
	Deliver(context.Background(), rec, zap.New(core), []byte(`garbage`))

	assert.Empty(t, rec.events)
	assert.Equal(t, 2, logs.FilterMessage("skipping malformed message").Len())
}

func TestDeliver_PublishErrorLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	rec := &recorder{err: errors.New("handler failed")}

	Deliver(context.Background(), rec, zap.New(core), []byte(`{"event":"Scan"}`))

	assert.Equal(t, 1, rec.len())
	assert.Equal(t, 1, logs.FilterMessage("publishing message").Len())
}

// testURL returns the NATS server URL or skips the test if NATS_URL is not set.
func testURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}
	return url
}

func TestSource_RunPublishesMessages(t *testing.T) {
	url := testURL(t)
	subject := "elitecast.test." + t.Name()
	rec := &recorder{}

	src, err := Connect(config.NATSConfig{URL: url, Subject: subject}, rec, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()
	require.NoError(t, nc.Publish(subject, []byte(`{"event":"FSDJump","StarSystem":"Sol"}`)))
	require.NoError(t, nc.Publish(subject, []byte(`{"event":"Docked"}`)))
	require.NoError(t, nc.Flush())

	require.Eventually(t, func() bool { return rec.len() == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "FSDJump", rec.events[0].Type)
	assert.Equal(t, "Docked", rec.events[1].Type)

	cancel()
	assert.NoError(t, <-done)
}

func TestConnect_BadURL(t *testing.T) {
	_, err := Connect(config.NATSConfig{URL: "nats://127.0.0.1:1", Subject: "x"}, &recorder{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
