package broadcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Client wraps one accepted connection and tracks whether it may receive
// broadcasts. Writes are serialized so concurrent callers never interleave
// bytes of two payloads. All methods are safe for concurrent use.
type Client struct {
	id           string
	raw          net.Conn
	remoteAddr   string
	writeTimeout time.Duration
	connectedAt  time.Time

	writeMu   sync.Mutex
	closeOnce sync.Once

	open     atomic.Bool
	accepted atomic.Bool
	failed   atomic.Bool
}

// NewClient wraps an accepted connection.
//
// Precondition: raw must be a valid, open network connection.
// Postcondition: The client is open, not yet accepted, and available.
func NewClient(raw net.Conn, writeTimeout time.Duration) *Client {
	c := &Client{
		id:           uuid.NewString(),
		raw:          raw,
		remoteAddr:   raw.RemoteAddr().String(),
		writeTimeout: writeTimeout,
		connectedAt:  time.Now(),
	}
	c.open.Store(true)
	return c
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// RemoteAddr returns the peer address.
func (c *Client) RemoteAddr() string { return c.remoteAddr }

// ConnectedAt returns when the client was accepted.
func (c *Client) ConnectedAt() time.Time { return c.connectedAt }

// IsOpen reports whether the connection has not been closed.
func (c *Client) IsOpen() bool { return c.open.Load() }

// IsAccepted reports whether connection setup has completed.
func (c *Client) IsAccepted() bool { return c.accepted.Load() }

// IsAvailable reports whether the client has not failed a write.
func (c *Client) IsAvailable() bool { return !c.failed.Load() }

// Eligible reports whether the client should receive the next broadcast.
func (c *Client) Eligible() bool {
	return c.IsOpen() && c.IsAccepted() && c.IsAvailable()
}

// Handle runs for the lifetime of the connection. No inbound protocol is
// defined: the client is accepted immediately and inbound bytes are
// discarded until the peer disconnects, Close is called, or ctx ends.
//
// Postcondition: The client is closed when Handle returns. Returns nil on
// a clean disconnect or local close.
func (c *Client) Handle(ctx context.Context) error {
	c.accepted.Store(true)

	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	_, err := io.Copy(io.Discard, c.raw)
	wasOpen := c.IsOpen()
	_ = c.Close()

	if err != nil && wasOpen && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("reading from %s: %w", c.remoteAddr, err)
	}
	return nil
}

// Write sends one payload. On failure the client is closed and marked
// unavailable so it is excluded from later broadcasts.
//
// Postcondition: Returns nil, ErrClientClosed, or a *WriteError.
func (c *Client) Write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.IsOpen() {
		return ErrClientClosed
	}

	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.raw.Write(payload); err != nil {
		c.failed.Store(true)
		_ = c.Close()
		return &WriteError{ClientID: c.id, RemoteAddr: c.remoteAddr, Err: err}
	}
	return nil
}

// Close closes the connection. It is idempotent; only the first call
// reports the underlying close error.
//
// Postcondition: IsOpen returns false.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.open.Store(false)
		err = c.raw.Close()
	})
	return err
}
