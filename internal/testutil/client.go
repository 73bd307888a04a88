package testutil

import (
	"bufio"
	"errors"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/cory-johannsen/elitecast/internal/wire"
)

// LineClient is a broadcast subscriber for integration tests. It reads
// newline-delimited payload frames.
type LineClient struct {
	conn   net.Conn
	reader *bufio.Reader
	t      *testing.T
}

// NewLineClient dials the given address and returns a test client.
//
// Precondition: addr must be a valid "host:port" string with a listening server.
// Postcondition: Returns a connected LineClient or fails the test.
func NewLineClient(t *testing.T, addr string) *LineClient {
	t.Helper()
	start := time.Now()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", addr, err, time.Since(start))
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return &LineClient{
		conn:   conn,
		reader: bufio.NewReader(conn),
		t:      t,
	}
}

// ReadLine returns the next raw frame including its trailing newline, or
// fails the test on timeout.
func (c *LineClient) ReadLine(timeout time.Duration) string {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := c.reader.ReadString(wire.Delimiter)
	if err != nil {
		c.t.Fatalf("reading frame: got %q, error: %v", line, err)
	}
	return line
}

// ReadPayload returns the next decoded frame, or fails the test.
func (c *LineClient) ReadPayload(timeout time.Duration) wire.Payload {
	c.t.Helper()
	line := c.ReadLine(timeout)
	p, err := wire.NewDecoder(strings.NewReader(line)).Next()
	if err != nil {
		c.t.Fatalf("decoding frame %q: %v", line, err)
	}
	return p
}

// ExpectSilence fails the test if any data arrives within d.
func (c *LineClient) ExpectSilence(d time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(d))
	line, err := c.reader.ReadString(wire.Delimiter)
	if err == nil || line != "" {
		c.t.Fatalf("expected no data, got %q", line)
	}
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		c.t.Fatalf("expected read timeout, got %v", err)
	}
}

// ExpectClosed fails the test unless the server closes the connection within timeout.
func (c *LineClient) ExpectClosed(timeout time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 256)
	for {
		_, err := c.reader.Read(buf)
		if err == nil {
			continue
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			c.t.Fatalf("connection still open after %s", timeout)
		}
		return
	}
}

// Close closes the underlying connection.
func (c *LineClient) Close() {
	c.conn.Close()
}
