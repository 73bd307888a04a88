package broadcast

import (
	"errors"
	"fmt"
)

var (
	// ErrClientClosed is returned by Client.Write after the client is closed.
	ErrClientClosed = errors.New("client closed")
	// ErrAlreadyStarted is returned by Start on a running server.
	ErrAlreadyStarted = errors.New("server already started")
	// ErrServerStopped is returned by Start on a stopped server. A stopped
	// server cannot be restarted; construct a new one.
	ErrServerStopped = errors.New("server stopped")
	// ErrAcceptLoopEnded is returned by ListenAndServe when the listener
	// closed without Stop.
	ErrAcceptLoopEnded = errors.New("accept loop ended unexpectedly")
)

// BindError reports that the listening socket could not be opened.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("binding %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// WriteError reports a failed payload write to one client.
type WriteError struct {
	ClientID   string
	RemoteAddr string
	Err        error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("writing to client %s (%s): %v", e.ClientID, e.RemoteAddr, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
