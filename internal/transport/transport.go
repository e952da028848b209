// Package transport defines the connection contract the relay consumes from
// a session-oriented transport offering a reliable uni-directional stream
// channel and an unreliable datagram channel.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

var (
	// ErrClosed is returned by Conn operations once the connection is gone.
	ErrClosed = errors.New("transport: connection closed")
	// ErrListenerClosed is returned by Listener.Accept when the endpoint can
	// no longer produce connections. It is fatal for the accept loop; any
	// other Accept error concerns a single attempt.
	ErrListenerClosed = errors.New("transport: listener closed")
)

// Listener is a bound endpoint producing pending sessions.
type Listener interface {
	// Accept waits for the next session request (the "session incoming" phase).
	Accept(ctx context.Context) (Incoming, error)
	// Addr returns the bound local address.
	Addr() net.Addr
	// Close releases the endpoint. Pending and future Accept calls fail with
	// ErrListenerClosed.
	Close() error
}

// Incoming is a session request that has not been accepted yet.
type Incoming interface {
	// Accept completes the handshake and yields a usable connection.
	Accept(ctx context.Context) (Conn, error)
	// Reject refuses the request.
	Reject()
	// RemoteAddr returns the peer address of the request.
	RemoteAddr() net.Addr
}

// Conn is one admitted session.
// All methods are safe for concurrent use.
type Conn interface {
	// AcceptUniStream waits for the peer to open a uni-directional stream.
	// Each stream carries one message; read it to EOF.
	AcceptUniStream(ctx context.Context) (io.Reader, error)
	// ReceiveDatagram waits for the next datagram from the peer.
	ReceiveDatagram(ctx context.Context) ([]byte, error)
	// SendDatagram sends a best-effort datagram.
	SendDatagram(b []byte) error
	// OpenUniStream opens a reliable stream to the peer; Close on the returned
	// writer finishes the message.
	OpenUniStream(ctx context.Context) (io.WriteCloser, error)
	// Context is cancelled when the connection terminates.
	Context() context.Context
	// CloseWithError terminates the session with an application code.
	CloseWithError(code uint32, reason string) error
	// RemoteAddr returns the peer address.
	RemoteAddr() net.Addr
}

// ReadCanceler is implemented by stream readers returned from
// Conn.AcceptUniStream that can abandon the unread rest of a stream and
// unblock a pending Read.
type ReadCanceler interface {
	CancelRead()
}

// CancelRead abandons r if it supports cancellation.
func CancelRead(r io.Reader) {
	if c, ok := r.(ReadCanceler); ok {
		c.CancelRead()
	}
}

// ClosedError wraps a transport-specific error as ErrClosed when the
// connection context has ended, so callers can test with errors.Is.
func ClosedError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && !errors.Is(err, ErrClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}
