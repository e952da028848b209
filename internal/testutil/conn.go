package testutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cory-johannsen/relay/internal/protocol"
	"github.com/cory-johannsen/relay/internal/transport"
)

// Frame is one message the server sent to a Conn's peer.
type Frame struct {
	// Datagram reports whether the frame went over the datagram channel.
	Datagram bool
	Data     []byte
}

// Event decodes the frame or fails the test.
func (f Frame) Event(t *testing.T) protocol.Event {
	t.Helper()
	ev, err := protocol.Decode(f.Data)
	if err != nil {
		t.Fatalf("decoding frame: %v", err)
	}
	return ev
}

// Conn is an in-memory transport.Conn. The server side uses the
// transport.Conn methods; the test plays the remote peer through PushStream,
// PushDatagram, Next and Disconnect.
type Conn struct {
	streams   chan io.Reader
	datagrams chan []byte
	out       chan Frame

	ctx    context.Context
	cancel context.CancelFunc
	remote net.Addr

	// FailSends makes SendDatagram and stream writes fail without closing.
	FailSends atomic.Bool
	// FailOpens makes OpenUniStream fail without closing.
	FailOpens atomic.Bool
	// SendsClosed makes every send report transport.ErrClosed while the
	// receive side stays open, as when the peer is gone but no reader has
	// noticed yet.
	SendsClosed atomic.Bool

	closeOnce sync.Once
	closeCode atomic.Uint32
}

var nextPort atomic.Int32

// NewConn creates an open in-memory connection with a unique remote address.
func NewConn() *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		streams:   make(chan io.Reader, 64),
		datagrams: make(chan []byte, 64),
		out:       make(chan Frame, 1024),
		ctx:       ctx,
		cancel:    cancel,
		remote:    &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000 + int(nextPort.Add(1))},
	}
}

var _ transport.Conn = (*Conn)(nil)

// AcceptUniStream implements transport.Conn.
func (c *Conn) AcceptUniStream(ctx context.Context) (io.Reader, error) {
	select {
	case r := <-c.streams:
		return r, nil
	case <-c.ctx.Done():
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReceiveDatagram implements transport.Conn.
func (c *Conn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.datagrams:
		return b, nil
	case <-c.ctx.Done():
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendDatagram implements transport.Conn. Frames beyond the peer buffer are
// dropped, as datagrams may be.
func (c *Conn) SendDatagram(b []byte) error {
	if c.ctx.Err() != nil || c.SendsClosed.Load() {
		return transport.ErrClosed
	}
	if c.FailSends.Load() {
		return errors.New("testutil: datagram send failed")
	}
	select {
	case c.out <- Frame{Datagram: true, Data: append([]byte(nil), b...)}:
	default:
	}
	return nil
}

// OpenUniStream implements transport.Conn.
func (c *Conn) OpenUniStream(ctx context.Context) (io.WriteCloser, error) {
	if c.ctx.Err() != nil || c.SendsClosed.Load() {
		return nil, transport.ErrClosed
	}
	if c.FailOpens.Load() {
		return nil, errors.New("testutil: open stream failed")
	}
	return &sendStream{conn: c}, nil
}

// Context implements transport.Conn.
func (c *Conn) Context() context.Context { return c.ctx }

// CloseWithError implements transport.Conn. Only the first close records
// its code.
func (c *Conn) CloseWithError(code uint32, _ string) error {
	c.closeOnce.Do(func() {
		if c.ctx.Err() == nil {
			c.closeCode.Store(code)
		}
		c.cancel()
	})
	return nil
}

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() net.Addr { return c.remote }

// PushStream delivers b to the server as one uni stream.
func (c *Conn) PushStream(b []byte) {
	c.PushReader(bytes.NewReader(b))
}

// PushReader delivers r to the server as one uni stream.
func (c *Conn) PushReader(r io.Reader) {
	select {
	case c.streams <- r:
	case <-c.ctx.Done():
	}
}

// PushDatagram delivers b to the server as one datagram.
func (c *Conn) PushDatagram(b []byte) {
	select {
	case c.datagrams <- b:
	case <-c.ctx.Done():
	}
}

// PushEvent encodes ev and delivers it over a stream, or a datagram when
// datagram is true.
func (c *Conn) PushEvent(t *testing.T, ev protocol.Event, datagram bool) {
	t.Helper()
	data, err := protocol.Encode(ev)
	if err != nil {
		t.Fatalf("encoding %s: %v", ev.Kind(), err)
	}
	if datagram {
		c.PushDatagram(data)
	} else {
		c.PushStream(data)
	}
}

// Next waits for the next frame the server sent.
func (c *Conn) Next(t *testing.T, timeout time.Duration) Frame {
	t.Helper()
	select {
	case f := <-c.out:
		return f
	case <-time.After(timeout):
		t.Fatalf("no frame within %s", timeout)
		return Frame{}
	}
}

// NextEvent waits for the next frame whose event has the given kind, skipping
// others, and returns it decoded.
func (c *Conn) NextEvent(t *testing.T, kind protocol.Kind, timeout time.Duration) protocol.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case f := <-c.out:
			if ev := f.Event(t); ev.Kind() == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s within %s", kind, timeout)
			return nil
		}
	}
}

// Pending returns the frames sent so far without waiting.
func (c *Conn) Pending() []Frame {
	var out []Frame
	for {
		select {
		case f := <-c.out:
			out = append(out, f)
		default:
			return out
		}
	}
}

// Disconnect simulates the peer vanishing.
func (c *Conn) Disconnect() { c.cancel() }

// CloseCode returns the code passed to CloseWithError.
func (c *Conn) CloseCode() uint32 { return c.closeCode.Load() }

type sendStream struct {
	conn *Conn
	buf  bytes.Buffer
	once sync.Once
}

func (s *sendStream) Write(p []byte) (int, error) {
	if s.conn.FailSends.Load() {
		return 0, errors.New("testutil: stream write failed")
	}
	return s.buf.Write(p)
}

func (s *sendStream) Close() error {
	var err error
	s.once.Do(func() {
		if s.conn.ctx.Err() != nil || s.conn.SendsClosed.Load() {
			err = transport.ErrClosed
			return
		}
		s.conn.out <- Frame{Data: append([]byte(nil), s.buf.Bytes()...)}
	})
	return err
}

// Stream is an inbound uni stream the test finishes explicitly. Reads return
// its data, then block until Finish (io.EOF) or CancelRead.
type Stream struct {
	data      []byte
	finished  chan struct{}
	cancelled chan struct{}
	finOnce   sync.Once
	cancOnce  sync.Once
}

var (
	errStreamCancelled = errors.New("testutil: stream cancelled")

	_ transport.ReadCanceler = (*Stream)(nil)
)

// NewStream creates an unfinished stream carrying data.
func NewStream(data []byte) *Stream {
	return &Stream{
		data:      data,
		finished:  make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	if len(s.data) > 0 {
		n := copy(p, s.data)
		s.data = s.data[n:]
		return n, nil
	}
	select {
	case <-s.cancelled:
		return 0, errStreamCancelled
	case <-s.finished:
		return 0, io.EOF
	}
}

// Finish ends the stream after its data.
func (s *Stream) Finish() { s.finOnce.Do(func() { close(s.finished) }) }

// CancelRead implements transport.ReadCanceler.
func (s *Stream) CancelRead() { s.cancOnce.Do(func() { close(s.cancelled) }) }

// Cancelled reports whether the reader abandoned the stream.
func (s *Stream) Cancelled() bool {
	select {
	case <-s.cancelled:
		return true
	default:
		return false
	}
}

// Listener is an in-memory transport.Listener fed by Offer.
type Listener struct {
	incoming chan *Incoming
	done     chan struct{}
	once     sync.Once
	mu       sync.Mutex
	err      error
	attempts chan error
}

// NewListener creates an open Listener.
func NewListener() *Listener {
	return &Listener{
		incoming: make(chan *Incoming, 16),
		done:     make(chan struct{}),
		attempts: make(chan error, 16),
	}
}

var _ transport.Listener = (*Listener)(nil)

// Offer queues conn as a pending session and returns its Incoming.
func (l *Listener) Offer(conn *Conn) *Incoming {
	in := &Incoming{conn: conn}
	l.incoming <- in
	return in
}

// OfferFailing queues a session whose handshake fails with err.
func (l *Listener) OfferFailing(err error) {
	l.incoming <- &Incoming{conn: NewConn(), acceptErr: err}
}

// FailAttempt makes the next Accept return err without closing the listener.
func (l *Listener) FailAttempt(err error) {
	l.attempts <- err
}

// Fail closes the listener as if the endpoint broke.
func (l *Listener) Fail(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
	_ = l.Close()
}

// Accept implements transport.Listener.
func (l *Listener) Accept(ctx context.Context) (transport.Incoming, error) {
	select {
	case err := <-l.attempts:
		return nil, err
	case in := <-l.incoming:
		return in, nil
	case <-l.done:
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.err != nil {
			return nil, fmt.Errorf("%w: %v", transport.ErrListenerClosed, l.err)
		}
		return nil, transport.ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr implements transport.Listener.
func (l *Listener) Addr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4433}
}

// Close implements transport.Listener.
func (l *Listener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

// Incoming is a pending in-memory session.
type Incoming struct {
	conn      *Conn
	acceptErr error
	rejected  atomic.Bool
}

// Accept implements transport.Incoming.
func (i *Incoming) Accept(context.Context) (transport.Conn, error) {
	if i.acceptErr != nil {
		return nil, i.acceptErr
	}
	return i.conn, nil
}

// Reject implements transport.Incoming.
func (i *Incoming) Reject() {
	i.rejected.Store(true)
	i.conn.cancel()
}

// Rejected reports whether Reject was called.
func (i *Incoming) Rejected() bool { return i.rejected.Load() }

// RemoteAddr implements transport.Incoming.
func (i *Incoming) RemoteAddr() net.Addr { return i.conn.remote }
