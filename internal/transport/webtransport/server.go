// Package webtransport adapts a WebTransport-over-HTTP/3 endpoint to the
// transport.Listener contract.
package webtransport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	wt "github.com/quic-go/webtransport-go"
	"go.uber.org/zap"

	"github.com/cory-johannsen/relay/internal/transport"
)

// Listener serves WebTransport session requests on a UDP socket.
type Listener struct {
	srv    *wt.Server
	pconn  net.PacketConn
	logger *zap.Logger

	incoming  chan *incoming
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu    sync.Mutex
	cause error
}

// Listen binds addr and starts serving WebTransport sessions requested on path.
//
// Precondition: tlsConf must carry a server certificate.
// Postcondition: Returns a serving Listener or a non-nil error.
func Listen(addr, path string, tlsConf *tls.Config, logger *zap.Logger) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", addr, err)
	}
	pconn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	l := &Listener{
		pconn:    pconn,
		logger:   logger,
		incoming: make(chan *incoming),
		done:     make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, l.serveSession)
	l.srv = &wt.Server{
		H3: http3.Server{
			TLSConfig:       http3.ConfigureTLSConfig(tlsConf),
			QUICConfig:      &quic.Config{EnableDatagrams: true},
			EnableDatagrams: true,
			Handler:         mux,
		},
		CheckOrigin: func(*http.Request) bool { return true },
	}

	go l.serve()
	return l, nil
}

func (l *Listener) serve() {
	err := l.srv.Serve(l.pconn)
	if err != nil {
		l.logger.Debug("webtransport server exited", zap.Error(err))
	}
	_ = l.shutdown(err)
}

// serveSession parks the session request until the accept loop decides on
// it, then holds the request open for the life of the session.
func (l *Listener) serveSession(w http.ResponseWriter, r *http.Request) {
	in := &incoming{
		srv:      l.srv,
		w:        w,
		r:        r,
		decision: make(chan *wt.Session, 1),
	}

	select {
	case l.incoming <- in:
	case <-l.done:
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	case <-r.Context().Done():
		return
	}

	sess := <-in.decision
	if sess == nil {
		return
	}
	<-sess.Context().Done()
}

// Accept implements transport.Listener.
func (l *Listener) Accept(ctx context.Context) (transport.Incoming, error) {
	select {
	case in := <-l.incoming:
		return in, nil
	case <-l.done:
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.cause != nil {
			return nil, fmt.Errorf("%w: %v", transport.ErrListenerClosed, l.cause)
		}
		return nil, transport.ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr implements transport.Listener.
func (l *Listener) Addr() net.Addr {
	return l.pconn.LocalAddr()
}

// Close implements transport.Listener. Established sessions are closed too.
func (l *Listener) Close() error {
	return l.shutdown(nil)
}

func (l *Listener) shutdown(cause error) error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.cause = cause
		l.mu.Unlock()
		close(l.done)
		l.closeErr = l.srv.Close()
		_ = l.pconn.Close()
	})
	return l.closeErr
}

type incoming struct {
	srv      *wt.Server
	w        http.ResponseWriter
	r        *http.Request
	once     sync.Once
	decision chan *wt.Session
}

func (i *incoming) decide(sess *wt.Session) {
	i.once.Do(func() { i.decision <- sess })
}

// Accept implements transport.Incoming by upgrading the request.
func (i *incoming) Accept(context.Context) (transport.Conn, error) {
	sess, err := i.srv.Upgrade(i.w, i.r)
	i.decide(sess)
	if err != nil {
		return nil, fmt.Errorf("upgrading session: %w", err)
	}
	return &conn{sess: sess}, nil
}

// Reject implements transport.Incoming.
func (i *incoming) Reject() {
	i.once.Do(func() {
		i.w.WriteHeader(http.StatusServiceUnavailable)
		i.decision <- nil
	})
}

// RemoteAddr implements transport.Incoming.
func (i *incoming) RemoteAddr() net.Addr {
	if addr, err := net.ResolveUDPAddr("udp", i.r.RemoteAddr); err == nil {
		return addr
	}
	return &net.UDPAddr{}
}

type conn struct {
	sess *wt.Session
}

func (c *conn) AcceptUniStream(ctx context.Context) (io.Reader, error) {
	str, err := c.sess.AcceptUniStream(ctx)
	if err != nil {
		return nil, transport.ClosedError(c.sess.Context(), err)
	}
	return receiveStream{str: str}, nil
}

func (c *conn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	b, err := c.sess.ReceiveDatagram(ctx)
	if err != nil {
		return nil, transport.ClosedError(c.sess.Context(), err)
	}
	return b, nil
}

func (c *conn) SendDatagram(b []byte) error {
	return transport.ClosedError(c.sess.Context(), c.sess.SendDatagram(b))
}

func (c *conn) OpenUniStream(ctx context.Context) (io.WriteCloser, error) {
	str, err := c.sess.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, transport.ClosedError(c.sess.Context(), err)
	}
	return str, nil
}

func (c *conn) Context() context.Context { return c.sess.Context() }

func (c *conn) CloseWithError(code uint32, reason string) error {
	return c.sess.CloseWithError(wt.SessionErrorCode(code), reason)
}

func (c *conn) RemoteAddr() net.Addr { return c.sess.RemoteAddr() }

// streamCancelled is the stream error code sent when the relay stops reading
// a uni stream early.
const streamCancelled wt.StreamErrorCode = 0

// receiveStream exposes cancellation as transport.ReadCanceler.
type receiveStream struct {
	str wt.ReceiveStream
}

func (r receiveStream) Read(p []byte) (int, error) { return r.str.Read(p) }

func (r receiveStream) CancelRead() { r.str.CancelRead(streamCancelled) }
