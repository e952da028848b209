package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/relay/internal/transport"
)

// Options configures a Listener.
type Options struct {
	// Path is the HTTP path upgrades are served on.
	Path string
	// TLS, when non-nil, serves wss:// instead of ws://.
	TLS *tls.Config
	// ReadLimit caps one message; zero selects DefaultReadLimit.
	ReadLimit int64
}

// Listener serves WebSocket upgrades on a TCP socket.
type Listener struct {
	ln        net.Listener
	srv       *http.Server
	upgrader  websocket.Upgrader
	readLimit int64
	logger    *zap.Logger

	incoming  chan *incoming
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu    sync.Mutex
	cause error
}

// Listen binds addr and starts serving upgrades.
//
// Postcondition: Returns a serving Listener or a non-nil error.
func Listen(addr string, opts Options, logger *zap.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	if opts.TLS != nil {
		ln = tls.NewListener(ln, opts.TLS)
	}
	if opts.Path == "" {
		opts.Path = "/"
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}

	l := &Listener{
		ln: ln,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		readLimit: opts.ReadLimit,
		logger:    logger,
		incoming:  make(chan *incoming),
		done:      make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(opts.Path, l.serveUpgrade)
	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go l.serve()
	return l, nil
}

func (l *Listener) serve() {
	err := l.srv.Serve(l.ln)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	if err != nil {
		l.logger.Debug("websocket server exited", zap.Error(err))
	}
	_ = l.shutdown(err)
}

// serveUpgrade parks the request until the accept loop decides on it. An
// upgraded connection outlives the handler.
func (l *Listener) serveUpgrade(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	in := &incoming{
		listener: l,
		w:        w,
		r:        r,
		done:     make(chan struct{}),
	}

	select {
	case l.incoming <- in:
	case <-l.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	case <-r.Context().Done():
		return
	}
	<-in.done
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
	return l.ln.Addr()
}

// Close implements transport.Listener. Upgraded connections are hijacked
// from the HTTP server and stay open until their owners close them.
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
	})
	return l.closeErr
}

type incoming struct {
	listener *Listener
	w        http.ResponseWriter
	r        *http.Request
	once     sync.Once
	done     chan struct{}
}

// Accept implements transport.Incoming by upgrading the request.
func (i *incoming) Accept(context.Context) (transport.Conn, error) {
	defer i.once.Do(func() { close(i.done) })
	ws, err := i.listener.upgrader.Upgrade(i.w, i.r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrading connection: %w", err)
	}
	return newConn(ws, i.listener.readLimit), nil
}

// Reject implements transport.Incoming.
func (i *incoming) Reject() {
	i.once.Do(func() {
		http.Error(i.w, "shutting down", http.StatusServiceUnavailable)
		close(i.done)
	})
}

// RemoteAddr implements transport.Incoming.
func (i *incoming) RemoteAddr() net.Addr {
	if addr, err := net.ResolveTCPAddr("tcp", i.r.RemoteAddr); err == nil {
		return addr
	}
	return &net.TCPAddr{}
}

// Dial connects to a relay WebSocket endpoint as a client. The returned
// connection speaks the same framing as the server side.
func Dial(ctx context.Context, url string, tlsConf *tls.Config) (transport.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  tlsConf,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return newConn(ws, DefaultReadLimit), nil
}
