package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/relay/internal/fanout"
	"github.com/cory-johannsen/relay/internal/transport"
)

// ConnHandler processes one established relay connection.
type ConnHandler interface {
	HandleConnection(ctx context.Context, conn transport.Conn, sub *fanout.Subscription[Envelope]) error
}

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Acceptor takes pending sessions off a transport.Listener and dispatches
// each one to a ConnHandler on its own goroutine.
type Acceptor struct {
	listener transport.Listener
	broker   *fanout.Broker[Envelope]
	handler  ConnHandler
	metrics  *Metrics
	logger   *zap.Logger

	wg       sync.WaitGroup
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	started bool
	running bool
}

// NewAcceptor creates an acceptor over an already bound listener.
//
// Precondition: listener, broker, handler, metrics and logger must be non-nil.
// Postcondition: Returns an Acceptor ready to be started with Serve.
func NewAcceptor(listener transport.Listener, broker *fanout.Broker[Envelope], handler ConnHandler, metrics *Metrics, logger *zap.Logger) *Acceptor {
	return &Acceptor{
		listener: listener,
		broker:   broker,
		handler:  handler,
		metrics:  metrics,
		logger:   logger,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Serve accepts sessions until ctx is cancelled, Stop is called, or the
// listener fails. A failed handshake only affects that one session.
//
// Precondition: Serve must be called at most once.
// Postcondition: Every connection handler has returned. The error is non-nil
// only when the listener failed on its own.
func (a *Acceptor) Serve(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return errors.New("acceptor already started")
	}
	a.started = true
	a.running = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
		close(a.done)
	}()
	defer a.wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-a.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	a.logger.Info("relay acceptor listening", zap.String("addr", a.Addr()))

	var backoff time.Duration
	for {
		incoming, err := a.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, transport.ErrListenerClosed) {
				select {
				case <-a.quit:
					return nil
				default:
				}
				a.logger.Error("relay endpoint failed", zap.Error(err))
				return fmt.Errorf("accepting sessions: %w", err)
			}

			a.metrics.acceptFailures.Add(1)
			backoff = nextBackoff(backoff)
			a.logger.Warn("accepting session",
				zap.Error(err),
				zap.Duration("retry_in", backoff),
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		backoff = 0

		a.wg.Add(1)
		go a.handleIncoming(ctx, incoming)
	}
}

// handleIncoming completes the handshake for one session and runs it.
func (a *Acceptor) handleIncoming(ctx context.Context, incoming transport.Incoming) {
	defer a.wg.Done()
	start := time.Now()
	addr := incoming.RemoteAddr().String()

	if ctx.Err() != nil {
		incoming.Reject()
		return
	}

	conn, err := incoming.Accept(ctx)
	if err != nil {
		a.metrics.acceptFailures.Add(1)
		a.logger.Warn("session handshake failed",
			zap.String("remote_addr", addr),
			zap.Error(err),
		)
		return
	}

	a.logger.Debug("client connected", zap.String("remote_addr", addr))

	sub := a.broker.Subscribe()
	err = a.handler.HandleConnection(ctx, conn, sub)
	_ = conn.CloseWithError(CloseNormal, "")

	if err != nil && !errors.Is(err, transport.ErrClosed) {
		a.logger.Debug("session ended",
			zap.String("remote_addr", addr),
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
		return
	}
	a.logger.Debug("session ended cleanly",
		zap.String("remote_addr", addr),
		zap.Duration("duration", time.Since(start)),
	)
}

// Stop closes the listener, cancels every connection and waits for their
// handlers to finish.
//
// Postcondition: No connection goroutines remain.
func (a *Acceptor) Stop() {
	a.stopOnce.Do(func() {
		close(a.quit)
		if err := a.listener.Close(); err != nil {
			a.logger.Debug("closing listener", zap.Error(err))
		}
	})

	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	if started {
		<-a.done
	}
	a.logger.Info("relay acceptor stopped")
}

// Addr returns the listening address.
func (a *Acceptor) Addr() string {
	return a.listener.Addr().String()
}

// IsRunning reports whether Serve is accepting sessions.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Active returns the number of connections currently being handled.
func (a *Acceptor) Active() int64 {
	return a.metrics.Active()
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptBackoff
	}
	d *= 2
	if d > maxAcceptBackoff {
		return maxAcceptBackoff
	}
	return d
}
