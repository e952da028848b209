// Package relay implements the session relay: admission of connections into
// the shared world, folding client messages into world state, fanning events
// out to every other connection, and cleanup on disconnect.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cory-johannsen/relay/internal/config"
	"github.com/cory-johannsen/relay/internal/fanout"
	"github.com/cory-johannsen/relay/internal/protocol"
	"github.com/cory-johannsen/relay/internal/transport"
	"github.com/cory-johannsen/relay/internal/world"
)

// Application close codes sent to the peer.
const (
	CloseNormal            uint32 = 0
	CloseProtocolViolation uint32 = 1
)

var (
	errMessageTooLarge    = errors.New("message exceeds size limit")
	errChatTooLong        = errors.New("chat text exceeds length limit")
	errNonFinitePosition  = errors.New("position is not finite")
	errTooManyViolations  = errors.New("too many invalid messages")
	errSubscriptionClosed = errors.New("fanout subscription closed")
	errStreamTimeout      = errors.New("stream not finished in time")
)

const (
	channelStream   = "stream"
	channelDatagram = "datagram"
)

// Envelope is what travels through the fanout: an event plus the id of the
// connection that published it, so handlers can skip their own echoes.
type Envelope struct {
	Origin string
	Event  protocol.Event
}

// Handler runs the per-connection state machine:
// admitting, active, closing.
type Handler struct {
	cfg     config.RelayConfig
	world   *world.Registry
	broker  *fanout.Broker[Envelope]
	metrics *Metrics
	logger  *zap.Logger

	newID func() (string, error)
}

// NewHandler creates a Handler sharing the given world and broker.
//
// Precondition: reg, broker, metrics and logger must be non-nil; cfg must be validated.
func NewHandler(cfg config.RelayConfig, reg *world.Registry, broker *fanout.Broker[Envelope], metrics *Metrics, logger *zap.Logger) *Handler {
	return &Handler{
		cfg:     cfg,
		world:   reg,
		broker:  broker,
		metrics: metrics,
		logger:  logger,
		newID:   newPlayerID,
	}
}

// DisplayName derives a player's display name from its id.
func DisplayName(id string) string {
	short := id
	if len(short) > 6 {
		short = short[:6]
	}
	return "Player" + short
}

func newPlayerID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// inbound is one payload read from either client channel.
type inbound struct {
	channel string
	data    []byte
	err     error
}

// HandleConnection admits conn into the world, relays until the connection
// ends or ctx is cancelled, then removes the player and announces its
// departure.
//
// Precondition: sub must be a fresh subscription on the handler's broker;
// HandleConnection takes ownership of it.
// Postcondition: The player is no longer in the world, PlayerLeft has been
// published exactly once, and sub is released.
func (h *Handler) HandleConnection(ctx context.Context, conn transport.Conn, sub *fanout.Subscription[Envelope]) error {
	defer sub.Unsubscribe()

	id, err := h.newID()
	if err != nil {
		return fmt.Errorf("generating player id: %w", err)
	}
	logger := h.logger.With(
		zap.String("player_id", id),
		zap.String("remote_addr", conn.RemoteAddr().String()),
	)

	// Admitting
	player := world.Player{
		ID:   id,
		Name: DisplayName(id),
		X:    float32(h.cfg.SpawnX),
		Y:    float32(h.cfg.SpawnY),
	}
	h.world.Insert(player)
	h.metrics.connOpened()
	defer h.leave(logger, id, sub)

	h.publish(id, protocol.PlayerJoined{Player: toWire(player)})
	logger.Info("player joined",
		zap.String("name", player.Name),
		zap.Int("players", h.world.Len()),
	)
	h.sendSnapshot(ctx, conn, logger)

	// Active
	active, cancel := context.WithCancel(ctx)
	defer cancel()

	in := make(chan inbound)
	g, gctx := errgroup.WithContext(active)
	g.Go(func() error { return h.pumpStreams(gctx, conn, in) })
	g.Go(func() error { return h.pumpDatagrams(gctx, conn, in) })

	loopErr := h.run(gctx, conn, logger, id, in, sub)

	// Closing
	cancel()
	pumpErr := g.Wait()
	if loopErr != nil {
		return loopErr
	}
	if ctx.Err() != nil {
		// Server shutdown.
		return nil
	}
	return transport.ClosedError(conn.Context(), pumpErr)
}

// run multiplexes inbound client payloads and fanout deliveries, handling
// exactly one per iteration, until ctx ends.
func (h *Handler) run(ctx context.Context, conn transport.Conn, logger *zap.Logger, id string, in <-chan inbound, sub *fanout.Subscription[Envelope]) error {
	violations := 0
	for {
		select {
		case <-ctx.Done():
			return nil

		case msg := <-in:
			err := h.handleInbound(id, msg)
			if err == nil {
				continue
			}
			violations++
			h.metrics.violations.Add(1)
			logger.Debug("discarding inbound message",
				zap.String("channel", msg.channel),
				zap.Int("bytes", len(msg.data)),
				zap.Error(err),
			)
			if h.cfg.MaxViolations > 0 && violations >= h.cfg.MaxViolations {
				logger.Warn("closing connection after repeated invalid messages",
					zap.Int("violations", violations),
				)
				_ = conn.CloseWithError(CloseProtocolViolation, errTooManyViolations.Error())
				return errTooManyViolations
			}

		case env, ok := <-sub.C():
			if !ok {
				return errSubscriptionClosed
			}
			if env.Origin == id {
				continue
			}
			if err := h.forward(ctx, conn, logger, env.Event); errors.Is(err, transport.ErrClosed) {
				logger.Debug("peer gone while forwarding", zap.Error(err))
				return err
			}
		}
	}
}

// handleInbound folds one client payload into the world. A non-nil error
// means the payload was discarded.
func (h *Handler) handleInbound(id string, msg inbound) error {
	if msg.err != nil {
		return msg.err
	}
	if len(msg.data) > h.cfg.MaxMessageBytes {
		return errMessageTooLarge
	}

	ev, err := protocol.Decode(msg.data)
	if err != nil {
		h.metrics.decodeFailures.Add(1)
		return err
	}

	// The client-supplied player id is ignored: events are always re-stamped
	// with the connection's own id.
	switch e := ev.(type) {
	case protocol.PlayerMoved:
		if !finite(e.X) || !finite(e.Y) {
			return errNonFinitePosition
		}
		if h.world.UpdatePosition(id, e.X, e.Y) {
			h.publish(id, protocol.PlayerMoved{PlayerID: id, X: e.X, Y: e.Y})
		}
	case protocol.ChatMessage:
		if h.cfg.MaxChatBytes > 0 && len(e.Text) > h.cfg.MaxChatBytes {
			return errChatTooLong
		}
		h.publish(id, protocol.ChatMessage{PlayerID: id, Text: e.Text})
	default:
		h.metrics.ignoredInbound.Add(1)
	}
	return nil
}

// forward sends a sibling's event to the remote peer. Moves go out as
// datagrams; everything else prefers a reliable stream. Failures are counted
// and returned; only transport.ErrClosed ends the connection.
func (h *Handler) forward(ctx context.Context, conn transport.Conn, logger *zap.Logger, ev protocol.Event) error {
	data, err := protocol.Encode(ev)
	if err != nil {
		logger.Error("encoding outbound event", zap.Stringer("kind", ev.Kind()), zap.Error(err))
		return nil
	}

	if ev.Kind() == protocol.KindPlayerMoved {
		err = conn.SendDatagram(data)
	} else if err = h.sendReliable(ctx, conn, data); err != nil {
		err = conn.SendDatagram(data)
	}
	if err != nil {
		h.metrics.sendFailures.Add(1)
		logger.Debug("forwarding event", zap.Stringer("kind", ev.Kind()), zap.Error(err))
		return transport.ClosedError(conn.Context(), err)
	}
	h.metrics.forwarded.Add(1)
	return nil
}

// sendSnapshot sends the current world directly to a newly admitted peer.
func (h *Handler) sendSnapshot(ctx context.Context, conn transport.Conn, logger *zap.Logger) {
	players := h.world.Snapshot()
	data, err := protocol.Encode(protocol.WorldSnapshot{Players: toWirePlayers(players)})
	if err != nil {
		logger.Error("encoding world snapshot", zap.Error(err))
		return
	}
	if err := h.sendReliable(ctx, conn, data); err != nil {
		logger.Debug("snapshot stream failed, falling back to datagram", zap.Error(err))
		if err := conn.SendDatagram(data); err != nil {
			h.metrics.sendFailures.Add(1)
			logger.Warn("sending world snapshot", zap.Error(err))
			return
		}
	}
	h.metrics.forwarded.Add(1)
	logger.Debug("world snapshot sent", zap.Int("players", len(players)), zap.Int("bytes", len(data)))
}

func (h *Handler) sendReliable(ctx context.Context, conn transport.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.SendTimeout)
	defer cancel()

	w, err := conn.OpenUniStream(ctx)
	if err != nil {
		return fmt.Errorf("opening uni stream: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("writing uni stream: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing uni stream: %w", err)
	}
	return nil
}

func (h *Handler) pumpStreams(ctx context.Context, conn transport.Conn, out chan<- inbound) error {
	for {
		stream, err := conn.AcceptUniStream(ctx)
		if err != nil {
			return fmt.Errorf("accepting uni stream: %w", err)
		}
		data, err := h.readStream(ctx, stream)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case out <- inbound{channel: channelStream, data: data, err: err}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *Handler) pumpDatagrams(ctx context.Context, conn transport.Conn, out chan<- inbound) error {
	for {
		data, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			return fmt.Errorf("receiving datagram: %w", err)
		}
		select {
		case out <- inbound{channel: channelDatagram, data: data}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *Handler) publish(origin string, ev protocol.Event) {
	h.metrics.published.Add(1)
	h.broker.Publish(Envelope{Origin: origin, Event: ev})
}

func (h *Handler) leave(logger *zap.Logger, id string, sub *fanout.Subscription[Envelope]) {
	if _, ok := h.world.Remove(id); ok {
		h.publish(id, protocol.PlayerLeft{PlayerID: id})
	}
	h.metrics.connClosed(sub.Dropped())
	logger.Info("player left",
		zap.Int("players", h.world.Len()),
		zap.Uint64("fanout_dropped", sub.Dropped()),
	)
}

// readStream reads one inbound stream within the read timeout. Streams that
// are oversized, unfinished in time or abandoned are cancelled so the peer
// stops sending and later streams are not held up.
func (h *Handler) readStream(ctx context.Context, r io.Reader) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := readMessage(r, h.cfg.MaxMessageBytes)
		done <- result{data: data, err: err}
	}()

	timer := time.NewTimer(h.cfg.ReadTimeout)
	defer timer.Stop()
	select {
	case res := <-done:
		if errors.Is(res.err, errMessageTooLarge) {
			transport.CancelRead(r)
		}
		return res.data, res.err
	case <-timer.C:
		transport.CancelRead(r)
		return nil, errStreamTimeout
	case <-ctx.Done():
		transport.CancelRead(r)
		return nil, ctx.Err()
	}
}

// readMessage reads one stream to EOF, refusing more than limit bytes.
func readMessage(r io.Reader, limit int) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("reading stream: %w", err)
	}
	if len(data) > limit {
		return nil, errMessageTooLarge
	}
	return data, nil
}

func finite(f float32) bool {
	return !math.IsNaN(float64(f)) && !math.IsInf(float64(f), 0)
}

func toWire(p world.Player) protocol.Player {
	return protocol.Player{ID: p.ID, Name: p.Name, X: p.X, Y: p.Y}
}

func toWirePlayers(players []world.Player) []protocol.Player {
	out := make([]protocol.Player, len(players))
	for i, p := range players {
		out[i] = toWire(p)
	}
	return out
}
