// Package websocket carries the relay's stream and datagram channels over a
// single WebSocket connection, for clients without WebTransport.
//
// Each binary message starts with one channel byte: FrameStream for a
// reliable uni-directional stream message, FrameDatagram for a datagram.
// Messages with any other channel byte are ignored.
package websocket

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cory-johannsen/relay/internal/transport"
)

// Channel bytes.
const (
	FrameStream   byte = 0x00
	FrameDatagram byte = 0x01
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// DefaultReadLimit caps one WebSocket message, channel byte included.
	DefaultReadLimit = 1 << 20

	// closeCodeBase maps application close codes into the WebSocket
	// private-use range.
	closeCodeBase = 4000
)

// conn adapts a *websocket.Conn to transport.Conn.
type conn struct {
	ws *websocket.Conn

	streams   chan []byte
	datagrams chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, readLimit int64) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:        ws,
		streams:   make(chan []byte, 64),
		datagrams: make(chan []byte, 64),
		ctx:       ctx,
		cancel:    cancel,
	}
	ws.SetReadLimit(readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.readPump()
	go c.pingPump()
	return c
}

// readPump demultiplexes incoming messages until the socket fails.
func (c *conn) readPump() {
	defer c.terminate()
	for {
		kind, payload, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage || len(payload) == 0 {
			continue
		}
		body := payload[1:]
		switch payload[0] {
		case FrameStream:
			select {
			case c.streams <- body:
			case <-c.ctx.Done():
				return
			}
		case FrameDatagram:
			select {
			case c.datagrams <- body:
			default:
				// Datagrams may be lost; a full queue drops them.
			}
		}
	}
}

func (c *conn) pingPump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.terminate()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *conn) terminate() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.Close()
	})
}

func (c *conn) write(channel byte, b []byte) error {
	if c.ctx.Err() != nil {
		return transport.ErrClosed
	}
	frame := make([]byte, 0, len(b)+1)
	frame = append(frame, channel)
	frame = append(frame, b...)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		c.terminate()
		return transport.ClosedError(c.ctx, err)
	}
	return nil
}

func (c *conn) AcceptUniStream(ctx context.Context) (io.Reader, error) {
	select {
	case b := <-c.streams:
		return bytes.NewReader(b), nil
	case <-c.ctx.Done():
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *conn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.datagrams:
		return b, nil
	case <-c.ctx.Done():
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *conn) SendDatagram(b []byte) error {
	return c.write(FrameDatagram, b)
}

func (c *conn) OpenUniStream(ctx context.Context) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.ctx.Err() != nil {
		return nil, transport.ErrClosed
	}
	return &sendStream{conn: c}, nil
}

func (c *conn) Context() context.Context { return c.ctx }

func (c *conn) CloseWithError(code uint32, reason string) error {
	if c.ctx.Err() != nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(closeCodeBase+int(code), reason)
	c.writeMu.Lock()
	err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.writeMu.Unlock()
	c.terminate()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return transport.ClosedError(c.ctx, err)
	}
	return nil
}

func (c *conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

// sendStream buffers one stream message and sends it on Close.
type sendStream struct {
	conn   *conn
	buf    bytes.Buffer
	closed bool
}

func (s *sendStream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, errors.New("websocket: write on closed stream")
	}
	return s.buf.Write(p)
}

func (s *sendStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.write(FrameStream, s.buf.Bytes())
}
