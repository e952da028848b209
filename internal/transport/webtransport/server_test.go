package webtransport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	wt "github.com/quic-go/webtransport-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/relay/internal/identity"
	"github.com/cory-johannsen/relay/internal/transport"
)

func listen(t *testing.T) *Listener {
	t.Helper()
	id, err := identity.Generate([]string{"localhost"}, time.Hour)
	require.NoError(t, err)
	l, err := Listen("127.0.0.1:0", "/", id.TLSConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return l
}

func TestListenBindsUDP(t *testing.T) {
	l := listen(t)
	defer l.Close()

	addr, ok := l.Addr().(*net.UDPAddr)
	require.True(t, ok)
	assert.NotZero(t, addr.Port)
}

func TestAcceptAfterClose(t *testing.T) {
	l := listen(t)
	require.NoError(t, l.Close())

	_, err := l.Accept(context.Background())
	assert.ErrorIs(t, err, transport.ErrListenerClosed)

	assert.NoError(t, l.Close(), "close is idempotent")
}

func TestAcceptHonoursContext(t *testing.T) {
	l := listen(t)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.Accept(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestListenBadAddress(t *testing.T) {
	id, err := identity.Generate([]string{"localhost"}, time.Hour)
	require.NoError(t, err)
	_, err = Listen("not-an-address", "/", id.TLSConfig(), zaptest.NewLogger(t))
	assert.Error(t, err)
}

const waitFor = 5 * time.Second

// dial opens a client session to l.
func dial(ctx context.Context, t *testing.T, l *Listener) (*http.Response, *wt.Session, error) {
	t.Helper()
	d := &wt.Dialer{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{http3.NextProtoH3},
		},
		QUICConfig: &quic.Config{EnableDatagrams: true},
	}
	t.Cleanup(func() { _ = d.Close() })
	return d.Dial(ctx, fmt.Sprintf("https://%s/", l.Addr()), nil)
}

// acceptOne runs both handshake phases for the next session in the
// background.
func acceptOne(ctx context.Context, l *Listener) <-chan transport.Conn {
	ch := make(chan transport.Conn, 1)
	go func() {
		defer close(ch)
		in, err := l.Accept(ctx)
		if err != nil {
			return
		}
		c, err := in.Accept(ctx)
		if err != nil {
			return
		}
		ch <- c
	}()
	return ch
}

func TestSessionLoopback(t *testing.T) {
	l := listen(t)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	accepted := acceptOne(ctx, l)
	_, client, err := dial(ctx, t, l)
	require.NoError(t, err)

	var server transport.Conn
	select {
	case c, ok := <-accepted:
		require.True(t, ok, "server accept failed")
		server = c
	case <-ctx.Done():
		t.Fatal("no server session")
	}
	assert.NotNil(t, server.RemoteAddr())

	// Datagrams may be lost; resend until one lands.
	got := make(chan []byte, 1)
	go func() {
		b, err := server.ReceiveDatagram(ctx)
		if err == nil {
			got <- b
		}
	}()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	var dg []byte
	for dg == nil {
		require.NoError(t, client.SendDatagram([]byte("dg")))
		select {
		case dg = <-got:
		case <-ticker.C:
		case <-ctx.Done():
			t.Fatal("no datagram received")
		}
	}
	assert.Equal(t, []byte("dg"), dg)

	out, err := client.OpenUniStreamSync(ctx)
	require.NoError(t, err)
	_, err = out.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, out.Close())

	r, err := server.AcceptUniStream(ctx)
	require.NoError(t, err)
	_, ok := r.(transport.ReadCanceler)
	assert.True(t, ok, "server streams can be cancelled")
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), body)

	w, err := server.OpenUniStream(ctx)
	require.NoError(t, err)
	_, err = w.Write([]byte("pong"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	in, err := client.AcceptUniStream(ctx)
	require.NoError(t, err)
	body, err = io.ReadAll(in)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), body)

	require.NoError(t, server.CloseWithError(1, "too many invalid messages"))
	select {
	case <-client.Context().Done():
	case <-ctx.Done():
		t.Fatal("client did not observe the close")
	}
	assert.Error(t, server.Context().Err())
}

func TestSessionRejected(t *testing.T) {
	l := listen(t)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	go func() {
		in, err := l.Accept(ctx)
		if err == nil {
			in.Reject()
		}
	}()

	rsp, _, err := dial(ctx, t, l)
	require.Error(t, err)
	require.NotNil(t, rsp)
	assert.Equal(t, http.StatusServiceUnavailable, rsp.StatusCode)
}
