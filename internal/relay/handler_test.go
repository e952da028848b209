package relay

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/relay/internal/config"
	"github.com/cory-johannsen/relay/internal/fanout"
	"github.com/cory-johannsen/relay/internal/protocol"
	"github.com/cory-johannsen/relay/internal/testutil"
	"github.com/cory-johannsen/relay/internal/transport"
	"github.com/cory-johannsen/relay/internal/world"
)

const waitFor = 2 * time.Second

func testRelayConfig() config.RelayConfig {
	return config.RelayConfig{
		Host:               "127.0.0.1",
		Port:               4433,
		Transport:          config.TransportWebTransport,
		Path:               "/",
		SubscriberCapacity: 100,
		MaxMessageBytes:    1024,
		SpawnX:             50,
		SpawnY:             50,
		SendTimeout:        time.Second,
		ReadTimeout:        time.Second,
	}
}

// harness runs Handlers against in-memory connections with predictable ids.
type harness struct {
	handler *Handler
	world   *world.Registry
	broker  *fanout.Broker[Envelope]
	metrics *Metrics
	ctx     context.Context
	cancel  context.CancelFunc
	seq     atomic.Int32
}

type session struct {
	id   string
	conn *testutil.Conn
	done chan error
}

func newHarness(t *testing.T, mutate func(*config.RelayConfig)) *harness {
	t.Helper()
	cfg := testRelayConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	hs := &harness{
		world:   world.NewRegistry(),
		broker:  fanout.New[Envelope](cfg.SubscriberCapacity),
		metrics: NewMetrics(),
	}
	hs.handler = NewHandler(cfg, hs.world, hs.broker, hs.metrics, zaptest.NewLogger(t))
	hs.handler.newID = func() (string, error) {
		return playerID(int(hs.seq.Add(1))), nil
	}
	hs.ctx, hs.cancel = context.WithCancel(context.Background())
	t.Cleanup(hs.cancel)
	return hs
}

func playerID(n int) string {
	return fmt.Sprintf("%08d-0000-4000-8000-000000000000", n)
}

// start runs a handler for conn without waiting for admission.
func (hs *harness) start(conn *testutil.Conn) *session {
	s := &session{
		id:   playerID(int(hs.seq.Load()) + 1),
		conn: conn,
		done: make(chan error, 1),
	}
	sub := hs.broker.Subscribe()
	go func() { s.done <- hs.handler.HandleConnection(hs.ctx, conn, sub) }()
	return s
}

// connect admits a new connection and consumes its world snapshot.
func (hs *harness) connect(t *testing.T) (*session, protocol.WorldSnapshot) {
	t.Helper()
	s := hs.start(testutil.NewConn())
	snap := s.conn.NextEvent(t, protocol.KindWorldSnapshot, waitFor).(protocol.WorldSnapshot)
	return s, snap
}

func (s *session) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.done:
		return err
	case <-time.After(waitFor):
		t.Fatalf("handler for %s did not return", s.id)
		return nil
	}
}

// observe drains the envelopes published so far.
func observe(sub *fanout.Subscription[Envelope]) []Envelope {
	var out []Envelope
	for {
		select {
		case env, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, env)
		default:
			return out
		}
	}
}

func nextEnvelope(t *testing.T, sub *fanout.Subscription[Envelope], kind protocol.Kind) Envelope {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case env := <-sub.C():
			if env.Event.Kind() == kind {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s published within %s", kind, waitFor)
			return Envelope{}
		}
	}
}

func encode(t *testing.T, ev protocol.Event) []byte {
	t.Helper()
	data, err := protocol.Encode(ev)
	require.NoError(t, err)
	return data
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Player3f2a9c", DisplayName("3f2a9c11-0000-4000-8000-000000000000"))
	assert.Equal(t, "Playerab", DisplayName("ab"))
}

func TestHandleConnection_AdmitsAndSendsSnapshot(t *testing.T) {
	hs := newHarness(t, nil)
	observer := hs.broker.Subscribe()

	a, snap := hs.connect(t)

	require.Len(t, snap.Players, 1)
	assert.Equal(t, protocol.Player{ID: a.id, Name: DisplayName(a.id), X: 50, Y: 50}, snap.Players[0])

	p, ok := hs.world.Get(a.id)
	require.True(t, ok)
	assert.Equal(t, float32(50), p.X)

	env := nextEnvelope(t, observer, protocol.KindPlayerJoined)
	assert.Equal(t, a.id, env.Origin)
	assert.Equal(t, protocol.PlayerJoined{Player: snap.Players[0]}, env.Event)
	assert.Equal(t, int64(1), hs.metrics.Active())
}

func TestHandleConnection_SnapshotUsesStream(t *testing.T) {
	hs := newHarness(t, nil)
	s := hs.start(testutil.NewConn())

	f := s.conn.Next(t, waitFor)
	assert.False(t, f.Datagram)
	assert.Equal(t, protocol.KindWorldSnapshot, f.Event(t).Kind())
}

func TestHandleConnection_SnapshotFallsBackToDatagram(t *testing.T) {
	hs := newHarness(t, nil)
	conn := testutil.NewConn()
	conn.FailOpens.Store(true)
	s := hs.start(conn)

	f := s.conn.Next(t, waitFor)
	assert.True(t, f.Datagram)
	assert.Equal(t, protocol.KindWorldSnapshot, f.Event(t).Kind())
}

func TestHandleConnection_TwoClientsJoinAndMove(t *testing.T) {
	hs := newHarness(t, nil)

	a, snapA := hs.connect(t)
	require.Len(t, snapA.Players, 1)

	b, snapB := hs.connect(t)
	require.Len(t, snapB.Players, 2)
	assert.Equal(t, a.id, snapB.Players[0].ID)
	assert.Equal(t, b.id, snapB.Players[1].ID)

	joined := a.conn.NextEvent(t, protocol.KindPlayerJoined, waitFor).(protocol.PlayerJoined)
	assert.Equal(t, b.id, joined.Player.ID)
	assert.Equal(t, DisplayName(b.id), joined.Player.Name)

	// The claimed player id is ignored in favour of the connection's own.
	b.conn.PushEvent(t, protocol.PlayerMoved{PlayerID: a.id, X: 10, Y: 20}, true)

	f := a.conn.Next(t, waitFor)
	assert.True(t, f.Datagram, "moves are forwarded as datagrams")
	assert.Equal(t, protocol.PlayerMoved{PlayerID: b.id, X: 10, Y: 20}, f.Event(t))

	pb, ok := hs.world.Get(b.id)
	require.True(t, ok)
	assert.Equal(t, float32(10), pb.X)
	assert.Equal(t, float32(20), pb.Y)

	pa, ok := hs.world.Get(a.id)
	require.True(t, ok)
	assert.Equal(t, float32(50), pa.X, "spoofed id must not move another player")
}

func TestHandleConnection_MoveOverStream(t *testing.T) {
	hs := newHarness(t, nil)
	observer := hs.broker.Subscribe()
	a, _ := hs.connect(t)

	a.conn.PushEvent(t, protocol.PlayerMoved{X: -3.5, Y: 7}, false)

	env := nextEnvelope(t, observer, protocol.KindPlayerMoved)
	assert.Equal(t, protocol.PlayerMoved{PlayerID: a.id, X: -3.5, Y: 7}, env.Event)
}

func TestHandleConnection_DoesNotEchoOwnEvents(t *testing.T) {
	hs := newHarness(t, nil)
	a, _ := hs.connect(t)
	b, _ := hs.connect(t)
	a.conn.NextEvent(t, protocol.KindPlayerJoined, waitFor)

	a.conn.PushEvent(t, protocol.ChatMessage{Text: "one"}, false)
	got := b.conn.NextEvent(t, protocol.KindChatMessage, waitFor)
	assert.Equal(t, protocol.ChatMessage{PlayerID: a.id, Text: "one"}, got)

	b.conn.PushEvent(t, protocol.ChatMessage{Text: "two"}, false)
	got = a.conn.NextEvent(t, protocol.KindChatMessage, waitFor)
	assert.Equal(t, protocol.ChatMessage{PlayerID: b.id, Text: "two"}, got,
		"a must not receive its own chat")
}

func TestHandleConnection_AbruptDisconnect(t *testing.T) {
	hs := newHarness(t, nil)
	a, _ := hs.connect(t)
	b, _ := hs.connect(t)
	a.conn.NextEvent(t, protocol.KindPlayerJoined, waitFor)

	observer := hs.broker.Subscribe()
	b.conn.Disconnect()

	err := b.wait(t)
	assert.ErrorIs(t, err, transport.ErrClosed)

	left := a.conn.NextEvent(t, protocol.KindPlayerLeft, waitFor)
	assert.Equal(t, protocol.PlayerLeft{PlayerID: b.id}, left)

	_, ok := hs.world.Get(b.id)
	assert.False(t, ok)
	assert.Equal(t, 1, hs.world.Len())

	var leaves int
	for _, env := range observe(observer) {
		if env.Event.Kind() == protocol.KindPlayerLeft {
			leaves++
			assert.Equal(t, b.id, env.Origin)
		}
	}
	assert.Equal(t, 1, leaves, "exactly one PlayerLeft per connection")
	assert.Equal(t, int64(1), hs.metrics.Active())
}

func TestHandleConnection_ChatOrderSurvivesMalformedMessage(t *testing.T) {
	hs := newHarness(t, nil)
	observer := hs.broker.Subscribe()
	a, _ := hs.connect(t)

	a.conn.PushStream(encode(t, protocol.ChatMessage{Text: "first"}))
	a.conn.PushStream(encode(t, protocol.ChatMessage{Text: "second"}))
	a.conn.PushStream([]byte{0xff, 0xff, 0xff})
	a.conn.PushStream(encode(t, protocol.ChatMessage{Text: "third"}))

	var texts []string
	for range 3 {
		env := nextEnvelope(t, observer, protocol.KindChatMessage)
		assert.Equal(t, a.id, env.Origin)
		texts = append(texts, env.Event.(protocol.ChatMessage).Text)
	}
	assert.Equal(t, []string{"first", "second", "third"}, texts)
	assert.Equal(t, int64(1), hs.metrics.Snapshot()["decode_failures"])

	select {
	case err := <-a.done:
		t.Fatalf("connection closed after malformed message: %v", err)
	default:
	}
}

func TestHandleConnection_OversizedMessageDiscarded(t *testing.T) {
	hs := newHarness(t, func(c *config.RelayConfig) { c.MaxMessageBytes = 32 })
	observer := hs.broker.Subscribe()
	a, _ := hs.connect(t)

	a.conn.PushStream(encode(t, protocol.ChatMessage{Text: string(make([]byte, 64))}))
	a.conn.PushDatagram(make([]byte, 33))
	a.conn.PushStream(encode(t, protocol.ChatMessage{Text: "ok"}))

	env := nextEnvelope(t, observer, protocol.KindChatMessage)
	assert.Equal(t, "ok", env.Event.(protocol.ChatMessage).Text)

	require.Eventually(t, func() bool {
		return hs.metrics.Snapshot()["violations"] == 2
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, int64(0), hs.metrics.Snapshot()["decode_failures"])
}

func TestHandleConnection_ChatLengthLimit(t *testing.T) {
	hs := newHarness(t, func(c *config.RelayConfig) { c.MaxChatBytes = 5 })
	observer := hs.broker.Subscribe()
	a, _ := hs.connect(t)

	a.conn.PushEvent(t, protocol.ChatMessage{Text: "too long"}, false)
	a.conn.PushEvent(t, protocol.ChatMessage{Text: "short"}, false)

	env := nextEnvelope(t, observer, protocol.KindChatMessage)
	assert.Equal(t, "short", env.Event.(protocol.ChatMessage).Text)
	assert.Equal(t, int64(1), hs.metrics.Snapshot()["violations"])
}

func TestHandleConnection_NonFiniteMoveDiscarded(t *testing.T) {
	hs := newHarness(t, nil)
	observer := hs.broker.Subscribe()
	a, _ := hs.connect(t)

	a.conn.PushEvent(t, protocol.PlayerMoved{X: float32(math.NaN()), Y: 1}, true)
	a.conn.PushEvent(t, protocol.PlayerMoved{X: 1, Y: float32(math.Inf(-1))}, true)
	a.conn.PushEvent(t, protocol.PlayerMoved{X: 2, Y: 3}, true)

	env := nextEnvelope(t, observer, protocol.KindPlayerMoved)
	assert.Equal(t, protocol.PlayerMoved{PlayerID: a.id, X: 2, Y: 3}, env.Event)
	assert.Equal(t, int64(2), hs.metrics.Snapshot()["violations"])
}

func TestHandleConnection_IgnoresServerOnlyEvents(t *testing.T) {
	hs := newHarness(t, nil)
	observer := hs.broker.Subscribe()
	a, _ := hs.connect(t)
	nextEnvelope(t, observer, protocol.KindPlayerJoined)

	a.conn.PushEvent(t, protocol.PlayerJoined{Player: protocol.Player{ID: "ghost"}}, false)
	a.conn.PushEvent(t, protocol.PlayerLeft{PlayerID: a.id}, false)
	a.conn.PushEvent(t, protocol.WorldSnapshot{}, false)
	a.conn.PushEvent(t, protocol.ChatMessage{Text: "marker"}, false)

	env := nextEnvelope(t, observer, protocol.KindChatMessage)
	assert.Equal(t, "marker", env.Event.(protocol.ChatMessage).Text)
	assert.Empty(t, observe(observer))

	_, ok := hs.world.Get(a.id)
	assert.True(t, ok, "a client cannot remove itself with PlayerLeft")
	assert.Equal(t, 1, hs.world.Len())
	m := hs.metrics.Snapshot()
	assert.Equal(t, int64(3), m["inbound_ignored"])
	assert.Equal(t, int64(0), m["violations"])
}

func TestHandleConnection_ClosesAfterMaxViolations(t *testing.T) {
	hs := newHarness(t, func(c *config.RelayConfig) { c.MaxViolations = 2 })
	a, _ := hs.connect(t)

	a.conn.PushDatagram([]byte{0x00})
	a.conn.PushDatagram([]byte{0x00})

	err := a.wait(t)
	assert.ErrorIs(t, err, errTooManyViolations)
	assert.Equal(t, CloseProtocolViolation, a.conn.CloseCode())
	assert.Equal(t, 0, hs.world.Len())
}

func TestHandleConnection_SendFailuresAreNotFatal(t *testing.T) {
	hs := newHarness(t, nil)
	a, _ := hs.connect(t)
	a.conn.FailOpens.Store(true)
	a.conn.FailSends.Store(true)

	b, _ := hs.connect(t)
	require.Eventually(t, func() bool {
		return hs.metrics.Snapshot()["send_failures"] >= 1
	}, waitFor, 5*time.Millisecond)

	a.conn.FailOpens.Store(false)
	a.conn.FailSends.Store(false)
	b.conn.PushEvent(t, protocol.ChatMessage{Text: "still there"}, false)

	got := a.conn.NextEvent(t, protocol.KindChatMessage, waitFor)
	assert.Equal(t, protocol.ChatMessage{PlayerID: b.id, Text: "still there"}, got)
}

func TestHandleConnection_ClosedPeerEndsForwarding(t *testing.T) {
	hs := newHarness(t, nil)
	a, _ := hs.connect(t)
	b, _ := hs.connect(t)
	a.conn.NextEvent(t, protocol.KindPlayerJoined, waitFor)

	// b's peer is gone but its readers have not noticed.
	b.conn.SendsClosed.Store(true)
	a.conn.PushEvent(t, protocol.ChatMessage{Text: "anyone?"}, false)

	err := b.wait(t)
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.Equal(t, int64(1), hs.metrics.Snapshot()["send_failures"])

	left := a.conn.NextEvent(t, protocol.KindPlayerLeft, waitFor)
	assert.Equal(t, protocol.PlayerLeft{PlayerID: b.id}, left)
	assert.Equal(t, 1, hs.world.Len())
}

func TestHandleConnection_StalledStreamDoesNotBlockLaterStreams(t *testing.T) {
	hs := newHarness(t, func(c *config.RelayConfig) { c.ReadTimeout = 50 * time.Millisecond })
	observer := hs.broker.Subscribe()
	a, _ := hs.connect(t)

	stalled := testutil.NewStream(encode(t, protocol.ChatMessage{Text: "never finished"}))
	a.conn.PushReader(stalled)
	a.conn.PushEvent(t, protocol.ChatMessage{Text: "after"}, false)

	env := nextEnvelope(t, observer, protocol.KindChatMessage)
	assert.Equal(t, "after", env.Event.(protocol.ChatMessage).Text)
	assert.True(t, stalled.Cancelled())
	assert.Equal(t, int64(1), hs.metrics.Snapshot()["violations"])
}

func TestHandleConnection_OversizedStreamCancelled(t *testing.T) {
	hs := newHarness(t, func(c *config.RelayConfig) { c.MaxMessageBytes = 16 })
	observer := hs.broker.Subscribe()
	a, _ := hs.connect(t)

	big := testutil.NewStream(make([]byte, 64))
	a.conn.PushReader(big)
	a.conn.PushEvent(t, protocol.ChatMessage{Text: "ok"}, false)

	env := nextEnvelope(t, observer, protocol.KindChatMessage)
	assert.Equal(t, "ok", env.Event.(protocol.ChatMessage).Text)
	assert.True(t, big.Cancelled(), "the unread rest of an oversized stream is abandoned")
	assert.Equal(t, int64(1), hs.metrics.Snapshot()["violations"])
}

func TestHandleConnection_GracefulShutdown(t *testing.T) {
	hs := newHarness(t, nil)
	a, _ := hs.connect(t)
	observer := hs.broker.Subscribe()

	hs.cancel()

	assert.NoError(t, a.wait(t))
	assert.Equal(t, 0, hs.world.Len())
	env := nextEnvelope(t, observer, protocol.KindPlayerLeft)
	assert.Equal(t, a.id, env.Origin)
	assert.Equal(t, int64(0), hs.metrics.Active())
}

func TestHandleConnection_BrokerClosed(t *testing.T) {
	hs := newHarness(t, nil)
	a, _ := hs.connect(t)

	hs.broker.Close()

	err := a.wait(t)
	assert.ErrorIs(t, err, errSubscriptionClosed)
	assert.Equal(t, 0, hs.world.Len())
}

func TestHandleConnection_LaggingPeerCountsDrops(t *testing.T) {
	hs := newHarness(t, func(c *config.RelayConfig) { c.SubscriberCapacity = 1 })
	a, _ := hs.connect(t)

	// A subscription nobody drains falls behind immediately.
	stuck := hs.broker.Subscribe()
	for i := range 5 {
		a.conn.PushEvent(t, protocol.ChatMessage{Text: fmt.Sprint(i)}, false)
	}
	require.Eventually(t, func() bool { return stuck.Dropped() >= 4 }, waitFor, 5*time.Millisecond)

	env := <-stuck.C()
	assert.Equal(t, protocol.ChatMessage{PlayerID: a.id, Text: "4"}, env.Event)
}
