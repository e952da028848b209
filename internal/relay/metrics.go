package relay

import "sync/atomic"

// Metrics records relay counters for monitoring and debugging.
// All methods are safe for concurrent use.
type Metrics struct {
	accepted        atomic.Int64 // connections admitted
	active          atomic.Int64 // connections currently in a handler
	acceptFailures  atomic.Int64 // failed accept or handshake attempts
	decodeFailures  atomic.Int64 // inbound payloads that did not decode
	violations      atomic.Int64 // inbound payloads discarded for any reason
	published       atomic.Int64 // events published to the fanout
	forwarded       atomic.Int64 // events sent to a remote peer
	sendFailures    atomic.Int64 // outbound sends that failed
	ignoredInbound  atomic.Int64 // well-formed events clients may not originate
	droppedOnFanout atomic.Int64 // events evicted from lagging subscriptions
}

// NewMetrics creates a zeroed Metrics.
func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) connOpened() {
	m.accepted.Add(1)
	m.active.Add(1)
}

func (m *Metrics) connClosed(dropped uint64) {
	m.active.Add(-1)
	m.droppedOnFanout.Add(int64(dropped))
}

// Active returns the number of connections currently being handled.
func (m *Metrics) Active() int64 { return m.active.Load() }

// Snapshot returns a point-in-time copy of every counter, keyed for JSON output.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"connections_accepted": m.accepted.Load(),
		"connections_active":   m.active.Load(),
		"accept_failures":      m.acceptFailures.Load(),
		"decode_failures":      m.decodeFailures.Load(),
		"violations":           m.violations.Load(),
		"events_published":     m.published.Load(),
		"events_forwarded":     m.forwarded.Load(),
		"send_failures":        m.sendFailures.Load(),
		"inbound_ignored":      m.ignoredInbound.Load(),
		"fanout_dropped":       m.droppedOnFanout.Load(),
	}
}
