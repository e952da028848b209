// Package admin serves the relay's operational endpoints: an HTTP surface
// for health, counters, connected players and the certificate hash, and a
// standard gRPC health service.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/cory-johannsen/relay/internal/world"
)

// PlayerLister returns the players currently in the world.
type PlayerLister interface {
	Snapshot() []world.Player
	Get(id string) (world.Player, bool)
}

// MetricsSource returns a point-in-time copy of relay counters.
type MetricsSource interface {
	Snapshot() map[string]int64
}

// CertInfo describes the certificate the relay endpoint presents.
type CertInfo interface {
	HashHex() string
	HashBase64() string
	Pinnable() bool
}

// ReadyFunc reports whether the relay is accepting sessions.
type ReadyFunc func() bool

type handler struct {
	players PlayerLister
	metrics MetricsSource
	cert    CertInfo
	ready   ReadyFunc
}

// NewHandler builds the admin HTTP mux.
//
// Precondition: players, metrics, cert and ready must be non-nil.
// Postcondition: Serves GET /healthz, /metrics, /players, /players/{id} and /certhash.
func NewHandler(players PlayerLister, metrics MetricsSource, cert CertInfo, ready ReadyFunc) http.Handler {
	h := &handler{players: players, metrics: metrics, cert: cert, ready: ready}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.HandleFunc("GET /metrics", h.metricsz)
	mux.HandleFunc("GET /players", h.playersz)
	mux.HandleFunc("GET /players/{id}", h.player)
	mux.HandleFunc("GET /certhash", h.certhash)
	return mux
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	if !h.ready() {
		http.Error(w, "not serving", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ok"))
}

func (h *handler) metricsz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"players":  len(h.players.Snapshot()),
		"counters": h.metrics.Snapshot(),
	})
}

func (h *handler) playersz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"players": h.players.Snapshot()})
}

func (h *handler) player(w http.ResponseWriter, r *http.Request) {
	p, ok := h.players.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "player not found", http.StatusNotFound)
		return
	}
	writeJSON(w, p)
}

func (h *handler) certhash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"algorithm": "sha-256",
		"base64":    h.cert.HashBase64(),
		"hex":       h.cert.HashHex(),
		"pinnable":  h.cert.Pinnable(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
