// Package main runs the session relay: a WebTransport (or WebSocket) endpoint
// that admits clients into a shared world and relays their movement and chat
// to every other connected client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/relay/internal/admin"
	"github.com/cory-johannsen/relay/internal/config"
	"github.com/cory-johannsen/relay/internal/fanout"
	"github.com/cory-johannsen/relay/internal/identity"
	"github.com/cory-johannsen/relay/internal/observability"
	"github.com/cory-johannsen/relay/internal/relay"
	"github.com/cory-johannsen/relay/internal/server"
	"github.com/cory-johannsen/relay/internal/transport"
	"github.com/cory-johannsen/relay/internal/transport/websocket"
	"github.com/cory-johannsen/relay/internal/transport/webtransport"
	"github.com/cory-johannsen/relay/internal/world"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file (defaults and environment only when empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting session relay",
		zap.String("addr", cfg.Relay.Addr()),
		zap.String("transport", cfg.Relay.Transport),
	)

	id, err := identity.FromConfig(cfg.Identity)
	if err != nil {
		logger.Fatal("preparing tls identity", zap.Error(err))
	}
	leaf := id.Certificate()
	logger.Info("tls identity ready",
		zap.Strings("hosts", append(append([]string(nil), leaf.DNSNames...), ipStrings(leaf.IPAddresses)...)),
		zap.Time("not_after", leaf.NotAfter),
		zap.String("cert_hash", id.HashBase64()),
		zap.Bool("pinnable", id.Pinnable()),
	)

	reg := world.NewRegistry()
	broker := fanout.New[relay.Envelope](cfg.Relay.SubscriberCapacity)
	metrics := relay.NewMetrics()
	handler := relay.NewHandler(cfg.Relay, reg, broker, metrics, logger)
	logger.Info("fanout ready", zap.Int("subscriber_capacity", broker.Capacity()))

	ln, err := listen(cfg.Relay, id, logger)
	if err != nil {
		logger.Fatal("binding relay endpoint", zap.Error(err))
	}
	acceptor := relay.NewAcceptor(ln, broker, handler, metrics, logger)

	// Wire lifecycle
	lifecycle := server.NewLifecycle(logger)

	lifecycle.Add("relay", &server.FuncService{
		StartFn: acceptor.Serve,
		StopFn: func(context.Context) {
			acceptor.Stop()
			broker.Close()
		},
	})

	if cfg.Admin.Enabled {
		addAdmin(lifecycle, cfg.Admin, reg, metrics, id, acceptor, logger)
	}

	logger.Info("session relay initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("relay_addr", acceptor.Addr()),
	)

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

// listen binds the configured relay transport.
func listen(cfg config.RelayConfig, id *identity.Identity, logger *zap.Logger) (transport.Listener, error) {
	switch cfg.Transport {
	case config.TransportWebSocket:
		opts := websocket.Options{
			Path:      cfg.Path,
			ReadLimit: max(int64(websocket.DefaultReadLimit), int64(cfg.MaxMessageBytes)+2),
		}
		if cfg.WebSocketTLS {
			opts.TLS = id.TLSConfig()
		}
		return websocket.Listen(cfg.Addr(), opts, logger)
	case config.TransportWebTransport:
		return webtransport.Listen(cfg.Addr(), cfg.Path, id.TLSConfig(), logger)
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func addAdmin(lc *server.Lifecycle, cfg config.AdminConfig, reg *world.Registry, metrics *relay.Metrics, id *identity.Identity, acceptor *relay.Acceptor, logger *zap.Logger) {
	httpSrv := &http.Server{
		Handler:           admin.NewHandler(reg, metrics, id, acceptor.IsRunning),
		ReadHeaderTimeout: 5 * time.Second,
	}
	lc.Add("admin-http", &server.FuncService{
		StartFn: func(context.Context) error {
			lis, err := net.Listen("tcp", cfg.HTTPAddr())
			if err != nil {
				return fmt.Errorf("listening on %s: %w", cfg.HTTPAddr(), err)
			}
			logger.Info("admin http listening", zap.String("addr", lis.Addr().String()))
			if err := httpSrv.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
		StopFn: func(ctx context.Context) {
			if err := httpSrv.Shutdown(ctx); err != nil {
				logger.Warn("admin http shutdown", zap.Error(err))
			}
		},
	})

	health := admin.NewHealthServer()
	lc.Add("admin-grpc", &server.FuncService{
		StartFn: func(context.Context) error {
			lis, err := net.Listen("tcp", cfg.GRPCAddr())
			if err != nil {
				return fmt.Errorf("listening on %s: %w", cfg.GRPCAddr(), err)
			}
			logger.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
			health.SetServing(true)
			return health.Serve(lis)
		},
		StopFn: func(context.Context) {
			health.Stop()
		},
	})
}

func ipStrings(ips []net.IP) []string {
	out := make([]string, len(ips))
	for i, ip := range ips {
		out[i] = ip.String()
	}
	return out
}
