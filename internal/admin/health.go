package admin

import (
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health-checked service name; the empty name reports
// the server as a whole.
const ServiceName = "relay"

// HealthServer exposes grpc.health.v1.Health.
type HealthServer struct {
	server *grpc.Server
	health *health.Server
}

// NewHealthServer creates a health server reporting NOT_SERVING until
// SetServing is called.
func NewHealthServer() *HealthServer {
	hs := &HealthServer{
		server: grpc.NewServer(),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(hs.server, hs.health)
	hs.SetServing(false)
	return hs
}

// SetServing updates the status of the server and of ServiceName.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
}

// Serve blocks serving health checks on lis until Stop.
func (h *HealthServer) Serve(lis net.Listener) error {
	return h.server.Serve(lis)
}

// Stop marks everything NOT_SERVING, ends watches and drains in-flight RPCs.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
