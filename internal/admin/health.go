// Package admin serves the operational side of a broker: gRPC health checks
// and read-only HTTP views over channels and stored telemetry.
package admin

import (
	"context"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/logger"
)

// ServiceName is the health service name reported next to the overall status.
const ServiceName = "chsk.Broker"

type HealthServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	stopOnce   sync.Once
}

func NewHealthServer() *HealthServer {
	h := &HealthServer{
		grpcServer: grpc.NewServer(),
		health:     health.NewServer(),
	}
	healthpb.RegisterHealthServer(h.grpcServer, h.health)
	h.SetServing(false)
	return h
}

// SetServing flips both the overall and the broker service status.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
}

// Serve blocks until the listener fails or Invoke is called.
func (h *HealthServer) Serve(ln net.Listener) error {
	logger.InfoF("Admin gRPC listening on %s", ln.Addr().String())
	h.SetServing(true)
	return h.grpcServer.Serve(ln)
}

func (h *HealthServer) Invoke(ctx context.Context) error {
	h.stopOnce.Do(func() {
		h.health.Shutdown()
		done := make(chan struct{})
		go func() {
			h.grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			h.grpcServer.Stop()
		}
	})
	return nil
}
