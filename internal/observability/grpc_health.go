package observability

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCHealth serves the standard grpc.health.v1.Health service so that
// orchestrators can probe the speaker without the HTTP admin surface.
type GRPCHealth struct {
	server *grpc.Server
	health *health.Server
}

// NewGRPCHealth creates a health server that starts out NOT_SERVING.
func NewGRPCHealth() *GRPCHealth {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return &GRPCHealth{server: srv, health: hs}
}

// SetServing flips the overall and per-service status.
func (g *GRPCHealth) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(ServiceName, status)
}

// Serve blocks serving on lis until Stop is called.
func (g *GRPCHealth) Serve(lis net.Listener) error {
	if err := g.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc health server: %w", err)
	}
	return nil
}

// Stop marks the service NOT_SERVING and stops the server, waiting for
// in-flight checks until ctx is done.
func (g *GRPCHealth) Stop(ctx context.Context) {
	g.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		g.server.Stop()
	}
}
