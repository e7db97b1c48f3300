package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"harborbank.org/internal/obs"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// HealthServer publishes readiness over the standard gRPC health protocol, both for the
// whole server ("") and for the API service name.
type HealthServer struct {
	*health.Server

	readiness readinessChecker
	serving   bool
}

func NewHealthServer(r readinessChecker) *HealthServer {
	return &HealthServer{Server: health.NewServer(), readiness: r, serving: true}
}

// Refresh runs the readiness check once and updates the published status.
func (h *HealthServer) Refresh(ctx context.Context) bool {
	status := healthpb.HealthCheckResponse_SERVING
	ok := true
	if err := h.readiness.Check(ctx); err != nil {
		status, ok = healthpb.HealthCheckResponse_NOT_SERVING, false
		if h.serving {
			obs.Logger().Warn("readiness check failed", zap.Error(err))
		}
	}
	h.serving = ok
	h.SetServingStatus("", status)
	h.SetServingStatus(serviceName, status)
	return ok
}

// Run refreshes the status every interval until ctx ends, then marks the server down.
func (h *HealthServer) Run(ctx context.Context, interval time.Duration) {
	h.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.Shutdown()
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, interval)
			h.Refresh(checkCtx)
			cancel()
		}
	}
}

// NewGRPCServer builds the gRPC server with health and reflection registered.
func NewGRPCServer(h *HealthServer, opts ...grpc.ServerOption) *grpc.Server {
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, h)
	reflection.Register(srv)
	return srv
}
