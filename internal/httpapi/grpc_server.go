package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"entitlements.org/internal/obs"
)

// NewGRPCServer returns a gRPC server carrying the standard health service.
// Its status starts as NOT_SERVING until the first readiness probe runs.
func NewGRPCServer(opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	server := grpc.NewServer(opts...)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}

// UpdateHealth runs probe once and publishes the result.
func UpdateHealth(ctx context.Context, hs *health.Server, probe ReadyChecker) {
	status := healthpb.HealthCheckResponse_SERVING
	if probe != nil {
		if err := probe.Check(ctx); err != nil {
			obs.Logger().WithError(err).Warn("readiness probe failed")
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	hs.SetServingStatus("", status)
	hs.SetServingStatus(serviceName, status)
}

// WatchHealth refreshes the health status every interval until ctx is done,
// then marks the server as shutting down.
func WatchHealth(ctx context.Context, hs *health.Server, probe ReadyChecker, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	UpdateHealth(ctx, hs, probe)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			UpdateHealth(ctx, hs, probe)
		}
	}
}
