package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"entitlements.org/internal/enrollment"
	"entitlements.org/internal/enrollment/remote"
	"entitlements.org/internal/obs"
)

// enrollment-stub serves an in-memory enrollment registry over gRPC for local
// development and smoke tests.
func main() {
	var (
		addr   string
		closed []string
	)
	cmd := &cobra.Command{
		Use:           "enrollment-stub",
		Short:         "Serve an in-memory enrollment service over gRPC",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			registry := enrollment.NewInMemory()
			for _, run := range closed {
				registry.CloseRun(run)
			}

			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			server := grpc.NewServer()
			remote.NewServer(registry).Register(server)
			hs := health.NewServer()
			hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
			healthpb.RegisterHealthServer(server, hs)

			go func() {
				<-ctx.Done()
				hs.Shutdown()
				done := make(chan struct{})
				go func() {
					server.GracefulStop()
					close(done)
				}()
				select {
				case <-done:
				case <-time.After(5 * time.Second):
					server.Stop()
				}
			}()

			obs.Logger().WithField("addr", lis.Addr().String()).Info("enrollment stub listening")
			return server.Serve(lis)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", envOr("ENTITLEMENTS_ENROLLMENT_STUB_ADDR", ":9091"), "listen address")
	cmd.Flags().StringSliceVar(&closed, "closed-run", nil, "course run ids that refuse enrollment")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		obs.Logger().WithError(err).Fatal("enrollment-stub exited")
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
