package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"entitlements.org/internal/auth"
	"entitlements.org/internal/catalog"
	"entitlements.org/internal/config"
	"entitlements.org/internal/enrollment"
	"entitlements.org/internal/enrollment/remote"
	"entitlements.org/internal/entitlement"
	"entitlements.org/internal/httpapi"
	"entitlements.org/internal/obs"
	"entitlements.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	var configFile string
	cmd := &cobra.Command{
		Use:           "entitlements-api",
		Short:         "Serve the course entitlements API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cfg, err := config.Load(config.New(), configFile)
			if err != nil {
				return err
			}
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "optional config file (yaml, json or toml)")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		obs.Logger().WithError(err).Fatal("entitlements-api exited")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	obs.Init()
	obs.InitBuildInfo(version, commit)
	obs.SetLevel(cfg.LogLevel)
	log := obs.Logger()

	shutdownTracing, err := obs.InitTracing(ctx, obs.TracingConfig{
		Endpoint:       cfg.TracingEndpoint,
		Insecure:       cfg.TracingInsecure,
		SampleRate:     cfg.TracingSampleRate,
		ServiceName:    "entitlements-api",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	verifier, err := auth.NewVerifier(cfg.AuthSecret, cfg.AuthIssuer)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	var (
		store entitlement.Store
		probe httpapi.ReadyProbe
	)
	if cfg.DatabaseDSN != "" {
		pgStore, err := pg.Open(cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer pgStore.Close()
		store = pgStore
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		log.Warn("database.dsn not set; entitlements are kept in memory")
		store = entitlement.NewInMemory()
	}

	enrollments, closeEnrollments, err := enrollmentService(cfg)
	if err != nil {
		return err
	}
	defer closeEnrollments()

	cat, closeCatalog := catalogService(cfg, log)
	defer closeCatalog()

	manager := entitlement.NewManager(store, enrollments, cat,
		entitlement.WithDefaultPolicy(cfg.DefaultPolicy),
		entitlement.WithLogger(log),
	)
	api := httpapi.New(probe, version, manager, verifier,
		httpapi.WithRateLimit(cfg.RateLimitPerSecond, cfg.RateLimitBurst),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcServer, health := httpapi.NewGRPCServer()
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithFields(logrus.Fields{"addr": srv.Addr, "version": version}).Info("starting entitlements-api")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.WithField("addr", lis.Addr().String()).Info("starting grpc health endpoint")
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		httpapi.WatchHealth(gctx, health, probe, 10*time.Second)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcServer.GracefulStop()
		err := srv.Shutdown(shutdownCtx)
		if terr := shutdownTracing(shutdownCtx); terr != nil {
			log.WithError(terr).Warn("flush traces")
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("stopped")
	return nil
}

func enrollmentService(cfg config.Config) (enrollment.Service, func(), error) {
	if cfg.EnrollmentTarget == "" {
		obs.Logger().Warn("enrollment.target not set; using in-process enrollment registry")
		return enrollment.NewInMemory(), func() {}, nil
	}
	client, err := remote.Dial(cfg.EnrollmentTarget)
	if err != nil {
		return nil, nil, fmt.Errorf("dial enrollment service %s: %w", cfg.EnrollmentTarget, err)
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			obs.Logger().WithError(err).Warn("close enrollment client")
		}
	}
	return remote.NewService(client, cfg.EnrollmentTimeout), closeFn, nil
}

func catalogService(cfg config.Config, log logrus.FieldLogger) (catalog.Service, func()) {
	if cfg.CatalogURL == "" {
		log.Warn("catalog.url not set; course runs resolve against an empty static catalog")
		return catalog.NewStatic(), func() {}
	}
	client := catalog.NewClient(cfg.CatalogURL, cfg.CatalogToken, cfg.CatalogTimeout)
	if cfg.RedisAddr == "" {
		return catalog.NewCached(client, catalog.NewMemoryCache(cfg.CatalogCacheSize, cfg.CatalogCacheTTL)), func() {}
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	closeFn := func() {
		if err := rdb.Close(); err != nil {
			log.WithError(err).Warn("close redis client")
		}
	}
	return catalog.NewCached(client, catalog.NewRedisCache(rdb, "", cfg.CatalogCacheTTL)), closeFn
}
