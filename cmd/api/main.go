package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"neurobank.org/internal/audit"
	"neurobank.org/internal/auth"
	"neurobank.org/internal/cache"
	"neurobank.org/internal/config"
	"neurobank.org/internal/grpcapi"
	"neurobank.org/internal/httpapi"
	"neurobank.org/internal/migrate"
	"neurobank.org/internal/obs"
	"neurobank.org/internal/rbac"
	"neurobank.org/internal/store/memory"
	"neurobank.org/internal/store/pg"
	"neurobank.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg := config.MustLoad()
	log := obs.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	slog.SetDefault(log)

	obs.Init()
	obs.InitBuildInfo(version, commit, cfg.Env)

	if err := run(cfg, log); err != nil {
		log.Error("neurobank-api stopped with error", obs.Err(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	secret, ephemeral, err := cfg.SigningSecret()
	if err != nil {
		return err
	}
	if ephemeral {
		log.Warn("SECRET_KEY not set, using a random signing secret; tokens will not survive a restart",
			slog.Bool("ephemeral_secret", true),
			slog.String("env", cfg.Env),
		)
	}

	// storage
	var (
		store rbac.Store
		pgs   *pg.Store
	)
	if cfg.Database.DSN != "" {
		pgs, err = pg.Open(cfg.Database.DSN, pg.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return err
		}
		defer pgs.Close()
		if !cfg.Database.SkipMigrations {
			applied, err := migrate.NewManager(pgs.DB()).Up(ctx)
			if err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
			for _, name := range applied {
				log.Info("migration applied", slog.String("name", name))
			}
		}
		store = pgs
	} else {
		log.Warn("DATABASE_DSN not set, using in-memory store", slog.String("env", cfg.Env))
		store = memory.New()
	}
	if err := rbac.Bootstrap(ctx, store); err != nil {
		return fmt.Errorf("bootstrap rbac: %w", err)
	}

	// auth
	hasher, err := auth.NewHasher(cfg.Auth.PasswordSchemes, auth.WithMinLength(cfg.Auth.MinPasswordLength))
	if err != nil {
		return err
	}
	codec, err := auth.NewCodec(secret,
		auth.WithAlgorithm(cfg.Auth.Algorithm),
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAudience(cfg.Auth.Audience),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
	)
	if err != nil {
		return err
	}
	directory, err := rbac.NewDirectory(store, hasher, rbac.WithLogger(log))
	if err != nil {
		return err
	}
	resolver, err := auth.NewResolver(codec, store,
		auth.WithAPIKey(cfg.Auth.APIKey),
		auth.WithResolverLogger(log),
	)
	if err != nil {
		return err
	}

	serviceOpts := []auth.ServiceOption{auth.WithServiceLogger(log)}
	var revocations *cache.Revocations
	if cfg.Redis.Addr != "" {
		rdb, err := cache.Connect(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		revocations = cache.NewRevocations(rdb)
		serviceOpts = append(serviceOpts, auth.WithRevocations(revocations))
	} else {
		log.Warn("REDIS_ADDR not set, refresh token revocation disabled")
	}
	sessions, err := auth.NewService(directory, store, codec, serviceOpts...)
	if err != nil {
		return err
	}

	ready := func(ctx context.Context) error {
		if pgs != nil {
			if err := pgs.Ping(ctx); err != nil {
				return fmt.Errorf("database: %w", err)
			}
		}
		if revocations != nil {
			if err := revocations.Ping(ctx); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		return nil
	}

	// HTTP API
	hub := stream.New(64)
	if err := obs.RegisterAuditFeed(prometheus.DefaultRegisterer, hub); err != nil {
		return fmt.Errorf("register audit feed metrics: %w", err)
	}
	api, err := httpapi.New(directory, sessions, resolver, httpapi.Config{
		Version:      version,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		LoginRate:    cfg.Auth.LoginRate,
		LoginBurst:   cfg.Auth.LoginBurst,
		TrustProxy:   cfg.HTTP.TrustProxy,
	},
		httpapi.WithLogger(log),
		httpapi.WithReadyProbe(ready),
		httpapi.WithAudit(audit.New(log, audit.WithStream(hub))),
		httpapi.WithStream(hub),
	)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	errs := make(chan error, 2)
	go func() {
		log.Info("starting neurobank-api", slog.String("version", version), slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http listen: %w", err)
		}
	}()

	// gRPC health
	var grpcStop func()
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		gs := grpcapi.NewServer(resolver, grpcapi.ReadyProbe(ready), log)
		grpcStop = gs.GracefulStop
		go func() {
			log.Info("starting grpc health", slog.String("addr", cfg.GRPC.Addr))
			if err := gs.Serve(lis); err != nil {
				errs <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errs:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", obs.Err(err))
	}
	if grpcStop != nil {
		grpcStop()
	}
	log.Info("stopped")
	return runErr
}
