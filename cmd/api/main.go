package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"docflow.org/internal/auth"
	"docflow.org/internal/config"
	"docflow.org/internal/httpapi"
	"docflow.org/internal/lifecycle"
	"docflow.org/internal/migrate"
	"docflow.org/internal/obs"
	"docflow.org/internal/override"
	"docflow.org/internal/schema"
	"docflow.org/internal/store/pg"
	"docflow.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// backend is what the API needs from either the Postgres store or the in-memory engine.
type backend interface {
	lifecycle.Service
	override.Marker
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("%v", err)
	}
	if cfg.Version != "" {
		version = cfg.Version
	}
	if cfg.Auth.Secret != "" {
		auth.SetSecret(cfg.Auth.Secret)
	}

	obs.Init()

	var (
		db    *sql.DB
		docs  backend
		users auth.UserStore
	)
	if cfg.Database.DSN != "" {
		store, err := pg.Open(cfg.Database.DSN,
			pg.PoolConfig{MaxOpen: cfg.Database.MaxOpen, MaxIdle: cfg.Database.MaxIdle},
			pg.WithRetryMaxElapsed(cfg.Database.RetryMaxElapsed),
			pg.WithSchemaOptions(schema.WithDDLTimeout(cfg.Schema.DDLTimeout)),
		)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db = store.DB()
		docs, users = store, store
	} else {
		obs.Warn("api.in_memory_mode", map[string]any{"reason": "DOCFLOW_PG_DSN is not set"})
		docs, users = lifecycle.NewInMemory(), auth.NewInMemoryUsers()
	}

	obs.InitBuildInfo(version, commit, schemaVersion(db))

	tagger := override.New(docs, override.WithTimeout(cfg.Override.Timeout))
	dir := auth.NewDirectory(users, tagger,
		auth.WithTokenTTL(cfg.Auth.TokenTTL),
		auth.WithImpersonationTTL(cfg.Auth.ImpersonationTTL),
	)
	if cfg.Bootstrap.AdminID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err := dir.EnsureUser(ctx, auth.NewUser{
			ID:       cfg.Bootstrap.AdminID,
			FullName: cfg.Bootstrap.AdminName,
			Role:     auth.RoleSuperadmin,
			Password: cfg.Bootstrap.AdminPassword,
		})
		cancel()
		if err != nil {
			log.Fatalf("bootstrap admin: %v", err)
		}
	}

	events := stream.New()
	probe := httpapi.ReadyProbe{DB: db}
	api := httpapi.New(probe, version, stream.NewPublishing(docs, events), dir, events,
		httpapi.WithRateLimit(cfg.RateLimit.Burst, cfg.RateLimit.PerSecond),
		httpapi.WithCORSOrigins(cfg.CORS.AllowedOrigins),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// SSE responses stay open; keep-alives are written every 25s.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var grpcSrv *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		grpcSrv = grpc.NewServer()
		health := httpapi.NewGRPCHealth(probe)
		health.Register(grpcSrv)
		go health.Run(ctx, 5*time.Second)
		go func() {
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
		obs.Info("api.grpc_started", map[string]any{"addr": cfg.GRPCAddr})
	}

	obs.Info("api.started", map[string]any{"addr": srv.Addr, "version": version})
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	obs.Info("api.stopping", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	obs.SetReady(false)
	_ = srv.Shutdown(shutdownCtx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if err := tagger.Close(shutdownCtx); err != nil {
		obs.Warn("api.override_drain_incomplete", map[string]any{"error": err})
	}
	if db != nil {
		_ = db.Close()
	}
	obs.Info("api.stopped", nil)
}

// schemaVersion reports the newest applied migration for docflow_build_info.
func schemaVersion(db *sql.DB) string {
	if db == nil {
		return "memory"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	history, err := migrate.NewManager(db, nil, nil).Status(ctx)
	if err != nil || len(history) == 0 {
		if err != nil {
			obs.Warn("api.schema_version_unknown", map[string]any{"error": err})
		}
		return ""
	}
	return history[len(history)-1]
}
