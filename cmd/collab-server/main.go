// collab-server runs the realtime collaboration service: the public
// WebSocket gateway on one port and the internal broadcast/metrics API on
// another.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/peakdocs/collab/internal/broadcast"
	"github.com/peakdocs/collab/internal/config"
	"github.com/peakdocs/collab/internal/gateway"
	"github.com/peakdocs/collab/internal/hub"
	"github.com/peakdocs/collab/internal/identity"
	"github.com/peakdocs/collab/internal/monitoring"
	"github.com/peakdocs/collab/internal/permissions"
	"github.com/peakdocs/collab/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	flag.Parse()

	// .env is optional; environment variables win either way.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.Server.Env)

	metrics := monitoring.NewMetrics()

	docs, activity, perms, cleanup, err := buildStores(cfg)
	if err != nil {
		slog.Error("store init failed", "backend", cfg.Stores.Backend, "error", err)
		os.Exit(1)
	}
	defer cleanup()

	var resolver identity.Resolver
	if cfg.Identity.APIURL != "" {
		resolver = identity.NewRPCResolver(cfg.Identity.APIURL, cfg.Timeouts.Handshake())
	} else {
		slog.Warn("no identity api configured, all handshakes will fail account resolution")
		resolver = identity.StaticResolver{}
	}

	hubCfg := hub.Config{
		Grace:            cfg.Timeouts.Grace(),
		Debounce:         cfg.Timeouts.Debounce(),
		MaxDebounce:      cfg.Timeouts.MaxDebounce(),
		SaveTimeout:      cfg.Timeouts.Load(),
		MaxClassifyBytes: cfg.Limits.MaxClassifyBytes,
	}
	deps := hub.Deps{Documents: docs, Activity: activity, Metrics: metrics}
	registry := hub.NewRegistry(hubCfg, deps, func(ctx context.Context) (context.Context, context.CancelFunc) {
		return context.WithTimeout(ctx, cfg.Timeouts.Load())
	})

	var relay *broadcast.Relay
	if cfg.Stores.RedisAddr != "" {
		pubsub, err := broadcast.NewRedisPubSub(cfg.Stores.RedisAddr, cfg.Stores.RedisPassword, cfg.Stores.RedisDB)
		if err != nil {
			slog.Error("redis connect failed", "addr", cfg.Stores.RedisAddr, "error", err)
			os.Exit(1)
		}
		defer pubsub.Close()
		relay = broadcast.NewRelay(pubsub, cfg.Stores.RelayPrefix, registry)
		if err := relay.Start(context.Background()); err != nil {
			slog.Error("relay start failed", "error", err)
			os.Exit(1)
		}
		defer relay.Close()
	}

	auth := &gateway.Authenticator{
		Resolver:         resolver,
		Permissions:      perms,
		ChallengeMaxAge:  cfg.Identity.ChallengeMaxAge(),
		ChallengeMaxSkew: cfg.Identity.ChallengeMaxSkew(),
	}

	mainSrv := &http.Server{
		Addr:        cfg.Server.MainAddr,
		Handler:     gateway.NewServer(cfg, registry, auth, metrics).Router(),
		IdleTimeout: 60 * time.Second,
	}
	internalSrv := &http.Server{
		Addr:         cfg.Server.InternalAddr,
		Handler:      broadcast.NewAPI(registry, perms, relay, metrics, cfg.Server.SharedSecret).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		slog.Info("gateway listening", "addr", cfg.Server.MainAddr, "env", cfg.Server.Env)
		if err := mainSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("gateway server failed", "error", err)
			os.Exit(1)
		}
	}()
	go func() {
		slog.Info("internal api listening", "addr", cfg.Server.InternalAddr)
		if err := internalSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("internal server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	slog.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting traffic, then flush every live document.
	if err := mainSrv.Shutdown(ctx); err != nil {
		slog.Warn("gateway shutdown", "error", err)
	}
	if err := internalSrv.Shutdown(ctx); err != nil {
		slog.Warn("internal shutdown", "error", err)
	}
	registry.Shutdown(ctx)
	slog.Info("shutdown complete")
}

// setupLogging installs the default slog handler: JSON in production, text
// elsewhere.
func setupLogging(env string) {
	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	slog.SetDefault(slog.New(handler))
}

// buildStores selects the persistence backend. The returned cleanup closes
// whatever was opened.
func buildStores(cfg *config.Config) (store.DocumentStore, store.ActivityLogger, permissions.Store, func(), error) {
	switch cfg.Stores.Backend {
	case "postgres":
		db, err := store.Open(cfg.Stores.DatabaseURL)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		return store.NewPostgresDocumentStore(db),
			store.NewPostgresActivityLogger(db),
			permissions.NewPostgresStore(db),
			func() { db.Close() },
			nil
	default:
		slog.Warn("using in-memory stores, nothing will survive a restart")
		return store.NewMemoryDocumentStore(),
			store.NewMemoryActivityLogger(),
			permissions.NewMemoryStore(),
			func() {},
			nil
	}
}
