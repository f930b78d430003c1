package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamherald/streamherald/internal/config"
	"github.com/streamherald/streamherald/internal/discord"
	"github.com/streamherald/streamherald/internal/gateway"
	"github.com/streamherald/streamherald/internal/metrics"
	"github.com/streamherald/streamherald/internal/registry"
	"github.com/streamherald/streamherald/internal/statestore"
	"github.com/streamherald/streamherald/internal/tracker"
	"github.com/streamherald/streamherald/internal/twitch"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("streamherald failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	addr := os.Getenv("STREAMHERALD_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	configPath := os.Getenv("STREAMHERALD_CONFIG")
	if configPath == "" {
		configPath = "streamherald.json"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	backend, err := statestore.BuildBackendFromDSN(os.Getenv("STREAMHERALD_STATE_DSN"))
	if err != nil {
		return err
	}
	if backend == nil {
		backend = statestore.NewInMemoryBackend()
		logger.Warn("no state DSN configured, state will not survive restarts")
	}
	store, err := statestore.Open(backend, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	tokens := twitch.NewTokenCache(twitch.TokenCacheOptions{
		ClientID:     os.Getenv("STREAMHERALD_TWITCH_CLIENT_ID"),
		ClientSecret: os.Getenv("STREAMHERALD_TWITCH_CLIENT_SECRET"),
		Store:        store,
		Logger:       logger,
	})
	api := twitch.NewClient(twitch.ClientOptions{
		ClientID:       os.Getenv("STREAMHERALD_TWITCH_CLIENT_ID"),
		Tokens:         tokens,
		WebhookBaseURL: os.Getenv("STREAMHERALD_WEBHOOK_BASE_URL"),
		WebhookSecret:  os.Getenv("STREAMHERALD_WEBHOOK_SECRET"),
		Logger:         logger,
		MaxRetries:     intEnv("STREAMHERALD_TWITCH_MAX_RETRIES", 0),
	})
	reg := registry.New(api, store, logger)

	session, err := discordgo.New("Bot " + os.Getenv("STREAMHERALD_DISCORD_TOKEN"))
	if err != nil {
		return err
	}
	chat, err := discord.NewClient(session, logger)
	if err != nil {
		return err
	}

	trk := tracker.New(chat, api, store, trackerConfig(cfg), logger)

	metrics.Register()
	server := gateway.NewServer(trk, reg, gateway.ServerConfig{
		WebhookSecret: os.Getenv("STREAMHERALD_WEBHOOK_SECRET"),
		JWTSecret:     os.Getenv("STREAMHERALD_JWT_SECRET"),
		MaxSkew:       durationEnv("STREAMHERALD_WEBHOOK_MAX_SKEW", 10*time.Minute),
		MaxBodyBytes:  int64Env("STREAMHERALD_MAX_BODY_BYTES", 0),
	}, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", server)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Startup order: tear down stale alerts before accepting new events, then
	// reconcile subscriptions for the configured broadcaster set.
	if err := trk.ReconcileOnStartup(ctx); err != nil {
		logger.Error("startup alert reconciliation failed", "error", err)
	}
	reconcileBroadcasters(ctx, reg, nil, cfg.Logins(), logger)

	tracked := cfg.Logins()
	var trackedMu sync.Mutex
	watcher, err := config.NewWatcher(configPath, durationEnv("STREAMHERALD_CONFIG_DEBOUNCE", 0), func(next config.Config) {
		trackedMu.Lock()
		previous := tracked
		tracked = next.Logins()
		trackedMu.Unlock()
		trk.UpdateConfig(trackerConfig(next))
		reconcileBroadcasters(ctx, reg, previous, next.Logins(), logger)
	}, logger)
	if err != nil {
		return err
	}
	go func() {
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("config watcher stopped", "error", err)
		}
	}()

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("streamherald listening", "addr", addr)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func trackerConfig(cfg config.Config) tracker.Config {
	return tracker.Config{
		ChannelID:       cfg.Discord.ChannelID,
		GuildID:         cfg.Discord.GuildID,
		RoleID:          cfg.Discord.RoleID,
		TargetCategory:  cfg.TargetCategory,
		MessageTemplate: cfg.MessageTemplate,
		ThumbnailWidth:  cfg.ThumbnailWidth,
		ThumbnailHeight: cfg.ThumbnailHeight,
		Members:         cfg.Members(),
	}
}

// reconcileBroadcasters diffs the tracked login sets and drives the registry.
// previous == nil means initial startup, where every login is ensured.
func reconcileBroadcasters(ctx context.Context, reg *registry.Registry, previous, next map[string]struct{}, logger *slog.Logger) {
	for login := range next {
		if previous != nil {
			if _, ok := previous[login]; ok {
				continue
			}
		}
		if err := reg.EnsureSubscribed(ctx, login); err != nil {
			logger.Error("subscription reconcile failed", "login", login, "error", err)
		}
	}
	for login := range previous {
		if _, ok := next[login]; ok {
			continue
		}
		if err := reg.UnsubscribeAll(ctx, login); err != nil {
			logger.Error("unsubscribe failed", "login", login, "error", err)
		}
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer env var, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid integer env var, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration env var, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}
