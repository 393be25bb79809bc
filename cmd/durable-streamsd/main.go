// Command durable-streamsd runs the durable streams HTTP surface directly
// on net/http, without Caddy, for deployments that put their own reverse
// proxy or load balancer in front of it.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/durablestreams/dstreamd/internal/config"
	"github.com/durablestreams/dstreamd/internal/httpapi"
	"github.com/durablestreams/dstreamd/internal/webhooksub"
)

func main() {
	var (
		addr                 = flag.String("addr", ":4437", "listen address")
		dataDir              = flag.String("data-dir", "", "bbolt data directory; empty uses in-memory storage")
		longPollTimeout      = flag.Duration("long-poll-timeout", 30*time.Second, "default long-poll timeout")
		sseReconnectInterval = flag.Duration("sse-reconnect-interval", 60*time.Second, "SSE reconnect interval")
		webhookCallbackURL   = flag.String("webhook-callback-url", "", "base URL for webhook callbacks; empty disables subscriptions")
		rateLimitPerSecond   = flag.Float64("rate-limit-per-second", 50, "per-path sustained request rate")
		rateLimitBurst       = flag.Int("rate-limit-burst", 100, "per-path burst size")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg := config.Default()
	if *dataDir != "" {
		cfg.Backend = config.BackendBolt
		cfg.DataDir = *dataDir
	}
	cfg.LongPollTimeout = *longPollTimeout
	cfg.SSEReconnectInterval = *sseReconnectInterval
	cfg.WebhookCallbackURL = *webhookCallbackURL
	cfg.RateLimitPerSecond = *rateLimitPerSecond
	cfg.RateLimitBurst = *rateLimitBurst

	if err := run(cfg, *addr, logger); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

func run(cfg config.Config, addr string, logger *zap.Logger) error {
	store, err := cfg.BuildStore(logger)
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}

	var subs *webhooksub.Store
	var manager *webhooksub.Manager
	if cfg.WebhooksEnabled() {
		subs = webhooksub.NewStore()
		tokens, err := webhooksub.NewTokenIssuer()
		if err != nil {
			return fmt.Errorf("build token issuer: %w", err)
		}
		getTail := func(path string) string {
			meta, err := store.Get(context.Background(), path)
			if err != nil {
				return "-1_0"
			}
			return meta.CurrentOffset
		}
		callbackURLFor := func(consumerID string) string {
			return cfg.WebhookCallbackURL + "/callback/" + consumerID
		}
		manager = webhooksub.NewManager(subs, tokens, callbackURLFor, getTail, logger)
		logger.Info("webhook subscriptions enabled", zap.String("callback_url", cfg.WebhookCallbackURL))
	}

	server := httpapi.New(store, subs, manager, httpapi.Config{
		LongPollTimeout:      cfg.LongPollTimeout,
		SSEReconnectInterval: cfg.SSEReconnectInterval,
		RateLimitPerSecond:   cfg.RateLimitPerSecond,
		RateLimitBurst:       cfg.RateLimitBurst,
	}, logger)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: server,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if manager != nil {
		manager.Shutdown()
	}
	if err := store.Shutdown(shutdownCtx); err != nil {
		logger.Warn("store shutdown error", zap.Error(err))
	}
	return httpServer.Shutdown(shutdownCtx)
}
