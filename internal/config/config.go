// Package config holds the engine configuration shared by the Caddy
// adapter (caddyplugin) and the standalone binary (cmd/durable-streamsd),
// lifted out of the Caddy-specific handler fields so both front ends
// construct the same engine the same way.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/durablestreams/dstreamd/internal/enginestore"
	"github.com/durablestreams/dstreamd/internal/enginestore/bolt"
)

// Backend selects the engine's persistence implementation.
type Backend string

const (
	// BackendMemory keeps every stream in process memory; state is lost
	// on restart. This is the default, matching the teacher's "no
	// data_dir configured" fallback.
	BackendMemory Backend = "memory"
	// BackendBolt persists streams to a single bbolt database file.
	BackendBolt Backend = "bolt"
)

// Config is the plain-Go configuration struct both front ends build from
// their own sources (Caddyfile directives, flags, environment) before
// constructing the engine and HTTP surface.
type Config struct {
	// Backend selects the persistence implementation.
	Backend Backend
	// DataDir is the bbolt database directory. Required when Backend is
	// BackendBolt.
	DataDir string

	// LongPollTimeout is the default timeout for long-poll requests.
	LongPollTimeout time.Duration
	// SSEReconnectInterval is how often SSE connections are closed so a
	// CDN can safely collapse concurrent long-lived requests.
	SSEReconnectInterval time.Duration

	// WebhookCallbackURL is the base URL the service advertises in wake
	// payloads for subscribers to call back to. An empty value disables
	// the webhook subscription system entirely.
	WebhookCallbackURL string

	// RateLimitPerSecond and RateLimitBurst configure the per-path token
	// bucket backing 429 RATE_LIMITED responses.
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// Default returns the configuration the teacher's module.go falls back to
// when no directives are supplied: in-memory storage, 30s long-poll, 60s
// SSE reconnect, and webhooks disabled.
func Default() Config {
	return Config{
		Backend:              BackendMemory,
		LongPollTimeout:      30 * time.Second,
		SSEReconnectInterval: 60 * time.Second,
		RateLimitPerSecond:   50,
		RateLimitBurst:       100,
	}
}

// WebhooksEnabled reports whether the webhook subscription system should
// be constructed.
func (c Config) WebhooksEnabled() bool {
	return c.WebhookCallbackURL != ""
}

// BuildStore constructs the engine store selected by c.Backend, the one
// piece of logic the teacher's Provision duplicated inline in module.go
// and that both front ends now share.
func (c Config) BuildStore(logger *zap.Logger) (enginestore.Store, error) {
	switch c.Backend {
	case BackendBolt:
		if c.DataDir == "" {
			return nil, fmt.Errorf("config: data_dir is required for the bolt backend")
		}
		store, err := bolt.Open(bolt.Config{Path: filepath.Join(c.DataDir, "streams.db")}, logger)
		if err != nil {
			return nil, fmt.Errorf("config: open bolt store: %w", err)
		}
		return store, nil
	case BackendMemory, "":
		return enginestore.NewMemoryStore(logger), nil
	default:
		return nil, fmt.Errorf("config: unknown backend %q", c.Backend)
	}
}
