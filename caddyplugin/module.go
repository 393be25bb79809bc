// Package durablestreams is the Caddy v2 HTTP handler module for the
// durable streams service. It owns only Caddy lifecycle and Caddyfile
// parsing; every request is delegated to internal/httpapi.
package durablestreams

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/durablestreams/dstreamd/internal/config"
	"github.com/durablestreams/dstreamd/internal/enginestore"
	"github.com/durablestreams/dstreamd/internal/httpapi"
	"github.com/durablestreams/dstreamd/internal/webhooksub"
)

func init() {
	caddy.RegisterModule(Handler{})
	httpcaddyfile.RegisterHandlerDirective("durable_streams", parseCaddyfile)
}

// Handler implements the durable streams protocol as a Caddy HTTP handler.
type Handler struct {
	// DataDir selects the bbolt-backed store. If empty, uses in-memory
	// storage (suitable for development and tests).
	DataDir string `json:"data_dir,omitempty"`

	// LongPollTimeout is the default timeout for long-poll requests.
	LongPollTimeout caddy.Duration `json:"long_poll_timeout,omitempty"`

	// SSEReconnectInterval is how often SSE connections reconnect.
	SSEReconnectInterval caddy.Duration `json:"sse_reconnect_interval,omitempty"`

	// WebhookCallbackURL is the base URL for webhook callback endpoints.
	// If set, enables the webhook subscription system.
	WebhookCallbackURL string `json:"webhook_callback_url,omitempty"`

	// RateLimitPerSecond and RateLimitBurst configure the per-path token
	// bucket backing 429 RATE_LIMITED responses.
	RateLimitPerSecond float64 `json:"rate_limit_per_second,omitempty"`
	RateLimitBurst     int     `json:"rate_limit_burst,omitempty"`

	logger  *zap.Logger
	store   enginestore.Store
	subs    *webhooksub.Store
	manager *webhooksub.Manager
	server  *httpapi.Server
}

// CaddyModule returns the Caddy module information.
func (Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.durable_streams",
		New: func() caddy.Module { return new(Handler) },
	}
}

// Provision sets up the handler, constructing the engine store and,
// if configured, the webhook subscription system.
func (h *Handler) Provision(ctx caddy.Context) error {
	h.logger = ctx.Logger()

	cfg := config.Default()
	cfg.DataDir = h.DataDir
	if h.DataDir != "" {
		cfg.Backend = config.BackendBolt
	}
	if h.LongPollTimeout != 0 {
		cfg.LongPollTimeout = time.Duration(h.LongPollTimeout)
	}
	if h.SSEReconnectInterval != 0 {
		cfg.SSEReconnectInterval = time.Duration(h.SSEReconnectInterval)
	}
	cfg.WebhookCallbackURL = h.WebhookCallbackURL
	if h.RateLimitPerSecond != 0 {
		cfg.RateLimitPerSecond = h.RateLimitPerSecond
	}
	if h.RateLimitBurst != 0 {
		cfg.RateLimitBurst = h.RateLimitBurst
	}

	store, err := cfg.BuildStore(h.logger)
	if err != nil {
		return fmt.Errorf("durable_streams: %w", err)
	}
	h.store = store
	if cfg.Backend == config.BackendBolt {
		h.logger.Info("using bolt-backed store", zap.String("data_dir", h.DataDir))
	} else {
		h.logger.Info("using in-memory store (no data_dir configured)")
	}

	if cfg.WebhooksEnabled() {
		h.subs = webhooksub.NewStore()
		tokens, err := webhooksub.NewTokenIssuer()
		if err != nil {
			return fmt.Errorf("durable_streams: %w", err)
		}
		getTail := func(path string) string {
			meta, err := h.store.Get(context.Background(), path)
			if err != nil {
				return "-1_0"
			}
			return meta.CurrentOffset
		}
		callbackURLFor := func(consumerID string) string {
			return h.WebhookCallbackURL + "/callback/" + consumerID
		}
		h.manager = webhooksub.NewManager(h.subs, tokens, callbackURLFor, getTail, h.logger)
		h.logger.Info("webhook subscriptions enabled", zap.String("callback_url", h.WebhookCallbackURL))
	}

	h.server = httpapi.New(h.store, h.subs, h.manager, httpapi.Config{
		LongPollTimeout:      cfg.LongPollTimeout,
		SSEReconnectInterval: cfg.SSEReconnectInterval,
		RateLimitPerSecond:   cfg.RateLimitPerSecond,
		RateLimitBurst:       cfg.RateLimitBurst,
	}, h.logger)

	return nil
}

// Validate ensures the handler configuration is valid.
func (h *Handler) Validate() error {
	return nil
}

// Cleanup releases resources.
func (h *Handler) Cleanup() error {
	if h.manager != nil {
		h.manager.Shutdown()
	}
	if h.store != nil {
		return h.store.Shutdown(context.Background())
	}
	return nil
}

// ServeHTTP implements caddyhttp.MiddlewareHandler, delegating to the
// shared HTTP surface.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	h.server.ServeHTTP(w, r)
	return nil
}

// UnmarshalCaddyfile parses the Caddyfile syntax for durable_streams:
//
//	durable_streams {
//	    data_dir /var/lib/durable-streams
//	    long_poll_timeout 30s
//	    sse_reconnect_interval 60s
//	    webhook_callback_url https://example.com/v1
//	    rate_limit 50 100
//	}
func (h *Handler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "data_dir":
				if !d.Args(&h.DataDir) {
					return d.ArgErr()
				}
			case "long_poll_timeout":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.LongPollTimeout = caddy.Duration(dur)
			case "sse_reconnect_interval":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.SSEReconnectInterval = caddy.Duration(dur)
			case "webhook_callback_url":
				if !d.Args(&h.WebhookCallbackURL) {
					return d.ArgErr()
				}
			case "rate_limit":
				args := d.RemainingArgs()
				if len(args) != 2 {
					return d.ArgErr()
				}
				rps, burst, err := parseRateLimitArgs(args[0], args[1])
				if err != nil {
					return d.Errf("invalid rate_limit: %v", err)
				}
				h.RateLimitPerSecond = rps
				h.RateLimitBurst = burst
			default:
				return d.Errf("unknown subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var handler Handler
	err := handler.UnmarshalCaddyfile(h.Dispenser)
	return &handler, err
}

func parseRateLimitArgs(rpsStr, burstStr string) (float64, int, error) {
	var rps float64
	var burst int
	if _, err := fmt.Sscanf(rpsStr, "%f", &rps); err != nil {
		return 0, 0, err
	}
	if _, err := fmt.Sscanf(burstStr, "%d", &burst); err != nil {
		return 0, 0, err
	}
	return rps, burst, nil
}

// Interface guards.
var (
	_ caddy.Provisioner           = (*Handler)(nil)
	_ caddy.Validator             = (*Handler)(nil)
	_ caddy.CleanerUpper          = (*Handler)(nil)
	_ caddyhttp.MiddlewareHandler = (*Handler)(nil)
	_ caddyfile.Unmarshaler       = (*Handler)(nil)
)
