package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/durablestreams/dstreamd/internal/enginestore"
	"github.com/durablestreams/dstreamd/internal/webhooksub"
)

// Config configures a Server. It is the same shape whether the server is
// wrapped by the Caddy adapter (caddyplugin) or run directly by the
// standalone binary (cmd/durable-streamsd) — see SPEC_FULL §10.
type Config struct {
	LongPollTimeout      time.Duration
	SSEReconnectInterval time.Duration
	RateLimitPerSecond   float64
	RateLimitBurst       int
}

// DefaultConfig matches the teacher's module.go defaults.
func DefaultConfig() Config {
	return Config{
		LongPollTimeout:      30 * time.Second,
		SSEReconnectInterval: 60 * time.Second,
		RateLimitPerSecond:   50,
		RateLimitBurst:       100,
	}
}

// Server is the HTTP surface (component F) plus the subscription and
// callback routes (G/H/I), grounded on the teacher's handler.go and
// webhook/routes.go.
type Server struct {
	store   enginestore.Store
	subs    *webhooksub.Store
	manager *webhooksub.Manager
	cfg     Config
	logger  *zap.Logger
	limiter *rateLimiter
}

// New constructs a Server. manager may be nil if webhook subscriptions are
// disabled.
func New(store enginestore.Store, subs *webhooksub.Store, manager *webhooksub.Manager, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:   store,
		subs:    subs,
		manager: manager,
		cfg:     cfg,
		logger:  logger,
		limiter: newRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst),
	}
}

// ServeHTTP implements http.Handler, routing on method and path.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, POST, DELETE, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "*")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/callback/") {
		s.handleCallback(w, r, strings.TrimPrefix(r.URL.Path, "/callback/"))
		return
	}

	if !s.limiter.allow(w, r.URL.Path) {
		writeProblem(w, r, errRateLimited)
		return
	}

	if isSubscriptionRequest(r) {
		s.handleSubscriptionRequest(w, r)
		return
	}

	switch r.Method {
	case http.MethodPut:
		s.handleCreate(w, r)
	case http.MethodPost:
		s.handleAppend(w, r)
	case http.MethodGet:
		s.handleRead(w, r)
	case http.MethodHead:
		s.handleHead(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		writeProblem(w, r, apiError{http.StatusMethodNotAllowed, "BAD_REQUEST", "Method not allowed"})
	}
}

func isSubscriptionRequest(r *http.Request) bool {
	q := r.URL.Query()
	return q.Has("subscription") || q.Has("subscriptions")
}

// handleCreate implements PUT <path> (§6).
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if err := rejectUnknownProtocolHeaders(r.Header); err != nil {
		writeProblem(w, r, err)
		return
	}
	ttl, expiresAt, err := parseTTLHeaders(r.Header)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	body, err := decodeRequestBody(r)
	if err != nil {
		writeProblem(w, r, err)
		return
	}

	created, err := s.store.Create(r.Context(), r.URL.Path, enginestore.CreateOptions{
		ContentType: r.Header.Get("Content-Type"),
		TTLSeconds:  ttl,
		ExpiresAt:   expiresAt,
		InitialData: body,
	})
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	if s.manager != nil {
		s.manager.OnStreamCreated(r.URL.Path)
	}

	w.Header().Set("Location", requestURL(r))
	if created {
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusOK)
	}
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.Path
}

// parseTTLHeaders parses the mutually exclusive Stream-TTL/Stream-Expires-At
// headers (§6).
func parseTTLHeaders(h http.Header) (ttlSeconds int64, expiresAt time.Time, err error) {
	ttlHeader := h.Get("Stream-TTL")
	expiresHeader := h.Get("Stream-Expires-At")
	if ttlHeader != "" && expiresHeader != "" {
		return 0, time.Time{}, errBadRequest
	}
	if ttlHeader != "" {
		v, convErr := strconv.ParseInt(ttlHeader, 10, 64)
		if convErr != nil || v < 0 {
			return 0, time.Time{}, errBadRequest
		}
		return v, time.Time{}, nil
	}
	if expiresHeader != "" {
		t, convErr := time.Parse(time.RFC3339, expiresHeader)
		if convErr != nil {
			return 0, time.Time{}, errBadRequest
		}
		return 0, t, nil
	}
	return 0, time.Time{}, nil
}

// streamHeaders lists every recognized Stream-*/Producer-* header; an
// unrecognized one of either prefix must be rejected (§9).
var knownProtocolHeaders = map[string]bool{
	"stream-ttl": true, "stream-expires-at": true, "stream-seq": true,
	"stream-closed": true, "stream-next-offset": true, "stream-up-to-date": true,
	"stream-cursor": true, "producer-id": true, "producer-epoch": true,
	"producer-seq": true, "idempotency-key": true, "idempotency-replayed": true,
}

func rejectUnknownProtocolHeaders(h http.Header) error {
	for name := range h {
		lower := strings.ToLower(name)
		if (strings.HasPrefix(lower, "stream-") || strings.HasPrefix(lower, "producer-")) && !knownProtocolHeaders[lower] {
			return errBadRequest
		}
	}
	return nil
}

// handleAppend implements POST <path> (§6).
func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	if err := rejectUnknownProtocolHeaders(r.Header); err != nil {
		writeProblem(w, r, err)
		return
	}
	opts, err := parseAppendOptions(r.Header)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	body, err := decodeRequestBody(r)
	if err != nil {
		writeProblem(w, r, err)
		return
	}

	if ifMatch := r.Header.Get("If-Match"); ifMatch != "" {
		meta, err := s.store.Get(r.Context(), r.URL.Path)
		if err != nil {
			writeProblem(w, r, err)
			return
		}
		if ifMatch != `"`+meta.CurrentOffset+`"` {
			writeProblem(w, r, errSequenceConflict)
			return
		}
	}

	result, err := s.store.Append(r.Context(), r.URL.Path, body, opts)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	if s.manager != nil {
		s.manager.OnStreamAppend(r.URL.Path)
	}

	w.Header().Set("Stream-Next-Offset", result.Offset)
	if result.StreamClosed {
		w.Header().Set("Stream-Closed", "true")
	}
	if result.IdempotencyReplayed || result.ProducerResult == enginestore.ProducerResultDuplicate {
		w.Header().Set("Idempotency-Replayed", "true")
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseAppendOptions(h http.Header) (enginestore.AppendOptions, error) {
	opts := enginestore.AppendOptions{
		ContentType:    h.Get("Content-Type"),
		IdempotencyKey: h.Get("Idempotency-Key"),
		Close:          strings.EqualFold(h.Get("Stream-Closed"), "true"),
	}
	if v := h.Get("Stream-Seq"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return opts, errBadRequest
		}
		opts.Seq = &n
	}

	producerID := h.Get("Producer-Id")
	epochStr := h.Get("Producer-Epoch")
	seqStr := h.Get("Producer-Seq")
	anyProducer := producerID != "" || epochStr != "" || seqStr != ""
	allProducer := producerID != "" && epochStr != "" && seqStr != ""
	if anyProducer && !allProducer {
		return opts, errBadRequest
	}
	if allProducer {
		epoch, err := strconv.ParseUint(epochStr, 10, 64)
		if err != nil {
			return opts, errBadRequest
		}
		seq, err := strconv.ParseUint(seqStr, 10, 64)
		if err != nil {
			return opts, errBadRequest
		}
		opts.ProducerID = producerID
		opts.ProducerEpoch = &epoch
		opts.ProducerSeq = &seq
	}
	return opts, nil
}

// handleHead implements HEAD <path> (§6).
func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	if err := rejectUnknownProtocolHeaders(r.Header); err != nil {
		writeProblem(w, r, err)
		return
	}
	meta, err := s.store.Get(r.Context(), r.URL.Path)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set("Stream-Next-Offset", meta.CurrentOffset)
	if meta.TTLSeconds > 0 {
		w.Header().Set("Stream-TTL", strconv.FormatInt(meta.TTLSeconds, 10))
	}
	if !meta.ExpiresAt.IsZero() {
		w.Header().Set("Stream-Expires-At", meta.ExpiresAt.Format(time.RFC3339))
	}
	w.Header().Set("ETag", `"`+meta.CurrentOffset+`"`)
	if meta.Closed {
		w.Header().Set("Stream-Closed", "true")
	}
	w.WriteHeader(http.StatusOK)
}

// handleDelete implements DELETE <path> (§6). DELETE on an absent stream
// returns 404 (Open Question decision, DESIGN.md #1), not 204.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := rejectUnknownProtocolHeaders(r.Header); err != nil {
		writeProblem(w, r, err)
		return
	}
	if s.manager != nil {
		s.manager.OnStreamDeleted(r.URL.Path)
	}
	if err := s.store.Delete(r.Context(), r.URL.Path); err != nil {
		writeProblem(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRead implements GET <path>?offset=&live=&cursor= (§6), including
// catch-up, long-poll, and SSE dispatch.
func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	if err := rejectUnknownProtocolHeaders(r.Header); err != nil {
		writeProblem(w, r, err)
		return
	}
	q, err := decodeReadQuery(r)
	if err != nil {
		writeProblem(w, r, err)
		return
	}

	if q.Live == "sse" {
		s.handleSSE(w, r, q)
		return
	}

	meta, err := s.store.Get(r.Context(), r.URL.Path)
	if err != nil {
		writeProblem(w, r, err)
		return
	}

	if etag := r.Header.Get("If-None-Match"); etag != "" && etag == `"`+meta.CurrentOffset+`"` {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	enc := newResponseEncoder(w, r.Header.Get("Accept-Encoding"))
	defer enc.Flush()

	if q.Live == "long-poll" {
		s.serveLongPoll(enc, r, q)
		return
	}

	s.serveCatchUp(enc, r, q)
}

func (s *Server) serveCatchUp(w http.ResponseWriter, r *http.Request, q readQuery) {
	read, err := s.store.Read(r.Context(), r.URL.Path, q.Offset)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	if !read.UpToDate && len(read.Messages) > 0 {
		w.Header().Set("Cache-Control", "public, max-age=60, stale-while-revalidate=300")
	}
	s.writeReadResult(w, r, read.Messages, false, read.UpToDate, "")
}

func (s *Server) serveLongPoll(w http.ResponseWriter, r *http.Request, q readQuery) {
	wait, err := s.store.WaitForMessages(r.Context(), r.URL.Path, q.Offset, s.cfg.LongPollTimeout)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeProblem(w, r, err)
		return
	}
	if len(wait.Messages) == 0 {
		if wait.StreamClosed {
			w.Header().Set("Stream-Closed", "true")
		}
		w.Header().Set("Stream-Cursor", generateResponseCursor(q.Cursor))
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeReadResult(w, r, wait.Messages, wait.StreamClosed, true, q.Cursor)
}

func (s *Server) writeReadResult(w http.ResponseWriter, r *http.Request, messages []enginestore.Message, closed, upToDate bool, cursor string) {
	body, err := s.store.FormatResponse(r.Context(), r.URL.Path, messages)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	meta, metaErr := s.store.Get(r.Context(), r.URL.Path)
	if metaErr == nil {
		w.Header().Set("Stream-Next-Offset", meta.CurrentOffset)
		w.Header().Set("Content-Type", meta.ContentType)
		w.Header().Set("ETag", `"`+meta.CurrentOffset+`"`)
	}
	if upToDate {
		w.Header().Set("Stream-Up-To-Date", "true")
	} else {
		w.Header().Set("Stream-Up-To-Date", "false")
	}
	if cursor != "" || r.URL.Query().Has("cursor") {
		w.Header().Set("Stream-Cursor", generateResponseCursor(cursor))
	}
	if closed {
		w.Header().Set("Stream-Closed", "true")
	}
	if len(messages) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// readRequestBody is a small helper kept distinct from decodeRequestBody
// for callers (like the callback route) that never expect compression.
func readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
