// Package enginestore owns the set of streams, their append-only message
// logs, the producer ledger, and the long-poll waiter registry. It is the
// component the HTTP surface and the webhook manager both sit on top of.
package enginestore

import (
	"context"
	"errors"
	"time"
)

// Typed error kinds, matching the taxonomy in the wire contract. The HTTP
// surface maps each of these to a status code and a stable machine code.
var (
	ErrNotFound            = errors.New("enginestore: stream not found")
	ErrStreamConflict      = errors.New("enginestore: stream exists with different configuration")
	ErrSequenceConflict    = errors.New("enginestore: sequence conflict")
	ErrContentTypeMismatch = errors.New("enginestore: content type mismatch")
	ErrInvalidJSON         = errors.New("enginestore: invalid JSON")
	ErrEmptyArray          = errors.New("enginestore: empty JSON array")
	ErrEmptyBody           = errors.New("enginestore: empty body")
	ErrStreamClosed        = errors.New("enginestore: stream is closed")
	ErrInvalidOffset       = errors.New("enginestore: invalid offset")
	ErrOffsetExpired       = errors.New("enginestore: offset before retention window")

	// Producer ledger errors (§4.5).
	ErrStaleEpoch      = errors.New("enginestore: stale producer epoch")
	ErrInvalidEpochSeq = errors.New("enginestore: new epoch must start at seq 0")
	ErrSequenceGap     = errors.New("enginestore: producer sequence gap")
)

// ProducerState is the ledger entry the store keeps per (stream, producer),
// used to deduplicate retried appends (§4.5).
type ProducerState struct {
	Epoch       uint64
	LastSeq     uint64
	LastUpdated time.Time
}

// ClosedBy records which producer tuple closed a stream, so a retried close
// from the same producer is recognized as idempotent.
type ClosedBy struct {
	ProducerID string
	Epoch      uint64
	Seq        uint64
}

// Message is one stored entry in a stream's log.
type Message struct {
	Data      []byte
	Offset    string // rendered offsets.Offset
	Timestamp time.Time
}

// StreamMetadata is the non-message-body state of a stream, returned by
// Head and used by the producer ledger and framing layer.
type StreamMetadata struct {
	Path          string
	ContentType   string
	CurrentOffset string
	LastSeq       uint64
	TTLSeconds    int64
	ExpiresAt     time.Time
	CreatedAt     time.Time
	Closed        bool
	ClosedBy      *ClosedBy
	Producers     map[string]ProducerState
}

// CreateOptions configures stream creation.
type CreateOptions struct {
	ContentType string
	TTLSeconds  int64     // 0 means no TTL, unless ExpiresAt is set
	ExpiresAt   time.Time // zero means unset; TTLSeconds and ExpiresAt are exclusive
	InitialData []byte
	Closed      bool
}

// AppendOptions configures a single append call.
type AppendOptions struct {
	ContentType string

	// Stream-Seq: a simple stream-wide monotone writer check, distinct
	// from the producer ledger. Nil means "not supplied".
	Seq *uint64

	// Producer ledger headers; must be all-or-none (HasProducerHeaders).
	ProducerID    string
	ProducerEpoch *uint64
	ProducerSeq   *uint64

	// Idempotency-Key is a separate, simpler dedup mechanism from the
	// producer ledger (spec.md §9 Open Question; SPEC_FULL §12 resolves
	// it as distinct).
	IdempotencyKey string

	Close bool
}

// HasProducerHeaders reports whether any producer ledger header was
// supplied.
func (o AppendOptions) HasProducerHeaders() bool {
	return o.ProducerID != "" || o.ProducerEpoch != nil || o.ProducerSeq != nil
}

// HasAllProducerHeaders reports whether every producer ledger header
// required to validate against the ledger was supplied.
func (o AppendOptions) HasAllProducerHeaders() bool {
	return o.ProducerID != "" && o.ProducerEpoch != nil && o.ProducerSeq != nil
}

// ProducerResult classifies how an append interacted with the producer
// ledger.
type ProducerResult int

const (
	// ProducerResultNone means no producer headers were supplied.
	ProducerResultNone ProducerResult = iota
	// ProducerResultAccepted means the append advanced the ledger.
	ProducerResultAccepted
	// ProducerResultDuplicate means the append was a replay of an
	// already-committed (epoch, seq); this is a 204 success, not a
	// failure, and returns the previously committed result.
	ProducerResultDuplicate
)

// AppendResult reports the outcome of a successful append.
type AppendResult struct {
	Offset         string
	ProducerResult ProducerResult
	StreamClosed   bool
	// IdempotencyReplayed reports whether this result was served from the
	// Idempotency-Key cache rather than freshly appended.
	IdempotencyReplayed bool
}

// ReadResult is the outcome of a catch-up read.
type ReadResult struct {
	Messages  []Message
	UpToDate  bool
}

// WaitResult is the outcome of a long-poll wait.
type WaitResult struct {
	Messages     []Message
	TimedOut     bool
	StreamClosed bool
}

// Store owns every stream's log, metadata, producer ledger, and long-poll
// waiters. Implementations must honor the concurrency model in §5: per-
// stream critical sections for mutation, a per-(path,producerId) lock held
// across validate+append+commit, and at-most-once waiter resolution.
type Store interface {
	// Create is idempotent: an existing, non-expired stream whose
	// normalized configuration matches opts returns (false, nil);
	// otherwise it is created and (true, nil) is returned. A config
	// mismatch against an existing stream returns ErrStreamConflict.
	Create(ctx context.Context, path string, opts CreateOptions) (created bool, err error)

	// Get returns a stream's metadata. An expired stream is deleted on
	// access and reported as ErrNotFound.
	Get(ctx context.Context, path string) (StreamMetadata, error)

	// Has is a cheaper existence check with the same expiry semantics as
	// Get.
	Has(ctx context.Context, path string) (bool, error)

	// Delete removes a stream and resolves any pending long-poll waiters
	// for it with an empty result. Idempotent.
	Delete(ctx context.Context, path string) error

	// Append validates and appends data, returning the assigned offset.
	// On any error, no state is changed (transactional append).
	Append(ctx context.Context, path string, data []byte, opts AppendOptions) (AppendResult, error)

	// Read returns every message strictly after offset (the empty string
	// or "-1" means from the beginning).
	Read(ctx context.Context, path string, offset string) (ReadResult, error)

	// FormatResponse renders a slice of messages as the wire body for
	// path's content type (JSON array wrap, or raw concatenation).
	FormatResponse(ctx context.Context, path string, messages []Message) ([]byte, error)

	// WaitForMessages parks until a message past offset is available, the
	// stream closes, the context is cancelled, or timeout elapses.
	WaitForMessages(ctx context.Context, path string, offset string, timeout time.Duration) (WaitResult, error)

	// Shutdown stops accepting new work and resolves every pending
	// waiter with an empty result (§5 graceful shutdown).
	Shutdown(ctx context.Context) error
}
