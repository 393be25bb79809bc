package enginestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/durablestreams/dstreamd/internal/framing"
	"github.com/durablestreams/dstreamd/internal/offsets"
)

// producerGCAfter is how long an inactive producer ledger entry survives
// before it is eligible for removal on next access (§3 ProducerState).
const producerGCAfter = 7 * 24 * time.Hour

type stream struct {
	mu sync.RWMutex

	path        string
	contentType string
	ttlSeconds  int64
	expiresAt   time.Time
	createdAt   time.Time
	closed      bool
	closedBy    *ClosedBy

	messages      []Message
	currentOffset offsets.Offset
	lastSeq       uint64 // Stream-Seq watermark, distinct from producer ledger
	hasLastSeq    bool

	producers map[string]*ProducerState
	idemp     *idempotencyCache
}

func (s *stream) isExpired(now time.Time) bool {
	if !s.expiresAt.IsZero() && now.After(s.expiresAt) {
		return true
	}
	return false
}

func (s *stream) metadataLocked() StreamMetadata {
	producers := make(map[string]ProducerState, len(s.producers))
	for id, p := range s.producers {
		producers[id] = *p
	}
	return StreamMetadata{
		Path:          s.path,
		ContentType:   s.contentType,
		CurrentOffset: s.currentOffset.String(),
		LastSeq:       s.lastSeq,
		TTLSeconds:    s.ttlSeconds,
		ExpiresAt:     s.expiresAt,
		CreatedAt:     s.createdAt,
		Closed:        s.closed,
		ClosedBy:      s.closedBy,
		Producers:     producers,
	}
}

func (s *stream) configMatches(opts CreateOptions) bool {
	wantContentType := framing.Normalize(opts.ContentType)
	if s.contentType != wantContentType {
		return false
	}
	if s.closed != opts.Closed {
		return false
	}
	if !opts.ExpiresAt.IsZero() {
		return s.expiresAt.Equal(opts.ExpiresAt)
	}
	return s.ttlSeconds == opts.TTLSeconds
}

// MemoryStore is the default in-memory Store implementation: TTL-swept,
// process-local, no persistence. Grounded on the teacher's
// store/memory_store.go.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string]*stream

	longPoll *longPollRegistry

	producerLocksMu sync.Mutex
	producerLocks   map[string]*sync.Mutex

	logger *zap.Logger

	shutdownMu sync.Mutex
	shutdown   bool
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		streams:       make(map[string]*stream),
		longPoll:      newLongPollRegistry(),
		producerLocks: make(map[string]*sync.Mutex),
		logger:        logger,
	}
}

func (m *MemoryStore) producerLock(path, producerID string) *sync.Mutex {
	key := path + "\x00" + producerID
	m.producerLocksMu.Lock()
	defer m.producerLocksMu.Unlock()
	lock, ok := m.producerLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.producerLocks[key] = lock
	}
	return lock
}

// getLiveLocked returns a non-expired stream, deleting it first if it has
// expired. Caller must hold m.mu for writing if expiry deletion may occur;
// we upgrade internally via the store lock held by the caller's entry
// point, so this is invoked only from methods that already took m.mu.
func (m *MemoryStore) getLive(path string, now time.Time) *stream {
	m.mu.RLock()
	s, ok := m.streams[path]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	s.mu.RLock()
	expired := s.isExpired(now)
	s.mu.RUnlock()
	if !expired {
		return s
	}
	m.mu.Lock()
	delete(m.streams, path)
	m.mu.Unlock()
	m.longPoll.notifyPath(path)
	return nil
}

// Create implements Store.
func (m *MemoryStore) Create(ctx context.Context, path string, opts CreateOptions) (bool, error) {
	now := time.Now()
	if existing := m.getLive(path, now); existing != nil {
		existing.mu.RLock()
		matches := existing.configMatches(opts)
		existing.mu.RUnlock()
		if matches {
			return false, nil
		}
		return false, ErrStreamConflict
	}

	s := &stream{
		path:        path,
		contentType: framing.Normalize(opts.ContentType),
		ttlSeconds:  opts.TTLSeconds,
		expiresAt:   opts.ExpiresAt,
		createdAt:   now,
		closed:      opts.Closed,
		producers:   make(map[string]*ProducerState),
		idemp:       newIdempotencyCache(),
	}

	m.mu.Lock()
	if _, raced := m.streams[path]; raced {
		m.mu.Unlock()
		// Another goroutine created it concurrently; recurse once to
		// resolve idempotently against whatever won.
		return m.Create(ctx, path, opts)
	}
	m.streams[path] = s
	m.mu.Unlock()

	if len(opts.InitialData) > 0 {
		if _, err := m.appendLocked(s, opts.InitialData, AppendOptions{ContentType: opts.ContentType}, true); err != nil {
			m.mu.Lock()
			delete(m.streams, path)
			m.mu.Unlock()
			return false, err
		}
	}
	m.logger.Debug("stream created", zap.String("path", path))
	return true, nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, path string) (StreamMetadata, error) {
	s := m.getLive(path, time.Now())
	if s == nil {
		return StreamMetadata{}, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metadataLocked(), nil
}

// Has implements Store.
func (m *MemoryStore) Has(ctx context.Context, path string) (bool, error) {
	return m.getLive(path, time.Now()) != nil, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	_, existed := m.streams[path]
	delete(m.streams, path)
	m.mu.Unlock()
	m.longPoll.notifyPath(path)
	if !existed {
		return ErrNotFound
	}
	return nil
}

// Append implements Store.
func (m *MemoryStore) Append(ctx context.Context, path string, data []byte, opts AppendOptions) (AppendResult, error) {
	s := m.getLive(path, time.Now())
	if s == nil {
		return AppendResult{}, ErrNotFound
	}

	if opts.HasProducerHeaders() && !opts.HasAllProducerHeaders() {
		return AppendResult{}, fmt.Errorf("%w: producer headers must be supplied together", ErrSequenceConflict)
	}

	var lock *sync.Mutex
	if opts.HasAllProducerHeaders() {
		lock = m.producerLock(path, opts.ProducerID)
		lock.Lock()
		defer lock.Unlock()
	}

	if opts.IdempotencyKey != "" {
		if cached, ok := s.idemp.get(opts.IdempotencyKey, time.Now()); ok {
			cached.IdempotencyReplayed = true
			return cached, nil
		}
	}

	result, err := m.appendLocked(s, data, opts, false)
	if err != nil {
		return AppendResult{}, err
	}
	if opts.IdempotencyKey != "" {
		s.idemp.put(opts.IdempotencyKey, result, time.Now())
	}
	m.longPoll.notifyPath(path)
	return result, nil
}

// appendLocked performs the validate -> append -> commit sequence for a
// single append. allowEmptyArray permits an empty JSON array (used only
// during Create's initial-data path).
func (m *MemoryStore) appendLocked(s *stream, data []byte, opts AppendOptions, allowEmptyArray bool) (AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !framing.Matches(s.contentType, opts.ContentType) {
		return AppendResult{}, ErrContentTypeMismatch
	}

	var producerDecisionResult producerDecision
	if opts.HasAllProducerHeaders() {
		current := s.producers[opts.ProducerID]
		producerDecisionResult = validateProducer(current, *opts.ProducerEpoch, *opts.ProducerSeq)
		if producerDecisionResult.err != nil {
			return AppendResult{}, producerDecisionResult.err
		}
		if producerDecisionResult.duplicate {
			return AppendResult{
				Offset:         s.currentOffset.String(),
				ProducerResult: ProducerResultDuplicate,
				StreamClosed:   s.closed,
			}, nil
		}
	}

	// A closed stream rejects any further append; a retry carrying the
	// exact producer tuple that already closed it returned above as a
	// duplicate, so reaching this point with s.closed means the request
	// is genuinely new (§4.3).
	if s.closed {
		return AppendResult{}, ErrStreamClosed
	}

	// Stream-Seq validation runs after producer validation so a
	// duplicate producer retry carrying both headers still returns its
	// cached success rather than a Stream-Seq conflict (§4.5).
	if opts.Seq != nil {
		if s.hasLastSeq && *opts.Seq <= s.lastSeq {
			return AppendResult{}, ErrSequenceConflict
		}
	}

	messages, err := m.frameMessages(s, data, allowEmptyArray)
	if err != nil {
		return AppendResult{}, err
	}

	now := time.Now()
	for _, body := range messages {
		next := s.currentOffset.Advance(len(body))
		s.messages = append(s.messages, Message{Data: body, Offset: next.String(), Timestamp: now})
		s.currentOffset = next
	}

	if opts.Seq != nil {
		s.lastSeq = *opts.Seq
		s.hasLastSeq = true
	}
	if opts.HasAllProducerHeaders() {
		committed := producerDecisionResult.proposed
		committed.LastUpdated = now
		s.producers[opts.ProducerID] = &committed
	}

	result := AppendResult{
		Offset:         s.currentOffset.String(),
		StreamClosed:   s.closed,
	}
	if opts.HasAllProducerHeaders() {
		result.ProducerResult = ProducerResultAccepted
	}

	if opts.Close {
		s.closed = true
		if opts.HasAllProducerHeaders() {
			s.closedBy = &ClosedBy{ProducerID: opts.ProducerID, Epoch: *opts.ProducerEpoch, Seq: *opts.ProducerSeq}
		}
		result.StreamClosed = true
	}

	gcProducers(s, now)
	return result, nil
}

func (m *MemoryStore) frameMessages(s *stream, data []byte, allowEmptyArray bool) ([][]byte, error) {
	if framing.IsJSON(s.contentType) {
		bodies, err := framing.Split(data, allowEmptyArray)
		switch err {
		case nil:
			return bodies, nil
		default:
			return nil, translateFramingErr(err)
		}
	}
	if len(data) == 0 {
		return nil, ErrEmptyBody
	}
	return [][]byte{data}, nil
}

func translateFramingErr(err error) error {
	switch {
	case err == framing.ErrEmptyArray:
		return ErrEmptyArray
	case err == framing.ErrEmptyBody:
		return ErrEmptyBody
	default:
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
}

func gcProducers(s *stream, now time.Time) {
	for id, p := range s.producers {
		if now.Sub(p.LastUpdated) > producerGCAfter {
			delete(s.producers, id)
		}
	}
}

// Read implements Store.
func (m *MemoryStore) Read(ctx context.Context, path string, offset string) (ReadResult, error) {
	s := m.getLive(path, time.Now())
	if s == nil {
		return ReadResult{}, ErrNotFound
	}
	off, err := offsets.Parse(offset)
	if err != nil {
		return ReadResult{}, fmt.Errorf("%w: %v", ErrInvalidOffset, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Message
	for _, msg := range s.messages {
		msgOff, _ := offsets.Parse(msg.Offset)
		if off.LessThan(msgOff) {
			out = append(out, msg)
		}
	}
	return ReadResult{Messages: out, UpToDate: true}, nil
}

// FormatResponse implements Store.
func (m *MemoryStore) FormatResponse(ctx context.Context, path string, messages []Message) ([]byte, error) {
	s := m.getLive(path, time.Now())
	contentType := framing.DefaultContentType
	if s != nil {
		s.mu.RLock()
		contentType = s.contentType
		s.mu.RUnlock()
	}
	bodies := make([][]byte, len(messages))
	for i, msg := range messages {
		bodies[i] = msg.Data
	}
	if framing.IsJSON(contentType) {
		return framing.WrapJSON(bodies), nil
	}
	return framing.Concat(bodies), nil
}

// WaitForMessages implements Store, the long-poll core (§4.4).
func (m *MemoryStore) WaitForMessages(ctx context.Context, path string, offset string, timeout time.Duration) (WaitResult, error) {
	read, err := m.Read(ctx, path, offset)
	if err != nil {
		return WaitResult{}, err
	}
	if len(read.Messages) > 0 {
		return WaitResult{Messages: read.Messages}, nil
	}

	s := m.getLive(path, time.Now())
	if s == nil {
		return WaitResult{}, ErrNotFound
	}
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return WaitResult{StreamClosed: true}, nil
	}
	if timeout <= 0 {
		return WaitResult{TimedOut: true}, nil
	}

	w := m.longPoll.register(path)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.notify:
		m.longPoll.unregister(path, w)
		read, err := m.Read(ctx, path, offset)
		if err != nil {
			if err == ErrNotFound {
				return WaitResult{}, nil
			}
			return WaitResult{}, err
		}
		if len(read.Messages) > 0 {
			return WaitResult{Messages: read.Messages}, nil
		}
		s := m.getLive(path, time.Now())
		if s == nil {
			return WaitResult{}, nil
		}
		s.mu.RLock()
		closed := s.closed
		s.mu.RUnlock()
		return WaitResult{StreamClosed: closed}, nil
	case <-timer.C:
		m.longPoll.unregister(path, w)
		s := m.getLive(path, time.Now())
		var stillClosed bool
		if s != nil {
			s.mu.RLock()
			stillClosed = s.closed
			s.mu.RUnlock()
		}
		return WaitResult{TimedOut: true, StreamClosed: stillClosed}, nil
	case <-ctx.Done():
		m.longPoll.unregister(path, w)
		return WaitResult{}, ctx.Err()
	}
}

// Shutdown implements Store.
func (m *MemoryStore) Shutdown(ctx context.Context) error {
	m.shutdownMu.Lock()
	m.shutdown = true
	m.shutdownMu.Unlock()
	m.longPoll.notifyAll()
	return nil
}
