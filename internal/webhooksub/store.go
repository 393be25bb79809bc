package webhooksub

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSubscriptionConflict is returned when a subscription with the
	// same ID already exists with different configuration.
	ErrSubscriptionConflict = errors.New("webhooksub: subscription exists with different configuration")
	// ErrSubscriptionNotFound is returned by Get/Delete for an unknown ID.
	ErrSubscriptionNotFound = errors.New("webhooksub: subscription not found")
	// ErrConsumerNotFound is returned when a consumer ID has no instance.
	ErrConsumerNotFound = errors.New("webhooksub: consumer not found")
)

// Store owns every Subscription and ConsumerInstance (§3 ownership: the
// subscription store uniquely owns these; cross-component references are
// by opaque ID only).
type Store struct {
	mu sync.RWMutex

	subscriptions map[string]*Subscription
	consumers     map[string]*ConsumerInstance

	// streamConsumers indexes consumer IDs by every stream path they
	// currently watch, so a stream append can find affected consumers
	// without scanning the whole consumer set.
	streamConsumers map[string]map[string]struct{}
}

// NewStore constructs an empty subscription store.
func NewStore() *Store {
	return &Store{
		subscriptions:   make(map[string]*Subscription),
		consumers:       make(map[string]*ConsumerInstance),
		streamConsumers: make(map[string]map[string]struct{}),
	}
}

// GenerateWebhookSecret returns a fresh 32-byte hex-encoded secret
// (§3 Subscription).
func GenerateWebhookSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("webhooksub: generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// CreateSubscription is idempotent by (subscriptionID, pattern, webhook):
// a matching existing subscription returns (existing, false, nil); a
// conflicting one returns ErrSubscriptionConflict. secret is only
// populated when created is true.
func (s *Store) CreateSubscription(id, pattern, webhook, description string) (sub *Subscription, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.subscriptions[id]; ok {
		if existing.Pattern == pattern && existing.Webhook == webhook {
			return existing, false, nil
		}
		return nil, false, ErrSubscriptionConflict
	}
	secret, err := GenerateWebhookSecret()
	if err != nil {
		return nil, false, err
	}
	sub = &Subscription{
		SubscriptionID: id,
		Pattern:        pattern,
		Webhook:        webhook,
		WebhookSecret:  secret,
		Description:    description,
	}
	s.subscriptions[id] = sub
	return sub, true, nil
}

// GetSubscription returns a subscription by ID.
func (s *Store) GetSubscription(id string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return sub, nil
}

// ListSubscriptions returns every registered subscription.
func (s *Store) ListSubscriptions() []*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		out = append(out, sub)
	}
	return out
}

// DeleteSubscription removes a subscription and every consumer instance it
// owns.
func (s *Store) DeleteSubscription(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscriptions[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(s.subscriptions, id)
	for consumerID, c := range s.consumers {
		if c.SubscriptionID == id {
			s.removeConsumerLocked(consumerID, c)
		}
	}
	return nil
}

// FindMatchingSubscriptions returns every subscription whose pattern
// matches path.
func (s *Store) FindMatchingSubscriptions(path string) []*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Subscription
	for _, sub := range s.subscriptions {
		if MatchPattern(sub.Pattern, path) {
			out = append(out, sub)
		}
	}
	return out
}

// BuildConsumerID derives the stable consumer instance ID for a
// (subscription, primary stream) pair.
func BuildConsumerID(subscriptionID, primaryStream string) string {
	return subscriptionID + ":" + url.QueryEscape(primaryStream)
}

// GetOrCreateConsumer returns the consumer instance for
// (subscriptionID, path), creating it in IDLE state if absent.
func (s *Store) GetOrCreateConsumer(subscriptionID, path string) *ConsumerInstance {
	id := BuildConsumerID(subscriptionID, path)
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.consumers[id]; ok {
		return c
	}
	c := &ConsumerInstance{
		ConsumerID:     id,
		SubscriptionID: subscriptionID,
		PrimaryStream:  path,
		State:          StateIdle,
		Streams:        map[string]string{path: ""},
	}
	s.consumers[id] = c
	s.addStreamIndexLocked(path, id)
	return c
}

// GetConsumer returns a consumer instance by ID.
func (s *Store) GetConsumer(id string) (*ConsumerInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.consumers[id]
	if !ok {
		return nil, ErrConsumerNotFound
	}
	return c, nil
}

// GetConsumersForStream returns every consumer currently watching path.
func (s *Store) GetConsumersForStream(path string) []*ConsumerInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.streamConsumers[path]
	out := make([]*ConsumerInstance, 0, len(ids))
	for id := range ids {
		if c, ok := s.consumers[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// TransitionToWaking moves a consumer into WAKING, incrementing its epoch
// and issuing a fresh wake-id (§4.7). Caller must not hold c's lock.
func (s *Store) TransitionToWaking(c *ConsumerInstance) (epoch uint64, wakeID string) {
	c.Lock()
	defer c.Unlock()
	c.CancelRetry()
	c.State = StateWaking
	c.Epoch++
	c.WakeID = uuid.NewString()
	c.WakeIDClaimed = false
	return c.Epoch, c.WakeID
}

// ClaimWakeID atomically claims a wake-id for the first callback of a
// wake cycle; subsequent claims of the same wake-id are accepted as the
// original claimant's idempotent replay, and claims of a stale wake-id
// are rejected.
func (s *Store) ClaimWakeID(c *ConsumerInstance, wakeID string) bool {
	c.Lock()
	defer c.Unlock()
	if wakeID != c.WakeID {
		return false
	}
	if c.WakeIDClaimed {
		return true // idempotent: the same claimant retried
	}
	c.WakeIDClaimed = true
	c.State = StateLive
	return true
}

// TransitionToIdle moves a consumer back to IDLE, cancelling its liveness
// timer.
func (s *Store) TransitionToIdle(c *ConsumerInstance) {
	c.Lock()
	defer c.Unlock()
	c.CancelLiveness()
	c.CancelRetry()
	c.State = StateIdle
}

// UpdateAcks applies a set of offset acknowledgements to a consumer's
// stream map.
func (s *Store) UpdateAcks(c *ConsumerInstance, acks []AckEntry) {
	c.Lock()
	defer c.Unlock()
	for _, ack := range acks {
		if _, watched := c.Streams[ack.Path]; watched {
			c.Streams[ack.Path] = ack.Offset
		}
	}
	c.LastCallbackAt = time.Now()
}

// SubscribeStreams adds paths to a consumer's watch set.
func (s *Store) SubscribeStreams(c *ConsumerInstance, paths []string) {
	c.Lock()
	defer c.Unlock()
	for _, p := range paths {
		if _, ok := c.Streams[p]; !ok {
			c.Streams[p] = ""
		}
	}
	s.mu.Lock()
	for _, p := range paths {
		s.addStreamIndexLocked(p, c.ConsumerID)
	}
	s.mu.Unlock()
}

// UnsubscribeStreams removes paths from a consumer's watch set. If the
// consumer ends up watching nothing, it is removed entirely and
// shouldRemove is true.
func (s *Store) UnsubscribeStreams(c *ConsumerInstance, paths []string) (shouldRemove bool) {
	c.Lock()
	for _, p := range paths {
		delete(c.Streams, p)
	}
	empty := len(c.Streams) == 0
	id := c.ConsumerID
	c.Unlock()

	s.mu.Lock()
	for _, p := range paths {
		s.removeStreamIndexLocked(p, id)
	}
	s.mu.Unlock()

	if empty {
		s.RemoveConsumer(id)
		return true
	}
	return false
}

// HasPendingWork reports whether any watched stream has data past its
// acked offset. callerTail resolves the current tail offset of a path.
func (s *Store) HasPendingWork(c *ConsumerInstance, callerTail func(path string) string) bool {
	c.Lock()
	defer c.Unlock()
	for path, acked := range c.Streams {
		if callerTail(path) != acked {
			return true
		}
	}
	return false
}

// GetStreamsData returns a snapshot of a consumer's stream→offset map as
// StreamRef entries, the shape the wake payload and callback response use.
func (s *Store) GetStreamsData(c *ConsumerInstance) []StreamRef {
	c.Lock()
	defer c.Unlock()
	out := make([]StreamRef, 0, len(c.Streams))
	for path, offset := range c.Streams {
		out = append(out, StreamRef{Path: path, Offset: offset})
	}
	return out
}

// RemoveConsumer deletes a consumer instance and its stream index entries.
func (s *Store) RemoveConsumer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.consumers[id]
	if !ok {
		return
	}
	s.removeConsumerLocked(id, c)
}

func (s *Store) removeConsumerLocked(id string, c *ConsumerInstance) {
	c.Lock()
	c.CancelRetry()
	c.CancelLiveness()
	paths := make([]string, 0, len(c.Streams))
	for p := range c.Streams {
		paths = append(paths, p)
	}
	c.Unlock()
	for _, p := range paths {
		s.removeStreamIndexLocked(p, id)
	}
	delete(s.consumers, id)
}

// RemoveStreamFromConsumers detaches path from every consumer watching it
// (used when a stream is deleted), removing any consumer left with no
// streams.
func (s *Store) RemoveStreamFromConsumers(path string) {
	for _, c := range s.GetConsumersForStream(path) {
		s.UnsubscribeStreams(c, []string{path})
	}
}

func (s *Store) addStreamIndexLocked(path, consumerID string) {
	if s.streamConsumers[path] == nil {
		s.streamConsumers[path] = make(map[string]struct{})
	}
	s.streamConsumers[path][consumerID] = struct{}{}
}

func (s *Store) removeStreamIndexLocked(path, consumerID string) {
	if set, ok := s.streamConsumers[path]; ok {
		delete(set, consumerID)
		if len(set) == 0 {
			delete(s.streamConsumers, path)
		}
	}
}

// Shutdown cancels every consumer's timers (§5 graceful shutdown).
func (s *Store) Shutdown() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.consumers {
		c.Lock()
		c.CancelRetry()
		c.CancelLiveness()
		c.Unlock()
	}
}
