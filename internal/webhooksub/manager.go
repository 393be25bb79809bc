package webhooksub

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Timing constants from §4.7/§5, matching the teacher's webhook/manager.go.
const (
	livenessTimeout       = 45 * time.Second
	webhookRequestTimeout = 30 * time.Second
	maxExponentialDelay   = 30 * time.Second
	steadyRetryDelay      = 60 * time.Second
	steadyRetryAfterTries = 10
	gcFailureDuration     = 3 * 24 * time.Hour
)

// TailResolver resolves the current tail offset of a stream path, used to
// decide whether a consumer has pending work.
type TailResolver func(path string) string

// Manager runs the webhook delivery/retry/liveness state machine on top of
// a Store, grounded on the teacher's webhook/manager.go.
type Manager struct {
	store    *Store
	tokens   *TokenIssuer
	client   *http.Client
	logger   *zap.Logger
	callback func(consumerID string) string // builds the /callback/<id> URL
	getTail  TailResolver

	shutdownCh chan struct{}
}

// NewManager constructs a webhook Manager.
func NewManager(store *Store, tokens *TokenIssuer, callbackURLFor func(consumerID string) string, getTail TailResolver, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:      store,
		tokens:     tokens,
		client:     &http.Client{Timeout: webhookRequestTimeout},
		logger:     logger,
		callback:   callbackURLFor,
		getTail:    getTail,
		shutdownCh: make(chan struct{}),
	}
}

// OnStreamCreated ensures a consumer instance exists for every subscription
// matching path, then wakes IDLE consumers with pending work.
func (m *Manager) OnStreamCreated(path string) {
	m.discoverAndWake(path)
}

// OnStreamAppend wakes every consumer watching path that is IDLE with
// pending work.
func (m *Manager) OnStreamAppend(path string) {
	m.discoverAndWake(path)
}

// OnStreamDeleted detaches path from every consumer watching it.
func (m *Manager) OnStreamDeleted(path string) {
	m.store.RemoveStreamFromConsumers(path)
}

func (m *Manager) discoverAndWake(path string) {
	for _, sub := range m.store.FindMatchingSubscriptions(path) {
		c := m.store.GetOrCreateConsumer(sub.SubscriptionID, path)
		m.maybeWake(sub, c)
	}
	for _, c := range m.store.GetConsumersForStream(path) {
		sub, err := m.store.GetSubscription(c.SubscriptionID)
		if err != nil {
			continue
		}
		m.maybeWake(sub, c)
	}
}

func (m *Manager) maybeWake(sub *Subscription, c *ConsumerInstance) {
	c.Lock()
	idle := c.State == StateIdle
	c.Unlock()
	if !idle {
		return
	}
	if !m.store.HasPendingWork(c, m.getTail) {
		return
	}
	m.wakeConsumer(sub, c, []string{c.PrimaryStream})
}

// wakeConsumer transitions a consumer to WAKING and starts delivery on its
// own goroutine (§5: webhook delivery runs on separate tasks).
func (m *Manager) wakeConsumer(sub *Subscription, c *ConsumerInstance, triggeredBy []string) {
	epoch, wakeID := m.store.TransitionToWaking(c)
	token, err := m.tokens.Issue(c.ConsumerID, epoch)
	if err != nil {
		m.logger.Error("issue callback token", zap.Error(err))
		return
	}
	payload := WakePayload{
		ConsumerID:    c.ConsumerID,
		Epoch:         epoch,
		WakeID:        wakeID,
		PrimaryStream: c.PrimaryStream,
		Streams:       m.store.GetStreamsData(c),
		TriggeredBy:   triggeredBy,
		Callback:      m.callback(c.ConsumerID),
		Token:         token,
	}
	go m.deliverWebhook(sub, c, wakeID, payload, 0)
}

// deliverWebhook performs a single delivery attempt and, on failure while
// still the live wake, schedules a retry.
func (m *Manager) deliverWebhook(sub *Subscription, c *ConsumerInstance, wakeID string, payload WakePayload, attempt int) {
	body, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("marshal webhook payload", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), webhookRequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Webhook, bytes.NewReader(body))
	if err != nil {
		m.handleDeliveryError(sub, c, wakeID, payload, attempt, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Webhook-Signature", SignPayload(sub.WebhookSecret, body))

	resp, err := m.client.Do(req)
	if err != nil {
		m.handleDeliveryError(sub, c, wakeID, payload, attempt, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		m.handleDeliveryError(sub, c, wakeID, payload, attempt, fmt.Errorf("webhook returned status %d", resp.StatusCode))
		return
	}

	// 2xx: this wake was delivered. A still-valid (non-superseded) wake
	// stays WAKING until the subscriber's callback claims it; if the
	// subscriber's response declares itself done with no further action
	// expected, fold back to IDLE immediately.
	var reply WebhookReply
	respBody, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(respBody, &reply)

	c.Lock()
	stillCurrentWake := c.WakeID == wakeID
	c.Unlock()
	if !stillCurrentWake {
		return
	}
	if reply.Done {
		m.store.TransitionToIdle(c)
		if m.store.HasPendingWork(c, m.getTail) {
			if sub2, err := m.store.GetSubscription(c.SubscriptionID); err == nil {
				m.maybeWake(sub2, c)
			}
		}
	}
}

func (m *Manager) handleDeliveryError(sub *Subscription, c *ConsumerInstance, wakeID string, payload WakePayload, attempt int, deliveryErr error) {
	m.logger.Warn("webhook delivery failed",
		zap.String("consumer_id", c.ConsumerID),
		zap.String("wake_id", wakeID),
		zap.Int("attempt", attempt),
		zap.Error(deliveryErr))

	c.Lock()
	if c.FirstWebhookFailureAt.IsZero() {
		c.FirstWebhookFailureAt = time.Now()
	}
	c.LastWebhookFailureAt = time.Now()
	c.RetryCount = attempt + 1
	continuousFailure := time.Since(c.FirstWebhookFailureAt)
	stillCurrentWake := c.WakeID == wakeID
	claimed := c.WakeIDClaimed
	c.Unlock()

	if continuousFailure > gcFailureDuration {
		m.logger.Info("garbage collecting consumer after sustained webhook failure", zap.String("consumer_id", c.ConsumerID))
		m.store.RemoveConsumer(c.ConsumerID)
		return
	}
	if !stillCurrentWake || claimed {
		// A newer wake superseded this one, or the subscriber already
		// claimed it over a slow/racing response; no retry needed.
		return
	}
	m.scheduleRetry(sub, c, wakeID, payload, attempt+1)
}

// scheduleRetry arms the next retry attempt per the backoff policy in
// §4.7. A later call to wakeConsumer (a newer wake) cancels this timer via
// ConsumerInstance.CancelRetry.
func (m *Manager) scheduleRetry(sub *Subscription, c *ConsumerInstance, wakeID string, payload WakePayload, attempt int) {
	delay := calculateRetryDelay(attempt)
	cancel := make(chan struct{})
	c.Lock()
	c.CancelRetry()
	c.retryCancel = cancel
	c.Unlock()

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-cancel:
			return
		case <-m.shutdownCh:
			return
		}
		c.Lock()
		stillWaking := c.State == StateWaking && c.WakeID == wakeID && !c.WakeIDClaimed
		c.Unlock()
		if !stillWaking {
			return
		}
		m.deliverWebhook(sub, c, wakeID, payload, attempt)
	}()
}

// calculateRetryDelay implements min(2^n*100ms, 30s) with jitter for
// n <= 10, then a steady 60s +/- 5s afterwards (§4.7 Retry policy).
func calculateRetryDelay(attempt int) time.Duration {
	if attempt > steadyRetryAfterTries {
		return steadyRetryDelay + jitter(5*time.Second)
	}
	exp := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
	if exp > maxExponentialDelay {
		exp = maxExponentialDelay
	}
	return exp + jitter(1*time.Second)
}

// jitter returns a pseudo-random duration in [-max, +max], using
// crypto/rand for its entropy source since this package already reaches
// for it elsewhere (token/secret generation) rather than adding math/rand
// as a second source.
func jitter(max time.Duration) time.Duration {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	n := int64(binary.BigEndian.Uint64(b[:])) % int64(2*max)
	if n < 0 {
		n = -n
	}
	return time.Duration(n) - max
}

// resetLiveness arms a fresh 45s liveness timer for a LIVE consumer,
// cancelling any previous one (§5: previous timer cancelled before a new
// one is armed).
func (m *Manager) resetLiveness(c *ConsumerInstance) {
	cancel := make(chan struct{})
	c.Lock()
	c.CancelLiveness()
	c.livenessCancel = cancel
	c.Unlock()

	go func() {
		timer := time.NewTimer(livenessTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-cancel:
			return
		case <-m.shutdownCh:
			return
		}
		c.Lock()
		expired := c.livenessCancel == cancel
		c.Unlock()
		if !expired {
			return
		}
		m.store.TransitionToIdle(c)
		if sub, err := m.store.GetSubscription(c.SubscriptionID); err == nil && m.store.HasPendingWork(c, m.getTail) {
			m.maybeWake(sub, c)
		}
	}()
}

// CallbackResult is the outcome of HandleCallback: either a success body
// or an error body with its HTTP status already resolved.
type CallbackResult struct {
	Success *CallbackSuccess
	Err     *CallbackError
	Status  int
}

// HandleCallback processes an inbound subscriber callback (§4.7 Callback
// processing / component I).
func (m *Manager) HandleCallback(consumerID, bearerToken string, req CallbackRequest) CallbackResult {
	c, err := m.store.GetConsumer(consumerID)
	if err != nil {
		return errResult(ErrCodeConsumerGone, "unknown consumer")
	}

	validation := m.tokens.Validate(bearerToken, consumerID)
	if !validation.Valid {
		return errResult(validation.Code, "invalid or expired bearer token")
	}
	if req.Epoch == nil {
		return errResult(ErrCodeInvalidRequest, "epoch is required")
	}

	c.Lock()
	currentEpoch := c.Epoch
	c.Unlock()
	if *req.Epoch != currentEpoch {
		refreshed, _ := m.tokens.Issue(consumerID, currentEpoch)
		return CallbackResult{
			Status: ErrorCodeToHTTPStatus[ErrCodeStaleEpoch],
			Err: &CallbackError{
				OK:    false,
				Error: CallbackErrBody{Code: ErrCodeStaleEpoch, Message: "epoch does not match current wake"},
				Token: refreshed,
			},
		}
	}

	if req.WakeID != "" {
		if !m.store.ClaimWakeID(c, req.WakeID) {
			return errResult(ErrCodeAlreadyClaimed, "wake already claimed by another callback")
		}
		m.resetLiveness(c)
	} else {
		c.Lock()
		live := c.State == StateLive
		c.Unlock()
		if live {
			m.resetLiveness(c)
		}
	}

	if len(req.Acks) > 0 {
		m.store.UpdateAcks(c, req.Acks)
	}
	if len(req.Subscribe) > 0 {
		m.store.SubscribeStreams(c, req.Subscribe)
	}
	if len(req.Unsubscribe) > 0 {
		if m.store.UnsubscribeStreams(c, req.Unsubscribe) {
			return CallbackResult{
				Status: ErrorCodeToHTTPStatus[ErrCodeConsumerGone],
				Err: &CallbackError{
					OK:    false,
					Error: CallbackErrBody{Code: ErrCodeConsumerGone, Message: "consumer unsubscribed from its last stream"},
				},
			}
		}
	}

	if req.Done {
		m.store.TransitionToIdle(c)
		if sub, err := m.store.GetSubscription(c.SubscriptionID); err == nil && m.store.HasPendingWork(c, m.getTail) {
			m.maybeWake(sub, c)
		}
	}

	token := bearerToken
	if validation.NeedsRefresh() || req.Done {
		c.Lock()
		epoch := c.Epoch
		c.Unlock()
		if fresh, err := m.tokens.Issue(consumerID, epoch); err == nil {
			token = fresh
		}
	}

	return CallbackResult{
		Status: 200,
		Success: &CallbackSuccess{
			OK:      true,
			Token:   token,
			Streams: m.store.GetStreamsData(c),
		},
	}
}

func errResult(code, message string) CallbackResult {
	return CallbackResult{
		Status: ErrorCodeToHTTPStatus[code],
		Err: &CallbackError{
			OK:    false,
			Error: CallbackErrBody{Code: code, Message: message},
		},
	}
}

// Shutdown stops accepting new retries/liveness timers and cancels every
// consumer's in-flight timers (§5 graceful shutdown).
func (m *Manager) Shutdown() {
	close(m.shutdownCh)
	m.store.Shutdown()
}
