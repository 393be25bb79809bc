// Package webhooksub implements the subscription registry, the per-consumer
// state machine, webhook delivery with retry/backoff, liveness timeouts,
// and the JWT-bearing callback protocol (§4.7).
package webhooksub

import (
	"sync"
	"time"
)

// ConsumerState is a position in the per-consumer state machine (§4.7).
type ConsumerState int

const (
	StateIdle ConsumerState = iota
	StateWaking
	StateLive
)

func (s ConsumerState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateWaking:
		return "WAKING"
	case StateLive:
		return "LIVE"
	default:
		return "UNKNOWN"
	}
}

// Subscription is a registered pattern-matched webhook target.
type Subscription struct {
	SubscriptionID string
	Pattern        string
	Webhook        string
	WebhookSecret  string
	Description    string
}

// ConsumerInstance is the manager's bookkeeping for one (subscription,
// primary-stream) pair, including its state machine and acked offsets.
// Exported fields are read by the manager and the HTTP callback route;
// mutation must go through the Store's locked methods.
type ConsumerInstance struct {
	mu sync.Mutex

	ConsumerID     string
	SubscriptionID string
	PrimaryStream  string

	State ConsumerState
	Epoch uint64

	WakeID        string
	WakeIDClaimed bool

	// Streams maps every stream path this consumer currently watches to
	// the last offset acknowledged for it.
	Streams map[string]string

	LastCallbackAt       time.Time
	FirstWebhookFailureAt time.Time
	LastWebhookFailureAt  time.Time
	RetryCount            int

	retryCancel    chan struct{}
	livenessCancel chan struct{}
}

// CancelRetry stops any in-flight retry timer for this consumer, called
// whenever a new wake supersedes a pending retry (§4.7).
func (c *ConsumerInstance) CancelRetry() {
	if c.retryCancel != nil {
		close(c.retryCancel)
		c.retryCancel = nil
	}
}

// CancelLiveness stops the liveness timer, called on any state exit from
// LIVE.
func (c *ConsumerInstance) CancelLiveness() {
	if c.livenessCancel != nil {
		close(c.livenessCancel)
		c.livenessCancel = nil
	}
}

// Lock/Unlock expose the per-consumer critical section (§5) to callers
// that need to read-then-write multiple fields atomically.
func (c *ConsumerInstance) Lock()   { c.mu.Lock() }
func (c *ConsumerInstance) Unlock() { c.mu.Unlock() }

// WakePayload is the JSON body POSTed to a subscriber's webhook URL
// (§4.7 Delivery).
type WakePayload struct {
	ConsumerID    string       `json:"consumer_id"`
	Epoch         uint64       `json:"epoch"`
	WakeID        string       `json:"wake_id"`
	PrimaryStream string       `json:"primary_stream"`
	Streams       []StreamRef  `json:"streams"`
	TriggeredBy   []string     `json:"triggered_by"`
	Callback      string       `json:"callback"`
	Token         string       `json:"token"`
}

// StreamRef pairs a stream path with the offset a consumer is watching it
// from.
type StreamRef struct {
	Path   string `json:"path"`
	Offset string `json:"offset"`
}

// WebhookReply is the optional body a subscriber's webhook response may
// carry; {"done": true} tells the manager the subscriber is satisfied.
type WebhookReply struct {
	Done bool `json:"done"`
}

// CallbackRequest is the body a subscriber POSTs to the callback endpoint
// (§4.7 Callback request schema).
type CallbackRequest struct {
	Epoch       *uint64    `json:"epoch"`
	WakeID      string     `json:"wake_id,omitempty"`
	Acks        []AckEntry `json:"acks,omitempty"`
	Subscribe   []string   `json:"subscribe,omitempty"`
	Unsubscribe []string   `json:"unsubscribe,omitempty"`
	Done        bool       `json:"done,omitempty"`
}

// AckEntry is one offset acknowledgement in a callback request.
type AckEntry struct {
	Path   string `json:"path"`
	Offset string `json:"offset"`
}

// CallbackSuccess is the 200 response body for a valid callback.
type CallbackSuccess struct {
	OK      bool        `json:"ok"`
	Token   string      `json:"token"`
	Streams []StreamRef `json:"streams"`
}

// CallbackError is the error response body for an invalid callback.
type CallbackError struct {
	OK    bool            `json:"ok"`
	Error CallbackErrBody `json:"error"`
	Token string          `json:"token,omitempty"`
}

// CallbackErrBody is the {code, message} pair inside a CallbackError.
type CallbackErrBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Callback error codes (§4.7 Callback processing).
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeTokenExpired   = "TOKEN_EXPIRED"
	ErrCodeTokenInvalid   = "TOKEN_INVALID"
	ErrCodeAlreadyClaimed = "ALREADY_CLAIMED"
	ErrCodeInvalidOffset  = "INVALID_OFFSET"
	ErrCodeStaleEpoch     = "STALE_EPOCH"
	ErrCodeConsumerGone   = "CONSUMER_GONE"
)

// ErrorCodeToHTTPStatus maps a callback error code to its HTTP status, the
// same table shape as the teacher's webhook/types.go.
var ErrorCodeToHTTPStatus = map[string]int{
	ErrCodeInvalidRequest: 400,
	ErrCodeTokenInvalid:   401,
	ErrCodeTokenExpired:   401,
	ErrCodeAlreadyClaimed: 409,
	ErrCodeStaleEpoch:     409,
	ErrCodeInvalidOffset:  400,
	ErrCodeConsumerGone:   410,
}
