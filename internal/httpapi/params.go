package httpapi

import (
	"net/http"
	"regexp"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/schema"
)

// readQuery is the decoded+validated shape of GET <path>?offset=&live=&cursor=
// (§6). gorilla/schema decodes the raw url.Values into this struct instead
// of hand-rolled r.URL.Query().Get(...) calls; go-playground/validator then
// checks the decoded values' shape before they reach the engine.
type readQuery struct {
	Offset string `schema:"offset" validate:"omitempty,offsetformat"`
	Live   string `schema:"live" validate:"omitempty,oneof=long-poll sse"`
	Cursor string `schema:"cursor"`
}

// subscriptionQuery is the decoded shape of the `?subscription=<id>` and
// `?subscriptions` query forms used by the subscription endpoints (§6).
type subscriptionQuery struct {
	Subscription  string `schema:"subscription"`
	Subscriptions bool   `schema:"subscriptions"`
}

var (
	decoderOnce sync.Once
	decoder     *schema.Decoder
	validate    *validator.Validate

	offsetFormatRe = regexp.MustCompile(`^(-1)?$|^[0-9]+_[0-9]+$`)
)

func initParamDecoding() {
	decoder = schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)
	validate = validator.New()
	validate.RegisterValidation("offsetformat", func(fl validator.FieldLevel) bool {
		return offsetFormatRe.MatchString(fl.Field().String())
	})
}

func paramDecoder() (*schema.Decoder, *validator.Validate) {
	decoderOnce.Do(initParamDecoding)
	return decoder, validate
}

// decodeReadQuery decodes and validates the query string of a GET request.
func decodeReadQuery(r *http.Request) (readQuery, error) {
	dec, val := paramDecoder()
	var q readQuery
	if err := dec.Decode(&q, r.URL.Query()); err != nil {
		return readQuery{}, errBadRequest
	}
	if err := val.Struct(q); err != nil {
		return readQuery{}, errInvalidOffset
	}
	return q, nil
}

// decodeSubscriptionQuery decodes the query string of a subscription
// endpoint request. `subscriptions` is a bare presence flag (`?subscriptions`,
// no value), so it is read directly rather than through gorilla/schema's
// bool parsing, which expects an explicit "true"/"1" value.
func decodeSubscriptionQuery(r *http.Request) (subscriptionQuery, error) {
	values := r.URL.Query()
	q := subscriptionQuery{
		Subscription:  values.Get("subscription"),
		Subscriptions: values.Has("subscriptions"),
	}
	return q, nil
}
