package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/durablestreams/dstreamd/internal/webhooksub"
)

// subscriptionRequestBody is the PUT <pattern>?subscription=<id> body (§6).
type subscriptionRequestBody struct {
	Webhook     string `json:"webhook"`
	Description string `json:"description,omitempty"`
}

// subscriptionResponse is the PUT/GET response shape; Secret is only set on
// the creation response.
type subscriptionResponse struct {
	SubscriptionID string `json:"subscription_id"`
	Pattern        string `json:"pattern"`
	Webhook        string `json:"webhook"`
	Secret         string `json:"webhook_secret,omitempty"`
}

// handleSubscriptionRequest dispatches PUT/GET/DELETE <pattern>?subscription=<id>
// and GET <pattern>?subscriptions (§6 Subscription endpoints).
func (s *Server) handleSubscriptionRequest(w http.ResponseWriter, r *http.Request) {
	if s.subs == nil {
		writeProblem(w, r, errUnavailable)
		return
	}
	q, err := decodeSubscriptionQuery(r)
	if err != nil {
		writeProblem(w, r, err)
		return
	}

	if q.Subscriptions {
		if r.Method != http.MethodGet {
			writeProblem(w, r, apiError{http.StatusMethodNotAllowed, "BAD_REQUEST", "Method not allowed"})
			return
		}
		s.listSubscriptionsForPattern(w, r)
		return
	}

	if q.Subscription == "" {
		writeProblem(w, r, errBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPut:
		s.createSubscription(w, r, q.Subscription)
	case http.MethodGet:
		s.getSubscription(w, r, q.Subscription)
	case http.MethodDelete:
		s.deleteSubscription(w, r, q.Subscription)
	default:
		writeProblem(w, r, apiError{http.StatusMethodNotAllowed, "BAD_REQUEST", "Method not allowed"})
	}
}

func (s *Server) createSubscription(w http.ResponseWriter, r *http.Request, id string) {
	body, err := readRequestBody(r)
	if err != nil {
		writeProblem(w, r, errBadRequest)
		return
	}
	var req subscriptionRequestBody
	if len(body) == 0 || json.Unmarshal(body, &req) != nil || req.Webhook == "" {
		writeProblem(w, r, errInvalidJSON)
		return
	}

	sub, created, err := s.subs.CreateSubscription(id, r.URL.Path, req.Webhook, req.Description)
	if err != nil {
		if errors.Is(err, webhooksub.ErrSubscriptionConflict) {
			writeProblem(w, r, errStreamConflict)
			return
		}
		writeProblem(w, r, errInternal)
		return
	}

	resp := subscriptionResponse{
		SubscriptionID: sub.SubscriptionID,
		Pattern:        sub.Pattern,
		Webhook:        sub.Webhook,
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		resp.Secret = sub.WebhookSecret
	}
	writeJSON(w, status, resp)
}

func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request, id string) {
	sub, err := s.subs.GetSubscription(id)
	if err != nil {
		writeProblem(w, r, errNotFound)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionResponse{
		SubscriptionID: sub.SubscriptionID,
		Pattern:        sub.Pattern,
		Webhook:        sub.Webhook,
	})
}

func (s *Server) deleteSubscription(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.subs.DeleteSubscription(id); err != nil {
		writeProblem(w, r, errNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listSubscriptionsForPattern(w http.ResponseWriter, r *http.Request) {
	var out []subscriptionResponse
	for _, sub := range s.subs.ListSubscriptions() {
		if webhooksub.MatchPattern(sub.Pattern, r.URL.Path) || sub.Pattern == r.URL.Path {
			out = append(out, subscriptionResponse{
				SubscriptionID: sub.SubscriptionID,
				Pattern:        sub.Pattern,
				Webhook:        sub.Webhook,
			})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
