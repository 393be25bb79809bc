package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/durablestreams/dstreamd/internal/enginestore"
	"github.com/durablestreams/dstreamd/internal/webhooksub"
)

// testWebhookServer wires a Server with a non-nil webhooksub stack on top
// of a fresh MemoryStore, returning the stream service's test server and
// its backing subscription store.
func testWebhookServer(t *testing.T) (*httptest.Server, *webhooksub.Store) {
	t.Helper()
	store := enginestore.NewMemoryStore(zap.NewNop())
	subs := webhooksub.NewStore()
	tokens, err := webhooksub.NewTokenIssuer()
	if err != nil {
		t.Fatal(err)
	}

	var ts *httptest.Server
	getTail := func(path string) string {
		meta, err := store.Get(context.Background(), path)
		if err != nil {
			return "-1"
		}
		return meta.CurrentOffset
	}
	callbackURLFor := func(consumerID string) string { return ts.URL + "/callback/" + consumerID }
	manager := webhooksub.NewManager(subs, tokens, callbackURLFor, getTail, zap.NewNop())
	t.Cleanup(manager.Shutdown)

	srv := New(store, subs, manager, DefaultConfig(), zap.NewNop())
	ts = httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts, subs
}

// TestSubscriptionCreate covers the register step of spec scenario 5.
func TestSubscriptionCreate(t *testing.T) {
	ts, _ := testWebhookServer(t)

	body, _ := json.Marshal(map[string]string{"webhook": "http://subscriber.invalid/hook"})
	resp := doRequest(t, http.MethodPut, ts.URL+"/live/**?subscription=S1", nil, body)
	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("create subscription: got status %d, body=%s", resp.StatusCode, b)
	}
	var created subscriptionResponse
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	if created.Secret == "" {
		t.Fatal("expected webhook_secret on creation response")
	}

	resp = doRequest(t, http.MethodPut, ts.URL+"/live/**?subscription=S1", nil, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("idempotent create: got status %d", resp.StatusCode)
	}
	var replay subscriptionResponse
	json.NewDecoder(resp.Body).Decode(&replay)
	resp.Body.Close()
	if replay.Secret != "" {
		t.Fatal("replayed create must not return the secret again")
	}
}

func TestSubscriptionCRUD(t *testing.T) {
	ts, _ := testWebhookServer(t)

	body, _ := json.Marshal(map[string]string{"webhook": "http://example.invalid/hook", "description": "d"})
	resp := doRequest(t, http.MethodPut, ts.URL+"/items/*?subscription=S1", nil, body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: got status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doRequest(t, http.MethodGet, ts.URL+"/items/*?subscription=S1", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: got status %d", resp.StatusCode)
	}
	var got subscriptionResponse
	json.NewDecoder(resp.Body).Decode(&got)
	resp.Body.Close()
	if got.Secret != "" {
		t.Fatal("GET must not return the secret")
	}

	resp = doRequest(t, http.MethodGet, ts.URL+"/items/x?subscriptions", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: got status %d", resp.StatusCode)
	}
	var list []subscriptionResponse
	json.NewDecoder(resp.Body).Decode(&list)
	resp.Body.Close()
	if len(list) != 1 {
		t.Fatalf("expected 1 matching subscription, got %d", len(list))
	}

	resp = doRequest(t, http.MethodDelete, ts.URL+"/items/*?subscription=S1", nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: got status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doRequest(t, http.MethodGet, ts.URL+"/items/*?subscription=S1", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete: got status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

// TestWebhookWakeAndCallbackClaim covers the delivery, claim, and
// already-claimed steps of spec scenario 5 at the HTTP boundary.
func TestWebhookWakeAndCallbackClaim(t *testing.T) {
	received := make(chan webhooksub.WakePayload, 1)
	subscriber := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhooksub.WakePayload
		json.NewDecoder(r.Body).Decode(&p)
		received <- p
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(subscriber.Close)

	ts, subs := testWebhookServer(t)

	if _, created, err := subs.CreateSubscription("S1", "/live/**", subscriber.URL, ""); err != nil || !created {
		t.Fatalf("CreateSubscription: created=%v err=%v", created, err)
	}

	resp := doRequest(t, http.MethodPut, ts.URL+"/live/a", map[string]string{"Content-Type": "text/plain"}, nil)
	resp.Body.Close()

	var payload webhooksub.WakePayload
	select {
	case payload = <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered")
	}
	if payload.PrimaryStream != "/live/a" {
		t.Fatalf("unexpected primary stream: %q", payload.PrimaryStream)
	}

	cbBody, _ := json.Marshal(webhooksub.CallbackRequest{Epoch: &payload.Epoch, WakeID: payload.WakeID})
	resp = doRequest(t, http.MethodPost, ts.URL+"/callback/"+payload.ConsumerID, map[string]string{"Authorization": "Bearer " + payload.Token}, cbBody)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("first callback: got status %d, body=%s", resp.StatusCode, b)
	}
	resp.Body.Close()

	resp = doRequest(t, http.MethodPost, ts.URL+"/callback/"+payload.ConsumerID, map[string]string{"Authorization": "Bearer " + payload.Token}, cbBody)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("idempotent replay of same wake_id: got status %d", resp.StatusCode)
	}

	otherBody, _ := json.Marshal(webhooksub.CallbackRequest{Epoch: &payload.Epoch, WakeID: "a-different-wake-id"})
	resp = doRequest(t, http.MethodPost, ts.URL+"/callback/"+payload.ConsumerID, map[string]string{"Authorization": "Bearer " + payload.Token}, otherBody)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("conflicting claim: got status %d", resp.StatusCode)
	}
	var problem webhooksub.CallbackError
	json.NewDecoder(resp.Body).Decode(&problem)
	resp.Body.Close()
	if problem.Error.Code != webhooksub.ErrCodeAlreadyClaimed {
		t.Fatalf("expected ALREADY_CLAIMED, got %s", problem.Error.Code)
	}
}

func TestCallbackMissingBearerToken(t *testing.T) {
	ts, _ := testWebhookServer(t)

	body, _ := json.Marshal(webhooksub.CallbackRequest{})
	resp := doRequest(t, http.MethodPost, ts.URL+"/callback/some-consumer", nil, body)
	if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing bearer token: got status %d", resp.StatusCode)
	}
	resp.Body.Close()
}
