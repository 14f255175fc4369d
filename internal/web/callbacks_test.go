package web_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/actingweb/actingweb-go/internal/hooks"
	"github.com/actingweb/actingweb-go/internal/store"
)

// seedWatch plants an active trust and a watch-side subscription directly
// in the store, standing in for a publisher this fixture once subscribed
// to.
func seedWatch(t *testing.T, f *engineFixture, a testActor, peerID, secret, subID string) {
	t.Helper()
	err := f.st.CreateTrust(ctx, &store.Trust{
		ActorID: a.id, PeerID: peerID, Relationship: "friend",
		Secret: secret, Approved: true, PeerApproved: true, Verified: true,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed trust: %v", err)
	}
	err = f.st.CreateSubscription(ctx, &store.Subscription{
		ActorID: a.id, ID: subID, PeerID: peerID,
		Target: "properties", Granularity: store.GranularityHigh,
		Callback: true, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	err = f.st.CreateState(ctx, &store.CallbackState{ActorID: a.id, SubscriptionID: subID})
	if err != nil {
		t.Fatalf("seed state: %v", err)
	}
}

func postCallback(f *engineFixture, a testActor, peerID, subID, secret string, seq int, data string) (int, []byte) {
	req := f.newRequest(http.MethodPost,
		"/"+a.id+"/callbacks/subscriptions/"+peerID+"/"+subID,
		map[string]any{
			"sequence":  seq,
			"target":    "properties",
			"subtarget": "status",
			"data":      json.RawMessage(data),
			"timestamp": time.Now().UTC(),
		})
	asBearer(req, secret)
	status, body, _ := f.do(req)
	return status, body
}

func TestCallbacks_sequenceOrderingOverHTTP(t *testing.T) {
	f := newEngineFixture(t, false)

	var applied []int
	f.hooks.RegisterSubscription(func(_ context.Context, _ hooks.ActorRef, ev hooks.SubscriptionEvent) error {
		applied = append(applied, ev.Sequence)
		return nil
	})

	a := f.createActor("bob@example.com")
	seedWatch(t, f, a, "peer-1", "s3cret", "sub1")

	if status, body := postCallback(f, a, "peer-1", "sub1", "s3cret", 1, `{"v":1}`); status != http.StatusNoContent {
		t.Fatalf("seq 1: %d %s", status, body)
	}
	// Early arrival parks.
	if status, body := postCallback(f, a, "peer-1", "sub1", "s3cret", 3, `{"v":3}`); status != http.StatusAccepted {
		t.Fatalf("seq 3: %d %s", status, body)
	}
	// The gap filler drains the queue in the same request.
	if status, body := postCallback(f, a, "peer-1", "sub1", "s3cret", 2, `{"v":2}`); status != http.StatusNoContent {
		t.Fatalf("seq 2: %d %s", status, body)
	}
	// Re-delivery is answered like first delivery but applies nothing.
	if status, body := postCallback(f, a, "peer-1", "sub1", "s3cret", 2, `{"v":2}`); status != http.StatusNoContent {
		t.Fatalf("duplicate: %d %s", status, body)
	}

	if len(applied) != 3 || applied[0] != 1 || applied[1] != 2 || applied[2] != 3 {
		t.Errorf("applied order = %v", applied)
	}
}

func TestCallbacks_receiveAuthorization(t *testing.T) {
	f := newEngineFixture(t, false)
	a := f.createActor("bob@example.com")
	seedWatch(t, f, a, "peer-1", "s3cret", "sub1")

	// A different peer's secret is authenticated but not authorized here.
	err := f.st.CreateTrust(ctx, &store.Trust{
		ActorID: a.id, PeerID: "peer-2", Relationship: "friend",
		Secret: "other", Approved: true, PeerApproved: true, Verified: true,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed trust: %v", err)
	}
	if status, _ := postCallback(f, a, "peer-1", "sub1", "other", 1, `{}`); status != http.StatusForbidden {
		t.Errorf("foreign peer: expected 403, got %d", status)
	}

	req := f.newRequest(http.MethodPost, "/"+a.id+"/callbacks/subscriptions/peer-1/sub1",
		map[string]int{"sequence": 1})
	req.Header.Set("Accept", "application/json")
	if status, _, _ := f.do(req); status != http.StatusUnauthorized {
		t.Errorf("anonymous: expected 401, got %d", status)
	}
}

func TestCallbacks_receiveMalformedBody(t *testing.T) {
	f := newEngineFixture(t, false)
	a := f.createActor("bob@example.com")
	seedWatch(t, f, a, "peer-1", "s3cret", "sub1")

	req := f.newRequest(http.MethodPost, "/"+a.id+"/callbacks/subscriptions/peer-1/sub1", "not json")
	asBearer(req, "s3cret")
	if status, _, _ := f.do(req); status != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", status)
	}
}

func TestCallbacks_receiveUnknownSubscription(t *testing.T) {
	f := newEngineFixture(t, false)
	a := f.createActor("bob@example.com")
	seedWatch(t, f, a, "peer-1", "s3cret", "sub1")

	if status, _ := postCallback(f, a, "peer-1", "nosuch", "s3cret", 1, `{}`); status != http.StatusNotFound {
		t.Errorf("expected 404, got %d", status)
	}
}

func TestCallbacks_terminateDropsWatch(t *testing.T) {
	f := newEngineFixture(t, false)
	a := f.createActor("bob@example.com")
	seedWatch(t, f, a, "peer-1", "s3cret", "sub1")

	req := f.newRequest(http.MethodDelete, "/"+a.id+"/callbacks/subscriptions/peer-1/sub1", nil)
	asBearer(req, "s3cret")
	if status, body, _ := f.do(req); status != http.StatusNoContent {
		t.Fatalf("terminate: %d %s", status, body)
	}

	if _, err := f.st.GetSubscription(ctx, a.id, "peer-1", "sub1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("watch record survived: %v", err)
	}
}

func TestCallbacks_namedHookDispatch(t *testing.T) {
	f := newEngineFixture(t, false)

	var got json.RawMessage
	f.hooks.RegisterCallback("ping", func(_ context.Context, _ hooks.ActorRef, _ string, payload json.RawMessage) (bool, error) {
		got = payload
		return true, nil
	})
	f.hooks.RegisterCallback("broken", func(_ context.Context, _ hooks.ActorRef, _ string, _ json.RawMessage) (bool, error) {
		return false, errors.New("exploded")
	})

	a := f.createActor("bob@example.com")

	status, body, _ := f.do(f.newRequest(http.MethodPost, "/"+a.id+"/callbacks/ping", `{"hello":"world"}`))
	if status != http.StatusNoContent {
		t.Fatalf("ping: %d %s", status, body)
	}
	if string(got) != `{"hello":"world"}` {
		t.Errorf("payload = %s", got)
	}

	status, _, _ = f.do(f.newRequest(http.MethodPost, "/"+a.id+"/callbacks/unregistered", `{}`))
	if status != http.StatusNotFound {
		t.Errorf("unregistered: expected 404, got %d", status)
	}

	status, _, _ = f.do(f.newRequest(http.MethodPost, "/"+a.id+"/callbacks/broken", `{}`))
	if status != http.StatusInternalServerError {
		t.Errorf("broken: expected 500, got %d", status)
	}
}
