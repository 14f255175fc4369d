package subscription_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/store"
	"github.com/actingweb/actingweb-go/internal/subscription"
)

type postResponse struct {
	status int
	err    error
}

type postedCallback struct {
	url    string
	secret string
	cb     subscription.Callback
}

type posterStub struct {
	mu        sync.Mutex
	responses []postResponse
	calls     []postedCallback
}

func (p *posterStub) PostCallback(_ context.Context, url, secret string, payload []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var cb subscription.Callback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return 0, err
	}
	p.calls = append(p.calls, postedCallback{url: url, secret: secret, cb: cb})
	idx := len(p.calls) - 1
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	return p.responses[idx].status, p.responses[idx].err
}

func (p *posterStub) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *posterStub) call(t *testing.T, i int) postedCallback {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.calls) {
		t.Fatalf("call %d not recorded, have %d", i, len(p.calls))
	}
	return p.calls[i]
}

func newFanoutFixture(t *testing.T, clock clockwork.Clock, responses ...postResponse) (*subscription.Fanout, *posterStub, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(st.Close)
	if len(responses) == 0 {
		responses = []postResponse{{status: 204}}
	}
	poster := &posterStub{responses: responses}
	return subscription.NewFanout(st, poster, clock, 1, zap.NewNop()), poster, st
}

func seedDeliveryTrust(t *testing.T, st *store.MemoryStore, active bool) {
	t.Helper()
	err := st.CreateTrust(ctx, &store.Trust{
		ActorID:      "a1",
		PeerID:       "peer-1",
		BaseURI:      "https://peer.example.com",
		Relationship: "friend",
		Secret:       "s3cret",
		Approved:     active,
		PeerApproved: active,
		Verified:     true,
	})
	if err != nil {
		t.Fatalf("CreateTrust: %v", err)
	}
}

func fanoutTask(kind subscription.TaskKind, granularity string) subscription.Task {
	return subscription.Task{
		ActorID: "a1",
		Subscription: &store.Subscription{
			ActorID:     "a1",
			ID:          "sub-1",
			PeerID:      "peer-1",
			Target:      "properties",
			Granularity: granularity,
		},
		Diff: &store.Diff{
			ActorID:        "a1",
			SubscriptionID: "sub-1",
			Sequence:       7,
			Target:         "properties",
			Subtarget:      "email",
			Blob:           json.RawMessage(`"x@example.com"`),
			Timestamp:      time.Now().UTC(),
		},
		Kind:        kind,
		ResourceURL: "https://pub.example.com/a1/properties/email",
	}
}

func TestFanout_payloadShaping(t *testing.T) {
	cases := []struct {
		name        string
		kind        subscription.TaskKind
		granularity string
		wantData    bool
		wantURL     bool
		wantType    string
	}{
		{"high granularity carries data", subscription.TaskDiff, store.GranularityHigh, true, false, ""},
		{"low granularity sends url only", subscription.TaskDiff, store.GranularityLow, false, true, ""},
		{"resync carries data and url", subscription.TaskResync, store.GranularityHigh, true, true, subscription.TypeResync},
		{"notify sends url without data", subscription.TaskNotify, store.GranularityHigh, false, true, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, poster, st := newFanoutFixture(t, clockwork.NewRealClock())
			seedDeliveryTrust(t, st, true)
			f.Start()
			f.Enqueue(fanoutTask(tc.kind, tc.granularity))
			f.Stop()

			if poster.count() != 1 {
				t.Fatalf("delivered %d callbacks, want 1", poster.count())
			}
			got := poster.call(t, 0)
			if got.url != "https://peer.example.com/callbacks/subscriptions/a1/sub-1" {
				t.Errorf("url = %q", got.url)
			}
			if got.secret != "s3cret" {
				t.Errorf("secret = %q", got.secret)
			}
			if got.cb.ID != "a1" || got.cb.SubscriptionID != "sub-1" || got.cb.Sequence != 7 {
				t.Errorf("payload identity = %s/%s/%d", got.cb.ID, got.cb.SubscriptionID, got.cb.Sequence)
			}
			if hasData := len(got.cb.Data) > 0; hasData != tc.wantData {
				t.Errorf("data present = %v, want %v", hasData, tc.wantData)
			}
			if tc.wantData && string(got.cb.Data) != `"x@example.com"` {
				t.Errorf("data = %s", got.cb.Data)
			}
			if hasURL := got.cb.URL != ""; hasURL != tc.wantURL {
				t.Errorf("url present = %v, want %v", hasURL, tc.wantURL)
			}
			if tc.wantURL && got.cb.URL != "https://pub.example.com/a1/properties/email" {
				t.Errorf("callback url = %q", got.cb.URL)
			}
			if got.cb.Type != tc.wantType {
				t.Errorf("type = %q, want %q", got.cb.Type, tc.wantType)
			}
		})
	}
}

func TestFanout_retriesTransientFailures(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f, poster, st := newFanoutFixture(t, clock,
		postResponse{status: 500},
		postResponse{err: errors.New("connection reset")},
		postResponse{status: 204})
	seedDeliveryTrust(t, st, true)

	f.Start()
	f.Enqueue(fanoutTask(subscription.TaskDiff, store.GranularityHigh))

	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)
	clock.BlockUntil(1)
	clock.Advance(3 * time.Second)
	f.Stop()

	if got := poster.count(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestFanout_stopsOnTerminalRejection(t *testing.T) {
	f, poster, st := newFanoutFixture(t, clockwork.NewRealClock(), postResponse{status: 404})
	seedDeliveryTrust(t, st, true)

	f.Start()
	f.Enqueue(fanoutTask(subscription.TaskDiff, store.GranularityHigh))
	f.Stop()

	if got := poster.count(); got != 1 {
		t.Errorf("attempts = %d, want 1; client errors are terminal", got)
	}
}

func TestFanout_skipsUnusableTrust(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		f, poster, _ := newFanoutFixture(t, clockwork.NewRealClock())
		f.Start()
		f.Enqueue(fanoutTask(subscription.TaskDiff, store.GranularityHigh))
		f.Stop()
		if poster.count() != 0 {
			t.Errorf("delivered %d callbacks without a trust", poster.count())
		}
	})
	t.Run("inactive", func(t *testing.T) {
		f, poster, st := newFanoutFixture(t, clockwork.NewRealClock())
		seedDeliveryTrust(t, st, false)
		f.Start()
		f.Enqueue(fanoutTask(subscription.TaskDiff, store.GranularityHigh))
		f.Stop()
		if poster.count() != 0 {
			t.Errorf("delivered %d callbacks on an unapproved trust", poster.count())
		}
	})
}

func TestFanout_enqueueNeverBlocks(t *testing.T) {
	f, poster, st := newFanoutFixture(t, clockwork.NewRealClock())
	seedDeliveryTrust(t, st, true)

	// No workers are running; overflow past the queue size must drop,
	// not block the mutation path.
	for i := 0; i < 1100; i++ {
		f.Enqueue(fanoutTask(subscription.TaskDiff, store.GranularityHigh))
	}
	f.Stop()
	if poster.count() != 0 {
		t.Errorf("delivered %d callbacks with no workers", poster.count())
	}
}
