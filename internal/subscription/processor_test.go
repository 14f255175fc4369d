package subscription_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/hooks"
	"github.com/actingweb/actingweb-go/internal/store"
	"github.com/actingweb/actingweb-go/internal/subscription"
)

// conflictStore forces a number of state CAS failures before letting
// writes through, to exercise the retry path.
type conflictStore struct {
	*store.MemoryStore
	mu        sync.Mutex
	conflicts int
	casCalls  int
}

func (c *conflictStore) CompareAndSwapState(ctx context.Context, s *store.CallbackState) error {
	c.mu.Lock()
	c.casCalls++
	fail := c.conflicts > 0
	if fail {
		c.conflicts--
	}
	c.mu.Unlock()
	if fail {
		return fmt.Errorf("forced conflict: %w", store.ErrConflict)
	}
	return c.MemoryStore.CompareAndSwapState(ctx, s)
}

type hookRecorder struct {
	mu      sync.Mutex
	events  []hooks.SubscriptionEvent
	failSeq int
}

func (h *hookRecorder) observe(_ context.Context, _ hooks.ActorRef, ev hooks.SubscriptionEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failSeq != 0 && ev.Sequence == h.failSeq {
		return errors.New("handler refused")
	}
	h.events = append(h.events, ev)
	return nil
}

func (h *hookRecorder) sequences() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int, len(h.events))
	for i, ev := range h.events {
		out[i] = ev.Sequence
	}
	return out
}

func (h *hookRecorder) setFailSeq(seq int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failSeq = seq
}

func newProcessor(t *testing.T, clock clockwork.Clock) (*subscription.Processor, *conflictStore, *hookRecorder) {
	t.Helper()
	st := &conflictStore{MemoryStore: store.NewMemoryStore()}
	t.Cleanup(st.MemoryStore.Close)
	rec := &hookRecorder{}
	reg := hooks.NewRegistry(zap.NewNop())
	reg.RegisterSubscription(rec.observe)
	return subscription.NewProcessor(st, reg, clock, zap.NewNop()), st, rec
}

func seedWatch(t *testing.T, st store.Store, actorID, peerID, subID string) {
	t.Helper()
	err := st.CreateSubscription(ctx, &store.Subscription{
		ActorID:     actorID,
		ID:          subID,
		PeerID:      peerID,
		Target:      "properties",
		Granularity: store.GranularityHigh,
		Callback:    true,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
}

func inbound(seq int, data string) subscription.Callback {
	return subscription.Callback{
		ID:             "peer-1",
		SubscriptionID: "sub-1",
		Sequence:       seq,
		Target:         "properties",
		Subtarget:      "email",
		Data:           json.RawMessage(data),
		Timestamp:      time.Now().UTC(),
	}
}

func mustProcess(t *testing.T, p *subscription.Processor, cb subscription.Callback) subscription.Outcome {
	t.Helper()
	out, err := p.Process(ctx, "a1", "peer-1", "sub-1", cb)
	if err != nil {
		t.Fatalf("Process(seq %d): %v", cb.Sequence, err)
	}
	return out
}

func mirrorValue(t *testing.T, st store.Store) string {
	t.Helper()
	v, err := st.GetBucketItem(ctx, "a1", "peermirror:peer-1:properties", "email")
	if err != nil {
		t.Fatalf("GetBucketItem: %v", err)
	}
	return string(v.Data)
}

func stateOf(t *testing.T, st store.Store) *store.CallbackState {
	t.Helper()
	s, err := st.GetState(ctx, "a1", "sub-1")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	return s
}

func TestProcessor_appliesInOrder(t *testing.T) {
	p, st, rec := newProcessor(t, clockwork.NewRealClock())
	seedWatch(t, st, "a1", "peer-1", "sub-1")

	for i, data := range []string{`"one"`, `"two"`} {
		out := mustProcess(t, p, inbound(i+1, data))
		if out.Status != http.StatusNoContent || !out.Applied {
			t.Fatalf("seq %d: outcome = %+v, want 204 applied", i+1, out)
		}
	}

	if got := mirrorValue(t, st); got != `"two"` {
		t.Errorf("mirror = %s, want latest value", got)
	}
	if seqs := rec.sequences(); len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Errorf("hook sequences = %v, want [1 2]", seqs)
	}
	if s := stateOf(t, st); s.LastSeq != 2 {
		t.Errorf("last seq = %d, want 2", s.LastSeq)
	}
}

func TestProcessor_duplicateIsIdempotent(t *testing.T) {
	p, st, rec := newProcessor(t, clockwork.NewRealClock())
	seedWatch(t, st, "a1", "peer-1", "sub-1")

	mustProcess(t, p, inbound(1, `"one"`))
	mustProcess(t, p, inbound(2, `"two"`))

	for _, seq := range []int{1, 2} {
		out := mustProcess(t, p, inbound(seq, `"stale"`))
		if out.Status != http.StatusNoContent || out.Applied {
			t.Errorf("redelivered seq %d: outcome = %+v, want 204 not applied", seq, out)
		}
	}
	if got := mirrorValue(t, st); got != `"two"` {
		t.Errorf("mirror = %s, stale redelivery must not apply", got)
	}
	if got := len(rec.sequences()); got != 2 {
		t.Errorf("hook fired %d times, want 2", got)
	}
}

func TestProcessor_gapParksUntilFilled(t *testing.T) {
	p, st, rec := newProcessor(t, clockwork.NewRealClock())
	seedWatch(t, st, "a1", "peer-1", "sub-1")

	mustProcess(t, p, inbound(1, `"one"`))

	out := mustProcess(t, p, inbound(3, `"three"`))
	if out.Status != http.StatusAccepted || out.Applied {
		t.Fatalf("gapped seq 3: outcome = %+v, want 202 not applied", out)
	}
	s := stateOf(t, st)
	if s.LastSeq != 1 || len(s.Pending) != 1 || s.GapDeadline.IsZero() {
		t.Fatalf("state = last %d pending %d deadline %v, want parked gap", s.LastSeq, len(s.Pending), s.GapDeadline)
	}

	// Re-delivery of a parked sequence records nothing new.
	mustProcess(t, p, inbound(3, `"three"`))
	if s := stateOf(t, st); len(s.Pending) != 1 {
		t.Fatalf("pending = %d after re-park, want 1", len(s.Pending))
	}

	out = mustProcess(t, p, inbound(2, `"two"`))
	if out.Status != http.StatusNoContent || !out.Applied {
		t.Fatalf("filling seq 2: outcome = %+v, want 204 applied", out)
	}
	s = stateOf(t, st)
	if s.LastSeq != 3 || len(s.Pending) != 0 || !s.GapDeadline.IsZero() {
		t.Errorf("state after drain = last %d pending %d deadline %v, want 3/empty/zero", s.LastSeq, len(s.Pending), s.GapDeadline)
	}
	if seqs := rec.sequences(); len(seqs) != 3 || seqs[2] != 3 {
		t.Errorf("hook sequences = %v, want [1 2 3]", seqs)
	}
	if got := mirrorValue(t, st); got != `"three"` {
		t.Errorf("mirror = %s, want drained value", got)
	}
}

func TestProcessor_drainSurvivesHandlerFailure(t *testing.T) {
	p, st, rec := newProcessor(t, clockwork.NewRealClock())
	seedWatch(t, st, "a1", "peer-1", "sub-1")

	mustProcess(t, p, inbound(1, `"one"`))
	mustProcess(t, p, inbound(3, `"three"`))

	rec.setFailSeq(3)
	out := mustProcess(t, p, inbound(2, `"two"`))
	if out.Status != http.StatusNoContent {
		t.Fatalf("outcome = %+v, want 204; the direct callback applied", out)
	}
	s := stateOf(t, st)
	if s.LastSeq != 2 || len(s.Pending) != 1 {
		t.Fatalf("state = last %d pending %d, want 2 with seq 3 still parked", s.LastSeq, len(s.Pending))
	}

	// Once the handler recovers, the parked entry is contiguous again.
	rec.setFailSeq(0)
	out = mustProcess(t, p, inbound(3, `"three"`))
	if out.Status != http.StatusNoContent || !out.Applied {
		t.Fatalf("retried seq 3: outcome = %+v, want 204 applied", out)
	}
	if s := stateOf(t, st); s.LastSeq != 3 || len(s.Pending) != 0 {
		t.Errorf("state = last %d pending %d, want 3/empty", s.LastSeq, len(s.Pending))
	}
}

func TestProcessor_pendingQueueOverflows(t *testing.T) {
	p, st, _ := newProcessor(t, clockwork.NewRealClock())
	seedWatch(t, st, "a1", "peer-1", "sub-1")

	for i := 0; i < 100; i++ {
		out := mustProcess(t, p, inbound(i+2, `"x"`))
		if out.Status != http.StatusAccepted {
			t.Fatalf("park %d: status = %d, want 202", i, out.Status)
		}
	}
	out := mustProcess(t, p, inbound(500, `"x"`))
	if out.Status != http.StatusTooManyRequests {
		t.Errorf("status = %d with full queue, want 429", out.Status)
	}
	// An already parked sequence still answers 202.
	out = mustProcess(t, p, inbound(50, `"x"`))
	if out.Status != http.StatusAccepted {
		t.Errorf("re-park while full: status = %d, want 202", out.Status)
	}
}

func TestProcessor_gapDeadlineTriggersResync(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p, st, _ := newProcessor(t, clock)
	seedWatch(t, st, "a1", "peer-1", "sub-1")

	var resyncs int
	p.SetResyncHandler(func(_ context.Context, actorID, peerID, subID string) error {
		resyncs++
		if actorID != "a1" || peerID != "peer-1" || subID != "sub-1" {
			t.Errorf("resync called with %s/%s/%s", actorID, peerID, subID)
		}
		return nil
	})

	mustProcess(t, p, inbound(1, `"one"`))
	mustProcess(t, p, inbound(5, `"five"`))

	clock.Advance(6 * time.Second)

	out := mustProcess(t, p, inbound(6, `"six"`))
	if out.Status != http.StatusOK || !out.Applied {
		t.Fatalf("outcome = %+v, want 200 applied after resync", out)
	}
	if resyncs != 1 {
		t.Fatalf("resync handler called %d times, want 1", resyncs)
	}
	s := stateOf(t, st)
	if len(s.Pending) != 0 || !s.GapDeadline.IsZero() {
		t.Errorf("state = pending %d deadline %v, want cleared", len(s.Pending), s.GapDeadline)
	}
}

func TestProcessor_resyncFailureAnswers502(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p, st, _ := newProcessor(t, clock)
	seedWatch(t, st, "a1", "peer-1", "sub-1")
	p.SetResyncHandler(func(context.Context, string, string, string) error {
		return errors.New("peer unreachable")
	})

	mustProcess(t, p, inbound(1, `"one"`))
	mustProcess(t, p, inbound(5, `"five"`))
	clock.Advance(6 * time.Second)

	out := mustProcess(t, p, inbound(6, `"six"`))
	if out.Status != http.StatusBadGateway || out.Applied {
		t.Errorf("outcome = %+v, want 502 not applied", out)
	}
	if s := stateOf(t, st); !s.ResyncPending {
		t.Error("resync_pending not set, recovery would never retry")
	}
}

func TestProcessor_resyncCallbackResetsState(t *testing.T) {
	p, st, rec := newProcessor(t, clockwork.NewRealClock())
	seedWatch(t, st, "a1", "peer-1", "sub-1")

	mustProcess(t, p, inbound(1, `"one"`))
	mustProcess(t, p, inbound(4, `"four"`))

	reset := subscription.Callback{
		ID:             "peer-1",
		SubscriptionID: "sub-1",
		Sequence:       9,
		Target:         "properties",
		Data:           json.RawMessage(`{"email":"x","phone":"y"}`),
		Timestamp:      time.Now().UTC(),
		Type:           subscription.TypeResync,
	}
	out, err := p.Process(ctx, "a1", "peer-1", "sub-1", reset)
	if err != nil {
		t.Fatalf("Process(reset): %v", err)
	}
	if out.Status != http.StatusNoContent || !out.Applied {
		t.Fatalf("outcome = %+v, want 204 applied", out)
	}

	s := stateOf(t, st)
	if s.LastSeq != 9 || len(s.Pending) != 0 || !s.GapDeadline.IsZero() || s.ResyncPending {
		t.Errorf("state = %+v, want clean slate at seq 9", s)
	}
	// Subtarget-less replacement lands under the whole-target key.
	v, err := st.GetBucketItem(ctx, "a1", "peermirror:peer-1:properties", "_")
	if err != nil {
		t.Fatalf("GetBucketItem: %v", err)
	}
	if string(v.Data) != `{"email":"x","phone":"y"}` {
		t.Errorf("mirror = %s, want full replacement", v.Data)
	}
	if seqs := rec.sequences(); seqs[len(seqs)-1] != 9 {
		t.Errorf("hook sequences = %v, want reset event last", seqs)
	}

	out = mustProcess(t, p, inbound(10, `"ten"`))
	if out.Status != http.StatusNoContent || !out.Applied {
		t.Errorf("seq 10 after reset: outcome = %+v, want 204 applied", out)
	}
}

// A failing handler must leave the applied sequence untouched so the
// publisher's re-delivery is not mistaken for a duplicate.
func TestProcessor_handlerFailureKeepsSequence(t *testing.T) {
	p, st, rec := newProcessor(t, clockwork.NewRealClock())
	seedWatch(t, st, "a1", "peer-1", "sub-1")

	rec.setFailSeq(1)
	out := mustProcess(t, p, inbound(1, `"one"`))
	if out.Status != http.StatusInternalServerError || out.Applied {
		t.Fatalf("outcome = %+v, want 500 not applied", out)
	}
	if s := stateOf(t, st); s.LastSeq != 0 {
		t.Fatalf("last seq = %d after handler failure, want 0", s.LastSeq)
	}

	rec.setFailSeq(0)
	out = mustProcess(t, p, inbound(1, `"one"`))
	if out.Status != http.StatusNoContent || !out.Applied {
		t.Errorf("re-delivery: outcome = %+v, want 204 applied", out)
	}
	if got := mirrorValue(t, st); got != `"one"` {
		t.Errorf("mirror = %s, re-delivered data lost", got)
	}
}

// A version conflict on the state write retries the whole step. The data
// must still be applied and the sequence must advance; losing it to a
// false duplicate classification is the historical failure mode.
func TestProcessor_casConflictRetriesWithoutLoss(t *testing.T) {
	p, st, rec := newProcessor(t, clockwork.NewRealClock())
	seedWatch(t, st, "a1", "peer-1", "sub-1")
	st.conflicts = 1

	out := mustProcess(t, p, inbound(1, `"one"`))
	if out.Status != http.StatusNoContent || !out.Applied {
		t.Fatalf("outcome = %+v, want 204 applied despite conflict", out)
	}
	if st.casCalls != 2 {
		t.Errorf("CAS calls = %d, want 2 (conflict then success)", st.casCalls)
	}
	if s := stateOf(t, st); s.LastSeq != 1 {
		t.Errorf("last seq = %d, want 1", s.LastSeq)
	}
	if got := mirrorValue(t, st); got != `"one"` {
		t.Errorf("mirror = %s, data lost across the retry", got)
	}
	if len(rec.sequences()) == 0 {
		t.Error("handler never ran")
	}

	out = mustProcess(t, p, inbound(1, `"one"`))
	if out.Applied {
		t.Error("second delivery applied again, want duplicate")
	}
}

func TestProcessor_casExhaustionAnswers503(t *testing.T) {
	p, st, _ := newProcessor(t, clockwork.NewRealClock())
	seedWatch(t, st, "a1", "peer-1", "sub-1")
	st.conflicts = 10

	out := mustProcess(t, p, inbound(1, `"one"`))
	if out.Status != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 so the publisher retries", out.Status)
	}
	if st.casCalls != 4 {
		t.Errorf("CAS calls = %d, want 4 attempts", st.casCalls)
	}
}

func TestProcessor_rejectsUnknownSubscriptions(t *testing.T) {
	p, st, _ := newProcessor(t, clockwork.NewRealClock())

	out := mustProcess(t, p, inbound(1, `"one"`))
	if out.Status != http.StatusNotFound {
		t.Errorf("status = %d for unknown subscription, want 404", out.Status)
	}

	// Publisher-side records never accept callbacks.
	err := st.CreateSubscription(ctx, &store.Subscription{
		ActorID: "a1", ID: "sub-1", PeerID: "peer-1",
		Target: "properties", Granularity: store.GranularityHigh,
		Callback: false, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	out = mustProcess(t, p, inbound(1, `"one"`))
	if out.Status != http.StatusNotFound {
		t.Errorf("status = %d for inbound record, want 404", out.Status)
	}
}
