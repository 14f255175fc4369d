package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/hooks"
	"github.com/actingweb/actingweb-go/internal/store"
)

// TypeResync marks a callback carrying a complete replacement value.
const TypeResync = "resync"

// Callback is the wire payload posted to a subscriber.
type Callback struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscriptionid"`
	Sequence       int             `json:"sequence"`
	Target         string          `json:"target"`
	Subtarget      string          `json:"subtarget,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Type           string          `json:"type,omitempty"`
	URL            string          `json:"url,omitempty"`
}

// Outcome reports how an inbound callback was handled. Status is the HTTP
// status to answer with; Applied is true when the callback changed local
// state this call.
type Outcome struct {
	Status  int
	Applied bool
}

// ResyncFunc re-establishes a subscription from the publisher's baseline.
type ResyncFunc func(ctx context.Context, actorID, peerID, subID string) error

const (
	maxPending = 100
	gapTimeout = 5 * time.Second

	casAttempts = 4
)

// Processor validates inbound callback ordering per subscription. Sequences
// must arrive contiguously; early arrivals wait in a bounded pending queue
// and a gap that outlives its deadline triggers a full resync.
//
// LastSeq advances only after the handler has succeeded. Advancing it first
// would make a re-delivered callback look like a duplicate and silently lose
// the data, so the state write always comes last.
type Processor struct {
	store  store.Store
	hooks  *hooks.Registry
	clock  clockwork.Clock
	logger *zap.Logger
	resync ResyncFunc
}

// NewProcessor creates a callback processor.
func NewProcessor(st store.Store, hookReg *hooks.Registry, clock clockwork.Clock, logger *zap.Logger) *Processor {
	return &Processor{store: st, hooks: hookReg, clock: clock, logger: logger}
}

// SetResyncHandler wires the pull-sync entry point. Set after construction
// because the syncer itself processes callbacks through this processor.
func (p *Processor) SetResyncHandler(fn ResyncFunc) {
	p.resync = fn
}

// Process runs one inbound callback through the ordering state machine.
// Storage version conflicts are retried with backoff; exhaustion answers
// 503 so the publisher re-delivers.
func (p *Processor) Process(ctx context.Context, actorID, peerID, subID string, cb Callback) (Outcome, error) {
	sub, err := p.store.GetSubscription(ctx, actorID, peerID, subID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Outcome{Status: http.StatusNotFound}, nil
		}
		return Outcome{}, err
	}
	if !sub.Callback {
		// Publisher-side records never accept inbound callbacks.
		return Outcome{Status: http.StatusNotFound}, nil
	}

	for attempt := 1; attempt <= casAttempts; attempt++ {
		if attempt > 1 {
			p.clock.Sleep(casBackoff(attempt - 1))
		}
		state, err := p.state(ctx, actorID, subID)
		if err != nil {
			return Outcome{}, err
		}
		out, err := p.step(ctx, sub, state, cb)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return Outcome{}, err
		}
		p.logger.Debug("processor state conflict, retrying",
			zap.String("subscription_id", subID),
			zap.Int("attempt", attempt))
	}
	awCallbacksProcessed.WithLabelValues("cas_exhausted").Inc()
	return Outcome{Status: http.StatusServiceUnavailable}, nil
}

// state loads the processor state, creating the initial record on first
// contact. A create conflict means another worker got there first.
func (p *Processor) state(ctx context.Context, actorID, subID string) (*store.CallbackState, error) {
	st, err := p.store.GetState(ctx, actorID, subID)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	fresh := &store.CallbackState{ActorID: actorID, SubscriptionID: subID}
	if err := p.store.CreateState(ctx, fresh); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return p.store.GetState(ctx, actorID, subID)
		}
		return nil, err
	}
	return fresh, nil
}

func (p *Processor) step(ctx context.Context, sub *store.Subscription, state *store.CallbackState, cb Callback) (Outcome, error) {
	if cb.Type == TypeResync {
		return p.reset(ctx, sub, state, cb)
	}
	switch {
	case cb.Sequence <= state.LastSeq:
		awCallbacksProcessed.WithLabelValues("duplicate").Inc()
		return Outcome{Status: http.StatusNoContent}, nil
	case cb.Sequence == state.LastSeq+1:
		return p.advance(ctx, sub, state, cb)
	default:
		return p.gap(ctx, sub, state, cb)
	}
}

// reset applies a resync callback as a complete replacement and adopts its
// sequence, discarding any queued gap state.
func (p *Processor) reset(ctx context.Context, sub *store.Subscription, state *store.CallbackState, cb Callback) (Outcome, error) {
	if err := p.apply(ctx, sub, &cb); err != nil {
		return p.handlerFailure(sub, cb.Sequence, err)
	}
	state.LastSeq = cb.Sequence
	state.Pending = nil
	state.GapDeadline = time.Time{}
	state.ResyncPending = false
	if err := p.store.CompareAndSwapState(ctx, state); err != nil {
		return Outcome{}, err
	}
	awCallbacksProcessed.WithLabelValues("reset").Inc()
	return Outcome{Status: http.StatusNoContent, Applied: true}, nil
}

// advance handles the in-order case and drains any queued successors that
// became contiguous. The state write comes after every handler call.
func (p *Processor) advance(ctx context.Context, sub *store.Subscription, state *store.CallbackState, cb Callback) (Outcome, error) {
	if err := p.apply(ctx, sub, &cb); err != nil {
		return p.handlerFailure(sub, cb.Sequence, err)
	}
	state.LastSeq = cb.Sequence
	p.drain(ctx, sub, state)
	if len(state.Pending) == 0 {
		state.GapDeadline = time.Time{}
	}
	if err := p.store.CompareAndSwapState(ctx, state); err != nil {
		return Outcome{}, err
	}
	awCallbacksProcessed.WithLabelValues("applied").Inc()
	return Outcome{Status: http.StatusNoContent, Applied: true}, nil
}

// drain applies queued callbacks while they stay contiguous. A failing
// handler stops the drain; the entry stays queued and the gap deadline
// eventually forces a resync.
func (p *Processor) drain(ctx context.Context, sub *store.Subscription, state *store.CallbackState) {
	for len(state.Pending) > 0 {
		next := state.Pending[0]
		if next.Sequence <= state.LastSeq {
			state.Pending = state.Pending[1:]
			continue
		}
		if next.Sequence != state.LastSeq+1 {
			return
		}
		var queued Callback
		if err := json.Unmarshal(next.Payload, &queued); err != nil {
			p.logger.Warn("discarding undecodable queued callback",
				zap.String("subscription_id", sub.ID),
				zap.Int("sequence", next.Sequence),
				zap.Error(err))
			state.Pending = state.Pending[1:]
			continue
		}
		if err := p.apply(ctx, sub, &queued); err != nil {
			p.logger.Error("queued callback handler failed",
				zap.String("subscription_id", sub.ID),
				zap.Int("sequence", next.Sequence),
				zap.Error(err))
			return
		}
		state.LastSeq = next.Sequence
		state.Pending = state.Pending[1:]
	}
}

// gap parks an early arrival, or hands over to resync once the deadline
// has passed.
func (p *Processor) gap(ctx context.Context, sub *store.Subscription, state *store.CallbackState, cb Callback) (Outcome, error) {
	now := p.clock.Now()
	if !state.GapDeadline.IsZero() && !now.Before(state.GapDeadline) {
		return p.triggerResync(ctx, sub, state)
	}
	for _, pend := range state.Pending {
		if pend.Sequence == cb.Sequence {
			// Already parked, nothing new to record.
			return Outcome{Status: http.StatusAccepted}, nil
		}
	}
	if len(state.Pending) >= maxPending {
		awCallbacksProcessed.WithLabelValues("overflow").Inc()
		p.logger.Warn("pending queue full",
			zap.String("subscription_id", sub.ID),
			zap.Int("sequence", cb.Sequence))
		return Outcome{Status: http.StatusTooManyRequests}, nil
	}
	payload, err := json.Marshal(cb)
	if err != nil {
		return Outcome{}, err
	}
	state.Pending = append(state.Pending, store.PendingCallback{
		Sequence:   cb.Sequence,
		Payload:    payload,
		ReceivedAt: now,
	})
	sort.Slice(state.Pending, func(i, j int) bool {
		return state.Pending[i].Sequence < state.Pending[j].Sequence
	})
	if state.GapDeadline.IsZero() {
		state.GapDeadline = now.Add(gapTimeout)
	}
	if err := p.store.CompareAndSwapState(ctx, state); err != nil {
		return Outcome{}, err
	}
	awCallbacksProcessed.WithLabelValues("queued").Inc()
	return Outcome{Status: http.StatusAccepted}, nil
}

// triggerResync resets the state machine and synchronously re-establishes
// the subscription from the publisher's baseline.
func (p *Processor) triggerResync(ctx context.Context, sub *store.Subscription, state *store.CallbackState) (Outcome, error) {
	state.LastSeq = 0
	state.Pending = nil
	state.GapDeadline = time.Time{}
	state.ResyncPending = true
	if err := p.store.CompareAndSwapState(ctx, state); err != nil {
		return Outcome{}, err
	}
	awResyncs.Inc()
	if p.resync == nil {
		p.logger.Error("gap deadline expired but no resync handler is set",
			zap.String("subscription_id", sub.ID))
		return Outcome{Status: http.StatusBadGateway}, nil
	}
	if err := p.resync(ctx, sub.ActorID, sub.PeerID, sub.ID); err != nil {
		awCallbacksProcessed.WithLabelValues("resync_failed").Inc()
		p.logger.Error("resync failed",
			zap.String("subscription_id", sub.ID),
			zap.String("peer_id", sub.PeerID),
			zap.Error(err))
		return Outcome{Status: http.StatusBadGateway}, nil
	}
	awCallbacksProcessed.WithLabelValues("resynced").Inc()
	return Outcome{Status: http.StatusOK, Applied: true}, nil
}

// apply mirrors the callback data locally and runs the subscription hooks.
func (p *Processor) apply(ctx context.Context, sub *store.Subscription, cb *Callback) error {
	item := cb.Subtarget
	if item == "" {
		item = "_"
	}
	data := cb.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	if err := p.store.PutBucketItem(ctx, sub.ActorID, mirrorBucket(sub.PeerID, cb.Target), item, data); err != nil {
		return fmt.Errorf("mirror %s: %w", cb.Target, err)
	}
	return p.hooks.DispatchSubscription(ctx, hooks.ActorRef{ID: sub.ActorID}, hooks.SubscriptionEvent{
		PeerID:         sub.PeerID,
		SubscriptionID: sub.ID,
		Target:         cb.Target,
		Subtarget:      cb.Subtarget,
		Sequence:       cb.Sequence,
		Data:           cb.Data,
	})
}

func (p *Processor) handlerFailure(sub *store.Subscription, seq int, err error) (Outcome, error) {
	awCallbacksProcessed.WithLabelValues("handler_error").Inc()
	p.logger.Error("callback handler failed",
		zap.String("subscription_id", sub.ID),
		zap.Int("sequence", seq),
		zap.Error(err))
	return Outcome{Status: http.StatusInternalServerError}, nil
}

// mirrorBucket names the bucket holding the local copy of a peer resource.
func mirrorBucket(peerID, target string) string {
	return "peermirror:" + peerID + ":" + target
}

func casBackoff(retry int) time.Duration {
	base := time.Duration(10<<(retry-1)) * time.Millisecond
	return base + time.Duration(rand.Int63n(int64(5*time.Millisecond)))
}
