// Package subscription implements both halves of the data-sync protocol:
// the publisher side (diff registration, suspension masks, callback
// fan-out with per-peer circuit breakers) and the subscriber side (the
// callback processor state machine and pull sync with baseline fallback).
package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/store"
	"github.com/actingweb/actingweb-go/internal/trust"
)

const targetProperties = "properties"

// capResync is the capability keyword a peer advertises when its callback
// processor understands resync callbacks.
const capResync = "resync"

// Dispatcher accepts fan-out work. Fanout implements it; tests stub it.
type Dispatcher interface {
	Enqueue(t Task)
}

// SubscribeRequest is the body of an inbound subscription creation.
type SubscribeRequest struct {
	Target      string `json:"target"`
	Subtarget   string `json:"subtarget,omitempty"`
	Resource    string `json:"resource,omitempty"`
	Granularity string `json:"granularity,omitempty"`
}

type suspendKey struct {
	actorID, target, subtarget string
}

// suspendEntry tracks which subscriptions were silenced while the mask was
// up, so Resume can signal each exactly once.
type suspendEntry struct {
	affected map[string]string // subscription ID -> peer ID
}

// Engine is the publisher half: it owns inbound subscriptions, turns
// property mutations into stored diffs filtered by the subscriber's
// permissions, and hands delivery work to the dispatcher.
type Engine struct {
	store     store.Store
	evaluator *trust.Evaluator
	dispatch  Dispatcher
	caps      *Capabilities
	baseURL   string
	logger    *zap.Logger

	mu        sync.Mutex
	suspended map[suspendKey]*suspendEntry
}

// NewEngine wires the publisher engine. baseURL is this server's external
// root, used in resource URLs handed to low-granularity subscribers.
func NewEngine(st store.Store, evaluator *trust.Evaluator, dispatch Dispatcher, caps *Capabilities, baseURL string, logger *zap.Logger) *Engine {
	return &Engine{
		store:     st,
		evaluator: evaluator,
		dispatch:  dispatch,
		caps:      caps,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
		suspended: make(map[suspendKey]*suspendEntry),
	}
}

// Subscribe records an inbound subscription: peerID watches actorID.
// Granularity defaults to high.
func (e *Engine) Subscribe(ctx context.Context, actorID, peerID string, req SubscribeRequest) (*store.Subscription, error) {
	if req.Target == "" {
		return nil, fmt.Errorf("subscription target is required")
	}
	g := req.Granularity
	if g == "" {
		g = store.GranularityHigh
	}
	switch g {
	case store.GranularityHigh, store.GranularityLow, store.GranularityNone:
	default:
		return nil, fmt.Errorf("invalid granularity %q", g)
	}

	sub := &store.Subscription{
		ActorID:     actorID,
		ID:          strings.ReplaceAll(uuid.NewString(), "-", ""),
		PeerID:      peerID,
		Target:      req.Target,
		Subtarget:   req.Subtarget,
		Resource:    req.Resource,
		Granularity: g,
		Callback:    false,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	e.logger.Info("subscription created",
		zap.String("actor_id", actorID),
		zap.String("peer_id", peerID),
		zap.String("target", req.Target),
		zap.String("subscription_id", sub.ID))
	return sub, nil
}

// Get returns the subscription owned by (actorID, peerID).
func (e *Engine) Get(ctx context.Context, actorID, peerID, subID string) (*store.Subscription, error) {
	return e.store.GetSubscription(ctx, actorID, peerID, subID)
}

// List returns the actor's subscriptions, optionally filtered.
func (e *Engine) List(ctx context.Context, actorID string, f store.SubscriptionFilter) ([]*store.Subscription, error) {
	return e.store.ListSubscriptions(ctx, actorID, f)
}

// Delete removes a subscription along with its diffs and processor state.
func (e *Engine) Delete(ctx context.Context, actorID, peerID, subID string) error {
	return e.store.DeleteSubscription(ctx, actorID, peerID, subID)
}

// Diffs returns a subscription and its retained diffs for the pull-sync
// GET.
func (e *Engine) Diffs(ctx context.Context, actorID, peerID, subID string) (*store.Subscription, []*store.Diff, error) {
	sub, err := e.store.GetSubscription(ctx, actorID, peerID, subID)
	if err != nil {
		return nil, nil, err
	}
	diffs, err := e.store.GetDiffs(ctx, actorID, subID, 0)
	if err != nil {
		return nil, nil, err
	}
	return sub, diffs, nil
}

// Confirm prunes diffs up to and including seq, after the subscriber
// acknowledged them.
func (e *Engine) Confirm(ctx context.Context, actorID, peerID, subID string, seq int) error {
	if _, err := e.store.GetSubscription(ctx, actorID, peerID, subID); err != nil {
		return err
	}
	return e.store.PruneDiffs(ctx, actorID, subID, seq)
}

// RegisterDiff fans a mutation out to every matching inbound subscription
// whose peer is permitted to see the affected path. Suspended targets
// record the affected subscriptions for the later Resume signal instead.
func (e *Engine) RegisterDiff(ctx context.Context, actorID, target, subtarget string, blob json.RawMessage) error {
	inbound := false
	subs, err := e.store.ListSubscriptions(ctx, actorID, store.SubscriptionFilter{Target: target, Callback: &inbound})
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	matching := subs[:0]
	for _, sub := range subs {
		if sub.Subtarget == "" || sub.Subtarget == subtarget {
			matching = append(matching, sub)
		}
	}
	if len(matching) == 0 {
		return nil
	}

	if entry := e.suspendMatch(actorID, target, subtarget); entry != nil {
		e.mu.Lock()
		for _, sub := range matching {
			entry.affected[sub.ID] = sub.PeerID
		}
		e.mu.Unlock()
		return nil
	}

	for _, sub := range matching {
		if !e.permitted(ctx, actorID, sub, subtarget) {
			continue
		}
		diff, err := e.store.AddDiff(ctx, actorID, sub.ID, target, subtarget, blob)
		if err != nil {
			e.logger.Error("diff append failed",
				zap.String("actor_id", actorID),
				zap.String("subscription_id", sub.ID),
				zap.Error(err))
			continue
		}
		awDiffsRegistered.Inc()
		if sub.Granularity == store.GranularityNone {
			continue
		}
		e.dispatch.Enqueue(Task{
			ActorID:      actorID,
			Subscription: sub,
			Diff:         diff,
			Kind:         TaskDiff,
			ResourceURL:  e.resourceURL(actorID, target, subtarget),
		})
	}
	return nil
}

// permitted checks the subscriber's active permissions on the affected
// path. Missing or inactive trusts deny.
func (e *Engine) permitted(ctx context.Context, actorID string, sub *store.Subscription, subtarget string) bool {
	t, err := e.store.GetTrust(ctx, actorID, sub.PeerID)
	if err != nil {
		e.logger.Debug("no trust for subscriber, diff withheld",
			zap.String("actor_id", actorID), zap.String("peer_id", sub.PeerID))
		return false
	}
	if !t.Active() {
		return false
	}
	path := subtarget
	if path == "" {
		path = "*"
	}
	d, err := e.evaluator.Evaluate(ctx, t, categoryFor(sub.Target), path, trust.OpSubscribe)
	if err != nil {
		e.logger.Warn("permission evaluation failed, diff withheld",
			zap.String("actor_id", actorID), zap.String("peer_id", sub.PeerID), zap.Error(err))
		return false
	}
	return d.Allowed
}

func categoryFor(target string) trust.Category {
	if target == targetProperties {
		return trust.CategoryProperties
	}
	return trust.CategoryResources
}

// Suspend masks (target, subtarget) so bulk changes register no diffs. An
// empty subtarget masks the whole target.
func (e *Engine) Suspend(actorID, target, subtarget string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := suspendKey{actorID, target, subtarget}
	if _, ok := e.suspended[key]; !ok {
		e.suspended[key] = &suspendEntry{affected: make(map[string]string)}
	}
}

func (e *Engine) suspendMatch(actorID, target, subtarget string) *suspendEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	if entry, ok := e.suspended[suspendKey{actorID, target, subtarget}]; ok {
		return entry
	}
	if subtarget != "" {
		if entry, ok := e.suspended[suspendKey{actorID, target, ""}]; ok {
			return entry
		}
	}
	return nil
}

// Resume lifts the mask and emits one terminal signal per affected
// subscription: a resync callback when the peer's advertised capabilities
// include it, a low-granularity notification otherwise.
func (e *Engine) Resume(ctx context.Context, actorID, target, subtarget string) error {
	e.mu.Lock()
	entry, ok := e.suspended[suspendKey{actorID, target, subtarget}]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	delete(e.suspended, suspendKey{actorID, target, subtarget})
	affected := entry.affected
	e.mu.Unlock()

	blob := e.currentValue(ctx, actorID, target, subtarget)
	url := e.resourceURL(actorID, target, subtarget)

	for subID, peerID := range affected {
		sub, err := e.store.GetSubscription(ctx, actorID, peerID, subID)
		if err != nil {
			continue
		}
		if !e.permitted(ctx, actorID, sub, subtarget) {
			continue
		}
		diff, err := e.store.AddDiff(ctx, actorID, sub.ID, target, subtarget, blob)
		if err != nil {
			e.logger.Error("resume diff append failed",
				zap.String("actor_id", actorID),
				zap.String("subscription_id", sub.ID),
				zap.Error(err))
			continue
		}
		awDiffsRegistered.Inc()
		if sub.Granularity == store.GranularityNone {
			continue
		}

		kind := TaskNotify
		if t, err := e.store.GetTrust(ctx, actorID, sub.PeerID); err == nil && t.BaseURI != "" {
			if err := e.caps.EnsureLoaded(ctx, sub.PeerID, t.BaseURI); err != nil {
				e.logger.Debug("peer capability fetch failed",
					zap.String("peer_id", sub.PeerID), zap.Error(err))
			}
			if e.caps.Supports(sub.PeerID, capResync) {
				kind = TaskResync
			}
		}
		e.dispatch.Enqueue(Task{
			ActorID:      actorID,
			Subscription: sub,
			Diff:         diff,
			Kind:         kind,
			ResourceURL:  url,
		})
	}
	return nil
}

// currentValue snapshots the masked target for the resume diff.
func (e *Engine) currentValue(ctx context.Context, actorID, target, subtarget string) json.RawMessage {
	if target != targetProperties {
		return json.RawMessage("null")
	}
	if subtarget != "" {
		v, err := e.store.GetProperty(ctx, actorID, subtarget)
		if err != nil {
			return json.RawMessage("null")
		}
		return v
	}
	all, err := e.store.ListProperties(ctx, actorID)
	if err != nil {
		return json.RawMessage("null")
	}
	out, err := json.Marshal(all)
	if err != nil {
		return json.RawMessage("null")
	}
	return out
}

func (e *Engine) resourceURL(actorID, target, subtarget string) string {
	url := e.baseURL + "/" + actorID + "/" + target
	if subtarget != "" {
		url += "/" + subtarget
	}
	return url
}
