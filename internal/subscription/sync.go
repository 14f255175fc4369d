package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/peer"
	"github.com/actingweb/actingweb-go/internal/store"
)

// ErrPeerNotTrusted means the peer relationship is missing or not yet
// active, so no subscription traffic can flow.
var ErrPeerNotTrusted = errors.New("peer trust is not active")

// SyncClient is the remote half of the subscriber role.
type SyncClient interface {
	CreateSubscription(ctx context.Context, baseURI, selfID, secret string, req peer.SubscriptionRequest) (*store.Subscription, error)
	DeleteSubscription(ctx context.Context, baseURI, selfID, subID, secret string) error
	GetDiffs(ctx context.Context, baseURI, selfID, subID, secret string) (*peer.SubscriptionPage, error)
	ConfirmDiffs(ctx context.Context, baseURI, selfID, subID, secret string, sequence int) error
	GetResource(ctx context.Context, baseURI, target, subtarget, secret string) (json.RawMessage, error)
}

// Syncer drives the subscriber side: it establishes subscriptions on peers
// and pulls retained diffs to confirm or recover. The pull path doubles as
// the processor's resync handler.
type Syncer struct {
	store     store.Store
	peers     SyncClient
	processor *Processor
	logger    *zap.Logger
}

// NewSyncer creates the subscriber-side sync driver.
func NewSyncer(st store.Store, peers SyncClient, processor *Processor, logger *zap.Logger) *Syncer {
	return &Syncer{store: st, peers: peers, processor: processor, logger: logger}
}

// SubscribeToPeer establishes a subscription on the peer and records the
// local watch half under the peer-assigned ID.
func (s *Syncer) SubscribeToPeer(ctx context.Context, actorID, peerID string, req SubscribeRequest) (*store.Subscription, error) {
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

	tr, err := s.activeTrust(ctx, actorID, peerID)
	if err != nil {
		return nil, err
	}

	remote, err := s.peers.CreateSubscription(ctx, tr.BaseURI, actorID, tr.Secret, peer.SubscriptionRequest{
		Target:      req.Target,
		Subtarget:   req.Subtarget,
		Resource:    req.Resource,
		Granularity: g,
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to peer %s: %w", peerID, err)
	}

	local := &store.Subscription{
		ActorID:     actorID,
		ID:          remote.ID,
		PeerID:      peerID,
		Target:      req.Target,
		Subtarget:   req.Subtarget,
		Resource:    req.Resource,
		Granularity: g,
		Callback:    true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateSubscription(ctx, local); err != nil {
		if derr := s.peers.DeleteSubscription(ctx, tr.BaseURI, actorID, remote.ID, tr.Secret); derr != nil {
			s.logger.Warn("orphaned remote subscription",
				zap.String("peer_id", peerID),
				zap.String("subscription_id", remote.ID),
				zap.Error(derr))
		}
		return nil, err
	}
	if err := s.store.CreateState(ctx, &store.CallbackState{ActorID: actorID, SubscriptionID: local.ID}); err != nil && !errors.Is(err, store.ErrConflict) {
		return nil, err
	}
	s.logger.Info("subscribed to peer",
		zap.String("actor_id", actorID),
		zap.String("peer_id", peerID),
		zap.String("target", req.Target),
		zap.String("subscription_id", local.ID))
	return local, nil
}

// UnsubscribeFromPeer removes the remote subscription and the local watch
// record. The remote delete is best-effort when notifyPeer is set; the
// local record always goes.
func (s *Syncer) UnsubscribeFromPeer(ctx context.Context, actorID, peerID, subID string, notifyPeer bool) error {
	sub, err := s.store.GetSubscription(ctx, actorID, peerID, subID)
	if err != nil {
		return err
	}
	if !sub.Callback {
		return fmt.Errorf("subscription %s is not held against a peer: %w", subID, store.ErrNotFound)
	}
	if notifyPeer {
		tr, err := s.store.GetTrust(ctx, actorID, peerID)
		if err == nil && tr.BaseURI != "" {
			if err := s.peers.DeleteSubscription(ctx, tr.BaseURI, actorID, subID, tr.Secret); err != nil {
				s.logger.Warn("remote unsubscribe failed",
					zap.String("peer_id", peerID),
					zap.String("subscription_id", subID),
					zap.Error(err))
			}
		}
	}
	if err := s.store.DeleteState(ctx, actorID, subID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return s.store.DeleteSubscription(ctx, actorID, peerID, subID)
}

// SyncSubscription pulls the peer's retained diffs and runs each through
// the processor. When none of them can be applied (all pruned, or the gap
// persists) it falls back to the baseline: a full resource fetch adopting
// the publisher's current sequence. Applied work is confirmed back so the
// publisher can prune.
func (s *Syncer) SyncSubscription(ctx context.Context, actorID, peerID, subID string) error {
	sub, err := s.store.GetSubscription(ctx, actorID, peerID, subID)
	if err != nil {
		return err
	}
	if !sub.Callback {
		return fmt.Errorf("subscription %s is not held against a peer: %w", subID, store.ErrNotFound)
	}
	tr, err := s.activeTrust(ctx, actorID, peerID)
	if err != nil {
		return err
	}

	page, err := s.peers.GetDiffs(ctx, tr.BaseURI, actorID, subID, tr.Secret)
	if err != nil {
		return fmt.Errorf("pull diffs: %w", err)
	}
	diffs := page.Diffs
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Sequence < diffs[j].Sequence })

	applied := 0
	for _, d := range diffs {
		out, err := s.processor.Process(ctx, actorID, peerID, subID, Callback{
			ID:             peerID,
			SubscriptionID: subID,
			Sequence:       d.Sequence,
			Target:         d.Target,
			Subtarget:      d.Subtarget,
			Data:           d.Blob,
			Timestamp:      d.Timestamp,
		})
		if err != nil {
			return err
		}
		if out.Applied {
			applied++
		}
	}

	if applied == 0 {
		if err := s.baseline(ctx, sub, tr, page.Subscription); err != nil {
			return err
		}
	} else if err := s.mutateState(ctx, actorID, subID, func(st *store.CallbackState) {
		st.ResyncPending = false
	}); err != nil {
		return err
	}

	state, err := s.processor.state(ctx, actorID, subID)
	if err != nil {
		return err
	}
	if state.LastSeq > 0 {
		if err := s.peers.ConfirmDiffs(ctx, tr.BaseURI, actorID, subID, tr.Secret, state.LastSeq); err != nil {
			s.logger.Warn("diff confirmation failed",
				zap.String("peer_id", peerID),
				zap.String("subscription_id", subID),
				zap.Error(err))
		}
	}
	s.logger.Info("subscription synced",
		zap.String("actor_id", actorID),
		zap.String("peer_id", peerID),
		zap.String("subscription_id", subID),
		zap.Int("applied", applied),
		zap.Int("last_seq", state.LastSeq))
	return nil
}

// baseline replaces the local mirror with the publisher's current value and
// adopts its sequence. Anything the pruned diffs would have told us is
// already folded into that value.
func (s *Syncer) baseline(ctx context.Context, sub *store.Subscription, tr *store.Trust, remote *store.Subscription) error {
	blob, err := s.peers.GetResource(ctx, tr.BaseURI, sub.Target, sub.Subtarget, tr.Secret)
	if err != nil {
		return fmt.Errorf("baseline fetch: %w", err)
	}
	seq := 0
	if remote != nil {
		seq = remote.Sequence
	}
	cb := Callback{
		ID:             sub.PeerID,
		SubscriptionID: sub.ID,
		Sequence:       seq,
		Target:         sub.Target,
		Subtarget:      sub.Subtarget,
		Data:           blob,
		Timestamp:      time.Now().UTC(),
		Type:           TypeResync,
	}
	if err := s.processor.apply(ctx, sub, &cb); err != nil {
		return err
	}
	if err := s.mutateState(ctx, sub.ActorID, sub.ID, func(st *store.CallbackState) {
		st.LastSeq = seq
		st.Pending = nil
		st.GapDeadline = time.Time{}
		st.ResyncPending = false
	}); err != nil {
		return err
	}
	s.logger.Info("baseline adopted",
		zap.String("actor_id", sub.ActorID),
		zap.String("subscription_id", sub.ID),
		zap.Int("sequence", seq))
	return nil
}

// mutateState applies fn to the processor state under optimistic
// concurrency, retrying version conflicts.
func (s *Syncer) mutateState(ctx context.Context, actorID, subID string, fn func(*store.CallbackState)) error {
	for attempt := 1; attempt <= casAttempts; attempt++ {
		if attempt > 1 {
			s.processor.clock.Sleep(casBackoff(attempt - 1))
		}
		state, err := s.processor.state(ctx, actorID, subID)
		if err != nil {
			return err
		}
		fn(state)
		err = s.store.CompareAndSwapState(ctx, state)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("state for subscription %s: %w", subID, store.ErrConflict)
}

func (s *Syncer) activeTrust(ctx context.Context, actorID, peerID string) (*store.Trust, error) {
	tr, err := s.store.GetTrust(ctx, actorID, peerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrPeerNotTrusted
		}
		return nil, err
	}
	if !tr.Active() || tr.BaseURI == "" {
		return nil, ErrPeerNotTrusted
	}
	return tr, nil
}
