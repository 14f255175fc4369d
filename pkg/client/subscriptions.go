package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Subscription mirrors one subscription record. Callback reports the
// delivery mode: true for push to the subscriber's callback endpoint,
// false for pull via GetDiffs.
type Subscription struct {
	ID          string    `json:"subscriptionid"`
	PeerID      string    `json:"peerid"`
	Target      string    `json:"target"`
	Subtarget   string    `json:"subtarget,omitempty"`
	Resource    string    `json:"resource,omitempty"`
	Granularity string    `json:"granularity"`
	Sequence    int       `json:"sequence"`
	Callback    bool      `json:"callback"`
	CreatedAt   time.Time `json:"created_at"`
}

// Diff is one queued change notification. Data carries the payload at
// the subscription's granularity; empty for "none".
type Diff struct {
	SubscriptionID string          `json:"subscriptionid"`
	Sequence       int             `json:"sequence"`
	Target         string          `json:"target"`
	Subtarget      string          `json:"subtarget,omitempty"`
	Data           json.RawMessage `json:"data"`
	Timestamp      time.Time       `json:"timestamp"`
}

// SubscriptionRequest describes what to watch on the remote peer.
// Target is required ("properties", "meta", ...); Subtarget and
// Resource narrow the watch; Granularity is "high", "low" or "none"
// (default "high").
type SubscriptionRequest struct {
	Target      string `json:"target"`
	Subtarget   string `json:"subtarget,omitempty"`
	Resource    string `json:"resource,omitempty"`
	Granularity string `json:"granularity,omitempty"`
}

type subscriptionEnvelope struct {
	Subscription Subscription `json:"subscription"`
	URL          string       `json:"url"`
}

// SubscribeToPeer establishes a watch on a trusted peer: the engine
// creates the remote subscription and records the local half. The
// relationship must already be active.
func (c *Client) SubscribeToPeer(ctx context.Context, actorID, peerID string, sr SubscriptionRequest) (*Subscription, error) {
	payload, err := json.Marshal(map[string]string{
		"peer":        peerID,
		"target":      sr.Target,
		"subtarget":   sr.Subtarget,
		"resource":    sr.Resource,
		"granularity": sr.Granularity,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.actorURL(actorID)+"/subscriptions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var env subscriptionEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &env.Subscription, nil
}

// ListSubscriptions returns every subscription of the actor, both the
// watches it holds on peers and the peers watching it.
func (c *Client) ListSubscriptions(ctx context.Context, actorID string) ([]Subscription, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.actorURL(actorID)+"/subscriptions", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var resp struct {
		ID   string         `json:"id"`
		Data []Subscription `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return resp.Data, nil
}

// GetDiffs fetches the subscription together with its queued diffs in
// ascending sequence order. This is the pull half of the sync protocol;
// follow up with ConfirmDiffs so the publisher can prune.
func (c *Client) GetDiffs(ctx context.Context, actorID, peerID, subID string) (*Subscription, []Diff, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.subscriptionURL(actorID, peerID, subID), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, nil, err
	}

	var resp struct {
		Subscription Subscription `json:"subscription"`
		Diffs        []Diff       `json:"diffs"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp.Subscription, resp.Diffs, nil
}

// ConfirmDiffs acknowledges every diff up to and including sequence,
// allowing the publisher to prune them. Confirming is the only way
// diffs leave the queue.
func (c *Client) ConfirmDiffs(ctx context.Context, actorID, peerID, subID string, sequence int) error {
	payload, err := json.Marshal(map[string]int{"sequence": sequence})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.subscriptionURL(actorID, peerID, subID), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	_, err = c.do(req)
	return err
}

// DeleteSubscription removes the subscription. When the actor owns a
// watch on a peer, the remote half is unsubscribed too.
func (c *Client) DeleteSubscription(ctx context.Context, actorID, peerID, subID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.subscriptionURL(actorID, peerID, subID), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	_, err = c.do(req)
	return err
}

func (c *Client) subscriptionURL(actorID, peerID, subID string) string {
	return c.actorURL(actorID) + "/subscriptions/" + peerID + "/" + subID
}
