package store

import (
	"encoding/json"
	"time"
)

// Reserved actor IDs used as namespaces for framework-owned bucket data.
// They never correspond to actor records.
const (
	SystemActorID = "_actingweb_system"
	OAuth2ActorID = "_actingweb_oauth2"
)

// Subscription granularities.
const (
	GranularityHigh = "high" // full diff payload in every callback
	GranularityLow  = "low"  // sequence-only nudge, peer pulls the diff
	GranularityNone = "none" // no callbacks, peer polls
)

// Actor is a single addressable entity. Only the bcrypt hash of the
// passphrase is ever stored.
type Actor struct {
	ID             string    `json:"id"`
	Creator        string    `json:"creator"`
	PassphraseHash string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// ListItem is one element of a list-typed property.
type ListItem struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// Trust is one side of a relationship between two actors. A relationship is
// active only when approved, peer-approved and verified.
type Trust struct {
	ActorID        string    `json:"-"`
	PeerID         string    `json:"peerid"`
	BaseURI        string    `json:"baseuri"`
	Relationship   string    `json:"relationship"`
	PeerIdentifier string    `json:"peer_identifier,omitempty"`
	Secret         string    `json:"secret,omitempty"`
	VerifyToken    string    `json:"verification_token,omitempty"`
	Approved       bool      `json:"approved"`
	PeerApproved   bool      `json:"peer_approved"`
	Verified       bool      `json:"verified"`
	Desc           string    `json:"desc,omitempty"`
	EstablishedVia string    `json:"established_via,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessed   time.Time `json:"last_accessed,omitempty"`
}

// Active reports whether the relationship grants access.
func (t *Trust) Active() bool {
	return t.Approved && t.PeerApproved && t.Verified
}

// Subscription registers interest in changes under a target/subtarget.
// Callback is true for outbound subscriptions (this actor watches the peer
// and receives callbacks) and false for inbound ones (the peer watches this
// actor, so diffs accumulate here).
type Subscription struct {
	ActorID     string    `json:"-"`
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

// Diff is one queued change on an inbound subscription.
type Diff struct {
	ActorID        string          `json:"-"`
	SubscriptionID string          `json:"subscriptionid"`
	Sequence       int             `json:"sequence"`
	Target         string          `json:"target"`
	Subtarget      string          `json:"subtarget,omitempty"`
	Blob           json.RawMessage `json:"data"`
	Timestamp      time.Time       `json:"timestamp"`
}

// BucketItem is one entry of an attribute bucket.
type BucketItem struct {
	ActorID   string          `json:"-"`
	Bucket    string          `json:"-"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// PendingCallback is an out-of-order callback parked until the gap below it
// fills or times out.
type PendingCallback struct {
	Sequence   int             `json:"sequence"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// CallbackState is the processor state for one outbound subscription.
// LastSeq is the highest sequence whose handler completed successfully.
// A zero GapDeadline means no gap window is open.
type CallbackState struct {
	ActorID        string            `json:"-"`
	SubscriptionID string            `json:"subscriptionid"`
	LastSeq        int               `json:"last_seq"`
	Pending        []PendingCallback `json:"pending,omitempty"`
	GapDeadline    time.Time         `json:"gap_deadline,omitempty"`
	ResyncPending  bool              `json:"resync_pending,omitempty"`
	Version        int64             `json:"-"`
}
