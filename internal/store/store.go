// Package store defines the persistence contract for the ActingWeb engine.
//
// Every record is scoped to an owning actor, and every query carries the
// owning actor's ID; records belonging to a different actor are simply not
// found. Two implementations of the Store interface are provided:
//   - MemoryStore: in-process, for testing and development.
//   - PostgresStore: durable, for production use.
//
// Callback processor state supports optimistic concurrency: readers receive
// a version, and CompareAndSwapState persists only when the stored version
// still matches. Subscription sequence numbers are assigned atomically by
// the backend so concurrent writers can never mint the same sequence.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrNotFound is returned when the requested record does not exist
	// under the given actor.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a create hits an existing record or a
	// compare-and-swap loses against a concurrent writer.
	ErrConflict = errors.New("version conflict")

	// ErrUnavailable is returned when the backend cannot be reached.
	ErrUnavailable = errors.New("storage unavailable")
)

// ActorStore persists actor identity records.
type ActorStore interface {
	// CreateActor inserts a new actor. ErrConflict if the ID is taken.
	CreateActor(ctx context.Context, a *Actor) error

	GetActor(ctx context.Context, actorID string) (*Actor, error)

	// GetActorByCreator returns the oldest actor registered with the given
	// creator identity, or ErrNotFound.
	GetActorByCreator(ctx context.Context, creator string) (*Actor, error)

	// DeleteActor removes the actor and cascades to its properties, trusts,
	// subscriptions, diffs, processor state and bucket items.
	DeleteActor(ctx context.Context, actorID string) error
}

// PropertyStore persists top-level actor properties. Values are opaque JSON
// documents; navigation into nested paths happens above this layer.
// List-typed properties hold a JSON array of ListItem and are mutated at
// item granularity so concurrent item operations never clobber each other.
type PropertyStore interface {
	GetProperty(ctx context.Context, actorID, name string) (json.RawMessage, error)
	SetProperty(ctx context.Context, actorID, name string, value json.RawMessage) error
	DeleteProperty(ctx context.Context, actorID, name string) error
	ListProperties(ctx context.Context, actorID string) (map[string]json.RawMessage, error)

	// ListAppend appends an item to a list property, creating the property
	// as an empty list first if it does not exist. ErrConflict if the
	// property exists with a non-list value.
	ListAppend(ctx context.Context, actorID, name string, item ListItem) error

	// ListUpdate replaces the data of an existing item. ErrNotFound if the
	// property or the item does not exist.
	ListUpdate(ctx context.Context, actorID, name, itemID string, data json.RawMessage) error

	// ListDelete removes an item. ErrNotFound if the property or the item
	// does not exist.
	ListDelete(ctx context.Context, actorID, name, itemID string) error
}

// TrustStore persists trust relationships keyed by (actor, peer).
type TrustStore interface {
	// CreateTrust inserts a new relationship. ErrConflict if one already
	// exists for the peer.
	CreateTrust(ctx context.Context, t *Trust) error

	GetTrust(ctx context.Context, actorID, peerID string) (*Trust, error)

	// GetTrustBySecret resolves a bearer secret to the relationship it
	// belongs to, scoped to the actor being accessed.
	GetTrustBySecret(ctx context.Context, actorID, secret string) (*Trust, error)

	ListTrusts(ctx context.Context, actorID string) ([]*Trust, error)
	UpdateTrust(ctx context.Context, t *Trust) error
	DeleteTrust(ctx context.Context, actorID, peerID string) error
}

// SubscriptionFilter narrows ListSubscriptions. Zero fields match anything.
type SubscriptionFilter struct {
	PeerID    string
	Target    string
	Subtarget string
	Callback  *bool
}

// SubscriptionStore persists subscriptions and their diff queues.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, s *Subscription) error
	GetSubscription(ctx context.Context, actorID, peerID, subID string) (*Subscription, error)
	ListSubscriptions(ctx context.Context, actorID string, f SubscriptionFilter) ([]*Subscription, error)

	// DeleteSubscription removes the subscription together with its queued
	// diffs and any processor state.
	DeleteSubscription(ctx context.Context, actorID, peerID, subID string) error

	// IncreaseSeq atomically increments the subscription's sequence counter
	// and returns the new value.
	IncreaseSeq(ctx context.Context, actorID, subID string) (int, error)

	// AddDiff atomically assigns the next sequence number and appends a
	// diff to the subscription's queue, returning the stored diff.
	AddDiff(ctx context.Context, actorID, subID, target, subtarget string, blob json.RawMessage) (*Diff, error)

	// GetDiffs returns queued diffs with sequence > sinceSeq in ascending
	// sequence order.
	GetDiffs(ctx context.Context, actorID, subID string, sinceSeq int) ([]*Diff, error)

	// PruneDiffs removes queued diffs with sequence <= upToSeq.
	PruneDiffs(ctx context.Context, actorID, subID string, upToSeq int) error
}

// BucketStore persists attribute buckets: internal framework state that is
// never exposed through the property surface.
type BucketStore interface {
	PutBucketItem(ctx context.Context, actorID, bucket, name string, data json.RawMessage) error
	GetBucketItem(ctx context.Context, actorID, bucket, name string) (*BucketItem, error)
	ListBucket(ctx context.Context, actorID, bucket string) ([]*BucketItem, error)
	DeleteBucketItem(ctx context.Context, actorID, bucket, name string) error
	DeleteBucket(ctx context.Context, actorID, bucket string) error
}

// StateStore persists callback processor state with optimistic concurrency.
type StateStore interface {
	// CreateState inserts the initial processor state for a subscription
	// with version 1. ErrConflict if state already exists.
	CreateState(ctx context.Context, s *CallbackState) error

	GetState(ctx context.Context, actorID, subID string) (*CallbackState, error)

	// CompareAndSwapState persists s only if the stored version equals
	// s.Version, bumping the version on success (reflected in s).
	// ErrConflict if a concurrent writer got there first.
	CompareAndSwapState(ctx context.Context, s *CallbackState) error

	DeleteState(ctx context.Context, actorID, subID string) error
}

// Store is the complete persistence surface consumed by the engine.
type Store interface {
	ActorStore
	PropertyStore
	TrustStore
	SubscriptionStore
	BucketStore
	StateStore

	Close()
}
