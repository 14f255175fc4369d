// Package hooks is the application extension point of the engine. An
// application registers functions against property names, method names,
// action names, callback names and lifecycle events at wiring time; the
// engine dispatches into the table at request time. Registration is not
// safe once serving has started, dispatch is lock-free.
package hooks

import (
	"context"
	"encoding/json"
	"sort"

	"go.uber.org/zap"
)

// Wildcard registers a hook for every name of its kind. Wildcard hooks run
// after name-specific ones.
const Wildcard = "*"

// Op is the access kind a property hook is consulted for.
type Op string

const (
	OpGet    Op = "get"
	OpPut    Op = "put"
	OpPost   Op = "post"
	OpDelete Op = "delete"
)

// Event is a lifecycle transition fanned out to lifecycle hooks.
type Event string

const (
	EventActorCreated      Event = "actor_created"
	EventActorDeleted      Event = "actor_deleted"
	EventOAuthSuccess      Event = "oauth_success"
	EventTrustApproved     Event = "trust_approved"
	EventTrustDeleted      Event = "trust_deleted"
	EventEmailVerification Event = "email_verification_required"
	EventEmailVerified     Event = "email_verified"
)

// ActorRef identifies the actor a hook fires for.
type ActorRef struct {
	ID      string
	Creator string
}

// SubscriptionEvent carries one remote change into subscription hooks.
type SubscriptionEvent struct {
	PeerID         string
	SubscriptionID string
	Target         string
	Subtarget      string
	Sequence       int
	Data           json.RawMessage
}

// PropertyFunc transforms or vetoes a property access. The returned value
// replaces the current one and feeds the next hook in the chain. Returning
// ok=false rejects the access: writes and deletes fail, reads hide the
// property.
type PropertyFunc func(ctx context.Context, actor ActorRef, path []string, op Op, value json.RawMessage) (json.RawMessage, bool)

// MethodFunc handles an RPC-style method call. Returning ok=false passes
// the call to the next registered hook.
type MethodFunc func(ctx context.Context, actor ActorRef, name string, params json.RawMessage) (json.RawMessage, bool)

// ActionFunc handles a fire-and-forget action trigger.
type ActionFunc func(ctx context.Context, actor ActorRef, name string, params json.RawMessage) (json.RawMessage, bool)

// CallbackFunc handles an application callback POST. Returning handled=false
// passes the callback on; an error aborts the dispatch.
type CallbackFunc func(ctx context.Context, actor ActorRef, name string, payload json.RawMessage) (bool, error)

// SubscriptionFunc consumes remote subscription data. An error marks the
// delivery as failed so it will be retried or resynced, never skipped.
type SubscriptionFunc func(ctx context.Context, actor ActorRef, ev SubscriptionEvent) error

// LifecycleFunc observes a lifecycle event.
type LifecycleFunc func(ctx context.Context, actor ActorRef, event Event, data json.RawMessage)

// Registry is the dispatch table. The zero value is not usable; call
// NewRegistry.
type Registry struct {
	logger        *zap.Logger
	properties    map[string][]PropertyFunc
	methods       map[string][]MethodFunc
	actions       map[string][]ActionFunc
	callbacks     map[string][]CallbackFunc
	subscriptions []SubscriptionFunc
	lifecycle     map[Event][]LifecycleFunc
}

// NewRegistry creates an empty dispatch table.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:     logger,
		properties: make(map[string][]PropertyFunc),
		methods:    make(map[string][]MethodFunc),
		actions:    make(map[string][]ActionFunc),
		callbacks:  make(map[string][]CallbackFunc),
		lifecycle:  make(map[Event][]LifecycleFunc),
	}
}

// RegisterProperty registers a hook for the named top-level property, or
// for all properties with Wildcard.
func (r *Registry) RegisterProperty(name string, fn PropertyFunc) {
	r.properties[name] = append(r.properties[name], fn)
}

// RegisterMethod registers a handler for the named method.
func (r *Registry) RegisterMethod(name string, fn MethodFunc) {
	r.methods[name] = append(r.methods[name], fn)
}

// RegisterAction registers a handler for the named action.
func (r *Registry) RegisterAction(name string, fn ActionFunc) {
	r.actions[name] = append(r.actions[name], fn)
}

// RegisterCallback registers a handler for the named application callback.
func (r *Registry) RegisterCallback(name string, fn CallbackFunc) {
	r.callbacks[name] = append(r.callbacks[name], fn)
}

// RegisterSubscription registers a consumer for remote subscription data.
func (r *Registry) RegisterSubscription(fn SubscriptionFunc) {
	r.subscriptions = append(r.subscriptions, fn)
}

// RegisterLifecycle registers an observer for the given event.
func (r *Registry) RegisterLifecycle(event Event, fn LifecycleFunc) {
	r.lifecycle[event] = append(r.lifecycle[event], fn)
}

// chain returns the hooks for name: specific registrations first, then
// wildcard ones, each group in registration order.
func chain[T any](m map[string][]T, name string) []T {
	specific := m[name]
	wild := m[Wildcard]
	if len(wild) == 0 {
		return specific
	}
	out := make([]T, 0, len(specific)+len(wild))
	out = append(out, specific...)
	return append(out, wild...)
}

// DispatchProperty runs the property chain for path[0]. With no hooks
// registered the value passes through untouched.
func (r *Registry) DispatchProperty(ctx context.Context, actor ActorRef, path []string, op Op, value json.RawMessage) (json.RawMessage, bool) {
	if len(path) == 0 {
		return value, true
	}
	for _, fn := range chain(r.properties, path[0]) {
		var ok bool
		if value, ok = fn(ctx, actor, path, op, value); !ok {
			return nil, false
		}
	}
	return value, true
}

// DispatchMethod runs method hooks until one handles the call.
func (r *Registry) DispatchMethod(ctx context.Context, actor ActorRef, name string, params json.RawMessage) (json.RawMessage, bool) {
	for _, fn := range chain(r.methods, name) {
		if result, ok := fn(ctx, actor, name, params); ok {
			return result, true
		}
	}
	return nil, false
}

// DispatchAction runs action hooks until one handles the trigger.
func (r *Registry) DispatchAction(ctx context.Context, actor ActorRef, name string, params json.RawMessage) (json.RawMessage, bool) {
	for _, fn := range chain(r.actions, name) {
		if result, ok := fn(ctx, actor, name, params); ok {
			return result, true
		}
	}
	return nil, false
}

// DispatchCallback runs callback hooks until one handles the payload.
func (r *Registry) DispatchCallback(ctx context.Context, actor ActorRef, name string, payload json.RawMessage) (bool, error) {
	for _, fn := range chain(r.callbacks, name) {
		handled, err := fn(ctx, actor, name, payload)
		if err != nil {
			return false, err
		}
		if handled {
			return true, nil
		}
	}
	return false, nil
}

// DispatchSubscription feeds one remote change to every subscription hook.
// The first error aborts and is returned so the caller can refuse to
// advance the applied sequence.
func (r *Registry) DispatchSubscription(ctx context.Context, actor ActorRef, ev SubscriptionEvent) error {
	for _, fn := range r.subscriptions {
		if err := fn(ctx, actor, ev); err != nil {
			return err
		}
	}
	return nil
}

// DispatchLifecycle fans the event out to all registered observers.
func (r *Registry) DispatchLifecycle(ctx context.Context, actor ActorRef, event Event, data json.RawMessage) {
	for _, fn := range r.lifecycle[event] {
		fn(ctx, actor, event, data)
	}
	r.logger.Debug("lifecycle event dispatched",
		zap.String("actor_id", actor.ID),
		zap.String("event", string(event)),
		zap.Int("hooks", len(r.lifecycle[event])),
	)
}

// MethodNames returns the registered method names, sorted, without the
// wildcard entry.
func (r *Registry) MethodNames() []string {
	return names(r.methods)
}

// ActionNames returns the registered action names, sorted, without the
// wildcard entry.
func (r *Registry) ActionNames() []string {
	return names(r.actions)
}

func names[T any](m map[string][]T) []string {
	out := make([]string, 0, len(m))
	for name := range m {
		if name == Wildcard {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
