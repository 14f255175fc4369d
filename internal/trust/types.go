// Package trust manages trust types, trust relationships between actors,
// permission overrides and the permission evaluator that gates every
// peer-facing operation.
package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/store"
)

// typesBucket is the system bucket holding custom trust types.
const typesBucket = "trust:types"

// Category names the six permission dimensions of a trust type.
type Category string

const (
	CategoryProperties Category = "properties"
	CategoryMethods    Category = "methods"
	CategoryActions    Category = "actions"
	CategoryTools      Category = "tools"
	CategoryResources  Category = "resources"
	CategoryPrompts    Category = "prompts"
)

// Operations on properties and resources. Other categories gate existence
// only and ignore the operation.
const (
	OpRead      = "read"
	OpWrite     = "write"
	OpDelete    = "delete"
	OpSubscribe = "subscribe"
)

// CategoryRule is the permission rule for one category. Patterns and
// Allowed both grant; Denied and ExcludedPatterns both revoke and always
// win. Operations constrains what a granted match may do on properties and
// resources; empty means read-only.
type CategoryRule struct {
	Patterns         []string `json:"patterns,omitempty"`
	Allowed          []string `json:"allowed,omitempty"`
	Denied           []string `json:"denied,omitempty"`
	ExcludedPatterns []string `json:"excluded_patterns,omitempty"`
	Operations       []string `json:"operations,omitempty"`
}

// PermissionSet covers all six categories. A nil category inherits (for
// overrides) or grants nothing (for base types).
type PermissionSet struct {
	Properties *CategoryRule `json:"properties,omitempty"`
	Methods    *CategoryRule `json:"methods,omitempty"`
	Actions    *CategoryRule `json:"actions,omitempty"`
	Tools      *CategoryRule `json:"tools,omitempty"`
	Resources  *CategoryRule `json:"resources,omitempty"`
	Prompts    *CategoryRule `json:"prompts,omitempty"`
}

// Category returns the rule for c, or nil.
func (ps *PermissionSet) Category(c Category) *CategoryRule {
	if ps == nil {
		return nil
	}
	switch c {
	case CategoryProperties:
		return ps.Properties
	case CategoryMethods:
		return ps.Methods
	case CategoryActions:
		return ps.Actions
	case CategoryTools:
		return ps.Tools
	case CategoryResources:
		return ps.Resources
	case CategoryPrompts:
		return ps.Prompts
	}
	return nil
}

// Type is a named permission template shared by all relationships carrying
// its name. Types are global; per-relationship tailoring goes through
// overrides.
type Type struct {
	Name        string        `json:"name"`
	DisplayName string        `json:"display_name,omitempty"`
	Description string        `json:"description,omitempty"`
	Permissions PermissionSet `json:"permissions"`
	builtin     bool
}

// Builtin reports whether the type ships with the engine.
func (t *Type) Builtin() bool { return t.builtin }

func allOps() []string { return []string{OpRead, OpWrite, OpDelete, OpSubscribe} }

// builtinTypes returns the default trust types in increasing capability
// order, plus the MCP client profile.
func builtinTypes() []*Type {
	return []*Type{
		{
			Name: "associate", DisplayName: "Associate", builtin: true,
			Description: "Minimal profile for newly met peers.",
			Permissions: PermissionSet{
				Properties: &CategoryRule{Patterns: []string{"public/*"}, Operations: []string{OpRead}},
			},
		},
		{
			Name: "viewer", DisplayName: "Viewer", builtin: true,
			Description: "Read-only visibility into properties and resources.",
			Permissions: PermissionSet{
				Properties: &CategoryRule{Patterns: []string{"*"}, Operations: []string{OpRead, OpSubscribe}},
				Resources:  &CategoryRule{Patterns: []string{"*"}, Operations: []string{OpRead}},
			},
		},
		{
			Name: "friend", DisplayName: "Friend", builtin: true,
			Description: "Read-write peer with subscription rights.",
			Permissions: PermissionSet{
				Properties: &CategoryRule{Patterns: []string{"*"}, Operations: allOps()},
				Methods:    &CategoryRule{Patterns: []string{"*"}},
				Resources:  &CategoryRule{Patterns: []string{"*"}, Operations: []string{OpRead, OpSubscribe}},
			},
		},
		{
			Name: "partner", DisplayName: "Partner", builtin: true,
			Description: "Friend plus action triggers.",
			Permissions: PermissionSet{
				Properties: &CategoryRule{Patterns: []string{"*"}, Operations: allOps()},
				Methods:    &CategoryRule{Patterns: []string{"*"}},
				Actions:    &CategoryRule{Patterns: []string{"*"}},
				Resources:  &CategoryRule{Patterns: []string{"*"}, Operations: []string{OpRead, OpSubscribe}},
			},
		},
		{
			Name: "admin", DisplayName: "Admin", builtin: true,
			Description: "Full control over the actor.",
			Permissions: PermissionSet{
				Properties: &CategoryRule{Patterns: []string{"*"}, Operations: allOps()},
				Methods:    &CategoryRule{Patterns: []string{"*"}},
				Actions:    &CategoryRule{Patterns: []string{"*"}},
				Tools:      &CategoryRule{Patterns: []string{"*"}},
				Resources:  &CategoryRule{Patterns: []string{"*"}, Operations: allOps()},
				Prompts:    &CategoryRule{Patterns: []string{"*"}},
			},
		},
		{
			Name: "mcp_client", DisplayName: "MCP Client", builtin: true,
			Description: "Profile for OAuth2-registered MCP clients.",
			Permissions: PermissionSet{
				Tools:     &CategoryRule{Patterns: []string{"*"}},
				Resources: &CategoryRule{Patterns: []string{"*"}, Operations: []string{OpRead}},
				Prompts:   &CategoryRule{Patterns: []string{"*"}},
			},
		},
	}
}

type typeSnapshot struct {
	version uint64
	types   map[string]*Type
}

// TypeRegistry holds trust types process-wide. Readers get lock-free
// immutable snapshots; writers serialise on a mutex, persist custom types
// to the system bucket and publish a fresh snapshot with a bumped version.
type TypeRegistry struct {
	logger      *zap.Logger
	buckets     store.BucketStore
	systemActor string

	mu       sync.Mutex // writers only
	snapshot atomic.Pointer[typeSnapshot]
}

// NewTypeRegistry creates a registry seeded with the builtin types.
func NewTypeRegistry(buckets store.BucketStore, logger *zap.Logger) *TypeRegistry {
	r := &TypeRegistry{
		logger:      logger,
		buckets:     buckets,
		systemActor: store.SystemActorID,
	}
	types := make(map[string]*Type)
	for _, t := range builtinTypes() {
		types[t.Name] = t
	}
	r.snapshot.Store(&typeSnapshot{version: 1, types: types})
	return r
}

// Load reads custom trust types from the system bucket. Call once at
// startup, after the store is ready.
func (r *TypeRegistry) Load(ctx context.Context) error {
	items, err := r.buckets.ListBucket(ctx, r.systemActor, typesBucket)
	if err != nil {
		return fmt.Errorf("load custom trust types: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.copySnapshot()
	for _, it := range items {
		t := &Type{}
		if err := json.Unmarshal(it.Data, t); err != nil {
			r.logger.Warn("skipping malformed trust type", zap.String("name", it.Name), zap.Error(err))
			continue
		}
		if existing, ok := next.types[t.Name]; ok && existing.builtin {
			r.logger.Warn("custom trust type shadows builtin, ignored", zap.String("name", t.Name))
			continue
		}
		next.types[t.Name] = t
	}
	r.publish(next)
	r.logger.Info("trust types loaded", zap.Int("custom", len(items)), zap.Int("total", len(next.types)))
	return nil
}

// Register persists a custom trust type and makes it visible to readers.
// Builtin names cannot be replaced.
func (r *TypeRegistry) Register(ctx context.Context, t *Type) error {
	if t.Name == "" {
		return fmt.Errorf("trust type name required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.snapshot.Load().types[t.Name]; ok && existing.builtin {
		return fmt.Errorf("trust type %s is builtin: %w", t.Name, store.ErrConflict)
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode trust type: %w", err)
	}
	if err := r.buckets.PutBucketItem(ctx, r.systemActor, typesBucket, t.Name, raw); err != nil {
		return fmt.Errorf("persist trust type: %w", err)
	}
	next := r.copySnapshot()
	next.types[t.Name] = t
	r.publish(next)
	return nil
}

// Unregister removes a custom trust type. Builtins cannot be removed.
func (r *TypeRegistry) Unregister(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.snapshot.Load().types[name]
	if !ok {
		return store.ErrNotFound
	}
	if existing.builtin {
		return fmt.Errorf("trust type %s is builtin: %w", name, store.ErrConflict)
	}
	if err := r.buckets.DeleteBucketItem(ctx, r.systemActor, typesBucket, name); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("remove trust type: %w", err)
	}
	next := r.copySnapshot()
	delete(next.types, name)
	r.publish(next)
	return nil
}

// Get returns the named type from the current snapshot.
func (r *TypeRegistry) Get(name string) (*Type, bool) {
	t, ok := r.snapshot.Load().types[name]
	return t, ok
}

// List returns all types sorted by name.
func (r *TypeRegistry) List() []*Type {
	snap := r.snapshot.Load()
	out := make([]*Type, 0, len(snap.types))
	for _, t := range snap.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Version returns the snapshot version, bumped on every mutation. The
// evaluator keys its cache on it.
func (r *TypeRegistry) Version() uint64 {
	return r.snapshot.Load().version
}

// copySnapshot clones the current snapshot for mutation. Caller holds mu.
func (r *TypeRegistry) copySnapshot() *typeSnapshot {
	cur := r.snapshot.Load()
	types := make(map[string]*Type, len(cur.types))
	for k, v := range cur.types {
		types[k] = v
	}
	return &typeSnapshot{version: cur.version, types: types}
}

// publish bumps the version and swaps the snapshot in. Caller holds mu.
func (r *TypeRegistry) publish(next *typeSnapshot) {
	next.version++
	r.snapshot.Store(next)
}
