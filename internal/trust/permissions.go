package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/store"
)

// overridesBucket is the per-actor bucket holding permission overrides,
// one item per peer.
const overridesBucket = "trust:permissions"

const evaluatorCacheSize = 4096

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed bool
	// Rule names the stage and pattern that decided, for logging.
	Rule string
}

// OverrideStore persists per-relationship permission overrides and tracks a
// process-wide version used for cache keying.
type OverrideStore struct {
	buckets store.BucketStore
	logger  *zap.Logger
	version atomic.Uint64
}

// NewOverrideStore creates an OverrideStore on the given bucket backend.
func NewOverrideStore(buckets store.BucketStore, logger *zap.Logger) *OverrideStore {
	o := &OverrideStore{buckets: buckets, logger: logger}
	o.version.Store(1)
	return o
}

// Get returns the override for (actor, peer), or nil when none is set.
func (o *OverrideStore) Get(ctx context.Context, actorID, peerID string) (*PermissionSet, error) {
	it, err := o.buckets.GetBucketItem(ctx, actorID, overridesBucket, peerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load permission override: %w", err)
	}
	ps := &PermissionSet{}
	if err := json.Unmarshal(it.Data, ps); err != nil {
		return nil, fmt.Errorf("decode permission override: %w", err)
	}
	return ps, nil
}

// Set stores the override for (actor, peer) and invalidates cached
// decisions.
func (o *OverrideStore) Set(ctx context.Context, actorID, peerID string, ps *PermissionSet) error {
	raw, err := json.Marshal(ps)
	if err != nil {
		return fmt.Errorf("encode permission override: %w", err)
	}
	if err := o.buckets.PutBucketItem(ctx, actorID, overridesBucket, peerID, raw); err != nil {
		return fmt.Errorf("persist permission override: %w", err)
	}
	o.version.Add(1)
	return nil
}

// Delete removes the override for (actor, peer).
func (o *OverrideStore) Delete(ctx context.Context, actorID, peerID string) error {
	if err := o.buckets.DeleteBucketItem(ctx, actorID, overridesBucket, peerID); err != nil {
		return err
	}
	o.version.Add(1)
	return nil
}

// Version returns the override version counter.
func (o *OverrideStore) Version() uint64 {
	return o.version.Load()
}

// Evaluator answers "may this peer do op on target" for an established
// relationship. Decisions are pure given the trust type and override, so
// they are cached in a bounded LRU keyed by both version counters; any
// type or override change makes stale entries unreachable.
type Evaluator struct {
	types     *TypeRegistry
	overrides *OverrideStore
	logger    *zap.Logger
	cache     *lru.Cache[string, Decision]
}

// NewEvaluator creates an Evaluator over the given registries.
func NewEvaluator(types *TypeRegistry, overrides *OverrideStore, logger *zap.Logger) *Evaluator {
	cache, _ := lru.New[string, Decision](evaluatorCacheSize)
	return &Evaluator{
		types:     types,
		overrides: overrides,
		logger:    logger,
		cache:     cache,
	}
}

// Evaluate decides whether the peer behind t may perform op on target
// within category. Unknown trust types deny.
func (e *Evaluator) Evaluate(ctx context.Context, t *store.Trust, category Category, target, op string) (Decision, error) {
	key := fmt.Sprintf("%d|%d|%s|%s|%s|%s|%s|%s",
		e.types.Version(), e.overrides.Version(),
		t.ActorID, t.PeerID, t.Relationship, category, target, op)
	if d, ok := e.cache.Get(key); ok {
		return d, nil
	}

	tt, ok := e.types.Get(t.Relationship)
	if !ok {
		d := Decision{Allowed: false, Rule: "unknown trust type"}
		e.cache.Add(key, d)
		return d, nil
	}
	override, err := e.overrides.Get(ctx, t.ActorID, t.PeerID)
	if err != nil {
		// Fail secure: a broken override never widens access.
		return Decision{Allowed: false, Rule: "override unavailable"}, err
	}

	d := decide(tt.Permissions.Category(category), override.Category(category), category, target, op)
	e.cache.Add(key, d)
	if !d.Allowed {
		e.logger.Debug("permission denied",
			zap.String("actor_id", t.ActorID),
			zap.String("peer_id", t.PeerID),
			zap.String("category", string(category)),
			zap.String("target", target),
			zap.String("op", op),
			zap.String("rule", d.Rule),
		)
	}
	return d, nil
}

// decide implements the precedence chain: explicit deny, override allow,
// base allow, default deny. Operation containment applies to properties
// and resources only.
func decide(base, override *CategoryRule, category Category, target, op string) Decision {
	if override != nil {
		if p, ok := matchAny(override.Denied, target); ok {
			return Decision{Allowed: false, Rule: "override deny " + p}
		}
		if p, ok := matchAny(override.ExcludedPatterns, target); ok {
			return Decision{Allowed: false, Rule: "override deny " + p}
		}
	}
	if base != nil {
		if p, ok := matchAny(base.Denied, target); ok {
			return Decision{Allowed: false, Rule: "deny " + p}
		}
		if p, ok := matchAny(base.ExcludedPatterns, target); ok {
			return Decision{Allowed: false, Rule: "deny " + p}
		}
	}

	if override != nil {
		if p, ok := matchAny(override.Allowed, target); ok {
			return checkOps(override, base, category, op, "override allow "+p)
		}
		if p, ok := matchAny(override.Patterns, target); ok {
			return checkOps(override, base, category, op, "override allow "+p)
		}
	}
	if base != nil {
		if p, ok := matchAny(base.Patterns, target); ok {
			return checkOps(base, nil, category, op, "allow "+p)
		}
		if p, ok := matchAny(base.Allowed, target); ok {
			return checkOps(base, nil, category, op, "allow "+p)
		}
	}
	return Decision{Allowed: false, Rule: "default deny"}
}

// checkOps enforces the operation set on properties and resources. The
// granting rule's operations apply; a granting override without its own
// operations inherits the base set. Empty means read-only.
func checkOps(granting, fallback *CategoryRule, category Category, op, rule string) Decision {
	if category != CategoryProperties && category != CategoryResources {
		return Decision{Allowed: true, Rule: rule}
	}
	ops := granting.Operations
	if len(ops) == 0 && fallback != nil {
		ops = fallback.Operations
	}
	if len(ops) == 0 {
		ops = []string{OpRead}
	}
	for _, allowed := range ops {
		if allowed == op {
			return Decision{Allowed: true, Rule: rule}
		}
	}
	return Decision{Allowed: false, Rule: rule + " without op " + op}
}

func matchAny(patterns []string, target string) (string, bool) {
	for _, p := range patterns {
		if MatchPattern(p, target) {
			return p, true
		}
	}
	return "", false
}

// MatchPattern supports three pattern flavors: URI prefixes for scheme
// targets (notes://), path globs where a trailing /* also covers deeper
// segments, and plain globs for flat names. Glob stars never cross a
// slash.
func MatchPattern(pattern, target string) bool {
	if pattern == "*" {
		return true
	}
	if strings.Contains(pattern, "://") {
		return strings.HasPrefix(target, pattern)
	}
	if rest, ok := strings.CutSuffix(pattern, "/*"); ok {
		if strings.HasPrefix(target, rest+"/") {
			return true
		}
	}
	ok, err := path.Match(pattern, target)
	return err == nil && ok
}
