package trust_test

import (
	"testing"

	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/store"
	"github.com/actingweb/actingweb-go/internal/trust"
)

func newEvaluator(t *testing.T) (*trust.Evaluator, *trust.TypeRegistry, *trust.OverrideStore) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(st.Close)
	reg := trust.NewTypeRegistry(st, zap.NewNop())
	ov := trust.NewOverrideStore(st, zap.NewNop())
	return trust.NewEvaluator(reg, ov, zap.NewNop()), reg, ov
}

func rel(relationship string) *store.Trust {
	return &store.Trust{ActorID: "a1", PeerID: "p1", Relationship: relationship}
}

func mustEval(t *testing.T, ev *trust.Evaluator, tr *store.Trust, cat trust.Category, target, op string) trust.Decision {
	t.Helper()
	d, err := ev.Evaluate(ctx, tr, cat, target, op)
	if err != nil {
		t.Fatalf("Evaluate(%s %s %s): %v", cat, target, op, err)
	}
	return d
}

func TestEvaluator_builtinLadder(t *testing.T) {
	ev, _, _ := newEvaluator(t)

	cases := []struct {
		relationship string
		category     trust.Category
		target       string
		op           string
		want         bool
	}{
		{"associate", trust.CategoryProperties, "public/profile", trust.OpRead, true},
		{"associate", trust.CategoryProperties, "public/profile", trust.OpWrite, false},
		{"associate", trust.CategoryProperties, "settings", trust.OpRead, false},
		{"viewer", trust.CategoryProperties, "settings", trust.OpRead, true},
		{"viewer", trust.CategoryProperties, "settings", trust.OpSubscribe, true},
		{"viewer", trust.CategoryProperties, "settings", trust.OpWrite, false},
		{"viewer", trust.CategoryMethods, "compute", "", false},
		{"friend", trust.CategoryProperties, "settings", trust.OpWrite, true},
		{"friend", trust.CategoryMethods, "compute", "", true},
		{"friend", trust.CategoryActions, "restart", "", false},
		{"partner", trust.CategoryActions, "restart", "", true},
		{"partner", trust.CategoryTools, "search", "", false},
		{"admin", trust.CategoryTools, "search", "", true},
		{"admin", trust.CategoryResources, "notes://x", trust.OpDelete, true},
		{"mcp_client", trust.CategoryTools, "search", "", true},
		{"mcp_client", trust.CategoryProperties, "settings", trust.OpRead, false},
		{"mcp_client", trust.CategoryResources, "notes://x", trust.OpRead, true},
		{"mcp_client", trust.CategoryResources, "notes://x", trust.OpWrite, false},
	}
	for _, tc := range cases {
		d := mustEval(t, ev, rel(tc.relationship), tc.category, tc.target, tc.op)
		if d.Allowed != tc.want {
			t.Errorf("%s %s %q op=%q: got %v (%s), want %v",
				tc.relationship, tc.category, tc.target, tc.op, d.Allowed, d.Rule, tc.want)
		}
	}
}

func TestEvaluator_unknownTypeDenies(t *testing.T) {
	ev, _, _ := newEvaluator(t)
	d := mustEval(t, ev, rel("stranger"), trust.CategoryProperties, "anything", trust.OpRead)
	if d.Allowed {
		t.Error("unknown trust type allowed access")
	}
}

func TestEvaluator_overrideDenyWins(t *testing.T) {
	ev, _, ov := newEvaluator(t)

	// friend grants all properties; the override carves out secrets/*.
	err := ov.Set(ctx, "a1", "p1", &trust.PermissionSet{
		Properties: &trust.CategoryRule{Denied: []string{"secrets/*"}},
	})
	if err != nil {
		t.Fatalf("Set override: %v", err)
	}

	if d := mustEval(t, ev, rel("friend"), trust.CategoryProperties, "secrets/apikey", trust.OpRead); d.Allowed {
		t.Errorf("override deny ignored: %s", d.Rule)
	}
	if d := mustEval(t, ev, rel("friend"), trust.CategoryProperties, "notes", trust.OpRead); !d.Allowed {
		t.Errorf("unrelated target denied: %s", d.Rule)
	}
}

func TestEvaluator_overrideWidens(t *testing.T) {
	ev, _, ov := newEvaluator(t)

	// associate sees only public/*; the override additionally grants
	// shared/* read-write.
	err := ov.Set(ctx, "a1", "p1", &trust.PermissionSet{
		Properties: &trust.CategoryRule{Allowed: []string{"shared/*"}, Operations: []string{trust.OpRead, trust.OpWrite}},
	})
	if err != nil {
		t.Fatalf("Set override: %v", err)
	}

	if d := mustEval(t, ev, rel("associate"), trust.CategoryProperties, "shared/doc", trust.OpWrite); !d.Allowed {
		t.Errorf("override grant ignored: %s", d.Rule)
	}
	if d := mustEval(t, ev, rel("associate"), trust.CategoryProperties, "public/profile", trust.OpRead); !d.Allowed {
		t.Errorf("base grant lost under override: %s", d.Rule)
	}
	if d := mustEval(t, ev, rel("associate"), trust.CategoryProperties, "private", trust.OpRead); d.Allowed {
		t.Error("override widened beyond its patterns")
	}
}

func TestEvaluator_baseDenyBeatsOverrideAllow(t *testing.T) {
	ev, reg, ov := newEvaluator(t)

	err := reg.Register(ctx, &trust.Type{
		Name: "guarded",
		Permissions: trust.PermissionSet{
			Properties: &trust.CategoryRule{Patterns: []string{"*"}, Denied: []string{"vault/*"}, Operations: []string{trust.OpRead}},
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	err = ov.Set(ctx, "a1", "p1", &trust.PermissionSet{
		Properties: &trust.CategoryRule{Allowed: []string{"vault/*"}},
	})
	if err != nil {
		t.Fatalf("Set override: %v", err)
	}

	if d := mustEval(t, ev, rel("guarded"), trust.CategoryProperties, "vault/key", trust.OpRead); d.Allowed {
		t.Errorf("explicit deny lost to override allow: %s", d.Rule)
	}
}

func TestEvaluator_operationContainment(t *testing.T) {
	ev, reg, ov := newEvaluator(t)

	// No operations on the rule means read-only.
	err := reg.Register(ctx, &trust.Type{
		Name: "readonly",
		Permissions: trust.PermissionSet{
			Properties: &trust.CategoryRule{Patterns: []string{"*"}},
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if d := mustEval(t, ev, rel("readonly"), trust.CategoryProperties, "x", trust.OpRead); !d.Allowed {
		t.Errorf("default read denied: %s", d.Rule)
	}
	if d := mustEval(t, ev, rel("readonly"), trust.CategoryProperties, "x", trust.OpWrite); d.Allowed {
		t.Error("write allowed without an operations grant")
	}

	// An override grant without its own operations inherits the base set.
	err = reg.Register(ctx, &trust.Type{
		Name: "writer",
		Permissions: trust.PermissionSet{
			Properties: &trust.CategoryRule{Patterns: []string{"docs/*"}, Operations: []string{trust.OpRead, trust.OpWrite}},
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	err = ov.Set(ctx, "a1", "p1", &trust.PermissionSet{
		Properties: &trust.CategoryRule{Allowed: []string{"extra/*"}},
	})
	if err != nil {
		t.Fatalf("Set override: %v", err)
	}
	if d := mustEval(t, ev, rel("writer"), trust.CategoryProperties, "extra/item", trust.OpWrite); !d.Allowed {
		t.Errorf("override did not inherit base operations: %s", d.Rule)
	}
}

func TestEvaluator_overrideChangeInvalidatesCache(t *testing.T) {
	ev, _, ov := newEvaluator(t)

	if d := mustEval(t, ev, rel("friend"), trust.CategoryProperties, "notes", trust.OpRead); !d.Allowed {
		t.Fatalf("friend read denied: %s", d.Rule)
	}
	// Second call hits the cache; the subsequent override bumps the
	// version so the third call must re-evaluate.
	mustEval(t, ev, rel("friend"), trust.CategoryProperties, "notes", trust.OpRead)

	err := ov.Set(ctx, "a1", "p1", &trust.PermissionSet{
		Properties: &trust.CategoryRule{Denied: []string{"notes"}},
	})
	if err != nil {
		t.Fatalf("Set override: %v", err)
	}
	if d := mustEval(t, ev, rel("friend"), trust.CategoryProperties, "notes", trust.OpRead); d.Allowed {
		t.Errorf("stale cached decision served after override change: %s", d.Rule)
	}

	if err := ov.Delete(ctx, "a1", "p1"); err != nil {
		t.Fatalf("Delete override: %v", err)
	}
	if d := mustEval(t, ev, rel("friend"), trust.CategoryProperties, "notes", trust.OpRead); !d.Allowed {
		t.Errorf("decision not restored after override removal: %s", d.Rule)
	}
}

func TestEvaluator_typeChangeInvalidatesCache(t *testing.T) {
	ev, reg, _ := newEvaluator(t)

	if d := mustEval(t, ev, rel("tenant"), trust.CategoryProperties, "x", trust.OpRead); d.Allowed {
		t.Fatal("unknown type allowed")
	}
	err := reg.Register(ctx, &trust.Type{
		Name: "tenant",
		Permissions: trust.PermissionSet{
			Properties: &trust.CategoryRule{Patterns: []string{"*"}},
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if d := mustEval(t, ev, rel("tenant"), trust.CategoryProperties, "x", trust.OpRead); !d.Allowed {
		t.Errorf("registry change not reflected: %s", d.Rule)
	}
}

func TestEvaluator_overrideIsolatedPerPeer(t *testing.T) {
	ev, _, ov := newEvaluator(t)

	err := ov.Set(ctx, "a1", "p1", &trust.PermissionSet{
		Properties: &trust.CategoryRule{Denied: []string{"*"}},
	})
	if err != nil {
		t.Fatalf("Set override: %v", err)
	}

	other := &store.Trust{ActorID: "a1", PeerID: "p2", Relationship: "friend"}
	if d := mustEval(t, ev, other, trust.CategoryProperties, "notes", trust.OpRead); !d.Allowed {
		t.Errorf("override leaked to another peer: %s", d.Rule)
	}
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern, target string
		want            bool
	}{
		{"*", "anything", true},
		{"*", "deep/path", true},
		{"notes://", "notes://2024/meeting", true},
		{"notes://", "files://2024", false},
		{"public/*", "public/profile", true},
		{"public/*", "public/a/b/c", true},
		{"public/*", "publicity", false},
		{"public/*", "private/x", false},
		{"config_*", "config_smtp", true},
		{"config_*", "settings", false},
		{"pub*", "public/sub", false},
		{"exact", "exact", true},
		{"exact", "exactly", false},
	}
	for _, tc := range cases {
		if got := trust.MatchPattern(tc.pattern, tc.target); got != tc.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tc.pattern, tc.target, got, tc.want)
		}
	}
}
