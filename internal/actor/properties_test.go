package actor_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/actor"
	"github.com/actingweb/actingweb-go/internal/hooks"
	"github.com/actingweb/actingweb-go/internal/store"
)

type diffCall struct {
	actorID, target, subtarget string
	blob                       json.RawMessage
}

type diffRecorder struct {
	mu    sync.Mutex
	calls []diffCall
}

func (d *diffRecorder) RegisterDiff(_ context.Context, actorID, target, subtarget string, blob json.RawMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, diffCall{actorID, target, subtarget, blob})
	return nil
}

func (d *diffRecorder) last(t *testing.T) diffCall {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.calls) == 0 {
		t.Fatal("no diff registered")
	}
	return d.calls[len(d.calls)-1]
}

type propFixture struct {
	props *actor.Properties
	st    *store.MemoryStore
	diffs *diffRecorder
	hooks *hooks.Registry
	actor *store.Actor
}

func newProps(t *testing.T) *propFixture {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(st.Close)
	a := &store.Actor{ID: "a1", Creator: "alice@example.com"}
	if err := st.CreateActor(ctx, a); err != nil {
		t.Fatal(err)
	}
	diffs := &diffRecorder{}
	hookReg := hooks.NewRegistry(zap.NewNop())
	props := actor.NewProperties(st, hookReg, diffs, zap.NewNop())
	return &propFixture{props: props, st: st, diffs: diffs, hooks: hookReg, actor: a}
}

func TestProperties_scalarRoundTrip(t *testing.T) {
	f := newProps(t)

	stored, err := f.props.Set(ctx, f.actor, []string{"email"}, json.RawMessage(`"a@example.com"`), hooks.OpPut)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if string(stored) != `"a@example.com"` {
		t.Errorf("stored = %s", stored)
	}

	got, err := f.props.Get(ctx, f.actor, []string{"email"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `"a@example.com"` {
		t.Errorf("got = %s", got)
	}

	call := f.diffs.last(t)
	if call.target != "properties" || call.subtarget != "email" {
		t.Errorf("diff routing = %s/%s", call.target, call.subtarget)
	}
	if string(call.blob) != `"a@example.com"` {
		t.Errorf("diff blob = %s", call.blob)
	}
}

func TestProperties_nestedPaths(t *testing.T) {
	f := newProps(t)

	if _, err := f.props.Set(ctx, f.actor, []string{"settings", "smtp", "host"}, json.RawMessage(`"mail.example.com"`), hooks.OpPost); err != nil {
		t.Fatalf("nested Set: %v", err)
	}
	if _, err := f.props.Set(ctx, f.actor, []string{"settings", "smtp", "port"}, json.RawMessage(`587`), hooks.OpPost); err != nil {
		t.Fatalf("sibling Set: %v", err)
	}

	got, err := f.props.Get(ctx, f.actor, []string{"settings", "smtp", "host"})
	if err != nil {
		t.Fatalf("nested Get: %v", err)
	}
	if string(got) != `"mail.example.com"` {
		t.Errorf("leaf = %s", got)
	}

	// The diff always carries the whole top-level property.
	var doc map[string]map[string]json.RawMessage
	if err := json.Unmarshal(f.diffs.last(t).blob, &doc); err != nil {
		t.Fatalf("diff blob: %v", err)
	}
	if string(doc["smtp"]["host"]) != `"mail.example.com"` || string(doc["smtp"]["port"]) != `587` {
		t.Errorf("diff blob missing sibling: %v", doc)
	}

	if _, err := f.props.Get(ctx, f.actor, []string{"settings", "imap"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing nested segment: got %v, want ErrNotFound", err)
	}
	if _, err := f.props.Get(ctx, f.actor, []string{"nothere", "x"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing property: got %v, want ErrNotFound", err)
	}
}

func TestProperties_nestedSetReplacesScalarIntermediate(t *testing.T) {
	f := newProps(t)

	if _, err := f.props.Set(ctx, f.actor, []string{"config"}, json.RawMessage(`"plain"`), hooks.OpPut); err != nil {
		t.Fatal(err)
	}
	if _, err := f.props.Set(ctx, f.actor, []string{"config", "mode"}, json.RawMessage(`"deep"`), hooks.OpPost); err != nil {
		t.Fatalf("Set through scalar: %v", err)
	}
	got, err := f.props.Get(ctx, f.actor, []string{"config", "mode"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `"deep"` {
		t.Errorf("leaf = %s", got)
	}
}

func TestProperties_hookTransformsWrite(t *testing.T) {
	f := newProps(t)
	f.hooks.RegisterProperty("email", func(_ context.Context, _ hooks.ActorRef, _ []string, op hooks.Op, value json.RawMessage) (json.RawMessage, bool) {
		if op != hooks.OpPut && op != hooks.OpPost {
			return value, true
		}
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			return nil, false
		}
		out, _ := json.Marshal(strings.ToLower(s))
		return out, true
	})

	stored, err := f.props.Set(ctx, f.actor, []string{"email"}, json.RawMessage(`"Alice@EXAMPLE.com"`), hooks.OpPut)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if string(stored) != `"alice@example.com"` {
		t.Errorf("transformed = %s", stored)
	}
	got, _ := f.props.Get(ctx, f.actor, []string{"email"})
	if string(got) != `"alice@example.com"` {
		t.Errorf("persisted = %s", got)
	}
}

func TestProperties_hookRejectsWrite(t *testing.T) {
	f := newProps(t)
	f.hooks.RegisterProperty("readonly", func(_ context.Context, _ hooks.ActorRef, _ []string, op hooks.Op, value json.RawMessage) (json.RawMessage, bool) {
		if op == hooks.OpGet {
			return value, true
		}
		return nil, false
	})

	_, err := f.props.Set(ctx, f.actor, []string{"readonly"}, json.RawMessage(`1`), hooks.OpPut)
	if !errors.Is(err, actor.ErrRejected) {
		t.Fatalf("got %v, want ErrRejected", err)
	}
	if _, err := f.st.GetProperty(ctx, f.actor.ID, "readonly"); !errors.Is(err, store.ErrNotFound) {
		t.Error("rejected value was persisted")
	}
	if len(f.diffs.calls) != 0 {
		t.Error("rejected write registered a diff")
	}

	if err := f.props.Delete(ctx, f.actor, []string{"readonly"}); !errors.Is(err, actor.ErrRejected) {
		t.Errorf("delete: got %v, want ErrRejected", err)
	}
}

func TestProperties_hookHidesRead(t *testing.T) {
	f := newProps(t)
	if err := f.st.SetProperty(ctx, f.actor.ID, "apikey", json.RawMessage(`"s3cr3t"`)); err != nil {
		t.Fatal(err)
	}
	if err := f.st.SetProperty(ctx, f.actor.ID, "public", json.RawMessage(`"visible"`)); err != nil {
		t.Fatal(err)
	}
	f.hooks.RegisterProperty("apikey", func(_ context.Context, _ hooks.ActorRef, _ []string, op hooks.Op, value json.RawMessage) (json.RawMessage, bool) {
		if op == hooks.OpGet {
			return nil, false
		}
		return value, true
	})

	if _, err := f.props.Get(ctx, f.actor, []string{"apikey"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("hidden property readable: %v", err)
	}

	all, err := f.props.List(ctx, f.actor)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if _, ok := all["apikey"]; ok {
		t.Error("hidden property listed")
	}
	if _, ok := all["public"]; !ok {
		t.Error("visible property missing from List")
	}
}

func TestProperties_deleteEmitsNullDiff(t *testing.T) {
	f := newProps(t)
	if _, err := f.props.Set(ctx, f.actor, []string{"temp"}, json.RawMessage(`42`), hooks.OpPut); err != nil {
		t.Fatal(err)
	}

	if err := f.props.Delete(ctx, f.actor, []string{"temp"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	call := f.diffs.last(t)
	if !bytes.Equal(call.blob, []byte("null")) {
		t.Errorf("delete diff blob = %s, want null", call.blob)
	}
	if _, err := f.st.GetProperty(ctx, f.actor.ID, "temp"); !errors.Is(err, store.ErrNotFound) {
		t.Error("property still present")
	}
}

func TestProperties_deleteNestedKeepsSiblings(t *testing.T) {
	f := newProps(t)
	if _, err := f.props.Set(ctx, f.actor, []string{"cfg", "a"}, json.RawMessage(`1`), hooks.OpPost); err != nil {
		t.Fatal(err)
	}
	if _, err := f.props.Set(ctx, f.actor, []string{"cfg", "b"}, json.RawMessage(`2`), hooks.OpPost); err != nil {
		t.Fatal(err)
	}

	if err := f.props.Delete(ctx, f.actor, []string{"cfg", "a"}); err != nil {
		t.Fatalf("nested Delete: %v", err)
	}
	if _, err := f.props.Get(ctx, f.actor, []string{"cfg", "a"}); !errors.Is(err, store.ErrNotFound) {
		t.Error("deleted segment still readable")
	}
	if got, err := f.props.Get(ctx, f.actor, []string{"cfg", "b"}); err != nil || string(got) != "2" {
		t.Errorf("sibling lost: %s %v", got, err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(f.diffs.last(t).blob, &doc); err != nil {
		t.Fatal(err)
	}
	if _, ok := doc["a"]; ok {
		t.Error("diff still carries deleted segment")
	}

	if err := f.props.Delete(ctx, f.actor, []string{"cfg", "ghost"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("deleting missing segment: got %v, want ErrNotFound", err)
	}
}

func TestProperties_deleteAllSkipsVetoed(t *testing.T) {
	f := newProps(t)
	if _, err := f.props.Set(ctx, f.actor, []string{"keep"}, json.RawMessage(`1`), hooks.OpPut); err != nil {
		t.Fatal(err)
	}
	if _, err := f.props.Set(ctx, f.actor, []string{"drop"}, json.RawMessage(`2`), hooks.OpPut); err != nil {
		t.Fatal(err)
	}
	f.hooks.RegisterProperty("keep", func(_ context.Context, _ hooks.ActorRef, _ []string, op hooks.Op, value json.RawMessage) (json.RawMessage, bool) {
		return value, op != hooks.OpDelete
	})

	if err := f.props.DeleteAll(ctx, f.actor); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	if _, err := f.st.GetProperty(ctx, f.actor.ID, "keep"); err != nil {
		t.Error("vetoed property removed")
	}
	if _, err := f.st.GetProperty(ctx, f.actor.ID, "drop"); !errors.Is(err, store.ErrNotFound) {
		t.Error("unprotected property survived")
	}
}

func TestProperties_listOperations(t *testing.T) {
	f := newProps(t)

	item, err := f.props.ListAppend(ctx, f.actor, "inbox", json.RawMessage(`{"subject":"hello"}`))
	if err != nil {
		t.Fatalf("ListAppend: %v", err)
	}
	if item.ID == "" {
		t.Fatal("no item ID assigned")
	}
	var d struct {
		Operation string          `json:"operation"`
		ItemID    string          `json:"item_id"`
		Item      json.RawMessage `json:"item"`
	}
	if err := json.Unmarshal(f.diffs.last(t).blob, &d); err != nil {
		t.Fatal(err)
	}
	if d.Operation != "append" || d.ItemID != item.ID {
		t.Errorf("append diff = %+v", d)
	}

	if err := f.props.ListUpdate(ctx, f.actor, "inbox", item.ID, json.RawMessage(`{"subject":"edited"}`)); err != nil {
		t.Fatalf("ListUpdate: %v", err)
	}
	if err := json.Unmarshal(f.diffs.last(t).blob, &d); err != nil {
		t.Fatal(err)
	}
	if d.Operation != "update" || string(d.Item) != `{"subject":"edited"}` {
		t.Errorf("update diff = %+v", d)
	}

	if err := f.props.ListDelete(ctx, f.actor, "inbox", item.ID); err != nil {
		t.Fatalf("ListDelete: %v", err)
	}
	if err := json.Unmarshal(f.diffs.last(t).blob, &d); err != nil {
		t.Fatal(err)
	}
	if d.Operation != "delete" || d.ItemID != item.ID {
		t.Errorf("delete diff = %+v", d)
	}

	if err := f.props.ListUpdate(ctx, f.actor, "inbox", "ghost", json.RawMessage(`1`)); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("updating missing item: got %v, want ErrNotFound", err)
	}
}
