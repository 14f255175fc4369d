package actor

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/hooks"
	"github.com/actingweb/actingweb-go/internal/store"
)

// ErrRejected is returned when a property hook vetoes a write or delete.
var ErrRejected = errors.New("rejected by hook")

// DiffSink receives change notifications after successful property writes.
// The subscription engine implements it.
type DiffSink interface {
	RegisterDiff(ctx context.Context, actorID, target, subtarget string, blob json.RawMessage) error
}

const targetProperties = "properties"

// Properties is the hook-aware property store facade. Reads consult the
// property hooks and hide vetoed values; writes consult the hooks, persist
// the transformed value and register a diff carrying the new state of the
// top-level property.
type Properties struct {
	store  store.PropertyStore
	hooks  *hooks.Registry
	diffs  DiffSink
	logger *zap.Logger
}

// NewProperties wires the facade.
func NewProperties(st store.PropertyStore, hookReg *hooks.Registry, diffs DiffSink, logger *zap.Logger) *Properties {
	return &Properties{store: st, hooks: hookReg, diffs: diffs, logger: logger}
}

func ref(a *store.Actor) hooks.ActorRef {
	return hooks.ActorRef{ID: a.ID, Creator: a.Creator}
}

// registerDiff notifies the subscription engine. Failures are logged and
// never fail the mutation that triggered them.
func (p *Properties) registerDiff(ctx context.Context, actorID, subtarget string, blob json.RawMessage) {
	if err := p.diffs.RegisterDiff(ctx, actorID, targetProperties, subtarget, blob); err != nil {
		p.logger.Warn("diff registration failed",
			zap.String("actor_id", actorID),
			zap.String("subtarget", subtarget),
			zap.Error(err))
	}
}

// Get reads the value at path. A hook veto hides the value as if it did
// not exist.
func (p *Properties) Get(ctx context.Context, a *store.Actor, path []string) (json.RawMessage, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("property path is required")
	}
	doc, err := p.store.GetProperty(ctx, a.ID, path[0])
	if err != nil {
		return nil, err
	}
	value := doc
	if len(path) > 1 {
		v, ok := getPath(doc, path[1:])
		if !ok {
			return nil, store.ErrNotFound
		}
		value = v
	}
	out, ok := p.hooks.DispatchProperty(ctx, ref(a), path, hooks.OpGet, value)
	if !ok {
		return nil, store.ErrNotFound
	}
	return out, nil
}

// List returns all top-level properties, dropping the ones hooks hide.
func (p *Properties) List(ctx context.Context, a *store.Actor) (map[string]json.RawMessage, error) {
	all, err := p.store.ListProperties(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(all))
	for name, value := range all {
		v, ok := p.hooks.DispatchProperty(ctx, ref(a), []string{name}, hooks.OpGet, value)
		if !ok {
			continue
		}
		out[name] = v
	}
	return out, nil
}

// Set writes the value at path, creating intermediate objects as needed.
// op distinguishes put (replace) from post (create/update children) for
// the hooks; storage treats them alike. Returns the stored value after
// hook transformation.
func (p *Properties) Set(ctx context.Context, a *store.Actor, path []string, value json.RawMessage, op hooks.Op) (json.RawMessage, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("property path is required")
	}
	transformed, ok := p.hooks.DispatchProperty(ctx, ref(a), path, op, value)
	if !ok {
		return nil, fmt.Errorf("write to %s: %w", path[0], ErrRejected)
	}

	name := path[0]
	var doc json.RawMessage
	if len(path) == 1 {
		doc = transformed
	} else {
		existing, err := p.store.GetProperty(ctx, a.ID, name)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		doc = setPath(existing, path[1:], transformed)
	}
	if err := p.store.SetProperty(ctx, a.ID, name, doc); err != nil {
		return nil, err
	}

	p.registerDiff(ctx, a.ID, name, doc)
	return transformed, nil
}

// Delete removes the value at path. Deleting the whole property emits a
// null diff; deleting a nested segment emits the remaining document.
func (p *Properties) Delete(ctx context.Context, a *store.Actor, path []string) error {
	if len(path) == 0 {
		return fmt.Errorf("property path is required")
	}
	if _, ok := p.hooks.DispatchProperty(ctx, ref(a), path, hooks.OpDelete, nil); !ok {
		return fmt.Errorf("delete of %s: %w", path[0], ErrRejected)
	}

	name := path[0]
	if len(path) == 1 {
		if err := p.store.DeleteProperty(ctx, a.ID, name); err != nil {
			return err
		}
		p.registerDiff(ctx, a.ID, name, json.RawMessage("null"))
		return nil
	}

	existing, err := p.store.GetProperty(ctx, a.ID, name)
	if err != nil {
		return err
	}
	doc, deleted := deletePath(existing, path[1:])
	if !deleted {
		return store.ErrNotFound
	}
	if err := p.store.SetProperty(ctx, a.ID, name, doc); err != nil {
		return err
	}
	p.registerDiff(ctx, a.ID, name, doc)
	return nil
}

// DeleteAll removes every property the hooks allow deleting. Vetoed
// properties stay.
func (p *Properties) DeleteAll(ctx context.Context, a *store.Actor) error {
	all, err := p.store.ListProperties(ctx, a.ID)
	if err != nil {
		return err
	}
	for name := range all {
		if err := p.Delete(ctx, a, []string{name}); err != nil {
			if errors.Is(err, ErrRejected) {
				continue
			}
			return err
		}
	}
	return nil
}

type listDiff struct {
	Operation string          `json:"operation"`
	ItemID    string          `json:"item_id"`
	Item      json.RawMessage `json:"item,omitempty"`
}

func (p *Properties) registerListDiff(ctx context.Context, actorID, name, operation, itemID string, item json.RawMessage) {
	blob, err := json.Marshal(listDiff{Operation: operation, ItemID: itemID, Item: item})
	if err != nil {
		p.logger.Warn("list diff encoding failed", zap.String("actor_id", actorID), zap.Error(err))
		return
	}
	p.registerDiff(ctx, actorID, name, blob)
}

// ListAppend adds an item to a list property, creating the list when
// absent, and returns the item with its assigned ID.
func (p *Properties) ListAppend(ctx context.Context, a *store.Actor, name string, item json.RawMessage) (*store.ListItem, error) {
	transformed, ok := p.hooks.DispatchProperty(ctx, ref(a), []string{name}, hooks.OpPost, item)
	if !ok {
		return nil, fmt.Errorf("append to %s: %w", name, ErrRejected)
	}
	li := store.ListItem{ID: newItemID(), Data: transformed}
	if err := p.store.ListAppend(ctx, a.ID, name, li); err != nil {
		return nil, err
	}
	p.registerListDiff(ctx, a.ID, name, "append", li.ID, li.Data)
	return &li, nil
}

// ListUpdate replaces the item with itemID.
func (p *Properties) ListUpdate(ctx context.Context, a *store.Actor, name, itemID string, item json.RawMessage) error {
	transformed, ok := p.hooks.DispatchProperty(ctx, ref(a), []string{name}, hooks.OpPut, item)
	if !ok {
		return fmt.Errorf("update of %s: %w", name, ErrRejected)
	}
	if err := p.store.ListUpdate(ctx, a.ID, name, itemID, transformed); err != nil {
		return err
	}
	p.registerListDiff(ctx, a.ID, name, "update", itemID, transformed)
	return nil
}

// ListDelete removes the item with itemID.
func (p *Properties) ListDelete(ctx context.Context, a *store.Actor, name, itemID string) error {
	if _, ok := p.hooks.DispatchProperty(ctx, ref(a), []string{name}, hooks.OpDelete, nil); !ok {
		return fmt.Errorf("delete from %s: %w", name, ErrRejected)
	}
	if err := p.store.ListDelete(ctx, a.ID, name, itemID); err != nil {
		return err
	}
	p.registerListDiff(ctx, a.ID, name, "delete", itemID, nil)
	return nil
}

// getPath walks nested JSON objects along path.
func getPath(doc json.RawMessage, path []string) (json.RawMessage, bool) {
	cur := doc
	for _, seg := range path {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(cur, &obj); err != nil {
			return nil, false
		}
		v, ok := obj[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// setPath writes value at path inside doc, materialising objects along the
// way. Non-object intermediates are replaced.
func setPath(doc json.RawMessage, path []string, value json.RawMessage) json.RawMessage {
	if len(path) == 0 {
		return value
	}
	var obj map[string]json.RawMessage
	if len(doc) > 0 {
		_ = json.Unmarshal(doc, &obj)
	}
	if obj == nil {
		obj = make(map[string]json.RawMessage)
	}
	obj[path[0]] = setPath(obj[path[0]], path[1:], value)
	out, _ := json.Marshal(obj)
	return out
}

// deletePath removes the leaf at path inside doc. Returns the updated
// document and whether the leaf existed.
func deletePath(doc json.RawMessage, path []string) (json.RawMessage, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(doc, &obj); err != nil {
		return doc, false
	}
	key := path[0]
	sub, ok := obj[key]
	if !ok {
		return doc, false
	}
	if len(path) == 1 {
		delete(obj, key)
	} else {
		newSub, deleted := deletePath(sub, path[1:])
		if !deleted {
			return doc, false
		}
		obj[key] = newSub
	}
	out, _ := json.Marshal(obj)
	return out, true
}

func newItemID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return fmt.Sprintf("%x", b)
}
