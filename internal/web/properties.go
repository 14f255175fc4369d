package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/actor"
	"github.com/actingweb/actingweb-go/internal/auth"
	"github.com/actingweb/actingweb-go/internal/hooks"
	"github.com/actingweb/actingweb-go/internal/store"
	"github.com/actingweb/actingweb-go/internal/trust"
)

// PropertyHandler serves the property tree of an actor: plain values,
// nested paths, and list properties with stable item IDs.
type PropertyHandler struct {
	actors    *actor.Service
	props     *actor.Properties
	evaluator *trust.Evaluator
	authn     *auth.Authenticator
	logger    *zap.Logger
}

func NewPropertyHandler(actors *actor.Service, props *actor.Properties, evaluator *trust.Evaluator, authn *auth.Authenticator, logger *zap.Logger) *PropertyHandler {
	return &PropertyHandler{actors: actors, props: props, evaluator: evaluator, authn: authn, logger: logger}
}

// Register mounts the property routes on the actor group.
func (h *PropertyHandler) Register(r *gin.Engine) {
	a := r.Group("/:actor_id", auth.Require(h.authn))
	a.GET("/properties", h.List)
	a.POST("/properties", h.Create)
	a.DELETE("/properties", h.DeleteAll)
	a.GET("/properties/*prop_path", h.Get)
	a.PUT("/properties/*prop_path", h.Put)
	a.POST("/properties/*prop_path", h.Post)
	a.DELETE("/properties/*prop_path", h.Delete)
}

// propPath splits the catch-all parameter into path segments.
func propPath(c *gin.Context) []string {
	raw := strings.Trim(c.Param("prop_path"), "/")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "/")
}

// isListValue reports whether a stored property value is a list property
// (a JSON array of {id, data} items) rather than a plain or nested value.
func isListValue(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

// readBody accepts either a raw JSON body or a form field named "value".
func readBody(c *gin.Context) (json.RawMessage, bool) {
	if strings.HasPrefix(c.ContentType(), "application/x-www-form-urlencoded") {
		v := c.PostForm("value")
		if v == "" {
			return nil, false
		}
		if json.Valid([]byte(v)) {
			return json.RawMessage(v), true
		}
		quoted, _ := json.Marshal(v)
		return quoted, true
	}
	raw, err := c.GetRawData()
	if err != nil || len(raw) == 0 || !json.Valid(raw) {
		return nil, false
	}
	return raw, true
}

// List returns all properties the caller may see. Owners get everything;
// peers get the subset their relationship grants read on.
func (h *PropertyHandler) List(c *gin.Context) {
	d := auth.FromCtx(c)
	if !owner(d) && (d == nil || d.Peer == nil) {
		jsonError(c, http.StatusForbidden, "forbidden")
		return
	}

	a, err := h.actors.Get(c.Request.Context(), c.Param("actor_id"))
	if err != nil {
		notFoundOr(c, err)
		return
	}

	all, err := h.props.List(c.Request.Context(), a)
	if err != nil {
		h.logger.Error("list properties", zap.String("actor_id", a.ID), zap.Error(err))
		jsonError(c, http.StatusInternalServerError, "failed to list properties")
		return
	}

	if !owner(d) {
		for name := range all {
			if !allowed(c, h.evaluator, d, trust.CategoryProperties, name, trust.OpRead) {
				delete(all, name)
			}
		}
	}
	c.JSON(http.StatusOK, all)
}

// Get returns the value at a nested path.
func (h *PropertyHandler) Get(c *gin.Context) {
	d := auth.FromCtx(c)
	path := propPath(c)
	if len(path) == 0 {
		jsonError(c, http.StatusBadRequest, "property path required")
		return
	}
	if !allowed(c, h.evaluator, d, trust.CategoryProperties, strings.Join(path, "/"), trust.OpRead) {
		jsonError(c, http.StatusForbidden, "forbidden")
		return
	}

	a, err := h.actors.Get(c.Request.Context(), c.Param("actor_id"))
	if err != nil {
		notFoundOr(c, err)
		return
	}

	value, err := h.props.Get(c.Request.Context(), a, path)
	if err != nil {
		notFoundOr(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", value)
}

// Put replaces the value at a path. A two-segment path whose first
// segment holds a list property updates the item named by the second.
func (h *PropertyHandler) Put(c *gin.Context) {
	d := auth.FromCtx(c)
	path := propPath(c)
	if len(path) == 0 {
		jsonError(c, http.StatusBadRequest, "property path required")
		return
	}
	if !allowed(c, h.evaluator, d, trust.CategoryProperties, strings.Join(path, "/"), trust.OpWrite) {
		jsonError(c, http.StatusForbidden, "forbidden")
		return
	}

	value, ok := readBody(c)
	if !ok {
		jsonError(c, http.StatusBadRequest, "invalid JSON body")
		return
	}

	a, err := h.actors.Get(c.Request.Context(), c.Param("actor_id"))
	if err != nil {
		notFoundOr(c, err)
		return
	}

	if len(path) == 2 && h.storedIsList(c, a, path[0]) {
		err = h.props.ListUpdate(c.Request.Context(), a, path[0], path[1], value)
	} else {
		_, err = h.props.Set(c.Request.Context(), a, path, value, hooks.OpPut)
	}
	h.writeMutationResult(c, err)
}

// Create sets top-level properties from a JSON object body.
func (h *PropertyHandler) Create(c *gin.Context) {
	h.postInto(c, nil)
}

// Post creates or updates children under a path. Posting to a list
// property appends the body as a new item.
func (h *PropertyHandler) Post(c *gin.Context) {
	path := propPath(c)
	if len(path) == 0 {
		jsonError(c, http.StatusBadRequest, "property path required")
		return
	}
	h.postInto(c, path)
}

func (h *PropertyHandler) postInto(c *gin.Context, path []string) {
	d := auth.FromCtx(c)

	value, ok := readBody(c)
	if !ok {
		jsonError(c, http.StatusBadRequest, "invalid JSON body")
		return
	}

	a, err := h.actors.Get(c.Request.Context(), c.Param("actor_id"))
	if err != nil {
		notFoundOr(c, err)
		return
	}

	// A single-segment POST against an existing list property appends.
	if len(path) == 1 && h.storedIsList(c, a, path[0]) {
		if !allowed(c, h.evaluator, d, trust.CategoryProperties, path[0], trust.OpWrite) {
			jsonError(c, http.StatusForbidden, "forbidden")
			return
		}
		item, err := h.props.ListAppend(c.Request.Context(), a, path[0], value)
		if err != nil {
			h.writeMutationResult(c, err)
			return
		}
		c.JSON(http.StatusCreated, item)
		return
	}

	var children map[string]json.RawMessage
	if err := json.Unmarshal(value, &children); err != nil {
		// Non-object body: treat the POST as creating the value itself.
		if len(path) == 0 {
			jsonError(c, http.StatusBadRequest, "body must be a JSON object")
			return
		}
		if !allowed(c, h.evaluator, d, trust.CategoryProperties, strings.Join(path, "/"), trust.OpWrite) {
			jsonError(c, http.StatusForbidden, "forbidden")
			return
		}
		_, err := h.props.Set(c.Request.Context(), a, path, value, hooks.OpPost)
		h.writeMutationResult(c, err)
		return
	}

	// Fail-secure: check every child before writing any.
	for name := range children {
		target := strings.Join(append(append([]string{}, path...), name), "/")
		if !allowed(c, h.evaluator, d, trust.CategoryProperties, target, trust.OpWrite) {
			jsonError(c, http.StatusForbidden, "forbidden")
			return
		}
	}
	for name, child := range children {
		childPath := append(append([]string{}, path...), name)
		if _, err := h.props.Set(c.Request.Context(), a, childPath, child, hooks.OpPost); err != nil {
			h.writeMutationResult(c, err)
			return
		}
	}
	c.Status(http.StatusNoContent)
}

// Delete removes the value at a path, or a list item when the path names
// one.
func (h *PropertyHandler) Delete(c *gin.Context) {
	d := auth.FromCtx(c)
	path := propPath(c)
	if len(path) == 0 {
		jsonError(c, http.StatusBadRequest, "property path required")
		return
	}
	if !allowed(c, h.evaluator, d, trust.CategoryProperties, strings.Join(path, "/"), trust.OpDelete) {
		jsonError(c, http.StatusForbidden, "forbidden")
		return
	}

	a, err := h.actors.Get(c.Request.Context(), c.Param("actor_id"))
	if err != nil {
		notFoundOr(c, err)
		return
	}

	if len(path) == 2 && h.storedIsList(c, a, path[0]) {
		err = h.props.ListDelete(c.Request.Context(), a, path[0], path[1])
	} else {
		err = h.props.Delete(c.Request.Context(), a, path)
	}
	h.writeMutationResult(c, err)
}

// DeleteAll wipes the property tree. Owner only.
func (h *PropertyHandler) DeleteAll(c *gin.Context) {
	d := auth.FromCtx(c)
	if !owner(d) {
		jsonError(c, http.StatusForbidden, "forbidden")
		return
	}

	a, err := h.actors.Get(c.Request.Context(), c.Param("actor_id"))
	if err != nil {
		notFoundOr(c, err)
		return
	}

	if err := h.props.DeleteAll(c.Request.Context(), a); err != nil {
		h.writeMutationResult(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// storedIsList reports whether the named top-level property currently
// holds a list. Hidden or missing properties read as plain.
func (h *PropertyHandler) storedIsList(c *gin.Context, a *store.Actor, name string) bool {
	raw, err := h.props.Get(c.Request.Context(), a, []string{name})
	return err == nil && isListValue(raw)
}

func (h *PropertyHandler) writeMutationResult(c *gin.Context, err error) {
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, actor.ErrRejected):
		jsonError(c, http.StatusForbidden, "rejected")
	case errors.Is(err, store.ErrNotFound):
		jsonError(c, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrConflict):
		jsonError(c, http.StatusConflict, "conflict")
	default:
		h.logger.Error("property mutation", zap.Error(err))
		jsonError(c, http.StatusInternalServerError, "internal error")
	}
}
