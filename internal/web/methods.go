package web

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/actor"
	"github.com/actingweb/actingweb-go/internal/auth"
	"github.com/actingweb/actingweb-go/internal/hooks"
	"github.com/actingweb/actingweb-go/internal/trust"
)

// MethodHandler exposes hook-backed RPC on an actor: methods for
// request/response calls and actions for state-changing operations.
type MethodHandler struct {
	actors    *actor.Service
	hooks     *hooks.Registry
	evaluator *trust.Evaluator
	authn     *auth.Authenticator
	logger    *zap.Logger
}

func NewMethodHandler(actors *actor.Service, hookReg *hooks.Registry, evaluator *trust.Evaluator, authn *auth.Authenticator, logger *zap.Logger) *MethodHandler {
	return &MethodHandler{actors: actors, hooks: hookReg, evaluator: evaluator, authn: authn, logger: logger}
}

func (h *MethodHandler) Register(r *gin.Engine) {
	a := r.Group("/:actor_id", auth.Require(h.authn))
	a.POST("/methods/:name", h.Method)
	a.POST("/actions/:name", h.Action)
}

func (h *MethodHandler) Method(c *gin.Context) {
	h.dispatch(c, trust.CategoryMethods, h.hooks.DispatchMethod)
}

func (h *MethodHandler) Action(c *gin.Context) {
	h.dispatch(c, trust.CategoryActions, h.hooks.DispatchAction)
}

type dispatchFunc func(ctx context.Context, ref hooks.ActorRef, name string, params json.RawMessage) (json.RawMessage, bool)

// dispatch runs one named call through its hooks. The name itself is the
// permission target; a peer whose relationship does not list it gets 403
// before any hook runs. An unhandled name is 404, a hook result is
// returned verbatim.
func (h *MethodHandler) dispatch(c *gin.Context, category trust.Category, fn dispatchFunc) {
	d := auth.FromCtx(c)
	name := c.Param("name")

	if !allowed(c, h.evaluator, d, category, name, trust.OpRead) {
		jsonError(c, http.StatusForbidden, "forbidden")
		return
	}

	a, err := h.actors.Get(c.Request.Context(), c.Param("actor_id"))
	if err != nil {
		notFoundOr(c, err)
		return
	}

	params, err := c.GetRawData()
	if err != nil {
		jsonError(c, http.StatusBadRequest, "unreadable body")
		return
	}
	if len(params) > 0 && !json.Valid(params) {
		jsonError(c, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, handled := fn(c.Request.Context(), hooks.ActorRef{ID: a.ID, Creator: a.Creator}, name, params)
	if !handled {
		jsonError(c, http.StatusNotFound, "not implemented")
		return
	}
	if len(result) == 0 {
		c.Status(http.StatusNoContent)
		return
	}
	c.Data(http.StatusOK, "application/json", result)
}
