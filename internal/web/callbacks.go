package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/actor"
	"github.com/actingweb/actingweb-go/internal/auth"
	"github.com/actingweb/actingweb-go/internal/hooks"
	"github.com/actingweb/actingweb-go/internal/subscription"
)

// CallbackHandler receives subscription callbacks from publishing peers
// and application-defined callbacks addressed by name.
type CallbackHandler struct {
	actors    *actor.Service
	processor *subscription.Processor
	syncer    *subscription.Syncer
	hooks     *hooks.Registry
	authn     *auth.Authenticator
	logger    *zap.Logger
}

func NewCallbackHandler(actors *actor.Service, processor *subscription.Processor, syncer *subscription.Syncer, hookReg *hooks.Registry, authn *auth.Authenticator, logger *zap.Logger) *CallbackHandler {
	return &CallbackHandler{
		actors:    actors,
		processor: processor,
		syncer:    syncer,
		hooks:     hookReg,
		authn:     authn,
		logger:    logger,
	}
}

// Register mounts the callback routes. Named callbacks use optional auth
// so third-party services without actor credentials can reach them; the
// hooks decide what they accept.
func (h *CallbackHandler) Register(r *gin.Engine) {
	a := r.Group("/:actor_id")
	a.POST("/callbacks/:name", auth.Optional(h.authn), h.Named)

	s := a.Group("/callbacks/subscriptions/:peer_id/:sub_id", auth.Require(h.authn))
	s.POST("", h.Receive)
	s.DELETE("", h.Terminate)
}

// Receive runs one inbound subscription callback through the processor
// state machine and answers with its verdict: 204 applied or duplicate,
// 202 parked on a gap, 429 when the pending queue is full, 200 after a
// completed resync, 502 when resync failed, 503 when state contention
// exhausted its retries.
func (h *CallbackHandler) Receive(c *gin.Context) {
	d := auth.FromCtx(c)
	actorID := c.Param("actor_id")
	peerID := c.Param("peer_id")

	if !owner(d) && peerOf(d, peerID) == nil {
		jsonError(c, http.StatusForbidden, "forbidden")
		return
	}

	var cb subscription.Callback
	if err := c.ShouldBindJSON(&cb); err != nil {
		jsonError(c, http.StatusBadRequest, "invalid callback: "+err.Error())
		return
	}

	out, err := h.processor.Process(c.Request.Context(), actorID, peerID, c.Param("sub_id"), cb)
	if err != nil {
		h.logger.Error("callback processing",
			zap.String("actor_id", actorID),
			zap.String("subscription_id", c.Param("sub_id")),
			zap.Error(err))
		jsonError(c, http.StatusInternalServerError, "callback processing failed")
		return
	}
	if out.Status >= http.StatusBadRequest {
		jsonError(c, out.Status, http.StatusText(out.Status))
		return
	}
	c.Status(out.Status)
}

// Terminate handles a publisher telling us the subscription is gone.
// The local watch record is dropped without a reciprocal delete.
func (h *CallbackHandler) Terminate(c *gin.Context) {
	d := auth.FromCtx(c)
	actorID := c.Param("actor_id")
	peerID := c.Param("peer_id")

	if !owner(d) && peerOf(d, peerID) == nil {
		jsonError(c, http.StatusForbidden, "forbidden")
		return
	}

	if err := h.syncer.UnsubscribeFromPeer(c.Request.Context(), actorID, peerID, c.Param("sub_id"), false); err != nil {
		notFoundOr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Named dispatches an application callback to its registered hooks.
func (h *CallbackHandler) Named(c *gin.Context) {
	actorID := c.Param("actor_id")
	a, err := h.actors.Get(c.Request.Context(), actorID)
	if err != nil {
		notFoundOr(c, err)
		return
	}

	payload, err := c.GetRawData()
	if err != nil {
		jsonError(c, http.StatusBadRequest, "unreadable body")
		return
	}

	handled, err := h.hooks.DispatchCallback(c.Request.Context(), hooks.ActorRef{ID: a.ID, Creator: a.Creator}, c.Param("name"), payload)
	if err != nil {
		h.logger.Error("callback hook",
			zap.String("actor_id", actorID),
			zap.String("name", c.Param("name")),
			zap.Error(err))
		jsonError(c, http.StatusInternalServerError, "callback failed")
		return
	}
	if !handled {
		jsonError(c, http.StatusNotFound, "no such callback")
		return
	}
	c.Status(http.StatusNoContent)
}
