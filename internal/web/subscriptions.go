package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/auth"
	"github.com/actingweb/actingweb-go/internal/store"
	"github.com/actingweb/actingweb-go/internal/subscription"
	"github.com/actingweb/actingweb-go/internal/trust"
)

// SubscriptionHandler serves both halves of the subscription protocol:
// the publisher side peers subscribe against, and the owner-facing side
// that establishes watches on remote peers.
type SubscriptionHandler struct {
	engine    *subscription.Engine
	syncer    *subscription.Syncer
	evaluator *trust.Evaluator
	authn     *auth.Authenticator
	baseURL   string
	logger    *zap.Logger
}

func NewSubscriptionHandler(engine *subscription.Engine, syncer *subscription.Syncer, evaluator *trust.Evaluator, authn *auth.Authenticator, baseURL string, logger *zap.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{
		engine:    engine,
		syncer:    syncer,
		evaluator: evaluator,
		authn:     authn,
		baseURL:   baseURL,
		logger:    logger,
	}
}

// Register mounts the subscription routes on the actor group.
func (h *SubscriptionHandler) Register(r *gin.Engine) {
	a := r.Group("/:actor_id", auth.Require(h.authn))
	a.GET("/subscriptions", h.List)
	a.POST("/subscriptions", h.SubscribeToPeer)

	p := a.Group("/subscriptions/:peer_id")
	p.POST("", h.Create)
	p.GET("/:sub_id", h.Get)
	p.PUT("/:sub_id", h.Confirm)
	p.DELETE("/:sub_id", h.Delete)
}

// List returns the actor's subscriptions. The owner sees all of them,
// a peer only the ones it holds.
func (h *SubscriptionHandler) List(c *gin.Context) {
	d := auth.FromCtx(c)
	actorID := c.Param("actor_id")

	var f store.SubscriptionFilter
	switch {
	case owner(d):
	case d != nil && d.Peer != nil:
		f.PeerID = d.Peer.PeerID
	default:
		jsonError(c, http.StatusForbidden, "forbidden")
		return
	}

	subs, err := h.engine.List(c.Request.Context(), actorID, f)
	if err != nil {
		h.logger.Error("list subscriptions", zap.String("actor_id", actorID), zap.Error(err))
		jsonError(c, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": actorID, "data": subs})
}

type subscribeToPeerRequest struct {
	Peer        string `json:"peer" binding:"required"`
	Target      string `json:"target" binding:"required"`
	Subtarget   string `json:"subtarget"`
	Resource    string `json:"resource"`
	Granularity string `json:"granularity"`
}

// SubscribeToPeer establishes a watch on a remote peer: the remote
// subscription is created over HTTP and the local half recorded under
// the peer-assigned ID. Owner only.
func (h *SubscriptionHandler) SubscribeToPeer(c *gin.Context) {
	d := auth.FromCtx(c)
	if !owner(d) {
		jsonError(c, http.StatusForbidden, "forbidden")
		return
	}

	var req subscribeToPeerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		jsonError(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	sub, err := h.syncer.SubscribeToPeer(c.Request.Context(), d.Actor.ID, req.Peer, subscription.SubscribeRequest{
		Target:      req.Target,
		Subtarget:   req.Subtarget,
		Resource:    req.Resource,
		Granularity: req.Granularity,
	})
	if err != nil {
		h.logger.Warn("subscribe to peer failed",
			zap.String("actor_id", d.Actor.ID), zap.String("peer_id", req.Peer), zap.Error(err))
		jsonError(c, http.StatusBadGateway, "peer subscription failed")
		return
	}

	url := h.subscriptionURL(d.Actor.ID, sub.PeerID, sub.ID)
	c.Header("Location", url)
	c.JSON(http.StatusCreated, gin.H{"subscription": sub, "url": url})
}

// Create records an inbound subscription: the calling peer watches this
// actor. The peer needs an active trust that grants subscribe on the
// requested target.
func (h *SubscriptionHandler) Create(c *gin.Context) {
	d := auth.FromCtx(c)
	actorID := c.Param("actor_id")
	peerID := c.Param("peer_id")

	var req subscription.SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		jsonError(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	if !owner(d) {
		t := peerOf(d, peerID)
		if t == nil || !t.Active() {
			jsonError(c, http.StatusForbidden, "forbidden")
			return
		}
		path := req.Subtarget
		if path == "" {
			path = "*"
		}
		if !allowed(c, h.evaluator, d, subscribeCategory(req.Target), path, trust.OpSubscribe) {
			jsonError(c, http.StatusForbidden, "forbidden")
			return
		}
	}

	sub, err := h.engine.Subscribe(c.Request.Context(), actorID, peerID, req)
	if err != nil {
		jsonError(c, http.StatusBadRequest, err.Error())
		return
	}

	url := h.subscriptionURL(actorID, peerID, sub.ID)
	c.Header("Location", url)
	c.JSON(http.StatusCreated, gin.H{"subscription": sub, "url": url})
}

// Get returns the subscription and its retained diffs, the pull half of
// the sync protocol.
func (h *SubscriptionHandler) Get(c *gin.Context) {
	d := auth.FromCtx(c)
	actorID := c.Param("actor_id")
	peerID := c.Param("peer_id")
	if !owner(d) && peerOf(d, peerID) == nil {
		jsonError(c, http.StatusForbidden, "forbidden")
		return
	}

	sub, diffs, err := h.engine.Diffs(c.Request.Context(), actorID, peerID, c.Param("sub_id"))
	if err != nil {
		notFoundOr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub, "diffs": diffs})
}

type confirmRequest struct {
	Sequence int `json:"sequence"`
}

// Confirm acknowledges diffs up to a sequence so the publisher can prune
// them. This is the only path that removes diffs; callback delivery never
// does.
func (h *SubscriptionHandler) Confirm(c *gin.Context) {
	d := auth.FromCtx(c)
	actorID := c.Param("actor_id")
	peerID := c.Param("peer_id")
	if !owner(d) && peerOf(d, peerID) == nil {
		jsonError(c, http.StatusForbidden, "forbidden")
		return
	}

	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Sequence < 0 {
		jsonError(c, http.StatusBadRequest, "body must carry a sequence")
		return
	}

	if err := h.engine.Confirm(c.Request.Context(), actorID, peerID, c.Param("sub_id"), req.Sequence); err != nil {
		notFoundOr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Delete removes a subscription. Deleting a watch record as the owner
// also unsubscribes on the remote peer; a peer deleting its own
// subscription is local-only.
func (h *SubscriptionHandler) Delete(c *gin.Context) {
	d := auth.FromCtx(c)
	actorID := c.Param("actor_id")
	peerID := c.Param("peer_id")
	subID := c.Param("sub_id")
	if !owner(d) && peerOf(d, peerID) == nil {
		jsonError(c, http.StatusForbidden, "forbidden")
		return
	}

	sub, err := h.engine.Get(c.Request.Context(), actorID, peerID, subID)
	if err != nil {
		notFoundOr(c, err)
		return
	}

	if sub.Callback && owner(d) {
		err = h.syncer.UnsubscribeFromPeer(c.Request.Context(), actorID, peerID, subID, true)
	} else {
		err = h.engine.Delete(c.Request.Context(), actorID, peerID, subID)
	}
	if err != nil {
		notFoundOr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SubscriptionHandler) subscriptionURL(actorID, peerID, subID string) string {
	return h.baseURL + "/" + actorID + "/subscriptions/" + peerID + "/" + subID
}

// subscribeCategory maps a subscription target onto the permission
// category guarding it.
func subscribeCategory(target string) trust.Category {
	if target == "properties" {
		return trust.CategoryProperties
	}
	return trust.CategoryResources
}
