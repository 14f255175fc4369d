package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/actor"
	"github.com/actingweb/actingweb-go/internal/auth"
	"github.com/actingweb/actingweb-go/internal/peer"
	"github.com/actingweb/actingweb-go/internal/trust"
)

// TrustHandler serves the trust collection: owner-initiated outbound
// relationships, the reciprocal protocol endpoints peers call, approval
// toggles and per-relationship permission overrides.
type TrustHandler struct {
	actors *actor.Service
	trusts *trust.Service
	authn  *auth.Authenticator
	logger *zap.Logger
}

func NewTrustHandler(actors *actor.Service, trusts *trust.Service, authn *auth.Authenticator, logger *zap.Logger) *TrustHandler {
	return &TrustHandler{actors: actors, trusts: trusts, authn: authn, logger: logger}
}

// Register mounts the trust routes. The relationship-creation POST uses
// optional auth: the initiating peer has no credentials with us yet.
func (h *TrustHandler) Register(r *gin.Engine) {
	a := r.Group("/:actor_id")
	a.GET("/trust", auth.Require(h.authn), h.List)
	a.POST("/trust", auth.Require(h.authn), h.Initiate)
	a.POST("/trust/:relationship", auth.Optional(h.authn), h.Receive)

	p := a.Group("/trust/:relationship/:peer_id", auth.Optional(h.authn))
	p.GET("", h.Get)
	p.PUT("", h.Approve)
	p.DELETE("", h.Delete)
	p.GET("/permissions", h.GetPermissions)
	p.PUT("/permissions", h.PutPermissions)
	p.DELETE("/permissions", h.DeletePermissions)
}

// List returns every trust record of the actor. Owner only.
func (h *TrustHandler) List(c *gin.Context) {
	d := auth.FromCtx(c)
	if !owner(d) {
		jsonError(c, http.StatusForbidden, "forbidden")
		return
	}

	trusts, err := h.trusts.List(c.Request.Context(), d.Actor.ID)
	if err != nil {
		h.logger.Error("list trusts", zap.String("actor_id", d.Actor.ID), zap.Error(err))
		jsonError(c, http.StatusInternalServerError, "failed to list trusts")
		return
	}
	c.JSON(http.StatusOK, trusts)
}

type initiateTrustRequest struct {
	URL          string `json:"url" binding:"required"`
	Relationship string `json:"relationship"`
	Desc         string `json:"desc"`
}

// Initiate starts the reciprocal handshake toward a peer actor. Owner
// only; the peer's base URL and the desired relationship come from the
// body.
func (h *TrustHandler) Initiate(c *gin.Context) {
	d := auth.FromCtx(c)
	if !owner(d) {
		jsonError(c, http.StatusForbidden, "forbidden")
		return
	}

	var req initiateTrustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		jsonError(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	t, err := h.trusts.Initiate(c.Request.Context(), d.Actor.ID, req.URL, req.Relationship, req.Desc)
	switch {
	case err == nil:
	case errors.Is(err, trust.ErrInvalidType):
		jsonError(c, http.StatusBadRequest, "unknown trust type")
		return
	default:
		h.logger.Error("initiate trust", zap.String("actor_id", d.Actor.ID), zap.Error(err))
		jsonError(c, http.StatusBadGateway, "peer unreachable")
		return
	}

	c.Header("Location", c.Request.URL.String()+"/"+t.Relationship+"/"+t.PeerID)
	c.JSON(http.StatusCreated, t)
}

// Receive accepts a trust request from a remote actor. This is the
// protocol endpoint the initiating side POSTs to; it runs the
// verification round-trip back to the initiator before storing.
func (h *TrustHandler) Receive(c *gin.Context) {
	actorID := c.Param("actor_id")
	if _, err := h.actors.Get(c.Request.Context(), actorID); err != nil {
		notFoundOr(c, err)
		return
	}

	var req peer.TrustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		jsonError(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	t, err := h.trusts.Receive(c.Request.Context(), actorID, c.Param("relationship"), req)
	switch {
	case err == nil:
	case errors.Is(err, trust.ErrInvalidType):
		jsonError(c, http.StatusBadRequest, "unknown trust type")
		return
	case errors.Is(err, trust.ErrVerificationFailed):
		jsonError(c, http.StatusForbidden, "verification failed")
		return
	default:
		notFoundOr(c, err)
		return
	}

	c.Header("Location", c.Request.URL.String()+"/"+t.PeerID)
	c.JSON(http.StatusCreated, t)
}

// Get returns a single trust record. Three callers are legal: the owner,
// the peer itself (authenticated by its trust secret), and the not yet
// trusted initiator presenting the verification token as the Basic
// password. The last one completes verification and must get the stored
// secret back, closing the round-trip.
func (h *TrustHandler) Get(c *gin.Context) {
	d := auth.FromCtx(c)
	actorID := c.Param("actor_id")
	peerID := c.Param("peer_id")

	if owner(d) {
		t, err := h.trusts.Get(c.Request.Context(), actorID, peerID)
		if err != nil {
			notFoundOr(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
		return
	}
	if t := peerOf(d, peerID); t != nil {
		h.trusts.TouchLastAccessed(c.Request.Context(), t)
		c.JSON(http.StatusOK, t)
		return
	}

	// Verification round-trip: the password slot carries the token.
	if _, token, ok := c.Request.BasicAuth(); ok && token != "" {
		t, err := h.trusts.ConfirmVerification(c.Request.Context(), actorID, c.Param("relationship"), peerID, token)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, t)
		case errors.Is(err, trust.ErrVerificationFailed):
			jsonError(c, http.StatusForbidden, "verification failed")
		default:
			notFoundOr(c, err)
		}
		return
	}

	c.Header("WWW-Authenticate", `Basic realm="trust"`)
	jsonError(c, http.StatusUnauthorized, "authentication required")
}

type approveTrustRequest struct {
	Approved bool `json:"approved"`
}

// Approve flips the approval flag. The owner approves the local side; a
// peer PUT (authenticated by its secret) records that the remote side
// approved.
func (h *TrustHandler) Approve(c *gin.Context) {
	d := auth.FromCtx(c)
	actorID := c.Param("actor_id")
	peerID := c.Param("peer_id")

	var req approveTrustRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Approved {
		jsonError(c, http.StatusBadRequest, "body must set approved")
		return
	}

	var err error
	switch {
	case owner(d):
		_, err = h.trusts.Approve(c.Request.Context(), actorID, peerID)
	case peerOf(d, peerID) != nil:
		_, err = h.trusts.SetPeerApproved(c.Request.Context(), actorID, peerID)
	default:
		jsonError(c, http.StatusForbidden, "forbidden")
		return
	}
	if err != nil {
		notFoundOr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Delete removes the relationship. Owner deletion notifies the peer;
// a peer deleting its side arrives here already notified.
func (h *TrustHandler) Delete(c *gin.Context) {
	d := auth.FromCtx(c)
	actorID := c.Param("actor_id")
	peerID := c.Param("peer_id")

	var notifyPeer bool
	switch {
	case owner(d):
		notifyPeer = true
	case peerOf(d, peerID) != nil:
		notifyPeer = false
	default:
		jsonError(c, http.StatusForbidden, "forbidden")
		return
	}

	if err := h.trusts.Delete(c.Request.Context(), actorID, peerID, notifyPeer); err != nil {
		notFoundOr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetPermissions returns the permission override for this relationship.
func (h *TrustHandler) GetPermissions(c *gin.Context) {
	d := auth.FromCtx(c)
	if !owner(d) {
		jsonError(c, http.StatusForbidden, "forbidden")
		return
	}

	ps, err := h.trusts.Overrides().Get(c.Request.Context(), c.Param("actor_id"), c.Param("peer_id"))
	if err != nil {
		notFoundOr(c, err)
		return
	}
	c.JSON(http.StatusOK, ps)
}

// PutPermissions stores a permission override for this relationship.
func (h *TrustHandler) PutPermissions(c *gin.Context) {
	d := auth.FromCtx(c)
	if !owner(d) {
		jsonError(c, http.StatusForbidden, "forbidden")
		return
	}
	actorID := c.Param("actor_id")
	peerID := c.Param("peer_id")

	if _, err := h.trusts.Get(c.Request.Context(), actorID, peerID); err != nil {
		notFoundOr(c, err)
		return
	}

	var ps trust.PermissionSet
	if err := c.ShouldBindJSON(&ps); err != nil {
		jsonError(c, http.StatusBadRequest, "invalid permission set: "+err.Error())
		return
	}
	if err := h.trusts.Overrides().Set(c.Request.Context(), actorID, peerID, &ps); err != nil {
		h.logger.Error("store permission override", zap.String("actor_id", actorID), zap.Error(err))
		jsonError(c, http.StatusInternalServerError, "failed to store override")
		return
	}
	c.Status(http.StatusNoContent)
}

// DeletePermissions drops the override, falling back to the trust type.
func (h *TrustHandler) DeletePermissions(c *gin.Context) {
	d := auth.FromCtx(c)
	if !owner(d) {
		jsonError(c, http.StatusForbidden, "forbidden")
		return
	}

	if err := h.trusts.Overrides().Delete(c.Request.Context(), c.Param("actor_id"), c.Param("peer_id")); err != nil {
		notFoundOr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
