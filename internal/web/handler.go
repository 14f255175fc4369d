// Package web serves the engine's HTTP surface: the actor factory, the
// per-actor REST protocol (properties, trust, subscriptions, callbacks,
// methods, actions), the OAuth2 endpoints of both roles, and the
// discovery documents. Handlers translate between HTTP and the domain
// services; protocol semantics live in the services themselves.
package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/actingweb/actingweb-go/internal/auth"
	"github.com/actingweb/actingweb-go/internal/store"
	"github.com/actingweb/actingweb-go/internal/trust"
)

// owner reports whether the decision is the actor's own side: the creator
// by passphrase or an OAuth login bound to this actor. Peers and actorless
// clients are not owners.
func owner(d *auth.Decision) bool {
	return d != nil && (d.Kind == auth.KindCreator || d.Kind == auth.KindOAuth)
}

// peerOf returns the trust record when the decision is the named peer.
func peerOf(d *auth.Decision, peerID string) *store.Trust {
	if d == nil || d.Kind != auth.KindPeer || d.Peer == nil || d.Peer.PeerID != peerID {
		return nil
	}
	return d.Peer
}

// allowed consults the permission evaluator for a peer-authenticated
// request. Owners bypass evaluation entirely. Evaluation errors deny.
func allowed(c *gin.Context, ev *trust.Evaluator, d *auth.Decision, category trust.Category, target, op string) bool {
	if owner(d) {
		return true
	}
	if d == nil || d.Peer == nil {
		return false
	}
	dec, err := ev.Evaluate(c.Request.Context(), d.Peer, category, target, op)
	if err != nil {
		return false
	}
	return dec.Allowed
}

func jsonError(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}

// notFoundOr maps store lookup failures: ErrNotFound becomes a 404,
// anything else a 500.
func notFoundOr(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		jsonError(c, http.StatusNotFound, "not found")
		return
	}
	jsonError(c, http.StatusInternalServerError, "internal error")
}
