package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/actor"
	"github.com/actingweb/actingweb-go/internal/auth"
)

// AppMeta describes this application for the /meta document peers read
// during discovery.
type AppMeta struct {
	Type    string
	Version string
	Desc    string
	// Supported is the comma-separated optional-feature list peers fetch
	// from /meta/actingweb/supported before relying on a feature.
	Supported string
}

// DefaultSupported is advertised when the application does not override
// the feature list.
const DefaultSupported = "callbacks,subscriptions,resync,methods,actions,oauth"

// ActorHandler serves the factory, the actor root, and the metadata
// document.
type ActorHandler struct {
	actors  *actor.Service
	authn   *auth.Authenticator
	baseURL string
	meta    AppMeta
	logger  *zap.Logger
}

func NewActorHandler(actors *actor.Service, authn *auth.Authenticator, baseURL string, meta AppMeta, logger *zap.Logger) *ActorHandler {
	if meta.Supported == "" {
		meta.Supported = DefaultSupported
	}
	if meta.Type == "" {
		meta.Type = strings.TrimSuffix(baseURL, "/")
	}
	return &ActorHandler{
		actors:  actors,
		authn:   authn,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		meta:    meta,
		logger:  logger,
	}
}

func (h *ActorHandler) Register(r *gin.Engine) {
	r.POST("/", h.CreateActor)

	a := r.Group("/:actor_id")
	a.GET("", auth.Require(h.authn), h.GetActor)
	a.DELETE("", auth.Require(h.authn), h.DeleteActor)
	a.GET("/meta", h.GetMeta)
	a.GET("/meta/*meta_path", h.GetMetaValue)
}

type createActorRequest struct {
	Creator    string `json:"creator" form:"creator"`
	Passphrase string `json:"passphrase" form:"passphrase"`
}

// CreateActor is the factory: instantiate one actor per POST.
func (h *ActorHandler) CreateActor(c *gin.Context) {
	var req createActorRequest
	if err := c.ShouldBind(&req); err != nil {
		jsonError(c, http.StatusBadRequest, "creator is required")
		return
	}

	a, passphrase, err := h.actors.Create(c.Request.Context(), actor.CreateInput{
		Creator:    req.Creator,
		Passphrase: req.Passphrase,
	})
	switch {
	case err == nil:
	case errors.Is(err, actor.ErrCreatorTaken):
		jsonError(c, http.StatusConflict, "creator already has an actor")
		return
	default:
		jsonError(c, http.StatusBadRequest, err.Error())
		return
	}

	url := h.baseURL + "/" + a.ID
	c.Header("Location", url)
	c.JSON(http.StatusCreated, gin.H{
		"id":         a.ID,
		"creator":    a.Creator,
		"passphrase": passphrase,
		"url":        url,
	})
}

// GetActor serves the actor root. Only the actor's own side may read it.
func (h *ActorHandler) GetActor(c *gin.Context) {
	d := auth.FromCtx(c)
	if !owner(d) {
		jsonError(c, http.StatusForbidden, "forbidden")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":      d.Actor.ID,
		"creator": d.Actor.Creator,
		"url":     h.baseURL + "/" + d.Actor.ID,
	})
}

// DeleteActor removes the actor and everything it owns.
func (h *ActorHandler) DeleteActor(c *gin.Context) {
	d := auth.FromCtx(c)
	if !owner(d) {
		jsonError(c, http.StatusForbidden, "forbidden")
		return
	}
	if err := h.actors.Delete(c.Request.Context(), d.Actor.ID); err != nil {
		notFoundOr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// metaDoc builds the public metadata document. It is unauthenticated:
// peers read it before any trust exists.
func (h *ActorHandler) metaDoc(actorID string) map[string]string {
	return map[string]string{
		"id":        actorID,
		"type":      h.meta.Type,
		"version":   h.meta.Version,
		"desc":      h.meta.Desc,
		"supported": h.meta.Supported,
	}
}

func (h *ActorHandler) GetMeta(c *gin.Context) {
	actorID := c.Param("actor_id")
	if _, err := h.actors.Get(c.Request.Context(), actorID); err != nil {
		notFoundOr(c, err)
		return
	}
	c.JSON(http.StatusOK, h.metaDoc(actorID))
}

// GetMetaValue serves one metadata value as plain text. The nested
// actingweb/* names exist for protocol compatibility; they resolve to the
// same values as the flat document.
func (h *ActorHandler) GetMetaValue(c *gin.Context) {
	actorID := c.Param("actor_id")
	if _, err := h.actors.Get(c.Request.Context(), actorID); err != nil {
		notFoundOr(c, err)
		return
	}

	name := strings.Trim(c.Param("meta_path"), "/")
	doc := h.metaDoc(actorID)
	value, ok := doc[name]
	if !ok {
		switch name {
		case "actingweb/supported":
			value, ok = doc["supported"], true
		case "actingweb/version":
			value, ok = doc["version"], true
		}
	}
	if !ok || value == "" {
		jsonError(c, http.StatusNotFound, "no such metadata")
		return
	}
	c.String(http.StatusOK, value)
}
