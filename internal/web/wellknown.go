package web

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/actingweb/actingweb-go/internal/oauth"
)

// WellKnownHandler serves the RFC 8414 / RFC 9728 discovery documents
// clients use to find the token endpoints before they have any
// credentials.
type WellKnownHandler struct {
	server *oauth.Server
}

func NewWellKnownHandler(server *oauth.Server) *WellKnownHandler {
	return &WellKnownHandler{server: server}
}

func (h *WellKnownHandler) Register(r *gin.Engine) {
	g := r.Group("/.well-known")
	g.GET("/oauth-authorization-server", h.AuthorizationServer)
	g.GET("/oauth-protected-resource", h.ProtectedResource)
	g.GET("/oauth-protected-resource/mcp", h.ProtectedResourceMCP)
}

func (h *WellKnownHandler) AuthorizationServer(c *gin.Context) {
	c.JSON(http.StatusOK, h.server.Metadata())
}

func (h *WellKnownHandler) ProtectedResource(c *gin.Context) {
	c.JSON(http.StatusOK, h.server.ProtectedResource(""))
}

func (h *WellKnownHandler) ProtectedResourceMCP(c *gin.Context) {
	c.JSON(http.StatusOK, h.server.ProtectedResource("/mcp"))
}
