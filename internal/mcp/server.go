// Package mcp exposes an actor's hook surface over the Model Context
// Protocol: JSON-RPC 2.0 on /mcp, gated by engine-issued bearer tokens.
// Registered methods and actions appear as MCP tools, properties as MCP
// resources, both filtered through the permission evaluator for the
// client's trust relationship.
package mcp

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/actor"
	"github.com/actingweb/actingweb-go/internal/auth"
	"github.com/actingweb/actingweb-go/internal/hooks"
	"github.com/actingweb/actingweb-go/internal/oauth"
	"github.com/actingweb/actingweb-go/internal/store"
	"github.com/actingweb/actingweb-go/internal/trust"
)

const protocolVersion = "2024-11-05"

// resourceScheme prefixes the URI under which an actor's properties are
// published as MCP resources. Permission patterns match against the full
// URI, so types can scope access with URI-prefix rules.
const resourceScheme = "actingweb://properties/"

// rpcRequest is an inbound JSON-RPC 2.0 message.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"` // nil = notification
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is an outbound JSON-RPC 2.0 message.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Standard JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// toolDefinition is the MCP tool descriptor sent in tools/list responses.
type toolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// resourceEntry is one resources/list element.
type resourceEntry struct {
	URI      string `json:"uri"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
}

// ServerInfo names this server in initialize responses.
type ServerInfo struct {
	Name    string
	Version string
}

// Handler serves the /mcp endpoint.
type Handler struct {
	actors    *actor.Service
	props     *actor.Properties
	trusts    *trust.Service
	evaluator *trust.Evaluator
	authn     *auth.Authenticator
	hooks     *hooks.Registry
	info      ServerInfo
	baseURL   string
	logger    *zap.Logger
}

func NewHandler(actors *actor.Service, props *actor.Properties, trusts *trust.Service, evaluator *trust.Evaluator, authn *auth.Authenticator, hookReg *hooks.Registry, info ServerInfo, baseURL string, logger *zap.Logger) *Handler {
	if info.Name == "" {
		info.Name = "actingweb"
	}
	return &Handler{
		actors:    actors,
		props:     props,
		trusts:    trusts,
		evaluator: evaluator,
		authn:     authn,
		hooks:     hookReg,
		info:      info,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

func (h *Handler) Register(r *gin.Engine) {
	r.POST("/mcp", h.Post)
	r.GET("/mcp", h.Info)
}

// session is the resolved identity behind a bearer token: the bound
// actor, and either owner rights (browser session) or the trust record
// the permission evaluator runs against. An actorless client-credentials
// token has neither.
type session struct {
	actor *store.Actor
	trust *store.Trust
	owner bool
}

// authenticate accepts engine bearer tokens only. Anything else gets the
// RFC 9728 challenge naming the MCP resource document, from which a
// client can discover the authorization server.
func (h *Handler) authenticate(c *gin.Context) (*session, bool) {
	d := h.authn.Authenticate(c.Request.Context(), "", c.Request)
	if !d.Authenticated || d.Token == nil {
		c.Header("WWW-Authenticate",
			`Bearer realm="actingweb", resource_metadata="`+h.baseURL+`/.well-known/oauth-protected-resource/mcp"`)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return nil, false
	}

	s := &session{actor: d.Actor}
	if d.Actor == nil {
		return s, true
	}
	if d.Token.ClientID == oauth.WebClientID {
		s.owner = true
		return s, true
	}
	tr, err := h.trusts.Get(c.Request.Context(), d.Actor.ID, d.Token.ClientID)
	if err == nil {
		s.trust = tr
	} else if !errors.Is(err, store.ErrNotFound) {
		h.logger.Error("client trust lookup failed",
			zap.String("actor_id", d.Actor.ID),
			zap.String("client_id", d.Token.ClientID),
			zap.Error(err))
	}
	// A client whose trust was removed keeps an empty view rather than an
	// error: the token authenticates, the relationship grants nothing.
	return s, true
}

// permitted answers visibility for one tool or resource.
func (h *Handler) permitted(c *gin.Context, s *session, category trust.Category, target string) bool {
	if s.owner {
		return true
	}
	if s.trust == nil {
		return false
	}
	d, err := h.evaluator.Evaluate(c.Request.Context(), s.trust, category, target, trust.OpRead)
	return err == nil && d.Allowed
}

// Info serves server identification on GET, for clients that probe the
// endpoint before speaking JSON-RPC.
func (h *Handler) Info(c *gin.Context) {
	if _, ok := h.authenticate(c); !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name":            h.info.Name,
		"version":         h.info.Version,
		"protocolVersion": protocolVersion,
		"capabilities":    gin.H{"tools": gin.H{}, "resources": gin.H{}},
	})
}

// Post handles one JSON-RPC message per HTTP request.
func (h *Handler) Post(c *gin.Context) {
	s, ok := h.authenticate(c)
	if !ok {
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusOK, errorResponse(json.RawMessage("null"), codeParseError, "parse error"))
		return
	}
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusOK, errorResponse(json.RawMessage("null"), codeParseError, "parse error"))
		return
	}

	// Notifications carry no id and get no response body.
	if len(req.ID) == 0 {
		c.Status(http.StatusAccepted)
		return
	}
	c.JSON(http.StatusOK, h.dispatch(c, s, req))
}

func (h *Handler) dispatch(c *gin.Context, s *session, req rpcRequest) rpcResponse {
	switch req.Method {
	case "initialize":
		return resultResponse(req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}, "resources": map[string]any{}},
			"serverInfo":      map[string]any{"name": h.info.Name, "version": h.info.Version},
		})
	case "ping":
		return resultResponse(req.ID, map[string]any{})
	case "tools/list":
		return h.toolsList(c, s, req)
	case "tools/call":
		return h.toolsCall(c, s, req)
	case "resources/list":
		return h.resourcesList(c, s, req)
	case "resources/read":
		return h.resourcesRead(c, s, req)
	default:
		return errorResponse(req.ID, codeMethodNotFound, "method not found: "+req.Method)
	}
}

func (h *Handler) toolsList(c *gin.Context, s *session, req rpcRequest) rpcResponse {
	defs := make([]toolDefinition, 0)
	seen := make(map[string]bool)
	if s.actor != nil {
		for _, name := range h.hooks.MethodNames() {
			if h.permitted(c, s, trust.CategoryTools, name) {
				seen[name] = true
				defs = append(defs, toolDefinition{
					Name:        name,
					Description: "Invoke the " + name + " method of the connected actor.",
					InputSchema: map[string]any{"type": "object"},
				})
			}
		}
		for _, name := range h.hooks.ActionNames() {
			if !seen[name] && h.permitted(c, s, trust.CategoryTools, name) {
				defs = append(defs, toolDefinition{
					Name:        name,
					Description: "Trigger the " + name + " action of the connected actor.",
					InputSchema: map[string]any{"type": "object"},
				})
			}
		}
	}
	return resultResponse(req.ID, map[string]any{"tools": defs})
}

func (h *Handler) toolsCall(c *gin.Context, s *session, req rpcRequest) rpcResponse {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return errorResponse(req.ID, codeInvalidParams, "invalid params")
	}
	if s.actor == nil {
		return errorResponse(req.ID, codeInvalidRequest,
			"no actor is bound to this token; complete the authorization code flow first")
	}
	// Denied and nonexistent tools are indistinguishable on purpose.
	if !h.permitted(c, s, trust.CategoryTools, params.Name) {
		return errorResponse(req.ID, codeInvalidParams, "unknown tool: "+params.Name)
	}

	h.logger.Debug("tool call",
		zap.String("actor_id", s.actor.ID),
		zap.String("tool", params.Name))

	ref := hooks.ActorRef{ID: s.actor.ID, Creator: s.actor.Creator}
	ctx := c.Request.Context()
	result, handled := h.hooks.DispatchMethod(ctx, ref, params.Name, params.Arguments)
	if !handled {
		result, handled = h.hooks.DispatchAction(ctx, ref, params.Name, params.Arguments)
	}
	if !handled {
		return errorResponse(req.ID, codeInvalidParams, "unknown tool: "+params.Name)
	}

	text := string(result)
	if text == "" {
		text = "ok"
	}
	return resultResponse(req.ID, map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
		"isError": false,
	})
}

func (h *Handler) resourcesList(c *gin.Context, s *session, req rpcRequest) rpcResponse {
	entries := make([]resourceEntry, 0)
	if s.actor != nil {
		props, err := h.props.List(c.Request.Context(), s.actor)
		if err != nil {
			h.logger.Error("resource listing failed", zap.String("actor_id", s.actor.ID), zap.Error(err))
			return errorResponse(req.ID, codeInternalError, "internal error")
		}
		for name := range props {
			uri := resourceScheme + name
			if h.permitted(c, s, trust.CategoryResources, uri) {
				entries = append(entries, resourceEntry{
					URI:      uri,
					Name:     name,
					MimeType: "application/json",
				})
			}
		}
	}
	return resultResponse(req.ID, map[string]any{"resources": entries})
}

func (h *Handler) resourcesRead(c *gin.Context, s *session, req rpcRequest) rpcResponse {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return errorResponse(req.ID, codeInvalidParams, "invalid params")
	}
	name, ok := strings.CutPrefix(params.URI, resourceScheme)
	if !ok || name == "" {
		return errorResponse(req.ID, codeInvalidParams, "unsupported resource URI: "+params.URI)
	}
	if s.actor == nil {
		return errorResponse(req.ID, codeInvalidRequest,
			"no actor is bound to this token; complete the authorization code flow first")
	}
	if !h.permitted(c, s, trust.CategoryResources, params.URI) {
		return errorResponse(req.ID, codeInvalidParams, "unknown resource: "+params.URI)
	}

	value, err := h.props.Get(c.Request.Context(), s.actor, strings.Split(name, "/"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errorResponse(req.ID, codeInvalidParams, "unknown resource: "+params.URI)
		}
		h.logger.Error("resource read failed", zap.String("uri", params.URI), zap.Error(err))
		return errorResponse(req.ID, codeInternalError, "internal error")
	}
	return resultResponse(req.ID, map[string]any{
		"contents": []map[string]any{{
			"uri":      params.URI,
			"mimeType": "application/json",
			"text":     string(value),
		}},
	})
}

func resultResponse(id json.RawMessage, result any) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, msg string) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg}}
}
