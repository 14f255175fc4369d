package web

import (
	"errors"
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/auth"
	"github.com/actingweb/actingweb-go/internal/oauth"
	"github.com/actingweb/actingweb-go/internal/trust"
)

// OAuthHandler serves both OAuth2 roles: the engine as authorization
// server for machine clients and the engine as client of an upstream
// login provider for humans. The shared /oauth/callback splits on the
// state shape.
type OAuthHandler struct {
	flow   *oauth.Flow
	server *oauth.Server
	codec  *oauth.StateCodec
	trusts *trust.Service
	authn  *auth.Authenticator
	logger *zap.Logger
}

func NewOAuthHandler(flow *oauth.Flow, server *oauth.Server, codec *oauth.StateCodec, trusts *trust.Service, authn *auth.Authenticator, logger *zap.Logger) *OAuthHandler {
	return &OAuthHandler{flow: flow, server: server, codec: codec, trusts: trusts, authn: authn, logger: logger}
}

func (h *OAuthHandler) Register(r *gin.Engine) {
	g := r.Group("/oauth")
	g.GET("/authorize", h.Authorize)
	g.POST("/authorize", h.Consent)
	g.POST("/token", h.Token)
	g.POST("/register", h.RegisterClient)
	g.POST("/revoke", h.Revoke)
	g.GET("/callback", h.Callback)
	g.GET("/email", h.EmailForm)
	g.POST("/email", h.EmailSubmit)
}

var consentTmpl = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html><head><title>Authorize {{.ClientName}}</title></head><body>
<h1>Authorize access</h1>
<p><b>{{.ClientName}}</b> is requesting access{{if .Scope}} with scope <code>{{.Scope}}</code>{{end}}.</p>
<form method="POST" action="/oauth/authorize">
<input type="hidden" name="client_id" value="{{.ClientID}}">
<input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
<input type="hidden" name="scope" value="{{.Scope}}">
<input type="hidden" name="state" value="{{.State}}">
<label>Grant relationship:
<select name="trust_type">
{{range .TrustTypes}}<option value="{{.Name}}"{{if eq .Name $.Default}} selected{{end}}>{{if .DisplayName}}{{.DisplayName}}{{else}}{{.Name}}{{end}}</option>
{{end}}</select></label>
<button type="submit" name="consent" value="approve">Approve</button>
<button type="submit" name="consent" value="deny">Deny</button>
</form></body></html>`))

var emailTmpl = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html><head><title>Confirm your email</title></head><body>
<h1>Confirm your email</h1>
<p>Your login provider did not share an email address. Enter it to finish signing in.</p>
<form method="POST" action="/oauth/email">
<input type="hidden" name="session_id" value="{{.SessionID}}">
<label>Email: <input type="email" name="email" required></label>
<button type="submit">Continue</button>
</form></body></html>`))

// Authorize renders the consent screen for a registered client. The
// request is validated against the client record before anything is
// shown.
func (h *OAuthHandler) Authorize(c *gin.Context) {
	clientID := c.Query("client_id")
	redirectURI := c.Query("redirect_uri")
	if clientID == "" || redirectURI == "" {
		jsonError(c, http.StatusBadRequest, "client_id and redirect_uri are required")
		return
	}
	if rt := c.Query("response_type"); rt != "" && rt != "code" {
		jsonError(c, http.StatusBadRequest, "unsupported response_type")
		return
	}

	cl, err := h.server.GetClient(c.Request.Context(), clientID)
	if err != nil {
		jsonError(c, http.StatusBadRequest, "unknown client")
		return
	}
	if !redirectAllowed(cl, redirectURI) {
		jsonError(c, http.StatusBadRequest, "redirect_uri is not registered")
		return
	}

	name := cl.Name
	if name == "" {
		name = cl.ID
	}
	def := cl.TrustType
	if def == "" {
		def = "mcp_client"
	}
	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/html; charset=utf-8")
	err = consentTmpl.Execute(c.Writer, gin.H{
		"ClientName":  name,
		"ClientID":    cl.ID,
		"RedirectURI": redirectURI,
		"Scope":       c.Query("scope"),
		"State":       c.Query("state"),
		"TrustTypes":  h.trusts.Types().List(),
		"Default":     def,
	})
	if err != nil {
		h.logger.Error("consent render", zap.Error(err))
	}
}

// Consent handles the submitted consent form. An approval either issues
// the code directly when the browser already carries a session, or sends
// the user through the upstream provider with the request sealed into
// the state envelope.
func (h *OAuthHandler) Consent(c *gin.Context) {
	clientID := c.PostForm("client_id")
	redirectURI := c.PostForm("redirect_uri")

	cl, err := h.server.GetClient(c.Request.Context(), clientID)
	if err != nil {
		jsonError(c, http.StatusBadRequest, "unknown client")
		return
	}
	if !redirectAllowed(cl, redirectURI) {
		jsonError(c, http.StatusBadRequest, "redirect_uri is not registered")
		return
	}
	if c.PostForm("consent") != "approve" {
		c.Redirect(http.StatusFound, redirectURI+"?error=access_denied&state="+c.PostForm("state"))
		return
	}

	trustType := c.PostForm("trust_type")
	if _, ok := h.trusts.Types().Get(trustType); !ok {
		jsonError(c, http.StatusBadRequest, "unknown trust type")
		return
	}

	// A browser session lets us skip the provider round-trip.
	if d := h.authn.Authenticate(c.Request.Context(), "", c.Request); d.Authenticated && d.Actor != nil {
		code, err := h.server.IssueAuthCode(c.Request.Context(), oauth.AuthCodeInput{
			ClientID:    clientID,
			ActorID:     d.Actor.ID,
			Scope:       c.PostForm("scope"),
			TrustType:   trustType,
			RedirectURI: redirectURI,
		})
		if err != nil {
			h.logger.Error("issue auth code", zap.String("client_id", clientID), zap.Error(err))
			jsonError(c, http.StatusInternalServerError, "authorization failed")
			return
		}
		c.Redirect(http.StatusFound, redirectURI+"?code="+code+"&state="+c.PostForm("state"))
		return
	}

	url, err := h.flow.BeginAuthorization(oauth.MCPState{
		ClientID:    clientID,
		RedirectURI: redirectURI,
		ClientState: c.PostForm("state"),
		Scope:       c.PostForm("scope"),
		TrustType:   trustType,
	})
	if err != nil {
		if errors.Is(err, oauth.ErrNoProvider) {
			jsonError(c, http.StatusBadGateway, "no login provider configured")
			return
		}
		h.logger.Error("begin authorization", zap.Error(err))
		jsonError(c, http.StatusInternalServerError, "authorization failed")
		return
	}
	c.Redirect(http.StatusFound, url)
}

// Token is the RFC 6749 token endpoint: authorization_code,
// client_credentials and refresh_token grants. Client credentials ride
// the form body or HTTP Basic.
func (h *OAuthHandler) Token(c *gin.Context) {
	clientID, clientSecret := clientCredentials(c)

	var (
		resp *oauth.TokenResponse
		err  error
	)
	switch grant := c.PostForm("grant_type"); grant {
	case "authorization_code":
		resp, err = h.server.ExchangeCode(c.Request.Context(), clientID, clientSecret, c.PostForm("code"), c.PostForm("redirect_uri"))
	case "client_credentials":
		resp, err = h.server.ClientCredentials(c.Request.Context(), clientID, clientSecret, c.PostForm("scope"))
	case "refresh_token":
		resp, err = h.server.Refresh(c.Request.Context(), clientID, clientSecret, c.PostForm("refresh_token"))
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_grant_type"})
		return
	}

	switch {
	case err == nil:
	case errors.Is(err, oauth.ErrInvalidClient):
		c.Header("WWW-Authenticate", `Basic realm="oauth"`)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_client"})
		return
	case errors.Is(err, oauth.ErrInvalidGrant):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_grant"})
		return
	case errors.Is(err, oauth.ErrUnsupportedGrant):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unauthorized_client"})
		return
	default:
		h.logger.Error("token grant", zap.String("client_id", clientID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, resp)
}

// RegisterClient is RFC 7591 dynamic registration. Anonymous callers get
// an unbound client; an authenticated actor becomes the client's owner.
func (h *OAuthHandler) RegisterClient(c *gin.Context) {
	var req oauth.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		jsonError(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	var ownerID string
	if d := h.authn.Authenticate(c.Request.Context(), "", c.Request); d.Authenticated && d.Actor != nil {
		ownerID = d.Actor.ID
	}

	cl, err := h.server.RegisterClient(c.Request.Context(), ownerID, req)
	if err != nil {
		if errors.Is(err, trust.ErrInvalidType) {
			jsonError(c, http.StatusBadRequest, "unknown trust type")
			return
		}
		h.logger.Error("client registration", zap.Error(err))
		jsonError(c, http.StatusInternalServerError, "registration failed")
		return
	}
	c.JSON(http.StatusCreated, cl)
}

// Revoke drops a token. Setting drop_trust also removes the trust the
// token's client established. Unknown tokens still answer 200, per
// RFC 7009.
func (h *OAuthHandler) Revoke(c *gin.Context) {
	token := c.PostForm("token")
	if token == "" {
		jsonError(c, http.StatusBadRequest, "token is required")
		return
	}
	dropTrust := c.PostForm("drop_trust") == "true"
	if err := h.server.Revoke(c.Request.Context(), token, dropTrust); err != nil {
		h.logger.Debug("revocation ignored", zap.Error(err))
	}
	c.Status(http.StatusOK)
}

// Callback lands every provider return. Encrypted-envelope states belong
// to the authorization server, JWT states to browser logins; anything
// else is rejected before a code is spent.
func (h *OAuthHandler) Callback(c *gin.Context) {
	if e := c.Query("error"); e != "" {
		c.JSON(http.StatusBadGateway, gin.H{"error": e, "error_description": c.Query("error_description")})
		return
	}
	state := c.Query("state")
	code := c.Query("code")
	if state == "" || code == "" {
		jsonError(c, http.StatusBadRequest, "state and code are required")
		return
	}

	if oauth.IsMCPState(state) {
		h.mcpCallback(c, state, code)
		return
	}

	st, err := h.codec.DecodeWeb(state)
	if err != nil {
		jsonError(c, http.StatusBadRequest, "invalid state")
		return
	}

	login, err := h.flow.CompleteWeb(c.Request.Context(), st, code)
	if err != nil {
		h.webLoginError(c, err)
		return
	}
	if login.SessionID != "" {
		c.Redirect(http.StatusFound, "/oauth/email?session_id="+login.SessionID)
		return
	}
	h.finishBrowserLogin(c, login)
}

func (h *OAuthHandler) mcpCallback(c *gin.Context, state, code string) {
	st, err := h.codec.DecodeMCP(state)
	if err != nil {
		jsonError(c, http.StatusBadRequest, "invalid state")
		return
	}

	a, _, err := h.flow.CompleteMCP(c.Request.Context(), st, code)
	if err != nil {
		var cross *oauth.CrossActorError
		switch {
		case errors.As(err, &cross):
			jsonError(c, http.StatusForbidden, cross.Error())
		case errors.Is(err, oauth.ErrEmailRequired):
			c.JSON(http.StatusBadGateway, gin.H{
				"error":             "email_unavailable",
				"error_description": "the login provider did not share an email address",
			})
		default:
			h.logger.Warn("authorization login failed", zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "provider_error"})
		}
		return
	}

	authCode, err := h.server.IssueAuthCode(c.Request.Context(), oauth.AuthCodeInput{
		ClientID:    st.ClientID,
		ActorID:     a.ID,
		Scope:       st.Scope,
		TrustType:   st.TrustType,
		RedirectURI: st.RedirectURI,
	})
	if err != nil {
		h.logger.Error("issue auth code", zap.String("client_id", st.ClientID), zap.Error(err))
		jsonError(c, http.StatusInternalServerError, "authorization failed")
		return
	}

	target := st.RedirectURI + "?code=" + authCode
	if st.ClientState != "" {
		target += "&state=" + st.ClientState
	}
	c.Redirect(http.StatusFound, target)
}

// EmailForm renders the fallback form for providers that hide the email.
func (h *OAuthHandler) EmailForm(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		jsonError(c, http.StatusBadRequest, "session_id is required")
		return
	}
	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/html; charset=utf-8")
	if err := emailTmpl.Execute(c.Writer, gin.H{"SessionID": sessionID}); err != nil {
		h.logger.Error("email form render", zap.Error(err))
	}
}

// EmailSubmit finishes a parked login with the user-entered address.
func (h *OAuthHandler) EmailSubmit(c *gin.Context) {
	sessionID := c.PostForm("session_id")
	email := c.PostForm("email")
	if sessionID == "" || email == "" {
		jsonError(c, http.StatusBadRequest, "session_id and email are required")
		return
	}

	login, err := h.flow.CompleteEmail(c.Request.Context(), sessionID, email)
	if err != nil {
		if errors.Is(err, oauth.ErrSessionExpired) {
			jsonError(c, http.StatusBadRequest, "login session expired, start over")
			return
		}
		h.webLoginError(c, err)
		return
	}
	h.finishBrowserLogin(c, login)
}

func (h *OAuthHandler) finishBrowserLogin(c *gin.Context, login *oauth.WebLogin) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(oauth.CookieName, login.Token.Value, oauth.CookieMaxAge, "/", "", true, true)
	target := login.Redirect
	if target == "" {
		target = "/" + login.Actor.ID
	}
	c.Redirect(http.StatusFound, target)
}

func (h *OAuthHandler) webLoginError(c *gin.Context, err error) {
	var cross *oauth.CrossActorError
	switch {
	case errors.As(err, &cross):
		jsonError(c, http.StatusForbidden, cross.Error())
	case errors.Is(err, oauth.ErrEmailRequired):
		jsonError(c, http.StatusBadGateway, "the login provider did not share an email address")
	default:
		h.logger.Warn("web login failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "provider_error"})
	}
}

// clientCredentials pulls client_id/client_secret from the form body or
// HTTP Basic.
func clientCredentials(c *gin.Context) (string, string) {
	id := c.PostForm("client_id")
	secret := c.PostForm("client_secret")
	if id == "" {
		if u, p, ok := c.Request.BasicAuth(); ok {
			id, secret = u, p
		}
	}
	return id, secret
}

func redirectAllowed(cl *oauth.Client, uri string) bool {
	if len(cl.RedirectURIs) == 0 {
		return true
	}
	for _, u := range cl.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}
