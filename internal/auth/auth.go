// Package auth resolves request credentials into a structured decision.
//
// Every protected route goes through the same ladder: an Authorization
// bearer value (engine token or trust secret), basic credentials (creator
// passphrase or peer secret), the session cookie, and finally the login
// redirect or a WWW-Authenticate challenge. Authorization decisions about
// what an authenticated identity may touch belong to the permission
// evaluator, not here; the one exception is a token bound to a different
// actor than the one addressed, which is rejected outright.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/actor"
	"github.com/actingweb/actingweb-go/internal/oauth"
	"github.com/actingweb/actingweb-go/internal/store"
)

// Kind names how the request authenticated.
type Kind string

const (
	// KindNone is an unauthenticated request.
	KindNone Kind = ""
	// KindCreator is basic auth with the actor's creator passphrase.
	KindCreator Kind = "creator"
	// KindPeer is a trust secret, presented as bearer or basic.
	KindPeer Kind = "peer"
	// KindOAuth is an engine bearer token bound to an actor.
	KindOAuth Kind = "oauth"
	// KindClient is an engine bearer token with no actor binding.
	KindClient Kind = "client"
)

// Decision is the outcome of authenticating one request. When
// Authenticated is false, Status/Header/Text describe the response to
// send, or Redirect names the login URL a browser should be sent to.
type Decision struct {
	Authenticated bool
	Kind          Kind

	// Actor is the bound actor, when one exists. Peer-authenticated
	// requests carry the addressed actor here and the peer in Peer.
	Actor *store.Actor
	// Peer is the trust record the presented secret matched. Approval is
	// not checked here: a peer polling its own pending trust record must
	// still be able to authenticate.
	Peer *store.Trust
	// Token is the validated engine token for KindOAuth and KindClient.
	Token *oauth.Token

	// Identity is the human-readable authenticated principal: the
	// creator, the peer actor ID, or the OAuth2 client ID.
	Identity string

	Status   int
	Header   http.Header
	Text     string
	Redirect string
}

// Authenticator runs the credential ladder against the configured
// actor, trust, and token services.
type Authenticator struct {
	actors  *actor.Service
	trusts  store.TrustStore
	tokens  *oauth.Server
	flow    *oauth.Flow
	baseURL string
	logger  *zap.Logger
}

func NewAuthenticator(actors *actor.Service, trusts store.TrustStore, tokens *oauth.Server, flow *oauth.Flow, baseURL string, logger *zap.Logger) *Authenticator {
	return &Authenticator{
		actors:  actors,
		trusts:  trusts,
		tokens:  tokens,
		flow:    flow,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// Authenticate resolves the request's credentials against the addressed
// actor. actorID may be empty on routes that are not actor-scoped; engine
// tokens still authenticate there, trust secrets and passphrases cannot.
func (a *Authenticator) Authenticate(ctx context.Context, actorID string, r *http.Request) *Decision {
	if raw, ok := bearerValue(r); ok {
		if strings.HasPrefix(raw, "aw_") {
			return a.fromToken(ctx, actorID, raw)
		}
		return a.fromTrustSecret(ctx, actorID, raw)
	}

	if user, pass, ok := r.BasicAuth(); ok {
		return a.fromBasic(ctx, actorID, user, pass)
	}

	if c, err := r.Cookie(oauth.CookieName); err == nil && c.Value != "" {
		d := a.fromToken(ctx, actorID, c.Value)
		if d.Authenticated {
			return d
		}
		// A dead cookie falls through to the login redirect rather than
		// presenting a challenge the browser cannot answer.
	}

	return a.unauthenticated(actorID, r)
}

// fromToken resolves an engine-issued opaque token.
func (a *Authenticator) fromToken(ctx context.Context, actorID, raw string) *Decision {
	tok, err := a.tokens.Validate(ctx, raw)
	if err != nil {
		return a.challenge(http.StatusUnauthorized, "invalid bearer token")
	}

	if tok.ActorID == "" {
		return &Decision{
			Authenticated: true,
			Kind:          KindClient,
			Token:         tok,
			Identity:      tok.ClientID,
		}
	}
	if actorID != "" && tok.ActorID != actorID {
		return &Decision{
			Status: http.StatusForbidden,
			Text:   "token is bound to another actor",
		}
	}

	bound, err := a.actors.Get(ctx, tok.ActorID)
	if err != nil {
		a.logger.Warn("token bound to missing actor",
			zap.String("actor_id", tok.ActorID),
			zap.String("client_id", tok.ClientID))
		return a.challenge(http.StatusUnauthorized, "invalid bearer token")
	}
	return &Decision{
		Authenticated: true,
		Kind:          KindOAuth,
		Actor:         bound,
		Token:         tok,
		Identity:      bound.Creator,
	}
}

// fromTrustSecret matches a bare bearer value against the addressed
// actor's trust secrets.
func (a *Authenticator) fromTrustSecret(ctx context.Context, actorID, secret string) *Decision {
	if actorID == "" {
		return a.challenge(http.StatusUnauthorized, "unknown bearer credential")
	}
	t, err := a.trusts.GetTrustBySecret(ctx, actorID, secret)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			a.logger.Error("trust secret lookup failed", zap.Error(err))
		}
		return a.challenge(http.StatusUnauthorized, "unknown bearer credential")
	}
	return a.peerDecision(ctx, actorID, t)
}

// fromBasic tries the creator passphrase first, then peer credentials
// (peer actor ID as username, trust secret as password).
func (a *Authenticator) fromBasic(ctx context.Context, actorID, user, pass string) *Decision {
	if actorID == "" {
		return a.basicChallenge("credentials are not valid here")
	}

	act, err := a.actors.Authenticate(ctx, actorID, user, pass)
	if err == nil {
		return &Decision{
			Authenticated: true,
			Kind:          KindCreator,
			Actor:         act,
			Identity:      act.Creator,
		}
	}
	if !errors.Is(err, actor.ErrBadCredentials) {
		a.logger.Error("creator authentication failed", zap.Error(err))
		return a.basicChallenge("authentication unavailable")
	}

	t, terr := a.trusts.GetTrust(ctx, actorID, user)
	if terr == nil && t.Secret != "" &&
		subtle.ConstantTimeCompare([]byte(t.Secret), []byte(pass)) == 1 {
		return a.peerDecision(ctx, actorID, t)
	}
	return a.basicChallenge("bad credentials")
}

func (a *Authenticator) peerDecision(ctx context.Context, actorID string, t *store.Trust) *Decision {
	act, err := a.actors.Get(ctx, actorID)
	if err != nil {
		return a.challenge(http.StatusUnauthorized, "unknown actor")
	}
	return &Decision{
		Authenticated: true,
		Kind:          KindPeer,
		Actor:         act,
		Peer:          t,
		Identity:      t.PeerID,
	}
}

// unauthenticated decides between the browser login redirect and a
// programmatic challenge.
func (a *Authenticator) unauthenticated(actorID string, r *http.Request) *Decision {
	if a.flow != nil && a.flow.Enabled() && wantsHTML(r) {
		loginURL, err := a.flow.BeginLogin(actorID, r.URL.RequestURI())
		if err == nil {
			return &Decision{
				Status:   http.StatusFound,
				Redirect: loginURL,
			}
		}
		a.logger.Error("building login redirect failed", zap.Error(err))
	}
	return a.challenge(http.StatusUnauthorized, "authentication required")
}

// challenge builds a 401/403 decision carrying the RFC 9728 pointer at
// the protected-resource metadata, so MCP clients can discover the
// authorization server from the challenge alone.
func (a *Authenticator) challenge(status int, text string) *Decision {
	h := http.Header{}
	h.Set("WWW-Authenticate",
		`Bearer realm="actingweb", resource_metadata="`+a.baseURL+`/.well-known/oauth-protected-resource"`)
	return &Decision{Status: status, Header: h, Text: text}
}

func (a *Authenticator) basicChallenge(text string) *Decision {
	h := http.Header{}
	h.Set("WWW-Authenticate", `Basic realm="actingweb"`)
	return &Decision{Status: http.StatusUnauthorized, Header: h, Text: text}
}

func bearerValue(r *http.Request) (string, bool) {
	v := r.Header.Get("Authorization")
	if !strings.HasPrefix(v, "Bearer ") {
		return "", false
	}
	raw := strings.TrimSpace(strings.TrimPrefix(v, "Bearer "))
	return raw, raw != ""
}

// wantsHTML reports whether the client is a browser rather than a
// programmatic caller.
func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
