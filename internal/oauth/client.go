package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/actingweb/actingweb-go/internal/actor"
	"github.com/actingweb/actingweb-go/internal/hooks"
	"github.com/actingweb/actingweb-go/internal/store"
)

const (
	// OAuthActorID is the reserved synthetic actor that owns every OAuth2
	// bookkeeping bucket: clients, tokens, codes and login sessions.
	OAuthActorID = "_actingweb_oauth2"

	sessionBucket = "sessions"
	sessionTTL    = 10 * time.Minute

	// CookieName is the browser session cookie set after a web login.
	CookieName = "oauth_token"
	// CookieMaxAge is the cookie lifetime in seconds (14 days).
	CookieMaxAge = 1209600
)

// ErrEmailRequired is returned when the provider did not surface a usable
// email and no fallback creator form is available to this flow.
var ErrEmailRequired = errors.New("provider returned no verified email")

// ErrNoProvider is returned when OAuth login is not configured.
var ErrNoProvider = errors.New("oauth login is not configured")

// ErrSessionExpired is returned for a login session past its TTL.
var ErrSessionExpired = errors.New("login session expired")

// CrossActorError reports an OAuth login whose authenticated identity does
// not own the actor pinned in the state. Both identities are named so the
// user can tell which account they are actually signed in with.
type CrossActorError struct {
	ActorCreator string
	Identity     string
}

func (e *CrossActorError) Error() string {
	return fmt.Sprintf("authenticated as %s but this actor belongs to %s", e.Identity, e.ActorCreator)
}

// TokenIssuer mints the engine's own bearer token for a signed-in browser
// session. Satisfied by *Server.
type TokenIssuer interface {
	IssueSessionToken(ctx context.Context, actorID string) (*Token, error)
}

// FlowConfig selects providers and login behavior.
type FlowConfig struct {
	Providers       []*Provider
	DefaultProvider string
	// AutoCreate makes a successful login create the actor when no actor
	// exists for the authenticated creator.
	AutoCreate bool
	// UseProviderID synthesizes a "<provider>:<sub>" creator when the
	// provider hides the user's email, instead of falling back to the
	// email form.
	UseProviderID bool
}

// Flow drives the provider side of a login: composing authorization URLs,
// exchanging callback codes, extracting an identity, and resolving it to
// an actor. Web logins end in a session cookie; authorization-server
// logins end in an identity the server turns into an authorization code.
type Flow struct {
	store     store.Store
	actors    *actor.Service
	issuer    TokenIssuer
	codec     *StateCodec
	hooks     *hooks.Registry
	clock     clockwork.Clock
	logger    *zap.Logger
	providers map[string]*Provider
	def       string
	cfg       FlowConfig
}

// NewFlow builds the login flow.
func NewFlow(st store.Store, actors *actor.Service, issuer TokenIssuer, codec *StateCodec, hookReg *hooks.Registry, cfg FlowConfig, clock clockwork.Clock, logger *zap.Logger) *Flow {
	providers := make(map[string]*Provider, len(cfg.Providers))
	def := cfg.DefaultProvider
	for _, p := range cfg.Providers {
		providers[p.Name] = p
		if def == "" {
			def = p.Name
		}
	}
	return &Flow{
		store:     st,
		actors:    actors,
		issuer:    issuer,
		codec:     codec,
		hooks:     hookReg,
		clock:     clock,
		logger:    logger,
		providers: providers,
		def:       def,
		cfg:       cfg,
	}
}

// Enabled reports whether at least one provider is configured.
func (f *Flow) Enabled() bool { return len(f.providers) > 0 }

// Provider returns the named provider, or the default for "".
func (f *Flow) Provider(name string) (*Provider, bool) {
	if name == "" {
		name = f.def
	}
	p, ok := f.providers[name]
	return p, ok
}

// BeginLogin returns the provider authorization URL for a browser login.
// actorID, when non-empty, pins the login to that actor; redirect is where
// the browser lands after the callback completes.
func (f *Flow) BeginLogin(actorID, redirect string) (string, error) {
	p, ok := f.Provider("")
	if !ok {
		return "", ErrNoProvider
	}
	state, err := f.codec.EncodeWeb(WebState{Provider: p.Name, ActorID: actorID, Redirect: redirect})
	if err != nil {
		return "", err
	}
	return p.AuthCodeURL(state), nil
}

// BeginAuthorization returns the provider authorization URL for an
// authorization-server round-trip, sealing the client's request into the
// state envelope.
func (f *Flow) BeginAuthorization(st MCPState) (string, error) {
	if st.Provider == "" {
		st.Provider = f.def
	}
	p, ok := f.Provider(st.Provider)
	if !ok {
		return "", ErrNoProvider
	}
	raw, err := f.codec.EncodeMCP(st)
	if err != nil {
		return "", err
	}
	return p.AuthCodeURL(raw), nil
}

// WebLogin is the outcome of a completed (or parked) browser login.
type WebLogin struct {
	Actor *store.Actor
	Token *Token
	// Redirect is where the browser should land next.
	Redirect string
	// SessionID is set instead of Actor/Token when the provider returned
	// no email and the user must complete the email form first.
	SessionID string
}

// CompleteWeb finishes a browser login from the provider callback. When
// the provider hides the email and no provider-ID fallback is configured,
// the exchange is parked in a login session and SessionID is returned for
// the email form redirect.
func (f *Flow) CompleteWeb(ctx context.Context, st *WebState, code string) (*WebLogin, error) {
	p, ok := f.Provider(st.Provider)
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", st.Provider, ErrNoProvider)
	}
	tok, err := p.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	ident, err := p.FetchIdentity(ctx, tok)
	if err != nil {
		return nil, err
	}

	creator, err := f.creatorFor(ident)
	if errors.Is(err, ErrEmailRequired) {
		sess, serr := f.createSession(ctx, p.Name, tok, st)
		if serr != nil {
			return nil, serr
		}
		data, _ := json.Marshal(map[string]string{"session_id": sess.ID, "provider": p.Name})
		f.hooks.DispatchLifecycle(ctx, hooks.ActorRef{}, hooks.EventEmailVerification, data)
		return &WebLogin{SessionID: sess.ID, Redirect: st.Redirect}, nil
	}
	if err != nil {
		return nil, err
	}

	return f.finishWeb(ctx, ident, creator, st.ActorID, st.Redirect)
}

// CompleteEmail finishes a parked login with the user-entered email.
func (f *Flow) CompleteEmail(ctx context.Context, sessionID, email string) (*WebLogin, error) {
	sess, err := f.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	creator := actor.NormalizeCreator(email)
	if creator == "" {
		return nil, fmt.Errorf("email is required")
	}

	login, err := f.finishWeb(ctx, &Identity{Provider: sess.Provider, Email: creator}, creator, sess.ActorID, sess.Redirect)
	if err != nil {
		return nil, err
	}
	_ = f.store.DeleteBucketItem(ctx, OAuthActorID, sessionBucket, sessionID)

	data, _ := json.Marshal(map[string]string{"email": creator, "provider": sess.Provider})
	f.hooks.DispatchLifecycle(ctx, hooks.ActorRef{ID: login.Actor.ID, Creator: creator}, hooks.EventEmailVerified, data)
	return login, nil
}

// CompleteMCP finishes the provider leg of an authorization-server login
// and resolves the actor. The caller turns the result into an
// authorization code. A hidden email is fatal here: a machine client
// cannot fill in an HTML form.
func (f *Flow) CompleteMCP(ctx context.Context, st *MCPState, code string) (*store.Actor, *Identity, error) {
	p, ok := f.Provider(st.Provider)
	if !ok {
		return nil, nil, fmt.Errorf("provider %q: %w", st.Provider, ErrNoProvider)
	}
	tok, err := p.Exchange(ctx, code)
	if err != nil {
		return nil, nil, err
	}
	ident, err := p.FetchIdentity(ctx, tok)
	if err != nil {
		return nil, nil, err
	}
	creator, err := f.creatorFor(ident)
	if err != nil {
		return nil, nil, err
	}
	a, err := f.resolveActor(ctx, creator, st.ActorID)
	if err != nil {
		return nil, nil, err
	}
	data, _ := json.Marshal(ident)
	f.hooks.DispatchLifecycle(ctx, hooks.ActorRef{ID: a.ID, Creator: a.Creator}, hooks.EventOAuthSuccess, data)
	return a, ident, nil
}

func (f *Flow) finishWeb(ctx context.Context, ident *Identity, creator, pinnedActorID, redirect string) (*WebLogin, error) {
	a, err := f.resolveActor(ctx, creator, pinnedActorID)
	if err != nil {
		return nil, err
	}
	tok, err := f.issuer.IssueSessionToken(ctx, a.ID)
	if err != nil {
		return nil, err
	}

	data, _ := json.Marshal(ident)
	f.hooks.DispatchLifecycle(ctx, hooks.ActorRef{ID: a.ID, Creator: a.Creator}, hooks.EventOAuthSuccess, data)
	f.logger.Info("web login completed",
		zap.String("actor_id", a.ID),
		zap.String("provider", ident.Provider))
	return &WebLogin{Actor: a, Token: tok, Redirect: redirect}, nil
}

// creatorFor maps a provider identity to a creator string.
func (f *Flow) creatorFor(ident *Identity) (string, error) {
	if ident.Email != "" {
		return actor.NormalizeCreator(ident.Email), nil
	}
	if f.cfg.UseProviderID && ident.Subject != "" {
		return ident.ProviderID(), nil
	}
	return "", ErrEmailRequired
}

// resolveActor finds the actor owned by creator, enforcing the pinned
// actor's ownership when the state named one.
func (f *Flow) resolveActor(ctx context.Context, creator, pinnedActorID string) (*store.Actor, error) {
	if pinnedActorID != "" {
		a, err := f.actors.Get(ctx, pinnedActorID)
		if err != nil {
			return nil, err
		}
		if !strings.EqualFold(a.Creator, creator) {
			return nil, &CrossActorError{ActorCreator: a.Creator, Identity: creator}
		}
		return a, nil
	}

	a, err := f.actors.GetByCreator(ctx, creator)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if !f.cfg.AutoCreate {
		return nil, fmt.Errorf("no actor for %s: %w", creator, store.ErrNotFound)
	}
	a, _, err = f.actors.Create(ctx, actor.CreateInput{Creator: creator})
	if err != nil {
		return nil, err
	}
	return a, nil
}

type loginSession struct {
	ID        string        `json:"id"`
	Provider  string        `json:"provider"`
	Token     *oauth2.Token `json:"token"`
	ActorID   string        `json:"actor_id,omitempty"`
	Redirect  string        `json:"redirect,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

func (f *Flow) createSession(ctx context.Context, provider string, tok *oauth2.Token, st *WebState) (*loginSession, error) {
	sess := &loginSession{
		ID:        strings.ReplaceAll(uuid.NewString(), "-", ""),
		Provider:  provider,
		Token:     tok,
		ActorID:   st.ActorID,
		Redirect:  st.Redirect,
		CreatedAt: f.clock.Now().UTC(),
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, err
	}
	if err := f.store.PutBucketItem(ctx, OAuthActorID, sessionBucket, sess.ID, data); err != nil {
		return nil, fmt.Errorf("store login session: %w", err)
	}
	return sess, nil
}

// loadSession reads a login session, purging it when past TTL. Expiry is
// enforced on read; no background sweeper exists.
func (f *Flow) loadSession(ctx context.Context, sessionID string) (*loginSession, error) {
	item, err := f.store.GetBucketItem(ctx, OAuthActorID, sessionBucket, sessionID)
	if err != nil {
		return nil, err
	}
	var sess loginSession
	if err := json.Unmarshal(item.Data, &sess); err != nil {
		return nil, fmt.Errorf("corrupt login session: %w", err)
	}
	if f.clock.Now().UTC().After(sess.CreatedAt.Add(sessionTTL)) {
		_ = f.store.DeleteBucketItem(ctx, OAuthActorID, sessionBucket, sessionID)
		return nil, ErrSessionExpired
	}
	return &sess, nil
}
