package oauth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/store"
	"github.com/actingweb/actingweb-go/internal/trust"
)

const (
	clientBucket  = "clients"
	tokenBucket   = "tokens"
	refreshBucket = "refresh"
	codeBucket    = "codes"

	accessTokenTTL  = time.Hour
	refreshTokenTTL = 30 * 24 * time.Hour
	codeTTL         = 10 * time.Minute
	// sessionTokenTTL matches the cookie Max-Age so a browser session
	// never outlives its backing token record.
	sessionTokenTTL = CookieMaxAge * time.Second

	// WebClientID tags tokens minted for browser sessions, which have no
	// registered client behind them.
	WebClientID = "web"

	defaultClientTrustType = "mcp_client"
	defaultClientScope     = "mcp"
)

var (
	// ErrInvalidClient is returned for unknown clients or wrong secrets.
	// Unknown and wrong are indistinguishable on purpose.
	ErrInvalidClient = errors.New("invalid client credentials")

	// ErrInvalidGrant is returned for bad, expired or replayed codes and
	// refresh tokens.
	ErrInvalidGrant = errors.New("invalid or expired grant")

	// ErrInvalidToken is returned when a presented bearer token is
	// unknown or expired.
	ErrInvalidToken = errors.New("invalid or expired token")

	// ErrUnsupportedGrant is returned for grant types the server does not
	// offer to the presenting client.
	ErrUnsupportedGrant = errors.New("unsupported grant type")
)

// Client is a registered OAuth2 client. Dynamic registrations get an
// "mcp_" ID for wire compatibility; Type records the class structurally.
type Client struct {
	ID           string    `json:"client_id"`
	Secret       string    `json:"client_secret"`
	Name         string    `json:"client_name,omitempty"`
	Type         string    `json:"client_type"`
	ActorID      string    `json:"actor_id,omitempty"`
	TrustType    string    `json:"trust_type"`
	RedirectURIs []string  `json:"redirect_uris,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Token is an issued opaque bearer token.
type Token struct {
	Value    string `json:"token"`
	ClientID string `json:"client_id,omitempty"`
	ActorID  string `json:"actor_id"`
	Scope    string `json:"scope,omitempty"`
	// RefreshToken links to the refresh grant that can renew this token
	// in place when it is presented after expiry.
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type refreshGrant struct {
	Value     string    `json:"token"`
	ClientID  string    `json:"client_id"`
	ActorID   string    `json:"actor_id"`
	Scope     string    `json:"scope,omitempty"`
	TrustType string    `json:"trust_type,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

type authCode struct {
	Code        string    `json:"code"`
	ClientID    string    `json:"client_id"`
	ActorID     string    `json:"actor_id"`
	Scope       string    `json:"scope,omitempty"`
	TrustType   string    `json:"trust_type"`
	RedirectURI string    `json:"redirect_uri"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TokenResponse is the token endpoint's wire shape.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// RegisterRequest is the dynamic registration body.
type RegisterRequest struct {
	ClientName   string   `json:"client_name"`
	RedirectURIs []string `json:"redirect_uris,omitempty"`
	TrustType    string   `json:"trust_type,omitempty"`
	Scope        string   `json:"scope,omitempty"`
}

// AuthCodeInput captures a consented authorization for code minting.
type AuthCodeInput struct {
	ClientID    string
	ActorID     string
	Scope       string
	TrustType   string
	RedirectURI string
}

// Server is the OAuth2 authorization server: client registration, the two
// grants, token validation, revocation and discovery metadata. All
// records live in buckets under the reserved OAuth2 actor.
type Server struct {
	store   store.BucketStore
	trusts  *trust.Service
	clock   clockwork.Clock
	logger  *zap.Logger
	baseURL string
}

// NewServer builds the authorization server.
func NewServer(st store.BucketStore, trusts *trust.Service, baseURL string, clock clockwork.Clock, logger *zap.Logger) *Server {
	return &Server{
		store:   st,
		trusts:  trusts,
		clock:   clock,
		logger:  logger,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

// newOpaque returns prefix + 32 bytes of urlsafe-base64 randomness.
func newOpaque(prefix string) string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return prefix + base64.RawURLEncoding.EncodeToString(b)
}

// RegisterClient performs dynamic client registration. ownerActorID may be
// empty for anonymous registrations; the authorization-code flow binds the
// actor later, and client-credentials tokens for unbound clients carry no
// actor.
func (s *Server) RegisterClient(ctx context.Context, ownerActorID string, req RegisterRequest) (*Client, error) {
	tt := req.TrustType
	if tt == "" {
		tt = defaultClientTrustType
	}
	if s.trusts != nil {
		if _, ok := s.trusts.Types().Get(tt); !ok {
			return nil, fmt.Errorf("trust type %q: %w", tt, trust.ErrInvalidType)
		}
	}
	scope := req.Scope
	if scope == "" {
		scope = defaultClientScope
	}

	cl := &Client{
		ID:           "mcp_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Secret:       newOpaque(""),
		Name:         req.ClientName,
		Type:         "mcp",
		ActorID:      ownerActorID,
		TrustType:    tt,
		RedirectURIs: req.RedirectURIs,
		Scope:        scope,
		CreatedAt:    s.clock.Now().UTC(),
	}
	if err := s.put(ctx, clientBucket, cl.ID, cl); err != nil {
		return nil, fmt.Errorf("store client: %w", err)
	}
	s.logger.Info("oauth client registered",
		zap.String("client_id", cl.ID),
		zap.String("client_name", cl.Name),
		zap.String("trust_type", cl.TrustType))
	return cl, nil
}

// GetClient returns a registered client by ID.
func (s *Server) GetClient(ctx context.Context, clientID string) (*Client, error) {
	var cl Client
	if err := s.get(ctx, clientBucket, clientID, &cl); err != nil {
		return nil, err
	}
	return &cl, nil
}

func (s *Server) authenticateClient(ctx context.Context, clientID, clientSecret string) (*Client, error) {
	cl, err := s.GetClient(ctx, clientID)
	if err != nil {
		return nil, ErrInvalidClient
	}
	if subtle.ConstantTimeCompare([]byte(clientSecret), []byte(cl.Secret)) != 1 {
		return nil, ErrInvalidClient
	}
	return cl, nil
}

// IssueAuthCode mints a single-use authorization code after consent.
func (s *Server) IssueAuthCode(ctx context.Context, in AuthCodeInput) (string, error) {
	cl, err := s.GetClient(ctx, in.ClientID)
	if err != nil {
		return "", fmt.Errorf("client %s: %w", in.ClientID, err)
	}
	if len(cl.RedirectURIs) > 0 && !containsURI(cl.RedirectURIs, in.RedirectURI) {
		return "", fmt.Errorf("redirect_uri is not registered for client %s", cl.ID)
	}
	tt := in.TrustType
	if tt == "" {
		tt = cl.TrustType
	}

	ac := &authCode{
		Code:        newOpaque(""),
		ClientID:    in.ClientID,
		ActorID:     in.ActorID,
		Scope:       in.Scope,
		TrustType:   tt,
		RedirectURI: in.RedirectURI,
		ExpiresAt:   s.clock.Now().UTC().Add(codeTTL),
	}
	if err := s.put(ctx, codeBucket, ac.Code, ac); err != nil {
		return "", fmt.Errorf("store authorization code: %w", err)
	}
	return ac.Code, nil
}

// ExchangeCode redeems an authorization code. The code is burned before
// any further checks so a replay can never succeed, and the trust between
// the actor and the client is created or refreshed before tokens go out.
func (s *Server) ExchangeCode(ctx context.Context, clientID, clientSecret, code, redirectURI string) (*TokenResponse, error) {
	cl, err := s.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}

	var ac authCode
	if err := s.get(ctx, codeBucket, code, &ac); err != nil {
		return nil, ErrInvalidGrant
	}
	_ = s.store.DeleteBucketItem(ctx, OAuthActorID, codeBucket, code)
	if s.clock.Now().UTC().After(ac.ExpiresAt) {
		return nil, ErrInvalidGrant
	}
	if ac.ClientID != cl.ID || ac.RedirectURI != redirectURI {
		return nil, ErrInvalidGrant
	}

	if err := s.ensureTrust(ctx, ac.ActorID, cl, ac.TrustType); err != nil {
		return nil, err
	}

	rg, err := s.mintRefresh(ctx, cl.ID, ac.ActorID, ac.Scope, ac.TrustType)
	if err != nil {
		return nil, err
	}
	tok, err := s.mintAccess(ctx, cl.ID, ac.ActorID, ac.Scope, accessTokenTTL, rg.Value)
	if err != nil {
		return nil, err
	}
	s.logger.Info("authorization code exchanged",
		zap.String("client_id", cl.ID),
		zap.String("actor_id", ac.ActorID))
	return &TokenResponse{
		AccessToken:  tok.Value,
		TokenType:    "Bearer",
		ExpiresIn:    int(accessTokenTTL.Seconds()),
		RefreshToken: rg.Value,
		Scope:        tok.Scope,
	}, nil
}

// ClientCredentials issues a token directly against the client's own
// credentials. Only dynamic (mcp) clients get this grant. When the client
// is bound to an actor the trust is refreshed and the token carries the
// actor; unbound clients get an actorless token usable for surfaces that
// need no actor context.
func (s *Server) ClientCredentials(ctx context.Context, clientID, clientSecret, scope string) (*TokenResponse, error) {
	cl, err := s.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}
	if cl.Type != "mcp" && !strings.HasPrefix(cl.ID, "mcp_") {
		return nil, ErrUnsupportedGrant
	}
	if scope == "" {
		scope = cl.Scope
	}

	if cl.ActorID != "" {
		if err := s.ensureTrust(ctx, cl.ActorID, cl, cl.TrustType); err != nil {
			return nil, err
		}
	}
	tok, err := s.mintAccess(ctx, cl.ID, cl.ActorID, scope, accessTokenTTL, "")
	if err != nil {
		return nil, err
	}
	return &TokenResponse{
		AccessToken: tok.Value,
		TokenType:   "Bearer",
		ExpiresIn:   int(accessTokenTTL.Seconds()),
		Scope:       tok.Scope,
	}, nil
}

// Refresh rotates a refresh grant: the presented grant is burned and a new
// refresh + access pair is issued.
func (s *Server) Refresh(ctx context.Context, clientID, clientSecret, refreshToken string) (*TokenResponse, error) {
	cl, err := s.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}

	var rg refreshGrant
	if err := s.get(ctx, refreshBucket, refreshToken, &rg); err != nil {
		return nil, ErrInvalidGrant
	}
	_ = s.store.DeleteBucketItem(ctx, OAuthActorID, refreshBucket, refreshToken)
	if s.clock.Now().UTC().After(rg.ExpiresAt) || rg.ClientID != cl.ID {
		return nil, ErrInvalidGrant
	}

	if err := s.ensureTrust(ctx, rg.ActorID, cl, rg.TrustType); err != nil {
		return nil, err
	}

	next, err := s.mintRefresh(ctx, cl.ID, rg.ActorID, rg.Scope, rg.TrustType)
	if err != nil {
		return nil, err
	}
	tok, err := s.mintAccess(ctx, cl.ID, rg.ActorID, rg.Scope, accessTokenTTL, next.Value)
	if err != nil {
		return nil, err
	}
	return &TokenResponse{
		AccessToken:  tok.Value,
		TokenType:    "Bearer",
		ExpiresIn:    int(accessTokenTTL.Seconds()),
		RefreshToken: next.Value,
		Scope:        tok.Scope,
	}, nil
}

// IssueSessionToken mints the long-lived bearer behind a browser session
// cookie. No trust is involved: the session belongs to the actor's own
// creator, not to a peer client.
func (s *Server) IssueSessionToken(ctx context.Context, actorID string) (*Token, error) {
	return s.mintAccess(ctx, WebClientID, actorID, "web", sessionTokenTTL, "")
}

// Validate resolves a presented bearer token. An expired token with a
// still-valid linked refresh grant is renewed in place, so cookie-held
// tokens keep working across the access TTL; anything else expired is
// purged and rejected.
func (s *Server) Validate(ctx context.Context, raw string) (*Token, error) {
	if !strings.HasPrefix(raw, "aw_") {
		return nil, ErrInvalidToken
	}
	var tok Token
	if err := s.get(ctx, tokenBucket, raw, &tok); err != nil {
		return nil, ErrInvalidToken
	}
	if s.clock.Now().UTC().Before(tok.ExpiresAt) {
		return &tok, nil
	}

	if tok.RefreshToken != "" {
		var rg refreshGrant
		if err := s.get(ctx, refreshBucket, tok.RefreshToken, &rg); err == nil &&
			s.clock.Now().UTC().Before(rg.ExpiresAt) {
			tok.ExpiresAt = s.clock.Now().UTC().Add(accessTokenTTL)
			if err := s.put(ctx, tokenBucket, tok.Value, &tok); err == nil {
				return &tok, nil
			}
		}
	}
	_ = s.store.DeleteBucketItem(ctx, OAuthActorID, tokenBucket, raw)
	return nil, ErrInvalidToken
}

// Revoke removes a presented access or refresh token. Revoking an unknown
// token succeeds; revocation is idempotent. dropTrust also removes the
// trust relationship the token was issued under.
func (s *Server) Revoke(ctx context.Context, raw string, dropTrust bool) error {
	var tok Token
	if err := s.get(ctx, tokenBucket, raw, &tok); err == nil {
		_ = s.store.DeleteBucketItem(ctx, OAuthActorID, tokenBucket, raw)
		if tok.RefreshToken != "" {
			_ = s.store.DeleteBucketItem(ctx, OAuthActorID, refreshBucket, tok.RefreshToken)
		}
		s.dropTrust(ctx, dropTrust, tok.ActorID, tok.ClientID)
		return nil
	}

	var rg refreshGrant
	if err := s.get(ctx, refreshBucket, raw, &rg); err == nil {
		_ = s.store.DeleteBucketItem(ctx, OAuthActorID, refreshBucket, raw)
		s.dropTrust(ctx, dropTrust, rg.ActorID, rg.ClientID)
	}
	return nil
}

func (s *Server) dropTrust(ctx context.Context, drop bool, actorID, clientID string) {
	if !drop || s.trusts == nil || actorID == "" || clientID == "" || clientID == WebClientID {
		return
	}
	if err := s.trusts.Delete(ctx, actorID, clientID, false); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("trust removal on revoke failed",
			zap.String("actor_id", actorID),
			zap.String("client_id", clientID),
			zap.Error(err))
	}
}

func (s *Server) mintAccess(ctx context.Context, clientID, actorID, scope string, ttl time.Duration, refreshValue string) (*Token, error) {
	tok := &Token{
		Value:        newOpaque("aw_"),
		ClientID:     clientID,
		ActorID:      actorID,
		Scope:        scope,
		RefreshToken: refreshValue,
		ExpiresAt:    s.clock.Now().UTC().Add(ttl),
	}
	if err := s.put(ctx, tokenBucket, tok.Value, tok); err != nil {
		return nil, fmt.Errorf("store token: %w", err)
	}
	return tok, nil
}

func (s *Server) mintRefresh(ctx context.Context, clientID, actorID, scope, trustType string) (*refreshGrant, error) {
	rg := &refreshGrant{
		Value:     newOpaque("aw_"),
		ClientID:  clientID,
		ActorID:   actorID,
		Scope:     scope,
		TrustType: trustType,
		ExpiresAt: s.clock.Now().UTC().Add(refreshTokenTTL),
	}
	if err := s.put(ctx, refreshBucket, rg.Value, rg); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}
	return rg, nil
}

// ensureTrust creates or refreshes the relationship between the actor and
// the client at token issuance.
func (s *Server) ensureTrust(ctx context.Context, actorID string, cl *Client, trustType string) error {
	if s.trusts == nil || actorID == "" {
		return nil
	}
	via := trust.ViaOAuth2
	if cl.Type == "mcp" || strings.HasPrefix(cl.ID, "mcp_") {
		via = trust.ViaMCP
	}
	peerName := cl.Name
	if peerName == "" {
		peerName = cl.ID
	}
	_, err := s.trusts.EnsureLocal(ctx, &store.Trust{
		ActorID:        actorID,
		PeerID:         cl.ID,
		Relationship:   trustType,
		PeerIdentifier: peerName,
		Secret:         newOpaque(""),
		EstablishedVia: via,
	})
	if err != nil {
		return fmt.Errorf("trust for client %s: %w", cl.ID, err)
	}
	return nil
}

// ServerMetadata is the /.well-known/oauth-authorization-server document.
type ServerMetadata struct {
	Issuer                   string   `json:"issuer"`
	AuthorizationEndpoint    string   `json:"authorization_endpoint"`
	TokenEndpoint            string   `json:"token_endpoint"`
	RegistrationEndpoint     string   `json:"registration_endpoint"`
	RevocationEndpoint       string   `json:"revocation_endpoint"`
	ResponseTypesSupported   []string `json:"response_types_supported"`
	GrantTypesSupported      []string `json:"grant_types_supported"`
	TokenEndpointAuthMethods []string `json:"token_endpoint_auth_methods_supported"`
	ScopesSupported          []string `json:"scopes_supported"`
}

// Metadata returns the authorization-server discovery document.
func (s *Server) Metadata() ServerMetadata {
	return ServerMetadata{
		Issuer:                   s.baseURL,
		AuthorizationEndpoint:    s.baseURL + "/oauth/authorize",
		TokenEndpoint:            s.baseURL + "/oauth/token",
		RegistrationEndpoint:     s.baseURL + "/oauth/register",
		RevocationEndpoint:       s.baseURL + "/oauth/revoke",
		ResponseTypesSupported:   []string{"code"},
		GrantTypesSupported:      []string{"authorization_code", "client_credentials", "refresh_token"},
		TokenEndpointAuthMethods: []string{"client_secret_post", "client_secret_basic"},
		ScopesSupported:          []string{defaultClientScope, "web"},
	}
}

// ResourceMetadata is the /.well-known/oauth-protected-resource document.
type ResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ScopesSupported        []string `json:"scopes_supported"`
}

// ProtectedResource returns the protected-resource discovery document for
// the given resource path ("" for the whole engine, "/mcp" for MCP).
func (s *Server) ProtectedResource(path string) ResourceMetadata {
	return ResourceMetadata{
		Resource:               s.baseURL + path,
		AuthorizationServers:   []string{s.baseURL},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        []string{defaultClientScope},
	}
}

func (s *Server) put(ctx context.Context, bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.store.PutBucketItem(ctx, OAuthActorID, bucket, key, data)
}

func (s *Server) get(ctx context.Context, bucket, key string, v any) error {
	item, err := s.store.GetBucketItem(ctx, OAuthActorID, bucket, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(item.Data, v)
}

func containsURI(uris []string, uri string) bool {
	for _, u := range uris {
		if u == uri {
			return true
		}
	}
	return false
}
