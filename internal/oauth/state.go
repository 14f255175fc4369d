package oauth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	stateTTL = 10 * time.Minute

	// mcpStatePrefix marks an encrypted authorization-server state
	// envelope. Web states are compact JWTs and start with "eyJ", so the
	// two shapes can never be confused on the shared callback URL.
	mcpStatePrefix = "es1."
)

// WebState rides the state parameter of a browser login round-trip.
type WebState struct {
	Provider string
	ActorID  string
	Redirect string
}

// MCPState rides the state parameter when the authorization server sends a
// machine client's user through the upstream provider. It remembers
// everything needed to mint the authorization code on return.
type MCPState struct {
	Provider    string `json:"provider"`
	ClientID    string `json:"client_id"`
	RedirectURI string `json:"redirect_uri"`
	ClientState string `json:"client_state,omitempty"`
	Scope       string `json:"scope,omitempty"`
	TrustType   string `json:"trust_type"`
	ActorID     string `json:"actor_id,omitempty"`
	IssuedAt    int64  `json:"iat"`
}

type webStateClaims struct {
	jwt.RegisteredClaims
	Provider string `json:"provider"`
	ActorID  string `json:"actor_id,omitempty"`
	Redirect string `json:"redirect,omitempty"`
}

// StateCodec signs web states and seals MCP states. Both derive from one
// configured secret so operators manage a single value.
type StateCodec struct {
	hmacKey []byte
	aead    cipher.AEAD
	issuer  string
	clock   clockwork.Clock
}

// NewStateCodec builds a codec from the configured state secret. The
// issuer (the engine's base URL) is pinned into web states so tokens from
// another deployment never verify here.
func NewStateCodec(secret []byte, issuer string, clock clockwork.Clock) (*StateCodec, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("state secret is required")
	}
	key := sha256.Sum256(secret)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("state cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("state aead: %w", err)
	}
	return &StateCodec{
		hmacKey: secret,
		aead:    aead,
		issuer:  issuer,
		clock:   clock,
	}, nil
}

// IsMCPState reports whether the raw state parameter is an encrypted
// authorization-server envelope rather than a web login JWT.
func IsMCPState(raw string) bool {
	return strings.HasPrefix(raw, mcpStatePrefix)
}

// EncodeWeb signs a short-lived web login state.
func (c *StateCodec) EncodeWeb(st WebState) (string, error) {
	now := c.clock.Now().UTC()
	claims := webStateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   "oauth-state",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
			ID:        uuid.New().String(),
		},
		Provider: st.Provider,
		ActorID:  st.ActorID,
		Redirect: st.Redirect,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.hmacKey)
	if err != nil {
		return "", fmt.Errorf("sign oauth state: %w", err)
	}
	return signed, nil
}

// DecodeWeb verifies a web login state and returns its contents.
func (c *StateCodec) DecodeWeb(raw string) (*WebState, error) {
	token, err := jwt.ParseWithClaims(
		raw,
		&webStateClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return c.hmacKey, nil
		},
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid oauth state: %w", err)
	}
	claims, ok := token.Claims.(*webStateClaims)
	if !ok || claims.Subject != "oauth-state" {
		return nil, fmt.Errorf("not an oauth state token")
	}
	return &WebState{
		Provider: claims.Provider,
		ActorID:  claims.ActorID,
		Redirect: claims.Redirect,
	}, nil
}

// EncodeMCP seals an authorization-server state envelope.
func (c *StateCodec) EncodeMCP(st MCPState) (string, error) {
	st.IssuedAt = c.clock.Now().UTC().Unix()
	plain, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("marshal mcp state: %w", err)
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("state nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plain, nil)
	return mcpStatePrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// DecodeMCP opens an authorization-server state envelope, rejecting
// tampered or expired ones.
func (c *StateCodec) DecodeMCP(raw string) (*MCPState, error) {
	if !IsMCPState(raw) {
		return nil, fmt.Errorf("not an mcp state envelope")
	}
	sealed, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(raw, mcpStatePrefix))
	if err != nil {
		return nil, fmt.Errorf("invalid mcp state encoding: %w", err)
	}
	if len(sealed) < c.aead.NonceSize() {
		return nil, fmt.Errorf("invalid mcp state envelope")
	}
	nonce, ct := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid mcp state envelope")
	}
	var st MCPState
	if err := json.Unmarshal(plain, &st); err != nil {
		return nil, fmt.Errorf("parse mcp state: %w", err)
	}
	if c.clock.Now().UTC().Sub(time.Unix(st.IssuedAt, 0)) > stateTTL {
		return nil, fmt.Errorf("mcp state expired")
	}
	return &st, nil
}
