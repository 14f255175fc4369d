package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when the requested actor, property, trust or
// subscription does not exist (or is hidden from the caller).
var ErrNotFound = errors.New("not found")

// ErrUnauthorized is returned when the server rejects the configured
// credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Actor is the identity record returned by the factory. Passphrase is
// only populated on creation; keep it, it is the owner credential.
type Actor struct {
	ID         string `json:"id"`
	Creator    string `json:"creator"`
	Passphrase string `json:"passphrase,omitempty"`
	URL        string `json:"url,omitempty"`
}

// Meta is the public metadata document served under /{actor}/meta.
type Meta struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Version   string `json:"version"`
	Desc      string `json:"desc"`
	Supported string `json:"supported"`
}

// ListItem is one element of a list-typed property.
type ListItem struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// Client talks to one ActingWeb engine. All methods are safe for
// concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu          sync.Mutex
	bearerToken string
	basicUser   string
	basicPass   string
}

// Option configures the Client during construction.
type Option func(*Client) error

// WithHTTPClient replaces the default HTTP client (30s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken authenticates every request with the given OAuth2
// access token.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithBasicAuth authenticates as the actor's owner using the creator
// name and the passphrase returned at creation time.
func WithBasicAuth(creator, passphrase string) Option {
	return func(c *Client) error {
		c.basicUser = creator
		c.basicPass = passphrase
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification. For
// development against self-signed engines only.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		transport, ok := c.httpClient.Transport.(*http.Transport)
		if !ok {
			transport = http.DefaultTransport.(*http.Transport).Clone()
		}
		if transport.TLSClientConfig == nil {
			transport.TLSClientConfig = &tls.Config{}
		}
		transport.TLSClientConfig.InsecureSkipVerify = true
		c.httpClient.Transport = transport
		return nil
	}
}

// New creates a Client for the engine at baseURL (e.g.
// "https://actors.example.com").
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("base URL is required")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is New but panics on error. For initialization paths where a
// bad base URL is a programming error.
func MustNew(baseURL string, opts ...Option) *Client {
	c, err := New(baseURL, opts...)
	if err != nil {
		panic(fmt.Sprintf("client.MustNew: %v", err))
	}
	return c
}

// SetBearerToken swaps the access token, e.g. after an OAuth2 refresh.
func (c *Client) SetBearerToken(token string) {
	c.mu.Lock()
	c.bearerToken = token
	c.mu.Unlock()
}

// ── Actors ──────────────────────────────────────────────────────────────

// CreateActor instantiates a new actor via the factory. When passphrase
// is empty the engine generates one; the returned Actor carries it
// either way.
func (c *Client) CreateActor(ctx context.Context, creator, passphrase string) (*Actor, error) {
	payload, err := json.Marshal(map[string]string{
		"creator":    creator,
		"passphrase": passphrase,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var a Actor
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &a, nil
}

// GetActor fetches the actor root document. Owner credentials required.
func (c *Client) GetActor(ctx context.Context, actorID string) (*Actor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.actorURL(actorID), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var a Actor
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &a, nil
}

// DeleteActor removes the actor and everything it owns: properties,
// trusts, subscriptions. Peers with active trusts are notified.
func (c *Client) DeleteActor(ctx context.Context, actorID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.actorURL(actorID), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	_, err = c.do(req)
	return err
}

// ── Metadata ────────────────────────────────────────────────────────────

// GetMeta fetches the actor's public metadata document. No
// authentication required.
func (c *Client) GetMeta(ctx context.Context, actorID string) (*Meta, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.actorURL(actorID)+"/meta", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var m Meta
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &m, nil
}

// GetMetaValue fetches a single metadata value as plain text, e.g.
// "actingweb/version" or "type".
func (c *Client) GetMetaValue(ctx context.Context, actorID, key string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.actorURL(actorID)+"/meta/"+key, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	body, err := c.do(req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// ── Properties ──────────────────────────────────────────────────────────

// Properties fetches every top-level property of the actor.
func (c *Client) Properties(ctx context.Context, actorID string) (map[string]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.actorURL(actorID)+"/properties", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var props map[string]json.RawMessage
	if err := json.Unmarshal(body, &props); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return props, nil
}

// GetProperty fetches the value at a property path. Nested paths use
// slashes ("settings/display/theme"); the value is returned as raw JSON.
func (c *Client) GetProperty(ctx context.Context, actorID, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.propertyURL(actorID, path), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// SetProperty replaces the value at a property path. value is marshaled
// to JSON; pass json.RawMessage to send pre-encoded data.
func (c *Client) SetProperty(ctx context.Context, actorID, path string, value any) error {
	payload, err := marshalValue(value)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.propertyURL(actorID, path), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	_, err = c.do(req)
	return err
}

// SetProperties creates or updates several top-level properties in one
// call from a name-to-value map.
func (c *Client) SetProperties(ctx context.Context, actorID string, values map[string]any) error {
	payload, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.actorURL(actorID)+"/properties", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	_, err = c.do(req)
	return err
}

// DeleteProperty removes the value at a property path, including any
// children under it.
func (c *Client) DeleteProperty(ctx context.Context, actorID, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.propertyURL(actorID, path), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	_, err = c.do(req)
	return err
}

// DeleteProperties removes every property of the actor.
func (c *Client) DeleteProperties(ctx context.Context, actorID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.actorURL(actorID)+"/properties", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	_, err = c.do(req)
	return err
}

// AppendListItem appends an item to a list-typed property and returns
// the stored item with its engine-assigned ID. The property must
// already exist as a list.
func (c *Client) AppendListItem(ctx context.Context, actorID, name string, data any) (*ListItem, error) {
	payload, err := marshalValue(data)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.propertyURL(actorID, name), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var item ListItem
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &item, nil
}

// ── Plumbing ────────────────────────────────────────────────────────────

func (c *Client) actorURL(actorID string) string {
	return c.baseURL + "/" + actorID
}

func (c *Client) propertyURL(actorID, path string) string {
	return c.actorURL(actorID) + "/properties/" + strings.Trim(path, "/")
}

func marshalValue(value any) ([]byte, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return payload, nil
}

// do attaches credentials, runs the request and returns the body.
// Responses outside 2xx become errors; 404 and 401 map to the package
// sentinels so callers can test with errors.Is.
func (c *Client) do(req *http.Request) ([]byte, error) {
	c.mu.Lock()
	token := c.bearerToken
	user, pass := c.basicUser, c.basicPass
	c.mu.Unlock()

	if req.Header.Get("Authorization") == "" {
		switch {
		case token != "":
			req.Header.Set("Authorization", "Bearer "+token)
		case user != "":
			req.SetBasicAuth(user, pass)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.URL.Path)
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, strings.TrimSpace(string(body)))
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("server error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
