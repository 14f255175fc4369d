// Package peer implements the outbound HTTP client the engine uses to talk
// to remote actors: trust establishment and teardown, subscription
// management, diff pulls and callback delivery. Peer endpoints are
// addressed by the trust record's base URI, which includes the remote
// actor's ID.
package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/store"
)

// ErrNotFound is returned when the remote actor or record does not exist.
var ErrNotFound = errors.New("peer record not found")

// maxResponseBytes caps how much of any peer response is read.
const maxResponseBytes = 1 << 20

// Meta is the subset of a peer's /meta document the engine needs.
type Meta struct {
	ID        string `json:"id"`
	Type      string `json:"type,omitempty"`
	Version   string `json:"version,omitempty"`
	Desc      string `json:"desc,omitempty"`
	Supported string `json:"supported,omitempty"`
}

// TrustRequest is the body of an outgoing trust initiation.
type TrustRequest struct {
	ID                string `json:"id"`
	BaseURI           string `json:"baseuri"`
	Secret            string `json:"secret"`
	VerificationToken string `json:"verification_token"`
	Relationship      string `json:"relationship"`
	Desc              string `json:"desc,omitempty"`
}

// SubscriptionRequest is the body of an outgoing subscription creation.
type SubscriptionRequest struct {
	Target      string `json:"target"`
	Subtarget   string `json:"subtarget,omitempty"`
	Resource    string `json:"resource,omitempty"`
	Granularity string `json:"granularity"`
}

// SubscriptionPage is the response to a diff pull: the subscription record
// and all unconfirmed diffs.
type SubscriptionPage struct {
	Subscription *store.Subscription `json:"subscription"`
	Diffs        []*store.Diff       `json:"diffs"`
}

// Client is a stateless HTTP client for remote actors. One instance serves
// all peers; every call carries the peer's base URI and the credential to
// use.
type Client struct {
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates a Client with the given per-request timeout.
func NewClient(timeout time.Duration, logger *zap.Logger) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (c *Client) do(ctx context.Context, method, url, secret string, body any) (int, []byte, error) {
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request body: %w", err)
		}
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, buf)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response from %s: %w", url, err)
	}
	return resp.StatusCode, raw, nil
}

// GetMeta fetches the peer's metadata document.
func (c *Client) GetMeta(ctx context.Context, baseURI string) (*Meta, error) {
	status, raw, err := c.do(ctx, http.MethodGet, strings.TrimSuffix(baseURI, "/")+"/meta", "", nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("peer meta returned status %d", status)
	}
	m := &Meta{}
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, fmt.Errorf("decode peer meta: %w", err)
	}
	return m, nil
}

// GetMetaValue fetches a single named metadata value as text.
func (c *Client) GetMetaValue(ctx context.Context, baseURI, name string) (string, error) {
	url := strings.TrimSuffix(baseURI, "/") + "/meta/" + name
	status, raw, err := c.do(ctx, http.MethodGet, url, "", nil)
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound {
		return "", ErrNotFound
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("peer meta value returned status %d", status)
	}
	return strings.TrimSpace(string(raw)), nil
}

// CreateTrust initiates a reciprocal trust on the peer and returns the
// peer's view of the relationship.
func (c *Client) CreateTrust(ctx context.Context, baseURI, relationship string, req TrustRequest) (*store.Trust, error) {
	url := strings.TrimSuffix(baseURI, "/") + "/trust/" + relationship
	status, raw, err := c.do(ctx, http.MethodPost, url, "", req)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return nil, fmt.Errorf("peer trust creation returned status %d", status)
	}
	t := &store.Trust{}
	if err := json.Unmarshal(raw, t); err != nil {
		return nil, fmt.Errorf("decode peer trust: %w", err)
	}
	return t, nil
}

// VerifyTrust performs the verification round-trip: a Basic-authenticated
// GET of the initiator's trust record for this actor, proving the request
// origin. The returned record carries the shared secret to compare.
func (c *Client) VerifyTrust(ctx context.Context, baseURI, relationship, selfID, verifyToken string) (*store.Trust, error) {
	url := strings.TrimSuffix(baseURI, "/") + "/trust/" + relationship + "/" + selfID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build verify request: %w", err)
	}
	req.SetBasicAuth(selfID, verifyToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verify trust at %s: %w", url, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("trust verification returned status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read verification response: %w", err)
	}
	t := &store.Trust{}
	if err := json.Unmarshal(raw, t); err != nil {
		return nil, fmt.Errorf("decode verification response: %w", err)
	}
	return t, nil
}

// ApproveTrust tells the peer this side has approved the relationship, so
// the peer flips its peer_approved flag.
func (c *Client) ApproveTrust(ctx context.Context, baseURI, relationship, selfID, secret string) error {
	url := strings.TrimSuffix(baseURI, "/") + "/trust/" + relationship + "/" + selfID
	status, _, err := c.do(ctx, http.MethodPut, url, secret, map[string]bool{"approved": true})
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return ErrNotFound
	}
	if status >= 300 {
		return fmt.Errorf("peer approval returned status %d", status)
	}
	return nil
}

// DeleteTrust removes this actor's side of the relationship on the peer.
func (c *Client) DeleteTrust(ctx context.Context, baseURI, relationship, selfID, secret string) error {
	url := strings.TrimSuffix(baseURI, "/") + "/trust/" + relationship + "/" + selfID
	status, _, err := c.do(ctx, http.MethodDelete, url, secret, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return ErrNotFound
	}
	if status >= 300 {
		return fmt.Errorf("peer trust deletion returned status %d", status)
	}
	return nil
}

// CreateSubscription registers a subscription on the publishing peer.
// selfID is the subscriber's actor ID.
func (c *Client) CreateSubscription(ctx context.Context, baseURI, selfID, secret string, req SubscriptionRequest) (*store.Subscription, error) {
	url := strings.TrimSuffix(baseURI, "/") + "/subscriptions/" + selfID
	status, raw, err := c.do(ctx, http.MethodPost, url, secret, req)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if status != http.StatusCreated {
		return nil, fmt.Errorf("peer subscription creation returned status %d", status)
	}
	var env struct {
		Subscription *store.Subscription `json:"subscription"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode peer subscription: %w", err)
	}
	if env.Subscription == nil {
		return nil, fmt.Errorf("peer subscription response carries no record")
	}
	return env.Subscription, nil
}

// DeleteSubscription removes a subscription on the publishing peer.
func (c *Client) DeleteSubscription(ctx context.Context, baseURI, selfID, subID, secret string) error {
	url := strings.TrimSuffix(baseURI, "/") + "/subscriptions/" + selfID + "/" + subID
	status, _, err := c.do(ctx, http.MethodDelete, url, secret, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return ErrNotFound
	}
	if status >= 300 {
		return fmt.Errorf("peer subscription deletion returned status %d", status)
	}
	return nil
}

// GetDiffs pulls the subscription record and all unconfirmed diffs from the
// publishing peer.
func (c *Client) GetDiffs(ctx context.Context, baseURI, selfID, subID, secret string) (*SubscriptionPage, error) {
	url := strings.TrimSuffix(baseURI, "/") + "/subscriptions/" + selfID + "/" + subID
	status, raw, err := c.do(ctx, http.MethodGet, url, secret, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("peer diff pull returned status %d", status)
	}
	page := &SubscriptionPage{}
	if err := json.Unmarshal(raw, page); err != nil {
		return nil, fmt.Errorf("decode diff page: %w", err)
	}
	return page, nil
}

// ConfirmDiffs reports the highest applied sequence to the publishing peer
// so it can prune its diff queue.
func (c *Client) ConfirmDiffs(ctx context.Context, baseURI, selfID, subID, secret string, sequence int) error {
	url := strings.TrimSuffix(baseURI, "/") + "/subscriptions/" + selfID + "/" + subID
	status, _, err := c.do(ctx, http.MethodPut, url, secret, map[string]int{"sequence": sequence})
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return ErrNotFound
	}
	if status >= 300 {
		return fmt.Errorf("peer diff confirm returned status %d", status)
	}
	return nil
}

// GetResource fetches the peer's current state under target/subtarget,
// used as the baseline when diff history cannot be replayed.
func (c *Client) GetResource(ctx context.Context, baseURI, target, subtarget, secret string) (json.RawMessage, error) {
	url := strings.TrimSuffix(baseURI, "/") + "/" + target
	if subtarget != "" {
		url += "/" + subtarget
	}
	status, raw, err := c.do(ctx, http.MethodGet, url, secret, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("peer resource fetch returned status %d", status)
	}
	return raw, nil
}

// PostCallback delivers a callback payload. The returned status is the
// peer's HTTP response code; a zero status with an error means the request
// never completed.
func (c *Client) PostCallback(ctx context.Context, url, secret string, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close() //nolint:errcheck

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	return resp.StatusCode, nil
}
