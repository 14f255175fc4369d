package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Trust mirrors one trust relationship record as exposed by the REST
// API. Secret is only visible to the two sides of the relationship.
type Trust struct {
	PeerID         string    `json:"peerid"`
	BaseURI        string    `json:"baseuri"`
	Relationship   string    `json:"relationship"`
	PeerIdentifier string    `json:"peer_identifier,omitempty"`
	Secret         string    `json:"secret,omitempty"`
	Approved       bool      `json:"approved"`
	PeerApproved   bool      `json:"peer_approved"`
	Verified       bool      `json:"verified"`
	Desc           string    `json:"desc,omitempty"`
	EstablishedVia string    `json:"established_via,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Active reports whether the relationship is usable: both sides
// approved and the reciprocal verification completed.
func (t *Trust) Active() bool {
	return t.Approved && t.PeerApproved && t.Verified
}

// PermissionRule scopes one capability category of a permission set.
type PermissionRule struct {
	Patterns         []string `json:"patterns,omitempty"`
	Allowed          []string `json:"allowed,omitempty"`
	Denied           []string `json:"denied,omitempty"`
	ExcludedPatterns []string `json:"excluded_patterns,omitempty"`
	Operations       []string `json:"operations,omitempty"`
}

// TrustPermissions is a per-relationship permission override. Nil
// categories fall back to the trust type's defaults.
type TrustPermissions struct {
	Properties *PermissionRule `json:"properties,omitempty"`
	Methods    *PermissionRule `json:"methods,omitempty"`
	Actions    *PermissionRule `json:"actions,omitempty"`
	Tools      *PermissionRule `json:"tools,omitempty"`
	Resources  *PermissionRule `json:"resources,omitempty"`
	Prompts    *PermissionRule `json:"prompts,omitempty"`
}

// InitiateTrust starts the reciprocal handshake from the actor toward
// the peer actor at peerURL. The returned record is not yet approved on
// the remote side; poll GetTrust or wait for the peer owner to approve.
func (c *Client) InitiateTrust(ctx context.Context, actorID, peerURL, relationship, desc string) (*Trust, error) {
	payload, err := json.Marshal(map[string]string{
		"url":          peerURL,
		"relationship": relationship,
		"desc":         desc,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.actorURL(actorID)+"/trust", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var t Trust
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &t, nil
}

// ListTrusts returns every trust relationship of the actor. Owner only.
func (c *Client) ListTrusts(ctx context.Context, actorID string) ([]Trust, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.actorURL(actorID)+"/trust", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var trusts []Trust
	if err := json.Unmarshal(body, &trusts); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return trusts, nil
}

// GetTrust fetches a single trust relationship.
func (c *Client) GetTrust(ctx context.Context, actorID, relationship, peerID string) (*Trust, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.trustURL(actorID, relationship, peerID), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var t Trust
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &t, nil
}

// ApproveTrust approves the relationship on the caller's side. With
// owner credentials this is the local approval; with the peer secret it
// records the remote side's approval.
func (c *Client) ApproveTrust(ctx context.Context, actorID, relationship, peerID string) error {
	payload := []byte(`{"approved":true}`)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.trustURL(actorID, relationship, peerID), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	_, err = c.do(req)
	return err
}

// DeleteTrust removes the relationship. With owner credentials the peer
// is notified and drops its half too.
func (c *Client) DeleteTrust(ctx context.Context, actorID, relationship, peerID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.trustURL(actorID, relationship, peerID), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	_, err = c.do(req)
	return err
}

// GetTrustPermissions fetches the permission override stored for the
// relationship. ErrNotFound when no override exists.
func (c *Client) GetTrustPermissions(ctx context.Context, actorID, relationship, peerID string) (*TrustPermissions, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.trustURL(actorID, relationship, peerID)+"/permissions", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var ps TrustPermissions
	if err := json.Unmarshal(body, &ps); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &ps, nil
}

// SetTrustPermissions stores a permission override for the
// relationship, replacing any previous one.
func (c *Client) SetTrustPermissions(ctx context.Context, actorID, relationship, peerID string, ps *TrustPermissions) error {
	payload, err := json.Marshal(ps)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.trustURL(actorID, relationship, peerID)+"/permissions", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	_, err = c.do(req)
	return err
}

// DeleteTrustPermissions drops the override so the relationship falls
// back to its trust type's defaults.
func (c *Client) DeleteTrustPermissions(ctx context.Context, actorID, relationship, peerID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.trustURL(actorID, relationship, peerID)+"/permissions", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	_, err = c.do(req)
	return err
}

func (c *Client) trustURL(actorID, relationship, peerID string) string {
	return c.actorURL(actorID) + "/trust/" + relationship + "/" + peerID
}
