package trust

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/actingweb/actingweb-go/internal/hooks"
	"github.com/actingweb/actingweb-go/internal/peer"
	"github.com/actingweb/actingweb-go/internal/store"
)

// Establishment channels recorded on trust records.
const (
	ViaActingWeb = "actingweb"
	ViaOAuth2    = "oauth2"
	ViaMCP       = "mcp"
)

// ErrInvalidType is returned when a relationship names a trust type the
// registry does not know.
var ErrInvalidType = errors.New("unknown trust type")

// ErrVerificationFailed is returned when the reciprocal round-trip does not
// produce the shared secret.
var ErrVerificationFailed = errors.New("trust verification failed")

// PeerClient is the subset of the peer HTTP client the trust service needs.
type PeerClient interface {
	GetMeta(ctx context.Context, baseURI string) (*peer.Meta, error)
	CreateTrust(ctx context.Context, baseURI, relationship string, req peer.TrustRequest) (*store.Trust, error)
	VerifyTrust(ctx context.Context, baseURI, relationship, selfID, verifyToken string) (*store.Trust, error)
	ApproveTrust(ctx context.Context, baseURI, relationship, selfID, secret string) error
	DeleteTrust(ctx context.Context, baseURI, relationship, selfID, secret string) error
}

// Service manages the lifecycle of trust relationships.
type Service struct {
	trusts    store.TrustStore
	types     *TypeRegistry
	overrides *OverrideStore
	peers     PeerClient
	hooks     *hooks.Registry
	logger    *zap.Logger
	baseURL   string
}

// NewService creates a trust Service. baseURL is this server's external
// root, used to build the base URI of local actors.
func NewService(trusts store.TrustStore, types *TypeRegistry, overrides *OverrideStore, peers PeerClient, hookReg *hooks.Registry, baseURL string, logger *zap.Logger) *Service {
	return &Service{
		trusts:    trusts,
		types:     types,
		overrides: overrides,
		peers:     peers,
		hooks:     hookReg,
		logger:    logger,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
	}
}

// Types exposes the type registry.
func (s *Service) Types() *TypeRegistry { return s.types }

// Overrides exposes the override store.
func (s *Service) Overrides() *OverrideStore { return s.overrides }

func (s *Service) selfURI(actorID string) string {
	return s.baseURL + "/" + actorID
}

// newSecret returns a 32-byte random hex token.
func newSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// Initiate establishes a new reciprocal trust from actorID toward the
// remote actor at peerURI. The local record exists before the peer is
// contacted so the peer's verification round-trip can find it; it is
// removed again if the peer rejects.
func (s *Service) Initiate(ctx context.Context, actorID, peerURI, relationship, desc string) (*store.Trust, error) {
	if _, ok := s.types.Get(relationship); !ok {
		return nil, fmt.Errorf("relationship %q: %w", relationship, ErrInvalidType)
	}

	peerURI = strings.TrimSuffix(peerURI, "/")
	meta, err := s.peers.GetMeta(ctx, peerURI)
	if err != nil {
		return nil, fmt.Errorf("fetch peer meta: %w", err)
	}
	if meta.ID == "" {
		return nil, fmt.Errorf("peer at %s has no actor ID", peerURI)
	}

	t := &store.Trust{
		ActorID:        actorID,
		PeerID:         meta.ID,
		BaseURI:        peerURI,
		Relationship:   relationship,
		Secret:         newSecret(),
		VerifyToken:    newSecret(),
		Desc:           desc,
		EstablishedVia: ViaActingWeb,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.trusts.CreateTrust(ctx, t); err != nil {
		return nil, err
	}

	_, err = s.peers.CreateTrust(ctx, peerURI, relationship, peer.TrustRequest{
		ID:                actorID,
		BaseURI:           s.selfURI(actorID),
		Secret:            t.Secret,
		VerificationToken: t.VerifyToken,
		Relationship:      relationship,
		Desc:              desc,
	})
	if err != nil {
		if delErr := s.trusts.DeleteTrust(ctx, actorID, meta.ID); delErr != nil {
			s.logger.Warn("rollback of unconfirmed trust failed",
				zap.String("actor_id", actorID), zap.String("peer_id", meta.ID), zap.Error(delErr))
		}
		return nil, fmt.Errorf("peer rejected trust: %w", err)
	}

	// The peer's verification round-trip happened while the POST was in
	// flight and flipped our verified flag; re-read to return fresh state.
	fresh, err := s.trusts.GetTrust(ctx, actorID, meta.ID)
	if err != nil {
		return t, nil
	}
	return fresh, nil
}

// Receive handles an incoming trust initiation on actorID. The sender is
// verified by calling back to its trust record with the supplied token and
// comparing secrets before anything is stored.
func (s *Service) Receive(ctx context.Context, actorID, relationship string, req peer.TrustRequest) (*store.Trust, error) {
	if _, ok := s.types.Get(relationship); !ok {
		return nil, fmt.Errorf("relationship %q: %w", relationship, ErrInvalidType)
	}
	if req.Relationship != "" && req.Relationship != relationship {
		return nil, fmt.Errorf("body relationship %q does not match path: %w", req.Relationship, ErrInvalidType)
	}

	peerURI := strings.TrimSuffix(req.BaseURI, "/")
	peerID := req.ID
	if peerID == "" {
		if i := strings.LastIndex(peerURI, "/"); i >= 0 {
			peerID = peerURI[i+1:]
		}
	}
	if peerID == "" || peerURI == "" || req.Secret == "" {
		return nil, fmt.Errorf("incomplete trust request: %w", ErrVerificationFailed)
	}
	if existing, err := s.trusts.GetTrust(ctx, actorID, peerID); err == nil && existing != nil {
		return nil, fmt.Errorf("trust with peer %s: %w", peerID, store.ErrConflict)
	}

	verified := false
	if req.VerificationToken != "" {
		remote, err := s.peers.VerifyTrust(ctx, peerURI, relationship, actorID, req.VerificationToken)
		if err != nil {
			return nil, fmt.Errorf("verification round-trip: %w", ErrVerificationFailed)
		}
		if remote.Secret != req.Secret {
			return nil, fmt.Errorf("secret mismatch: %w", ErrVerificationFailed)
		}
		verified = true
	}

	t := &store.Trust{
		ActorID:        actorID,
		PeerID:         peerID,
		BaseURI:        peerURI,
		Relationship:   relationship,
		PeerIdentifier: peerID,
		Secret:         req.Secret,
		Verified:       verified,
		Desc:           req.Desc,
		EstablishedVia: ViaActingWeb,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.trusts.CreateTrust(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// ConfirmVerification serves the initiator side of the verification
// round-trip: the peer proves possession of the verification token and
// receives the record including the shared secret. The local record is
// marked verified.
func (s *Service) ConfirmVerification(ctx context.Context, actorID, relationship, peerID, token string) (*store.Trust, error) {
	t, err := s.trusts.GetTrust(ctx, actorID, peerID)
	if err != nil {
		return nil, err
	}
	if t.Relationship != relationship {
		return nil, store.ErrNotFound
	}
	if token == "" || t.VerifyToken != token {
		return nil, ErrVerificationFailed
	}
	if !t.Verified {
		t.Verified = true
		if err := s.trusts.UpdateTrust(ctx, t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Approve marks this side of the relationship approved and tells the peer,
// best-effort. Fires the trust_approved lifecycle event on the transition.
func (s *Service) Approve(ctx context.Context, actorID, peerID string) (*store.Trust, error) {
	t, err := s.trusts.GetTrust(ctx, actorID, peerID)
	if err != nil {
		return nil, err
	}
	if t.Approved {
		return t, nil
	}
	t.Approved = true
	if err := s.trusts.UpdateTrust(ctx, t); err != nil {
		return nil, err
	}

	if t.BaseURI != "" {
		if err := s.peers.ApproveTrust(ctx, t.BaseURI, t.Relationship, actorID, t.Secret); err != nil {
			s.logger.Warn("peer approval notification failed",
				zap.String("actor_id", actorID), zap.String("peer_id", peerID), zap.Error(err))
		}
	}

	data, _ := json.Marshal(t)
	s.hooks.DispatchLifecycle(ctx, hooks.ActorRef{ID: actorID}, hooks.EventTrustApproved, data)
	return t, nil
}

// SetPeerApproved records that the peer approved its side.
func (s *Service) SetPeerApproved(ctx context.Context, actorID, peerID string) (*store.Trust, error) {
	t, err := s.trusts.GetTrust(ctx, actorID, peerID)
	if err != nil {
		return nil, err
	}
	if t.PeerApproved {
		return t, nil
	}
	t.PeerApproved = true
	if err := s.trusts.UpdateTrust(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Delete removes the relationship and its override. With notifyPeer the
// peer's reciprocal record is deleted best-effort.
func (s *Service) Delete(ctx context.Context, actorID, peerID string, notifyPeer bool) error {
	t, err := s.trusts.GetTrust(ctx, actorID, peerID)
	if err != nil {
		return err
	}
	if err := s.overrides.Delete(ctx, actorID, peerID); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("override cleanup failed",
			zap.String("actor_id", actorID), zap.String("peer_id", peerID), zap.Error(err))
	}
	if err := s.trusts.DeleteTrust(ctx, actorID, peerID); err != nil {
		return err
	}

	if notifyPeer && t.BaseURI != "" {
		if err := s.peers.DeleteTrust(ctx, t.BaseURI, t.Relationship, actorID, t.Secret); err != nil && !errors.Is(err, peer.ErrNotFound) {
			s.logger.Warn("peer trust deletion failed",
				zap.String("actor_id", actorID), zap.String("peer_id", peerID), zap.Error(err))
		}
	}

	data, _ := json.Marshal(t)
	s.hooks.DispatchLifecycle(ctx, hooks.ActorRef{ID: actorID}, hooks.EventTrustDeleted, data)
	return nil
}

// EnsureLocal creates or refreshes a locally established relationship, as
// used by OAuth2 and MCP token issuance. No reciprocal protocol runs; the
// record is immediately active.
func (s *Service) EnsureLocal(ctx context.Context, t *store.Trust) (*store.Trust, error) {
	if _, ok := s.types.Get(t.Relationship); !ok {
		return nil, fmt.Errorf("relationship %q: %w", t.Relationship, ErrInvalidType)
	}
	existing, err := s.trusts.GetTrust(ctx, t.ActorID, t.PeerID)
	if err == nil {
		existing.Relationship = t.Relationship
		existing.PeerIdentifier = t.PeerIdentifier
		existing.EstablishedVia = t.EstablishedVia
		existing.LastAccessed = time.Now().UTC()
		existing.Approved = true
		existing.PeerApproved = true
		existing.Verified = true
		if err := s.trusts.UpdateTrust(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	t.Approved = true
	t.PeerApproved = true
	t.Verified = true
	t.CreatedAt = time.Now().UTC()
	t.LastAccessed = t.CreatedAt
	if err := s.trusts.CreateTrust(ctx, t); err != nil {
		return nil, err
	}
	data, _ := json.Marshal(t)
	s.hooks.DispatchLifecycle(ctx, hooks.ActorRef{ID: t.ActorID}, hooks.EventTrustApproved, data)
	return t, nil
}

// Get returns the relationship with peerID.
func (s *Service) Get(ctx context.Context, actorID, peerID string) (*store.Trust, error) {
	return s.trusts.GetTrust(ctx, actorID, peerID)
}

// List returns all relationships of the actor.
func (s *Service) List(ctx context.Context, actorID string) ([]*store.Trust, error) {
	return s.trusts.ListTrusts(ctx, actorID)
}

// TouchLastAccessed bumps the access timestamp, non-fatally.
func (s *Service) TouchLastAccessed(ctx context.Context, t *store.Trust) {
	t.LastAccessed = time.Now().UTC()
	if err := s.trusts.UpdateTrust(ctx, t); err != nil {
		s.logger.Debug("last_accessed update failed",
			zap.String("actor_id", t.ActorID), zap.String("peer_id", t.PeerID), zap.Error(err))
	}
}
