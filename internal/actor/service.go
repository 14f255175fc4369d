// Package actor owns actor identity and the property store facade. An
// actor is the unit of ownership: everything else in the engine is keyed
// by its ID. Properties pass through the hook dispatcher on every access
// and feed the subscription engine on every successful write.
package actor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/actingweb/actingweb-go/internal/hooks"
	"github.com/actingweb/actingweb-go/internal/store"
)

// ErrBadCredentials is returned when authentication fails. It does not
// distinguish a missing actor from a wrong passphrase.
var ErrBadCredentials = errors.New("bad credentials")

// ErrCreatorTaken is returned in unique-creator mode when the creator
// already owns an actor.
var ErrCreatorTaken = errors.New("creator already has an actor")

// PeerNotifier is the outbound call actor deletion needs.
type PeerNotifier interface {
	DeleteTrust(ctx context.Context, baseURI, relationship, selfID, secret string) error
}

// Service manages actor lifecycle.
type Service struct {
	store         store.Store
	peers         PeerNotifier
	hooks         *hooks.Registry
	logger        *zap.Logger
	uniqueCreator bool
}

// NewService creates an actor Service. With uniqueCreator set, a creator
// can own at most one actor.
func NewService(st store.Store, peers PeerNotifier, hookReg *hooks.Registry, uniqueCreator bool, logger *zap.Logger) *Service {
	return &Service{
		store:         st,
		peers:         peers,
		hooks:         hookReg,
		logger:        logger,
		uniqueCreator: uniqueCreator,
	}
}

// CreateInput carries the optional fields of actor creation.
type CreateInput struct {
	ID         string
	Creator    string
	Passphrase string
}

// NormalizeCreator canonicalises a creator identifier for storage and
// lookup. Creators are usually email addresses; comparison is
// case-insensitive.
func NormalizeCreator(creator string) string {
	return strings.ToLower(strings.TrimSpace(creator))
}

func newPassphrase() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// Create registers a new actor. A missing ID is generated, a missing
// passphrase is generated; the cleartext passphrase is returned exactly
// once and only its bcrypt hash is stored.
func (s *Service) Create(ctx context.Context, in CreateInput) (*store.Actor, string, error) {
	creator := NormalizeCreator(in.Creator)
	if creator == "" {
		return nil, "", fmt.Errorf("creator is required")
	}
	if s.uniqueCreator {
		if _, err := s.store.GetActorByCreator(ctx, creator); err == nil {
			return nil, "", fmt.Errorf("creator %s: %w", creator, ErrCreatorTaken)
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, "", err
		}
	}

	id := in.ID
	if id == "" {
		id = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	passphrase := in.Passphrase
	if passphrase == "" {
		passphrase = newPassphrase()
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(passphrase), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash passphrase: %w", err)
	}

	a := &store.Actor{
		ID:             id,
		Creator:        creator,
		PassphraseHash: string(hash),
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateActor(ctx, a); err != nil {
		return nil, "", err
	}
	s.logger.Info("actor created", zap.String("actor_id", a.ID), zap.String("creator", a.Creator))

	data, _ := json.Marshal(a)
	s.hooks.DispatchLifecycle(ctx, hooks.ActorRef{ID: a.ID, Creator: a.Creator}, hooks.EventActorCreated, data)
	return a, passphrase, nil
}

// Get returns the actor by ID.
func (s *Service) Get(ctx context.Context, actorID string) (*store.Actor, error) {
	return s.store.GetActor(ctx, actorID)
}

// GetByCreator returns the oldest actor owned by creator.
func (s *Service) GetByCreator(ctx context.Context, creator string) (*store.Actor, error) {
	return s.store.GetActorByCreator(ctx, NormalizeCreator(creator))
}

// Authenticate verifies creator and passphrase against the actor's stored
// hash.
func (s *Service) Authenticate(ctx context.Context, actorID, creator, passphrase string) (*store.Actor, error) {
	a, err := s.store.GetActor(ctx, actorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrBadCredentials
		}
		return nil, err
	}
	if a.Creator != NormalizeCreator(creator) {
		return nil, ErrBadCredentials
	}
	if a.PassphraseHash == "" {
		return nil, ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.PassphraseHash), []byte(passphrase)); err != nil {
		return nil, ErrBadCredentials
	}
	return a, nil
}

// Delete removes the actor and everything it owns. Peers holding a
// reciprocal trust are told first, best-effort; their failures never block
// the deletion.
func (s *Service) Delete(ctx context.Context, actorID string) error {
	a, err := s.store.GetActor(ctx, actorID)
	if err != nil {
		return err
	}

	trusts, err := s.store.ListTrusts(ctx, actorID)
	if err != nil {
		return fmt.Errorf("list trusts for deletion: %w", err)
	}
	for _, t := range trusts {
		if t.BaseURI == "" {
			continue
		}
		if err := s.peers.DeleteTrust(ctx, t.BaseURI, t.Relationship, actorID, t.Secret); err != nil {
			s.logger.Warn("peer trust cleanup failed",
				zap.String("actor_id", actorID),
				zap.String("peer_id", t.PeerID),
				zap.Error(err))
		}
	}

	if err := s.store.DeleteActor(ctx, actorID); err != nil {
		return err
	}
	s.logger.Info("actor deleted", zap.String("actor_id", actorID), zap.String("creator", a.Creator))

	data, _ := json.Marshal(a)
	s.hooks.DispatchLifecycle(ctx, hooks.ActorRef{ID: a.ID, Creator: a.Creator}, hooks.EventActorDeleted, data)
	return nil
}
