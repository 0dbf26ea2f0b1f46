// Package actor implements the actor model: identity, creator, passphrase,
// and lifecycle. It is the unit of ownership for everything else in the
// engine. Only a bcrypt hash of the passphrase is ever persisted.
package actor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/jmerrifield20/actingweb-core/internal/hooks"
	"github.com/jmerrifield20/actingweb-core/internal/storage"
)

// Actor is the public, passphrase-redacted view of an actor.
type Actor struct {
	ID        string
	Creator   string
	CreatedAt time.Time
}

// Service implements actor creation, lookup, and cascading deletion.
type Service struct {
	backend        storage.Backend
	hooks          *hooks.Dispatcher
	logger         *zap.Logger
	requireUnique  bool
	onDeleteNotify func(ctx context.Context, t *storage.Trust)
}

// Option configures a Service at construction.
type Option func(*Service)

// WithUniqueCreator enforces creator uniqueness across all actors.
func WithUniqueCreator(unique bool) Option {
	return func(s *Service) { s.requireUnique = unique }
}

// WithTrustNotifier sets the callback used to best-effort notify peers of
// actor deletion (wired to trust.Service.NotifyPeerDelete in cmd/actingwebd).
func WithTrustNotifier(fn func(ctx context.Context, t *storage.Trust)) Option {
	return func(s *Service) { s.onDeleteNotify = fn }
}

// NewService creates an actor Service.
func NewService(backend storage.Backend, dispatcher *hooks.Dispatcher, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{backend: backend, hooks: dispatcher, logger: logger, requireUnique: true}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create creates a new actor. If id is empty, one is generated. If
// passphrase is empty, one is generated and returned in plaintext exactly
// once (the caller must surface it; only the bcrypt hash is persisted).
func (s *Service) Create(ctx context.Context, id, creator, passphrase string) (*Actor, string, error) {
	if creator == "" {
		return nil, "", fmt.Errorf("creator is required")
	}
	if id == "" {
		id = uuid.New().String()
	}
	plaintext := passphrase
	if plaintext == "" {
		plaintext = uuid.New().String()
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash passphrase: %w", err)
	}

	rec := &storage.Actor{
		ID:         id,
		Creator:    creator,
		Passphrase: string(hash),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.backend.CreateActor(ctx, rec); err != nil {
		return nil, "", err
	}

	s.logger.Info("actor created", zap.String("actor_id", id), zap.String("creator", creator))
	s.hooks.FireLifecycle(ctx, hooks.EventActorCreated, id, rec)

	return &Actor{ID: rec.ID, Creator: rec.Creator, CreatedAt: rec.CreatedAt}, plaintext, nil
}

// Get retrieves an actor by ID.
func (s *Service) Get(ctx context.Context, id string) (*Actor, error) {
	rec, err := s.backend.GetActor(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Actor{ID: rec.ID, Creator: rec.Creator, CreatedAt: rec.CreatedAt}, nil
}

// FindByCreator looks up the actor owned by creator (an email address or a
// provider-qualified ID), used by the OAuth2 client for actor lookup/
// creation.
func (s *Service) FindByCreator(ctx context.Context, creator string) (*Actor, error) {
	rec, err := s.backend.GetActorByCreator(ctx, creator)
	if err != nil {
		return nil, err
	}
	return &Actor{ID: rec.ID, Creator: rec.Creator, CreatedAt: rec.CreatedAt}, nil
}

// VerifyPassphrase checks a plaintext passphrase against the stored hash.
func (s *Service) VerifyPassphrase(ctx context.Context, id, passphrase string) (bool, error) {
	rec, err := s.backend.GetActor(ctx, id)
	if err != nil {
		return false, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.Passphrase), []byte(passphrase)); err != nil {
		return false, nil
	}
	return true, nil
}

// Delete removes the actor and all owned entities (storage cascades
// properties/trusts/subscriptions/buckets), then best-effort notifies peers
// referencing this actor's trusts and fires the actor_deleted lifecycle
// event. Peer notification failures are logged, never fatal.
func (s *Service) Delete(ctx context.Context, id string) error {
	trusts, err := s.backend.ListTrusts(ctx, id)
	if err != nil && err != storage.ErrNotFound {
		s.logger.Warn("list trusts before actor delete failed", zap.String("actor_id", id), zap.Error(err))
	}

	if err := s.backend.DeleteActor(ctx, id); err != nil {
		return err
	}

	s.hooks.FireLifecycle(ctx, hooks.EventActorDeleted, id, nil)

	if s.onDeleteNotify != nil {
		for _, t := range trusts {
			s.onDeleteNotify(ctx, t)
		}
	}

	s.logger.Info("actor deleted", zap.String("actor_id", id))
	return nil
}
