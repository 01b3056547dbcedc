// Package share mints and resolves read-only share links: a raw token is
// returned exactly once at creation, only its hash is stored, and an optional
// bcrypt passphrase gates the public view.
package share

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"marginalia/api/internal/auth"
	"marginalia/api/internal/logger"
	"marginalia/api/internal/store"
	"marginalia/api/internal/util"
)

// LinkStore defines the storage interface for share links
type LinkStore interface {
	CreateShareLink(ctx context.Context, item store.ShareLink) error
	GetShareLinkByTokenHash(ctx context.Context, tokenHash string) (store.ShareLink, error)
	ListShareLinks(ctx context.Context, ownerID string) ([]store.ShareLink, error)
	RevokeShareLink(ctx context.Context, ownerID, shareID string) error
	RecordShareAccess(ctx context.Context, shareID string) error
}

var (
	ErrNotFound           = errors.New("share link not found")
	ErrRevoked            = errors.New("share link revoked")
	ErrExpired            = errors.New("share link expired")
	ErrPassphraseRequired = errors.New("passphrase required")
	ErrPassphraseMismatch = errors.New("passphrase mismatch")
)

// Service manages share links
type Service struct {
	store LinkStore
	log   *logger.Logger
}

// NewService creates a new share service
func NewService(store LinkStore, log *logger.Logger) *Service {
	return &Service{
		store: store,
		log:   log.Component("share"),
	}
}

// CreateRequest contains share link parameters
type CreateRequest struct {
	OwnerID    string
	DocumentID string
	// Passphrase, when set, is required from visitors of the public view.
	Passphrase string
	// TTL of zero means the link never expires.
	TTL time.Duration
}

// Created carries the stored link plus the raw token. The token is not
// recoverable afterwards.
type Created struct {
	Link  store.ShareLink
	Token string
}

// Create mints a share link for one document
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Created, error) {
	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("generate share token: %w", err)
	}

	link := store.ShareLink{
		ID:         util.NewID("shr"),
		OwnerID:    req.OwnerID,
		DocumentID: req.DocumentID,
		TokenHash:  auth.HashToken(token),
	}

	if req.Passphrase != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Passphrase), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash passphrase: %w", err)
		}
		link.PassHash = string(hash)
	}

	if req.TTL > 0 {
		expiresAt := time.Now().Add(req.TTL)
		link.ExpiresAt = &expiresAt
	}

	if err := s.store.CreateShareLink(ctx, link); err != nil {
		return nil, fmt.Errorf("create share link: %w", err)
	}

	s.log.Info().
		Str("share_id", link.ID).
		Str("document_id", req.DocumentID).
		Bool("passphrase", link.PassHash != "").
		Msg("share link created")

	return &Created{Link: link, Token: token}, nil
}

// Resolve validates a public share token, checks the passphrase when the
// link carries one, and counts the access.
func (s *Service) Resolve(ctx context.Context, token, passphrase string) (store.ShareLink, error) {
	link, err := s.store.GetShareLinkByTokenHash(ctx, auth.HashToken(token))
	if err != nil {
		return store.ShareLink{}, ErrNotFound
	}
	if link.RevokedAt != nil {
		return store.ShareLink{}, ErrRevoked
	}
	if link.ExpiresAt != nil && time.Now().After(*link.ExpiresAt) {
		return store.ShareLink{}, ErrExpired
	}

	if link.PassHash != "" {
		if passphrase == "" {
			return store.ShareLink{}, ErrPassphraseRequired
		}
		if err := bcrypt.CompareHashAndPassword([]byte(link.PassHash), []byte(passphrase)); err != nil {
			return store.ShareLink{}, ErrPassphraseMismatch
		}
	}

	if err := s.store.RecordShareAccess(ctx, link.ID); err != nil {
		// The visitor still gets the view; only the counter is off.
		s.log.Warn().Err(err).Str("share_id", link.ID).Msg("record share access")
	}

	return link, nil
}

// List returns the owner's share links
func (s *Service) List(ctx context.Context, ownerID string) ([]store.ShareLink, error) {
	links, err := s.store.ListShareLinks(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list share links: %w", err)
	}
	return links, nil
}

// Revoke disables a share link
func (s *Service) Revoke(ctx context.Context, ownerID, shareID string) error {
	if err := s.store.RevokeShareLink(ctx, ownerID, shareID); err != nil {
		return fmt.Errorf("revoke share link: %w", err)
	}
	s.log.Info().Str("share_id", shareID).Msg("share link revoked")
	return nil
}

// generateToken creates a secure random token
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
