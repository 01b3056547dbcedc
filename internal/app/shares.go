package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"marginalia/api/internal/share"
	"marginalia/api/internal/store"
)

// ShareInput is the body of a share link creation. An empty documentId
// shares the whole library. TTLHours of zero means the link never expires.
type ShareInput struct {
	DocumentID string `json:"documentId,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
	TTLHours   int    `json:"ttlHours,omitempty"`
}

// CreateShare mints a share link. The raw token appears in this response and
// nowhere else; only its fingerprint is stored.
func (s *Service) CreateShare(ctx context.Context, ownerID string, input ShareInput) (map[string]any, error) {
	if input.TTLHours < 0 {
		return nil, validationError("ttlHours must not be negative", nil)
	}
	documentID := strings.TrimSpace(input.DocumentID)
	if documentID != "" {
		if _, err := s.store.GetDocument(ctx, ownerID, documentID); err != nil {
			return nil, err
		}
	}
	created, err := s.shares.Create(ctx, share.CreateRequest{
		OwnerID:    ownerID,
		DocumentID: documentID,
		Passphrase: input.Passphrase,
		TTL:        time.Duration(input.TTLHours) * time.Hour,
	})
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"id":         created.Link.ID,
		"token":      created.Token,
		"documentId": nilIfEmpty(documentID),
		"protected":  created.Link.PassHash != "",
		"createdAt":  created.Link.CreatedAt,
	}
	if created.Link.ExpiresAt != nil {
		payload["expiresAt"] = created.Link.ExpiresAt
	}
	return payload, nil
}

// ListShares lists the reader's share links, active and revoked.
func (s *Service) ListShares(ctx context.Context, ownerID string) (map[string]any, error) {
	links, err := s.shares.List(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(links))
	for _, link := range links {
		items = append(items, shareMap(link))
	}
	return map[string]any{"shares": items, "total": len(items)}, nil
}

// RevokeShare disables one share link.
func (s *Service) RevokeShare(ctx context.Context, ownerID, shareID string) (map[string]any, error) {
	if err := s.shares.Revoke(ctx, ownerID, shareID); err != nil {
		return nil, shareError(err)
	}
	return map[string]any{"ok": true, "id": shareID}, nil
}

// PublicShareView resolves a share token into the read-only view it grants:
// one document with its highlights, or the whole library.
func (s *Service) PublicShareView(ctx context.Context, token, passphrase string) (map[string]any, error) {
	link, err := s.shares.Resolve(ctx, token, passphrase)
	if err != nil {
		return nil, shareError(err)
	}
	owner, err := s.store.GetReader(ctx, link.OwnerID)
	if err != nil {
		return nil, err
	}

	if link.DocumentID != "" {
		doc, err := s.store.GetDocument(ctx, link.OwnerID, link.DocumentID)
		if err != nil {
			return nil, err
		}
		items, err := s.store.ListHighlights(ctx, link.OwnerID, link.DocumentID)
		if err != nil {
			return nil, err
		}
		list := make([]map[string]any, 0, len(items))
		for _, item := range items {
			list = append(list, highlightMap(item))
		}
		return map[string]any{
			"sharedBy": owner.DisplayName,
			"document": map[string]any{
				"id":     doc.ID,
				"title":  doc.Title,
				"author": doc.Author,
			},
			"highlights": list,
		}, nil
	}

	entries, err := s.store.ListLibrary(ctx, link.OwnerID)
	if err != nil {
		return nil, err
	}
	documents := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		documents = append(documents, map[string]any{
			"id":             entry.ID,
			"title":          entry.Title,
			"author":         entry.Author,
			"highlightCount": entry.HighlightCount,
		})
	}
	items, err := s.store.HighlightsCreatedSince(ctx, link.OwnerID, time.Time{})
	if err != nil {
		return nil, err
	}
	list := make([]map[string]any, 0, len(items))
	for _, item := range items {
		list = append(list, highlightMap(item))
	}
	return map[string]any{
		"sharedBy":   owner.DisplayName,
		"documents":  documents,
		"highlights": list,
	}, nil
}

func shareMap(link store.ShareLink) map[string]any {
	item := map[string]any{
		"id":          link.ID,
		"documentId":  nilIfEmpty(link.DocumentID),
		"protected":   link.PassHash != "",
		"revoked":     link.RevokedAt != nil,
		"accessCount": link.AccessCount,
		"createdAt":   link.CreatedAt,
	}
	if link.ExpiresAt != nil {
		item["expiresAt"] = link.ExpiresAt
	}
	return item
}

func shareError(err error) error {
	switch {
	case errors.Is(err, share.ErrNotFound):
		return notFound("share link not found")
	case errors.Is(err, share.ErrRevoked):
		return domainError(http.StatusGone, "SHARE_REVOKED", "this share link was revoked", nil)
	case errors.Is(err, share.ErrExpired):
		return domainError(http.StatusGone, "SHARE_EXPIRED", "this share link has expired", nil)
	case errors.Is(err, share.ErrPassphraseRequired):
		return domainError(http.StatusUnauthorized, "PASSPHRASE_REQUIRED", "this share link requires a passphrase", nil)
	case errors.Is(err, share.ErrPassphraseMismatch):
		return domainError(http.StatusForbidden, "PASSPHRASE_MISMATCH", "wrong passphrase", nil)
	}
	return err
}
