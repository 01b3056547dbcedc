package app

import (
	"context"
	"time"

	"marginalia/api/internal/email"
	"marginalia/api/internal/store"
)

// SendDigests mails every opted-in reader a summary of the highlights they
// made since the given time. Returns the number of digests sent. Readers
// with no new highlights or no email address are skipped; a failed send
// skips that reader and moves on.
func (s *Service) SendDigests(ctx context.Context, since time.Time) (int, error) {
	if s.mail == nil || !s.mail.IsConfigured() {
		return 0, nil
	}
	readers, err := s.store.ListReaders(ctx)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, reader := range readers {
		if !reader.DigestOptIn || reader.Email == "" {
			continue
		}
		items, err := s.store.HighlightsCreatedSince(ctx, reader.ID, since)
		if err != nil {
			s.log.Warn().Err(err).Str("reader_id", reader.ID).Msg("digest query failed")
			continue
		}
		if len(items) == 0 {
			continue
		}
		if err := s.mail.SendDigestEmail(reader.Email, s.digestData(ctx, reader, items, since)); err != nil {
			s.log.Warn().Err(err).Str("reader_id", reader.ID).Msg("digest send failed")
			continue
		}
		sent++
	}
	if sent > 0 {
		s.log.Info().Int("sent", sent).Msg("digest emails sent")
	}
	return sent, nil
}

func (s *Service) digestData(ctx context.Context, reader store.Reader, items []store.Highlight, since time.Time) email.DigestData {
	data := email.DigestData{
		ReaderName: reader.DisplayName,
		Period:     since.Format("Jan 2") + " to " + time.Now().Format("Jan 2, 2006"),
		Total:      len(items),
	}
	index := make(map[string]int)
	for _, item := range items {
		at, ok := index[item.DocumentID]
		if !ok {
			title, author := item.DocumentID, ""
			if doc, err := s.store.GetDocument(ctx, reader.ID, item.DocumentID); err == nil {
				title, author = doc.Title, doc.Author
			}
			data.Documents = append(data.Documents, email.DigestDocument{Title: title, Author: author})
			at = len(data.Documents) - 1
			index[item.DocumentID] = at
		}
		data.Documents[at].Highlights = append(data.Documents[at].Highlights, email.DigestHighlight{
			Text: item.Text,
			Note: item.Note,
		})
	}
	return data
}
