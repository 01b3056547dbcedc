// Package blob keeps ingest sources and export artifacts in S3-compatible
// object storage, so the originals survive database rebuilds and exports can
// be fetched again without re-rendering.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"marginalia/api/internal/logger"
)

// Config holds object storage connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Store wraps one bucket of an S3-compatible server.
type Store struct {
	client *minio.Client
	bucket string
	log    *logger.Logger
}

// NewStore creates the object store client. The connection is lazy; call
// EnsureBucket to verify the server is reachable.
func NewStore(cfg Config, log *logger.Logger) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		log:    log.Component("blob"),
	}, nil
}

// EnsureBucket creates the configured bucket if it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	s.log.Info().Str("bucket", s.bucket).Msg("bucket created")
	return nil
}

// PutSource stores an uploaded EPUB under the document it became.
func (s *Store) PutSource(ctx context.Context, documentID, filename string, data []byte) (string, error) {
	key := sourceKey(documentID, filename)
	if err := s.put(ctx, key, data, "application/epub+zip"); err != nil {
		return "", err
	}
	return key, nil
}

// PutArtifact stores one generated export under its owner.
func (s *Store) PutArtifact(ctx context.Context, ownerID, filename, mimeType string, data []byte) (string, error) {
	key := artifactKey(ownerID, filename, time.Now().UTC())
	if err := s.put(ctx, key, data, mimeType); err != nil {
		return "", err
	}
	return key, nil
}

func (s *Store) put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	s.log.Debug().Str("key", key).Int("bytes", len(data)).Msg("object stored")
	return nil
}

func sourceKey(documentID, filename string) string {
	name := path.Base(filename)
	if name == "." || name == "/" || name == "" {
		name = "source.epub"
	}
	return path.Join("sources", documentID, name)
}

func artifactKey(ownerID, filename string, at time.Time) string {
	return path.Join("exports", ownerID, at.Format("20060102-150405")+"-"+filename)
}
