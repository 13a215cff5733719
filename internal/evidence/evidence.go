package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Object describes a stored proof file
type Object struct {
	Key         string `json:"proof_reference"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	Checksum    string `json:"checksum"`
}

// Config holds object store settings
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Store keeps dispute proof files in an S3-compatible bucket
type Store struct {
	client *minio.Client
	bucket string
}

// NewStore creates a store client
func NewStore(cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket if it does not exist yet
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// Put uploads a proof file for a dispute and returns its reference
func (s *Store) Put(ctx context.Context, disputeID uuid.UUID, filename string, reader io.Reader, size int64, contentType string) (*Object, error) {
	key := ObjectKey(disputeID, filename)

	hasher := sha256.New()
	info, err := s.client.PutObject(ctx, s.bucket, key, io.TeeReader(reader, hasher), size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload evidence: %w", err)
	}

	return &Object{
		Key:         key,
		Size:        info.Size,
		ContentType: contentType,
		Checksum:    hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Exists reports whether a proof reference points at a stored object
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return false, nil
	}
	return false, fmt.Errorf("failed to stat evidence: %w", err)
}

// ObjectKey places uploads under the dispute id with a unique prefix so
// repeated uploads of the same filename never overwrite each other.
func ObjectKey(disputeID uuid.UUID, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "proof"
	}
	return fmt.Sprintf("disputes/%s/%s-%s", disputeID, uuid.NewString()[:8], name)
}
