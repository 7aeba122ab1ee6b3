package ghost

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config points the mirror at an S3-compatible bucket.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Prefix    string
	UseSSL    bool
}

// S3Mirror uploads each flushed recording to a bucket under Prefix, keeping
// the same date-partitioned key layout as the local store.
type S3Mirror struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Mirror connects to the endpoint and creates the bucket if missing.
func NewS3Mirror(ctx context.Context, cfg S3Config) (*S3Mirror, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check s3 bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create s3 bucket: %w", err)
		}
		slog.Info("created ghost mirror bucket", "bucket", cfg.Bucket)
	}

	return &S3Mirror{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// MirrorGhost implements Mirror.
func (m *S3Mirror) MirrorGhost(ctx context.Context, relPath string, data []byte) error {
	key := ObjectKey(m.prefix, relPath)
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put ghost object %s: %w", key, err)
	}
	slog.Debug("ghost mirrored", "bucket", m.bucket, "key", key)
	return nil
}

// ObjectKey joins prefix and relPath into a slash-separated object key.
func ObjectKey(prefix, relPath string) string {
	prefix = strings.Trim(prefix, "/")
	relPath = strings.TrimLeft(relPath, "/")
	if prefix == "" {
		return relPath
	}
	return path.Join(prefix, relPath)
}
