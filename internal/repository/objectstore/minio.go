// Package objectstore replicates finished result files to S3-compatible storage.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	BasePath        string

	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type MinIOStore struct {
	client   *minio.Client
	bucket   string
	basePath string
}

// NewMinIOStore connects and makes sure the bucket exists, retrying with
// exponential backoff.
func NewMinIOStore(ctx context.Context, cfg Config) (*MinIOStore, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("empty MinIO endpoint")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("empty MinIO bucket")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 30 * time.Second
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create MinIO client: %w", err)
	}

	var lastErr error
	interval := cfg.InitialInterval
	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		if lastErr = ensureBucket(ctx, client, cfg.Bucket); lastErr == nil {
			break
		}
		if attempt == cfg.MaxRetries-1 {
			return nil, fmt.Errorf("init MinIO failed after %d attempts: %w", cfg.MaxRetries, lastErr)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context canceled while waiting to retry MinIO: %w", ctx.Err())
		case <-time.After(interval):
			interval = min(interval*2, cfg.MaxInterval)
		}
	}

	basePath := strings.Trim(cfg.BasePath, "/")
	if basePath != "" {
		basePath += "/"
	}
	return &MinIOStore{client: client, bucket: cfg.Bucket, basePath: basePath}, nil
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

// Replicate uploads a local result file under its base name.
func (s *MinIOStore) Replicate(ctx context.Context, localPath string) error {
	objectName, err := ObjectName(s.basePath, filepath.Base(localPath))
	if err != nil {
		return err
	}
	_, err = s.client.FPutObject(ctx, s.bucket, objectName, localPath, minio.PutObjectOptions{
		ContentType: "audio/wav",
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// ObjectName joins basePath and filename, rejecting names that escape it.
func ObjectName(basePath, filename string) (string, error) {
	if strings.TrimSpace(filename) == "" {
		return "", errors.New("empty filename")
	}
	clean := path.Clean(filename)
	if strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid filename: %s", filename)
	}
	return basePath + strings.TrimLeft(clean, "/"), nil
}
