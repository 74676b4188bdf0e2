// Package archive provides S3-compatible retention of pass reports for
// audit. When S3 is not configured (empty bucket), the NoopUploader is used
// and all uploads are skipped, keeping the system in local-only mode.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/fieldline/taskbridge/internal/config"
	"github.com/fieldline/taskbridge/internal/types"
)

// Uploader stores pass reports.
type Uploader interface {
	// Upload persists one pass result for the given integration.
	Upload(ctx context.Context, integrationID string, result *types.PassResult) error
}

// s3Client defines the minimal minio.Client operation used by S3Uploader.
// This interface enables testing with mock implementations.
type s3Client interface {
	PutObject(ctx context.Context, bucket, objectName string, reader *bytes.Reader, size int64) error
}

// minioClientWrapper wraps *minio.Client to satisfy the s3Client interface.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) PutObject(ctx context.Context, bucket, objectName string, reader *bytes.Reader, size int64) error {
	opts := minio.PutObjectOptions{ContentType: "application/json"}
	_, err := w.client.PutObject(ctx, bucket, objectName, reader, size, opts)
	return err
}

// S3Uploader uploads pass reports to S3-compatible storage.
type S3Uploader struct {
	client s3Client
	bucket string
}

// Upload serializes the pass result and writes it under a timestamped key,
// one object per pass, so the audit trail is append-only.
func (u *S3Uploader) Upload(ctx context.Context, integrationID string, result *types.PassResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal pass report: %w", err)
	}

	key := objectKey(integrationID, result.StartedAt)
	reader := bytes.NewReader(data)
	if err := u.client.PutObject(ctx, u.bucket, key, reader, int64(len(data))); err != nil {
		return fmt.Errorf("upload pass report: %w", err)
	}
	return nil
}

// NoopUploader is used when S3 storage is not configured.
type NoopUploader struct{}

// Upload is a no-op when S3 is not configured.
func (u *NoopUploader) Upload(ctx context.Context, integrationID string, result *types.PassResult) error {
	return nil
}

// NewUploader creates the appropriate Uploader based on configuration.
// Returns NoopUploader when bucket is empty, S3Uploader otherwise.
func NewUploader(cfg config.ArchiveConfig) (Uploader, error) {
	if cfg.Bucket == "" {
		return &NoopUploader{}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Uploader{
		client: &minioClientWrapper{client: client},
		bucket: cfg.Bucket,
	}, nil
}

func objectKey(integrationID string, startedAt time.Time) string {
	return fmt.Sprintf("passes/%s/%s.json", integrationID, startedAt.UTC().Format("20060102T150405.000000000Z"))
}
