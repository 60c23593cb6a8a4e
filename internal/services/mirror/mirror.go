package mirror

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/hou-li-xie/media-service/internal/config"
	"github.com/hou-li-xie/media-service/internal/types/media"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrNotMirrored = errors.New("artifact is not mirrored")

// Service copies published artifacts into an S3-compatible bucket and hands
// out presigned download links for them.
type Service struct {
	client     *minio.Client
	bucketName string
	urlTTL     time.Duration
}

// NewService creates a new mirror service instance
func NewService(cfg config.MinIO) (*Service, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	service := &Service{
		client:     client,
		bucketName: cfg.BucketName,
		urlTTL:     cfg.PresignedURLTTL,
	}

	// Ensure bucket exists
	if err := service.ensureBucket(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	return service, nil
}

// ensureBucket creates the bucket if it doesn't exist
func (s *Service) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		err = s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

// ObjectKey is the bucket key an artifact is mirrored under.
func ObjectKey(fileType media.FileType, finalName string) string {
	return path.Join("media", string(fileType), finalName)
}

// Upload copies the artifact at its stored path into the bucket.
func (s *Service) Upload(ctx context.Context, artifact media.Artifact) error {
	_, err := s.client.FPutObject(ctx, s.bucketName, ObjectKey(artifact.FileType, artifact.FinalName), artifact.StoredPath,
		minio.PutObjectOptions{
			ContentType:  artifact.MimeType,
			CacheControl: "public, max-age=31536000, immutable",
			UserMetadata: map[string]string{"checksum": artifact.Checksum},
		})
	if err != nil {
		return fmt.Errorf("mirror %s: %w", artifact.FinalName, err)
	}
	return nil
}

// PresignedDownloadURL creates a time-limited download link for a mirrored
// artifact. The object must exist.
func (s *Service) PresignedDownloadURL(ctx context.Context, fileType media.FileType, finalName string) (*url.URL, time.Time, error) {
	key := ObjectKey(fileType, finalName)
	if _, err := s.client.StatObject(ctx, s.bucketName, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, time.Time{}, ErrNotMirrored
		}
		return nil, time.Time{}, fmt.Errorf("stat %s: %w", key, err)
	}

	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", finalName))

	u, err := s.client.PresignedGetObject(ctx, s.bucketName, key, s.urlTTL, params)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return u, time.Now().Add(s.urlTTL), nil
}

// Remove deletes a mirrored artifact from the bucket
func (s *Service) Remove(ctx context.Context, fileType media.FileType, finalName string) error {
	return s.client.RemoveObject(ctx, s.bucketName, ObjectKey(fileType, finalName), minio.RemoveObjectOptions{})
}
