// Package minio provides a BlobStore backed by a MinIO (or any S3-compatible) endpoint.
package minio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// API is the subset of *minio.Client used by the store.
type API interface {
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucket, object string, opts minio.RemoveObjectOptions) error
}

// Config describes the endpoint and bucket.
type Config struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	Region     string
	UseSSL     bool
	Bucket     string
	PublicRead bool
	// PartSize bounds the memory used per in-flight multipart chunk. Zero uses the client default.
	PartSize uint64
}

// BlobStore streams fetched content into a MinIO bucket.
type BlobStore struct {
	client     API
	bucket     string
	publicRead bool
	partSize   uint64
}

// Dial connects to cfg.Endpoint with static credentials.
func Dial(cfg Config) (*BlobStore, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("minio endpoint is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client init: %w", err)
	}
	return New(client, cfg)
}

// New wraps an existing client.
func New(client API, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("minio client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	return &BlobStore{
		client:     client,
		bucket:     cfg.Bucket,
		publicRead: cfg.PublicRead,
		partSize:   cfg.PartSize,
	}, nil
}

// PutObject uploads r with an unknown length and returns an s3:// URI.
func (s *BlobStore) PutObject(ctx context.Context, key string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("key is required")
	}
	opts := minio.PutObjectOptions{
		ContentType: contentType,
		PartSize:    s.partSize,
	}
	if s.publicRead {
		opts.UserMetadata = map[string]string{"x-amz-acl": "public-read"}
	}
	if _, err := s.client.PutObject(ctx, s.bucket, key, r, -1, opts); err != nil {
		return "", fmt.Errorf("upload s3://%s/%s: %w", s.bucket, key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// DeleteObject removes key. MinIO reports success for missing keys.
func (s *BlobStore) DeleteObject(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}
