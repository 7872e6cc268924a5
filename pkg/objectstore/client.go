// Package objectstore wraps an S3-compatible client used to fetch corpus
// documents.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kangjinkui/katokbot/pkg/config"
	apperrors "github.com/kangjinkui/katokbot/pkg/errors"
)

type Client struct {
	mc     *minio.Client
	logger *slog.Logger
}

func New(cfg config.ObjectStoreConfig) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object store client for %s: %w", cfg.Endpoint, err)
	}
	logger := slog.Default().With("component", "objectstore")
	logger.Info("object store client created", "endpoint", cfg.Endpoint, "ssl", cfg.UseSSL)
	return &Client{mc: mc, logger: logger}, nil
}

// Open returns a reader for bucket/key. A missing bucket or key is reported
// as ErrNotFound.
func (c *Client) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if _, err := c.mc.StatObject(ctx, bucket, key, minio.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("object %s/%s: %w", bucket, key, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("stat object %s/%s: %w", bucket, key, err)
	}
	obj, err := c.mc.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s/%s: %w", bucket, key, err)
	}
	return obj, nil
}

// Ping checks the bucket is reachable.
func (c *Client) Ping(ctx context.Context, bucket string) error {
	ok, err := c.mc.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", bucket, err)
	}
	if !ok {
		return fmt.Errorf("bucket %s: %w", bucket, apperrors.ErrNotFound)
	}
	return nil
}

func isNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return true
	}
	return false
}
