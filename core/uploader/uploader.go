// Package uploader moves generated artifacts into S3-compatible object
// storage and hands back time-limited retrieval URLs.
package uploader

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// presigned URLs are valid for 7 days, matching what callers are told.
const presignExpiry = 7 * 24 * time.Hour

// Config selects an upload destination. A zero value means "not configured";
// per-request configs override the process-wide fallback.
type Config struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	EndpointURL     string `json:"endpoint_url"`
	BucketName      string `json:"bucket_name"`
	Region          string `json:"region"`
	ConnectTimeout  int    `json:"connect_timeout,omitempty"`
	ConnectAttempts int    `json:"connect_attempts,omitempty"`
}

// Configured reports whether the destination is fully specified.
func (c *Config) Configured() bool {
	if c == nil {
		return false
	}
	return c.AccessKeyID != "" && c.SecretAccessKey != "" && c.BucketName != ""
}

// Uploader uploads files to a single bucket.
type Uploader struct {
	client *minio.Client
	bucket string
}

// New constructs an Uploader from a fully specified config.
func New(cfg *Config) (*Uploader, error) {
	if !cfg.Configured() {
		return nil, fmt.Errorf("s3 config incomplete: access key, secret and bucket_name are required")
	}

	endpoint := cfg.EndpointURL
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("https://s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "https://s3.amazonaws.com"
		}
	}
	host, secure, err := splitEndpoint(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse s3 endpoint: %w", err)
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &Uploader{client: client, bucket: cfg.BucketName}, nil
}

// Upload stores the file under objectKey and returns a presigned GET URL.
func (u *Uploader) Upload(ctx context.Context, objectKey, localPath string) (string, error) {
	if _, err := u.client.FPutObject(ctx, u.bucket, objectKey, localPath, minio.PutObjectOptions{}); err != nil {
		return "", fmt.Errorf("upload %s: %w", filepath.Base(localPath), err)
	}
	presigned, err := u.client.PresignedGetObject(ctx, u.bucket, objectKey, presignExpiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", objectKey, err)
	}
	return presigned.String(), nil
}

func splitEndpoint(endpoint string) (host string, secure bool, err error) {
	if !strings.Contains(endpoint, "://") {
		return endpoint, true, nil
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, err
	}
	if parsed.Host == "" {
		return "", false, fmt.Errorf("endpoint %q has no host", endpoint)
	}
	return parsed.Host, parsed.Scheme != "http", nil
}
