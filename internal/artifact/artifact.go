// Package artifact stores capture outputs (screenshots, recordings, logs)
// in object storage and hands back URLs the dashboard can link to.
package artifact

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Uploader pushes a local file to artifact storage and returns its URL.
type Uploader interface {
	Upload(ctx context.Context, jobID, localPath string) (string, error)
}

// Config holds the object storage connection settings.
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL"`
}

// MinioUploader uploads artifacts to a MinIO (or S3-compatible) bucket.
type MinioUploader struct {
	client *minio.Client
	cfg    Config
}

// NewMinioUploader connects to the configured endpoint and ensures the
// target bucket exists.
func NewMinioUploader(ctx context.Context, cfg Config) (*MinioUploader, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("artifact storage endpoint is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		cfg.Bucket = "capturefleet-artifacts"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to artifact storage: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &MinioUploader{client: client, cfg: cfg}, nil
}

// Upload stores localPath under <jobID>/<timestamp>-<basename> and returns
// the object URL.
func (u *MinioUploader) Upload(ctx context.Context, jobID, localPath string) (string, error) {
	name := filepath.Base(localPath)
	objectName := fmt.Sprintf("%s/%d-%s", jobID, time.Now().UnixMilli(), name)

	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := u.client.FPutObject(ctx, u.cfg.Bucket, objectName, localPath,
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", name, err)
	}

	scheme := "http"
	if u.cfg.UseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, u.cfg.Endpoint, u.cfg.Bucket, objectName), nil
}

// MockUploader records uploads for tests without touching the network.
type MockUploader struct {
	Uploaded []string // "<jobID>:<localPath>"
	Err      error
}

func (m *MockUploader) Upload(ctx context.Context, jobID, localPath string) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	m.Uploaded = append(m.Uploaded, jobID+":"+localPath)
	return "mock://" + jobID + "/" + filepath.Base(localPath), nil
}
