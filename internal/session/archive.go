package session

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ArchiveConfig configures the optional S3 archive for exported documents.
type ArchiveConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
	UseSSL          bool
	KeyPrefix       string
}

// Archiver mirrors exported session/report documents into an S3 bucket so
// reports survive the monitor host. Uploads are best-effort; the local
// document is always the source of truth.
type Archiver struct {
	client *minio.Client
	cfg    ArchiveConfig
}

func NewArchiver(cfg ArchiveConfig) (*Archiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to archive storage: %w", err)
	}
	return &Archiver{client: client, cfg: cfg}, nil
}

// Upload pushes one exported document into the bucket under the configured
// key prefix.
func (a *Archiver) Upload(path string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	objectName := filepath.Base(path)
	if a.cfg.KeyPrefix != "" {
		objectName = a.cfg.KeyPrefix + "/" + objectName
	}

	_, err := a.client.FPutObject(ctx, a.cfg.Bucket, objectName, path, minio.PutObjectOptions{
		ContentType: "text/plain",
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", objectName, err)
	}
	return nil
}
