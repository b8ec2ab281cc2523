package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/soundprediction/lostpaw/pkg/config"
)

// Mirror copies checkpoint files to secondary storage.
type Mirror interface {
	Upload(ctx context.Context, path string) error
	Download(ctx context.Context, name, dst string) error
}

// MinioMirror stores checkpoints in an S3-compatible bucket.
type MinioMirror struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioMirror connects to the configured endpoint and creates the bucket
// if it does not exist.
func NewMinioMirror(ctx context.Context, cfg config.MirrorConfig) (*MinioMirror, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("mirror endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinioMirror{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (m *MinioMirror) key(name string) string {
	return path.Join(m.prefix, name)
}

// Upload implements Mirror.
func (m *MinioMirror) Upload(ctx context.Context, file string) error {
	_, err := m.client.FPutObject(ctx, m.bucket, m.key(filepath.Base(file)), file, minio.PutObjectOptions{
		ContentType: "application/json",
	})
	return err
}

// Download implements Mirror. The object is written to a temporary name and
// renamed so a partial download never looks like a checkpoint.
func (m *MinioMirror) Download(ctx context.Context, name, dst string) error {
	tmp := dst + ".tmp"
	if err := m.client.FGetObject(ctx, m.bucket, m.key(name), tmp, minio.GetObjectOptions{}); err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
			return fmt.Errorf("%w: %s", ErrNoCheckpoint, name)
		}
		return err
	}
	return renameFile(tmp, dst)
}

// DirMirror copies checkpoints into another local directory, for example a
// mounted network share.
type DirMirror struct {
	Dir string
}

// Upload implements Mirror.
func (d *DirMirror) Upload(_ context.Context, file string) error {
	return copyFile(file, filepath.Join(d.Dir, filepath.Base(file)))
}

// Download implements Mirror.
func (d *DirMirror) Download(_ context.Context, name, dst string) error {
	return copyFile(filepath.Join(d.Dir, name), dst)
}
