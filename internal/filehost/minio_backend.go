// minio_backend.go grounds one concrete Backend on github.com/minio/minio-go/v7,
// following the teacher's services/minio-style client wrapper: a
// long-lived *minio.Client, bucket ensured on Authenticate, and a
// progress-wrapping reader passed straight into PutObject so minio-go's
// own streaming upload handles chunking.
package filehost

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioBackend uploads gallery archives to an S3-compatible bucket.
type MinioBackend struct {
	name      string
	client    *minio.Client
	bucket    string
	endpoint  string
	accessKey string
	secretKey string
	secure    bool
}

// MinioConfig is the subset of connection info one file-host worker needs.
type MinioConfig struct {
	Name      string
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

// NewMinioBackend constructs a MinioBackend from cfg without connecting yet
// — Authenticate performs the actual handshake and bucket check.
func NewMinioBackend(cfg MinioConfig) *MinioBackend {
	return &MinioBackend{
		name:      cfg.Name,
		endpoint:  cfg.Endpoint,
		accessKey: cfg.AccessKey,
		secretKey: cfg.SecretKey,
		bucket:    cfg.Bucket,
		secure:    cfg.Secure,
	}
}

func (b *MinioBackend) Name() string { return b.name }

func (b *MinioBackend) Authenticate(ctx context.Context) error {
	client, err := minio.New(b.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(b.accessKey, b.secretKey, ""),
		Secure: b.secure,
	})
	if err != nil {
		return fmt.Errorf("minio backend %s: connect: %w", b.name, err)
	}

	exists, err := client.BucketExists(ctx, b.bucket)
	if err != nil {
		return fmt.Errorf("minio backend %s: check bucket: %w", b.name, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("minio backend %s: create bucket: %w", b.name, err)
		}
	}

	b.client = client
	return nil
}

type progressReader struct {
	io.Reader
	onRead ProgressFunc
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.Reader.Read(buf)
	if n > 0 && p.onRead != nil {
		p.onRead(int64(n))
	}
	return n, err
}

func (b *MinioBackend) Upload(ctx context.Context, objectName string, r io.Reader, size int64, progress ProgressFunc) (string, error) {
	wrapped := &progressReader{Reader: r, onRead: progress}

	_, err := b.client.PutObject(ctx, b.bucket, objectName, wrapped, size, minio.PutObjectOptions{
		ContentType: "application/zip",
	})
	if err != nil {
		return "", fmt.Errorf("minio backend %s: upload %s: %w", b.name, objectName, err)
	}

	scheme := "http"
	if b.secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, b.endpoint, b.bucket, objectName), nil
}

// Quota always reports unlimited: MinIO buckets have no built-in quota API
// in the client SDK (that lives in the separate admin SDK), so there is
// nothing meaningful to poll here.
func (b *MinioBackend) Quota(ctx context.Context) (int64, int64, error) {
	return -1, -1, nil
}

var _ Backend = (*MinioBackend)(nil)
