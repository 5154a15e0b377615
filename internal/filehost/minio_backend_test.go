//go:build integration
// +build integration

package filehost

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// minioContainer manages a throwaway MinIO container for backend tests.
type minioContainer struct {
	container testcontainers.Container
	endpoint  string
	accessKey string
	secretKey string
}

func startMinIOContainer(ctx context.Context) (*minioContainer, error) {
	accessKey := "testuser"
	secretKey := "testpass123"

	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Cmd:          []string{"server", "/data"},
		Env: map[string]string{
			"MINIO_ACCESS_KEY": accessKey,
			"MINIO_SECRET_KEY": secretKey,
		},
		WaitingFor: wait.ForHTTP("/minio/health/live"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, err
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, err
	}
	port, err := container.MappedPort(ctx, "9000")
	if err != nil {
		return nil, err
	}

	return &minioContainer{
		container: container,
		endpoint:  fmt.Sprintf("%s:%d", host, port.Int()),
		accessKey: accessKey,
		secretKey: secretKey,
	}, nil
}

func (mc *minioContainer) Close() error {
	return mc.container.Terminate(context.Background())
}

func TestMinioBackendAuthenticateUploadQuota(t *testing.T) {
	ctx := context.Background()

	mc, err := startMinIOContainer(ctx)
	require.NoError(t, err, "failed to start MinIO container")
	defer mc.Close()

	backend := NewMinioBackend(MinioConfig{
		Name:      "test-host",
		Endpoint:  mc.endpoint,
		AccessKey: mc.accessKey,
		SecretKey: mc.secretKey,
		Bucket:    "imxup-test",
		Secure:    false,
	})

	time.Sleep(2 * time.Second)

	// Authenticate connects and creates the bucket when absent.
	require.NoError(t, backend.Authenticate(ctx))

	payload := bytes.Repeat([]byte("imxup-archive-bytes"), 4096)
	var progressed int64
	url, err := backend.Upload(ctx, "gallery.zip", bytes.NewReader(payload), int64(len(payload)), func(delta int64) {
		atomic.AddInt64(&progressed, delta)
	})
	require.NoError(t, err, "upload failed")

	assert.Contains(t, url, "imxup-test/gallery.zip")
	assert.Equal(t, int64(len(payload)), atomic.LoadInt64(&progressed), "progress callbacks must account for every byte")

	// re-authenticating against an existing bucket must be a no-op
	require.NoError(t, backend.Authenticate(ctx))

	total, left, err := backend.Quota(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), total)
	assert.Equal(t, int64(-1), left)
}
