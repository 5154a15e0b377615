package filehost

import (
	"context"
	"io"
)

// ProgressFunc reports bytes transferred since the last call.
type ProgressFunc func(deltaBytes int64)

// Backend is one mirror destination a gallery archive can be uploaded to.
// MinioBackend is the concrete implementation wired into the worker pool;
// tests use a fake.
type Backend interface {
	Name() string
	Authenticate(ctx context.Context) error
	Upload(ctx context.Context, objectName string, r io.Reader, size int64, progress ProgressFunc) (downloadURL string, err error)
	// Quota reports remaining storage. Returns (-1, -1) for hosts with no
	// enforced limit, matching the spec's unlimited-host convention.
	Quota(ctx context.Context) (total, left int64, err error)
}
