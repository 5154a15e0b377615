package filehost

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// FakeBackend is an in-memory Backend for tests.
type FakeBackend struct {
	NameStr    string
	AuthErr    error
	UploadErr  error
	QuotaTotal int64
	QuotaLeft  int64

	mu      sync.Mutex
	Uploads []string
}

func (f *FakeBackend) Name() string { return f.NameStr }

func (f *FakeBackend) Authenticate(ctx context.Context) error { return f.AuthErr }

func (f *FakeBackend) Upload(ctx context.Context, objectName string, r io.Reader, size int64, progress ProgressFunc) (string, error) {
	if f.UploadErr != nil {
		return "", f.UploadErr
	}
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			total += int64(n)
			if progress != nil {
				progress(int64(n))
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	f.mu.Lock()
	f.Uploads = append(f.Uploads, objectName)
	f.mu.Unlock()
	return fmt.Sprintf("https://fake-host/%s", objectName), nil
}

func (f *FakeBackend) Quota(ctx context.Context) (int64, int64, error) {
	return f.QuotaTotal, f.QuotaLeft, nil
}

var _ Backend = (*FakeBackend)(nil)
