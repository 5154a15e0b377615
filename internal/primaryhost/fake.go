package primaryhost

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Client used by tests and by the Upload Engine's own
// test suite, so upload-pipeline behavior can be exercised without a real
// server.
type Fake struct {
	mu        sync.Mutex
	nextID    int
	Galleries map[string]string // id -> name
	Images    map[string][]string
	Online    map[string]bool // url -> still online

	FailUploadFor map[string]int // path -> number of times to fail before succeeding
	attempts      map[string]int
}

// NewFake returns a ready-to-use Fake.
func NewFake() *Fake {
	return &Fake{
		Galleries:     make(map[string]string),
		Images:        make(map[string][]string),
		Online:        make(map[string]bool),
		FailUploadFor: make(map[string]int),
		attempts:      make(map[string]int),
	}
}

func (f *Fake) CreateGallery(ctx context.Context, opts GalleryOptions) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("g%d", f.nextID)
	f.Galleries[id] = opts.Name
	return id, "https://fake.example/gallery/" + id, nil
}

func (f *Fake) UploadImage(ctx context.Context, galleryID, path string, size int64, progress ProgressFunc) (ImageResult, error) {
	f.mu.Lock()
	f.attempts[path]++
	attempt := f.attempts[path]
	wantFailures := f.FailUploadFor[path]
	f.mu.Unlock()

	if progress != nil && size > 0 {
		progress(size)
	}

	if attempt <= wantFailures {
		return ImageResult{}, fmt.Errorf("fake transient failure for %s (attempt %d)", path, attempt)
	}

	f.mu.Lock()
	f.Images[galleryID] = append(f.Images[galleryID], path)
	f.mu.Unlock()

	url := fmt.Sprintf("https://fake.example/img/%s", path)
	f.mu.Lock()
	f.Online[url] = true
	f.mu.Unlock()
	return ImageResult{URL: url, ThumbnailURL: url + "_thumb"}, nil
}

func (f *Fake) Rename(ctx context.Context, galleryID, newName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Galleries[galleryID]; !ok {
		return fmt.Errorf("unknown gallery %s", galleryID)
	}
	f.Galleries[galleryID] = newName
	return nil
}

func (f *Fake) CheckImageStatus(ctx context.Context, urls []string) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	online := 0
	for _, u := range urls {
		if f.Online[u] {
			online++
		}
	}
	return online, len(urls), nil
}

var _ Client = (*Fake)(nil)
