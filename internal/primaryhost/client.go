// Package primaryhost talks to the primary image host: create a gallery,
// upload one image with progress callbacks, rename a gallery, and check
// whether a batch of image URLs are still online. The HTTP implementation
// follows the streaming-multipart pattern the immich-uploader reference
// uses (io.Pipe + multipart.Writer so large files never fully buffer).
package primaryhost

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"os"
	"strings"
	"time"
)

// ImageResult is what the host returns for one successfully uploaded image.
type ImageResult struct {
	URL          string
	ThumbnailURL string
}

// GalleryOptions carries the per-gallery settings the Upload Engine has
// already resolved (thumbnail size/format, precomputed average dimensions)
// so the client never needs to re-decode images to pick settings.
type GalleryOptions struct {
	Name             string
	ThumbnailSize    string
	ThumbnailFormat  string
	AvgWidth         int
	AvgHeight        int
}

// ProgressFunc is invoked with the number of bytes written to the wire
// since the last call, for the Upload Engine to feed into the Bandwidth
// Aggregator and per-gallery counters.
type ProgressFunc func(deltaBytes int64)

// Client is the primary-host wire contract (§6 of the external interfaces).
type Client interface {
	CreateGallery(ctx context.Context, opts GalleryOptions) (galleryID, galleryURL string, err error)
	UploadImage(ctx context.Context, galleryID, path string, size int64, progress ProgressFunc) (ImageResult, error)
	Rename(ctx context.Context, galleryID, newName string) error
	CheckImageStatus(ctx context.Context, urls []string) (onlineCount, totalCount int, err error)
}

// HTTPClient is the default Client implementation.
type HTTPClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewHTTPClient builds an HTTPClient with a cookie jar (the rename and
// status-check endpoints are session-authenticated) and the timeouts the
// spec calls for: 30s connect, 90s read, 5 minutes for bulk status checks.
func NewHTTPClient(baseURL string) (*HTTPClient, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Jar:     jar,
			Timeout: 90 * time.Second,
		},
	}, nil
}

func (c *HTTPClient) CreateGallery(ctx context.Context, opts GalleryOptions) (string, string, error) {
	form := strings.NewReader(fmt.Sprintf("name=%s&thumb_size=%s&thumb_format=%s&avg_width=%d&avg_height=%d",
		opts.Name, opts.ThumbnailSize, opts.ThumbnailFormat, opts.AvgWidth, opts.AvgHeight))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/gallery/create", form)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("create gallery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("create gallery: status %d", resp.StatusCode)
	}

	galleryID := resp.Header.Get("X-Gallery-Id")
	galleryURL := fmt.Sprintf("%s/gallery/%s", c.BaseURL, galleryID)
	return galleryID, galleryURL, nil
}

// progressReader wraps an io.Reader and invokes a callback on every Read,
// the same delta-counting idiom the teacher's upload worker pool uses for
// its moving-average duration tracking, applied here to bytes instead.
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

func (c *HTTPClient) UploadImage(ctx context.Context, galleryID, path string, size int64, progress ProgressFunc) (ImageResult, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	errCh := make(chan error, 1)
	go func() {
		defer pw.Close()
		part, err := mw.CreateFormFile("file", path)
		if err != nil {
			errCh <- err
			return
		}
		f, err := os.Open(path)
		if err != nil {
			errCh <- err
			return
		}
		defer f.Close()

		wrapped := &progressReader{Reader: f, onRead: progress}
		if _, err := io.Copy(part, wrapped); err != nil {
			errCh <- err
			return
		}
		errCh <- mw.Close()
	}()

	url := fmt.Sprintf("%s/gallery/%s/upload", c.BaseURL, galleryID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		return ImageResult{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.ContentLength = -1

	resp, err := c.HTTP.Do(req)
	if writeErr := <-errCh; writeErr != nil && err == nil {
		err = writeErr
	}
	if err != nil {
		return ImageResult{}, fmt.Errorf("upload image %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ImageResult{}, fmt.Errorf("upload image %s: status %d", path, resp.StatusCode)
	}

	return ImageResult{
		URL:          resp.Header.Get("X-Image-Url"),
		ThumbnailURL: resp.Header.Get("X-Thumbnail-Url"),
	}, nil
}

func (c *HTTPClient) Rename(ctx context.Context, galleryID, newName string) error {
	form := strings.NewReader(fmt.Sprintf("gallery_name=%s&submit_new_gallery=1", newName))
	url := fmt.Sprintf("%s/user/gallery/edit?id=%s", c.BaseURL, galleryID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, form)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("rename gallery %s: %w", galleryID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rename gallery %s: status %d", galleryID, resp.StatusCode)
	}
	return nil
}

// CheckImageStatus POSTs the batch of URLs to the moderation endpoint and
// counts how many of them are echoed back in the response body — the
// abstract wire contract spec.md describes, string-containment parsing
// rather than a structured response.
func (c *HTTPClient) CheckImageStatus(ctx context.Context, urls []string) (int, int, error) {
	body := strings.NewReader(strings.Join(urls, "\n"))

	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/moderation/status", body)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "text/plain")

	// The shared client's 90s Timeout would cut this request short, so the
	// status check runs on a copy bounded only by the 5-minute context.
	statusHTTP := *c.HTTP
	statusHTTP.Timeout = 0
	resp, err := statusHTTP.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("check image status: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, 0, fmt.Errorf("read status response: %w", err)
	}
	page := string(raw)

	online := 0
	for _, u := range urls {
		if strings.Contains(page, u) {
			online++
		}
	}
	return online, len(urls), nil
}
