package upload

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"imxup/internal/model"
	"imxup/internal/primaryhost"
)

// imageOutcome is one worker's result for one image, fed back to the
// collector goroutine in uploadGallery.
type imageOutcome struct {
	Basename string
	Result   primaryhost.ImageResult
	Err      error
}

// runImagePool submits pending images to a bounded worker pool of size
// parallel, retrying each with exponential backoff, and stops submitting
// new work the moment path is soft-stopped (in-flight images still finish).
// completedSoFar seeds the progress counter so a resumed gallery reports
// accurate totals from its first emitted progress_updated event.
func (e *Engine) runImagePool(ctx context.Context, path, galleryID string, pending []model.Image, parallel int, galleryBytes *int64, completedSoFar, total int) (map[string]primaryhost.ImageResult, []string) {
	if parallel < 1 {
		parallel = 1
	}

	jobs := make(chan model.Image)
	results := make(chan imageOutcome, len(pending))

	var wg sync.WaitGroup
	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for img := range jobs {
				res, err := e.uploadOneImage(ctx, galleryID, img, galleryBytes)
				results <- imageOutcome{Basename: filepath.Base(img.Path), Result: res, Err: err}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, img := range pending {
			if e.isSoftStopped(path) {
				return
			}
			select {
			case jobs <- img:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	succeeded := make(map[string]primaryhost.ImageResult, len(pending))
	var failed []string
	completed := completedSoFar
	started := time.Now()

	for out := range results {
		if out.Err != nil {
			failed = append(failed, out.Basename)
			continue
		}
		succeeded[out.Basename] = out.Result
		completed++

		bytesSoFar := atomic.LoadInt64(galleryBytes)
		kibps := 0.0
		if elapsed := time.Since(started).Seconds(); elapsed > 0 {
			kibps = (float64(bytesSoFar) / elapsed) / 1024
		}

		e.queue.MutateItem(path, func(g *model.Gallery) {
			if g.UploadedFiles == nil {
				g.UploadedFiles = make(map[string]struct{})
			}
			g.UploadedFiles[out.Basename] = struct{}{}
			g.UploadedImages = len(g.UploadedFiles)
			g.UploadedBytes = bytesSoFar
			g.CurrentKibps = kibps
		})
		e.queue.EmitProgress(path, completed, total, out.Basename)
	}

	elapsed := time.Since(started).Seconds()
	e.queue.MutateItem(path, func(g *model.Gallery) {
		if elapsed > 0 {
			g.FinalKibps = (float64(atomic.LoadInt64(galleryBytes)) / elapsed) / 1024
		}
		g.CurrentKibps = 0
	})

	return succeeded, failed
}

// uploadOneImage retries a single image up to the configured retry count,
// waiting 2^attempt seconds between attempts (original_source/src/processing/
// upload_workers.py's backoff schedule). Bytes read off disk are fed both
// into the per-gallery counter and the engine-wide counter that feeds the
// Bandwidth Aggregator.
func (e *Engine) uploadOneImage(ctx context.Context, galleryID string, img model.Image, galleryBytes *int64) (primaryhost.ImageResult, error) {
	onRead := func(delta int64) {
		atomic.AddInt64(galleryBytes, delta)
		atomic.AddInt64(&e.globalBytes, delta)
	}

	maxRetries := e.cfg.Upload.Retries
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 && e.retryLimiter != nil {
			if err := e.retryLimiter.Wait(ctx); err != nil {
				return primaryhost.ImageResult{}, err
			}
		}
		res, err := e.client.UploadImage(ctx, galleryID, img.Path, img.Size, onRead)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if attempt == maxRetries {
			break
		}
		backoff := time.Duration(1<<uint(attempt)) * time.Second
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return primaryhost.ImageResult{}, ctx.Err()
		}
	}
	return primaryhost.ImageResult{}, lastErr
}
