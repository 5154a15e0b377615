// Package upload implements the Upload Engine (§4.C): the single consumer
// of the Queue Manager's run queue. It dequeues one "queued" gallery at a
// time, creates it on the primary host, drives a bounded per-gallery
// worker pool over its images, samples aggregate throughput for the
// Bandwidth Aggregator, fires lifecycle hooks, writes completion
// artifacts, and hands the gallery's name off to the Rename Worker — the
// same dequeue-process-emit shape the teacher's WebSocket upload handler
// uses, generalized from one request to a durable run queue.
package upload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"imxup/internal/artifact"
	"imxup/internal/bandwidth"
	"imxup/internal/config"
	"imxup/internal/events"
	"imxup/internal/hooks"
	"imxup/internal/logging"
	"imxup/internal/model"
	"imxup/internal/primaryhost"
	"imxup/internal/queue"
)

const (
	mainLoopIdle        = 100 * time.Millisecond
	bandwidthSampleTick = 200 * time.Millisecond
)

// RenameRequester is the subset of the Rename Worker the engine depends on:
// enqueue a rename bound to a freshly created gallery id. It is an
// interface (not a concrete *rename.Worker) so the engine's own tests can
// exercise the rename hand-off without a real HTTP session.
type RenameRequester interface {
	Enqueue(galleryID, desiredName string)
}

// Engine drives galleries from "queued" through "completed" (or a failure
// terminal). One Engine runs for the life of the process; Run spawns its
// background loops and returns immediately.
type Engine struct {
	queue     *queue.Manager
	client    primaryhost.Client
	bw        *bandwidth.Aggregator
	artifacts *artifact.Writer
	hooksExec *hooks.Executor
	rename    RenameRequester
	hub       *events.Hub
	cfg       *config.Config
	logger    *logging.Logger

	globalBytes int64 // atomic; fed by per-image progress callbacks, drained by the bandwidth sampler

	// retryLimiter paces retry attempts across every in-flight image
	// worker, independent of each attempt's own exponential backoff: the
	// backoff spaces out one image's retries, the limiter keeps the whole
	// engine from hammering the primary host when many images in the same
	// (or different) galleries fail at once and retry in the same second.
	retryLimiter *rate.Limiter

	softStopMu sync.Mutex
	softStop   map[string]struct{}

	statsMu     sync.Mutex
	lastStatsAt time.Time

	wg sync.WaitGroup
}

// New returns an Engine ready for Run. rename may be nil if no Rename
// Worker is configured (the gallery keeps its host-assigned default name).
func New(q *queue.Manager, client primaryhost.Client, bw *bandwidth.Aggregator, artifacts *artifact.Writer, hooksExec *hooks.Executor, rename RenameRequester, hub *events.Hub, cfg *config.Config, logger *logging.Logger) *Engine {
	batch := cfg.Upload.BatchSize
	if batch < 1 {
		batch = 1
	}
	return &Engine{
		queue:        q,
		client:       client,
		bw:           bw,
		artifacts:    artifacts,
		hooksExec:    hooksExec,
		rename:       rename,
		hub:          hub,
		cfg:          cfg,
		logger:       logger.With("component", "upload-engine"),
		softStop:     make(map[string]struct{}),
		retryLimiter: rate.NewLimiter(rate.Limit(2*batch), batch),
	}
}

// Run starts the main dequeue loop and the bandwidth sampler as background
// goroutines. It returns immediately; call Wait to block until ctx is
// canceled and both loops have exited.
func (e *Engine) Run(ctx context.Context) {
	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.mainLoop(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.bandwidthSamplerLoop(ctx)
	}()
}

// Wait blocks until every Engine goroutine started by Run has exited.
func (e *Engine) Wait() { e.wg.Wait() }

// RequestSoftStop marks path for cooperative cancellation: the worker pool
// driving it finishes in-flight images but submits no new ones.
func (e *Engine) RequestSoftStop(path string) {
	e.softStopMu.Lock()
	e.softStop[path] = struct{}{}
	e.softStopMu.Unlock()
}

func (e *Engine) isSoftStopped(path string) bool {
	e.softStopMu.Lock()
	_, ok := e.softStop[path]
	e.softStopMu.Unlock()
	return ok
}

func (e *Engine) clearSoftStop(path string) {
	e.softStopMu.Lock()
	delete(e.softStop, path)
	e.softStopMu.Unlock()
}

// mainLoop matches §4.C.2's pseudocode: pop, defensively re-check status,
// process; sleep briefly when the run queue is empty rather than spin.
func (e *Engine) mainLoop(ctx context.Context) {
	ticker := time.NewTicker(mainLoopIdle)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		item := e.queue.GetNextItem()
		if item == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}

		// item is the live pointer GetNextItem dequeued; only its Path is
		// read here. Every further read/write goes through GetItem (which
		// clones) or MutateItem, never a direct field touch on item.
		path := item.Path

		g, ok := e.queue.GetItem(path)
		if !ok || g.Status != model.StatusQueued {
			continue // defensive: item vanished or was reset between dequeue and now
		}

		e.uploadGallery(ctx, path)
	}
}

// bandwidthSamplerLoop polls the global byte counter every 200ms and feeds
// the instantaneous rate to the Bandwidth Aggregator under the "primary"
// source id, per §4.C.4.
func (e *Engine) bandwidthSamplerLoop(ctx context.Context) {
	ticker := time.NewTicker(bandwidthSampleTick)
	defer ticker.Stop()

	var last int64
	lastAt := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			cur := atomic.LoadInt64(&e.globalBytes)
			delta := cur - last
			elapsed := now.Sub(lastAt).Seconds()
			last = cur
			lastAt = now
			if elapsed <= 0 {
				continue
			}
			instantKibps := (float64(delta) / elapsed) / 1024
			e.bw.RecordSample("primary", instantKibps)
		}
	}
}

// uploadGallery runs the ten-step pipeline in §4.C.3 for one gallery.
func (e *Engine) uploadGallery(ctx context.Context, path string) {
	g, ok := e.queue.GetItem(path)
	if !ok {
		return
	}

	e.queue.UpdateItemStatus(path, model.StatusUploading)
	e.queue.MutateItem(path, func(gg *model.Gallery) { gg.StartedAt = time.Now() })
	e.hub.Publish(events.Event{Kind: events.KindGalleryStarted, GalleryPath: path, Data: g.TotalImages})

	go e.runHook(ctx, config.HookStarted, path, "", "")

	if e.isSoftStopped(path) {
		e.clearSoftStop(path)
		e.queue.UpdateItemStatus(path, model.StatusIncomplete)
		return
	}

	galleryID := g.GalleryID
	galleryURL := g.GalleryURL
	if galleryID == "" {
		opts := primaryhost.GalleryOptions{
			Name:            g.Name,
			ThumbnailSize:   e.cfg.Upload.ThumbnailSize,
			ThumbnailFormat: e.cfg.Upload.ThumbnailFormat,
			AvgWidth:        g.AvgWidth,
			AvgHeight:       g.AvgHeight,
		}
		id, url, err := e.client.CreateGallery(ctx, opts)
		if err != nil {
			e.queue.MarkUploadFailed(path, fmt.Sprintf("create gallery: %v", err), nil)
			return
		}
		galleryID, galleryURL = id, url
		e.queue.MutateItem(path, func(gg *model.Gallery) {
			gg.GalleryID = id
			gg.GalleryURL = url
		})
		if e.rename != nil {
			e.rename.Enqueue(galleryID, g.Name)
		}
	}

	pending := make([]model.Image, 0, len(g.Images))
	for _, img := range g.Images {
		if _, done := g.UploadedFiles[filepath.Base(img.Path)]; !done {
			pending = append(pending, img)
		}
	}

	parallel := e.cfg.Upload.BatchSize
	priorUploaded := len(g.UploadedFiles)
	var galleryBytes int64

	succeeded, failed := e.runImagePool(ctx, path, galleryID, pending, parallel, &galleryBytes, priorUploaded, g.TotalImages)

	softStopped := e.isSoftStopped(path)
	e.clearSoftStop(path)

	successCount := priorUploaded + len(succeeded)
	failCount := len(failed)

	finalStatus := decideTerminalStatus(successCount, failCount, g.TotalImages, softStopped)

	if finalStatus == model.StatusUploadFailed {
		msg := fmt.Sprintf("%d of %d images failed", failCount, len(pending))
		e.queue.MarkUploadFailed(path, msg, failed)
	} else {
		e.queue.UpdateItemStatus(path, finalStatus)
	}

	if finalStatus == model.StatusCompleted {
		e.finishCompleted(ctx, path, galleryID, galleryURL, succeeded)
	}

	e.emitQueueStats(true)
}

// emitQueueStats publishes the per-status aggregate, at most once per
// second unless forced (a gallery just finished).
func (e *Engine) emitQueueStats(force bool) {
	e.statsMu.Lock()
	if !force && time.Since(e.lastStatsAt) < time.Second {
		e.statsMu.Unlock()
		return
	}
	e.lastStatsAt = time.Now()
	e.statsMu.Unlock()

	e.hub.Publish(events.Event{Kind: events.KindQueueStats, Data: e.queue.GetQueueStats()})
}

// decideTerminalStatus implements §4.C.3 step 8's decision table.
func decideTerminalStatus(successCount, failCount, total int, softStopped bool) model.Status {
	switch {
	case failCount > 0:
		return model.StatusUploadFailed
	case softStopped && successCount < total:
		return model.StatusIncomplete
	case total > 0 && successCount >= total:
		return model.StatusCompleted
	default:
		return model.StatusIncomplete
	}
}

// finishCompleted writes artifacts, fires the completed hook, and emits
// gallery_completed, per §4.C.3 step 9.
func (e *Engine) finishCompleted(ctx context.Context, path, galleryID, galleryURL string, results map[string]primaryhost.ImageResult) {
	g, ok := e.queue.GetItem(path)
	if !ok {
		return
	}

	manifest := artifact.Manifest{
		GalleryID:    galleryID,
		GalleryURL:   galleryURL,
		CreatedAt:    time.Now(),
		TemplateName: g.TemplateName,
		Custom:       g.Custom,
		Ext:          g.Ext,
	}
	var longest string
	var longestSize int64
	ext := ""
	for _, img := range g.Images {
		base := filepath.Base(img.Path)
		res := results[base]
		manifest.Images = append(manifest.Images, artifact.ImageRecord{
			OriginalFilename: base,
			SizeBytes:        img.Size,
			Width:            img.Width,
			Height:           img.Height,
			ImageURL:         res.URL,
			ThumbnailURL:     res.ThumbnailURL,
			BBCode:           bbcodeFor(res),
		})
		if img.Size > longestSize {
			longestSize = img.Size
			longest = base
			ext = filepath.Ext(base)
		}
	}

	tmpl := e.loadTemplate(g.TemplateName)
	renderCtx := artifact.RenderContext{
		FolderName:   g.Name,
		PictureCount: g.TotalImages,
		Width:        g.AvgWidth,
		Height:       g.AvgHeight,
		Longest:      longest,
		Extension:    ext,
		FolderSize:   g.TotalSize,
		GalleryLink:  galleryURL,
		AllImages:    joinBBCode(manifest.Images),
	}

	written := e.artifacts.Write(path, manifest, tmpl, renderCtx)
	e.logger.Info("artifacts written", "gallery", path, "count", len(written))

	var manifestPath, bbcodePath string
	if len(written) >= 2 {
		manifestPath, bbcodePath = written[0], written[1]
	}
	go e.runHook(ctx, config.HookCompleted, path, manifestPath, bbcodePath)

	e.hub.Publish(events.Event{Kind: events.KindGalleryCompleted, GalleryPath: path, Data: manifest})
}

func bbcodeFor(res primaryhost.ImageResult) string {
	if res.URL == "" {
		return ""
	}
	return fmt.Sprintf("[url=%s][img]%s[/img][/url]", res.URL, res.ThumbnailURL)
}

func joinBBCode(images []artifact.ImageRecord) string {
	var b []byte
	for _, img := range images {
		if img.BBCode == "" {
			continue
		}
		b = append(b, img.BBCode...)
		b = append(b, '\n')
	}
	return string(b)
}

const defaultTemplate = "#folderName# - #pictureCount# images\n#allImages#\n"

// loadTemplate reads {name}.template from the configured template
// directory (spec §8: "templates/*.template"). A missing or unreadable
// file falls back to a minimal built-in template rather than failing the
// upload — template rendering is cosmetic.
func (e *Engine) loadTemplate(name string) string {
	if name == "" {
		return defaultTemplate
	}
	path := filepath.Join(e.cfg.TemplateDir, name+".template")
	data, err := os.ReadFile(path)
	if err != nil {
		e.logger.Warn("template not found, using default", "template", name, "err", err)
		return defaultTemplate
	}
	return string(data)
}

// runHook fires the hook for event against path's current state, merging
// any returned ext1..4 values back into the gallery, per §4.C.3 step 2 /
// §4.G. manifestPath/bbcodePath are only known once artifacts have been
// written (the "completed" event); callers pass "" otherwise.
func (e *Engine) runHook(ctx context.Context, event config.HookEvent, path, manifestPath, bbcodePath string) {
	g, ok := e.queue.GetItem(path)
	if !ok {
		return
	}
	hookCtx := hooks.Context{
		Name:         g.Name,
		Tab:          g.TabName,
		Path:         g.Path,
		ImageCount:   g.TotalImages,
		GalleryLink:  g.GalleryURL,
		ManifestPath: manifestPath,
		BBCodePath:   bbcodePath,
		SizeBytes:    g.TotalSize,
		Template:     g.TemplateName,
		Ext:          g.Ext,
		Custom:       g.Custom,
	}
	res := e.hooksExec.Run(ctx, event, hookCtx)
	if !res.Ran || res.Err != nil {
		return
	}
	e.queue.MutateItem(path, func(gg *model.Gallery) {
		for i, v := range res.Ext {
			if v != "" {
				gg.Ext[i] = v
			}
		}
	})
}
