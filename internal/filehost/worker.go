// Package filehost runs one worker per enabled mirror destination: each
// worker owns an isolated Backend session, pulls pending FileHostUpload
// rows for its host out of the Store, builds a fresh temporary store-mode
// zip of the gallery for every job (an existing archive is never reused),
// uploads it, and reports progress into the shared Bandwidth
// Aggregator — following the teacher's bounded-worker-pool-with-atomic-
// metrics shape, generalized from one host to N.
package filehost

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"imxup/internal/bandwidth"
	"imxup/internal/events"
	"imxup/internal/logging"
	"imxup/internal/model"
	"imxup/internal/store"
)

func openForUpload(path string) (*os.File, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open archive: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat archive: %w", err)
	}
	return f, info.Size(), nil
}

const (
	pollInterval    = 1 * time.Second
	quotaInterval   = 5 * time.Minute
	sampleInterval  = 200 * time.Millisecond
)

// Worker drives one file-host backend to completion for every pending
// upload assigned to it.
type Worker struct {
	backend Backend
	store   *store.Store
	bw      *bandwidth.Aggregator
	hub     *events.Hub
	logger  *logging.Logger

	galleryPathOf func(galleryDBID int64) (path string, ok bool)
}

// New returns a Worker for one backend.
func New(backend Backend, st *store.Store, bw *bandwidth.Aggregator, hub *events.Hub, logger *logging.Logger, galleryPathOf func(int64) (string, bool)) *Worker {
	return &Worker{backend: backend, store: st, bw: bw, hub: hub, logger: logger, galleryPathOf: galleryPathOf}
}

// Run authenticates, emits the spin-up signal, then loops until ctx is
// canceled: poll for pending uploads, process them FIFO, and periodically
// refresh the quota.
func (w *Worker) Run(ctx context.Context) {
	err := w.backend.Authenticate(ctx)
	w.hub.Publish(events.Event{Kind: events.KindFileHostSpinup, Data: spinupResult{Host: w.backend.Name(), Err: err}})
	if err != nil {
		w.logger.Error("file-host worker spin-up failed", "host", w.backend.Name(), "err", err)
		return
	}

	pollTicker := time.NewTicker(pollInterval)
	defer pollTicker.Stop()
	quotaTicker := time.NewTicker(quotaInterval)
	defer quotaTicker.Stop()

	w.refreshQuota(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			w.drainPending(ctx)
		case <-quotaTicker.C:
			w.refreshQuota(ctx)
		}
	}
}

type spinupResult struct {
	Host string
	Err  error
}

func (w *Worker) refreshQuota(ctx context.Context) {
	total, left, err := w.backend.Quota(ctx)
	if err != nil {
		w.logger.Warn("file-host quota check failed", "host", w.backend.Name(), "err", err)
		return
	}
	w.hub.Publish(events.Event{Kind: events.KindStorageUpdated, Data: quotaReport{Host: w.backend.Name(), Total: total, Left: left}})
}

type quotaReport struct {
	Host  string
	Total int64
	Left  int64
}

func (w *Worker) drainPending(ctx context.Context) {
	all, err := w.store.GetAllFileHostUploadsBatch()
	if err != nil {
		w.logger.Error("file-host: list pending failed", "host", w.backend.Name(), "err", err)
		return
	}

	pending := make([]*model.FileHostUpload, 0)
	for _, u := range all {
		if u.HostName == w.backend.Name() && (u.Status == model.FileHostPending || u.Status == model.FileHostNotUploaded) {
			pending = append(pending, u)
		}
	}
	sortByUpdatedAt(pending)

	for _, job := range pending {
		if ctx.Err() != nil {
			return
		}
		w.processJob(ctx, job)
	}
}

func sortByUpdatedAt(jobs []*model.FileHostUpload) {
	for i := 1; i < len(jobs); i++ {
		for j := i; j > 0 && jobs[j].UpdatedAt.Before(jobs[j-1].UpdatedAt); j-- {
			jobs[j], jobs[j-1] = jobs[j-1], jobs[j]
		}
	}
}

func (w *Worker) processJob(ctx context.Context, job *model.FileHostUpload) {
	galleryPath, ok := w.galleryPathOf(job.GalleryDBID)
	if !ok {
		job.Status = model.FileHostFailed
		job.ErrorMessage = "gallery no longer known"
		_ = w.store.PutFileHostUpload(job)
		return
	}

	job.Status = model.FileHostUploading
	job.UpdatedAt = time.Now()
	_ = w.store.PutFileHostUpload(job)
	w.hub.Publish(events.Event{Kind: events.KindFileHostStarted, GalleryPath: galleryPath, Data: job})

	zipPath, cleanup, err := CreateStoreZip(ctx, galleryPath)
	if err != nil {
		w.failJob(job, galleryPath, fmt.Errorf("archive: %w", err))
		return
	}
	defer cleanup()

	f, size, err := openForUpload(zipPath)
	if err != nil {
		w.failJob(job, galleryPath, err)
		return
	}
	defer f.Close()

	job.TotalBytes = size

	lastSample := time.Now()
	var sinceLastSample int64

	url, err := w.backend.Upload(ctx, filepath.Base(galleryPath)+".zip", f, size, func(delta int64) {
		job.UploadedBytes += delta
		sinceLastSample += delta

		if now := time.Now(); now.Sub(lastSample) >= sampleInterval {
			elapsed := now.Sub(lastSample).Seconds()
			if elapsed > 0 {
				instantKibps := (float64(sinceLastSample) / elapsed) / 1024
				w.bw.RecordSample(w.backend.Name(), instantKibps)
			}
			lastSample = now
			sinceLastSample = 0
			w.hub.Publish(events.Event{Kind: events.KindFileHostProgress, GalleryPath: galleryPath, Data: job})
		}
	})
	if err != nil {
		w.failJob(job, galleryPath, err)
		return
	}

	job.Status = model.FileHostCompleted
	job.DownloadURL = url
	job.UpdatedAt = time.Now()
	_ = w.store.PutFileHostUpload(job)
	w.hub.Publish(events.Event{Kind: events.KindFileHostCompleted, GalleryPath: galleryPath, Data: job})
}

func (w *Worker) failJob(job *model.FileHostUpload, galleryPath string, err error) {
	job.Status = model.FileHostFailed
	job.ErrorMessage = err.Error()
	job.UpdatedAt = time.Now()
	_ = w.store.PutFileHostUpload(job)
	w.hub.Publish(events.Event{Kind: events.KindFileHostFailed, GalleryPath: galleryPath, Data: job})
	w.logger.Error("file-host upload failed", "host", w.backend.Name(), "gallery", galleryPath, "err", err)
}
