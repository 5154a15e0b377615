// Package queue implements the Queue Manager (§4.B): the authoritative
// in-memory state of every gallery, the FIFO run queue the Upload Engine
// drains, the state machine transitions, versioning for UI debounce, and
// the batch-updates scope. It follows the teacher's services/hash_cache.go
// shape — an RWMutex-guarded map — and its
// services/websocket.go register/broadcast idiom for the scan-request
// queue, generalized from websocket connections to plain paths.
package queue

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"imxup/internal/config"
	"imxup/internal/events"
	"imxup/internal/logging"
	"imxup/internal/model"
	"imxup/internal/store"
)

const archiveTabName = "Archive"

// StatusChange is the payload published on events.KindStatusChanged.
type StatusChange struct {
	Old model.Status
	New model.Status
}

// ProgressUpdate is the payload published on events.KindProgressUpdated.
type ProgressUpdate struct {
	Completed    int
	Total        int
	Percent      int
	CurrentImage string
}

// QueueStat aggregates one status bucket for GetQueueStats.
type QueueStat struct {
	Count  int
	Images int
	Bytes  int64
}

// AddResult tallies the outcome of AddMultipleItems.
type AddResult struct {
	Added        int
	Duplicates   int
	Failed       int
	AddedPaths   []string
	DuplicatePaths []string
	FailedPaths  map[string]error
}

type scanRequest struct {
	Path     string
	Additive bool
}

// Manager is the Queue Manager: authoritative in-memory gallery state,
// backed by a durable Store, with a background scanner and a strict FIFO
// run queue the Upload Engine pops from.
type Manager struct {
	mu    sync.RWMutex
	items map[string]*model.Gallery

	nextDBID         int64
	insertionCounter int64
	version          uint64 // atomic

	queuedPaths map[string]struct{}
	runQueue    chan *model.Gallery

	scanQueue chan scanRequest

	batchMu    sync.Mutex
	batchDepth int
	batchDirty map[string]*model.Gallery

	archiveAfter time.Duration

	store  *store.Store
	hub    *events.Hub
	cfg    *config.Config
	logger *logging.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Manager. Call LoadAll before Run to hydrate state from
// a prior session.
func New(st *store.Store, hub *events.Hub, cfg *config.Config, logger *logging.Logger) *Manager {
	return &Manager{
		items:        make(map[string]*model.Gallery),
		queuedPaths:  make(map[string]struct{}),
		runQueue:     make(chan *model.Gallery, 4096),
		scanQueue:    make(chan scanRequest, 4096),
		archiveAfter: time.Duration(cfg.Archive.ArchiveAfterMinutes) * time.Minute,
		store:        st,
		hub:          hub,
		cfg:          cfg,
		logger:       logger.With("service", "queue-manager"),
		stopCh:       make(chan struct{}),
	}
}

// LoadAll hydrates in-memory state from the Store. Galleries left
// mid-flight in the run queue when the process last exited (status still
// "queued") are re-enqueued so they are not stranded — the Store itself
// already rewrote any "uploading" record to "ready" on open (§3 crash
// recovery invariant).
func (m *Manager) LoadAll() error {
	galleries, err := m.store.LoadAllGalleries()
	if err != nil {
		return fmt.Errorf("load galleries: %w", err)
	}

	m.mu.Lock()
	var toRequeue []*model.Gallery
	for _, g := range galleries {
		if g.UploadedFiles == nil {
			g.UploadedFiles = make(map[string]struct{})
		}
		m.items[g.Path] = g
		if g.DBID > m.nextDBID {
			m.nextDBID = g.DBID
		}
		if g.InsertionOrder > m.insertionCounter {
			m.insertionCounter = g.InsertionOrder
		}
		if g.Status == model.StatusQueued {
			toRequeue = append(toRequeue, g)
		}
	}
	m.mu.Unlock()

	sort.Slice(toRequeue, func(i, j int) bool { return toRequeue[i].InsertionOrder < toRequeue[j].InsertionOrder })
	for _, g := range toRequeue {
		m.mu.Lock()
		m.queuedPaths[g.Path] = struct{}{}
		m.mu.Unlock()
		m.runQueue <- g
	}
	return nil
}

// Run starts the scanner goroutine. Cancel via Stop.
func (m *Manager) Run() {
	m.wg.Add(1)
	go m.scannerLoop()
}

// Stop halts the scanner goroutine.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) bumpVersion() { atomic.AddUint64(&m.version, 1) }

// GetVersion returns the monotonic mutation counter.
func (m *Manager) GetVersion() uint64 { return atomic.LoadUint64(&m.version) }

// persistLocked snapshots g and either queues it for the trailing
// batch-scope save or writes it immediately. Callers must hold m.mu.
func (m *Manager) persistLocked(g *model.Gallery) {
	snap := g.Clone()
	m.batchMu.Lock()
	if m.batchDepth > 0 {
		if m.batchDirty == nil {
			m.batchDirty = make(map[string]*model.Gallery)
		}
		m.batchDirty[g.Path] = snap
		m.batchMu.Unlock()
		return
	}
	m.batchMu.Unlock()
	m.store.BulkUpsertAsync([]*model.Gallery{snap})
}

// BatchUpdates runs fn with the Store's trailing save deferred: every
// mutation inside fn accumulates into a dirty set, flushed as a single
// async write when the outermost scope exits. Nested calls just bump a
// depth counter — only the outermost exit flushes, and only if something
// actually changed (§9 Design Note: elide the save when the scope was a
// no-op).
func (m *Manager) BatchUpdates(fn func()) {
	m.batchMu.Lock()
	m.batchDepth++
	m.batchMu.Unlock()

	fn()

	m.batchMu.Lock()
	m.batchDepth--
	var toFlush []*model.Gallery
	if m.batchDepth == 0 && len(m.batchDirty) > 0 {
		toFlush = make([]*model.Gallery, 0, len(m.batchDirty))
		for _, g := range m.batchDirty {
			toFlush = append(toFlush, g)
		}
		m.batchDirty = nil
	}
	m.batchMu.Unlock()

	if len(toFlush) > 0 {
		m.store.BulkUpsertAsync(toFlush)
	}
}

// AddItem creates a new gallery in "validating" and enqueues its initial
// scan. It is idempotent only in the sense that a duplicate path is
// rejected outright — it never merges into the existing record.
func (m *Manager) AddItem(path, name, template, tab string) bool {
	m.mu.Lock()
	if _, exists := m.items[path]; exists {
		m.mu.Unlock()
		return false
	}

	m.nextDBID++
	m.insertionCounter++

	if name == "" {
		name = filepath.Base(filepath.Clean(path))
	}
	if tab == "" {
		tab = "Main"
	}

	g := &model.Gallery{
		DBID:          m.nextDBID,
		Path:          path,
		Name:          name,
		TabName:       tab,
		TemplateName:  template,
		Status:        model.StatusValidating,
		UploadedFiles: make(map[string]struct{}),
		InsertionOrder: m.insertionCounter,
		AddedAt:       time.Now(),
	}
	m.items[path] = g
	m.persistLocked(g)
	m.bumpVersion()
	m.mu.Unlock()

	m.hub.Publish(events.Event{Kind: events.KindGalleryAdded, GalleryPath: path})
	m.enqueueScan(path, false)
	return true
}

// AddMultipleItems batches AddItem over paths, never raising on a
// per-item failure — each outcome lands in one of the three buckets.
func (m *Manager) AddMultipleItems(paths []string, template string) AddResult {
	res := AddResult{FailedPaths: make(map[string]error)}
	for _, p := range paths {
		if p == "" {
			res.Failed++
			res.FailedPaths[p] = fmt.Errorf("empty path")
			continue
		}
		if m.AddItem(p, "", template, "") {
			res.Added++
			res.AddedPaths = append(res.AddedPaths, p)
		} else {
			res.Duplicates++
			res.DuplicatePaths = append(res.DuplicatePaths, p)
		}
	}
	return res
}

// RemoveItem deletes a gallery from memory and the Store. It refuses while
// the gallery is uploading (§3 invariant) or if the path is unknown.
func (m *Manager) RemoveItem(path string) bool {
	m.mu.Lock()
	g, ok := m.items[path]
	if !ok || g.Status == model.StatusUploading {
		m.mu.Unlock()
		return false
	}
	delete(m.items, path)
	delete(m.queuedPaths, path)
	m.bumpVersion()
	m.mu.Unlock()

	_ = m.store.DeleteByPaths([]string{path})
	m.hub.Publish(events.Event{Kind: events.KindGalleryRemoved, GalleryPath: path})
	return true
}

// UpdateItemStatus performs an atomic status transition, emitting
// status_changed and recording finished_time on terminal states.
func (m *Manager) UpdateItemStatus(path string, newStatus model.Status) bool {
	m.mu.Lock()
	g, ok := m.items[path]
	if !ok {
		m.mu.Unlock()
		return false
	}
	old := g.Status
	g.Status = newStatus
	if newStatus == model.StatusCompleted {
		g.Progress = 100
	}
	if newStatus.Terminal() {
		g.FinishedAt = time.Now()
	}
	m.persistLocked(g)
	m.bumpVersion()
	m.mu.Unlock()

	m.hub.Publish(events.Event{Kind: events.KindStatusChanged, GalleryPath: path, Data: StatusChange{Old: old, New: newStatus}})
	return true
}

// StartItem transitions a gallery into "queued" and appends it to the run
// queue. It refuses from any status other than ready/paused/incomplete/
// upload_failed, and refuses a path already queued (§3: at most once).
func (m *Manager) StartItem(path string) bool {
	m.mu.Lock()
	g, ok := m.items[path]
	if !ok {
		m.mu.Unlock()
		return false
	}
	switch g.Status {
	case model.StatusReady, model.StatusPaused, model.StatusIncomplete, model.StatusUploadFailed:
	default:
		m.mu.Unlock()
		return false
	}
	if _, already := m.queuedPaths[path]; already {
		m.mu.Unlock()
		return false
	}

	old := g.Status
	g.Status = model.StatusQueued
	m.queuedPaths[path] = struct{}{}
	m.persistLocked(g)
	m.bumpVersion()
	m.mu.Unlock()

	m.hub.Publish(events.Event{Kind: events.KindStatusChanged, GalleryPath: path, Data: StatusChange{Old: old, New: model.StatusQueued}})
	m.runQueue <- g
	return true
}

// GetNextItem pops the oldest queued gallery, or nil if the run queue is
// empty. Dequeue is lock-free (a channel receive); only the queued-paths
// membership bookkeeping takes the lock.
func (m *Manager) GetNextItem() *model.Gallery {
	select {
	case g := <-m.runQueue:
		m.mu.Lock()
		delete(m.queuedPaths, g.Path)
		m.mu.Unlock()
		return g
	default:
		return nil
	}
}

// RetryFailedUpload implements the spec's dual recovery rule: a gallery
// that never got a host-side id or never finished a single image starts
// over from scratch; one that made partial progress resumes.
func (m *Manager) RetryFailedUpload(path string) bool {
	m.mu.Lock()
	g, ok := m.items[path]
	if !ok {
		m.mu.Unlock()
		return false
	}
	old := g.Status
	if g.UploadedImages == 0 || g.GalleryID == "" {
		g.Status = model.StatusReady
		g.UploadedImages = 0
		g.UploadedFiles = make(map[string]struct{})
		g.GalleryID = ""
		g.GalleryURL = ""
		g.FailedFiles = nil
		g.ErrorMessage = ""
	} else {
		g.Status = model.StatusIncomplete
	}
	m.persistLocked(g)
	m.bumpVersion()
	m.mu.Unlock()

	m.hub.Publish(events.Event{Kind: events.KindStatusChanged, GalleryPath: path, Data: StatusChange{Old: old, New: g.Status}})
	return true
}

// RescanGalleryAdditive re-enqueues a scan that preserves uploaded_files —
// used after the user drops new images into an already-completed gallery.
func (m *Manager) RescanGalleryAdditive(path string) bool {
	m.mu.RLock()
	_, ok := m.items[path]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	m.enqueueScan(path, true)
	return true
}

// ResetGalleryComplete wipes a gallery's host identity and upload progress
// and enqueues a fresh (non-additive) scan, e.g. to re-upload to a
// different host/template from scratch.
func (m *Manager) ResetGalleryComplete(path string) bool {
	m.mu.Lock()
	g, ok := m.items[path]
	if !ok {
		m.mu.Unlock()
		return false
	}
	old := g.Status
	g.GalleryID = ""
	g.GalleryURL = ""
	g.UploadedImages = 0
	g.UploadedFiles = make(map[string]struct{})
	g.Status = model.StatusScanning
	m.persistLocked(g)
	m.bumpVersion()
	m.mu.Unlock()

	m.hub.Publish(events.Event{Kind: events.KindStatusChanged, GalleryPath: path, Data: StatusChange{Old: old, New: model.StatusScanning}})
	m.enqueueScan(path, false)
	return true
}

// MarkUploadFailed records a terminal upload failure, with the optional
// list of image basenames that never succeeded.
func (m *Manager) MarkUploadFailed(path, msg string, failedFiles []string) bool {
	m.mu.Lock()
	g, ok := m.items[path]
	if !ok {
		m.mu.Unlock()
		return false
	}
	old := g.Status
	g.Status = model.StatusUploadFailed
	g.ErrorMessage = msg
	g.FailedFiles = failedFiles
	g.FinishedAt = time.Now()
	m.persistLocked(g)
	m.bumpVersion()
	m.mu.Unlock()

	m.hub.Publish(events.Event{Kind: events.KindStatusChanged, GalleryPath: path, Data: StatusChange{Old: old, New: model.StatusUploadFailed}})
	return true
}

// MarkScanFailed records a scan-time failure.
func (m *Manager) MarkScanFailed(path, msg string) bool {
	m.mu.Lock()
	g, ok := m.items[path]
	if !ok {
		m.mu.Unlock()
		return false
	}
	old := g.Status
	g.Status = model.StatusScanFailed
	g.ErrorMessage = msg
	m.persistLocked(g)
	m.bumpVersion()
	m.mu.Unlock()

	m.hub.Publish(events.Event{Kind: events.KindStatusChanged, GalleryPath: path, Data: StatusChange{Old: old, New: model.StatusScanFailed}})
	return true
}

// RecordImxStatus stores the latest online/total image counts from the
// Rename Worker's status checker (§4.F.3) against the gallery at path and
// persists the change. It is a no-op if the gallery is no longer tracked.
func (m *Manager) RecordImxStatus(path string, online, total int) bool {
	m.mu.Lock()
	g, ok := m.items[path]
	if !ok {
		m.mu.Unlock()
		return false
	}
	g.ImxOnline = online
	g.ImxTotal = total
	g.ImxStatusCheckedAt = time.Now()
	m.persistLocked(g)
	m.bumpVersion()
	m.mu.Unlock()
	return true
}

// UpdateCustomField validates field and hands the updated gallery to the
// Store's writer immediately (not deferred even inside a batch scope — it
// is a direct user edit, not part of the engine's mutation stream). The
// whole record is queued rather than patched in place, so the edit lands
// even while the gallery's first save is still pending in the writer.
func (m *Manager) UpdateCustomField(path string, field model.CustomField, value string) bool {
	if !field.Valid() {
		return false
	}
	m.mu.Lock()
	g, ok := m.items[path]
	if !ok {
		m.mu.Unlock()
		return false
	}
	g.SetField(field, value)
	m.store.BulkUpsertAsync([]*model.Gallery{g.Clone()})
	m.mu.Unlock()

	m.bumpVersion()
	return true
}

// EmitProgress publishes a progress_updated event for path, bumping the
// version so UI polling can debounce on it. Called by the Upload Engine
// as images complete.
func (m *Manager) EmitProgress(path string, completed, total int, currentImage string) {
	percent := 0
	if total > 0 {
		percent = completed * 100 / total
	}
	m.bumpVersion()
	m.hub.Publish(events.Event{Kind: events.KindProgressUpdated, GalleryPath: path, Data: ProgressUpdate{
		Completed: completed, Total: total, Percent: percent, CurrentImage: currentImage,
	}})
}

// GetItem returns a deep-enough copy of one gallery's current state.
func (m *Manager) GetItem(path string) (*model.Gallery, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.items[path]
	if !ok {
		return nil, false
	}
	return g.Clone(), true
}

// MutateItem hands the live gallery pointer to fn under the manager lock,
// persisting and bumping the version afterward. It exists for the Upload
// Engine, which needs to update several fields (uploaded_images,
// uploaded_bytes, uploaded_files) atomically per completed image without
// going through one setter per field.
func (m *Manager) MutateItem(path string, fn func(g *model.Gallery)) bool {
	m.mu.Lock()
	g, ok := m.items[path]
	if !ok {
		m.mu.Unlock()
		return false
	}
	fn(g)
	m.persistLocked(g)
	m.bumpVersion()
	m.mu.Unlock()
	return true
}

// GetAllItems returns every gallery, sorted by insertion order then db id,
// as a list of independent copies safe to read without the manager lock.
func (m *Manager) GetAllItems() []*model.Gallery {
	m.mu.RLock()
	out := make([]*model.Gallery, 0, len(m.items))
	for _, g := range m.items {
		out = append(out, g.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].InsertionOrder != out[j].InsertionOrder {
			return out[i].InsertionOrder < out[j].InsertionOrder
		}
		return out[i].DBID < out[j].DBID
	})
	return out
}

// PathForDBID resolves a gallery's path from its db id, for callers (the
// File-Host Worker Pool) that only persist the numeric id.
func (m *Manager) PathForDBID(dbid int64) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for path, g := range m.items {
		if g.DBID == dbid {
			return path, true
		}
	}
	return "", false
}

// GetQueueStats aggregates count/images/bytes per status.
func (m *Manager) GetQueueStats() map[model.Status]QueueStat {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[model.Status]QueueStat)
	for _, g := range m.items {
		s := stats[g.Status]
		s.Count++
		s.Images += g.TotalImages
		s.Bytes += g.TotalSize
		stats[g.Status] = s
	}
	return stats
}

// ExecuteAutoArchive is the one canonical auto-archive sweep (§9 Design
// Note): galleries completed for longer than the configured window move
// into the "Archive" system tab. Both an external caller and the daemon's
// periodic ticker in cmd/imxupd may invoke this.
func (m *Manager) ExecuteAutoArchive() int {
	now := time.Now()

	m.mu.Lock()
	var moved []*model.Gallery
	for _, g := range m.items {
		if g.Status != model.StatusCompleted || g.TabName == archiveTabName || g.FinishedAt.IsZero() {
			continue
		}
		if now.Sub(g.FinishedAt) < m.archiveAfter {
			continue
		}
		g.TabName = archiveTabName
		moved = append(moved, g.Clone())
	}
	if len(moved) > 0 {
		m.bumpVersion()
	}
	m.mu.Unlock()

	if len(moved) == 0 {
		return 0
	}

	m.store.BulkUpsertAsync(moved)
	for _, g := range moved {
		m.hub.Publish(events.Event{Kind: events.KindGalleryArchived, GalleryPath: g.Path, Data: g.GalleryID})
	}
	return len(moved)
}

func (m *Manager) enqueueScan(path string, additive bool) {
	select {
	case m.scanQueue <- scanRequest{Path: path, Additive: additive}:
	default:
		m.logger.Warn("scan queue full, dropping duplicate coalesces naturally on next pass", "path", path)
	}
}
