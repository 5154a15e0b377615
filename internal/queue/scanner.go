package queue

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"imxup/internal/config"
	"imxup/internal/events"
	"imxup/internal/model"
)

// recognizedExtensions is the closed set of image extensions the scanner
// enumerates, matching original_source/src/core/constants.py.
var recognizedExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
}

// scanResult is what one folder scan produced.
type scanResult struct {
	Images    []model.Image
	TotalSize int64
	AvgWidth  int
	AvgHeight int
}

// scannerLoop drains scan requests one at a time until Stop is called.
// Multiple requests for the same path may be queued (they coalesce
// naturally: the scan itself is idempotent and the last one to land wins
// in the items map).
func (m *Manager) scannerLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case req := <-m.scanQueue:
			m.runScan(req)
		}
	}
}

func (m *Manager) runScan(req scanRequest) {
	res, err := scanFolder(req.Path, m.cfg.Scanning)
	if err != nil {
		m.MarkScanFailed(req.Path, err.Error())
		return
	}

	m.mu.Lock()
	g, ok := m.items[req.Path]
	if !ok {
		m.mu.Unlock()
		return
	}
	old := g.Status

	// An additive rescan keeps every previously uploaded file that still
	// exists on disk; a fresh scan starts from nothing (AddItem galleries
	// have no uploads yet, and ResetGalleryComplete wipes them before
	// enqueueing).
	uploaded := make(map[string]struct{})
	if req.Additive {
		for _, img := range res.Images {
			base := filepath.Base(img.Path)
			if _, had := g.UploadedFiles[base]; had {
				uploaded[base] = struct{}{}
			}
		}
	}

	g.Images = res.Images
	g.TotalImages = len(res.Images)
	g.TotalSize = res.TotalSize
	g.AvgWidth = res.AvgWidth
	g.AvgHeight = res.AvgHeight
	g.ScanDone = true
	g.UploadedFiles = uploaded
	g.UploadedImages = len(uploaded)

	switch {
	case g.UploadedImages > 0 && g.UploadedImages < g.TotalImages:
		g.Status = model.StatusIncomplete
	default:
		g.Status = model.StatusReady
	}

	m.persistLocked(g)
	m.bumpVersion()
	newStatus := g.Status
	m.mu.Unlock()

	m.hub.Publish(events.Event{Kind: events.KindStatusChanged, GalleryPath: req.Path, Data: StatusChange{Old: old, New: newStatus}})
}

// scanFolder enumerates recognized image files directly under path (no
// recursion), validates each with a cheap header decode, and computes
// total size plus avg_width/avg_height from a sampled subset so the
// engine never has to decode every image in a large gallery.
func scanFolder(path string, cfg config.ScanningConfig) (scanResult, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return scanResult{}, fmt.Errorf("read gallery folder: %w", err)
	}

	type candidate struct {
		path string
		info os.FileInfo
	}
	var candidates []candidate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !recognizedExtensions[ext] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{path: filepath.Join(path, e.Name()), info: info})
	}

	if len(candidates) == 0 {
		return scanResult{}, fmt.Errorf("no recognized image files in %s", path)
	}

	var images []model.Image
	var totalSize int64
	for _, c := range candidates {
		if !quickImageHeaderValid(c.path) {
			continue
		}
		images = append(images, model.Image{
			Path:       c.path,
			Size:       c.info.Size(),
			ModifiedAt: c.info.ModTime(),
		})
		totalSize += c.info.Size()
	}

	if len(images) == 0 {
		return scanResult{}, fmt.Errorf("no valid images in %s", path)
	}

	avgW, avgH := sampleAverageDimensions(images, cfg)

	return scanResult{Images: images, TotalSize: totalSize, AvgWidth: avgW, AvgHeight: avgH}, nil
}

// quickImageHeaderValid decodes only the image header (no pixel data) to
// confirm the file is a real, recognized-format image.
func quickImageHeaderValid(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	_, _, err = image.DecodeConfig(f)
	return err == nil
}

// sampleAverageDimensions picks a bounded subset of images (after applying
// the configured exclusion rules), decodes each one's header, and averages
// width/height by the configured method. Returns 0,0 if nothing could be
// decoded — callers tolerate that; it only affects a display hint.
func sampleAverageDimensions(images []model.Image, cfg config.ScanningConfig) (int, int) {
	pool := applyExclusions(images, cfg)
	if len(pool) == 0 {
		pool = images
	}

	n := sampleSize(len(pool), cfg)
	sampled := evenlySpaced(pool, n)

	var widths, heights []int
	for _, img := range sampled {
		w, h, ok := decodeDimensions(img.Path)
		if !ok {
			continue
		}
		widths = append(widths, w)
		heights = append(heights, h)
	}
	if len(widths) == 0 {
		return 0, 0
	}

	if cfg.AverageMethod == "median" {
		return median(widths), median(heights)
	}
	return mean(widths), mean(heights)
}

func applyExclusions(images []model.Image, cfg config.ScanningConfig) []model.Image {
	out := make([]model.Image, len(images))
	copy(out, images)

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	if len(cfg.ExcludePatterns) > 0 {
		filtered := out[:0]
		for _, img := range out {
			excluded := false
			base := filepath.Base(img.Path)
			for _, pat := range cfg.ExcludePatterns {
				if ok, _ := filepath.Match(pat, base); ok {
					excluded = true
					break
				}
			}
			if !excluded {
				filtered = append(filtered, img)
			}
		}
		out = filtered
	}

	if cfg.ExcludeSmallImages && cfg.ExcludeSmallThreshold > 0 {
		filtered := out[:0]
		for _, img := range out {
			if img.Size >= cfg.ExcludeSmallThreshold {
				filtered = append(filtered, img)
			}
		}
		out = filtered
	}

	if cfg.ExcludeFirst && len(out) > 1 {
		out = out[1:]
	}
	if cfg.ExcludeLast && len(out) > 1 {
		out = out[:len(out)-1]
	}

	if cfg.ExcludeOutliers && len(out) >= 5 {
		trimmed := make([]model.Image, len(out))
		copy(trimmed, out)
		sort.Slice(trimmed, func(i, j int) bool { return trimmed[i].Size < trimmed[j].Size })
		cut := len(trimmed) / 10
		if cut > 0 {
			trimmed = trimmed[cut : len(trimmed)-cut]
		}
		out = trimmed
	}

	return out
}

func sampleSize(poolLen int, cfg config.ScanningConfig) int {
	if cfg.SamplingMethod == config.SamplingPercentage && cfg.SamplingPercentage > 0 {
		n := int(float64(poolLen) * cfg.SamplingPercentage / 100.0)
		if n < 1 {
			n = 1
		}
		return n
	}
	n := cfg.SamplingFixedCount
	if n <= 0 {
		n = 25
	}
	if n > poolLen {
		n = poolLen
	}
	return n
}

func evenlySpaced(pool []model.Image, n int) []model.Image {
	if n >= len(pool) {
		return pool
	}
	if n <= 0 {
		return nil
	}
	out := make([]model.Image, 0, n)
	step := float64(len(pool)) / float64(n)
	for i := 0; i < n; i++ {
		idx := int(float64(i) * step)
		if idx >= len(pool) {
			idx = len(pool) - 1
		}
		out = append(out, pool[idx])
	}
	return out
}

func decodeDimensions(path string) (int, int, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, false
	}
	return cfg.Width, cfg.Height, true
}

func mean(vals []int) int {
	if len(vals) == 0 {
		return 0
	}
	var sum int
	for _, v := range vals {
		sum += v
	}
	return sum / len(vals)
}

func median(vals []int) int {
	if len(vals) == 0 {
		return 0
	}
	sorted := make([]int, len(vals))
	copy(sorted, vals)
	sort.Ints(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
