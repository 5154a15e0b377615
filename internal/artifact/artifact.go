// Package artifact writes the JSON manifest and rendered BBCode text that
// mark a gallery as durably uploaded, to both the central artifact
// directory and a .uploaded/ subfolder inside the gallery itself. Template
// rendering uses strings.Replacer rather than text/template: the
// placeholder set is a small closed vocabulary of literal tokens with no
// control flow, which is exactly what Replacer is for — see DESIGN.md for
// why text/template would be the wrong tool here.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"imxup/internal/logging"
)

// ImageRecord is one uploaded image as it appears in the JSON manifest.
type ImageRecord struct {
	OriginalFilename string `json:"original_filename"`
	SizeBytes        int64  `json:"size_bytes"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	ImageURL         string `json:"image_url"`
	ThumbnailURL     string `json:"thumbnail_url"`
	BBCode           string `json:"bbcode"`
}

// Manifest is the full JSON artifact for one completed gallery.
type Manifest struct {
	GalleryID    string        `json:"gallery_id"`
	GalleryURL   string        `json:"gallery_url"`
	CreatedAt    time.Time     `json:"created_ts"`
	TemplateName string        `json:"template_name"`
	Images       []ImageRecord `json:"images"`
	Custom       [4]string     `json:"custom"`
	Ext          [4]string     `json:"ext"`
}

// RenderContext supplies the values substituted into template placeholders.
type RenderContext struct {
	FolderName   string
	PictureCount int
	Width        int
	Height       int
	Longest      string // basename of the largest image
	Extension    string // dominant file extension, e.g. ".jpg"
	FolderSize   int64
	GalleryLink  string
	AllImages    string // pre-joined BBCode for every image
}

// Writer writes manifest/BBCode artifacts to the configured locations.
type Writer struct {
	centralDir string
	logger     *logging.Logger
}

// New returns a Writer that places central copies under centralDir.
func New(centralDir string, logger *logging.Logger) *Writer {
	return &Writer{centralDir: centralDir, logger: logger}
}

// artifactBaseName mirrors spec.md's naming rule: "{name}_{gallery_id}"
// when the host assigned an id, else bare "{name}".
func artifactBaseName(name, galleryID string) string {
	if galleryID == "" {
		return name
	}
	return fmt.Sprintf("%s_%s", name, galleryID)
}

// Write renders and writes the JSON manifest and BBCode text to both the
// central directory and the gallery's own .uploaded/ subfolder. It never
// returns an error that should fail the upload: every I/O failure is
// logged and skipped, and the list of paths that did succeed is returned.
func (w *Writer) Write(galleryPath string, manifest Manifest, template string, renderCtx RenderContext) []string {
	base := artifactBaseName(galleryName(galleryPath), manifest.GalleryID)

	jsonData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		w.logger.Warn("artifact: marshal manifest failed", "gallery", galleryPath, "err", err)
		return nil
	}

	bbcode := RenderTemplate(template, renderCtx)

	var written []string

	central := []struct {
		name string
		data []byte
	}{
		{base + ".json", jsonData},
		{base + "_bbcode.txt", []byte(bbcode)},
	}

	for _, dir := range []string{w.centralDir, filepath.Join(galleryPath, ".uploaded")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			w.logger.Warn("artifact: mkdir failed", "dir", dir, "err", err)
			continue
		}
		for _, f := range central {
			path := filepath.Join(dir, f.name)
			if err := os.WriteFile(path, f.data, 0o644); err != nil {
				w.logger.Warn("artifact: write failed", "path", path, "err", err)
				continue
			}
			written = append(written, path)
		}
	}

	return written
}

// ReadManifestURLs loads the central JSON manifest for a completed gallery
// and returns every per-image URL it recorded, for callers (the Rename
// Worker's status checker) that need to re-verify a gallery's images are
// still online without re-deriving them from the upload results.
func (w *Writer) ReadManifestURLs(galleryPath, galleryName_, galleryID string) ([]string, error) {
	base := artifactBaseName(galleryName_, galleryID)
	data, err := os.ReadFile(filepath.Join(w.centralDir, base+".json"))
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	urls := make([]string, 0, len(manifest.Images))
	for _, img := range manifest.Images {
		if img.ImageURL != "" {
			urls = append(urls, img.ImageURL)
		}
	}
	return urls, nil
}

func galleryName(path string) string {
	return filepath.Base(strings.TrimRight(path, string(filepath.Separator)))
}

// RenderTemplate substitutes the closed set of #placeholder# tokens using
// strings.Replacer — fixed literal tokens, no conditionals or loops, so a
// single replacement pass is both simpler and faster than parsing a
// text/template program for it.
func RenderTemplate(template string, c RenderContext) string {
	replacer := strings.NewReplacer(
		"#folderName#", c.FolderName,
		"#pictureCount#", strconv.Itoa(c.PictureCount),
		"#width#", strconv.Itoa(c.Width),
		"#height#", strconv.Itoa(c.Height),
		"#longest#", c.Longest,
		"#extension#", c.Extension,
		"#folderSize#", strconv.FormatInt(c.FolderSize, 10),
		"#galleryLink#", c.GalleryLink,
		"#allImages#", c.AllImages,
	)
	return replacer.Replace(template)
}
