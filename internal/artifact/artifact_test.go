package artifact

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imxup/internal/logging"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	var buf bytes.Buffer
	cfg := logging.DefaultConfig()
	cfg.Output = &buf
	l, err := logging.New("artifact-test", cfg)
	require.NoError(t, err)
	return l
}

func TestRenderTemplateSubstitutesAllPlaceholders(t *testing.T) {
	out := RenderTemplate("[size=4]#folderName#[/size] (#pictureCount# pics, #width#x#height#) #galleryLink#", RenderContext{
		FolderName:   "Vacation",
		PictureCount: 12,
		Width:        1920,
		Height:       1080,
		GalleryLink:  "https://host/gallery/g1",
	})
	assert.Equal(t, "[size=4]Vacation[/size] (12 pics, 1920x1080) https://host/gallery/g1", out)
}

func TestWriteProducesCentralAndGalleryCopies(t *testing.T) {
	central := t.TempDir()
	galleryPath := t.TempDir()

	w := New(central, testLogger(t))
	written := w.Write(galleryPath, Manifest{
		GalleryID:    "g42",
		GalleryURL:   "https://host/gallery/g42",
		TemplateName: "default",
		Images: []ImageRecord{
			{OriginalFilename: "1.jpg", SizeBytes: 100, Width: 800, Height: 600},
		},
	}, "#folderName# #galleryLink#", RenderContext{
		FolderName:  filepath.Base(galleryPath),
		GalleryLink: "https://host/gallery/g42",
	})

	require.Len(t, written, 4) // json+bbcode, each in central dir and .uploaded/

	expectName := filepath.Base(galleryPath) + "_g42.json"
	data, err := os.ReadFile(filepath.Join(central, expectName))
	require.NoError(t, err)

	var m Manifest
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "g42", m.GalleryID)
	assert.Len(t, m.Images, 1)

	_, err = os.Stat(filepath.Join(galleryPath, ".uploaded", expectName))
	assert.NoError(t, err)
}

func TestWriteFallsBackToNameWithoutGalleryID(t *testing.T) {
	central := t.TempDir()
	galleryPath := t.TempDir()
	name := filepath.Base(galleryPath)

	w := New(central, testLogger(t))
	written := w.Write(galleryPath, Manifest{}, "x", RenderContext{})
	require.NotEmpty(t, written)

	_, err := os.Stat(filepath.Join(central, name+".json"))
	assert.NoError(t, err)
}
