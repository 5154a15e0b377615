package queue

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imxup/internal/config"
	"imxup/internal/model"
)

func TestScanFolderRejectsEmptyDirectory(t *testing.T) {
	dir := t.TempDir()
	_, err := scanFolder(dir, config.ScanningConfig{})
	assert.Error(t, err)
}

func TestScanFolderSkipsUnrecognizedExtensionsAndCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.gif"), tinyGIF, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.png"), []byte("not a png"), 0o644))

	res, err := scanFolder(dir, config.ScanningConfig{SamplingFixedCount: 25})
	require.NoError(t, err)
	require.Len(t, res.Images, 1)
	assert.Equal(t, filepath.Join(dir, "a.gif"), res.Images[0].Path)
}

func TestScanFolderSumsTotalSize(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.gif"), tinyGIF, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.gif"), tinyGIF, 0o644))

	res, err := scanFolder(dir, config.ScanningConfig{SamplingFixedCount: 25})
	require.NoError(t, err)
	assert.Equal(t, int64(len(tinyGIF)*2), res.TotalSize)
}

func imagesNamed(names ...string) []model.Image {
	out := make([]model.Image, len(names))
	for i, n := range names {
		out[i] = model.Image{Path: n, Size: int64(100 + i)}
	}
	return out
}

func TestApplyExclusionsDropsPatternMatches(t *testing.T) {
	imgs := imagesNamed("a/cover.jpg", "a/page1.jpg", "a/page2.jpg")
	cfg := config.ScanningConfig{ExcludePatterns: []string{"cover.*"}}
	out := applyExclusions(imgs, cfg)
	require.Len(t, out, 2)
	for _, img := range out {
		assert.NotContains(t, img.Path, "cover")
	}
}

func TestApplyExclusionsDropsFirstAndLast(t *testing.T) {
	imgs := imagesNamed("a/1.jpg", "a/2.jpg", "a/3.jpg", "a/4.jpg")
	cfg := config.ScanningConfig{ExcludeFirst: true, ExcludeLast: true}
	out := applyExclusions(imgs, cfg)
	require.Len(t, out, 2)
	assert.Equal(t, "a/2.jpg", out[0].Path)
	assert.Equal(t, "a/3.jpg", out[1].Path)
}

func TestApplyExclusionsDropsSmallImages(t *testing.T) {
	imgs := []model.Image{
		{Path: "small.jpg", Size: 100},
		{Path: "big.jpg", Size: 10000},
	}
	cfg := config.ScanningConfig{ExcludeSmallImages: true, ExcludeSmallThreshold: 1024}
	out := applyExclusions(imgs, cfg)
	require.Len(t, out, 1)
	assert.Equal(t, "big.jpg", out[0].Path)
}

func TestSampleSizeHonorsFixedCountAndCapsAtPoolLength(t *testing.T) {
	cfg := config.ScanningConfig{SamplingMethod: config.SamplingFixedCount, SamplingFixedCount: 3}
	assert.Equal(t, 3, sampleSize(10, cfg))
	assert.Equal(t, 2, sampleSize(2, cfg), "fixed count must not exceed the pool")
}

func TestSampleSizeHonorsPercentage(t *testing.T) {
	cfg := config.ScanningConfig{SamplingMethod: config.SamplingPercentage, SamplingPercentage: 50}
	assert.Equal(t, 5, sampleSize(10, cfg))
}

func TestEvenlySpacedReturnsWholePoolWhenNGreaterOrEqual(t *testing.T) {
	pool := imagesNamed("1", "2", "3")
	out := evenlySpaced(pool, 5)
	assert.Len(t, out, 3)
}

func TestEvenlySpacedPicksNDistinctPositions(t *testing.T) {
	pool := imagesNamed("1", "2", "3", "4", "5", "6", "7", "8", "9", "10")
	out := evenlySpaced(pool, 4)
	assert.Len(t, out, 4)
}

func TestMeanAndMedian(t *testing.T) {
	assert.Equal(t, 0, mean(nil))
	assert.Equal(t, 20, mean([]int{10, 20, 30}))
	assert.Equal(t, 20, median([]int{30, 10, 20}))
	assert.Equal(t, 25, median([]int{10, 20, 30, 40}))
}
