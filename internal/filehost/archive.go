package filehost

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// CreateStoreZip archives every regular file under galleryPath, walking
// subfolders recursively and keeping their relative paths, into a new temp file using zip's Store method (no compression): the
// spec calls for speed over size here, since the archive is immediately
// re-uploaded over the network.
func CreateStoreZip(ctx context.Context, galleryPath string) (path string, cleanup func(), err error) {
	f, err := os.CreateTemp("", "imxup-filehost-*.zip")
	if err != nil {
		return "", nil, fmt.Errorf("create temp zip: %w", err)
	}
	tmpPath := f.Name()

	zw := zip.NewWriter(f)
	walkErr := filepath.WalkDir(galleryPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, err := filepath.Rel(galleryPath, p)
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		hdr.Method = zip.Store

		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		src, err := os.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	})

	closeErr := zw.Close()
	f.Close()

	if walkErr != nil || closeErr != nil {
		os.Remove(tmpPath)
		if walkErr != nil {
			return "", nil, fmt.Errorf("archive gallery: %w", walkErr)
		}
		return "", nil, fmt.Errorf("finalize zip: %w", closeErr)
	}

	return tmpPath, func() { RemoveWithRetry(tmpPath) }, nil
}

// RemoveWithRetry deletes path, retrying up to 5 times with exponential
// backoff (0.1s, 0.2s, 0.4s, 0.8s, 1.6s) because an external process — a
// previous hook, an antivirus scanner — may briefly hold the file open.
func RemoveWithRetry(path string) {
	delay := 100 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		err := os.Remove(path)
		if err == nil || os.IsNotExist(err) {
			return
		}
		time.Sleep(delay)
		delay *= 2
	}
}
