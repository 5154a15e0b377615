// Package store persists galleries, images, file-host uploads, tabs and
// peak-throughput stats in a bbolt database, following the teacher pack's
// bolt-backed upload manager: one bucket per record kind, JSON-encoded
// values keyed by a stable primary key, and a crash-recovery pass on open
// that rewrites any record left mid-flight back to a resumable state.
package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"imxup/internal/model"
)

var (
	bucketGalleries       = []byte("galleries")
	bucketImages          = []byte("images")
	bucketFileHostUploads = []byte("file_host_uploads")
	bucketTabs            = []byte("tabs")
	bucketUnnamed         = []byte("unnamed_galleries")
	bucketStats           = []byte("stats")
)

const statsKeyFastestKibps = "fastest_kbps"
const statsKeyFastestKibpsAt = "fastest_kbps_timestamp"

// Store is the durable backing for every gallery, image and stat imxup
// tracks. A single background writer serializes mutations; readers take a
// bolt read transaction directly, matching the teacher's "single writer
// task, short-lived reader locks" split.
type Store struct {
	db *bolt.DB

	writeMu  sync.Mutex
	pending  map[string]*model.Gallery // path -> latest pending write, deduped
	flushSig chan struct{}
	closing  chan struct{}
	wg       sync.WaitGroup
}

// Open creates (if absent) and opens the bbolt database at path, ensures
// every bucket exists, and rewrites any gallery left "uploading" back to
// "ready" — a crash while uploading means the in-flight bytes are gone but
// the gallery itself is still eligible for a fresh attempt.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketGalleries, bucketImages, bucketFileHostUploads, bucketTabs, bucketUnnamed, bucketStats} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	s := &Store{
		db:       db,
		pending:  make(map[string]*model.Gallery),
		flushSig: make(chan struct{}, 1),
		closing:  make(chan struct{}),
	}

	if err := s.recoverCrashedUploads(); err != nil {
		db.Close()
		return nil, err
	}

	s.wg.Add(1)
	go s.writerLoop()

	return s, nil
}

// Close stops the background writer, flushing any pending writes first.
func (s *Store) Close() error {
	close(s.closing)
	s.wg.Wait()
	return s.db.Close()
}

func (s *Store) recoverCrashedUploads() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGalleries)
		var toFix []*model.Gallery
		err := b.ForEach(func(k, v []byte) error {
			var g model.Gallery
			if err := json.Unmarshal(v, &g); err != nil {
				return nil // skip corrupt record rather than fail startup
			}
			if g.Status == model.StatusUploading {
				g.Status = model.StatusReady
				toFix = append(toFix, &g)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, g := range toFix {
			data, err := json.Marshal(g)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(g.Path), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadAllGalleries returns every persisted gallery, in no particular order.
func (s *Store) LoadAllGalleries() ([]*model.Gallery, error) {
	var out []*model.Gallery
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGalleries)
		return b.ForEach(func(k, v []byte) error {
			var g model.Gallery
			if err := json.Unmarshal(v, &g); err != nil {
				return nil
			}
			out = append(out, &g)
			return nil
		})
	})
	return out, err
}

// BulkUpsert writes galleries synchronously, deduplicating by path and
// keeping only the latest value passed for a given path.
func (s *Store) BulkUpsert(galleries []*model.Gallery) error {
	latest := dedupeByPath(galleries)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGalleries)
		for path, g := range latest {
			data, err := json.Marshal(g)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(path), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// BulkUpsertAsync queues galleries for the background writer and returns
// immediately. Multiple calls for the same path before the writer wakes
// collapse to the most recent value.
func (s *Store) BulkUpsertAsync(galleries []*model.Gallery) {
	s.writeMu.Lock()
	for path, g := range dedupeByPath(galleries) {
		s.pending[path] = g
	}
	s.writeMu.Unlock()

	select {
	case s.flushSig <- struct{}{}:
	default:
	}
}

func dedupeByPath(galleries []*model.Gallery) map[string]*model.Gallery {
	latest := make(map[string]*model.Gallery, len(galleries))
	for _, g := range galleries {
		latest[g.Path] = g
	}
	return latest
}

func (s *Store) writerLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	flush := func() {
		s.writeMu.Lock()
		if len(s.pending) == 0 {
			s.writeMu.Unlock()
			return
		}
		batch := s.pending
		s.pending = make(map[string]*model.Gallery)
		s.writeMu.Unlock()

		galleries := make([]*model.Gallery, 0, len(batch))
		for _, g := range batch {
			galleries = append(galleries, g)
		}
		if err := s.BulkUpsert(galleries); err != nil {
			// Put the batch back so the next tick retries it, unless a newer
			// value for the same path was queued in the meantime.
			s.writeMu.Lock()
			for path, g := range batch {
				if _, newer := s.pending[path]; !newer {
					s.pending[path] = g
				}
			}
			s.writeMu.Unlock()
		}
	}

	for {
		select {
		case <-s.flushSig:
			flush()
		case <-ticker.C:
			flush()
		case <-s.closing:
			flush()
			return
		}
	}
}

// DeleteByPaths removes galleries (and their images) for the given paths.
func (s *Store) DeleteByPaths(paths []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		gb := tx.Bucket(bucketGalleries)
		ib := tx.Bucket(bucketImages)
		for _, p := range paths {
			if err := gb.Delete([]byte(p)); err != nil {
				return err
			}
			if err := ib.Delete([]byte(p)); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateCustomField sets one of a gallery's eight custom/ext fields and
// persists it immediately (update_custom_field writes synchronously, not
// through the batched writer, since the UI expects the change to stick).
func (s *Store) UpdateCustomField(path string, field model.CustomField, value string) error {
	if !field.Valid() {
		return fmt.Errorf("invalid custom field %d", field)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGalleries)
		raw := b.Get([]byte(path))
		if raw == nil {
			return fmt.Errorf("gallery %q not found", path)
		}
		var g model.Gallery
		if err := json.Unmarshal(raw, &g); err != nil {
			return err
		}
		g.SetField(field, value)
		data, err := json.Marshal(&g)
		if err != nil {
			return err
		}
		return b.Put([]byte(path), data)
	})
}

// PutImages replaces the persisted image list for a gallery.
func (s *Store) PutImages(galleryPath string, images []model.Image) error {
	data, err := json.Marshal(images)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketImages).Put([]byte(galleryPath), data)
	})
}

// GetFileHostUploads returns every file-host upload row for one gallery.
func (s *Store) GetFileHostUploads(galleryDBID int64) ([]*model.FileHostUpload, error) {
	var out []*model.FileHostUpload
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFileHostUploads)
		return b.ForEach(func(k, v []byte) error {
			var u model.FileHostUpload
			if err := json.Unmarshal(v, &u); err != nil {
				return nil
			}
			if u.GalleryDBID == galleryDBID {
				out = append(out, &u)
			}
			return nil
		})
	})
	return out, err
}

// GetAllFileHostUploadsBatch returns every file-host upload row, used by
// the File-Host Worker Pool to rebuild per-host pending queues on startup.
func (s *Store) GetAllFileHostUploadsBatch() ([]*model.FileHostUpload, error) {
	var out []*model.FileHostUpload
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFileHostUploads)
		return b.ForEach(func(k, v []byte) error {
			var u model.FileHostUpload
			if err := json.Unmarshal(v, &u); err == nil {
				out = append(out, &u)
			}
			return nil
		})
	})
	return out, err
}

// PutFileHostUpload upserts one (gallery, host) row keyed by "dbid/host".
func (s *Store) PutFileHostUpload(u *model.FileHostUpload) error {
	key := fileHostKey(u.GalleryDBID, u.HostName)
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFileHostUploads).Put(key, data)
	})
}

func fileHostKey(galleryDBID int64, host string) []byte {
	return []byte(fmt.Sprintf("%d/%s", galleryDBID, host))
}

// FileHostPendingStats summarizes outstanding file-host work per host name.
type FileHostPendingStats struct {
	HostName string
	Pending  int
	Failed   int
}

// GetFileHostPendingStats aggregates pending/failed counts by host.
func (s *Store) GetFileHostPendingStats() ([]FileHostPendingStats, error) {
	counts := make(map[string]*FileHostPendingStats)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFileHostUploads)
		return b.ForEach(func(k, v []byte) error {
			var u model.FileHostUpload
			if err := json.Unmarshal(v, &u); err != nil {
				return nil
			}
			st, ok := counts[u.HostName]
			if !ok {
				st = &FileHostPendingStats{HostName: u.HostName}
				counts[u.HostName] = st
			}
			switch u.Status {
			case model.FileHostFailed:
				st.Failed++
			case model.FileHostPending, model.FileHostUploading:
				st.Pending++
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	out := make([]FileHostPendingStats, 0, len(counts))
	for _, st := range counts {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HostName < out[j].HostName })
	return out, nil
}

// UpsertTab creates or replaces a tab definition.
func (s *Store) UpsertTab(t *model.Tab) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTabs).Put([]byte(t.Name), data)
	})
}

// ListTabs returns every tab, sorted by SortOrder.
func (s *Store) ListTabs() ([]*model.Tab, error) {
	var out []*model.Tab
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTabs).ForEach(func(k, v []byte) error {
			var t model.Tab
			if err := json.Unmarshal(v, &t); err == nil {
				out = append(out, &t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out, nil
}

// DeleteTab removes a tab definition. Callers are responsible for
// reassigning its galleries first.
func (s *Store) DeleteTab(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTabs).Delete([]byte(name))
	})
}

// MoveGalleriesToTab reassigns TabName on the given paths and persists them.
func (s *Store) MoveGalleriesToTab(paths []string, tabName string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGalleries)
		for _, p := range paths {
			raw := b.Get([]byte(p))
			if raw == nil {
				continue
			}
			var g model.Gallery
			if err := json.Unmarshal(raw, &g); err != nil {
				continue
			}
			g.TabName = tabName
			data, err := json.Marshal(&g)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(p), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// InitializeDefaultTabs ensures the built-in "Main" and "Archive" tabs
// exist, without clobbering user-renamed or reordered tabs.
func (s *Store) InitializeDefaultTabs() error {
	existing, err := s.ListTabs()
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, t := range existing {
		have[t.Name] = true
	}
	if !have["Main"] {
		if err := s.UpsertTab(&model.Tab{Name: "Main", SortOrder: 0, Type: model.TabSystem}); err != nil {
			return err
		}
	}
	if !have["Archive"] {
		if err := s.UpsertTab(&model.Tab{Name: "Archive", SortOrder: 1, Type: model.TabSystem, IsArchive: true}); err != nil {
			return err
		}
	}
	return nil
}

// PutUnnamedGallery records a gallery whose rename request has not yet
// succeeded, keyed by the primary host's gallery id.
func (s *Store) PutUnnamedGallery(u *model.UnnamedGallery) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUnnamed).Put([]byte(u.GalleryID), data)
	})
}

// DeleteUnnamedGallery removes a gallery id from the pending-rename table,
// called once a rename finally succeeds.
func (s *Store) DeleteUnnamedGallery(galleryID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUnnamed).Delete([]byte(galleryID))
	})
}

// ListUnnamedGalleries returns every gallery still awaiting a successful
// rename, for the Rename Worker to drain on startup.
func (s *Store) ListUnnamedGalleries() ([]*model.UnnamedGallery, error) {
	var out []*model.UnnamedGallery
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUnnamed).ForEach(func(k, v []byte) error {
			var u model.UnnamedGallery
			if err := json.Unmarshal(v, &u); err == nil {
				out = append(out, &u)
			}
			return nil
		})
	})
	return out, err
}

// RecordPeakThroughput persists a new fastest_kbps if it beats the stored
// one, alongside an ISO-formatted timestamp, matching the wire format spec.
func (s *Store) RecordPeakThroughput(kibps float64, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStats)
		cur := b.Get([]byte(statsKeyFastestKibps))
		if cur != nil {
			var prev float64
			if err := json.Unmarshal(cur, &prev); err == nil && prev >= kibps {
				return nil
			}
		}
		data, err := json.Marshal(kibps)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(statsKeyFastestKibps), data); err != nil {
			return err
		}
		return b.Put([]byte(statsKeyFastestKibpsAt), []byte(at.UTC().Format(time.RFC3339)))
	})
}

// PeakThroughput returns the persisted fastest_kbps and its timestamp, if any.
func (s *Store) PeakThroughput() (kibps float64, at time.Time, ok bool) {
	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStats)
		raw := b.Get([]byte(statsKeyFastestKibps))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &kibps); err != nil {
			return nil
		}
		ok = true
		if tsRaw := b.Get([]byte(statsKeyFastestKibpsAt)); tsRaw != nil {
			if t, err := time.Parse(time.RFC3339, string(tsRaw)); err == nil {
				at = t
			}
		}
		return nil
	})
	return kibps, at, ok
}
