package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imxup/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "imxup.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCrashRecoveryRewritesUploadingToReady(t *testing.T) {
	path := filepath.Join(t.TempDir(), "imxup.db")
	s, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, s.BulkUpsert([]*model.Gallery{
		{Path: "/g/a", Status: model.StatusUploading},
	}))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	all, err := s2.LoadAllGalleries()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, model.StatusReady, all[0].Status)
}

func TestBulkUpsertDedupesByPathKeepsLatest(t *testing.T) {
	s := openTestStore(t)

	err := s.BulkUpsert([]*model.Gallery{
		{Path: "/g/a", Status: model.StatusReady, Progress: 10},
		{Path: "/g/a", Status: model.StatusUploading, Progress: 90},
	})
	require.NoError(t, err)

	all, err := s.LoadAllGalleries()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 90, all[0].Progress)
}

func TestUpdateCustomFieldPersists(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.BulkUpsert([]*model.Gallery{{Path: "/g/a"}}))

	require.NoError(t, s.UpdateCustomField("/g/a", model.Custom2, "tagged"))

	all, err := s.LoadAllGalleries()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "tagged", all[0].Custom[model.Custom2])
}

func TestFileHostPendingStatsAggregatesByHost(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutFileHostUpload(&model.FileHostUpload{GalleryDBID: 1, HostName: "host-a", Status: model.FileHostPending}))
	require.NoError(t, s.PutFileHostUpload(&model.FileHostUpload{GalleryDBID: 2, HostName: "host-a", Status: model.FileHostFailed}))
	require.NoError(t, s.PutFileHostUpload(&model.FileHostUpload{GalleryDBID: 3, HostName: "host-b", Status: model.FileHostUploading}))

	stats, err := s.GetFileHostPendingStats()
	require.NoError(t, err)
	require.Len(t, stats, 2)

	byHost := make(map[string]FileHostPendingStats, len(stats))
	for _, st := range stats {
		byHost[st.HostName] = st
	}
	assert.Equal(t, 1, byHost["host-a"].Pending)
	assert.Equal(t, 1, byHost["host-a"].Failed)
	assert.Equal(t, 1, byHost["host-b"].Pending)
}

func TestRecordPeakThroughputKeepsMax(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	require.NoError(t, s.RecordPeakThroughput(500, now))
	require.NoError(t, s.RecordPeakThroughput(300, now.Add(time.Minute))) // should not overwrite

	kibps, _, ok := s.PeakThroughput()
	require.True(t, ok)
	assert.Equal(t, float64(500), kibps)
}

func TestInitializeDefaultTabsIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.InitializeDefaultTabs())
	require.NoError(t, s.UpsertTab(&model.Tab{Name: "Main", SortOrder: 5})) // user reorders Main

	require.NoError(t, s.InitializeDefaultTabs())

	tabs, err := s.ListTabs()
	require.NoError(t, err)
	var def *model.Tab
	for _, tab := range tabs {
		if tab.Name == "Main" {
			def = tab
		}
	}
	require.NotNil(t, def)
	assert.Equal(t, 5, def.SortOrder) // untouched by the second init call
}

func TestGetFileHostUploadsFiltersByGalleryDBID(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutFileHostUpload(&model.FileHostUpload{GalleryDBID: 1, HostName: "host-a", Status: model.FileHostCompleted}))
	require.NoError(t, s.PutFileHostUpload(&model.FileHostUpload{GalleryDBID: 2, HostName: "host-a", Status: model.FileHostPending}))
	require.NoError(t, s.PutFileHostUpload(&model.FileHostUpload{GalleryDBID: 1, HostName: "host-b", Status: model.FileHostFailed}))

	uploads, err := s.GetFileHostUploads(1)
	require.NoError(t, err)
	require.Len(t, uploads, 2)
	hosts := map[string]bool{}
	for _, u := range uploads {
		hosts[u.HostName] = true
	}
	assert.True(t, hosts["host-a"])
	assert.True(t, hosts["host-b"])
}

func TestMoveGalleriesToTabReassignsAndDeleteTabRemovesDefinition(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.BulkUpsert([]*model.Gallery{
		{Path: "/g/a", TabName: "Main"},
		{Path: "/g/b", TabName: "Main"},
	}))
	require.NoError(t, s.UpsertTab(&model.Tab{Name: "Archive", SortOrder: 1}))

	require.NoError(t, s.MoveGalleriesToTab([]string{"/g/a", "/g/b"}, "Archive"))

	all, err := s.LoadAllGalleries()
	require.NoError(t, err)
	for _, g := range all {
		assert.Equal(t, "Archive", g.TabName)
	}

	require.NoError(t, s.DeleteTab("Archive"))
	tabs, err := s.ListTabs()
	require.NoError(t, err)
	for _, tab := range tabs {
		assert.NotEqual(t, "Archive", tab.Name)
	}
}

func TestPutImagesDoesNotError(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.BulkUpsert([]*model.Gallery{{Path: "/g/a"}}))
	err := s.PutImages("/g/a", []model.Image{{Path: "/g/a/1.jpg", Size: 100}})
	require.NoError(t, err)
}

func TestBulkUpsertAsyncEventuallyPersists(t *testing.T) {
	s := openTestStore(t)
	s.BulkUpsertAsync([]*model.Gallery{{Path: "/g/async", Status: model.StatusReady}})

	require.Eventually(t, func() bool {
		all, err := s.LoadAllGalleries()
		return err == nil && len(all) == 1
	}, 2*time.Second, 20*time.Millisecond)
}
