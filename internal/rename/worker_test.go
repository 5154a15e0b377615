package rename

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imxup/internal/events"
	"imxup/internal/logging"
	"imxup/internal/model"
	"imxup/internal/store"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	var buf bytes.Buffer
	cfg := logging.DefaultConfig()
	cfg.Output = &buf
	l, err := logging.New("rename-test", cfg)
	require.NoError(t, err)
	return l
}

func TestIsChallengeTitleRecognizesKnownInterstitials(t *testing.T) {
	cases := []struct {
		title string
		want  bool
	}{
		{"Just a moment...", true},
		{"Attention Required! | Cloudflare", true},
		{"DDoS protection by X", true},
		{"Checking your browser before accessing", true},
		{"Edit Gallery - example host", false},
		{"", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, isChallengeTitle(c.title), "title=%q", c.title)
	}
}

func TestSanitizeNameStripsForbiddenCharsAndCollapsesSpaces(t *testing.T) {
	got := SanitizeName(`my:gallery/<name>   with   spaces`)
	assert.Equal(t, "mygalleryname with spaces", got)
}

// newTestWorker builds a Worker pointed at srv with a fresh store. It leaves
// the worker unauthenticated: tests that skip Authenticate set
// w.authenticated themselves, and the HTTP-level tests below exercise
// authentication separately.
func newTestWorker(t *testing.T, srv *httptest.Server) (*Worker, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "imxup.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	hub := events.NewHub()
	w, err := New(srv.URL, Credentials{}, nil, st, hub, testLogger(t))
	require.NoError(t, err)
	return w, st
}

func TestRenameSucceedsAgainstLiveSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/user/gallery/edit":
			rw.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.Path == "/user/gallery/edit":
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "new name", r.FormValue("gallery_name"))
			rw.WriteHeader(http.StatusOK)
		default:
			rw.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	w, _ := newTestWorker(t, srv)
	err := w.Rename(context.Background(), "g1", "new name")
	require.NoError(t, err)
}

func TestEnqueuePersistsThenDrainsAndRenames(t *testing.T) {
	var renamed bool
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/user/gallery/edit":
			rw.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.Path == "/user/gallery/edit":
			renamed = true
			rw.WriteHeader(http.StatusOK)
		default:
			rw.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	w, st := newTestWorker(t, srv)
	w.authenticated = true // skip the three-tier login dance for this test

	w.Enqueue("g1", "final name")

	pending, err := st.ListUnnamedGalleries()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "g1", pending[0].GalleryID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go w.Run(ctx)

	require.Eventually(t, func() bool { return renamed }, time.Second, 10*time.Millisecond)
	cancel()

	require.Eventually(t, func() bool {
		left, err := st.ListUnnamedGalleries()
		return err == nil && len(left) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestDrainUnnamedRetriesPersistedRequestsOnStartup(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/user/gallery/edit":
			rw.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.Path == "/user/gallery/edit":
			calls++
			rw.WriteHeader(http.StatusOK)
		default:
			rw.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	w, st := newTestWorker(t, srv)
	w.authenticated = true
	require.NoError(t, st.PutUnnamedGallery(&model.UnnamedGallery{
		GalleryID:   "g-pending",
		DesiredName: "pending name",
		CreatedAt:   time.Now(),
	}))

	w.DrainUnnamed(context.Background())

	assert.Equal(t, 1, calls)
	left, err := st.ListUnnamedGalleries()
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestLoginWithFormDetectsDDoSChallengePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte(`<html><head><title>Just a moment...</title></head><body></body></html>`))
	}))
	defer srv.Close()

	w, _ := newTestWorker(t, srv)
	w.credentials = Credentials{Username: "user", Password: "pass"}

	err := w.loginWithForm(context.Background())
	require.ErrorIs(t, err, ErrDDoSChallenge)
}

func TestProcessRenameLeavesUnnamedRowOnDDoSChallenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte(`<html><head><title>Attention Required!</title></head></html>`))
	}))
	defer srv.Close()

	w, st := newTestWorker(t, srv)
	w.credentials = Credentials{Username: "user", Password: "pass"}

	w.processRename(context.Background(), "g2", "wanted name")

	pending, err := st.ListUnnamedGalleries()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "g2", pending[0].GalleryID)
	assert.False(t, w.authenticated)
}
