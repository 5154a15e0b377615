// Package rename implements the single-threaded Rename Worker: it owns its
// own authenticated HTTP session (separate from the Upload Engine's
// API-only session), renames freshly created galleries, and runs batched
// image online-status checks. Re-auth rate limiting follows the teacher's
// CircuitBreaker shape — a mutex plus a last-attempt timestamp — applied
// to "don't stampede the login form" instead of "stop calling a failing
// service".
package rename

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"imxup/internal/events"
	"imxup/internal/logging"
	"imxup/internal/model"
	"imxup/internal/store"
)

const reauthFloor = 5 * time.Second
const renameQueueDepth = 256

// ErrDDoSChallenge signals that the host's login surface returned an
// interstitial bot-check page instead of the real login form. The worker
// cannot authenticate until the challenge clears on its own, so requests
// made during this condition fall back to the unnamed-gallery table and
// retry on the next startup (§8: AuthRequired row, "skip this cycle, retry
// next startup").
var ErrDDoSChallenge = errors.New("rename worker: host returned a ddos-challenge page")

// BrowserCookieSource extracts the host's session cookies from the user's
// installed browser, the second authentication tier. imxup ships no
// concrete implementation (no browser-cookie-store library is part of the
// dependency stack); a nil source simply skips this tier.
type BrowserCookieSource interface {
	CookiesForHost(host string) ([]*http.Cookie, error)
}

// Credentials is the login-form fallback, tier three.
type Credentials struct {
	Username string
	Password string
}

// renameRequest is one Enqueue call, processed by Run's serialized loop.
type renameRequest struct {
	GalleryID   string
	DesiredName string
}

// Worker owns one authenticated session against the primary host's web
// (non-API) surface. Rename requests are serialized through a single
// channel-fed loop: the host's rename endpoint is session-authenticated,
// so concurrent renames would otherwise race the same cookie jar.
type Worker struct {
	baseURL     string
	httpClient  *http.Client
	jar         *cookiejar.Jar
	credentials Credentials
	browser     BrowserCookieSource
	logger      *logging.Logger

	store *store.Store
	hub   *events.Hub

	requests chan renameRequest

	reauthMu      sync.Mutex
	lastReauthAt  time.Time
	authenticated bool
}

// New builds a Worker. browser may be nil. st persists the unnamed-gallery
// retry table; hub publishes rename outcomes for subscribers (st and hub
// may both be nil in tests that only exercise the HTTP surface).
func New(baseURL string, creds Credentials, browser BrowserCookieSource, st *store.Store, hub *events.Hub, logger *logging.Logger) (*Worker, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &Worker{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Jar: jar, Timeout: 90 * time.Second},
		jar:         jar,
		credentials: creds,
		browser:     browser,
		store:       st,
		hub:         hub,
		logger:      logger,
		requests:    make(chan renameRequest, renameQueueDepth),
	}, nil
}

// Enqueue submits a rename request, persisting it to the unnamed-gallery
// table first so a process crash before it is processed still retries it
// on the next DrainUnnamed. Implements upload.RenameRequester.
func (w *Worker) Enqueue(galleryID, desiredName string) {
	if w.store != nil {
		if err := w.store.PutUnnamedGallery(&model.UnnamedGallery{
			GalleryID:   galleryID,
			DesiredName: desiredName,
			CreatedAt:   time.Now(),
		}); err != nil {
			w.logger.Warn("rename: persist unnamed gallery failed", "gallery_id", galleryID, "err", err)
		}
	}

	select {
	case w.requests <- renameRequest{GalleryID: galleryID, DesiredName: desiredName}:
	default:
		w.logger.Warn("rename: request queue full, relying on unnamed-gallery drain", "gallery_id", galleryID)
	}
}

// Run drains DrainUnnamed once at startup, then serially processes
// Enqueue'd requests until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	w.DrainUnnamed(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.requests:
			w.processRename(ctx, req.GalleryID, req.DesiredName)
		}
	}
}

// DrainUnnamed retries every gallery still awaiting a successful rename,
// per §4.F.1 tier 4 / the UnnamedGallery model: "The Rename Worker drains
// this on startup."
func (w *Worker) DrainUnnamed(ctx context.Context) {
	if w.store == nil {
		return
	}
	pending, err := w.store.ListUnnamedGalleries()
	if err != nil {
		w.logger.Warn("rename: list unnamed galleries failed", "err", err)
		return
	}
	for _, u := range pending {
		if ctx.Err() != nil {
			return
		}
		w.processRename(ctx, u.GalleryID, u.DesiredName)
	}
}

// processRename authenticates if needed and attempts one rename, leaving
// (or re-inserting) the unnamed-gallery row on any failure so the next
// Run/DrainUnnamed retries it.
func (w *Worker) processRename(ctx context.Context, galleryID, desiredName string) {
	if !w.authenticated {
		if err := w.Authenticate(ctx); err != nil {
			if errors.Is(err, ErrDDoSChallenge) {
				w.logger.Warn("rename: skipped this cycle, ddos challenge active", "gallery_id", galleryID)
			} else {
				w.logger.Warn("rename: authentication failed", "gallery_id", galleryID, "err", err)
			}
			if w.store != nil {
				_ = w.store.PutUnnamedGallery(&model.UnnamedGallery{GalleryID: galleryID, DesiredName: desiredName, CreatedAt: time.Now()})
			}
			return
		}
	}

	if err := w.Rename(ctx, galleryID, desiredName); err != nil {
		w.logger.Warn("rename: failed, will retry on next drain", "gallery_id", galleryID, "err", err)
		if w.store != nil {
			_ = w.store.PutUnnamedGallery(&model.UnnamedGallery{GalleryID: galleryID, DesiredName: desiredName, CreatedAt: time.Now()})
		}
		return
	}

	if w.store != nil {
		_ = w.store.DeleteUnnamedGallery(galleryID)
	}
	if w.hub != nil {
		w.hub.Publish(events.Event{Kind: events.KindGalleryRenamed, GalleryPath: galleryID, Data: desiredName})
	}
}

// Authenticate runs the three-tier strategy in order, stopping at the
// first tier that validates.
func (w *Worker) Authenticate(ctx context.Context) error {
	host, err := hostOf(w.baseURL)
	if err != nil {
		return err
	}

	if cookies, ok, err := LoadSessionCookies(); err == nil && ok {
		w.installCookies(cookies)
		if w.probeAuthenticated(ctx) {
			w.authenticated = true
			return nil
		}
	}

	if w.browser != nil {
		if cookies, err := w.browser.CookiesForHost(host); err == nil && len(cookies) > 0 {
			w.installCookies(cookies)
			if w.probeAuthenticated(ctx) {
				w.authenticated = true
				_ = SaveSessionCookies(host, cookies)
				return nil
			}
		}
	}

	if w.credentials.Username != "" {
		err := w.loginWithForm(ctx)
		if err == nil {
			w.authenticated = true
			_ = SaveSessionCookies(host, w.jar.Cookies(mustParse(w.baseURL)))
			return nil
		}
		if errors.Is(err, ErrDDoSChallenge) {
			w.authenticated = false
			return err
		}
	}

	w.authenticated = false
	return fmt.Errorf("rename worker: all authentication tiers failed")
}

func (w *Worker) installCookies(cookies []*http.Cookie) {
	w.jar.SetCookies(mustParse(w.baseURL), cookies)
}

func (w *Worker) probeAuthenticated(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"/account/status", nil)
	if err != nil {
		return false
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (w *Worker) loginWithForm(ctx context.Context) error {
	form := strings.NewReader(fmt.Sprintf("username=%s&password=%s", url.QueryEscape(w.credentials.Username), url.QueryEscape(w.credentials.Password)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/login", form)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login failed: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read login response: %w", err)
	}
	if title, err := extractTitle(string(body)); err == nil && isChallengeTitle(title) {
		return ErrDDoSChallenge
	}
	return nil
}

// isChallengeTitle recognizes the handful of interstitial bot-check page
// titles seen in front of login forms (Cloudflare and similar).
func isChallengeTitle(title string) bool {
	t := strings.ToLower(title)
	for _, needle := range []string{"just a moment", "attention required", "ddos protection", "checking your browser"} {
		if strings.Contains(t, needle) {
			return true
		}
	}
	return false
}

// rateLimitedReauth re-authenticates, refusing if another attempt ran
// within the last 5 seconds — this is what stops a stampede of concurrent
// rename/status-check calls that all saw a 403 at once from each kicking
// off their own login.
func (w *Worker) rateLimitedReauth(ctx context.Context) error {
	w.reauthMu.Lock()
	defer w.reauthMu.Unlock()

	if time.Since(w.lastReauthAt) < reauthFloor {
		return fmt.Errorf("rename worker: re-auth attempted within %s of the last one", reauthFloor)
	}
	w.lastReauthAt = time.Now()

	return w.Authenticate(ctx)
}

var forbiddenChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
var whitespaceRun = regexp.MustCompile(`\s+`)

// SanitizeName strips characters the host forbids in gallery names and
// collapses whitespace runs to a single space.
func SanitizeName(name string) string {
	cleaned := forbiddenChars.ReplaceAllString(name, "")
	cleaned = whitespaceRun.ReplaceAllString(cleaned, " ")
	return strings.TrimSpace(cleaned)
}

// Rename submits the rename form for galleryID, retrying once through a
// rate-limited re-auth if the edit page reports the session expired.
func (w *Worker) Rename(ctx context.Context, galleryID, newName string) error {
	newName = SanitizeName(newName)

	editURL := fmt.Sprintf("%s/user/gallery/edit?id=%s", w.baseURL, galleryID)
	if needsReauth, err := w.getEditPage(ctx, editURL); err != nil {
		return err
	} else if needsReauth {
		if err := w.rateLimitedReauth(ctx); err != nil {
			return fmt.Errorf("rename %s: session expired and re-auth refused: %w", galleryID, err)
		}
	}

	form := strings.NewReader(fmt.Sprintf("gallery_name=%s&submit_new_gallery=1", url.QueryEscape(newName)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, editURL, form)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rename %s: %w", galleryID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rename %s: status %d", galleryID, resp.StatusCode)
	}
	return nil
}

// getEditPage returns (needsReauth=true, nil) on a 403 or a redirect to a
// login page; any other non-200 is a hard error.
func (w *Worker) getEditPage(ctx context.Context, editURL string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, editURL, nil)
	if err != nil {
		return false, err
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("fetch edit page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return true, nil
	}
	if resp.StatusCode == http.StatusOK && strings.Contains(resp.Request.URL.Path, "/login") {
		return true, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("fetch edit page: status %d", resp.StatusCode)
	}
	return false, nil
}

// GalleryStatusRequest is one gallery's URLs to check for online status.
type GalleryStatusRequest struct {
	DBID int64
	Path string
	Name string
	URLs []string
}

// StatusCheckProgress is the payload of a status_check_progress event,
// published once per gallery as CheckImageStatus attributes results.
type StatusCheckProgress struct {
	Done  int
	Total int
}

// GalleryStatusResult tallies per-gallery online/offline URL counts.
type GalleryStatusResult struct {
	OnlineCount  int
	OfflineCount int
	OnlineURLs   []string
	OfflineURLs  []string
}

// CheckImageStatus POSTs every requested gallery's URLs as one deduplicated
// batch, then attributes online/offline status back to each gallery via
// the URL→path map the spec calls for. onProgress is invoked once per
// gallery processed; cancel is polled between network calls.
func (w *Worker) CheckImageStatus(ctx context.Context, galleries []GalleryStatusRequest, onProgress func(done, total int), cancel func() bool) (map[int64]GalleryStatusResult, error) {
	urlToGalleries := make(map[string][]int64)
	var allURLs []string
	for _, g := range galleries {
		for _, u := range g.URLs {
			if _, seen := urlToGalleries[u]; !seen {
				allURLs = append(allURLs, u)
			}
			urlToGalleries[u] = append(urlToGalleries[u], g.DBID)
		}
	}

	if cancel != nil && cancel() {
		return nil, context.Canceled
	}

	online, err := w.postStatusCheck(ctx, allURLs)
	if err != nil {
		return nil, err
	}

	results := make(map[int64]GalleryStatusResult, len(galleries))
	for i, g := range galleries {
		if cancel != nil && cancel() {
			return results, context.Canceled
		}
		res := GalleryStatusResult{}
		for _, u := range g.URLs {
			if online[u] {
				res.OnlineCount++
				res.OnlineURLs = append(res.OnlineURLs, u)
			} else {
				res.OfflineCount++
				res.OfflineURLs = append(res.OfflineURLs, u)
			}
		}
		results[g.DBID] = res
		if onProgress != nil {
			onProgress(i+1, len(galleries))
		}
		if w.hub != nil {
			w.hub.Publish(events.Event{Kind: events.KindStatusCheckProgress, GalleryPath: g.Path, Data: StatusCheckProgress{Done: i + 1, Total: len(galleries)}})
		}
	}

	if w.hub != nil {
		w.hub.Publish(events.Event{Kind: events.KindStatusCheckCompleted, Data: results})
	}

	return results, nil
}

func (w *Worker) postStatusCheck(ctx context.Context, urls []string) (map[string]bool, error) {
	body := strings.NewReader(strings.Join(urls, "\n"))

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, w.baseURL+"/moderation/status", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		if err := w.rateLimitedReauth(ctx); err != nil {
			return nil, fmt.Errorf("status check: session expired and re-auth refused: %w", err)
		}
		return w.postStatusCheck(ctx, urls)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read status response: %w", err)
	}
	page := string(raw)

	online := make(map[string]bool, len(urls))
	for _, u := range urls {
		online[u] = strings.Contains(page, u)
	}
	return online, nil
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return u.Hostname(), nil
}

func mustParse(rawURL string) *url.URL {
	u, _ := url.Parse(rawURL)
	return u
}

// extractTitle pulls the page <title>, which isChallengeTitle inspects to
// tell a DDoS-challenge interstitial apart from the real login page.
func extractTitle(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(doc.Find("title").First().Text()), nil
}
