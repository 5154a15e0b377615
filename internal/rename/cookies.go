// cookies.go persists the Rename Worker's session cookies in the OS secret
// store via github.com/zalando/go-keyring, matching the JSON schema and
// 48-hour expiry the original imxup rename_worker.py uses: a map of cookie
// name to {value, domain, path, secure, expiry}, stored under service
// "imxup", account "session_cookies".
package rename

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "imxup"
	keyringAccount = "session_cookies"
	cookieTTL      = 48 * time.Hour
)

// storedCookie mirrors the original Python schema field-for-field so a
// cookie jar saved by either implementation round-trips identically.
type storedCookie struct {
	Value  string `json:"value"`
	Domain string `json:"domain"`
	Path   string `json:"path"`
	Secure bool   `json:"secure"`
	Expiry int64  `json:"expiry"` // unix seconds
}

// SaveSessionCookies persists the given cookies for host, each stamped
// with a 48-hour expiry from now.
func SaveSessionCookies(host string, cookies []*http.Cookie) error {
	out := make(map[string]storedCookie, len(cookies))
	expiry := time.Now().Add(cookieTTL).Unix()
	for _, c := range cookies {
		domain := c.Domain
		if domain == "" {
			domain = host
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		out[c.Name] = storedCookie{
			Value:  c.Value,
			Domain: domain,
			Path:   path,
			Secure: c.Secure,
			Expiry: expiry,
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return keyring.Set(keyringService, keyringAccount, string(data))
}

// LoadSessionCookies returns cookies previously saved, purging any that
// have passed their 48-hour expiry. ok is false if nothing usable remains.
func LoadSessionCookies() (cookies []*http.Cookie, ok bool, err error) {
	raw, err := keyring.Get(keyringService, keyringAccount)
	if err == keyring.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var stored map[string]storedCookie
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		_ = ClearSessionCookies()
		return nil, false, err
	}

	now := time.Now().Unix()
	for name, c := range stored {
		if c.Expiry <= now {
			continue
		}
		cookies = append(cookies, &http.Cookie{
			Name:   name,
			Value:  c.Value,
			Domain: c.Domain,
			Path:   c.Path,
			Secure: c.Secure,
		})
	}
	return cookies, len(cookies) > 0, nil
}

// ClearSessionCookies removes any persisted cookies; LoadSessionCookies
// calls it when the stored blob cannot be parsed.
func ClearSessionCookies() error {
	err := keyring.Delete(keyringService, keyringAccount)
	if err == keyring.ErrNotFound {
		return nil
	}
	return err
}
