package store

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fifth-community/authgate/internal/logging"
)

// storedCookie is the persisted form of one session cookie
type storedCookie struct {
	Value   string    `json:"value"`
	Path    string    `json:"path,omitempty"`
	Expires time.Time `json:"expires,omitzero"`
	Secure  bool      `json:"secure,omitempty"`
}

// PersistentJar is a cookie jar for a single backend host that keeps its
// cookies in the state backend under KeyCookies, so a session survives
// process restarts the way browser cookies survive page reloads.
// Cookies are server-held state and are not removed by Store.Clear; the
// server expires them through Set-Cookie.
type PersistentJar struct {
	mu      sync.Mutex
	backend Backend
	host    string
	now     func() time.Time
}

// NewPersistentJar creates a jar accepting cookies for baseURL's host only
func NewPersistentJar(backend Backend, baseURL string) (*PersistentJar, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	return &PersistentJar{
		backend: backend,
		host:    u.Hostname(),
		now:     time.Now,
	}, nil
}

// SetCookies implements http.CookieJar
func (j *PersistentJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	if u.Hostname() != j.host || len(cookies) == 0 {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	stored := j.load()
	now := j.now()
	for _, c := range cookies {
		expires := c.Expires
		if c.MaxAge > 0 {
			expires = now.Add(time.Duration(c.MaxAge) * time.Second)
		}
		if c.MaxAge < 0 || (!expires.IsZero() && !expires.After(now)) {
			delete(stored, c.Name)
			continue
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		stored[c.Name] = storedCookie{Value: c.Value, Path: path, Expires: expires, Secure: c.Secure}
	}
	j.save(stored)
}

// Cookies implements http.CookieJar
func (j *PersistentJar) Cookies(u *url.URL) []*http.Cookie {
	if u.Hostname() != j.host {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now()
	var out []*http.Cookie
	for name, c := range j.load() {
		if !c.Expires.IsZero() && !c.Expires.After(now) {
			continue
		}
		if c.Secure && u.Scheme != "https" {
			continue
		}
		if !pathMatch(pathOrRoot(u.Path), c.Path) {
			continue
		}
		out = append(out, &http.Cookie{Name: name, Value: c.Value})
	}
	return out
}

// Reset drops every stored cookie
func (j *PersistentJar) Reset() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.backend.Delete(KeyCookies)
}

func (j *PersistentJar) load() map[string]storedCookie {
	stored := make(map[string]storedCookie)
	raw, ok, err := j.backend.Get(KeyCookies)
	if err != nil || !ok || raw == "" {
		return stored
	}
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		logging.Warn("discarding corrupted %s: %v", KeyCookies, err)
		return make(map[string]storedCookie)
	}
	return stored
}

func (j *PersistentJar) save(stored map[string]storedCookie) {
	if len(stored) == 0 {
		if err := j.backend.Delete(KeyCookies); err != nil {
			logging.Warn("failed to delete cookies: %v", err)
		}
		return
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return
	}
	if err := j.backend.Set(KeyCookies, string(raw)); err != nil {
		logging.Warn("failed to persist cookies: %v", err)
	}
}

func pathOrRoot(p string) string {
	if p == "" {
		return "/"
	}
	return p
}

// pathMatch is the RFC 6265 path-match: cookie path /api covers /api and
// /api/x but not /apix
func pathMatch(requestPath, cookiePath string) bool {
	if requestPath == cookiePath {
		return true
	}
	if !strings.HasPrefix(requestPath, cookiePath) {
		return false
	}
	return strings.HasSuffix(cookiePath, "/") || requestPath[len(cookiePath)] == '/'
}
