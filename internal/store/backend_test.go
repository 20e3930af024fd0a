package store

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackendPersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	b1, err := NewFileBackend(path)
	require.NoError(t, err)
	s1 := New(b1, VariantToken)
	require.NoError(t, s1.SetCredential(Credential{Variant: VariantToken, AccessToken: "A1", RefreshToken: "R1"}))
	require.NoError(t, s1.MergeIdentity(Identity{UserID: 7, Nickname: "U"}))

	// A new backend on the same path sees the same state, like a page reload
	b2, err := NewFileBackend(path)
	require.NoError(t, err)
	s2 := New(b2, VariantToken)
	c, ok := s2.Credential()
	require.True(t, ok)
	assert.Equal(t, "A1", c.AccessToken)
	assert.Equal(t, "U", s2.Identity().Nickname)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestFileBackendCorruptedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0600))

	b, err := NewFileBackend(path)
	require.NoError(t, err)

	_, _, err = b.Get(KeyUser)
	assert.Error(t, err)

	s := New(b, VariantSession)
	assert.True(t, s.Identity().IsZero(), "store degrades to empty")
	assert.False(t, s.IsAuthenticated())

	// writes recover the file
	require.NoError(t, s.MergeIdentity(Identity{UserID: 1}))
	assert.Equal(t, int64(1), s.Identity().UserID)
}

func TestFileBackendDeleteMissingKey(t *testing.T) {
	b, err := NewFileBackend(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	require.NoError(t, b.Delete("nope"))
}

func TestFileBackendWatchReportsOtherWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	watched, err := NewFileBackend(path)
	require.NoError(t, err)
	other, err := NewFileBackend(path)
	require.NoError(t, err)

	s := New(watched, VariantSession)
	var mu sync.Mutex
	var remote []Change
	s.Subscribe(ObserverFunc(func(c Change) {
		mu.Lock()
		defer mu.Unlock()
		if c.Remote {
			remote = append(remote, c)
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond) // let the watcher register

	// own writes are not echoed back
	require.NoError(t, s.MergeIdentity(Identity{UserID: 1}))
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, other.Set(KeyUser, `{"userId":2,"profile":{}}`))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(remote) > 0
	}, 2*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Equal(t, KeyUser, remote[0].Key)
	mu.Unlock()
	assert.Equal(t, int64(2), s.Identity().UserID)

	cancel()
	require.NoError(t, <-done)
}

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisBackendStore(t *testing.T) {
	mr, client := newMiniredis(t)
	b := NewRedisBackendFromClient(client, "authgate:")
	s := New(b, VariantToken)

	require.NoError(t, s.SetCredential(Credential{Variant: VariantToken, AccessToken: "A1", RefreshToken: "R1"}))
	require.NoError(t, s.MergeIdentity(Identity{UserID: 7}))

	v, err := mr.Get("authgate:" + KeyAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "A1", v)

	require.NoError(t, s.Clear())
	assert.False(t, mr.Exists("authgate:"+KeyAccessToken))
	assert.False(t, mr.Exists("authgate:"+KeyUser))
	_, ok := s.Credential()
	assert.False(t, ok)
}

func TestNewRedisBackendConnects(t *testing.T) {
	mr := miniredis.RunT(t)
	b, err := NewRedisBackend(mr.Addr(), "", "p:")
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Set("k", "v"))
	v, ok, err := b.Get("k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	mr.Close()
	_, err = NewRedisBackend(mr.Addr(), "", "p:")
	assert.Error(t, err)
}

func TestRedisBackendWatchIgnoresOwnWrites(t *testing.T) {
	_, client := newMiniredis(t)
	mine := NewRedisBackendFromClient(client, "authgate:")
	theirs := NewRedisBackendFromClient(client, "authgate:")

	var mu sync.Mutex
	var keys []string
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- mine.Watch(ctx, func(key string) {
			mu.Lock()
			defer mu.Unlock()
			keys = append(keys, key)
		})
	}()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, mine.Set(KeyUser, "{}"))
	require.NoError(t, theirs.Delete(KeyUser))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(keys) == 1
	}, 2*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{KeyUser}, keys)
	mu.Unlock()

	cancel()
	require.NoError(t, <-done)
}

func TestPersistentJar(t *testing.T) {
	backend := NewMemoryBackend()
	jar, err := NewPersistentJar(backend, "http://board.example.com/api")
	require.NoError(t, err)

	api, _ := url.Parse("http://board.example.com/api/users/login")
	jar.SetCookies(api, []*http.Cookie{
		{Name: "connect.sid", Value: "abc", Path: "/"},
		{Name: "stale", Value: "x", Expires: time.Now().Add(-time.Hour)},
	})

	other, _ := url.Parse("http://evil.example.com/")
	jar.SetCookies(other, []*http.Cookie{{Name: "tracker", Value: "1"}})
	assert.Empty(t, jar.Cookies(other))

	// A fresh jar on the same backend restores the session cookie
	restored, err := NewPersistentJar(backend, "http://board.example.com/api")
	require.NoError(t, err)
	cookies := restored.Cookies(api)
	require.Len(t, cookies, 1)
	assert.Equal(t, "connect.sid", cookies[0].Name)
	assert.Equal(t, "abc", cookies[0].Value)

	// Store.Clear leaves server-held cookies alone
	require.NoError(t, New(backend, VariantSession).Clear())
	assert.Len(t, restored.Cookies(api), 1)

	// The server expiring the cookie removes it
	restored.SetCookies(api, []*http.Cookie{{Name: "connect.sid", MaxAge: -1}})
	assert.Empty(t, restored.Cookies(api))
	_, ok, _ := backend.Get(KeyCookies)
	assert.False(t, ok)
}

func TestPersistentJarSecureAndPath(t *testing.T) {
	jar, err := NewPersistentJar(NewMemoryBackend(), "https://board.example.com")
	require.NoError(t, err)

	secure, _ := url.Parse("https://board.example.com/api/posts")
	jar.SetCookies(secure, []*http.Cookie{
		{Name: "sid", Value: "1", Secure: true},
		{Name: "admin", Value: "2", Path: "/admin"},
	})

	assert.Len(t, jar.Cookies(secure), 1)
	plain, _ := url.Parse("http://board.example.com/api/posts")
	assert.Empty(t, jar.Cookies(plain))
	admin, _ := url.Parse("https://board.example.com/admin/x")
	assert.Len(t, jar.Cookies(admin), 2)

	require.NoError(t, jar.Reset())
	assert.Empty(t, jar.Cookies(secure))
}

func TestPersistentJarPathMatch(t *testing.T) {
	jar, err := NewPersistentJar(NewMemoryBackend(), "http://board.example.com")
	require.NoError(t, err)

	origin, _ := url.Parse("http://board.example.com/api/users/login")
	jar.SetCookies(origin, []*http.Cookie{
		{Name: "api", Value: "1", Path: "/api"},
		{Name: "dir", Value: "2", Path: "/docs/"},
	})

	tests := []struct {
		path string
		want []string
	}{
		{path: "/api", want: []string{"api"}},
		{path: "/api/posts", want: []string{"api"}},
		{path: "/apix", want: nil},
		{path: "/docs/intro", want: []string{"dir"}},
		{path: "/docs", want: nil},
		{path: "/", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			u, _ := url.Parse("http://board.example.com" + tt.path)
			var names []string
			for _, c := range jar.Cookies(u) {
				names = append(names, c.Name)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}
