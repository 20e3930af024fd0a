package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fifth-community/authgate/internal/store"
)

var testMarkers = []string{"token_expired", "invalid_token"}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

// refreshServer answers POST /users/refresh with handler and counts calls
type refreshServer struct {
	*httptest.Server
	calls atomic.Int32
}

func newRefreshServer(t *testing.T, handler http.HandlerFunc) *refreshServer {
	t.Helper()
	rs := &refreshServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != RefreshPath || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		rs.calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(rs.Close)
	return rs
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func tokenStore(t *testing.T, access, refresh string) *store.Store {
	t.Helper()
	st := store.New(store.NewMemoryBackend(), store.VariantToken)
	require.NoError(t, st.SetCredential(store.Credential{Variant: store.VariantToken, AccessToken: access, RefreshToken: refresh}))
	require.NoError(t, st.MergeIdentity(store.Identity{UserID: 7}))
	return st
}

func TestRefreshSuccess(t *testing.T) {
	srv := newRefreshServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body refreshRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "R1", body.RefreshToken)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		writeJSON(w, http.StatusOK, map[string]any{"message": "ok", "data": map[string]any{"accessToken": "A2"}})
	})
	st := tokenStore(t, "A1", "R1")

	token, err := NewRefresher(srv.Client(), srv.URL, st).Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A2", token)

	cred, ok := st.Credential()
	require.True(t, ok)
	assert.Equal(t, "A2", cred.AccessToken)
	assert.Equal(t, "R1", cred.RefreshToken)
	assert.Equal(t, int32(1), srv.calls.Load())
}

func TestRefreshRotatesRefreshToken(t *testing.T) {
	srv := newRefreshServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"accessToken": "A2", "refreshToken": "R2"}})
	})
	st := tokenStore(t, "A1", "R1")

	_, err := NewRefresher(srv.Client(), srv.URL, st).Refresh(context.Background())
	require.NoError(t, err)

	cred, _ := st.Credential()
	assert.Equal(t, "A2", cred.AccessToken)
	assert.Equal(t, "R2", cred.RefreshToken)
}

func TestRefreshWithoutRefreshTokenMakesNoCall(t *testing.T) {
	srv := newRefreshServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"accessToken": "A2"}})
	})
	st := tokenStore(t, "A1", "")

	_, err := NewRefresher(srv.Client(), srv.URL, st).Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNoRefreshToken)
	assert.Equal(t, int32(0), srv.calls.Load())
	assert.True(t, st.Identity().IsZero(), "failed refresh logs out")
}

func TestRefreshFailuresLogOut(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus int
	}{
		{
			name: "non-2xx",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "refresh_token_expired"})
			},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "missing token in response",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, map[string]any{"message": "ok", "data": nil})
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "garbage body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("<html>"))
			},
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newRefreshServer(t, tt.handler)
			st := tokenStore(t, "A1", "R1")

			_, err := NewRefresher(srv.Client(), srv.URL, st).Refresh(context.Background())
			var refreshErr *RefreshError
			require.True(t, errors.As(err, &refreshErr))
			assert.Equal(t, tt.wantStatus, refreshErr.StatusCode)

			assert.False(t, st.IsAuthenticated())
			_, ok := st.Credential()
			assert.False(t, ok)
			assert.Equal(t, int32(1), srv.calls.Load(), "never retried")
		})
	}
}

func TestRefreshNetworkFailure(t *testing.T) {
	srv := newRefreshServer(t, func(w http.ResponseWriter, r *http.Request) {})
	url := srv.URL
	srv.Close()

	st := tokenStore(t, "A1", "R1")
	_, err := NewRefresher(nil, url, st).Refresh(context.Background())
	var refreshErr *RefreshError
	require.True(t, errors.As(err, &refreshErr))
	assert.Equal(t, 0, refreshErr.StatusCode)
	_, ok := st.Credential()
	assert.False(t, ok)
}

func TestConcurrentRefreshesAreCoalesced(t *testing.T) {
	release := make(chan struct{})
	srv := newRefreshServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"accessToken": "A2"}})
	})
	st := tokenStore(t, "A1", "R1")
	refresher := NewRefresher(srv.Client(), srv.URL, st)

	const callers = 5
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = refresher.Refresh(context.Background())
		}()
	}
	time.Sleep(100 * time.Millisecond) // all callers join the in-flight exchange
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), srv.calls.Load())
	for _, r := range results {
		assert.Equal(t, "A2", r)
	}
}

func TestBearerDecorate(t *testing.T) {
	srv := newRefreshServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"accessToken": "FRESH"}})
	})

	t.Run("no token omits header", func(t *testing.T) {
		st := store.New(store.NewMemoryBackend(), store.VariantToken)
		b := NewBearerStrategy(st, NewRefresher(srv.Client(), srv.URL, st), testMarkers)
		req := httptest.NewRequest(http.MethodGet, "/posts", nil)
		require.NoError(t, b.Decorate(context.Background(), req, &Attempt{}))
		_, present := req.Header["Authorization"]
		assert.False(t, present)
	})

	t.Run("valid token is sent without refresh", func(t *testing.T) {
		before := srv.calls.Load()
		valid := signedToken(t, time.Now().Add(time.Hour))
		st := tokenStore(t, valid, "R1")
		b := NewBearerStrategy(st, NewRefresher(srv.Client(), srv.URL, st), testMarkers)
		req := httptest.NewRequest(http.MethodGet, "/posts", nil)
		require.NoError(t, b.Decorate(context.Background(), req, &Attempt{}))
		assert.Equal(t, "Bearer "+valid, req.Header.Get("Authorization"))
		assert.Equal(t, before, srv.calls.Load())
	})

	t.Run("opaque token is sent as is", func(t *testing.T) {
		st := tokenStore(t, "A1", "R1")
		b := NewBearerStrategy(st, NewRefresher(srv.Client(), srv.URL, st), testMarkers)
		req := httptest.NewRequest(http.MethodGet, "/posts", nil)
		require.NoError(t, b.Decorate(context.Background(), req, &Attempt{}))
		assert.Equal(t, "Bearer A1", req.Header.Get("Authorization"))
	})

	t.Run("expired token is refreshed first", func(t *testing.T) {
		before := srv.calls.Load()
		st := tokenStore(t, signedToken(t, time.Now().Add(-time.Minute)), "R1")
		b := NewBearerStrategy(st, NewRefresher(srv.Client(), srv.URL, st), testMarkers)
		req := httptest.NewRequest(http.MethodGet, "/posts", nil)
		require.NoError(t, b.Decorate(context.Background(), req, &Attempt{}))
		assert.Equal(t, "Bearer FRESH", req.Header.Get("Authorization"))
		assert.Equal(t, before+1, srv.calls.Load())
	})

	t.Run("expired token without refresh token logs out", func(t *testing.T) {
		before := srv.calls.Load()
		st := tokenStore(t, signedToken(t, time.Now().Add(-time.Minute)), "")
		b := NewBearerStrategy(st, NewRefresher(srv.Client(), srv.URL, st), testMarkers)
		req := httptest.NewRequest(http.MethodGet, "/posts", nil)
		assert.ErrorIs(t, b.Decorate(context.Background(), req, &Attempt{}), ErrNoRefreshToken)
		assert.Empty(t, req.Header.Get("Authorization"))
		assert.Equal(t, before, srv.calls.Load())
		_, ok := st.Credential()
		assert.False(t, ok)
		assert.True(t, st.Identity().IsZero())
	})

	t.Run("expired token without refresher is never sent", func(t *testing.T) {
		st := tokenStore(t, signedToken(t, time.Now().Add(-time.Minute)), "R1")
		b := NewBearerStrategy(st, nil, testMarkers)
		req := httptest.NewRequest(http.MethodGet, "/posts", nil)
		assert.ErrorIs(t, b.Decorate(context.Background(), req, &Attempt{}), ErrNoRefreshToken)
		assert.Empty(t, req.Header.Get("Authorization"))
	})

	t.Run("token renewed by this request is not renewed again", func(t *testing.T) {
		before := srv.calls.Load()
		stale := signedToken(t, time.Now().Add(-time.Second))
		st := tokenStore(t, stale, "R1")
		b := NewBearerStrategy(st, NewRefresher(srv.Client(), srv.URL, st), testMarkers)

		attempt := &Attempt{}
		assert.Equal(t, Retry, b.HandleUnauthorized(context.Background(), map[string]any{"message": "token_expired"}, attempt))
		assert.True(t, attempt.Refreshed())

		// Pretend the renewal handed back a token that is already past exp
		require.NoError(t, st.SetAccessToken(stale))
		req := httptest.NewRequest(http.MethodGet, "/posts", nil)
		require.NoError(t, b.Decorate(context.Background(), req, attempt))
		assert.Equal(t, "Bearer "+stale, req.Header.Get("Authorization"))
		assert.Equal(t, before+1, srv.calls.Load())
	})

	t.Run("expiry follows the store clock", func(t *testing.T) {
		before := srv.calls.Load()
		expiring := signedToken(t, time.Now().Add(-time.Minute))
		st := tokenStore(t, expiring, "R1")
		st.SetClock(func() time.Time { return time.Now().Add(-time.Hour) })
		b := NewBearerStrategy(st, NewRefresher(srv.Client(), srv.URL, st), testMarkers)

		require.True(t, st.IsAuthenticated())
		req := httptest.NewRequest(http.MethodGet, "/posts", nil)
		require.NoError(t, b.Decorate(context.Background(), req, &Attempt{}))
		assert.Equal(t, "Bearer "+expiring, req.Header.Get("Authorization"))
		assert.Equal(t, before, srv.calls.Load())
	})
}

func TestBearerHandleUnauthorized(t *testing.T) {
	srv := newRefreshServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"accessToken": "A2"}})
	})

	tests := []struct {
		name      string
		body      any
		want      Decision
		refreshes int32
	}{
		{name: "expired marker in message", body: map[string]any{"message": "token_expired"}, want: Retry, refreshes: 1},
		{name: "marker in code, mixed case", body: map[string]any{"message": "nope", "code": "INVALID_TOKEN"}, want: Retry, refreshes: 1},
		{name: "plain text marker", body: " token_expired\n", want: Retry, refreshes: 1},
		{name: "other unauthorized", body: map[string]any{"message": "unauthorized"}, want: Reauthenticate},
		{name: "empty body", body: nil, want: Reauthenticate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := srv.calls.Load()
			st := tokenStore(t, "A1", "R1")
			b := NewBearerStrategy(st, NewRefresher(srv.Client(), srv.URL, st), testMarkers)

			assert.Equal(t, tt.want, b.HandleUnauthorized(context.Background(), tt.body, &Attempt{}))
			assert.Equal(t, tt.refreshes, srv.calls.Load()-before)
		})
	}
}

func TestBearerHandleUnauthorizedRefreshFails(t *testing.T) {
	srv := newRefreshServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]any{"message": "revoked"})
	})
	st := tokenStore(t, "A1", "R1")
	b := NewBearerStrategy(st, NewRefresher(srv.Client(), srv.URL, st), testMarkers)

	assert.Equal(t, Reauthenticate, b.HandleUnauthorized(context.Background(), map[string]any{"message": "token_expired"}, &Attempt{}))
	assert.False(t, st.IsAuthenticated())
}

func TestBearerHandleUnauthorizedOncePerAttempt(t *testing.T) {
	srv := newRefreshServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"accessToken": "A2"}})
	})
	st := tokenStore(t, "A1", "R1")
	b := NewBearerStrategy(st, NewRefresher(srv.Client(), srv.URL, st), testMarkers)
	expired := map[string]any{"message": "token_expired"}

	attempt := &Attempt{}
	assert.Equal(t, Retry, b.HandleUnauthorized(context.Background(), expired, attempt))
	assert.Equal(t, Reauthenticate, b.HandleUnauthorized(context.Background(), expired, attempt))
	assert.Equal(t, int32(1), srv.calls.Load())

	// A new logical request gets its own renewal
	assert.Equal(t, Retry, b.HandleUnauthorized(context.Background(), expired, &Attempt{}))
	assert.Equal(t, int32(2), srv.calls.Load())
}

func TestRefreshCallerCanceledKeepsCredentials(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	srv := newRefreshServer(t, func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"accessToken": "A2", "refreshToken": "R2"}})
	})
	st := tokenStore(t, "A1", "R1")
	refresher := NewRefresher(srv.Client(), srv.URL, st)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := refresher.Refresh(ctx)
		errc <- err
	}()

	<-started
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	// The exchange outlives the caller that started it
	close(release)
	require.Eventually(t, func() bool {
		cred, ok := st.Credential()
		return ok && cred.AccessToken == "A2"
	}, 2*time.Second, 10*time.Millisecond)

	cred, _ := st.Credential()
	assert.Equal(t, "R2", cred.RefreshToken)
	assert.Equal(t, int64(7), st.Identity().UserID)
	assert.Equal(t, int32(1), srv.calls.Load())
}

func TestCookieStrategy(t *testing.T) {
	jar, err := store.NewPersistentJar(store.NewMemoryBackend(), "http://localhost")
	require.NoError(t, err)
	c := NewCookieStrategy(jar)

	assert.Equal(t, store.VariantSession, c.Variant())
	assert.Equal(t, jar, c.Jar())
	assert.Equal(t, Reauthenticate, c.HandleUnauthorized(context.Background(), map[string]any{"message": "token_expired"}, &Attempt{}))

	req := httptest.NewRequest(http.MethodGet, "/posts", nil)
	require.NoError(t, c.Decorate(context.Background(), req, &Attempt{}))
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestNewSelectsStrategyByVariant(t *testing.T) {
	session := store.New(store.NewMemoryBackend(), store.VariantSession)
	assert.IsType(t, &CookieStrategy{}, New(session, nil, nil, nil))

	token := store.New(store.NewMemoryBackend(), store.VariantToken)
	assert.IsType(t, &BearerStrategy{}, New(token, NewRefresher(nil, "http://x", token), nil, testMarkers))
}
