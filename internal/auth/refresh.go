package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fifth-community/authgate/internal/logging"
	"github.com/fifth-community/authgate/internal/store"
)

// RefreshPath is the backend endpoint exchanging a refresh token
const RefreshPath = "/users/refresh"

// ErrNoRefreshToken is returned without any network call when no refresh token is stored
var ErrNoRefreshToken = errors.New("no refresh token stored")

// RefreshError represents a failed token exchange
type RefreshError struct {
	StatusCode int // 0 when the request never completed
	Message    string
	Err        error
}

func (e *RefreshError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("token refresh failed (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("token refresh failed: %s", e.Message)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// refreshRequest is the body of POST /users/refresh
type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// refreshResponse is the backend envelope for a token exchange
type refreshResponse struct {
	Message string `json:"message"`
	Data    *struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	} `json:"data"`
}

// Refresher exchanges the stored refresh token for a new access token.
// A failed exchange logs the client out; it is never retried.
type Refresher struct {
	httpClient   *http.Client
	baseURL      string
	store        *store.Store
	refreshGroup singleflight.Group // Deduplicates concurrent refresh requests
}

// NewRefresher creates a refresher posting to baseURL + RefreshPath.
// If httpClient is nil, a default client with 30s timeout is created.
func NewRefresher(httpClient *http.Client, baseURL string, st *store.Store) *Refresher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Refresher{
		httpClient: httpClient,
		baseURL:    baseURL,
		store:      st,
	}
}

// Refresh returns a freshly issued access token.
// Concurrent callers share one in-flight exchange and its result. The
// exchange is not tied to any single caller: a caller whose ctx ends stops
// waiting and gets ctx's error, while the exchange completes for the others.
func (r *Refresher) Refresh(ctx context.Context) (string, error) {
	ch := r.refreshGroup.DoChan("refresh", func() (any, error) {
		return r.exchange(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Shared {
			logging.Debug("token refresh shared with a concurrent caller")
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (r *Refresher) exchange(ctx context.Context) (string, error) {
	cred, ok := r.store.Credential()
	if !ok || cred.RefreshToken == "" {
		r.logout(ErrNoRefreshToken)
		return "", ErrNoRefreshToken
	}

	token, rotated, err := r.post(ctx, cred.RefreshToken)
	if err != nil {
		r.logout(err)
		return "", err
	}

	// Refresh tokens may rotate with every exchange
	if rotated != "" && rotated != cred.RefreshToken {
		err = r.store.SetCredential(store.Credential{Variant: store.VariantToken, AccessToken: token, RefreshToken: rotated})
	} else {
		err = r.store.SetAccessToken(token)
	}
	if err != nil {
		r.logout(err)
		return "", &RefreshError{Message: "could not persist the new access token", Err: err}
	}

	logging.Info("access token refreshed")
	return token, nil
}

func (r *Refresher) post(ctx context.Context, refreshToken string) (access, rotated string, err error) {
	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return "", "", &RefreshError{Message: "failed to encode refresh request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+RefreshPath, bytes.NewReader(body))
	if err != nil {
		return "", "", &RefreshError{Message: "failed to create refresh request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", DefaultUserAgent)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", "", &RefreshError{Message: "refresh request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", &RefreshError{StatusCode: resp.StatusCode, Message: "failed to read refresh response", Err: err}
	}

	var parsed refreshResponse
	decodeErr := json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := parsed.Message
		if decodeErr != nil || msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return "", "", &RefreshError{StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return "", "", &RefreshError{StatusCode: resp.StatusCode, Message: "invalid refresh response", Err: decodeErr}
	}
	if parsed.Data == nil || parsed.Data.AccessToken == "" {
		return "", "", &RefreshError{StatusCode: resp.StatusCode, Message: "refresh response carried no access token"}
	}
	return parsed.Data.AccessToken, parsed.Data.RefreshToken, nil
}

func (r *Refresher) logout(cause error) {
	logging.Error("token refresh failed, logging out: %v", cause)
	if err := r.store.Clear(); err != nil {
		logging.Error("failed to clear credentials: %v", err)
	}
}
