package account

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fifth-community/authgate/internal/api"
	"github.com/fifth-community/authgate/internal/auth"
	"github.com/fifth-community/authgate/internal/logging"
	"github.com/fifth-community/authgate/internal/store"
)

const (
	loginURL       = "/users/login"
	logoutURL      = "/users/logout"
	sessionInfoURL = "/users/session-info"
)

var (
	// ErrLoginFailed wraps every login failure
	ErrLoginFailed = errors.New("login failed")

	// ErrRefreshUnsupported is returned by Refresh for the session variant
	ErrRefreshUnsupported = errors.New("session credentials cannot be refreshed")
)

// loginRequest is the body of POST /users/login
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SessionInfo is the user profile returned by login and session-info.
// Token fields are only present for the token variant.
type SessionInfo struct {
	UserID          int64  `json:"userId"`
	Email           string `json:"email"`
	Nickname        string `json:"nickname"`
	ProfileImageURL string `json:"profileImageUrl"`
	AccessToken     string `json:"accessToken,omitempty"`
	RefreshToken    string `json:"refreshToken,omitempty"`
}

func (s SessionInfo) identity() store.Identity {
	return store.Identity{
		UserID:   s.UserID,
		Email:    s.Email,
		Nickname: s.Nickname,
		ImageURL: s.ProfileImageURL,
	}
}

// Snapshot is a read-only view of local auth state
type Snapshot struct {
	Variant         store.Variant
	Authenticated   bool
	Identity        store.Identity
	HasAccessToken  bool
	HasRefreshToken bool
	AccessExpiry    time.Time // zero when the token carries no exp claim
}

// Service is the account surface of the backend: login, logout and
// session checks, all routed through the gateway.
type Service struct {
	gateway   *api.Gateway
	store     *store.Store
	refresher *auth.Refresher
	jar       *store.PersistentJar
}

// NewService creates the account service. refresher is only used by the
// token variant and jar only by the session variant; either may be nil.
func NewService(gw *api.Gateway, refresher *auth.Refresher, jar *store.PersistentJar) *Service {
	return &Service{
		gateway:   gw,
		store:     gw.Store(),
		refresher: refresher,
		jar:       jar,
	}
}

// Store returns the credential store behind the service
func (s *Service) Store() *store.Store {
	return s.store
}

// Login authenticates with email and password and stores the resulting
// credential and identity. Whatever was stored before is discarded first.
func (s *Service) Login(ctx context.Context, email, password string) (*SessionInfo, error) {
	if err := s.store.Clear(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}

	resp, err := s.gateway.Request(ctx, loginURL, api.Options{
		Method: http.MethodPost,
		Body:   loginRequest{Email: email, Password: password},
	})
	if err != nil {
		logging.Warn("Login failed for %s: %v", email, err)
		return nil, fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}

	var info SessionInfo
	if err := resp.Data(&info); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}
	if info.UserID == 0 {
		return nil, fmt.Errorf("%w: response carried no user id", ErrLoginFailed)
	}

	cred := store.Credential{Variant: s.store.Variant()}
	if cred.Variant == store.VariantToken {
		if info.AccessToken == "" {
			return nil, fmt.Errorf("%w: response carried no access token", ErrLoginFailed)
		}
		cred.AccessToken = info.AccessToken
		cred.RefreshToken = info.RefreshToken
	}
	if err := s.store.SetCredential(cred); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}
	if err := s.store.MergeIdentity(info.identity()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}

	logging.Info("Logged in as user %d (%s)", info.UserID, info.Email)
	return &info, nil
}

// Logout tells the backend to end the session and clears local state.
// The network call is best-effort: local cleanup always happens.
func (s *Service) Logout(ctx context.Context) error {
	if _, err := s.gateway.Request(ctx, logoutURL, api.Options{Method: http.MethodPost}); err != nil {
		logging.Warn("Logout request failed, clearing local state anyway: %v", err)
	}

	err := s.store.Clear()
	if s.jar != nil {
		if jarErr := s.jar.Reset(); jarErr != nil {
			logging.Warn("Failed to reset session cookies: %v", jarErr)
		}
	}
	if err != nil {
		return err
	}
	logging.Info("Logged out")
	return nil
}

// CheckSession asks the backend who the current user is and syncs the
// stored identity. A 401 has already cleared local state when it returns.
func (s *Service) CheckSession(ctx context.Context) (*SessionInfo, error) {
	resp, err := s.gateway.Request(ctx, sessionInfoURL, api.Options{})
	if err != nil {
		return nil, err
	}

	var info SessionInfo
	if err := resp.Data(&info); err != nil {
		return nil, fmt.Errorf("failed to read session info: %w", err)
	}
	if err := s.store.MergeIdentity(info.identity()); err != nil {
		return nil, err
	}
	return &info, nil
}

// Refresh exchanges the refresh token for a new access token
func (s *Service) Refresh(ctx context.Context) (string, error) {
	if s.store.Variant() != store.VariantToken || s.refresher == nil {
		return "", ErrRefreshUnsupported
	}
	return s.refresher.Refresh(ctx)
}

// Snapshot returns the current local state
func (s *Service) Snapshot() Snapshot {
	snap := Snapshot{
		Variant:       s.store.Variant(),
		Authenticated: s.store.IsAuthenticated(),
		Identity:      s.store.Identity(),
	}
	if cred, ok := s.store.Credential(); ok {
		snap.HasAccessToken = cred.AccessToken != ""
		snap.HasRefreshToken = cred.RefreshToken != ""
		if exp, ok := store.TokenExpiry(cred.AccessToken); ok {
			snap.AccessExpiry = exp
		}
	}
	return snap
}
