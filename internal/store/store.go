package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fifth-community/authgate/internal/logging"
)

// Persisted keys
const (
	KeyAccessToken  = "auth.accessToken"
	KeyRefreshToken = "auth.refreshToken"
	KeyUser         = "auth.user"
	KeyCookies      = "auth.cookies"
)

// ErrWatchUnsupported is returned by Watch for backends local to one process
var ErrWatchUnsupported = errors.New("state backend does not support change notifications")

// Credential is the caller's proof of identity. For the session variant it is
// only a marker that a server-side session may exist.
type Credential struct {
	Variant      Variant
	AccessToken  string
	RefreshToken string
}

// Identity is the cached user profile. Server state wins on conflict.
type Identity struct {
	UserID   int64  `json:"userId,omitempty"`
	Email    string `json:"email,omitempty"`
	Nickname string `json:"nickname,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// IsZero reports whether no field is set
func (i Identity) IsZero() bool {
	return i == Identity{}
}

// userRecord is the serialized form of KeyUser
type userRecord struct {
	UserID  int64         `json:"userId,omitempty"`
	Session bool          `json:"session,omitempty"`
	Profile profileRecord `json:"profile"`
}

type profileRecord struct {
	Email    string `json:"email,omitempty"`
	Nickname string `json:"nickname,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// Store holds the single active credential and identity of this client.
// All operations are local and synchronous. Read failures of the backend
// degrade to absent values instead of failing the caller.
type Store struct {
	mu      sync.Mutex
	backend Backend
	variant Variant
	now     func() time.Time

	obsMu     sync.Mutex
	observers map[int]Observer
	nextObsID int
}

// New creates a store for the given credential variant
func New(backend Backend, variant Variant) *Store {
	return &Store{
		backend:   backend,
		variant:   variant,
		now:       time.Now,
		observers: make(map[int]Observer),
	}
}

// SetClock overrides the time source used for token expiry checks
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Now returns the current time on the store's clock. Every token expiry
// decision is made against it.
func (s *Store) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}

// Variant returns the credential variant the store was created for
func (s *Store) Variant() Variant {
	return s.variant
}

// Backend exposes the underlying storage, e.g. for the cookie jar
func (s *Store) Backend() Backend {
	return s.backend
}

// Credential returns the stored credential, if any
func (s *Store) Credential() (Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.variant == VariantSession {
		rec := s.loadUser()
		if !rec.Session {
			return Credential{}, false
		}
		return Credential{Variant: VariantSession}, true
	}

	access := s.get(KeyAccessToken)
	refresh := s.get(KeyRefreshToken)
	if access == "" && refresh == "" {
		return Credential{}, false
	}
	return Credential{Variant: VariantToken, AccessToken: access, RefreshToken: refresh}, true
}

// SetCredential replaces the stored credential. Token keys are written
// together: if the second write fails the first is rolled back.
func (s *Store) SetCredential(c Credential) error {
	s.mu.Lock()
	err := s.setCredential(c)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if c.Variant == VariantSession {
		s.notify(Change{Key: KeyUser})
	} else {
		s.notify(Change{Key: KeyAccessToken})
	}
	return nil
}

func (s *Store) setCredential(c Credential) error {
	if c.Variant == VariantSession {
		rec := s.loadUser()
		rec.Session = true
		return s.saveUser(rec)
	}

	prevAccess, hadAccess, _ := s.backend.Get(KeyAccessToken)
	if err := s.putOrDelete(KeyAccessToken, c.AccessToken); err != nil {
		return fmt.Errorf("failed to store access token: %w", err)
	}
	if err := s.putOrDelete(KeyRefreshToken, c.RefreshToken); err != nil {
		if hadAccess {
			s.backend.Set(KeyAccessToken, prevAccess)
		} else {
			s.backend.Delete(KeyAccessToken)
		}
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	return nil
}

// SetAccessToken replaces only the access token, keeping the refresh token
func (s *Store) SetAccessToken(token string) error {
	s.mu.Lock()
	err := s.putOrDelete(KeyAccessToken, token)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to store access token: %w", err)
	}
	s.notify(Change{Key: KeyAccessToken})
	return nil
}

// Identity returns the cached identity, or the zero value if none is stored
func (s *Store) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadUser().identity()
}

// UserID returns the cached user id
func (s *Store) UserID() (int64, bool) {
	id := s.Identity().UserID
	return id, id != 0
}

// MergeIdentity shallow-merges patch into the stored identity.
// Non-zero fields of patch overwrite; zero fields leave the stored value alone.
func (s *Store) MergeIdentity(patch Identity) error {
	s.mu.Lock()
	rec := s.loadUser()
	if patch.UserID != 0 {
		rec.UserID = patch.UserID
	}
	if patch.Email != "" {
		rec.Profile.Email = patch.Email
	}
	if patch.Nickname != "" {
		rec.Profile.Nickname = patch.Nickname
	}
	if patch.ImageURL != "" {
		rec.Profile.ImageURL = patch.ImageURL
	}
	err := s.saveUser(rec)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify(Change{Key: KeyUser})
	return nil
}

// Clear removes credential and identity together. Clearing an empty store is a no-op.
func (s *Store) Clear() error {
	s.mu.Lock()
	err := s.backend.Delete(KeyAccessToken, KeyRefreshToken, KeyUser)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	s.notify(Change{Key: KeyUser, Cleared: true})
	return nil
}

// IsAuthenticated reports whether the client believes it is logged in.
// Session: an identity with a user id is stored; liveness is the server's call.
// Token: the stored access token has an exp claim strictly after now.
func (s *Store) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.variant == VariantSession {
		return s.loadUser().UserID != 0
	}
	return TokenValid(s.get(KeyAccessToken), s.now())
}

// Watch forwards identity changes made by other processes sharing the backend
// to observers. It blocks until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	w, ok := s.backend.(Watcher)
	if !ok {
		return ErrWatchUnsupported
	}
	return w.Watch(ctx, func(key string) {
		if key != KeyUser {
			return
		}
		logging.Debug("identity changed by another process")
		s.notify(Change{Key: KeyUser, Remote: true})
	})
}

func (s *Store) get(key string) string {
	v, ok, err := s.backend.Get(key)
	if err != nil {
		logging.Warn("failed to read %s: %v", key, err)
		return ""
	}
	if !ok {
		return ""
	}
	return v
}

func (s *Store) putOrDelete(key, value string) error {
	if value == "" {
		return s.backend.Delete(key)
	}
	return s.backend.Set(key, value)
}

func (s *Store) loadUser() userRecord {
	var rec userRecord
	raw := s.get(KeyUser)
	if raw == "" {
		return rec
	}
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		logging.Warn("discarding corrupted %s: %v", KeyUser, err)
		return userRecord{}
	}
	return rec
}

func (s *Store) saveUser(rec userRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode identity: %w", err)
	}
	if err := s.backend.Set(KeyUser, string(raw)); err != nil {
		return fmt.Errorf("failed to store identity: %w", err)
	}
	return nil
}

func (r userRecord) identity() Identity {
	return Identity{
		UserID:   r.UserID,
		Email:    r.Profile.Email,
		Nickname: r.Profile.Nickname,
		ImageURL: r.Profile.ImageURL,
	}
}
