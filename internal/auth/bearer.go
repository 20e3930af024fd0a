package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/fifth-community/authgate/internal/logging"
	"github.com/fifth-community/authgate/internal/store"
)

// BearerStrategy carries the stored access token as a bearer credential
// and renews it through the Refresher when the backend reports it expired.
type BearerStrategy struct {
	store     *store.Store
	refresher *Refresher
	markers   []string
}

// NewBearerStrategy creates the token-variant strategy.
// markers are the error body values meaning "expired or invalid token".
func NewBearerStrategy(st *store.Store, refresher *Refresher, markers []string) *BearerStrategy {
	normalized := make([]string, 0, len(markers))
	for _, m := range markers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			normalized = append(normalized, m)
		}
	}
	return &BearerStrategy{
		store:     st,
		refresher: refresher,
		markers:   normalized,
	}
}

func (b *BearerStrategy) Variant() store.Variant { return store.VariantToken }

func (b *BearerStrategy) Jar() http.CookieJar { return nil }

// Decorate sets the Authorization header. No header is sent without a token.
// A token whose exp claim has passed on the store's clock is exchanged first,
// never sent. Without a refresh token that exchange fails and logs out.
func (b *BearerStrategy) Decorate(ctx context.Context, req *http.Request, attempt *Attempt) error {
	cred, ok := b.store.Credential()
	if !ok || cred.AccessToken == "" {
		return nil
	}

	token := cred.AccessToken
	if exp, ok := store.TokenExpiry(token); ok && !exp.After(b.store.Now()) {
		if !attempt.claimRefresh() {
			// Issued for this very request; the backend decides whether it is still good
			logging.Debug("renewed access token already expired at %s, sending it once", exp.Format(time.RFC3339))
			req.Header.Set("Authorization", "Bearer "+token)
			return nil
		}
		logging.Debug("access token expired at %s, refreshing before request", exp.Format(time.RFC3339))
		fresh, err := b.refresh(ctx)
		if err != nil {
			return err
		}
		token = fresh
	}

	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// HandleUnauthorized refreshes once when the body carries an expired-token
// marker. Any other 401 requires a new login, as does a marker on a request
// that already renewed its token.
func (b *BearerStrategy) HandleUnauthorized(ctx context.Context, body any, attempt *Attempt) Decision {
	if !b.isExpiredMarker(body) {
		return Reauthenticate
	}
	if !attempt.claimRefresh() {
		logging.Warn("token reported expired right after renewal, not refreshing again")
		return Reauthenticate
	}
	if _, err := b.refresh(ctx); err != nil {
		return Reauthenticate
	}
	return Retry
}

func (b *BearerStrategy) refresh(ctx context.Context) (string, error) {
	if b.refresher == nil {
		return "", ErrNoRefreshToken
	}
	return b.refresher.Refresh(ctx)
}

func (b *BearerStrategy) isExpiredMarker(body any) bool {
	switch v := body.(type) {
	case map[string]any:
		for _, field := range []string{"message", "code", "error"} {
			if s, ok := v[field].(string); ok && b.matches(s) {
				return true
			}
		}
	case string:
		return b.matches(v)
	}
	return false
}

func (b *BearerStrategy) matches(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, m := range b.markers {
		if s == m {
			return true
		}
	}
	return false
}
