package auth

import (
	"context"
	"net/http"

	"github.com/fifth-community/authgate/internal/store"
)

// DefaultUserAgent identifies this client to the backend
const DefaultUserAgent = "authgate/0.1"

// Decision is a strategy's verdict on a 401 response
type Decision int

const (
	// Reauthenticate means local state must be cleared and the user sent to login
	Reauthenticate Decision = iota
	// Retry means credentials were renewed and the request may be re-issued once
	Retry
)

func (d Decision) String() string {
	if d == Retry {
		return "retry"
	}
	return "reauthenticate"
}

// Attempt tracks credential renewal across the sends of one logical request.
// A request renews its credentials at most once, whether before the first
// send or after a 401. The zero value is ready to use; it is not safe for
// concurrent use.
type Attempt struct {
	refreshed bool
}

// Refreshed reports whether this request already renewed its credentials
func (a *Attempt) Refreshed() bool {
	return a != nil && a.refreshed
}

// claimRefresh uses up the request's single renewal. It reports false when
// the renewal was already spent.
func (a *Attempt) claimRefresh() bool {
	if a == nil {
		return true
	}
	if a.refreshed {
		return false
	}
	a.refreshed = true
	return true
}

// Strategy is how credentials are carried and renewed.
// It supports both bearer tokens (token variant) and server-held
// session cookies (session variant), selected once at startup.
type Strategy interface {
	// Variant reports which credential variant the strategy implements.
	Variant() store.Variant

	// Decorate attaches credentials to an outbound request.
	// For bearer auth this sets the Authorization header when a token is stored.
	Decorate(ctx context.Context, req *http.Request, attempt *Attempt) error

	// HandleUnauthorized interprets the parsed body of a non-public 401.
	// It may renew credentials before answering Retry, unless attempt has
	// already spent its renewal.
	HandleUnauthorized(ctx context.Context, body any, attempt *Attempt) Decision

	// Jar returns the ambient credentials to include with every request,
	// or nil when credentials travel in headers only.
	Jar() http.CookieJar
}

// New builds the strategy for the store's variant
func New(st *store.Store, refresher *Refresher, jar http.CookieJar, markers []string) Strategy {
	if st.Variant() == store.VariantSession {
		return NewCookieStrategy(jar)
	}
	return NewBearerStrategy(st, refresher, markers)
}
