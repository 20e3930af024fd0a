package auth

import (
	"context"
	"net/http"

	"github.com/fifth-community/authgate/internal/store"
)

// CookieStrategy relies on server-held session cookies. Expiry is decided
// by the server, so there is nothing to renew: every 401 means log in again.
type CookieStrategy struct {
	jar http.CookieJar
}

// NewCookieStrategy creates the session-variant strategy around jar
func NewCookieStrategy(jar http.CookieJar) *CookieStrategy {
	return &CookieStrategy{jar: jar}
}

func (c *CookieStrategy) Variant() store.Variant { return store.VariantSession }

// Decorate adds nothing; cookies travel through Jar.
func (c *CookieStrategy) Decorate(ctx context.Context, req *http.Request, attempt *Attempt) error {
	return nil
}

func (c *CookieStrategy) HandleUnauthorized(ctx context.Context, body any, attempt *Attempt) Decision {
	return Reauthenticate
}

func (c *CookieStrategy) Jar() http.CookieJar {
	return c.jar
}
