package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fifth-community/authgate/internal/auth"
	"github.com/fifth-community/authgate/internal/logging"
	"github.com/fifth-community/authgate/internal/store"
)

// Gateway performs logical calls against the backend. It decorates each
// request with credentials and recovers from an expired credential at most
// once per call.
type Gateway struct {
	httpClient *http.Client
	baseURL    string
	strategy   auth.Strategy
	store      *store.Store
	public     *PublicPaths
}

// Response is a successful (2xx) backend response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       any // decoded JSON, or the raw text for non-JSON responses
	Raw        []byte
}

// Data decodes the envelope's data field into v
func (r *Response) Data(v any) error {
	var env Envelope
	if err := json.Unmarshal(r.Raw, &env); err != nil {
		return fmt.Errorf("failed to parse response envelope: %w", err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("response carried no data")
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("failed to parse response data: %w", err)
	}
	return nil
}

// Message returns the envelope's message field, if any
func (r *Response) Message() string {
	if m, ok := r.Body.(map[string]any); ok {
		s, _ := m["message"].(string)
		return s
	}
	return ""
}

// NewGateway creates a gateway for baseURL (including the /api prefix).
// If httpClient is nil, a default client with 30s timeout is created.
// When the strategy carries ambient credentials, the client is copied and
// given the strategy's cookie jar.
func NewGateway(httpClient *http.Client, baseURL string, strategy auth.Strategy, st *store.Store, public *PublicPaths) *Gateway {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if jar := strategy.Jar(); jar != nil {
		withJar := *httpClient
		withJar.Jar = jar
		httpClient = &withJar
	}
	return &Gateway{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		strategy:   strategy,
		store:      st,
		public:     public,
	}
}

// Store returns the credential store the gateway decorates from
func (g *Gateway) Store() *store.Store {
	return g.store
}

// Request performs one logical call. Failures are *HTTPError, *TransportError,
// *DecodeError, *ReauthenticationRequiredError, or the context's error.
func (g *Gateway) Request(ctx context.Context, path string, opts Options) (*Response, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	body, contentType, err := encodeBody(opts.Body)
	if err != nil {
		return nil, err
	}
	p := prepared{
		method:      method,
		path:        path,
		header:      opts.Header,
		body:        body,
		contentType: contentType,
		requestID:   uuid.NewString(),
		attempt:     &auth.Attempt{},
	}

	resp, err := g.send(ctx, p)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		if g.public.Match(path) {
			logging.Debug("[%s] 401 on public path %s, returning to caller", p.requestID, path)
			return nil, NewHTTPError(resp.StatusCode, http.StatusText(resp.StatusCode), resp.Body)
		}

		decision := g.strategy.HandleUnauthorized(ctx, resp.Body, p.attempt)
		if ctxErr := ctx.Err(); ctxErr != nil {
			// The caller gave up; that says nothing about the credentials
			return nil, ctxErr
		}
		if decision != auth.Retry {
			return nil, g.reauthenticate(p, resp.StatusCode, resp.Body, nil)
		}

		logging.Debug("[%s] credentials renewed, retrying %s %s", p.requestID, method, path)
		resp, err = g.send(ctx, p)
		if err != nil {
			return nil, err
		}
		// The retry's own 401 is terminal: no second refresh
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, g.reauthenticate(p, resp.StatusCode, resp.Body, nil)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, NewHTTPError(resp.StatusCode, http.StatusText(resp.StatusCode), resp.Body)
	}

	return resp, nil
}

// prepared holds everything needed to (re)issue the identical request
type prepared struct {
	method      string
	path        string
	header      map[string]string
	body        []byte
	contentType string
	requestID   string
	attempt     *auth.Attempt // shared by the first send and the retry
}

func (g *Gateway) send(ctx context.Context, p prepared) (*Response, error) {
	url := g.baseURL + p.path

	var reader io.Reader
	if p.body != nil {
		reader = bytes.NewReader(p.body)
	}
	req, err := http.NewRequestWithContext(ctx, p.method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for k, v := range p.header {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", auth.DefaultUserAgent)
	req.Header.Set("X-Request-ID", p.requestID)
	if p.body != nil && req.Header.Get("Content-Type") == "" && p.contentType != "" {
		req.Header.Set("Content-Type", p.contentType)
	}

	if err := g.strategy.Decorate(ctx, req, p.attempt); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Decorate only fails when renewing an expired token failed
		return nil, g.reauthenticate(p, 0, nil, err)
	}

	logging.Debug("[%s] API Request: %s %s", p.requestID, p.method, url)
	resp, err := g.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		logging.Error("[%s] Request failed: %s %s - %v", p.requestID, p.method, url, err)
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		logging.Error("[%s] Failed to read response body: %v", p.requestID, err)
		return nil, &TransportError{Err: err}
	}
	logging.Debug("[%s] API Response: %s %s -> %d", p.requestID, p.method, url, resp.StatusCode)

	parsed, err := parseBody(resp.Header.Get("Content-Type"), raw)
	if err != nil {
		logging.Error("[%s] Failed to parse JSON response from %s (status %d): %s", p.requestID, url, resp.StatusCode, truncateString(string(raw), 500))
		return nil, &DecodeError{StatusCode: resp.StatusCode, ContentType: resp.Header.Get("Content-Type"), Err: err}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       parsed,
		Raw:        raw,
	}, nil
}

// reauthenticate clears local state before reporting, so a stale identity
// cannot drive another request against the same expired credential.
func (g *Gateway) reauthenticate(p prepared, status int, payload any, cause error) error {
	logging.Warn("[%s] %s %s requires reauthentication (status %d)", p.requestID, p.method, p.path, status)
	if err := g.store.Clear(); err != nil {
		logging.Error("[%s] failed to clear credentials: %v", p.requestID, err)
	}
	return &ReauthenticationRequiredError{StatusCode: status, Payload: payload, Cause: cause}
}

// encodeBody returns the bytes to send and the default content type, which is
// empty for binary payloads
func encodeBody(body any) ([]byte, string, error) {
	const jsonType = "application/json"

	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case []byte:
		return b, jsonType, nil
	case string:
		return []byte(b), jsonType, nil
	case *Multipart:
		return b.Body, b.ContentType, nil
	case io.Reader:
		// Buffered so a retry can replay it
		data, err := io.ReadAll(b)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read request body: %w", err)
		}
		return data, "", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode request body: %w", err)
		}
		return data, jsonType, nil
	}
}

// parseBody decodes JSON when the response declares a JSON content type and
// returns raw text otherwise. An empty JSON body decodes to nil.
func parseBody(contentType string, raw []byte) (any, error) {
	if !strings.Contains(strings.ToLower(contentType), "application/json") {
		return string(raw), nil
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// truncateString truncates a string to maxLen characters
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "...[truncated]"
}

// IsReauthenticationRequired reports whether err asks the UI to send the user to login
func IsReauthenticationRequired(err error) bool {
	return errors.Is(err, ErrReauthenticationRequired)
}
