package api

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Generic user-facing messages
const (
	networkErrorMessage    = "check your network connection"
	serverErrorMessage     = "a server error occurred"
	invalidResponseMessage = "the server returned an invalid response"
)

// ErrReauthenticationRequired is matched by every ReauthenticationRequiredError.
// The UI layer observes it and sends the user to the login entry point.
var ErrReauthenticationRequired = errors.New("reauthentication required")

// Envelope is the backend's response convention: { message, data }
type Envelope struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Multipart is a pre-encoded multipart body; its content type carries the boundary
type Multipart struct {
	ContentType string
	Body        []byte
}

// Options configures one gateway request
type Options struct {
	Method string
	Header map[string]string
	// Body is one of: []byte or string (sent as is, JSON by default),
	// *Multipart, io.Reader (binary, no default content type), or any
	// other value, which is marshalled to JSON.
	Body any
}

// HTTPError is a completed request with a non-2xx status
type HTTPError struct {
	StatusCode int
	Message    string
	Payload    any // parsed response body
}

func (e *HTTPError) Error() string {
	return e.Message
}

// NewHTTPError builds an HTTPError, preferring the server-supplied message
func NewHTTPError(statusCode int, statusText string, payload any) *HTTPError {
	msg := ""
	if m, ok := payload.(map[string]any); ok {
		msg, _ = m["message"].(string)
	}
	if msg == "" {
		msg = statusText
	}
	if msg == "" {
		msg = serverErrorMessage
	}
	return &HTTPError{StatusCode: statusCode, Message: msg, Payload: payload}
}

// TransportError means the request never completed; there is no response.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return networkErrorMessage
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DecodeError means the response declared a content type it did not honor
type DecodeError struct {
	StatusCode  int
	ContentType string
	Err         error
}

func (e *DecodeError) Error() string {
	return invalidResponseMessage
}

// Detail describes what failed to decode, for logs
func (e *DecodeError) Detail() string {
	return fmt.Sprintf("invalid %s response body (status %d): %v", e.ContentType, e.StatusCode, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ReauthenticationRequiredError is the outcome of an irrecoverable 401.
// Local credentials have already been cleared when it is returned.
type ReauthenticationRequiredError struct {
	StatusCode int
	Payload    any
	Cause      error // refresh failure, if that is what ended the attempt
}

func (e *ReauthenticationRequiredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", ErrReauthenticationRequired, e.Cause)
	}
	return ErrReauthenticationRequired.Error()
}

func (e *ReauthenticationRequiredError) Is(target error) bool {
	return target == ErrReauthenticationRequired
}

func (e *ReauthenticationRequiredError) Unwrap() error {
	return e.Cause
}

// IsUnauthorized reports whether err is an HTTP 401 returned to the caller,
// i.e. from a public endpoint
func IsUnauthorized(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == 401
}
