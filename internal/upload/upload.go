package upload

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fifth-community/authgate/internal/api"
	"github.com/fifth-community/authgate/internal/backoff"
	"github.com/fifth-community/authgate/internal/config"
	"github.com/fifth-community/authgate/internal/logging"
)

const (
	// MaxSize is the largest image accepted for upload
	MaxSize = 5 << 20

	// FolderImages holds post images, FolderProfiles profile pictures
	FolderImages   = "images"
	FolderProfiles = "profiles"

	profileImageURL = "/users/upload-profile-image"
	postImageURL    = "/posts/upload-image"

	successMessage = "upload_success"
)

// ErrInvalidFile is matched by every validation failure
var ErrInvalidFile = errors.New("invalid upload")

// Error represents a failed upload
type Error struct {
	StatusCode int // 0 when the request never completed
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("image upload failed (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("image upload failed: %s", e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// retryable reports whether another attempt may succeed
func (e *Error) retryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// File is one image to upload
type File struct {
	Name        string
	ContentType string // sniffed from Data when empty
	Data        []byte
}

// ReadFile loads an image from disk
func ReadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return File{Name: filepath.Base(path), Data: data}, nil
}

// Validate checks the file is a non-empty image within MaxSize and fills in
// its content type
func (f *File) Validate() error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%w: no file selected", ErrInvalidFile)
	}
	if f.ContentType == "" {
		f.ContentType = http.DetectContentType(f.Data)
	}
	if !strings.HasPrefix(f.ContentType, "image/") {
		return fmt.Errorf("%w: only image files can be uploaded (got %s)", ErrInvalidFile, f.ContentType)
	}
	if len(f.Data) > MaxSize {
		return fmt.Errorf("%w: file must be 5MB or smaller", ErrInvalidFile)
	}
	return nil
}

// Config selects and tunes the upload path
type Config struct {
	URL     string // serverless endpoint
	Enabled bool   // use the serverless endpoint instead of the backend
	Timeout time.Duration
	Backoff config.BackoffConfig
}

// ConfigFrom builds an upload config from application config
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		URL:     cfg.UploadURL,
		Enabled: cfg.UploadEnabled,
		Timeout: cfg.UploadTimeout,
		Backoff: cfg.GetBackoffConfig(),
	}
}

// serverlessRequest is the body posted to the serverless endpoint
type serverlessRequest struct {
	File        string `json:"file"`
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Folder      string `json:"folder"`
}

// uploadResponse covers both the serverless and the backend envelopes
type uploadResponse struct {
	Message string `json:"message"`
	Data    *struct {
		ImageURL string `json:"imageUrl"`
		Error    string `json:"error"`
	} `json:"data"`
}

// Uploader sends images either to the serverless endpoint or through the
// backend gateway as multipart form data
type Uploader struct {
	httpClient *http.Client
	gateway    *api.Gateway
	cfg        Config
}

// New creates an uploader. If httpClient is nil, a default client is created.
func New(httpClient *http.Client, gw *api.Gateway, cfg Config) *Uploader {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Uploader{httpClient: httpClient, gateway: gw, cfg: cfg}
}

// Upload stores f in folder and returns its public URL
func (u *Uploader) Upload(ctx context.Context, f File, folder string) (string, error) {
	if err := f.Validate(); err != nil {
		return "", err
	}
	if folder == "" {
		folder = FolderImages
	}

	if u.cfg.Enabled {
		return u.uploadServerless(ctx, f, folder)
	}
	return u.uploadBackend(ctx, f, folder)
}

func (u *Uploader) uploadServerless(ctx context.Context, f File, folder string) (string, error) {
	body, err := json.Marshal(serverlessRequest{
		File:        base64.StdEncoding.EncodeToString(f.Data),
		FileName:    f.Name,
		ContentType: f.ContentType,
		Folder:      folder,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode upload request: %w", err)
	}

	bo := backoff.New(u.cfg.Backoff)
	bo.SetCallback(func(attempt int, d time.Duration) {
		logging.Warn("Retrying upload of %s in %s (retry %d/%d)", f.Name, d.Round(time.Millisecond), attempt, u.cfg.Backoff.MaxRetries)
	})

	for {
		imageURL, err := u.postServerless(ctx, body)
		if err == nil {
			logging.Info("Uploaded %s to %s", f.Name, imageURL)
			return imageURL, nil
		}

		var uploadErr *Error
		if !errors.As(err, &uploadErr) || !uploadErr.retryable() {
			return "", err
		}
		if waitErr := bo.Wait(ctx); waitErr != nil {
			if errors.Is(waitErr, backoff.ErrExhausted) {
				return "", err
			}
			return "", waitErr
		}
	}
}

// postServerless makes one attempt under the upload timeout
func (u *Uploader) postServerless(ctx context.Context, body []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, u.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		// A per-attempt timeout is retryable, a canceled caller is not
		if cause := context.Cause(ctx); errors.Is(cause, context.Canceled) {
			return "", cause
		}
		return "", &Error{Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{StatusCode: resp.StatusCode, Message: "failed to read response", Err: err}
	}

	var parsed uploadResponse
	decodeErr := json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := fmt.Sprintf("upload failed: %d", resp.StatusCode)
		if decodeErr == nil && parsed.Data != nil && parsed.Data.Error != "" {
			msg = parsed.Data.Error
		}
		return "", &Error{StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return "", &Error{StatusCode: resp.StatusCode, Message: "invalid response", Err: decodeErr}
	}
	if parsed.Message != successMessage || parsed.Data == nil || parsed.Data.ImageURL == "" {
		return "", &Error{StatusCode: resp.StatusCode, Message: "no image URL received"}
	}
	return parsed.Data.ImageURL, nil
}

func (u *Uploader) uploadBackend(ctx context.Context, f File, folder string) (string, error) {
	if u.gateway == nil {
		return "", &Error{Message: "no backend configured"}
	}

	form, err := multipartFile(f)
	if err != nil {
		return "", err
	}

	path := postImageURL
	if folder == FolderProfiles {
		path = profileImageURL
	}

	resp, err := u.gateway.Request(ctx, path, api.Options{Method: http.MethodPost, Body: form})
	if err != nil {
		return "", err
	}

	var data struct {
		ImageURL string `json:"imageUrl"`
	}
	if err := resp.Data(&data); err != nil || data.ImageURL == "" {
		return "", &Error{StatusCode: resp.StatusCode, Message: "no image URL received", Err: err}
	}
	logging.Info("Uploaded %s to %s", f.Name, data.ImageURL)
	return data.ImageURL, nil
}

// multipartFile encodes f as the "file" field of a multipart form
func multipartFile(f File) (*api.Multipart, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, f.Name))
	h.Set("Content-Type", f.ContentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart body: %w", err)
	}
	if _, err := part.Write(f.Data); err != nil {
		return nil, fmt.Errorf("failed to write multipart body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}
	return &api.Multipart{ContentType: w.FormDataContentType(), Body: buf.Bytes()}, nil
}
