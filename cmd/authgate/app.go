package main

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fifth-community/authgate/internal/account"
	"github.com/fifth-community/authgate/internal/api"
	"github.com/fifth-community/authgate/internal/auth"
	"github.com/fifth-community/authgate/internal/config"
	"github.com/fifth-community/authgate/internal/logging"
	"github.com/fifth-community/authgate/internal/store"
	"github.com/fifth-community/authgate/internal/upload"
)

// application is every component built once at startup from config
type application struct {
	cfg      *config.Config
	backend  store.Backend
	store    *store.Store
	jar      *store.PersistentJar
	gateway  *api.Gateway
	account  *account.Service
	uploader *upload.Uploader
	closer   io.Closer
}

// newBackend opens the persisted state backend selected by cfg
func newBackend(cfg *config.Config) (store.Backend, io.Closer, error) {
	switch cfg.State {
	case config.StateMemory:
		return store.NewMemoryBackend(), nil, nil
	case config.StateRedis:
		r, err := store.NewRedisBackend(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisPrefix)
		if err != nil {
			return nil, nil, err
		}
		return r, r, nil
	default:
		f, err := store.NewFileBackend(cfg.StateFile)
		if err != nil {
			return nil, nil, err
		}
		return f, nil, nil
	}
}

// newApplication wires the credential store, strategy and gateway for cfg.Variant
func newApplication(cfg *config.Config) (*application, error) {
	backend, closer, err := newBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open state backend: %w", err)
	}
	return buildApplication(cfg, backend, closer)
}

// buildApplication takes ownership of closer: it is closed if wiring fails
func buildApplication(cfg *config.Config, backend store.Backend, closer io.Closer) (_ *application, err error) {
	defer func() {
		if err != nil && closer != nil {
			if cerr := closer.Close(); cerr != nil {
				logging.Warn("failed to close state backend: %v", cerr)
			}
		}
	}()

	// Create shared HTTP client for connection pooling across all components
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 5,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	st := store.New(backend, cfg.Variant)

	public, err := api.NewPublicPaths(cfg.PublicPaths)
	if err != nil {
		return nil, err
	}

	app := &application{cfg: cfg, backend: backend, store: st, closer: closer}

	var (
		refresher *auth.Refresher
		jar       http.CookieJar
	)
	if cfg.Variant == store.VariantSession {
		app.jar, err = store.NewPersistentJar(backend, cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		jar = app.jar
		logging.Debug("Using session cookie credentials")
	} else {
		refresher = auth.NewRefresher(httpClient, cfg.BaseURL, st)
		logging.Debug("Using bearer token credentials")
	}
	strategy := auth.New(st, refresher, jar, cfg.ExpiredMarkers)

	app.gateway = api.NewGateway(httpClient, cfg.BaseURL, strategy, st, public)
	app.account = account.NewService(app.gateway, refresher, app.jar)
	app.uploader = upload.New(httpClient, app.gateway, upload.ConfigFrom(cfg))
	return app, nil
}

func (a *application) Close() error {
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}
