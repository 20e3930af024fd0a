package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fifth-community/authgate/internal/store"
)

// Storage backends for persisted client state
const (
	StateFile   = "file"
	StateMemory = "memory"
	StateRedis  = "redis"
)

// DefaultPublicPaths returns the read endpoints the backend serves without a
// login. A 401 on these is returned to the caller instead of forcing a logout.
// With bearer tokens a post detail read is authenticated (it carries the
// author's view), so an expired token there must still be refreshed.
func DefaultPublicPaths(variant store.Variant) []string {
	if variant == store.VariantToken {
		return []string{`^/posts$`, `^/comments/\d+$`, `^/users/\d+$`}
	}
	return []string{`^/posts$`, `^/posts/\d+$`, `^/comments/\d+$`}
}

// DefaultExpiredMarkers are the error body values that mean "refresh and retry"
var DefaultExpiredMarkers = []string{
	"token_expired",
	"invalid_token",
	"expired_token",
	"jwt expired",
}

// Config holds all configuration for the application
type Config struct {
	// Backend
	BaseURL     string        `mapstructure:"base-url"`
	Variant     store.Variant `mapstructure:"-"`
	HTTPTimeout time.Duration `mapstructure:"http-timeout"`

	// Persisted state
	State         string `mapstructure:"state"`
	StateFile     string `mapstructure:"state-file"`
	RedisAddr     string `mapstructure:"redis-addr"`
	RedisPassword string `mapstructure:"redis-password"`
	RedisPrefix   string `mapstructure:"redis-prefix"`

	// Protocol
	PublicPaths     []string      `mapstructure:"public-paths"`
	ExpiredMarkers  []string      `mapstructure:"expired-markers"`
	MonitorInterval time.Duration `mapstructure:"monitor-interval"`

	// Upload collaborator
	UploadURL        string        `mapstructure:"upload-url"`
	UploadEnabled    bool          `mapstructure:"upload-enabled"`
	UploadTimeout    time.Duration `mapstructure:"upload-timeout"`
	UploadRetries    int           `mapstructure:"upload-retries"`
	UploadRetryDelay time.Duration `mapstructure:"upload-retry-delay"`

	// Logging
	Verbose bool   `mapstructure:"verbose"`
	LogFile string `mapstructure:"log-file"`
}

// BackoffConfig holds exponential backoff settings
type BackoffConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	MaxRetries          int
}

// DefaultBackoffConfig returns the upload retry policy: 2 retries starting at 1s
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval:     time.Second,
		MaxInterval:         10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.2,
		MaxRetries:          2,
	}
}

// SetupFlags configures persistent CLI flags on the root command
func SetupFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()

	// Backend flags
	flags.String("base-url", "http://localhost:8080/api", "Backend API base URL (including the /api prefix)")
	flags.String("variant", string(store.VariantToken), "Credential variant: session (cookies) or token (bearer)")
	flags.Duration("http-timeout", 30*time.Second, "Timeout for backend HTTP requests")

	// State flags
	flags.String("state", StateFile, "Where client state is persisted: file, memory or redis")
	flags.String("state-file", defaultStateFile(), "State file used when --state=file")
	flags.String("redis-addr", "localhost:6379", "Redis address used when --state=redis")
	flags.String("redis-password", "", "Redis password (or set AUTHGATE_REDIS_PASSWORD)")
	flags.String("redis-prefix", "authgate:", "Key prefix for the redis state backend")

	// Protocol flags
	flags.StringSlice("public-paths", nil, "Path patterns readable without login (401 is not treated as logout); defaults depend on the variant")
	flags.StringSlice("expired-markers", DefaultExpiredMarkers, "Error body markers that trigger a token refresh")
	flags.Duration("monitor-interval", 60*time.Second, "Session-liveness check interval (session variant)")

	// Upload flags
	flags.String("upload-url", "", "Serverless image upload endpoint")
	flags.Bool("upload-enabled", false, "Upload images through the serverless endpoint instead of the backend")
	flags.Duration("upload-timeout", 30*time.Second, "Timeout for a single serverless upload attempt")
	flags.Int("upload-retries", 2, "Retries for a failed serverless upload")
	flags.Duration("upload-retry-delay", time.Second, "Delay before the first upload retry")

	// Other flags
	flags.BoolP("verbose", "v", false, "Enable verbose logging")
	flags.String("log-file", "", "Write log lines to this file")

	// Bind flags to viper
	viper.BindPFlags(flags)

	// Bind environment variables
	viper.SetEnvPrefix("AUTHGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// Load loads configuration from flags, environment, and validates it
func Load() (*Config, error) {
	cfg := &Config{}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	variant, err := store.ParseVariant(viper.GetString("variant"))
	if err != nil {
		return nil, err
	}
	cfg.Variant = variant
	if len(cfg.PublicPaths) == 0 {
		cfg.PublicPaths = DefaultPublicPaths(variant)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and valid
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base-url is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("base-url must be an absolute URL, got %q", c.BaseURL)
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")

	if c.Variant != store.VariantSession && c.Variant != store.VariantToken {
		return fmt.Errorf("variant must be %q or %q", store.VariantSession, store.VariantToken)
	}

	switch c.State {
	case StateFile:
		if c.StateFile == "" {
			return fmt.Errorf("state-file is required when state=file")
		}
	case StateMemory:
	case StateRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis-addr is required when state=redis")
		}
	default:
		return fmt.Errorf("unknown state backend %q (want file, memory or redis)", c.State)
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http-timeout must be positive")
	}
	if c.MonitorInterval < 0 {
		return fmt.Errorf("monitor-interval must be >= 0 (0 uses the default)")
	}
	if c.UploadEnabled && c.UploadURL == "" {
		return fmt.Errorf("upload-url is required when upload-enabled is set")
	}
	if c.UploadRetries < 0 {
		return fmt.Errorf("upload-retries must be >= 0")
	}

	return nil
}

// GetBackoffConfig returns the upload retry policy from the config
func (c *Config) GetBackoffConfig() BackoffConfig {
	cfg := DefaultBackoffConfig()
	if c.UploadRetryDelay > 0 {
		cfg.InitialInterval = c.UploadRetryDelay
	}
	cfg.MaxRetries = c.UploadRetries
	return cfg
}

func defaultStateFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "authgate-state.json"
	}
	return filepath.Join(dir, "authgate", "state.json")
}
