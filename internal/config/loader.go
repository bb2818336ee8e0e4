package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":5000"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultPathPrefix      = "/api/ai"
	DefaultDialTimeout     = 10 * time.Second
	DefaultReadLimit       = 16 << 20
	DefaultStorageDir      = "storage"
	DefaultMaxUploadBytes  = 25 << 20
	DefaultMaxDuration     = 30 * time.Minute
)

// DefaultRelayOrigins returns the upgrade origin patterns used when
// relay.allowed_origins is absent: the usual local front-end dev servers.
func DefaultRelayOrigins() []string {
	return []string{"localhost:3000", "localhost:5173"}
}

// DefaultCORSOrigins returns the CORS origins used when cors.allowed_origins
// is absent.
func DefaultCORSOrigins() []string {
	return []string{"http://localhost:3000", "http://localhost:5173"}
}

// Default returns a configuration with every default applied. Used when the
// server starts without a config file.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Relay.PathPrefix == "" {
		cfg.Relay.PathPrefix = DefaultPathPrefix
	}
	if cfg.Relay.DialTimeout == 0 {
		cfg.Relay.DialTimeout = DefaultDialTimeout
	}
	if cfg.Relay.ReadLimit == 0 {
		cfg.Relay.ReadLimit = DefaultReadLimit
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = DefaultStorageDir
	}
	if cfg.Storage.MaxUploadBytes == 0 {
		cfg.Storage.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.YouTube.MaxDuration == 0 {
		cfg.YouTube.MaxDuration = DefaultMaxDuration
	}
	// An explicit empty list in YAML decodes to a non-nil slice and is kept.
	if cfg.Relay.AllowedOrigins == nil {
		cfg.Relay.AllowedOrigins = DefaultRelayOrigins()
	}
	if cfg.CORS.AllowedOrigins == nil {
		cfg.CORS.AllowedOrigins = DefaultCORSOrigins()
	}
}

// ApplyEnv overrides fields from the environment. OPENAI_API_KEY fills an
// empty openai.api_key and PORT replaces the port of server.listen_addr.
// getenv is usually [os.Getenv].
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if key := getenv("OPENAI_API_KEY"); key != "" && cfg.OpenAI.APIKey == "" {
		cfg.OpenAI.APIKey = key
	}
	if port := getenv("PORT"); port != "" {
		host, _, err := net.SplitHostPort(cfg.Server.ListenAddr)
		if err != nil {
			host = ""
		}
		cfg.Server.ListenAddr = net.JoinHostPort(host, port)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.Server.ListenAddr); err != nil {
			errs = append(errs, fmt.Errorf("server.listen_addr %q is invalid: %w", cfg.Server.ListenAddr, err))
		}
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %v must not be negative", cfg.Server.ShutdownTimeout))
	}

	// Relay
	if p := cfg.Relay.PathPrefix; p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, fmt.Errorf("relay.path_prefix %q must start with /", p))
	}
	if u := cfg.Relay.UpstreamURL; u != "" {
		parsed, err := url.Parse(u)
		if err != nil {
			errs = append(errs, fmt.Errorf("relay.upstream_url %q is invalid: %w", u, err))
		} else if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
			errs = append(errs, fmt.Errorf("relay.upstream_url %q must use ws or wss", u))
		}
	}
	if cfg.Relay.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("relay.dial_timeout %v must not be negative", cfg.Relay.DialTimeout))
	}
	if cfg.Relay.ReadLimit < 0 {
		errs = append(errs, fmt.Errorf("relay.read_limit %d must not be negative", cfg.Relay.ReadLimit))
	}
	if cfg.Relay.DebugErrors {
		slog.Warn("relay.debug_errors is enabled; raw upstream errors will be sent to clients")
	}

	// CORS
	for i, origin := range cfg.CORS.AllowedOrigins {
		if _, err := path.Match(origin, ""); err != nil {
			errs = append(errs, fmt.Errorf("cors.allowed_origins[%d] %q is not a valid pattern: %w", i, origin, err))
		}
	}
	if cfg.CORS.AllowUnlisted {
		slog.Warn("cors.allow_unlisted is enabled; every origin will be accepted")
	}

	// Storage
	if cfg.Storage.MaxUploadBytes < 0 {
		errs = append(errs, fmt.Errorf("storage.max_upload_bytes %d must not be negative", cfg.Storage.MaxUploadBytes))
	}
	if cfg.Storage.PostgresDSN == "" {
		slog.Debug("storage.postgres_dsn is empty; using the filesystem document catalog")
	}

	// YouTube
	if cfg.YouTube.MaxDuration < 0 {
		errs = append(errs, fmt.Errorf("youtube.max_duration %v must not be negative", cfg.YouTube.MaxDuration))
	}
	if b := cfg.YouTube.Breaker; b.MaxFailures < 0 || b.HalfOpenMax < 0 || b.ResetTimeout < 0 {
		errs = append(errs, errors.New("youtube.breaker values must not be negative"))
	}

	// OpenAI
	if u := cfg.OpenAI.BaseURL; u != "" {
		if _, err := url.ParseRequestURI(u); err != nil {
			errs = append(errs, fmt.Errorf("openai.base_url %q is invalid: %w", u, err))
		}
	}

	return errors.Join(errs...)
}
