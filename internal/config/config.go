// Package config handles loading and validation of the notify gateway
// configuration from a YAML file and environment variables. Environment
// variables always override file-based values. Env var names follow the
// struct path with an EZORDER_ prefix:
//
//	server.address → EZORDER_SERVER_ADDRESS
//	admission.requests_per_minute → EZORDER_ADMISSION_REQUESTS_PER_MINUTE
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via EZORDER_CONFIG_FILE.
const defaultConfigFile = "/etc/ez-order/config.yaml"

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// RedactedString is a string that masks its value in String(), GoString(),
// and MarshalJSON() to prevent accidental leakage in logs or serialized
// output. Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer — always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// Config is the top-level notify gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"     envPrefix:"SERVER_"`
	Admin     AdminConfig     `yaml:"admin"      envPrefix:"ADMIN_"`
	Provider  ProviderConfig  `yaml:"provider"   envPrefix:"PROVIDER_"`
	AuthToken AuthTokenConfig `yaml:"auth_token" envPrefix:"AUTH_TOKEN_"`
	Admission AdmissionConfig `yaml:"admission"  envPrefix:"ADMISSION_"`
	Locations LocationsConfig `yaml:"locations"  envPrefix:"LOCATIONS_"`
	Logging   LoggingConfig   `yaml:"logging"    envPrefix:"LOGGING_"`
}

// ServerConfig holds the main HTTP server settings.
type ServerConfig struct {
	Address      string          `yaml:"address"       env:"ADDRESS"`
	EndpointPath string          `yaml:"endpoint_path" env:"ENDPOINT_PATH"`
	ReadTimeout  string          `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string          `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string          `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string          `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	TLS          ServerTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// ServerTLSConfig holds optional TLS termination settings.
type ServerTLSConfig struct {
	Enabled  bool   `yaml:"enabled"   env:"ENABLED"`
	CertFile string `yaml:"cert_file" env:"CERT_FILE"`
	KeyFile  string `yaml:"key_file"  env:"KEY_FILE"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// ProviderConfig holds the outbound push-notification provider settings.
// Token and User are the provider credentials. Missing credentials surface
// as a 500 at the API boundary rather than a startup failure, so the rest
// of the ordering flow keeps working while the operator fixes the
// environment.
type ProviderConfig struct {
	URL     string         `yaml:"url"     env:"URL"`
	Token   RedactedString `yaml:"token"   env:"TOKEN"`
	User    RedactedString `yaml:"user"    env:"USER"`
	Timeout string         `yaml:"timeout" env:"TIMEOUT"`
}

// AuthTokenConfig holds signed auth-token settings. When SigningSecret is
// empty the secret is derived from the provider credentials.
type AuthTokenConfig struct {
	SigningSecret RedactedString `yaml:"signing_secret" env:"SIGNING_SECRET"`
	TTL           string         `yaml:"ttl"            env:"TTL"`
}

// AdmissionConfig holds the cheap request-rejection settings applied before
// any token or catalog work.
type AdmissionConfig struct {
	// AllowedOrigins is the browser origin allow-list. Empty means
	// same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`

	// RequestsPerMinute is the per-IP cap for the 60s rate-limit window.
	// Clamped to [1, 60].
	RequestsPerMinute int `yaml:"requests_per_minute" env:"REQUESTS_PER_MINUTE"`

	// MaxBodyBytes caps the order-submission request body.
	MaxBodyBytes int64 `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
}

// LocationsConfig controls how location tokens are validated. Static and
// CatalogURL are mutually exclusive modes; when Static is non-empty it wins.
type LocationsConfig struct {
	Static       []string `yaml:"static"        env:"STATIC" envSeparator:","`
	CatalogURL   string   `yaml:"catalog_url"   env:"CATALOG_URL"`
	CacheTTL     string   `yaml:"cache_ttl"     env:"CACHE_TTL"`
	FetchTimeout string   `yaml:"fetch_timeout" env:"FETCH_TIMEOUT"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			EndpointPath: "/notify",
			ReadTimeout:  "15s",
			WriteTimeout: "30s",
			IdleTimeout:  "120s",
			DrainTimeout: "20s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Provider: ProviderConfig{
			URL:     "https://api.pushover.net/1/messages.json",
			Timeout: "8s",
		},
		AuthToken: AuthTokenConfig{
			TTL: "2m",
		},
		Admission: AdmissionConfig{
			RequestsPerMinute: 8,
			MaxBodyBytes:      8192,
		},
		Locations: LocationsConfig{
			CacheTTL:     "5m",
			FetchTimeout: "5s",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("EZORDER_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment
// variable overrides.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "EZORDER_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases enum fields and canonicalizes origins so that YAML
// values like "Info" or origins with trailing slashes match at runtime.
func (cfg *Config) normalize() {
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))

	origins := cfg.Admission.AllowedOrigins[:0]
	for _, o := range cfg.Admission.AllowedOrigins {
		o = strings.TrimRight(strings.TrimSpace(strings.ToLower(o)), "/")
		if o != "" {
			origins = append(origins, o)
		}
	}
	cfg.Admission.AllowedOrigins = origins

	if !strings.HasPrefix(cfg.Server.EndpointPath, "/") {
		cfg.Server.EndpointPath = "/" + cfg.Server.EndpointPath
	}
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateTLS(cfg); err != nil {
		return err
	}
	if err := validateAdmission(cfg); err != nil {
		return err
	}
	if err := validateLocations(cfg); err != nil {
		return err
	}
	return validateLogging(cfg)
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"provider.timeout", cfg.Provider.Timeout},
		{"auth_token.ttl", cfg.AuthToken.TTL},
		{"locations.cache_ttl", cfg.Locations.CacheTTL},
		{"locations.fetch_timeout", cfg.Locations.FetchTimeout},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	return nil
}

func validateTLS(cfg *Config) error {
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
	}
	return nil
}

func validateAdmission(cfg *Config) error {
	// Out-of-range caps are clamped rather than rejected: a typo in an env
	// var must not take the whole ordering flow down.
	if cfg.Admission.RequestsPerMinute < 1 {
		cfg.Admission.RequestsPerMinute = 1
	}
	if cfg.Admission.RequestsPerMinute > 60 {
		cfg.Admission.RequestsPerMinute = 60
	}
	if cfg.Admission.MaxBodyBytes <= 0 {
		cfg.Admission.MaxBodyBytes = 8192
	}

	for _, o := range cfg.Admission.AllowedOrigins {
		u, err := url.Parse(o)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid admission.allowed_origins entry %q: must be scheme://host[:port]", o)
		}
	}
	return nil
}

func validateLocations(cfg *Config) error {
	if len(cfg.Locations.Static) == 0 && cfg.Locations.CatalogURL == "" {
		return fmt.Errorf("locations.static or locations.catalog_url is required")
	}
	if cfg.Locations.CatalogURL != "" {
		u, err := url.Parse(cfg.Locations.CatalogURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid locations.catalog_url %q", cfg.Locations.CatalogURL)
		}
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}
