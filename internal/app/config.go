package app

import (
	"fmt"
	"log/slog"
	"net"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/florianilch/keysync/internal/configstore"
	"github.com/florianilch/keysync/internal/lifecycle"
	"github.com/florianilch/keysync/internal/provider"
	"github.com/florianilch/keysync/internal/redirect"
	"github.com/florianilch/keysync/internal/secretstore"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
	LogFormatOTel LogFormat = "otel"
)

// Default configuration values
const (
	DefaultConfigLogFormat       = LogFormatText
	DefaultConfigServerHost      = "127.0.0.1"
	DefaultConfigServerPort      = 4580
	DefaultConfigShutdownTimeout = 5 * time.Second
	DefaultConfigSecretStorage   = secretstore.TypeFile
)

// ServerConfig holds the bridge listener configuration.
type ServerConfig struct {
	Host string `json:"host" validate:"hostname_rfc1123|ip"`
	Port uint16 `json:"port"`
	// AllowedOrigins lists browser origins permitted to call the bridge.
	AllowedOrigins []string `json:"allowed_origins" validate:"dive,url"`
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown.
	Timeout time.Duration `json:"timeout"`
}

// StoreConfig locates the token and profile document.
type StoreConfig struct {
	// Path of config.json. Defaults to the per-user location.
	Path string `json:"path"`
	// Watch publishes an event when the file changes.
	Watch bool `json:"watch"`
}

// RedirectConfig describes the deep links providers redirect to.
type RedirectConfig struct {
	Scheme string `json:"scheme" validate:"required,excludesall=:/?#&"`
}

// FlowConfig bounds authorizations.
type FlowConfig struct {
	// Timeout after which an authorization without callback is abandoned.
	Timeout time.Duration `json:"timeout" validate:"gte=0"`
}

// ProviderConfig holds the OAuth client registration of one provider.
// A provider without client id is not configured.
type ProviderConfig struct {
	ClientID    string   `json:"client_id"`
	RedirectURL string   `json:"redirect_url"`
	Scopes      []string `json:"scopes"`

	// AuthURL and TokenURL override the provider's public endpoints.
	AuthURL  string `json:"auth_url" validate:"omitempty,url"`
	TokenURL string `json:"token_url" validate:"omitempty,url"`

	Secret secretstore.Settings `json:"secret"`
}

// Configured reports whether the provider has a client registration.
func (p ProviderConfig) Configured() bool {
	return p.ClientID != ""
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel  slog.Level                `json:"log_level"`
	LogFormat LogFormat                 `json:"log_format" validate:"oneof=text json otel"`
	Server    ServerConfig              `json:"server"`
	Shutdown  ShutdownConfig            `json:"shutdown"`
	Store     StoreConfig               `json:"store"`
	Redirect  RedirectConfig            `json:"redirect"`
	Flow      FlowConfig                `json:"flow"`
	Providers map[string]ProviderConfig `json:"providers" validate:"dive,keys,oneof=github discord google,endkeys"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultConfigServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultConfigServerPort
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}
	if c.Store.Path == "" {
		path, err := configstore.DefaultPath()
		if err != nil {
			return fmt.Errorf("store.path required (auto-detect failed: %w)", err)
		}
		c.Store.Path = path
	}
	if c.Redirect.Scheme == "" {
		c.Redirect.Scheme = redirect.DefaultScheme
	}
	if c.Flow.Timeout == 0 {
		c.Flow.Timeout = lifecycle.DefaultFlowTimeout
	}

	for name, p := range c.Providers {
		if !p.Configured() {
			continue
		}
		if p.RedirectURL == "" {
			p.RedirectURL = c.Redirect.Scheme + "://auth/" + name + "/callback"
		}
		if p.Secret.Storage == "" {
			p.Secret.Storage = DefaultConfigSecretStorage
		}

		// Dynamic defaults based on storage type
		switch p.Secret.Storage {
		case secretstore.TypeFile:
			if p.Secret.File == "" {
				p.Secret.File = filepath.Join(filepath.Dir(c.Store.Path), "secrets", name)
			}
		case secretstore.TypeKeyring:
			if p.Secret.KeyringUser == "" {
				currentUser, err := user.Current()
				if err != nil {
					return fmt.Errorf("providers.%s.secret.keyring_user required (auto-detect failed: %w)", name, err)
				}
				p.Secret.KeyringUser = currentUser.Username
			}
		case secretstore.TypeEnv:
			// env_key must be explicitly configured (no sensible default)
		}
		c.Providers[name] = p
	}

	return nil
}

// Validate validates the configuration using struct tags and enum values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	for name, p := range c.Providers {
		if !p.Configured() {
			continue
		}
		switch p.Secret.Storage {
		case secretstore.TypeFile:
			if p.Secret.File == "" {
				return fmt.Errorf("providers.%s: file path required for file storage", name)
			}
		case secretstore.TypeEnv:
			if p.Secret.EnvKey == "" {
				return fmt.Errorf("providers.%s: env_key required for env storage", name)
			}
		case secretstore.TypeKeyring:
			if p.Secret.KeyringUser == "" {
				return fmt.Errorf("providers.%s: keyring_user required for keyring storage", name)
			}
		}
	}

	return nil
}

// Provider returns the configuration of id.
func (c *Config) Provider(id provider.ID) (ProviderConfig, bool) {
	p, ok := c.Providers[id.String()]
	return p, ok && p.Configured()
}

// Address is the bridge listen address.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Server.Host, strconv.FormatUint(uint64(c.Server.Port), 10))
}

// BridgeURL is the base URL other invocations use to reach the bridge.
func (c *Config) BridgeURL() string {
	return "http://" + c.Address()
}
