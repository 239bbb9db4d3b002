package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "MODHUB"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "modhub.db"
	defaultLogLevel        = "info"
	defaultAuthIssuer      = "modhub-auth"
	defaultAuthAudience    = "modhub-api"
	defaultTokenTTLMinutes = 60
	defaultAPIBaseURL      = "http://127.0.0.1:8080"
	defaultCachePath       = "modhub-cache.db"
	defaultPageSize        = 10
	defaultDebounceMillis  = 400
)

// ServerConfig captures runtime configuration for the API server.
type ServerConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	SigningSecret string
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
}

// ClientConfig captures runtime configuration for the history client.
type ClientConfig struct {
	APIBaseURL string
	APIToken   string
	CachePath  string
	LogLevel   string
	PageSize   int
	Debounce   time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)

	configViper.SetDefault("api.base_url", defaultAPIBaseURL)
	configViper.SetDefault("cache.path", defaultCachePath)
	configViper.SetDefault("history.page_size", defaultPageSize)
	configViper.SetDefault("history.debounce_ms", defaultDebounceMillis)
}

// LoadServer parses API server configuration from viper.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		Issuer:        configViper.GetString("auth.issuer"),
		Audience:      configViper.GetString("auth.audience"),
		TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}

	return cfg, nil
}

// LoadClient parses history client configuration from viper. The API token may be empty;
// the client then runs with local history only.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		APIBaseURL: strings.TrimSpace(configViper.GetString("api.base_url")),
		APIToken:   strings.TrimSpace(configViper.GetString("api.token")),
		CachePath:  strings.TrimSpace(configViper.GetString("cache.path")),
		LogLevel:   configViper.GetString("log.level"),
		PageSize:   configViper.GetInt("history.page_size"),
		Debounce:   time.Duration(configViper.GetInt("history.debounce_ms")) * time.Millisecond,
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}

	return cfg, nil
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.Issuer) == "" || strings.TrimSpace(c.Audience) == "" {
		return fmt.Errorf("auth.issuer and auth.audience are required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	return nil
}

func (c ClientConfig) validate() error {
	parsed, err := url.Parse(c.APIBaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("api.base_url must be an absolute URL")
	}
	if c.CachePath == "" {
		return fmt.Errorf("cache.path is required")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("history.page_size must be positive")
	}
	if c.Debounce <= 0 {
		return fmt.Errorf("history.debounce_ms must be positive")
	}
	return nil
}
