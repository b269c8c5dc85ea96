package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "RITUAL"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "ritual.db"
	defaultLogLevel         = "info"
	defaultSessionIssuer    = "ritual-identity"
	defaultSessionAudience  = "ritual-api"
	defaultSessionTTL       = 12 * time.Hour
	defaultSynthesisTimeout = 30 * time.Second
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	SessionSigningKey string
	SessionIssuer     string
	SessionAudience   string
	SessionTTL        time.Duration
	SynthesisBaseURL  string
	SynthesisTimeout  time.Duration
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
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.audience", defaultSessionAudience)
	configViper.SetDefault("session.ttl", defaultSessionTTL)
	configViper.SetDefault("synthesis.timeout", defaultSynthesisTimeout)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		SessionSigningKey: configViper.GetString("session.signing_secret"),
		SessionIssuer:     configViper.GetString("session.issuer"),
		SessionAudience:   configViper.GetString("session.audience"),
		SessionTTL:        configViper.GetDuration("session.ttl"),
		SynthesisBaseURL:  configViper.GetString("synthesis.base_url"),
		SynthesisTimeout:  configViper.GetDuration("synthesis.timeout"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningKey) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SynthesisBaseURL) == "" {
		return fmt.Errorf("synthesis.base_url is required")
	}
	if c.SynthesisTimeout <= 0 {
		return fmt.Errorf("synthesis.timeout must be positive")
	}
	return nil
}
