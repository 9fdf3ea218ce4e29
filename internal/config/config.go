package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "FIELDSYNC"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "fieldsync.db"
	defaultLogLevel     = "info"
	defaultAuthIssuer   = "fieldsync-auth"
	defaultAuthAudience = "fieldsync-api"
)

// AppConfig captures runtime configuration for the sync daemon.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	AuthSigningKey string
	AuthIssuer     string
	AuthAudience   string

	RemoteBaseURL   string
	RemoteAuthToken string

	SyncBatchSize          int
	SyncItemDelay          time.Duration
	SyncDrainInterval      time.Duration
	SyncBackgroundBatchCap int
	SyncMaxRetries         int
	SyncBackoffBase        time.Duration
	SyncBackoffCap         time.Duration
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
	configViper.SetDefault("sync.batch_size", 5)
	configViper.SetDefault("sync.item_delay", "100ms")
	configViper.SetDefault("sync.drain_interval", "5m")
	configViper.SetDefault("sync.background_batch_cap", 10)
	configViper.SetDefault("sync.max_retries", 3)
	configViper.SetDefault("sync.backoff_base", "30s")
	configViper.SetDefault("sync.backoff_cap", "1h")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:            configViper.GetString("http.address"),
		DatabasePath:           configViper.GetString("database.path"),
		LogLevel:               configViper.GetString("log.level"),
		AuthSigningKey:         configViper.GetString("auth.signing_secret"),
		AuthIssuer:             configViper.GetString("auth.issuer"),
		AuthAudience:           configViper.GetString("auth.audience"),
		RemoteBaseURL:          configViper.GetString("remote.base_url"),
		RemoteAuthToken:        configViper.GetString("remote.auth_token"),
		SyncBatchSize:          configViper.GetInt("sync.batch_size"),
		SyncItemDelay:          configViper.GetDuration("sync.item_delay"),
		SyncDrainInterval:      configViper.GetDuration("sync.drain_interval"),
		SyncBackgroundBatchCap: configViper.GetInt("sync.background_batch_cap"),
		SyncMaxRetries:         configViper.GetInt("sync.max_retries"),
		SyncBackoffBase:        configViper.GetDuration("sync.backoff_base"),
		SyncBackoffCap:         configViper.GetDuration("sync.backoff_cap"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.SyncBatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	if c.SyncMaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative")
	}
	return nil
}
