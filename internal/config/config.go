package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "TAGREPO"
	defaultHTTPAddress         = "0.0.0.0:45871"
	defaultDatabasePath        = "tagrepo.db"
	defaultLogLevel            = "info"
	defaultServiceKey          = "tag-repository"
	defaultServiceName         = "tag repository"
	defaultUpdatePeriodSeconds = 100000
	defaultSessionTTLMinutes   = 24 * 60
	defaultVaultBackend        = "filesystem"
	defaultVaultPath           = "tagrepo_updates"
)

// VaultConfig selects and parameterizes the update-package store backend.
type VaultConfig struct {
	Backend   string
	Path      string
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// AppConfig captures runtime configuration for the repository server.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	SessionSecret string
	SessionTTL    time.Duration
	ServiceKey    string
	ServiceName   string
	UpdatePeriod  time.Duration
	Vault         VaultConfig
}

// NewViper returns a viper instance with defaults and env bindings
// configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper
// instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.ttl_minutes", defaultSessionTTLMinutes)
	configViper.SetDefault("service.key", defaultServiceKey)
	configViper.SetDefault("service.name", defaultServiceName)
	configViper.SetDefault("service.update_period_seconds", defaultUpdatePeriodSeconds)
	configViper.SetDefault("vault.backend", defaultVaultBackend)
	configViper.SetDefault("vault.path", defaultVaultPath)
	configViper.SetDefault("vault.use_ssl", false)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		SessionSecret: configViper.GetString("session.signing_secret"),
		SessionTTL:    time.Duration(configViper.GetInt("session.ttl_minutes")) * time.Minute,
		ServiceKey:    configViper.GetString("service.key"),
		ServiceName:   configViper.GetString("service.name"),
		UpdatePeriod:  time.Duration(configViper.GetInt("service.update_period_seconds")) * time.Second,
		Vault: VaultConfig{
			Backend:   configViper.GetString("vault.backend"),
			Path:      configViper.GetString("vault.path"),
			Endpoint:  configViper.GetString("vault.endpoint"),
			AccessKey: configViper.GetString("vault.access_key"),
			SecretKey: configViper.GetString("vault.secret_key"),
			Bucket:    configViper.GetString("vault.bucket"),
			UseSSL:    configViper.GetBool("vault.use_ssl"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.ServiceKey) == "" {
		return fmt.Errorf("service.key is required")
	}
	if c.UpdatePeriod <= 0 {
		return fmt.Errorf("service.update_period_seconds must be positive")
	}
	switch c.Vault.Backend {
	case "filesystem":
		if strings.TrimSpace(c.Vault.Path) == "" {
			return fmt.Errorf("vault.path is required for the filesystem backend")
		}
	case "memory":
	case "minio":
		if strings.TrimSpace(c.Vault.Endpoint) == "" || strings.TrimSpace(c.Vault.Bucket) == "" {
			return fmt.Errorf("vault.endpoint and vault.bucket are required for the minio backend")
		}
	default:
		return fmt.Errorf("unknown vault backend: %s", c.Vault.Backend)
	}
	return nil
}
