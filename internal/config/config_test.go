package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadAppliesDefaults(testContext *testing.T) {
	configViper := NewViper()
	configViper.Set("session.signing_secret", "test-secret")

	cfg, err := Load(configViper)
	if err != nil {
		testContext.Fatalf("failed to load config: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		testContext.Fatalf("expected default address, got %q", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != defaultDatabasePath {
		testContext.Fatalf("expected default database path, got %q", cfg.DatabasePath)
	}
	if cfg.UpdatePeriod != defaultUpdatePeriodSeconds*time.Second {
		testContext.Fatalf("expected default update period, got %v", cfg.UpdatePeriod)
	}
	if cfg.SessionTTL != defaultSessionTTLMinutes*time.Minute {
		testContext.Fatalf("expected default session ttl, got %v", cfg.SessionTTL)
	}
	if cfg.Vault.Backend != defaultVaultBackend || cfg.Vault.Path != defaultVaultPath {
		testContext.Fatalf("expected default vault config, got %+v", cfg.Vault)
	}
}

func TestLoadRequiresSigningSecret(testContext *testing.T) {
	configViper := NewViper()

	if _, err := Load(configViper); err == nil || !strings.Contains(err.Error(), "signing_secret") {
		testContext.Fatalf("expected signing secret error, got %v", err)
	}
}

func TestLoadRejectsNonPositiveUpdatePeriod(testContext *testing.T) {
	configViper := NewViper()
	configViper.Set("session.signing_secret", "test-secret")
	configViper.Set("service.update_period_seconds", 0)

	if _, err := Load(configViper); err == nil || !strings.Contains(err.Error(), "update_period_seconds") {
		testContext.Fatalf("expected update period error, got %v", err)
	}
}

func TestLoadValidatesVaultBackends(testContext *testing.T) {
	cases := []struct {
		name    string
		prepare func(v *viper.Viper)
		wantErr string
	}{
		{
			name: "unknown backend",
			prepare: func(v *viper.Viper) {
				v.Set("vault.backend", "tape")
			},
			wantErr: "unknown vault backend",
		},
		{
			name: "filesystem without path",
			prepare: func(v *viper.Viper) {
				v.Set("vault.backend", "filesystem")
				v.Set("vault.path", "")
			},
			wantErr: "vault.path",
		},
		{
			name: "minio without endpoint",
			prepare: func(v *viper.Viper) {
				v.Set("vault.backend", "minio")
				v.Set("vault.bucket", "updates")
			},
			wantErr: "vault.endpoint",
		},
		{
			name: "memory needs nothing",
			prepare: func(v *viper.Viper) {
				v.Set("vault.backend", "memory")
			},
		},
	}

	for _, testCase := range cases {
		testContext.Run(testCase.name, func(testContext *testing.T) {
			configViper := NewViper()
			configViper.Set("session.signing_secret", "test-secret")
			testCase.prepare(configViper)

			_, err := Load(configViper)
			if testCase.wantErr == "" {
				if err != nil {
					testContext.Fatalf("expected config to load, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), testCase.wantErr) {
				testContext.Fatalf("expected %q error, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestEnvironmentOverridesDefaults(testContext *testing.T) {
	testContext.Setenv("TAGREPO_HTTP_ADDRESS", "127.0.0.1:9999")
	testContext.Setenv("TAGREPO_SESSION_SIGNING_SECRET", "env-secret")

	cfg, err := Load(NewViper())
	if err != nil {
		testContext.Fatalf("failed to load config: %v", err)
	}
	if cfg.HTTPAddress != "127.0.0.1:9999" {
		testContext.Fatalf("expected env override, got %q", cfg.HTTPAddress)
	}
	if cfg.SessionSecret != "env-secret" {
		testContext.Fatalf("expected env secret, got %q", cfg.SessionSecret)
	}
}
