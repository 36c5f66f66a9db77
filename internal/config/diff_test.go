package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/pitchpractice/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Client: config.ClientConfig{PollInterval: 1500 * time.Millisecond},
		Storage: config.StorageConfig{Driver: config.StorageMemory},
		Providers: config.ProvidersConfig{
			STT: []config.ProviderEntry{{Name: "whisper", BaseURL: "http://localhost:8080"}},
			LLM: []config.ProviderEntry{{Name: "openai", Model: "gpt-4o-mini"}},
		},
		Entitlements: config.EntitlementsConfig{
			DefaultPlan: "free",
			Accounts:    []config.AccountConfig{{Token: "a", Plan: "coach"}},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		check  func(t *testing.T, d config.ConfigDiff)
	}{
		{
			name:   "identical",
			mutate: func(*config.Config) {},
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.Empty() {
					t.Errorf("diff = %+v, want empty", d)
				}
			},
		},
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug || len(d.RestartRequired) != 0 {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:   "account plan",
			mutate: func(c *config.Config) { c.Entitlements.Accounts[0].Plan = "starter" },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.EntitlementsChanged || d.LogLevelChanged {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:   "account added",
			mutate: func(c *config.Config) { c.Entitlements.Accounts = append(c.Entitlements.Accounts, config.AccountConfig{Token: "b", Plan: "free"}) },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.EntitlementsChanged {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:   "polling",
			mutate: func(c *config.Config) { c.Client.SlowAfter = time.Minute },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.PollingChanged {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name: "restart sections",
			mutate: func(c *config.Config) {
				c.Server.ListenAddr = ":1"
				c.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"}
				c.Storage.Driver = config.StorageSQLite
				c.Providers.LLM[0].Model = "gpt-4o"
				c.Telemetry.TraceSampleRatio = 0.5
			},
			check: func(t *testing.T, d config.ConfigDiff) {
				if !slices.Equal(d.RestartRequired, []string{"server", "storage", "providers", "telemetry"}) {
					t.Errorf("RestartRequired = %v", d.RestartRequired)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, next := baseConfig(), baseConfig()
			tt.mutate(next)
			tt.check(t, config.Diff(old, next))
		})
	}
}
