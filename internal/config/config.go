// Package config provides the configuration schema, loader, hot-reload
// watcher and provider registry for PitchPractice.
//
// One YAML file configures both halves of the program: the client section is
// read by the recorder and TUI, the server, storage, providers and
// entitlements sections by the reference backend.
package config

import (
	"time"

	"github.com/MrWong99/pitchpractice/internal/entitlement"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// StorageDriver selects the run store of the reference backend.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"
	StorageSQLite   StorageDriver = "sqlite"
	StoragePostgres StorageDriver = "postgres"
)

// IsValid reports whether d is a known driver.
func (d StorageDriver) IsValid() bool {
	switch d {
	case StorageMemory, StorageSQLite, StoragePostgres:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Client       ClientConfig       `yaml:"client"`
	Storage      StorageConfig      `yaml:"storage"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Entitlements EntitlementsConfig `yaml:"entitlements"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// ServerConfig holds network, logging and limit settings for the backend.
type ServerConfig struct {
	// ListenAddr is the TCP address the backend listens on. Default ":8088".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity for both client and server.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS enables HTTPS. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// MaxUploadMB caps the size of an uploaded recording. Default 64.
	MaxUploadMB int `yaml:"max_upload_mb"`

	TranscribeTimeout time.Duration `yaml:"transcribe_timeout"`
	AnalysisTimeout   time.Duration `yaml:"analysis_timeout"`

	// ShutdownTimeout bounds graceful shutdown. Default 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ClientConfig configures the recorder.
type ClientConfig struct {
	// BackendURL is the base URL of the PitchPractice backend.
	BackendURL string `yaml:"backend_url"`

	// Token is the bearer token identifying the user's account.
	Token string `yaml:"token"`

	// DataDir holds the local key/value store. Default
	// "$XDG_CONFIG_HOME/pitchpractice" (os.UserConfigDir).
	DataDir string `yaml:"data_dir"`

	// Rubric is the built-in rubric id used by default.
	Rubric string `yaml:"rubric"`

	// RubricFile points to a custom rubric in YAML or JSON. Requires a plan
	// that may edit rubrics.
	RubricFile string `yaml:"rubric_file"`

	// PollInterval is the status poll cadence, clamped to 1.5s to 2s.
	PollInterval time.Duration `yaml:"poll_interval"`

	// SlowAfter is how long analysis may take before the user is told it is
	// still processing.
	SlowAfter time.Duration `yaml:"slow_after"`

	// SilenceThreshold is the normalised level below which input counts as
	// silent.
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// SilenceAfter is the continuous silence that raises the warning.
	SilenceAfter time.Duration `yaml:"silence_after"`

	// AbortOnSilence stops a recording whose input was never audible.
	AbortOnSilence bool `yaml:"abort_on_silence"`
}

// StorageConfig selects the backend's run store.
type StorageConfig struct {
	// Driver is memory (default), sqlite or postgres.
	Driver StorageDriver `yaml:"driver"`

	// DSN is the SQLite file path or PostgreSQL connection string.
	DSN string `yaml:"dsn"`
}

// ProvidersConfig declares the STT and LLM providers of the backend. The
// first entry of each list is the primary; later entries are fallbacks tried
// in order when the primary fails.
type ProvidersConfig struct {
	STT []ProviderEntry `yaml:"stt"`
	LLM []ProviderEntry `yaml:"llm"`

	// Language is the transcription language hint (e.g. "en").
	Language string `yaml:"language"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "whisper").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o", "whisper-1").
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the fields above.
	Options map[string]any `yaml:"options"`
}

// EntitlementsConfig maps bearer tokens to plans for the backend.
type EntitlementsConfig struct {
	// DefaultPlan applies to callers without a known token. Default "free".
	DefaultPlan string `yaml:"default_plan"`

	// RequireToken rejects callers without a known token.
	RequireToken bool `yaml:"require_token"`

	Accounts []AccountConfig `yaml:"accounts"`
}

// AccountConfig is one configured account.
type AccountConfig struct {
	Token string `yaml:"token"`
	Plan  string `yaml:"plan"`

	// DayPassExpiresAt is required for the daypass plan.
	DayPassExpiresAt time.Time `yaml:"day_pass_expires_at"`
}

// TelemetryConfig controls metrics export.
type TelemetryConfig struct {
	// Metrics serves Prometheus metrics on /metrics. Default true.
	Metrics *bool `yaml:"metrics"`

	// ServiceName is the OpenTelemetry resource service name.
	ServiceName string `yaml:"service_name"`

	// TraceSampleRatio samples this fraction of root spans. 0 samples all.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// MetricsEnabled reports whether /metrics should be served.
func (t TelemetryConfig) MetricsEnabled() bool {
	return t.Metrics == nil || *t.Metrics
}

// Entitlements converts the accounts into token entitlements. Plans are
// validated by [Validate], so parse errors cannot occur on a loaded config.
func (e EntitlementsConfig) Entitlements() (def entitlement.Entitlement, tokens map[string]entitlement.Entitlement) {
	def.Plan = entitlement.PlanFree
	if p, err := entitlement.ParsePlan(e.DefaultPlan); err == nil {
		def.Plan = p
	}
	tokens = make(map[string]entitlement.Entitlement, len(e.Accounts))
	for _, a := range e.Accounts {
		p, err := entitlement.ParsePlan(a.Plan)
		if err != nil {
			continue
		}
		tokens[a.Token] = entitlement.Entitlement{Plan: p, DayPassExpiresAt: a.DayPassExpiresAt}
	}
	return def, tokens
}
