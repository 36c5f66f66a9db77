package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/pitchpractice/internal/entitlement"
	"github.com/MrWong99/pitchpractice/internal/rubric"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8088"
	DefaultBackendURL      = "http://localhost:8088"
	DefaultMaxUploadMB     = 64
	DefaultShutdownTimeout = 15 * time.Second
	DefaultServiceName     = "pitchpractice"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"whisper", "deepgram", "openai"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. A .env file next to the config file, if any, is loaded into the
// environment first; variables already set win. ${VAR} references in the
// file are then expanded from the environment.
func Load(path string) (*Config, error) {
	if err := LoadEnvFile(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadEnvFile loads KEY=value pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: load env file %q: %w", path, err)
	}
	return nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.Expand(string(raw), func(key string) string {
		// "$$" escapes a literal dollar sign.
		if key == "$" {
			return "$"
		}
		return os.Getenv(key)
	})

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
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

// ApplyDefaults fills unset fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.MaxUploadMB <= 0 {
		cfg.Server.MaxUploadMB = DefaultMaxUploadMB
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Client.BackendURL == "" {
		cfg.Client.BackendURL = DefaultBackendURL
	}
	if cfg.Client.Rubric == "" {
		cfg.Client.Rubric = rubric.DefaultID
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = StorageMemory
	}
	if cfg.Entitlements.DefaultPlan == "" {
		cfg.Entitlements.DefaultPlan = string(entitlement.PlanFree)
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
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
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Client
	if u, err := url.Parse(cfg.Client.BackendURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("client.backend_url %q must be an http or https URL", cfg.Client.BackendURL))
	}
	if _, ok := rubric.Builtin(cfg.Client.Rubric); !ok {
		errs = append(errs, fmt.Errorf("client.rubric %q is not a built-in rubric", cfg.Client.Rubric))
	}
	if t := cfg.Client.SilenceThreshold; t < 0 || t >= 1 {
		errs = append(errs, fmt.Errorf("client.silence_threshold %v is out of range [0, 1)", t))
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %v is out of range [0, 1]", r))
	}

	// Storage
	if !cfg.Storage.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("storage.driver %q is invalid; valid values: memory, sqlite, postgres", cfg.Storage.Driver))
	}
	if cfg.Storage.Driver == StoragePostgres && cfg.Storage.DSN == "" {
		errs = append(errs, errors.New("storage.dsn is required for the postgres driver"))
	}

	// Providers
	for kind, entries := range map[string][]ProviderEntry{"stt": cfg.Providers.STT, "llm": cfg.Providers.LLM} {
		for i, e := range entries {
			if e.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s[%d].name is required", kind, i))
				continue
			}
			validateProviderName(kind, e.Name)
		}
	}

	// Entitlements
	if _, err := entitlement.ParsePlan(cfg.Entitlements.DefaultPlan); err != nil {
		errs = append(errs, fmt.Errorf("entitlements.default_plan: %w", err))
	}
	seen := make(map[string]int, len(cfg.Entitlements.Accounts))
	for i, a := range cfg.Entitlements.Accounts {
		prefix := fmt.Sprintf("entitlements.accounts[%d]", i)
		if a.Token == "" {
			errs = append(errs, fmt.Errorf("%s.token is required", prefix))
		} else if prev, ok := seen[a.Token]; ok {
			errs = append(errs, fmt.Errorf("%s.token duplicates entitlements.accounts[%d]", prefix, prev))
		} else {
			seen[a.Token] = i
		}
		p, err := entitlement.ParsePlan(a.Plan)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s.plan: %w", prefix, err))
			continue
		}
		if p == entitlement.PlanDayPass && a.DayPassExpiresAt.IsZero() {
			errs = append(errs, fmt.Errorf("%s.day_pass_expires_at is required for the daypass plan", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
