package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// EntitlementsChanged is set when the default plan, the token
	// requirement or any account changed.
	EntitlementsChanged bool

	// PollingChanged is set when the client's poll interval or slow-notice
	// delay changed.
	PollingChanged bool

	// RestartRequired lists top-level sections that changed but cannot be
	// applied at runtime.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.EntitlementsChanged && !d.PollingChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.EntitlementsChanged = !entitlementsEqual(old.Entitlements, new.Entitlements)
	d.PollingChanged = old.Client.PollInterval != new.Client.PollInterval ||
		old.Client.SlowAfter != new.Client.SlowAfter

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !serverEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Telemetry.MetricsEnabled() != new.Telemetry.MetricsEnabled() ||
		old.Telemetry.ServiceName != new.Telemetry.ServiceName ||
		old.Telemetry.TraceSampleRatio != new.Telemetry.TraceSampleRatio {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

func entitlementsEqual(a, b EntitlementsConfig) bool {
	if a.DefaultPlan != b.DefaultPlan || a.RequireToken != b.RequireToken {
		return false
	}
	return slices.EqualFunc(a.Accounts, b.Accounts, func(x, y AccountConfig) bool {
		return x.Token == y.Token && x.Plan == y.Plan && x.DayPassExpiresAt.Equal(y.DayPassExpiresAt)
	})
}

func serverEqual(a, b ServerConfig) bool {
	tlsEqual := (a.TLS == nil) == (b.TLS == nil) && (a.TLS == nil || *a.TLS == *b.TLS)
	a.TLS, b.TLS = nil, nil
	return tlsEqual && a == b
}

func providersEqual(a, b ProvidersConfig) bool {
	if a.Language != b.Language {
		return false
	}
	same := func(x, y ProviderEntry) bool {
		return x.Name == y.Name && x.APIKey == y.APIKey && x.BaseURL == y.BaseURL &&
			x.Model == y.Model && len(x.Options) == len(y.Options)
	}
	return slices.EqualFunc(a.STT, b.STT, same) && slices.EqualFunc(a.LLM, b.LLM, same)
}
