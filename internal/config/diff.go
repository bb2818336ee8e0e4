package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// CORSChanged is true if the allow-list or the allow_unlisted switch
	// changed.
	CORSChanged bool

	// RestartRequired lists settings that changed but only take effect on
	// restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.CORS.AllowUnlisted != new.CORS.AllowUnlisted ||
		!slices.Equal(old.CORS.AllowedOrigins, new.CORS.AllowedOrigins) {
		d.CORSChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Relay.PathPrefix != new.Relay.PathPrefix ||
		old.Relay.UpstreamURL != new.Relay.UpstreamURL ||
		old.Relay.Model != new.Relay.Model ||
		old.Relay.DialTimeout != new.Relay.DialTimeout ||
		old.Relay.DebugErrors != new.Relay.DebugErrors ||
		!slices.Equal(old.Relay.AllowedOrigins, new.Relay.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "relay")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}

	return d
}
