package config

import "time"

// Built-in defaults. YAML values merge on top of these; KSI_* environment
// variables override both (see loader.go).

// DefaultSocket is the well-known daemon socket path.
const DefaultSocket = "var/run/daemon.sock"

// DefaultBusConfig returns the built-in bus defaults.
func DefaultBusConfig() *BusConfig {
	return &BusConfig{
		MaxHistory:         1000,
		CorrelationTimeout: 30 * time.Second,
		AsyncPoolSize:      32,
		SubscriptionBuffer: 256,
	}
}

// DefaultCompletionConfig returns the built-in completion defaults.
func DefaultCompletionConfig() *CompletionConfig {
	return &CompletionConfig{
		RequestTimeout:          5 * time.Minute,
		QueueTTL:                10 * time.Minute,
		GCInterval:              time.Minute,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// DefaultProviderConfig returns the built-in provider defaults.
func DefaultProviderConfig() *ProviderConfig {
	return &ProviderConfig{
		Kind:         "cli",
		Command:      "claude",
		DefaultModel: "sonnet",
	}
}

// DefaultMonitorConfig returns the built-in monitor defaults.
// The HTTP surface is disabled until an address is configured.
func DefaultMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		WriteTimeout: 10 * time.Second,
	}
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		AsyncStateTTL: 24 * time.Hour,
		PruneInterval: 5 * time.Minute,
	}
}

// DefaultDirConfig returns the built-in filesystem layout.
func DefaultDirConfig() *DirConfig {
	return &DirConfig{
		StateDir:       "var/lib/ksi",
		ResponseLogDir: "var/logs/responses",
		SandboxRoot:    "var/sandbox",
		LogDir:         "var/logs",
	}
}

// defaultConfig assembles a complete Config from built-in defaults.
func defaultConfig() *Config {
	return &Config{
		Socket:       DefaultSocket,
		LogLevel:     "info",
		Dirs:         DefaultDirConfig(),
		Bus:          DefaultBusConfig(),
		Completion:   DefaultCompletionConfig(),
		Provider:     DefaultProviderConfig(),
		Monitor:      DefaultMonitorConfig(),
		Masking:      &MaskingConfig{},
		Retention:    DefaultRetentionConfig(),
		Plugins:      &PluginConfig{},
		Compositions: &CompositionsConfig{Dir: "var/lib/compositions"},
	}
}
