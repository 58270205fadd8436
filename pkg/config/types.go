package config

import "time"

// BusConfig controls the event bus and router.
type BusConfig struct {
	// MaxHistory bounds the in-memory event history ring buffer.
	MaxHistory int `yaml:"max_history"`

	// CorrelationTimeout is the default deadline for emits that expect a
	// response. Overridable per call.
	CorrelationTimeout time.Duration `yaml:"correlation_timeout"`

	// AsyncPoolSize is the size of the shared worker pool used for async
	// handler dispatch. Async handlers never run on the emitting goroutine.
	AsyncPoolSize int `yaml:"async_pool_size"`

	// SubscriptionBuffer is the per-subscription delivery channel depth.
	// A subscriber that falls this far behind starts dropping events.
	SubscriptionBuffer int `yaml:"subscription_buffer"`
}

// CompletionConfig controls the completion service and its conversation queues.
type CompletionConfig struct {
	// RequestTimeout is the maximum time a single provider call may take.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// QueueTTL is how long an empty, idle conversation queue survives
	// before it is garbage collected.
	QueueTTL time.Duration `yaml:"queue_ttl"`

	// GCInterval is how often idle queues are scanned for collection.
	GCInterval time.Duration `yaml:"gc_interval"`

	// GracefulShutdownTimeout is the max time to wait for in-flight
	// completions during shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// ProviderConfig selects and configures the LLM provider.
type ProviderConfig struct {
	// Kind selects the provider implementation: "cli" or "stub".
	Kind string `yaml:"kind"`

	// Command is the provider executable for the cli kind.
	Command string `yaml:"command,omitempty"`

	// Args are extra arguments passed before the generated ones.
	Args []string `yaml:"args,omitempty"`

	// DefaultModel is used when a request does not name a model.
	DefaultModel string `yaml:"default_model,omitempty"`
}

// MonitorConfig controls the optional HTTP monitoring surface.
// The Unix socket remains the only command surface; this is read-only.
type MonitorConfig struct {
	// HTTPAddr enables the monitor API when non-empty (e.g. ":8080").
	HTTPAddr string `yaml:"http_addr,omitempty"`

	// WriteTimeout bounds WebSocket sends to monitor clients.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// MaskingPattern is one custom redaction rule applied to persisted
// provider transcripts.
type MaskingPattern struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement,omitempty"`
}

// MaskingConfig controls redaction of response logs. Enabled by default;
// built-in patterns cover common credential shapes.
type MaskingConfig struct {
	Disabled bool             `yaml:"disabled,omitempty"`
	Patterns []MaskingPattern `yaml:"patterns,omitempty"`
}

// RetentionConfig controls pruning of persisted state.
type RetentionConfig struct {
	// AsyncStateTTL is the default TTL for async-state queue entries
	// that do not carry their own.
	AsyncStateTTL time.Duration `yaml:"async_state_ttl"`

	// PruneInterval is how often expired async-state entries and
	// observation records are removed.
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// DirConfig groups the daemon's filesystem layout.
type DirConfig struct {
	// StateDir holds the SQLite database under <state_dir>/db/.
	StateDir string `yaml:"state_dir"`

	// ResponseLogDir holds one <session_id>.jsonl file per conversation.
	ResponseLogDir string `yaml:"response_log_dir"`

	// SandboxRoot holds per-agent working directories.
	SandboxRoot string `yaml:"sandbox_root"`

	// LogDir holds daemon.log.
	LogDir string `yaml:"log_dir"`
}

// PluginConfig controls plugin loading.
type PluginConfig struct {
	// Disabled lists plugin names that are skipped at load time.
	Disabled []string `yaml:"disabled,omitempty"`
}

// CompositionsConfig locates the composition/profile library.
type CompositionsConfig struct {
	// Dir is the directory holding composition YAML files.
	Dir string `yaml:"dir"`
}

// Config is the fully resolved daemon configuration.
type Config struct {
	configDir string

	// Socket is the Unix domain socket path clients connect to.
	Socket string `yaml:"socket"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Dirs         *DirConfig          `yaml:"dirs"`
	Bus          *BusConfig          `yaml:"bus"`
	Completion   *CompletionConfig   `yaml:"completion"`
	Provider     *ProviderConfig     `yaml:"provider"`
	Monitor      *MonitorConfig      `yaml:"monitor"`
	Masking      *MaskingConfig      `yaml:"masking"`
	Retention    *RetentionConfig    `yaml:"retention"`
	Plugins      *PluginConfig       `yaml:"plugins"`
	Compositions *CompositionsConfig `yaml:"compositions"`
}

// ConfigDir returns the directory this configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// DatabasePath returns the path of the async-state SQLite database.
func (c *Config) DatabasePath() string {
	return c.Dirs.StateDir + "/db/async_state.db"
}
