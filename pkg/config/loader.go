package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the daemon configuration file looked up in the config dir.
const ConfigFileName = "ksi.yaml"

// envOverrides binds the KSI_* environment variables that override any
// file-provided values. These are the knobs operators reach for first.
type envOverrides struct {
	Socket         string `env:"KSI_DAEMON_SOCKET"`
	LogLevel       string `env:"KSI_LOG_LEVEL"`
	StateDir       string `env:"KSI_STATE_DIR"`
	ResponseLogDir string `env:"KSI_RESPONSE_LOG_DIR"`
	SandboxRoot    string `env:"KSI_SANDBOX_ROOT"`
	LogDir         string `env:"KSI_LOG_DIR"`
	HTTPAddr       string `env:"KSI_MONITOR_ADDR"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load ksi.yaml from configDir (missing file falls back to defaults)
//  2. Expand environment variables ({{.VAR}} template syntax)
//  3. Merge user YAML on top of built-in defaults
//  4. Apply KSI_* environment overrides
//  5. Validate the resolved configuration
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized successfully",
		"socket", cfg.Socket,
		"state_dir", cfg.Dirs.StateDir,
		"provider", cfg.Provider.Kind)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	cfg := defaultConfig()
	cfg.configDir = configDir

	user, err := loadYAMLFile(filepath.Join(configDir, ConfigFileName))
	if err != nil {
		return nil, NewLoadError(ConfigFileName, err)
	}
	if user != nil {
		// Merge user-provided config into defaults (non-zero values override)
		if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge configuration: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return cfg, nil
}

// loadYAMLFile parses a config file, returning (nil, nil) when it does not
// exist. Absent files are fine: the daemon runs on defaults plus env.
func loadYAMLFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("No configuration file found, using defaults", "path", path)
			return nil, nil
		}
		return nil, err
	}

	data = ExpandEnv(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &cfg, nil
}

// applyEnvOverrides parses KSI_* variables and writes the non-empty ones
// over the merged config.
func applyEnvOverrides(cfg *Config) error {
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return err
	}

	if ov.Socket != "" {
		cfg.Socket = ov.Socket
	}
	if ov.LogLevel != "" {
		cfg.LogLevel = ov.LogLevel
	}
	if ov.StateDir != "" {
		cfg.Dirs.StateDir = ov.StateDir
	}
	if ov.ResponseLogDir != "" {
		cfg.Dirs.ResponseLogDir = ov.ResponseLogDir
	}
	if ov.SandboxRoot != "" {
		cfg.Dirs.SandboxRoot = ov.SandboxRoot
	}
	if ov.LogDir != "" {
		cfg.Dirs.LogDir = ov.LogDir
	}
	if ov.HTTPAddr != "" {
		cfg.Monitor.HTTPAddr = ov.HTTPAddr
	}
	return nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	return NewValidator(cfg).ValidateAll()
}
