package config

import (
	"fmt"
)

// validLogLevels are the accepted log_level values.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validProviderKinds are the accepted provider.kind values.
var validProviderKinds = map[string]bool{
	"cli":  true,
	"stub": true,
}

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateCore(); err != nil {
		return err
	}
	if err := v.validateBus(); err != nil {
		return err
	}
	if err := v.validateCompletion(); err != nil {
		return err
	}
	if err := v.validateProvider(); err != nil {
		return err
	}
	return nil
}

func (v *ConfigValidator) validateCore() error {
	if v.cfg.Socket == "" {
		return NewValidationError("core", "socket", ErrMissingRequiredField)
	}
	if !validLogLevels[v.cfg.LogLevel] {
		return NewValidationError("core", "log_level",
			fmt.Errorf("%w: %q", ErrInvalidValue, v.cfg.LogLevel))
	}
	if v.cfg.Dirs == nil || v.cfg.Dirs.StateDir == "" {
		return NewValidationError("dirs", "state_dir", ErrMissingRequiredField)
	}
	if v.cfg.Dirs.ResponseLogDir == "" {
		return NewValidationError("dirs", "response_log_dir", ErrMissingRequiredField)
	}
	if v.cfg.Dirs.SandboxRoot == "" {
		return NewValidationError("dirs", "sandbox_root", ErrMissingRequiredField)
	}
	return nil
}

func (v *ConfigValidator) validateBus() error {
	b := v.cfg.Bus
	if b.MaxHistory < 1 {
		return NewValidationError("bus", "max_history",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if b.CorrelationTimeout <= 0 {
		return NewValidationError("bus", "correlation_timeout",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if b.AsyncPoolSize < 1 {
		return NewValidationError("bus", "async_pool_size",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if b.SubscriptionBuffer < 1 {
		return NewValidationError("bus", "subscription_buffer",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateCompletion() error {
	c := v.cfg.Completion
	if c.RequestTimeout <= 0 {
		return NewValidationError("completion", "request_timeout",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if c.QueueTTL <= 0 {
		return NewValidationError("completion", "queue_ttl",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateProvider() error {
	p := v.cfg.Provider
	if !validProviderKinds[p.Kind] {
		return NewValidationError("provider", "kind",
			fmt.Errorf("%w: %q", ErrInvalidValue, p.Kind))
	}
	if p.Kind == "cli" && p.Command == "" {
		return NewValidationError("provider", "command", ErrMissingRequiredField)
	}
	return nil
}
