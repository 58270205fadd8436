package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize_DefaultsWhenNoFile(t *testing.T) {
	cfg, err := Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, DefaultSocket, cfg.Socket)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 1000, cfg.Bus.MaxHistory)
	assert.Equal(t, 30*time.Second, cfg.Bus.CorrelationTimeout)
	assert.Equal(t, "cli", cfg.Provider.Kind)
}

func TestInitialize_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	yaml := `
socket: /tmp/test.sock
log_level: debug
bus:
  max_history: 50
provider:
  kind: stub
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(yaml), 0o644))

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/test.sock", cfg.Socket)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 50, cfg.Bus.MaxHistory)
	// Unset values keep their defaults
	assert.Equal(t, 30*time.Second, cfg.Bus.CorrelationTimeout)
	assert.Equal(t, "stub", cfg.Provider.Kind)
}

func TestInitialize_EnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	yaml := "socket: /tmp/from-yaml.sock\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(yaml), 0o644))

	t.Setenv("KSI_DAEMON_SOCKET", "/tmp/from-env.sock")
	t.Setenv("KSI_LOG_LEVEL", "warn")
	t.Setenv("KSI_STATE_DIR", "/tmp/state")

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/from-env.sock", cfg.Socket)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "/tmp/state", cfg.Dirs.StateDir)
	assert.Equal(t, "/tmp/state/db/async_state.db", cfg.DatabasePath())
}

func TestInitialize_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte("socket: [unclosed"), 0o644))

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestInitialize_ValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "bad log level", yaml: "log_level: loud\n"},
		{name: "bad provider kind", yaml: "provider:\n  kind: telepathy\n"},
		{name: "zero max history", yaml: "bus:\n  max_history: -1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(tt.yaml), 0o644))

			_, err := Initialize(context.Background(), dir)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidationFailed)
		})
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("KSI_TEST_VALUE", "expanded")

	out := ExpandEnv([]byte("key: {{.KSI_TEST_VALUE}}"))
	assert.Equal(t, "key: expanded", string(out))

	// Missing variables expand to empty
	out = ExpandEnv([]byte("key: {{.KSI_TEST_MISSING_VAR}}"))
	assert.Equal(t, "key: ", string(out))

	// Content without template syntax passes through untouched
	plain := []byte("pattern: ^secret.*$")
	assert.Equal(t, plain, ExpandEnv(plain))
}
