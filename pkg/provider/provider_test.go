package provider

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksi/pkg/config"
)

func TestNewSelectsProvider(t *testing.T) {
	p, err := New(&config.ProviderConfig{Kind: "stub"})
	require.NoError(t, err)
	assert.Equal(t, "stub", p.Name())

	p, err = New(&config.ProviderConfig{Kind: "cli", Command: "claude"})
	require.NoError(t, err)
	assert.Equal(t, "cli", p.Name())

	_, err = New(&config.ProviderConfig{Kind: "carrier-pigeon"})
	require.Error(t, err)
}

func TestStubSessionContinuity(t *testing.T) {
	// Replies with the remembered number when asked, mimicking a model
	// with conversation memory.
	p := NewStubProvider(func(history []string, prompt string) string {
		if strings.Contains(prompt, "what number") {
			for _, turn := range history {
				if strings.Contains(turn, "remember the number") {
					return "42"
				}
			}
			return "I don't know"
		}
		return "ok"
	})
	ctx := context.Background()

	first, err := p.Complete(ctx, &Request{Prompt: "remember the number 42"})
	require.NoError(t, err)
	assert.Equal(t, "ok", first.Text)
	require.NotEmpty(t, first.SessionID)

	// Resuming the first turn's session sees its history.
	second, err := p.Complete(ctx, &Request{
		SessionID: first.SessionID,
		Prompt:    "what number did I ask you to remember?",
	})
	require.NoError(t, err)
	assert.Equal(t, "42", second.Text)
	assert.NotEqual(t, first.SessionID, second.SessionID)

	// A fresh conversation has no memory of it.
	fresh, err := p.Complete(ctx, &Request{Prompt: "what number did I ask you to remember?"})
	require.NoError(t, err)
	assert.Equal(t, "I don't know", fresh.Text)
}

func TestCLIBuildArgs(t *testing.T) {
	p := NewCLIProvider(&config.ProviderConfig{
		Kind:         "cli",
		Command:      "claude",
		Args:         []string{"-p", "--output-format", "json"},
		DefaultModel: "sonnet",
	})

	args := p.buildArgs(&Request{Prompt: "hi"})
	assert.Equal(t, []string{"-p", "--output-format", "json", "--model", "sonnet"}, args)

	args = p.buildArgs(&Request{Prompt: "hi", Model: "opus", SessionID: "s-1"})
	assert.Equal(t, []string{"-p", "--output-format", "json", "--model", "opus", "--resume", "s-1"}, args)
}

func TestCLIComplete(t *testing.T) {
	// Fake CLI: reads stdin, emits the provider JSON contract.
	p := NewCLIProvider(&config.ProviderConfig{
		Kind:    "cli",
		Command: "sh",
		Args:    []string{"-c", `cat >/dev/null; printf '{"session_id":"sess-1","result":"hello there","model":"test"}'`},
	})

	resp, err := p.Complete(context.Background(), &Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", resp.SessionID)
	assert.Equal(t, "hello there", resp.Text)
	assert.Equal(t, "test", resp.Model)
}

func TestCLICompleteBadJSON(t *testing.T) {
	p := NewCLIProvider(&config.ProviderConfig{
		Kind:    "cli",
		Command: "sh",
		Args:    []string{"-c", `cat >/dev/null; echo not-json`},
	})
	_, err := p.Complete(context.Background(), &Request{Prompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid JSON")
}

func TestCLICompleteCancelled(t *testing.T) {
	p := NewCLIProvider(&config.ProviderConfig{
		Kind:    "cli",
		Command: "sleep",
		Args:    []string{"10"},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Complete(ctx, &Request{Prompt: "hi"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
