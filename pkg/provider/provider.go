// Package provider abstracts the LLM backend used by the completion
// service. The production backend shells out to a CLI tool; the stub
// backend is deterministic and in-memory for tests and offline runs.
package provider

import (
	"context"
	"fmt"

	"github.com/ksi-project/ksi/pkg/config"
)

// Request is one completion turn.
type Request struct {
	// SessionID resumes an existing provider conversation; empty starts a
	// new one. Providers mint a fresh session id on every turn, so the
	// returned id, not this one, names the conversation afterwards.
	SessionID string
	Prompt    string
	Model     string
}

// Response is the provider's answer to one turn.
type Response struct {
	// SessionID is the freshly minted id that continues this conversation.
	SessionID string
	Text      string
	Model     string
	// Raw carries the provider's full response document for logging.
	Raw map[string]any
}

// Provider executes completion turns.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// New builds the provider selected by configuration.
func New(cfg *config.ProviderConfig) (Provider, error) {
	switch cfg.Kind {
	case "cli":
		return NewCLIProvider(cfg), nil
	case "stub":
		return NewStubProvider(nil), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}
}
