package provider

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// RespondFunc produces the stub's reply given the conversation so far
// (alternating prompt/reply, oldest first) and the new prompt.
type RespondFunc func(history []string, prompt string) string

// StubProvider is a deterministic in-memory backend. It mirrors the real
// provider's session contract: every turn mints a fresh session id whose
// conversation continues the resumed one.
type StubProvider struct {
	respond RespondFunc

	mu       sync.Mutex
	sessions map[string][]string // session id -> transcript
}

// NewStubProvider builds the stub. A nil respond echoes the prompt back.
func NewStubProvider(respond RespondFunc) *StubProvider {
	if respond == nil {
		respond = func(history []string, prompt string) string { return prompt }
	}
	return &StubProvider{
		respond:  respond,
		sessions: make(map[string][]string),
	}
}

func (p *StubProvider) Name() string { return "stub" }

func (p *StubProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	var history []string
	if req.SessionID != "" {
		history = append(history, p.sessions[req.SessionID]...)
	}
	p.mu.Unlock()

	// Respond runs unlocked so scripted replies can block without
	// serializing unrelated conversations.
	reply := p.respond(history, req.Prompt)

	// Fresh id per turn; the old transcript stays resumable.
	sessionID := uuid.New().String()
	p.mu.Lock()
	p.sessions[sessionID] = append(history, req.Prompt, reply)
	p.mu.Unlock()

	return &Response{
		SessionID: sessionID,
		Text:      reply,
		Model:     req.Model,
		Raw: map[string]any{
			"session_id": sessionID,
			"result":     reply,
		},
	}, nil
}
