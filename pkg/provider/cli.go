package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/ksi-project/ksi/pkg/config"
)

// CLIProvider runs each completion turn as a subprocess of the configured
// command. The prompt goes in on stdin; the command prints a single JSON
// document on stdout carrying at least "session_id" and "result".
type CLIProvider struct {
	command      string
	args         []string
	defaultModel string
	logger       *slog.Logger
}

// NewCLIProvider builds the subprocess-backed provider.
func NewCLIProvider(cfg *config.ProviderConfig) *CLIProvider {
	return &CLIProvider{
		command:      cfg.Command,
		args:         cfg.Args,
		defaultModel: cfg.DefaultModel,
		logger:       slog.With("component", "provider", "provider", "cli"),
	}
}

func (p *CLIProvider) Name() string { return "cli" }

// buildArgs assembles the subprocess argument list for one turn.
func (p *CLIProvider) buildArgs(req *Request) []string {
	args := append([]string{}, p.args...)
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	return args
}

// Complete runs one subprocess turn. The caller's context bounds the run;
// on cancellation the subprocess is killed.
func (p *CLIProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	args := p.buildArgs(req)
	start := time.Now()

	cmd := exec.CommandContext(ctx, p.command, args...)
	cmd.Stdin = strings.NewReader(req.Prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	p.logger.Debug("Running provider subprocess",
		"command", p.command, "resume", req.SessionID != "")

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("provider subprocess failed: %w (stderr: %s)",
			err, strings.TrimSpace(stderr.String()))
	}

	var doc map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &doc); err != nil {
		return nil, fmt.Errorf("provider produced invalid JSON: %w", err)
	}

	sessionID, _ := doc["session_id"].(string)
	if sessionID == "" {
		return nil, fmt.Errorf("provider response is missing session_id")
	}
	text, _ := doc["result"].(string)
	model, _ := doc["model"].(string)

	p.logger.Info("Provider turn completed",
		"session_id", sessionID,
		"duration", time.Since(start))

	return &Response{
		SessionID: sessionID,
		Text:      text,
		Model:     model,
		Raw:       doc,
	}, nil
}
