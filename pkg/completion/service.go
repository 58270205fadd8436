// Package completion coordinates LLM turns. Requests queue per
// conversation; at most one turn per conversation is ever in flight, so an
// agent's turns serialize while separate conversations run concurrently.
// Results come back asynchronously as completion:result events.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ksi-project/ksi/pkg/bus"
	"github.com/ksi-project/ksi/pkg/config"
	"github.com/ksi-project/ksi/pkg/masking"
	"github.com/ksi-project/ksi/pkg/provider"
)

// Request statuses reported by completion:status.
const (
	StatusQueued    = "queued"
	StatusInFlight  = "in_flight"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ErrShuttingDown rejects new work during graceful shutdown.
var ErrShuttingDown = errors.New("completion service is shutting down")

// request is one queued completion turn.
type request struct {
	id              string
	prompt          string
	model           string
	agentID         string
	injectionConfig map[string]any

	status   string
	enqueued time.Time
	cancel   context.CancelFunc // set while in flight
}

// conversation is one serialized completion queue. Its key starts as
// "new:<request_id>" and is rekeyed to the provider session id after every
// turn, since providers mint a fresh session id per turn.
type conversation struct {
	key        string
	sessionID  string // latest real provider session id, "" before first turn
	queue      []*request
	running    bool
	lastActive time.Time
}

// Service owns the conversation queues and the provider.
type Service struct {
	router   *bus.Router
	provider provider.Provider
	cfg      *config.CompletionConfig
	logs     *responseLog
	logger   *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu            sync.Mutex
	conversations map[string]*conversation
	requests      map[string]*request
	closed        bool
}

// NewService builds the completion service. logDir receives per-session
// JSONL response logs; empty disables logging to disk.
func NewService(router *bus.Router, p provider.Provider, cfg *config.CompletionConfig, logDir string) *Service {
	return &Service{
		router:        router,
		provider:      p,
		cfg:           cfg,
		logs:          newResponseLog(logDir),
		logger:        slog.With("component", "completion"),
		conversations: make(map[string]*conversation),
		requests:      make(map[string]*request),
	}
}

// SetMasker installs transcript redaction for the response log. Call
// before Start.
func (s *Service) SetMasker(m *masking.Service) {
	s.logs.masker = m
}

// Start launches the queue GC loop.
func (s *Service) Start(ctx context.Context) {
	s.baseCtx, s.stop = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.gcLoop()
	s.logger.Info("Completion service started",
		"provider", s.provider.Name(),
		"request_timeout", s.cfg.RequestTimeout)
}

// EnqueueOptions describes one completion turn.
type EnqueueOptions struct {
	RequestID       string // empty mints one
	SessionID       string // empty starts a fresh conversation
	Prompt          string
	Model           string
	AgentID         string
	InjectionConfig map[string]any
}

// Enqueue queues one turn and returns its request id immediately. The
// result arrives later as a completion:result event. A caller-supplied
// request id must be unused.
func (s *Service) Enqueue(opts EnqueueOptions) (string, error) {
	req := &request{
		id:              opts.RequestID,
		prompt:          opts.Prompt,
		model:           opts.Model,
		agentID:         opts.AgentID,
		injectionConfig: opts.InjectionConfig,
		status:          StatusQueued,
		enqueued:        time.Now(),
	}
	if req.id == "" {
		req.id = uuid.New().String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrShuttingDown
	}
	if _, exists := s.requests[req.id]; exists {
		return "", fmt.Errorf("request id %s is already in use", req.id)
	}

	sessionID := opts.SessionID
	key := sessionID
	if key == "" {
		key = "new:" + req.id
	}
	conv, ok := s.conversations[key]
	if !ok {
		conv = &conversation{key: key, lastActive: time.Now()}
		if sessionID != "" {
			conv.sessionID = sessionID
		}
		s.conversations[key] = conv
	}
	conv.queue = append(conv.queue, req)
	conv.lastActive = time.Now()
	s.requests[req.id] = req

	if !conv.running {
		conv.running = true
		s.wg.Add(1)
		go s.drain(conv)
	}
	return req.id, nil
}

// drain serializes one conversation's turns. Exits when the queue empties
// or the service shuts down.
func (s *Service) drain(conv *conversation) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if s.closed || len(conv.queue) == 0 {
			conv.running = false
			s.mu.Unlock()
			return
		}
		req := conv.queue[0]
		conv.queue = conv.queue[1:]
		if req.status == StatusCancelled {
			s.mu.Unlock()
			continue
		}
		req.status = StatusInFlight
		ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.RequestTimeout)
		req.cancel = cancel
		sessionID := conv.sessionID
		s.mu.Unlock()

		s.process(ctx, conv, req, sessionID)
		cancel()
	}
}

// process runs one provider turn end to end.
func (s *Service) process(ctx context.Context, conv *conversation, req *request, sessionID string) {
	prompt := s.withPendingInjections(ctx, req)

	resp, err := s.provider.Complete(ctx, &provider.Request{
		SessionID: sessionID,
		Prompt:    prompt,
		Model:     req.model,
	})
	if err != nil {
		s.fail(conv, req, err)
		return
	}

	s.mu.Lock()
	req.status = StatusCompleted
	req.cancel = nil
	s.rekeyLocked(conv, resp.SessionID)
	conv.lastActive = time.Now()
	s.mu.Unlock()

	s.logs.append(resp.SessionID, map[string]any{
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		"request_id": req.id,
		"agent_id":   req.agentID,
		"session_id": resp.SessionID,
		"prompt":     req.prompt,
		"response":   resp.Raw,
	})

	result := map[string]any{
		"request_id": req.id,
		"session_id": resp.SessionID,
		"status":     StatusCompleted,
		"result":     resp.Text,
	}
	if resp.Model != "" {
		result["model"] = resp.Model
	}
	if req.agentID != "" {
		result["agent_id"] = req.agentID
	}
	if req.injectionConfig != nil {
		result["injection_config"] = req.injectionConfig
	}
	if _, err := s.router.Emit(s.baseCtx, "completion:result", result,
		bus.WithSource("completion")); err != nil {
		s.logger.Error("Failed to emit completion result", "request_id", req.id, "error", err)
	}

	s.extractEvents(req, resp)
}

// fail reports one turn's failure: a completion:result carrying the error
// envelope for the requester, and a completion:error for observers.
func (s *Service) fail(conv *conversation, req *request, err error) {
	code := bus.CodeProviderError
	status := StatusFailed
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = bus.CodeTimeout
	case errors.Is(err, context.Canceled):
		code = bus.CodeCancelled
		status = StatusCancelled
	}

	s.mu.Lock()
	req.status = status
	req.cancel = nil
	conv.lastActive = time.Now()
	s.mu.Unlock()

	s.logger.Warn("Completion turn failed",
		"request_id", req.id, "code", code, "error", err)

	result := map[string]any{
		"request_id": req.id,
		"status":     status,
		"error": map[string]any{
			"code":    code,
			"message": err.Error(),
		},
	}
	if req.agentID != "" {
		result["agent_id"] = req.agentID
	}
	if _, emitErr := s.router.Emit(s.baseCtx, "completion:result", result,
		bus.WithSource("completion")); emitErr != nil {
		s.logger.Error("Failed to emit completion failure", "request_id", req.id, "error", emitErr)
	}

	// Observers get failures on their own channel too.
	if _, emitErr := s.router.Emit(s.baseCtx, "completion:error", map[string]any{
		"request_id": req.id,
		"error": map[string]any{
			"code":    code,
			"message": err.Error(),
		},
	}, bus.WithSource("completion")); emitErr != nil {
		s.logger.Error("Failed to emit completion error", "request_id", req.id, "error", emitErr)
	}
}

// rekeyLocked moves the conversation under its newest session id.
// Caller holds s.mu.
func (s *Service) rekeyLocked(conv *conversation, newSessionID string) {
	if newSessionID == "" || conv.key == newSessionID {
		return
	}
	delete(s.conversations, conv.key)
	conv.key = newSessionID
	conv.sessionID = newSessionID
	s.conversations[newSessionID] = conv
}

// withPendingInjections claims queued injections for the agent and prepends
// them to the prompt as system reminders.
func (s *Service) withPendingInjections(ctx context.Context, req *request) string {
	if req.agentID == "" {
		return req.prompt
	}
	result, err := s.router.Emit(ctx, "injection:claim",
		map[string]any{"agent_id": req.agentID},
		bus.WithSource("completion"))
	if err != nil || result == nil || bus.IsErrorResult(result) {
		return req.prompt
	}
	items, _ := result["injections"].([]any)
	if len(items) == 0 {
		return req.prompt
	}

	var sb strings.Builder
	for _, item := range items {
		text, ok := item.(string)
		if !ok || text == "" {
			continue
		}
		sb.WriteString("<system-reminder>\n")
		sb.WriteString(text)
		sb.WriteString("\n</system-reminder>\n\n")
	}
	sb.WriteString(req.prompt)
	return sb.String()
}

// Cancel aborts a queued or in-flight request.
func (s *Service) Cancel(requestID string) (string, error) {
	s.mu.Lock()
	req, ok := s.requests[requestID]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("unknown request %s", requestID)
	}
	var cancel context.CancelFunc
	switch req.status {
	case StatusQueued:
		req.status = StatusCancelled
	case StatusInFlight:
		cancel = req.cancel
	default:
		status := req.status
		s.mu.Unlock()
		return status, fmt.Errorf("request %s already %s", requestID, status)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return StatusCancelled, nil
}

// RequestStatus returns a request's current status.
func (s *Service) RequestStatus(requestID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok {
		return "", false
	}
	return req.status, true
}

// Status summarizes all conversations for completion:status.
func (s *Service) Status() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversations := make([]map[string]any, 0, len(s.conversations))
	for _, conv := range s.conversations {
		conversations = append(conversations, map[string]any{
			"session_key": conv.key,
			"queued":      len(conv.queue),
			"in_flight":   conv.running,
			"last_active": conv.lastActive.UTC().Format(time.RFC3339),
		})
	}
	return map[string]any{
		"provider":      s.provider.Name(),
		"conversations": conversations,
		"total":         len(conversations),
	}
}

// SessionStatus describes one conversation.
func (s *Service) SessionStatus(sessionID string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[sessionID]
	if !ok {
		return nil, false
	}
	return map[string]any{
		"session_key": conv.key,
		"session_id":  conv.sessionID,
		"queued":      len(conv.queue),
		"in_flight":   conv.running,
		"last_active": conv.lastActive.UTC().Format(time.RFC3339),
	}, true
}

// gcLoop drops conversations idle past the queue TTL and forgets finished
// requests of the same age.
func (s *Service) gcLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case <-ticker.C:
			s.gc()
		}
	}
}

func (s *Service) gc() {
	cutoff := time.Now().Add(-s.cfg.QueueTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, conv := range s.conversations {
		if !conv.running && len(conv.queue) == 0 && conv.lastActive.Before(cutoff) {
			delete(s.conversations, key)
		}
	}
	for id, req := range s.requests {
		switch req.status {
		case StatusCompleted, StatusFailed, StatusCancelled:
			if req.enqueued.Before(cutoff) {
				delete(s.requests, id)
			}
		}
	}
}

// Shutdown stops accepting work, cancels queued turns, and waits for
// in-flight turns up to the graceful timeout before cancelling them too.
func (s *Service) Shutdown() {
	s.mu.Lock()
	s.closed = true
	var inflight []context.CancelFunc
	for _, req := range s.requests {
		switch req.status {
		case StatusQueued:
			req.status = StatusCancelled
		case StatusInFlight:
			if req.cancel != nil {
				inflight = append(inflight, req.cancel)
			}
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.cfg.GracefulShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn("Graceful shutdown timeout, cancelling in-flight turns",
			"in_flight", len(inflight))
		for _, cancel := range inflight {
			cancel()
		}
	}

	s.stop()
	// gcLoop and any stragglers exit on baseCtx cancellation.
	<-done
	s.logger.Info("Completion service stopped")
}
