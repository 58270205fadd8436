package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
)

// Options configures a Router. Zero values fall back to the listed defaults.
type Options struct {
	MaxHistory         int           // default 1000
	CorrelationTimeout time.Duration // default 30s
	AsyncPoolSize      int           // default 32
	SubscriptionBuffer int           // default 256
}

func (o *Options) withDefaults() {
	if o.MaxHistory == 0 {
		o.MaxHistory = 1000
	}
	if o.CorrelationTimeout == 0 {
		o.CorrelationTimeout = 30 * time.Second
	}
	if o.AsyncPoolSize == 0 {
		o.AsyncPoolSize = 32
	}
	if o.SubscriptionBuffer == 0 {
		o.SubscriptionBuffer = 256
	}
}

// registeredHandler pairs a HandlerSpec with its registration order for
// stable priority ties.
type registeredHandler struct {
	spec HandlerSpec
	seq  int
}

func (h *registeredHandler) name() string {
	if h.spec.Module != "" {
		return h.spec.Module + "." + h.spec.Event
	}
	return h.spec.Event
}

// handlerError records a handler failure during dispatch.
type handlerError struct {
	handler string
	err     error
}

// Router is the central dispatcher. All internal and external events flow
// through Emit; handlers are registered by the plugin registry, observer
// subscriptions by anyone.
type Router struct {
	opts Options

	pool *ants.Pool
	hist *history
	corr *correlations

	mu       sync.RWMutex
	handlers map[string][]*registeredHandler
	seq      int
	subs     map[string]*Subscription
	// subList is a copy-on-write snapshot rebuilt on every subscribe /
	// unsubscribe so dispatch never holds the mutator lock while matching.
	subList []*Subscription

	schemaMu sync.RWMutex
	schemas  map[string]*compiledSchema

	hierarchy     AgentHierarchy
	agentObserver AgentObserver
	observer      EventObserver

	closedMu sync.Mutex
	closed   bool
}

// NewRouter creates a router with its async dispatch pool.
func NewRouter(opts Options) (*Router, error) {
	opts.withDefaults()
	pool, err := ants.NewPool(opts.AsyncPoolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch pool: %w", err)
	}
	return &Router{
		opts:     opts,
		pool:     pool,
		hist:     newHistory(opts.MaxHistory),
		corr:     newCorrelations(),
		handlers: make(map[string][]*registeredHandler),
		subs:     make(map[string]*Subscription),
		schemas:  make(map[string]*compiledSchema),
	}, nil
}

// SetHierarchy installs the agent ancestor resolver for hierarchical routing.
func (r *Router) SetHierarchy(h AgentHierarchy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hierarchy = h
}

// SetAgentObserver installs the sink that receives ancestor-routed events.
func (r *Router) SetAgentObserver(fn AgentObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agentObserver = fn
}

// SetObserver installs the observation service sink.
func (r *Router) SetObserver(o EventObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = o
}

// RegisterHandler adds a handler for an event name. Priority 0 means
// "unset" and maps to DefaultPriority; lower priorities run first, ties
// break by registration order.
func (r *Router) RegisterHandler(spec HandlerSpec) error {
	if spec.Event == "" {
		return fmt.Errorf("handler registration requires an event name")
	}
	if spec.Fn == nil {
		return fmt.Errorf("handler registration for %q requires a function", spec.Event)
	}
	if spec.Priority == 0 {
		spec.Priority = DefaultPriority
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	list := append(r.handlers[spec.Event], &registeredHandler{spec: spec, seq: r.seq})
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].spec.Priority != list[j].spec.Priority {
			return list[i].spec.Priority < list[j].spec.Priority
		}
		return list[i].seq < list[j].seq
	})
	r.handlers[spec.Event] = list
	return nil
}

// UnregisterModule removes every handler registered under the module name.
// Used by plugin reload.
func (r *Router) UnregisterModule(module string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for event, list := range r.handlers {
		kept := list[:0]
		for _, h := range list {
			if h.spec.Module == module {
				removed++
				continue
			}
			kept = append(kept, h)
		}
		if len(kept) == 0 {
			delete(r.handlers, event)
		} else {
			r.handlers[event] = kept
		}
	}
	return removed
}

// Subscribe registers an observer-style listener and returns its id.
func (r *Router) Subscribe(subscriber string, patterns []string, fn SubscriptionFn, namespace string) string {
	sub := newSubscription(subscriber, patterns, fn, namespace, r.opts.SubscriptionBuffer)
	r.mu.Lock()
	r.subs[sub.ID] = sub
	r.rebuildSubList()
	r.mu.Unlock()
	return sub.ID
}

// Unsubscribe removes a subscription. Returns false for unknown ids.
func (r *Router) Unsubscribe(id string) bool {
	r.mu.Lock()
	sub, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
		r.rebuildSubList()
	}
	r.mu.Unlock()
	if ok {
		sub.close()
	}
	return ok
}

// UnsubscribeOwner tears down every subscription owned by a subscriber.
// Called by the transport when a connection closes.
func (r *Router) UnsubscribeOwner(subscriber string) int {
	r.mu.Lock()
	var doomed []*Subscription
	for id, sub := range r.subs {
		if sub.Subscriber == subscriber {
			doomed = append(doomed, sub)
			delete(r.subs, id)
		}
	}
	if len(doomed) > 0 {
		r.rebuildSubList()
	}
	r.mu.Unlock()
	for _, sub := range doomed {
		sub.close()
	}
	return len(doomed)
}

// Subscriptions returns a snapshot of active subscriptions.
func (r *Router) Subscriptions() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Subscription, len(r.subList))
	copy(out, r.subList)
	return out
}

// rebuildSubList rebuilds the copy-on-write snapshot. Exact subscriptions
// sort before wildcard ones so wildcards run after exact handlers.
// Caller holds r.mu.
func (r *Router) rebuildSubList() {
	list := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool {
		wi, wj := list[i].wildcard(), list[j].wildcard()
		if wi != wj {
			return !wi
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	r.subList = list
}

// Emit routes an event to every matching handler and subscription.
//
// Without WithExpectResponse the dispatch runs inline and the first non-nil
// handler result is returned. With it, dispatch runs on the async pool and
// Emit awaits the correlated response up to the correlation timeout; exactly
// one of a value, a HANDLER_ERROR, a TIMEOUT, or a CANCELLED envelope comes
// back (never an error for those cases).
func (r *Router) Emit(ctx context.Context, name string, data map[string]any, options ...EmitOption) (map[string]any, error) {
	o := emitOptions{timeout: r.opts.CorrelationTimeout}
	for _, opt := range options {
		opt(&o)
	}
	if data == nil {
		data = map[string]any{}
	}

	rec := &Record{
		ID:             uuid.New().String(),
		Name:           name,
		Source:         o.source,
		Timestamp:      time.Now(),
		CorrelationID:  o.correlationID,
		ParentID:       o.parentID,
		Data:           data,
		HandlersCalled: []string{},
	}

	// A "<event>:response" emission resolves the matching pending waiter.
	// This is the second leg of the correlation contract; the first is a
	// handler returning a non-nil result.
	if strings.HasSuffix(name, ":response") {
		if cid, ok := data["correlation_id"].(string); ok && cid != "" {
			r.corr.resolve(cid, data)
		}
	}

	if err := r.validateSchema(name, data); err != nil {
		result := ErrorResult(CodeValidation, err.Error())
		rec.Result = result
		rec.Error = err.Error()
		r.hist.add(rec)
		return result, nil
	}

	if !o.expectResponse {
		r.hist.add(rec)
		result, called, herrs := r.dispatch(ctx, rec, false)
		r.finish(rec, result, called, herrs)
		if result == nil && len(herrs) > 0 {
			return r.handlerErrorResult(herrs[0]), nil
		}
		return result, nil
	}

	corrID := o.correlationID
	if corrID == "" {
		corrID = rec.ID
		rec.CorrelationID = corrID
	}
	r.hist.add(rec)
	w := r.corr.add(corrID)
	defer r.corr.remove(corrID)

	task := func() {
		result, called, herrs := r.dispatch(ctx, rec, true)
		r.finish(rec, result, called, herrs)
		switch {
		case result != nil:
			r.corr.resolve(corrID, result)
		case len(herrs) > 0:
			r.corr.resolve(corrID, r.handlerErrorResult(herrs[0]))
		}
		// A nil result with no errors leaves the waiter pending: the
		// response may arrive later via Resolve or "<event>:response".
	}
	if err := r.pool.Submit(task); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPoolClosed, err)
	}

	timer := time.NewTimer(o.timeout)
	defer timer.Stop()

	select {
	case result := <-w.ch:
		return result, nil
	case <-timer.C:
		if r.corr.timeout(corrID) {
			result := ErrorResult(CodeTimeout, "Response timeout")
			r.hist.mutate(func() {
				rec.Result = result
				rec.Error = "Response timeout"
			})
			return result, nil
		}
		// Lost the race: a resolution landed concurrently.
		return <-w.ch, nil
	case <-ctx.Done():
		if r.corr.timeout(corrID) {
			return ErrorResult(CodeCancelled, ctx.Err().Error()), nil
		}
		return <-w.ch, nil
	}
}

// Resolve completes the pending waiter for a correlation id. Used by
// handlers that produce their response out of band.
func (r *Router) Resolve(correlationID string, result map[string]any) bool {
	return r.corr.resolve(correlationID, result)
}

// dispatch invokes every handler registered for the event in priority
// order, collecting the called handler names and the first non-nil result.
// The record itself is not touched here; finish applies the outcome under
// the history lock. When inlineAsync is false, handlers marked Async run
// on the pool with their results discarded (fire-and-forget side effects).
func (r *Router) dispatch(ctx context.Context, rec *Record, inlineAsync bool) (map[string]any, []string, []handlerError) {
	r.mu.RLock()
	list := r.handlers[rec.Name]
	handlers := make([]*registeredHandler, len(list))
	copy(handlers, list)
	r.mu.RUnlock()

	var result map[string]any
	called := []string{}
	var herrs []handlerError

	for _, h := range handlers {
		if h.spec.Filter != nil && !h.spec.Filter(rec.Data) {
			continue
		}
		called = append(called, h.name())

		if h.spec.Async && !inlineAsync {
			hh := h
			if err := r.pool.Submit(func() {
				if _, err := r.invoke(ctx, hh, rec.Data); err != nil {
					slog.Warn("Async handler failed",
						"event", rec.Name, "handler", hh.name(), "error", err)
				}
			}); err != nil {
				slog.Warn("Failed to schedule async handler",
					"event", rec.Name, "handler", hh.name(), "error", err)
			}
			continue
		}

		res, err := r.invoke(ctx, h, rec.Data)
		if err != nil {
			// Handler failures never abort peers; they surface only if
			// nobody produces a result.
			slog.Warn("Handler failed",
				"event", rec.Name, "handler", h.name(), "error", err)
			herrs = append(herrs, handlerError{handler: h.name(), err: err})
			continue
		}
		if res != nil && result == nil {
			result = res
		}
	}
	return result, called, herrs
}

// invoke runs one handler with panic recovery.
func (r *Router) invoke(ctx context.Context, h *registeredHandler, data map[string]any) (result map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h.spec.Fn(ctx, data)
}

// finish records the dispatch outcome under the history lock and fans a
// settled copy of the event out to subscriptions, the agent hierarchy, and
// the observation sink. The copy keeps fan-out consumers off the live
// record, which a timed-out Emit may still write to.
func (r *Router) finish(rec *Record, result map[string]any, called []string, herrs []handlerError) {
	var snap Record
	r.hist.mutate(func() {
		rec.HandlersCalled = called
		if rec.Result == nil {
			rec.Result = result
		}
		if rec.Error == "" && len(herrs) > 0 {
			rec.Error = herrs[0].err.Error()
		}
		snap = *rec
	})
	rec = &snap

	r.mu.RLock()
	subs := r.subList
	hierarchy := r.hierarchy
	agentObserver := r.agentObserver
	observer := r.observer
	r.mu.RUnlock()

	for _, sub := range subs {
		if sub.matches(rec.Name) {
			sub.deliver(rec)
		}
	}

	r.routeToAncestors(hierarchy, agentObserver, rec)

	// Observation runs off the emit path; "observe" events are excluded to
	// keep the observation service from watching its own output.
	if observer != nil && Namespace(rec.Name) != "observe" {
		if err := r.pool.Submit(func() { observer.ObserveEvent(rec) }); err != nil {
			slog.Warn("Failed to schedule observation dispatch",
				"event", rec.Name, "error", err)
		}
	}
}

// routeToAncestors walks the emitting agent's ancestor chain and delivers
// the event to every ancestor whose subscription level reaches deep enough.
func (r *Router) routeToAncestors(hierarchy AgentHierarchy, observer AgentObserver, rec *Record) {
	if hierarchy == nil || observer == nil {
		return
	}
	agentID, ok := rec.Data["_agent_id"].(string)
	if !ok || agentID == "" {
		return
	}
	for i, anc := range hierarchy.Ancestors(agentID) {
		depth := i + 1
		if anc.SubscriptionLevel == -1 || anc.SubscriptionLevel >= depth {
			observer(anc.ID, rec, depth)
		}
	}
}

// handlerErrorResult builds the HANDLER_ERROR envelope for the first failure.
func (r *Router) handlerErrorResult(he handlerError) map[string]any {
	return ErrorDetail(CodeHandlerError, he.err.Error(), map[string]any{
		"handler": he.handler,
	})
}

// Replay walks the history ring oldest-first, returning records that pass
// the filter and optionally re-invoking a handler for each.
func (r *Router) Replay(filter func(*Record) bool, fn func(*Record)) []*Record {
	var out []*Record
	r.hist.walk(func(rec *Record) bool {
		if filter != nil && !filter(rec) {
			return true
		}
		out = append(out, rec)
		if fn != nil {
			fn(rec)
		}
		return true
	})
	return out
}

// History returns a snapshot of the ring, oldest first.
func (r *Router) History() []*Record {
	return r.Replay(nil, nil)
}

// HistoryLen returns the current history length (≤ MaxHistory).
func (r *Router) HistoryLen() int {
	return r.hist.len()
}

// Handlers returns the registered handler specs for an event, in dispatch
// order. Used by the discovery service.
func (r *Router) Handlers(event string) []HandlerSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HandlerSpec, 0, len(r.handlers[event]))
	for _, h := range r.handlers[event] {
		out = append(out, h.spec)
	}
	return out
}

// Shutdown cancels all pending correlation futures, closes subscriptions,
// and releases the dispatch pool.
func (r *Router) Shutdown() {
	r.closedMu.Lock()
	if r.closed {
		r.closedMu.Unlock()
		return
	}
	r.closed = true
	r.closedMu.Unlock()

	r.corr.cancelAll()

	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.subs = make(map[string]*Subscription)
	r.subList = nil
	r.mu.Unlock()
	for _, s := range subs {
		s.close()
	}

	r.pool.Release()
}
