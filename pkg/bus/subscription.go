package bus

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
)

// SubscriptionFn receives matched event records in FIFO order.
type SubscriptionFn func(rec *Record)

// Subscription is an observer-style, pattern-based listener. It is separate
// from handler dispatch: subscribers see events but never produce responses.
type Subscription struct {
	ID         string
	Subscriber string
	Patterns   []string
	Namespace  string
	CreatedAt  time.Time

	fn    SubscriptionFn
	exact map[string]bool
	globs []string

	// Per-subscription FIFO. A dedicated goroutine drains ch so a slow
	// subscriber never blocks the emit path; when the buffer fills the
	// subscriber starts losing events (logged).
	ch      chan *Record
	mu      sync.Mutex
	closed  bool
	dropped int
}

// newSubscription compiles the patterns once: exact names go into a set,
// anything containing a glob metacharacter into the wildcard list.
func newSubscription(subscriber string, patterns []string, fn SubscriptionFn, namespace string, buffer int) *Subscription {
	s := &Subscription{
		ID:         uuid.New().String(),
		Subscriber: subscriber,
		Patterns:   patterns,
		Namespace:  namespace,
		CreatedAt:  time.Now(),
		fn:         fn,
		exact:      make(map[string]bool),
		ch:         make(chan *Record, buffer),
	}
	for _, p := range patterns {
		if strings.ContainsAny(p, "*?[") {
			s.globs = append(s.globs, p)
		} else {
			s.exact[p] = true
		}
	}
	go s.run()
	return s
}

// matches reports whether the subscription wants this event name.
func (s *Subscription) matches(name string) bool {
	if s.exact[name] {
		return true
	}
	if s.Namespace != "" && s.Namespace == Namespace(name) {
		return true
	}
	for _, g := range s.globs {
		if ok, err := doublestar.Match(g, name); err == nil && ok {
			return true
		}
	}
	return false
}

// wildcard reports whether any pattern is a glob. Wildcard subscriptions are
// checked for every event and run after exact handlers.
func (s *Subscription) wildcard() bool {
	return len(s.globs) > 0 || s.Namespace != ""
}

// deliver enqueues a record, dropping it when the subscriber is too far
// behind. Never blocks.
func (s *Subscription) deliver(rec *Record) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	select {
	case s.ch <- rec:
	default:
		s.dropped++
		if s.dropped == 1 || s.dropped%100 == 0 {
			slog.Warn("Subscriber lagging, dropping events",
				"subscription_id", s.ID,
				"subscriber", s.Subscriber,
				"dropped", s.dropped)
		}
	}
	s.mu.Unlock()
}

// close stops delivery and ends the drain goroutine.
func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// run drains the FIFO. Exits when the subscription closes.
func (s *Subscription) run() {
	for rec := range s.ch {
		s.fn(rec)
	}
}
