package bus

import "sync"

// history is the bounded ring buffer of event records. Oldest records are
// evicted when the ring is full, keeping len <= max at all times.
type history struct {
	mu      sync.RWMutex
	records []*Record
	max     int
	head    int // index of the oldest record
	size    int
}

func newHistory(max int) *history {
	if max < 1 {
		max = 1
	}
	return &history{
		records: make([]*Record, max),
		max:     max,
	}
}

// add appends a record, evicting the oldest when full.
func (h *history) add(rec *Record) {
	h.mu.Lock()
	defer h.mu.Unlock()

	tail := (h.head + h.size) % h.max
	h.records[tail] = rec
	if h.size < h.max {
		h.size++
	} else {
		h.head = (h.head + 1) % h.max
	}
}

// len returns the current number of records.
func (h *history) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// mutate runs fn under the write lock. All record field updates after add
// go through here so walkers never observe a half-written record.
func (h *history) mutate(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn()
}

// walk calls fn for each record, oldest first. Returning false stops the
// walk. Records are copied under the lock, so fn sees a stable view even
// while dispatch is still settling the originals.
func (h *history) walk(fn func(*Record) bool) {
	h.mu.RLock()
	snapshot := make([]Record, 0, h.size)
	for i := 0; i < h.size; i++ {
		snapshot = append(snapshot, *h.records[(h.head+i)%h.max])
	}
	h.mu.RUnlock()

	// Invoke outside the lock: fn may re-enter the router (replay handlers).
	for i := range snapshot {
		if !fn(&snapshot[i]) {
			return
		}
	}
}
