package dedup

import (
	"sync"
)

// History is a bounded ring of the most recent allowed final pairs for one
// speaker. Once full, each Push overwrites the oldest entry.
type History struct {
	buffer []Pair
	size   int
	write  int
	count  int
	mu     sync.RWMutex
}

// NewHistory creates a history window holding up to size pairs (minimum 1)
func NewHistory(size int) *History {
	if size < 1 {
		size = 1
	}
	return &History{
		buffer: make([]Pair, size),
		size:   size,
	}
}

// Push records p as the newest entry
func (h *History) Push(p Pair) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buffer[h.write] = p
	h.write = (h.write + 1) % h.size
	if h.count < h.size {
		h.count++
	}
}

// Last returns the newest entry, if any
func (h *History) Last() (Pair, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.count == 0 {
		return Pair{}, false
	}
	return h.buffer[(h.write-1+h.size)%h.size], true
}

// Snapshot returns the retained entries oldest first
func (h *History) Snapshot() []Pair {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Pair, 0, h.count)
	start := (h.write - h.count + h.size) % h.size
	for i := 0; i < h.count; i++ {
		out = append(out, h.buffer[(start+i)%h.size])
	}
	return out
}

// Len returns the number of retained entries
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Clear drops every entry
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.write = 0
	h.count = 0
}
