package task

import (
	"sync"

	"github.com/lucasnoah/votesql/internal/sqlexec"
)

// Entry is one distinct execution observation.
type Entry struct {
	Status  sqlexec.Status `json:"status"`
	Message string         `json:"message"`
}

// History records the distinct execution outcomes seen while answering one
// question. It only grows, and is safe for concurrent use by the samples of
// a stage.
type History struct {
	mu      sync.Mutex
	seen    map[Entry]bool
	entries []Entry
}

// NewHistory returns an empty History.
func NewHistory() *History {
	return &History{seen: make(map[Entry]bool)}
}

// Add records an observation and reports whether it was new.
func (h *History) Add(status sqlexec.Status, message string) bool {
	e := Entry{Status: status, Message: message}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.seen[e] {
		return false
	}
	h.seen[e] = true
	h.entries = append(h.entries, e)
	return true
}

// Contains reports whether the observation was already recorded.
func (h *History) Contains(status sqlexec.Status, message string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seen[Entry{Status: status, Message: message}]
}

// Len returns the number of distinct observations.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Entries returns a copy of the observations in first-seen order.
func (h *History) Entries() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	return out
}
