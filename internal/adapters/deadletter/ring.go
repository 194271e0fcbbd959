// Package deadletter keeps notification items that could not be converted.
package deadletter

import (
	"context"
	"sync"
	"time"

	"github.com/mikey/lead-router/internal/core"
	"go.uber.org/zap"
)

// Entry is one dead-lettered item
type Entry struct {
	ID          string            `json:"id"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Data        string            `json:"data"`
	Cause       string            `json:"cause"`
	PublishTime time.Time         `json:"publish_time,omitempty"`
	RecordedAt  time.Time         `json:"recorded_at"`
}

// Ring keeps the most recent dead letters in memory
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
	total   int
	logger  *zap.Logger
	now     func() time.Time
}

// NewRing creates a ring holding the last capacity entries
func NewRing(capacity int, logger *zap.Logger) *Ring {
	if capacity <= 0 {
		capacity = 100
	}
	return &Ring{entries: make([]Entry, capacity), logger: logger, now: time.Now}
}

// Record stores raw with its cause, evicting the oldest entry when full
func (r *Ring) Record(ctx context.Context, raw core.RawEvent, cause error) {
	entry := Entry{
		ID:          raw.ID,
		Attributes:  raw.Attributes,
		Data:        string(raw.Data),
		PublishTime: raw.PublishTime,
		RecordedAt:  r.now(),
	}
	if cause != nil {
		entry.Cause = cause.Error()
	}

	r.mu.Lock()
	r.entries[r.next] = entry
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
	r.total++
	r.mu.Unlock()

	r.logger.Warn("Notification dead-lettered",
		zap.String("id", raw.ID),
		zap.String("cause", entry.Cause))
}

// List returns the kept entries, newest first
func (r *Ring) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.full {
		n = len(r.entries)
	}
	out := make([]Entry, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.entries)) % len(r.entries)
		out = append(out, r.entries[idx])
	}
	return out
}

// Total returns how many entries were ever recorded
func (r *Ring) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Tee records to every sink in order
type Tee []core.DeadLetterSink

// Record implements core.DeadLetterSink
func (t Tee) Record(ctx context.Context, raw core.RawEvent, cause error) {
	for _, sink := range t {
		sink.Record(ctx, raw, cause)
	}
}
