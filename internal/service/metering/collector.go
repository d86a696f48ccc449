package metering

import (
	"sync"
	"time"

	"github.com/clinvoice/backend/internal/model/s2s"
)

// Usage is the accumulated token spend of one session. The model reports
// running totals, so each event replaces the previous counters rather than
// adding to them.
type Usage struct {
	SessionID         string    `json:"sessionId"`
	TotalInputTokens  int64     `json:"totalInputTokens"`
	TotalOutputTokens int64     `json:"totalOutputTokens"`
	TotalTokens       int64     `json:"totalTokens"`
	Events            int64     `json:"events"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Collector keeps per-session usage counters for the lifetime of the process.
type Collector struct {
	mu       sync.RWMutex
	sessions map[string]*Usage
}

// NewCollector builds an empty collector.
func NewCollector() *Collector {
	return &Collector{
		sessions: make(map[string]*Usage),
	}
}

// RecordUsage applies one usage event to a session's counters.
func (c *Collector) RecordUsage(sessionID string, usage s2s.InUsageEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.sessions[sessionID]
	if !ok {
		entry = &Usage{SessionID: sessionID}
		c.sessions[sessionID] = entry
	}
	entry.TotalInputTokens = usage.TotalInputTokens
	entry.TotalOutputTokens = usage.TotalOutputTokens
	entry.TotalTokens = usage.TotalTokens
	entry.Events++
	entry.UpdatedAt = time.Now()
}

// Session returns the counters for one session.
func (c *Collector) Session(sessionID string) (Usage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.sessions[sessionID]
	if !ok {
		return Usage{}, false
	}
	return *entry, true
}

// All returns a snapshot of every session's counters.
func (c *Collector) All() []Usage {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Usage, 0, len(c.sessions))
	for _, entry := range c.sessions {
		out = append(out, *entry)
	}
	return out
}
