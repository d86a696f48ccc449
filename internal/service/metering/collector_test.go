package metering

import (
	"testing"

	"github.com/clinvoice/backend/internal/model/s2s"
)

func TestCollectorTracksRunningTotals(t *testing.T) {
	c := NewCollector()

	c.RecordUsage("s1", s2s.InUsageEvent{TotalInputTokens: 100, TotalOutputTokens: 40, TotalTokens: 140})
	c.RecordUsage("s1", s2s.InUsageEvent{TotalInputTokens: 250, TotalOutputTokens: 90, TotalTokens: 340})

	usage, ok := c.Session("s1")
	if !ok {
		t.Fatal("session s1 not tracked")
	}
	// The model reports running totals; the latest event wins.
	if usage.TotalTokens != 340 || usage.TotalInputTokens != 250 {
		t.Fatalf("usage = %+v, want the latest totals", usage)
	}
	if usage.Events != 2 {
		t.Fatalf("events = %d, want 2", usage.Events)
	}
}

func TestCollectorIsolatesSessions(t *testing.T) {
	c := NewCollector()

	c.RecordUsage("s1", s2s.InUsageEvent{TotalTokens: 10})
	c.RecordUsage("s2", s2s.InUsageEvent{TotalTokens: 999})

	usage, _ := c.Session("s1")
	if usage.TotalTokens != 10 {
		t.Fatalf("s1 totals = %d, polluted by s2", usage.TotalTokens)
	}
	if len(c.All()) != 2 {
		t.Fatalf("tracked sessions = %d, want 2", len(c.All()))
	}
}

func TestCollectorUnknownSession(t *testing.T) {
	c := NewCollector()
	if _, ok := c.Session("missing"); ok {
		t.Fatal("unknown session reported as tracked")
	}
}
