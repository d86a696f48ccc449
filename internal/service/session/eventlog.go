package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/clinvoice/backend/internal/model/s2s"
)

// Direction of a logged event relative to this client.
type Direction string

const (
	DirectionOut Direction = "out"
	DirectionIn  Direction = "in"
)

// Entry is one append-only audit record. Audio payloads are truncated before
// they reach the log; the raw frame never leaves the wire path.
type Entry struct {
	Seq       int64     `json:"seq"`
	SessionID string    `json:"sessionId"`
	Direction Direction `json:"direction"`
	Kind      s2s.Kind  `json:"kind"`
	Timestamp int64     `json:"timestamp"`
	Payload   string    `json:"payload"`
}

// Sink receives every log entry, e.g. for persistence.
type Sink interface {
	Append(entry Entry)
}

// EventLog is the in-memory append-only event history with fan-out to sinks
// and live subscribers. Subscribers that fall behind lose entries rather
// than stalling the receive loop.
type EventLog struct {
	sessionID string
	sinks     []Sink

	mu      sync.Mutex
	seq     int64
	entries []Entry
	subs    map[chan Entry]struct{}
}

// NewEventLog builds a log for one session.
func NewEventLog(sessionID string, sinks ...Sink) *EventLog {
	return &EventLog{
		sessionID: sessionID,
		sinks:     sinks,
		subs:      map[chan Entry]struct{}{},
	}
}

// Append records one event.
func (l *EventLog) Append(direction Direction, kind s2s.Kind, payload []byte) {
	l.mu.Lock()
	l.seq++
	entry := Entry{
		Seq:       l.seq,
		SessionID: l.sessionID,
		Direction: direction,
		Kind:      kind,
		Timestamp: time.Now().UnixMilli(),
		Payload:   displayPayload(kind, payload),
	}
	l.entries = append(l.entries, entry)
	subs := make([]chan Entry, 0, len(l.subs))
	for sub := range l.subs {
		subs = append(subs, sub)
	}
	l.mu.Unlock()

	for _, sink := range l.sinks {
		sink.Append(entry)
	}
	for _, sub := range subs {
		select {
		case sub <- entry:
		default:
		}
	}
}

// Snapshot copies the history for inspection.
func (l *EventLog) Snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Subscribe returns a live entry feed and a cancel function. The feed buffer
// absorbs bursts; overflow entries are dropped for that subscriber only.
func (l *EventLog) Subscribe() (<-chan Entry, func()) {
	ch := make(chan Entry, 256)
	l.mu.Lock()
	l.subs[ch] = struct{}{}
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		if _, ok := l.subs[ch]; ok {
			delete(l.subs, ch)
			close(ch)
		}
		l.mu.Unlock()
	}
	return ch, cancel
}

// displayPayload keeps the log readable: audio events are summarized instead
// of carrying their base64 body.
func displayPayload(kind s2s.Kind, payload []byte) string {
	switch kind {
	case s2s.KindAudioInput, s2s.KindAudioOutput:
		return fmt.Sprintf(`{"audio":"<%d bytes omitted>"}`, len(payload))
	default:
		return string(payload)
	}
}
