package session

import (
	"log"
	"sync"
	"time"

	"github.com/clinvoice/backend/internal/model/conversation"
)

// TranscriptStore is the read-side projection of streamed text: one turn per
// content id, last-value-wins for text. Inbound events that reference ids
// out of order are logged as protocol violations and handled defensively,
// never fatally.
type TranscriptStore struct {
	sessionID string

	mu    sync.RWMutex
	turns map[string]*conversation.Turn
	order []string
}

// NewTranscriptStore builds an empty projection for one session.
func NewTranscriptStore(sessionID string) *TranscriptStore {
	return &TranscriptStore{
		sessionID: sessionID,
		turns:     map[string]*conversation.Turn{},
	}
}

// StartTurn opens a turn for a content id. A second start for the same id is
// a violation; the existing turn is kept.
func (s *TranscriptStore) StartTurn(contentID, role, stage string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.turns[contentID]; ok {
		if existing.Final {
			log.Printf("[session] contentStart reuses ended content id %s; rejected", contentID)
		} else {
			log.Printf("[session] duplicate contentStart for content id %s; rejected", contentID)
		}
		return
	}
	s.turns[contentID] = &conversation.Turn{
		ContentID: contentID,
		SessionID: s.sessionID,
		Role:      role,
		Stage:     stage,
		StartedAt: time.Now(),
	}
	s.order = append(s.order, contentID)
}

// AppendText applies a streamed fragment, last-value-wins. A fragment for an
// unknown id is a violation; a turn is created defensively so the text is
// not lost.
func (s *TranscriptStore) AppendText(contentID, role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turn, ok := s.turns[contentID]
	if !ok {
		log.Printf("[session] textOutput for unstarted content id %s; creating turn defensively", contentID)
		turn = &conversation.Turn{
			ContentID: contentID,
			SessionID: s.sessionID,
			Role:      role,
			StartedAt: time.Now(),
		}
		s.turns[contentID] = turn
		s.order = append(s.order, contentID)
	}
	if turn.Final {
		log.Printf("[session] textOutput for ended content id %s; dropped", contentID)
		return
	}
	if role != "" {
		turn.Role = role
	}
	turn.Text = text
}

// EndTurn seals a turn. Sealing twice, or sealing an unknown id, is a
// violation and a no-op.
func (s *TranscriptStore) EndTurn(contentID, stopReason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turn, ok := s.turns[contentID]
	if !ok {
		log.Printf("[session] contentEnd for unstarted content id %s; ignored", contentID)
		return
	}
	if turn.Final {
		log.Printf("[session] duplicate contentEnd for content id %s; ignored", contentID)
		return
	}
	turn.Final = true
	turn.StopReason = stopReason
	turn.EndedAt = time.Now()
}

// Turns returns the turns in creation order.
func (s *TranscriptStore) Turns() []conversation.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]conversation.Turn, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.turns[id])
	}
	return out
}

// Turn returns one projection by content id.
func (s *TranscriptStore) Turn(contentID string) (conversation.Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turn, ok := s.turns[contentID]
	if !ok {
		return conversation.Turn{}, false
	}
	return *turn, true
}
