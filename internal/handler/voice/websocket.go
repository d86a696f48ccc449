package voice

import (
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clinvoice/backend/internal/model/s2s"
	"github.com/clinvoice/backend/internal/service/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// browserMessage is one frame from the browser client.
type browserMessage struct {
	Type      string `json:"type"` // start | audio | stop
	Data      string `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type outgoingMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// wsConn serializes writes; the relay player, the event forwarder, and the
// read loop all write to the same connection.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(msg outgoingMessage) {
	msg.Timestamp = time.Now().UnixMilli()
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		log.Printf("[voice] write to browser: %v", err)
	}
}

// relayPlayer forwards assistant audio to the browser instead of a local
// speaker. Barge-in is delivered as a control message so the browser can
// flush its own playback buffer.
type relayPlayer struct {
	conn      *wsConn
	sessionID func() string
}

func (p *relayPlayer) Enqueue(pcm []byte) {
	p.conn.send(outgoingMessage{
		Type:      "audio",
		SessionID: p.sessionID(),
		Data:      pcm, // JSON-encoded as base64
	})
}

func (p *relayPlayer) BargeIn() {
	p.conn.send(outgoingMessage{
		Type:      "bargeIn",
		SessionID: p.sessionID(),
	})
}

// handleWebSocket bridges one browser connection to one model session.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[voice] upgrade: %v", err)
		return
	}
	conn := &wsConn{conn: raw}
	defer raw.Close()

	// The first frame must be a start request.
	var first browserMessage
	if err := raw.ReadJSON(&first); err != nil || first.Type != "start" {
		conn.send(outgoingMessage{Type: "error", Data: "expected a start message"})
		return
	}

	var sessionID string
	var idMu sync.Mutex
	player := &relayPlayer{conn: conn, sessionID: func() string {
		idMu.Lock()
		defer idMu.Unlock()
		return sessionID
	}}

	engine, agg := h.factory(player)
	idMu.Lock()
	sessionID = engine.ID
	idMu.Unlock()

	h.registry.Add(engine)
	h.trackRecord(engine.ID, agg)

	if err := engine.Start(r.Context()); err != nil {
		log.Printf("[voice] session %s start: %v", engine.ID, err)
		conn.send(outgoingMessage{Type: "error", SessionID: engine.ID, Data: "could not reach the model"})
		h.registry.Remove(engine.ID)
		return
	}
	defer engine.End()

	conn.send(outgoingMessage{Type: "started", SessionID: engine.ID})
	log.Printf("[voice] session %s bridged", engine.ID)

	go h.forwardEvents(conn, engine)

	for {
		var msg browserMessage
		if err := raw.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[voice] session %s browser read: %v", engine.ID, err)
			}
			return
		}

		switch msg.Type {
		case "audio":
			if err := engine.SendAudioFrame(msg.Data); err != nil {
				// Frames racing session teardown are dropped, not queued.
				if !errors.Is(err, session.ErrAudioNotOpen) && !errors.Is(err, session.ErrSessionEnded) {
					log.Printf("[voice] session %s audio frame: %v", engine.ID, err)
				}
			}
		case "stop":
			engine.End()
			conn.send(outgoingMessage{Type: "ended", SessionID: engine.ID})
			return
		default:
			log.Printf("[voice] session %s unknown browser message type %q", engine.ID, msg.Type)
		}
	}
}

// forwardEvents relays transcript-relevant log entries to the browser until
// the session ends. Raw audio entries are skipped; audio reaches the browser
// through the relay player.
func (h *Handler) forwardEvents(conn *wsConn, engine *session.Engine) {
	live, cancel := engine.Events().Subscribe()
	defer cancel()

	for {
		select {
		case <-engine.Done():
			conn.send(outgoingMessage{Type: "ended", SessionID: engine.ID})
			return
		case entry, ok := <-live:
			if !ok {
				return
			}
			if entry.Kind == s2s.KindAudioInput || entry.Kind == s2s.KindAudioOutput {
				continue
			}
			conn.send(outgoingMessage{Type: "event", SessionID: engine.ID, Data: entry})
		}
	}
}
