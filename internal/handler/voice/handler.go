package voice

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/clinvoice/backend/internal/service/metering"
	patientsvc "github.com/clinvoice/backend/internal/service/patient"
	"github.com/clinvoice/backend/internal/service/session"
	"github.com/clinvoice/backend/pkg/utils"
)

// Factory builds a fresh engine plus its record aggregator for one browser
// connection. The player receives the assistant audio so the handler can
// relay it to the browser.
type Factory func(player session.Player) (*session.Engine, *patientsvc.Aggregator)

// Handler serves the browser-facing voice API: the websocket bridge plus
// read endpoints over live and finished sessions.
type Handler struct {
	registry *session.Registry
	factory  Factory
	usage    *metering.Collector

	mu      sync.RWMutex
	records map[string]*patientsvc.Aggregator
}

// New creates the voice handler. usage may be nil.
func New(registry *session.Registry, factory Factory, usage *metering.Collector) *Handler {
	return &Handler{
		registry: registry,
		factory:  factory,
		usage:    usage,
		records:  make(map[string]*patientsvc.Aggregator),
	}
}

// RegisterRoutes mounts the voice API.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/voice/ws", h.handleWebSocket)
	r.Get("/voice/sessions", h.handleListSessions)
	r.Get("/voice/sessions/{sessionID}/transcript", h.handleTranscript)
	r.Get("/voice/sessions/{sessionID}/record", h.handleRecord)
	r.Get("/voice/sessions/{sessionID}/events", h.handleEvents)
	r.Get("/voice/sessions/{sessionID}/usage", h.handleUsage)
	r.Delete("/voice/sessions/{sessionID}", h.handleEndSession)
}

func (h *Handler) trackRecord(sessionID string, agg *patientsvc.Aggregator) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records[sessionID] = agg
}

func (h *Handler) dropRecord(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.records, sessionID)
}

func (h *Handler) record(sessionID string) (*patientsvc.Aggregator, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	agg, ok := h.records[sessionID]
	return agg, ok
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"sessions": h.registry.List(),
	})
}

func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	engine, ok := h.registry.Get(sessionID)
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"turns":     engine.Transcript().Turns(),
	})
}

func (h *Handler) handleRecord(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	agg, ok := h.record(sessionID)
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, agg.Snapshot())
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if h.usage == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "metering unavailable")
		return
	}
	usage, ok := h.usage.Session(sessionID)
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, usage)
}

// handleEvents streams the session's event log over SSE: history first, then
// live entries until the client or session goes away.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	engine, ok := h.registry.Get(sessionID)
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	utils.SetupSSEHeaders(w)

	live, cancel := engine.Events().Subscribe()
	defer cancel()

	var lastSeq int64
	for _, entry := range engine.Events().Snapshot() {
		utils.SendSSEEvent(w, flusher, "entry", entry)
		lastSeq = entry.Seq
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-engine.Done():
			utils.SendSSEEvent(w, flusher, "ended", map[string]string{"sessionId": sessionID})
			return
		case entry, ok := <-live:
			if !ok {
				return
			}
			if entry.Seq <= lastSeq {
				continue
			}
			utils.SendSSEEvent(w, flusher, "entry", entry)
		}
	}
}

func (h *Handler) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, ok := h.registry.Get(sessionID); !ok {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}
	// The record leaves with the session; reads after DELETE 404 uniformly.
	h.registry.Remove(sessionID)
	h.dropRecord(sessionID)
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}
