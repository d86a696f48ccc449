package voice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/clinvoice/backend/internal/service/metering"
	patientsvc "github.com/clinvoice/backend/internal/service/patient"
	"github.com/clinvoice/backend/internal/service/session"
)

// stubTransport accepts every send and blocks Receive until closed.
type stubTransport struct {
	mu     sync.Mutex
	sent   int
	done   chan struct{}
	closed bool
}

func newStubTransport() *stubTransport {
	return &stubTransport{done: make(chan struct{})}
}

func (t *stubTransport) Connect(context.Context) error { return nil }

func (t *stubTransport) Send([]byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return session.ErrTransportClosed
	}
	t.sent++
	return nil
}

func (t *stubTransport) Receive() ([]byte, error) {
	<-t.done
	return nil, session.ErrTransportClosed
}

func (t *stubTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

func newTestHandler() (*Handler, *session.Registry, *metering.Collector) {
	registry := session.NewRegistry()
	meter := metering.NewCollector()
	factory := func(player session.Player) (*session.Engine, *patientsvc.Aggregator) {
		agg := patientsvc.NewAggregator()
		engine := session.NewEngine(session.Config{}, newStubTransport(), player, agg, meter, nil)
		return engine, agg
	}
	return New(registry, factory, meter), registry, meter
}

func newTestRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(api chi.Router) {
		h.RegisterRoutes(api)
	})
	return r
}

type nullPlayer struct{}

func (nullPlayer) Enqueue([]byte) {}
func (nullPlayer) BargeIn()       {}

// startSession registers a live engine directly, as the ws bridge would.
func startSession(t *testing.T, h *Handler, registry *session.Registry) *session.Engine {
	t.Helper()
	agg := patientsvc.NewAggregator()
	engine := session.NewEngine(session.Config{}, newStubTransport(), nullPlayer{}, agg, nil, nil)
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(func() { engine.End() })
	registry.Add(engine)
	h.trackRecord(engine.ID, agg)

	if err := agg.Apply([]byte(`{"resourceType":"Patient","id":"p1","name":"Sam"}`)); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	return engine
}

func TestListSessions(t *testing.T) {
	h, registry, _ := newTestHandler()
	engine := startSession(t, h, registry)
	srv := httptest.NewServer(newTestRouter(h))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/voice/sessions")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Sessions []string `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Sessions) != 1 || body.Sessions[0] != engine.ID {
		t.Fatalf("sessions = %v, want [%s]", body.Sessions, engine.ID)
	}
}

func TestRecordEndpoint(t *testing.T) {
	h, registry, _ := newTestHandler()
	engine := startSession(t, h, registry)
	srv := httptest.NewServer(newTestRouter(h))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/voice/sessions/" + engine.ID + "/record")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var record struct {
		Demographics map[string]any `json:"demographics"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if record.Demographics["id"] != "p1" {
		t.Fatalf("demographics = %v", record.Demographics)
	}
}

func TestRecordUnknownSession(t *testing.T) {
	h, _, _ := newTestHandler()
	srv := httptest.NewServer(newTestRouter(h))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/voice/sessions/nope/record")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestEndSessionEndpoint(t *testing.T) {
	h, registry, _ := newTestHandler()
	engine := startSession(t, h, registry)
	srv := httptest.NewServer(newTestRouter(h))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/voice/sessions/"+engine.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	if engine.State() != session.StateEnded {
		t.Fatal("session not ended by DELETE")
	}
	if _, ok := registry.Get(engine.ID); ok {
		t.Fatal("session still registered after DELETE")
	}

	// The record is released with the session; its endpoint 404s like the
	// transcript does.
	if _, ok := h.record(engine.ID); ok {
		t.Fatal("record retained after DELETE")
	}
	recordResp, err := http.Get(srv.URL + "/api/voice/sessions/" + engine.ID + "/record")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	recordResp.Body.Close()
	if recordResp.StatusCode != http.StatusNotFound {
		t.Fatalf("record status after DELETE = %d, want 404", recordResp.StatusCode)
	}
}

func TestWebsocketBridgeLifecycle(t *testing.T) {
	h, registry, _ := newTestHandler()
	srv := httptest.NewServer(newTestRouter(h))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/voice/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(browserMessage{Type: "start"}); err != nil {
		t.Fatalf("send start: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var started outgoingMessage
	if err := conn.ReadJSON(&started); err != nil {
		t.Fatalf("read started: %v", err)
	}
	if started.Type != "started" || started.SessionID == "" {
		t.Fatalf("first reply = %+v, want started", started)
	}

	engine, ok := registry.Get(started.SessionID)
	if !ok {
		t.Fatal("bridged session not registered")
	}
	if engine.State() != session.StateActive {
		t.Fatalf("state = %s, want active", engine.State())
	}

	if err := conn.WriteJSON(browserMessage{Type: "audio", Data: "QUJD"}); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	if err := conn.WriteJSON(browserMessage{Type: "stop"}); err != nil {
		t.Fatalf("send stop: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if engine.State() == session.StateEnded {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if engine.State() != session.StateEnded {
		t.Fatal("stop did not end the session")
	}
}

func TestWebsocketBridgeRequiresStart(t *testing.T) {
	h, _, _ := newTestHandler()
	srv := httptest.NewServer(newTestRouter(h))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/voice/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(browserMessage{Type: "audio", Data: "QUJD"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply outgoingMessage
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	if reply.Type != "error" {
		t.Fatalf("reply = %+v, want error", reply)
	}
}
