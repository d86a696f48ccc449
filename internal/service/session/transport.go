package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrReceiveIdle reports that no event arrived within the idle window. The
// engine treats it as a cue to send a heartbeat, not as a failure.
var ErrReceiveIdle = errors.New("receive window idle")

// ErrTransportClosed reports receive/send on a closed transport.
var ErrTransportClosed = errors.New("transport closed")

// Transport is the duplex channel to the remote speech model. Send is
// non-blocking from the engine's perspective; Receive blocks until a message
// arrives, the idle window elapses, or the connection dies.
type Transport interface {
	Connect(ctx context.Context) error
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

// WebsocketConfig configures the model connection.
type WebsocketConfig struct {
	URL          string
	APIKey       string        // sent as a bearer token when set
	ConnectID    string        // correlates the connection in vendor logs
	IdleTimeout  time.Duration // receive idle window, default 30s
	WriteTimeout time.Duration // default 10s
}

// WebsocketTransport is the production Transport over gorilla/websocket.
type WebsocketTransport struct {
	cfg    WebsocketConfig
	dialer *websocket.Dialer

	mu     sync.Mutex // guards conn writes and close
	conn   *websocket.Conn
	closed bool
}

// NewWebsocketTransport builds an unconnected transport.
func NewWebsocketTransport(cfg WebsocketConfig) *WebsocketTransport {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &WebsocketTransport{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
		},
	}
}

// Connect dials the model endpoint.
func (t *WebsocketTransport) Connect(ctx context.Context) error {
	if strings.TrimSpace(t.cfg.URL) == "" {
		return errors.New("model websocket URL is not configured")
	}

	header := http.Header{}
	if t.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	}
	if t.cfg.ConnectID != "" {
		header.Set("X-Api-Connect-Id", t.cfg.ConnectID)
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connect to model (%s): %w", resp.Status, err)
		}
		return fmt.Errorf("connect to model: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.closed = false
	t.mu.Unlock()
	return nil
}

// Send writes one event frame.
func (t *WebsocketTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.conn == nil {
		return ErrTransportClosed
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Receive reads the next event frame. Only one goroutine may call Receive.
func (t *WebsocketTransport) Receive() ([]byte, error) {
	t.mu.Lock()
	conn, closed := t.conn, t.closed
	t.mu.Unlock()
	if closed || conn == nil {
		return nil, ErrTransportClosed
	}

	if err := conn.SetReadDeadline(time.Now().Add(t.cfg.IdleTimeout)); err != nil {
		return nil, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrReceiveIdle
		}
		return nil, err
	}
	return data, nil
}

// Close tears the connection down. Idempotent.
func (t *WebsocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.conn == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return t.conn.Close()
}
