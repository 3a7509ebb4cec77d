// Package bot implements the dual-mode OneBot-V11 WebSocket transport:
// an outbound client that dials a OneBot implementation, and an
// inbound server that accepts connections from one. Both share the
// same echo-correlated call_api plumbing, and inbound events feed the
// chat command dispatcher.
package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/oneidp/oneidp/pkg/log"
)

const (
	pingInterval     = 30 * time.Second
	pingTimeout      = 10 * time.Second
	callAPITimeout   = 30 * time.Second
	initialReconnect = 5 * time.Second
	maxReconnect     = 60 * time.Second
)

// Config configures the transport's client and/or server mode. At
// least one of ClientEnabled or ServerEnabled should be true.
type Config struct {
	ClientEnabled bool
	ClientURL     string
	ClientToken   string

	ServerEnabled bool
	ServerAddr    string
	ServerToken   string
}

// EventHandler is invoked for every inbound OneBot event frame (any
// frame with a "post_type" field and no matching pending echo).
type EventHandler func(ctx context.Context, event map[string]any)

// Transport owns the outbound client connection and/or the inbound
// server's accepted connections, and exposes a single CallAPI method
// that works regardless of which side originated the connection.
type Transport struct {
	cfg     Config
	log     log.Logger
	onEvent EventHandler

	mu          sync.Mutex
	clientConn  *websocket.Conn
	serverConns map[string]*websocket.Conn
	pending     map[string]chan map[string]any

	// writeMu serializes data writes; gorilla/websocket allows only
	// one concurrent writer per connection (WriteControl is exempt).
	writeMu sync.Mutex

	httpServer *http.Server

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New returns a Transport that is not yet running.
func New(cfg Config, logger log.Logger, onEvent EventHandler) *Transport {
	return &Transport{
		cfg:         cfg,
		log:         logger,
		onEvent:     onEvent,
		serverConns: make(map[string]*websocket.Conn),
		pending:     make(map[string]chan map[string]any),
	}
}

// Run starts the configured modes and blocks until ctx is canceled.
func (t *Transport) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	defer cancel()

	if t.cfg.ClientEnabled {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.runClient(ctx)
		}()
	}

	if t.cfg.ServerEnabled {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.runServer(ctx)
		}()
	}

	<-ctx.Done()
	t.shutdown()
	t.wg.Wait()
	return nil
}

// Stop cancels Run and closes all connections.
func (t *Transport) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *Transport) shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.clientConn != nil {
		t.clientConn.Close()
		t.clientConn = nil
	}
	for id, c := range t.serverConns {
		c.Close()
		delete(t.serverConns, id)
	}
	if t.httpServer != nil {
		t.httpServer.Close()
	}
	for echo, ch := range t.pending {
		close(ch)
		delete(t.pending, echo)
	}
}

// runClient dials cfg.ClientURL, reconnecting with exponential backoff:
// 5s doubling to a 60s cap, reset once a message round-trips.
func (t *Transport) runClient(ctx context.Context) {
	delay := initialReconnect

	for {
		if ctx.Err() != nil {
			return
		}

		header := http.Header{}
		if t.cfg.ClientToken != "" {
			header.Set("Authorization", "Bearer "+t.cfg.ClientToken)
		}

		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.DialContext(ctx, t.cfg.ClientURL, header)
		if err != nil {
			t.log.Errorf("bot: client dial failed: %v", err)
		} else {
			t.log.Info("bot: client connected")

			t.mu.Lock()
			t.clientConn = conn
			t.mu.Unlock()

			// The backoff resets only once a message round-trips, so a
			// peer that accepts the handshake and immediately drops us
			// keeps backing off.
			if t.readLoop(ctx, conn, "") {
				delay = initialReconnect
			}

			t.mu.Lock()
			t.clientConn = nil
			t.mu.Unlock()
		}

		if ctx.Err() != nil {
			return
		}

		t.log.Infof("bot: reconnecting in %s", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnect {
			delay = maxReconnect
		}
	}
}

// runServer listens on cfg.ServerAddr, accepting inbound OneBot
// connections and validating their bearer token, closing with code
// 4001 on mismatch.
func (t *Transport) runServer(ctx context.Context) {
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if t.cfg.ServerToken != "" {
			if bearerToken(r.Header.Get("Authorization")) != t.cfg.ServerToken {
				conn, err := upgrader.Upgrade(w, r, nil)
				if err == nil {
					conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(4001, "Unauthorized"),
						time.Now().Add(time.Second))
					conn.Close()
				}
				return
			}
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.log.Errorf("bot: server upgrade failed: %v", err)
			return
		}

		connID := r.RemoteAddr
		t.mu.Lock()
		t.serverConns[connID] = conn
		t.mu.Unlock()
		t.log.Infof("bot: server accepted connection %s", connID)

		t.readLoop(ctx, conn, connID)

		t.mu.Lock()
		delete(t.serverConns, connID)
		t.mu.Unlock()
	})

	t.httpServer = &http.Server{Addr: t.cfg.ServerAddr, Handler: mux}
	t.log.Infof("bot: server listening on %s", t.cfg.ServerAddr)
	if err := t.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		t.log.Errorf("bot: server error: %v", err)
	}
}

func bearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) > len(prefix) && authHeader[:len(prefix)] == prefix {
		return authHeader[len(prefix):]
	}
	return ""
}

// readLoop reads frames off conn until it closes, dispatching each
// into its own goroutine so a slow handler never blocks the recv loop.
// Reports whether at least one frame was received.
func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn, connID string) bool {
	conn.SetReadDeadline(time.Now().Add(pingInterval + pingTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingInterval + pingTimeout))
	})

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go t.pingLoop(pingCtx, conn)

	received := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.log.Infof("bot: connection closed %s: %v", connID, err)
			return received
		}
		received = true
		conn.SetReadDeadline(time.Now().Add(pingInterval + pingTimeout))
		frame := append([]byte(nil), data...)
		go t.handleFrame(ctx, frame)
	}
}

// pingLoop sends a ping every pingInterval; a peer that fails to pong
// within pingTimeout trips the read deadline and tears the
// connection down.
func (t *Transport) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingTimeout)); err != nil {
				return
			}
		}
	}
}

func (t *Transport) handleFrame(ctx context.Context, data []byte) {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.log.Errorf("bot: invalid frame: %v", err)
		return
	}

	if echo, ok := msg["echo"].(string); ok && echo != "" {
		t.mu.Lock()
		ch, pending := t.pending[echo]
		if pending {
			delete(t.pending, echo)
		}
		t.mu.Unlock()
		if pending {
			ch <- msg
			close(ch)
			return
		}
	}

	if _, ok := msg["post_type"]; ok && t.onEvent != nil {
		t.onEvent(ctx, msg)
	}
}

// CallAPI issues a OneBot action and waits for its echo-correlated
// response, preferring the outbound client connection and falling
// back to live inbound server connections.
func (t *Transport) CallAPI(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	echo := fmt.Sprintf("%s_%s", action, uuid.NewString()[:8])
	req := map[string]any{"action": action, "params": params, "echo": echo}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan map[string]any, 1)
	t.mu.Lock()
	t.pending[echo] = ch
	conn := t.clientConn
	var fallback []*websocket.Conn
	if conn == nil {
		for _, c := range t.serverConns {
			fallback = append(fallback, c)
		}
	}
	t.mu.Unlock()

	sendAndWait := func(c *websocket.Conn) (map[string]any, error) {
		t.writeMu.Lock()
		err := c.WriteMessage(websocket.TextMessage, payload)
		t.writeMu.Unlock()
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(ctx, callAPITimeout)
		defer cancel()
		select {
		case resp, ok := <-ch:
			if !ok {
				return nil, fmt.Errorf("bot: connection closed while awaiting %s", action)
			}
			return resp, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("bot: timed out waiting for %s response", action)
		}
	}

	defer func() {
		t.mu.Lock()
		delete(t.pending, echo)
		t.mu.Unlock()
	}()

	if conn != nil {
		return sendAndWait(conn)
	}
	var lastErr error
	for _, c := range fallback {
		resp, err := sendAndWait(c)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("bot: no live connection to call %s", action)
	}
	return nil, lastErr
}

// SendMessage is a convenience wrapper over CallAPI for the two
// OneBot message-send actions.
func (t *Transport) SendMessage(ctx context.Context, messageType string, targetID int64, message string) error {
	var action, idField string
	switch messageType {
	case "group":
		action, idField = "send_group_msg", "group_id"
	case "private":
		action, idField = "send_private_msg", "user_id"
	default:
		return fmt.Errorf("bot: unknown message type %q", messageType)
	}
	_, err := t.CallAPI(ctx, action, map[string]any{
		idField:       targetID,
		"message":     message,
		"auto_escape": false,
	})
	return err
}
