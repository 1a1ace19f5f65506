package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrGenerationInFlight is returned when Generate is called while a request
// is already outstanding. The protocol allows at most one request per
// connection; callers gate on the session's generating flag.
var ErrGenerationInFlight = errors.New("websocket: a generation request is already outstanding")

// ErrBackendUnavailable is returned when the backend cannot be reached.
var ErrBackendUnavailable = errors.New("websocket: backend unavailable")

// GenerateRequest is the client→server generation message.
type GenerateRequest struct {
	Prompt     string            `json:"prompt"`
	Context    string            `json:"context"`
	Mode       GenerationMode    `json:"mode"`
	ModeType   ConversationMode  `json:"mode_type,omitempty"`
	Config     map[string]string `json:"config,omitempty"`
	Screenshot string            `json:"screenshot,omitempty"` // base64 JPEG
}

type controlMessage struct {
	Type string `json:"type"`
}

// serverMessage is every server→client frame: token, done, error,
// cancelled, conversation_reset.
type serverMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// StreamHandlers receives server frames. Invoked on the client's reader
// goroutine; the app marshals them onto the UI loop.
type StreamHandlers struct {
	OnToken     func(content string)
	OnDone      func(content string)
	OnError     func(content string)
	OnCancelled func()
	OnReset     func()
}

const (
	healthInterval    = 10 * time.Second
	healthTimeout     = 3 * time.Second
	generationTimeout = 2 * time.Minute

	reconnectBase     = 2 * time.Second
	reconnectCap      = 16 * time.Second
	reconnectAttempts = 5
)

// WebSocketClient is the generation transport: one duplex stream to the
// local backend, a periodic health probe, and a bounded reconnect policy.
type WebSocketClient struct {
	wsURL     string
	healthURL string

	mu   sync.Mutex
	conn *websocket.Conn

	available  atomic.Bool
	generating atomic.Bool

	handlers StreamHandlers
	clock    clock
	http     *http.Client

	genTimer *time.Timer

	dial func(url string) (*websocket.Conn, error)
}

func NewWebSocketClient(host string, port int) *WebSocketClient {
	return &WebSocketClient{
		wsURL:     fmt.Sprintf("ws://%s:%d/generate", host, port),
		healthURL: fmt.Sprintf("http://%s:%d/health", host, port),
		clock:     realClock{},
		http:      &http.Client{Timeout: healthTimeout},
		dial: func(url string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			return conn, err
		},
	}
}

// SetHandlers installs the stream callbacks. Call before the first Generate.
func (c *WebSocketClient) SetHandlers(h StreamHandlers) {
	c.handlers = h
}

// Available reports the last health-probe result. The coordinator consults
// this to route between the live backend and the local stub.
func (c *WebSocketClient) Available() bool {
	return c.available.Load()
}

// StartHealthLoop probes the backend every 10 seconds until stop is closed.
func (c *WebSocketClient) StartHealthLoop(stop <-chan struct{}) {
	c.probeHealth()
	ticker := c.clock.NewTicker(healthInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.probeHealth()
			case <-stop:
				return
			}
		}
	}()
}

func (c *WebSocketClient) probeHealth() bool {
	resp, err := c.http.Get(c.healthURL)
	if err != nil {
		if c.available.Swap(false) {
			log.Printf("websocket: backend went unavailable: %v", err)
		}
		return false
	}
	defer resp.Body.Close()
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if ok && !c.available.Swap(true) {
		log.Printf("websocket: backend available at %s", c.healthURL)
	} else if !ok {
		c.available.Store(false)
	}
	return ok
}

// EnsureConnected opens the duplex stream if it is not already open.
// Idempotent.
func (c *WebSocketClient) EnsureConnected() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureConnectedLocked()
}

func (c *WebSocketClient) ensureConnectedLocked() error {
	if c.conn != nil {
		return nil
	}
	conn, err := c.dial(c.wsURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	c.conn = conn
	go c.readLoop(conn)
	log.Printf("websocket: connected to %s", c.wsURL)
	return nil
}

// Generate sends one structured generation request. At most one request may
// be outstanding; a second call before completion is refused.
func (c *WebSocketClient) Generate(req GenerateRequest) error {
	if !c.generating.CompareAndSwap(false, true) {
		return ErrGenerationInFlight
	}
	// The backend's own generation budget is about two minutes; give up
	// locally at the same horizon so a stalled stream cannot wedge a turn.
	// Armed before the write: a reply cannot arrive earlier than that, and
	// the reader's finishGeneration must find the timer in place.
	timer := c.clock.AfterFunc(generationTimeout, func() {
		if c.generating.CompareAndSwap(true, false) {
			log.Printf("websocket: generation timed out after %s", generationTimeout)
			c.Cancel()
			if c.handlers.OnError != nil {
				c.handlers.OnError("Generation timed out. Try again or start a new conversation.")
			}
		}
	})
	c.mu.Lock()
	c.genTimer = timer
	c.mu.Unlock()
	if err := c.writeJSON(req); err != nil {
		c.finishGeneration()
		return err
	}
	return nil
}

// Cancel sends a best-effort cancel signal. The server may or may not honor
// it; generation is marked stopped locally either way and late tokens for
// the cancelled turn are ignored by the session gate.
func (c *WebSocketClient) Cancel() {
	c.finishGeneration()
	if err := c.writeJSON(controlMessage{Type: "cancel"}); err != nil {
		log.Printf("websocket: cancel send failed: %v", err)
	}
}

// ResetConversation tells the backend to drop its conversation state.
// Fire-and-forget: a send failure only logs.
func (c *WebSocketClient) ResetConversation() {
	go func() {
		if err := c.writeJSON(controlMessage{Type: "new_conversation"}); err != nil {
			log.Printf("websocket: conversation reset failed: %v", err)
		}
	}()
}

func (c *WebSocketClient) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureConnectedLocked(); err != nil {
		return err
	}
	if err := c.conn.WriteJSON(v); err != nil {
		c.dropConnLocked()
		return fmt.Errorf("websocket: write: %w", err)
	}
	return nil
}

func (c *WebSocketClient) dropConnLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *WebSocketClient) finishGeneration() {
	c.generating.Store(false)
	c.mu.Lock()
	if c.genTimer != nil {
		c.genTimer.Stop()
		c.genTimer = nil
	}
	c.mu.Unlock()
}

// readLoop consumes server frames until the stream fails, then hands off to
// the reconnect policy.
func (c *WebSocketClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			stale := c.conn != conn
			if !stale {
				c.dropConnLocked()
			}
			c.mu.Unlock()
			if stale {
				return // superseded by a newer connection
			}
			log.Printf("websocket: stream failed: %v", err)
			wasGenerating := c.generating.Load()
			c.finishGeneration()
			if wasGenerating && c.handlers.OnError != nil {
				c.handlers.OnError("Connection to backend lost. Retrying…")
			}
			go c.reconnect()
			return
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("websocket: malformed server frame: %v", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *WebSocketClient) dispatch(msg serverMessage) {
	switch msg.Type {
	case "token":
		if c.generating.Load() && c.handlers.OnToken != nil {
			c.handlers.OnToken(msg.Content)
		}
	case "done":
		c.finishGeneration()
		if c.handlers.OnDone != nil {
			c.handlers.OnDone(msg.Content)
		}
	case "error":
		c.finishGeneration()
		if c.handlers.OnError != nil {
			c.handlers.OnError(msg.Content)
		}
	case "cancelled":
		c.finishGeneration()
		if c.handlers.OnCancelled != nil {
			c.handlers.OnCancelled()
		}
	case "conversation_reset":
		if c.handlers.OnReset != nil {
			c.handlers.OnReset()
		}
	default:
		log.Printf("websocket: unknown frame type %q", msg.Type)
	}
}

// reconnect retries the stream with exponential backoff: 2s doubling to a
// 16s cap, five attempts. Each retry re-probes health first; an unavailable
// backend skips the dial but still consumes the attempt slot.
func (c *WebSocketClient) reconnect() {
	delay := reconnectBase
	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		c.clock.Sleep(delay)
		if delay < reconnectCap {
			delay *= 2
			if delay > reconnectCap {
				delay = reconnectCap
			}
		}
		if !c.probeHealth() {
			log.Printf("websocket: reconnect %d/%d skipped — backend unavailable", attempt, reconnectAttempts)
			continue
		}
		if err := c.EnsureConnected(); err != nil {
			log.Printf("websocket: reconnect %d/%d failed: %v", attempt, reconnectAttempts, err)
			continue
		}
		log.Printf("websocket: reconnected on attempt %d", attempt)
		return
	}
	log.Printf("websocket: giving up after %d reconnect attempts", reconnectAttempts)
}

// Close tears down the stream.
func (c *WebSocketClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropConnLocked()
}

// EncodeScreenshot converts captured JPEG bytes into the wire's base64 form.
func EncodeScreenshot(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}
