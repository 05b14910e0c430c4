package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrNotConnected is returned for commands issued while no
	// connection is up, and to callers waiting when it drops.
	ErrNotConnected = errors.New("websocket not connected")
	// ErrAuthInvalid means Home Assistant rejected the access token.
	ErrAuthInvalid = errors.New("websocket authentication failed")
)

// CommandError is a command Home Assistant answered with success=false.
type CommandError struct {
	Code    string
	Message string
}

func (e *CommandError) Error() string { return e.Code + ": " + e.Message }

// Event is a subscribed Home Assistant event.
type Event struct {
	Type      string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wsMessage is any frame Home Assistant sends.
type wsMessage struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *Event          `json:"event,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type reply struct {
	result json.RawMessage
	err    error
}

// WSClient speaks the Home Assistant WebSocket API: commands matched to
// their results by id, and a stream of subscribed events. It does not
// redial on its own; the reachability watcher calls Reconnect.
type WSClient struct {
	baseURL string
	token   string
	timeout time.Duration
	logger  *slog.Logger
	events  chan Event
	lastID  atomic.Int64

	mu      sync.Mutex // guards the fields below and serializes writes
	conn    *websocket.Conn
	waiting map[int64]chan reply
	subs    []string // event types restored on reconnect
}

// NewWSClient creates an unconnected client.
func NewWSClient(baseURL, token string, logger *slog.Logger) *WSClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSClient{
		baseURL: baseURL,
		token:   token,
		timeout: 30 * time.Second,
		logger:  logger.With("component", "ha_websocket"),
		events:  make(chan Event, 100),
		waiting: make(map[int64]chan reply),
	}
}

// Connect dials, authenticates and re-sends any earlier subscriptions.
func (c *WSClient) Connect(ctx context.Context) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/api/websocket"

	// Registry and statistics results can be large.
	dialer := websocket.Dialer{ReadBufferSize: 1 << 20, WriteBufferSize: 64 << 10}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	conn.SetReadLimit(100 << 20)

	if err := handshake(conn, c.token); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Info("websocket connected", "url", u.Redacted())

	go c.read(conn)

	for _, eventType := range c.Subscriptions() {
		if err := c.subscribe(ctx, eventType); err != nil {
			c.logger.Error("restore subscription failed", "event_type", eventType, "error", err)
		}
	}
	return nil
}

// handshake answers auth_required with the token and expects auth_ok.
func handshake(conn *websocket.Conn, token string) error {
	var hello wsMessage
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read auth_required: %w", err)
	}
	if hello.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %q", hello.Type)
	}
	if err := conn.WriteJSON(map[string]string{"type": "auth", "access_token": token}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	var verdict wsMessage
	if err := conn.ReadJSON(&verdict); err != nil {
		return fmt.Errorf("read auth result: %w", err)
	}
	switch verdict.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return ErrAuthInvalid
	}
	return fmt.Errorf("unexpected auth result %q", verdict.Type)
}

// detach clears conn if it is still current and fails every waiting
// command. It reports whether conn was current.
func (c *WSClient) detach(conn *websocket.Conn) bool {
	c.mu.Lock()
	if conn == nil || c.conn != conn {
		c.mu.Unlock()
		return false
	}
	c.conn = nil
	waiting := c.waiting
	c.waiting = make(map[int64]chan reply)
	c.mu.Unlock()

	for _, ch := range waiting {
		ch <- reply{err: ErrNotConnected}
	}
	return true
}

// Close drops the connection. Subscriptions are kept for the next
// Connect.
func (c *WSClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if !c.detach(conn) {
		return nil
	}
	return conn.Close()
}

// Reconnect replaces the current connection, which may already be dead.
func (c *WSClient) Reconnect(ctx context.Context) error {
	_ = c.Close()
	return c.Connect(ctx)
}

// Connected reports whether a connection is up.
func (c *WSClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Events delivers subscribed events. Events arriving while the buffer
// is full are dropped.
func (c *WSClient) Events() <-chan Event { return c.events }

// Subscriptions lists the event types restored on reconnect.
func (c *WSClient) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.subs)
}

// Subscribe subscribes to eventType now and after every reconnect.
func (c *WSClient) Subscribe(ctx context.Context, eventType string) error {
	if err := c.subscribe(ctx, eventType); err != nil {
		return err
	}
	c.mu.Lock()
	if !slices.Contains(c.subs, eventType) {
		c.subs = append(c.subs, eventType)
	}
	c.mu.Unlock()
	c.logger.Info("subscribed", "event_type", eventType)
	return nil
}

func (c *WSClient) subscribe(ctx context.Context, eventType string) error {
	_, err := c.Call(ctx, "subscribe_events", map[string]any{"event_type": eventType})
	return err
}

// Call sends a command of type msgType with the extra fields and waits
// for its result.
func (c *WSClient) Call(ctx context.Context, msgType string, fields map[string]any) (json.RawMessage, error) {
	id := c.lastID.Add(1)
	msg := maps.Clone(fields)
	if msg == nil {
		msg = make(map[string]any, 2)
	}
	msg["id"] = id
	msg["type"] = msgType

	ch := make(chan reply, 1)
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", msgType, ErrNotConnected)
	}
	c.waiting[id] = ch
	err := c.conn.WriteJSON(msg)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiting, id)
		c.mu.Unlock()
	}()
	if err != nil {
		return nil, fmt.Errorf("%s: send: %w", msgType, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("%s: %w", msgType, r.err)
		}
		return r.result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", msgType, ctx.Err())
	}
}

// read dispatches frames from conn until it fails.
func (c *WSClient) read(conn *websocket.Conn) {
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !c.detach(conn) {
				return // closed or replaced on purpose
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("websocket closed by server")
			} else {
				c.logger.Warn("websocket connection lost", "error", err)
			}
			return
		}

		switch msg.Type {
		case "result":
			c.resolve(msg)
		case "event":
			if msg.Event == nil {
				continue
			}
			select {
			case c.events <- *msg.Event:
			default:
				c.logger.Warn("event buffer full, dropping event", "event_type", msg.Event.Type)
			}
		case "pong":
		default:
			c.logger.Debug("unhandled websocket frame", "type", msg.Type)
		}
	}
}

func (c *WSClient) resolve(msg wsMessage) {
	c.mu.Lock()
	ch, ok := c.waiting[msg.ID]
	delete(c.waiting, msg.ID)
	c.mu.Unlock()
	if !ok {
		return
	}

	r := reply{result: msg.Result}
	if !msg.Success {
		e := CommandError{Code: "unknown_error", Message: "request failed"}
		if msg.Error != nil {
			e = CommandError{Code: msg.Error.Code, Message: msg.Error.Message}
		}
		r.err = &e
	}
	ch <- r
}
