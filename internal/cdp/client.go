// Package cdp implements the wire-level client for the browser engine's
// debug protocol: a single websocket carrying request/response pairs and
// asynchronous events, multiplexed across per-target sessions.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Client is a connection to one running browser engine instance.
type Client struct {
	conn      *websocket.Conn
	wsURL     string
	log       logrus.FieldLogger
	writeMu   sync.Mutex
	messageID atomic.Int64

	pending   map[int64]chan callResult
	pendingMu sync.Mutex

	// Event subscribers keyed "sessionID:method".
	subscribers   map[string][]chan json.RawMessage
	subscribersMu sync.Mutex

	// targetID -> sessionID cache so repeated calls against one target
	// reuse the attached session.
	sessions   map[string]string
	sessionsMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
	closeCh   chan struct{}
}

type callResult struct {
	Result json.RawMessage
	Error  *ProtocolError
}

// Options configures a Client beyond the debug endpoint address.
type Options struct {
	// Logger receives wire-level diagnostics. Nil means silent.
	Logger logrus.FieldLogger

	// HTTPClient is used to resolve the websocket URL from the debug
	// endpoint. Nil means http.DefaultClient.
	HTTPClient *http.Client
}

func (o Options) logger() logrus.FieldLogger {
	if o.Logger != nil {
		return o.Logger
	}
	l := logrus.New()
	l.SetOutput(nullWriter{})
	return l
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

// Connect resolves the engine's published debug endpoint at host:port and
// dials the browser-level websocket.
func Connect(ctx context.Context, host string, port int, opts Options) (*Client, error) {
	jsonURL := fmt.Sprintf("http://%s:%d/json/version", host, port)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jsonURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to engine: %w", err)
	}
	defer resp.Body.Close()

	var versionResp struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&versionResp); err != nil {
		return nil, fmt.Errorf("decoding version response: %w", err)
	}
	if versionResp.WebSocketDebuggerURL == "" {
		return nil, fmt.Errorf("no websocket URL in debug endpoint response")
	}

	return ConnectURL(ctx, versionResp.WebSocketDebuggerURL, opts)
}

// ConnectURL dials a known websocket debugger URL directly.
func ConnectURL(ctx context.Context, wsURL string, opts Options) (*Client, error) {
	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	client := &Client{
		conn:        conn,
		wsURL:       wsURL,
		log:         opts.logger(),
		pending:     make(map[int64]chan callResult),
		subscribers: make(map[string][]chan json.RawMessage),
		sessions:    make(map[string]string),
		closeCh:     make(chan struct{}),
	}

	go client.readMessages()

	return client, nil
}

// WebSocketURL returns the websocket URL used for this connection.
func (c *Client) WebSocketURL() string {
	return c.wsURL
}

// Closed reports whether the client has been closed.
func (c *Client) Closed() bool {
	return c.closed.Load()
}

// CloseNotify returns a channel that is closed when the client shuts down.
func (c *Client) CloseNotify() <-chan struct{} {
	return c.closeCh
}

// Close closes the connection. Idempotent. Pending callers are woken with
// ErrConnectionClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		// Detach cached sessions, best effort.
		c.sessionsMu.Lock()
		sessions := make(map[string]string, len(c.sessions))
		for k, v := range c.sessions {
			sessions[k] = v
		}
		c.sessions = make(map[string]string)
		c.sessionsMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for _, sessionID := range sessions {
			c.Call(ctx, "Target.detachFromTarget", map[string]interface{}{
				"sessionId": sessionID,
			})
		}

		c.closed.Store(true)
		close(c.closeCh)
		err = c.conn.Close()

		c.pendingMu.Lock()
		for _, ch := range c.pending {
			close(ch)
		}
		c.pending = make(map[int64]chan callResult)
		c.pendingMu.Unlock()

		c.log.Debug("connection closed")
	})
	return err
}

// AttachTarget attaches to a target and returns the session ID. Sessions are
// cached and reused across calls for the same target.
func (c *Client) AttachTarget(ctx context.Context, targetID string) (string, error) {
	c.sessionsMu.Lock()
	if sessionID, ok := c.sessions[targetID]; ok {
		c.sessionsMu.Unlock()
		return sessionID, nil
	}
	c.sessionsMu.Unlock()

	attachResult, err := c.Call(ctx, "Target.attachToTarget", map[string]interface{}{
		"targetId": targetID,
		"flatten":  true,
	})
	if err != nil {
		return "", fmt.Errorf("attaching to target: %w", err)
	}

	var attachResp struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(attachResult, &attachResp); err != nil {
		return "", fmt.Errorf("parsing attach response: %w", err)
	}

	c.sessionsMu.Lock()
	c.sessions[targetID] = attachResp.SessionID
	c.sessionsMu.Unlock()

	return attachResp.SessionID, nil
}

// DetachTarget drops a target's cached session, if any.
func (c *Client) DetachTarget(targetID string) {
	c.sessionsMu.Lock()
	delete(c.sessions, targetID)
	c.sessionsMu.Unlock()
}

type wireRequest struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

type wireMessage struct {
	ID        int64           `json:"id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ProtocolError  `json:"error,omitempty"`
	Method    string          `json:"method,omitempty"`    // events
	Params    json.RawMessage `json:"params,omitempty"`    // events
	SessionID string          `json:"sessionId,omitempty"` // session events
}

// Call sends a browser-level protocol command and waits for the response.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	return c.call(ctx, "", method, params)
}

// CallSession sends a protocol command to a specific session and waits for
// the response.
func (c *Client) CallSession(ctx context.Context, sessionID string, method string, params interface{}) (json.RawMessage, error) {
	return c.call(ctx, sessionID, method, params)
}

func (c *Client) call(ctx context.Context, sessionID, method string, params interface{}) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}

	id := c.messageID.Add(1)
	req := wireRequest{
		ID:        id,
		SessionID: sessionID,
		Method:    method,
	}

	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling params: %w", err)
		}
		req.Params = data
	}

	respChan := make(chan callResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}

	c.log.WithFields(logrus.Fields{"id": id, "method": method}).Debug("command sent")

	select {
	case result, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionClosed
		}
		if result.Error != nil {
			return nil, result.Error
		}
		return result.Result, nil
	case <-c.closeCh:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RawCall sends a browser-level command with raw JSON params.
func (c *Client) RawCall(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	var p interface{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params JSON: %w", err)
		}
	}
	return c.Call(ctx, method, p)
}

// RawCallTarget sends a raw command to a specific target, attaching as needed.
func (c *Client) RawCallTarget(ctx context.Context, targetID string, method string, params json.RawMessage) (json.RawMessage, error) {
	sessionID, err := c.AttachTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}

	var p interface{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params JSON: %w", err)
		}
	}
	return c.CallSession(ctx, sessionID, method, p)
}

func (c *Client) readMessages() {
	defer c.Close()

	for {
		var msg wireMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		// Route response to waiting caller.
		if msg.ID > 0 {
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				ch <- callResult{
					Result: msg.Result,
					Error:  msg.Error,
				}
			}
			c.pendingMu.Unlock()
		}

		// Route events to subscribers.
		if msg.Method != "" {
			key := msg.SessionID + ":" + msg.Method
			c.subscribersMu.Lock()
			for _, h := range c.subscribers[key] {
				select {
				case h <- msg.Params:
				default:
					// Drop if subscriber is full.
				}
			}
			c.subscribersMu.Unlock()
		}
	}
}

// Subscribe registers a channel for protocol events of the given method on
// the given session. The channel must be released with Unsubscribe.
func (c *Client) Subscribe(sessionID, method string) chan json.RawMessage {
	ch := make(chan json.RawMessage, 100)
	key := sessionID + ":" + method

	c.subscribersMu.Lock()
	c.subscribers[key] = append(c.subscribers[key], ch)
	c.subscribersMu.Unlock()

	return ch
}

// Unsubscribe removes and closes an event subscription channel.
func (c *Client) Unsubscribe(sessionID, method string, ch chan json.RawMessage) {
	key := sessionID + ":" + method

	c.subscribersMu.Lock()
	defer c.subscribersMu.Unlock()

	subs := c.subscribers[key]
	for i, h := range subs {
		if h == ch {
			c.subscribers[key] = append(subs[:i], subs[i+1:]...)
			close(ch)
			return
		}
	}
}
