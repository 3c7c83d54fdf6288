// Package cdptest provides a fake browser engine debug endpoint for tests:
// an HTTP server that publishes /json/version and speaks enough of the wire
// protocol over a websocket to exercise clients without a real browser.
package cdptest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Handler produces the result for one protocol method invocation. Returning
// a non-nil *Error sends an error response instead of a result.
type Handler func(params json.RawMessage) (json.RawMessage, *Error)

// Error mirrors the protocol's error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Server is a fake debug endpoint.
type Server struct {
	httpSrv *httptest.Server

	mu       sync.Mutex
	handlers map[string]Handler
	delays   map[string]time.Duration
	conns    []*serverConn
}

// serverConn serializes writes to one websocket connection.
type serverConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *serverConn) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

type request struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

type response struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

type event struct {
	Method    string          `json:"method"`
	SessionID string          `json:"sessionId,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// New starts a fake endpoint. Unhandled methods answer with an empty result,
// except that Target.attachToTarget always yields a synthetic session ID so
// session plumbing works out of the box.
func New() *Server {
	s := &Server{
		handlers: make(map[string]Handler),
		delays:   make(map[string]time.Duration),
	}

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		wsURL := "ws" + strings.TrimPrefix(s.httpSrv.URL, "http") + "/devtools/browser"
		json.NewEncoder(w).Encode(map[string]string{
			"Browser":              "FakeEngine/1.0",
			"webSocketDebuggerUrl": wsURL,
		})
	})
	mux.HandleFunc("/devtools/browser", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sc := &serverConn{conn: conn}
		s.mu.Lock()
		s.conns = append(s.conns, sc)
		s.mu.Unlock()
		go s.serve(sc)
	})

	s.httpSrv = httptest.NewServer(mux)
	return s
}

// URL returns the base HTTP URL of the endpoint.
func (s *Server) URL() string { return s.httpSrv.URL }

// HostPort splits the endpoint address into host and numeric port.
func (s *Server) HostPort() (string, int) {
	addr := strings.TrimPrefix(s.httpSrv.URL, "http://")
	host, portStr, _ := strings.Cut(addr, ":")
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// Handle registers a handler for a protocol method.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// HandleResult registers a fixed JSON result for a protocol method.
func (s *Server) HandleResult(method string, result string) {
	s.Handle(method, func(json.RawMessage) (json.RawMessage, *Error) {
		return json.RawMessage(result), nil
	})
}

// Delay makes responses to a method arrive after d. Used to simulate an
// engine that stalls on a command.
func (s *Server) Delay(method string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[method] = d
}

// Emit pushes a protocol event to every connected client.
func (s *Server) Emit(sessionID, method string, params string) {
	ev := event{Method: method, SessionID: sessionID, Params: json.RawMessage(params)}
	s.mu.Lock()
	conns := append([]*serverConn(nil), s.conns...)
	s.mu.Unlock()
	for _, sc := range conns {
		sc.writeJSON(ev)
	}
}

// Close shuts down the endpoint.
func (s *Server) Close() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, sc := range conns {
		sc.conn.Close()
	}
	s.httpSrv.Close()
}

func (s *Server) serve(sc *serverConn) {
	for {
		var req request
		if err := sc.conn.ReadJSON(&req); err != nil {
			return
		}

		s.mu.Lock()
		h := s.handlers[req.Method]
		delay := s.delays[req.Method]
		s.mu.Unlock()

		go func(req request) {
			if delay > 0 {
				time.Sleep(delay)
			}

			resp := response{ID: req.ID, SessionID: req.SessionID}
			switch {
			case h != nil:
				result, errObj := h(req.Params)
				resp.Result = result
				resp.Error = errObj
			case req.Method == "Target.attachToTarget":
				resp.Result = json.RawMessage(`{"sessionId":"SESSION-1"}`)
			default:
				resp.Result = json.RawMessage(`{}`)
			}
			if resp.Result == nil && resp.Error == nil {
				resp.Result = json.RawMessage(`{}`)
			}

			sc.writeJSON(resp)
		}(req)
	}
}
