// ABOUTME: Shared websocket endpoint base for the CII and TS servers
// ABOUTME: Manages upgrade, connection registry, per-connection send serialisation
package endpoint

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// sendBuffer is the per-connection outbound queue depth. A client that
// falls this far behind is disconnected.
const sendBuffer = 16

// Handler is implemented by a protocol server (CII, TS) plugged into an
// endpoint. Callbacks are serialised per connection; OnClientDisconnect
// runs exactly once per connection however the close happens.
type Handler interface {
	// NewConnectionData returns the protocol state to attach to a new
	// connection.
	NewConnectionData() any
	// OnClientConnect is called once the connection is registered.
	OnClientConnect(conn *Conn)
	// OnClientDisconnect is called after the connection is removed.
	OnClientDisconnect(conn *Conn, data any)
	// OnClientMessage is called for each received text frame.
	OnClientMessage(conn *Conn, msg []byte)
}

// Conn is one client connection to an endpoint.
type Conn struct {
	id     string
	ws     *websocket.Conn
	server *Server
	send   chan []byte
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	data any
}

// ID returns the endpoint-unique connection id.
func (c *Conn) ID() string { return c.id }

// Data returns the protocol state attached to this connection.
func (c *Conn) Data() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data
}

// SetData replaces the protocol state attached to this connection.
func (c *Conn) SetData(data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = data
}

// Send queues a text frame for delivery. Frames to one connection are
// written in order by a single writer goroutine. If the client cannot
// keep up the connection is closed.
func (c *Conn) Send(msg []byte) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		log.Printf("endpoint: connection %s too slow, closing", c.id)
		c.close(websocket.CloseGoingAway)
	}
}

// close tears the connection down. Safe to call multiple times; the
// registry entry is removed exactly once.
func (c *Conn) close(code int) {
	c.once.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(code, "")
		// WriteControl is safe alongside the writer goroutine
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}

func (c *Conn) writeLoop() {
	for {
		select {
		case msg := <-c.send:
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close(websocket.CloseAbnormalClosure)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) readLoop() {
	defer func() {
		c.close(websocket.CloseNormalClosure)
		c.server.remove(c)
	}()
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			log.Printf("endpoint: connection %s sent a non-text frame, ignoring", c.id)
			continue
		}
		c.server.handler.OnClientMessage(c, data)
	}
}

// Server is a websocket endpoint with a connection registry. It
// implements http.Handler so it can be mounted on any mux path.
//
// A disabled endpoint refuses upgrades with 403 Forbidden and closes
// existing connections with websocket code 1001. An endpoint at its
// connection limit refuses with 503 Service Unavailable.
type Server struct {
	prefix   string
	handler  Handler
	maxConns int
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     map[*Conn]struct{}
	enabled   bool
	highWater int
}

// New creates an endpoint. prefix namespaces the connection ids (e.g.
// "cii"). maxConns below zero means unlimited.
func New(prefix string, maxConns int, handler Handler) *Server {
	return &Server{
		prefix:   prefix,
		handler:  handler,
		maxConns: maxConns,
		conns:    make(map[*Conn]struct{}),
		enabled:  true,
		upgrader: websocket.Upgrader{
			// Trusted local networks only: allow non-browser clients
			// (no Origin header) and any origin otherwise.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades an incoming request and runs the connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		http.Error(w, "endpoint disabled", http.StatusForbidden)
		return
	}
	if s.maxConns >= 0 && len(s.conns) >= s.maxConns {
		s.mu.Unlock()
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("endpoint: upgrade failed: %v", err)
		return
	}

	conn := &Conn{
		id:     s.prefix + "-" + uuid.New().String(),
		ws:     ws,
		server: s,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		data:   s.handler.NewConnectionData(),
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	if len(s.conns) > s.highWater {
		s.highWater = len(s.conns)
	}
	s.mu.Unlock()

	log.Printf("endpoint: connection %s opened", conn.id)
	go conn.writeLoop()
	s.handler.OnClientConnect(conn)
	conn.readLoop()
}

// remove unregisters a connection. Keyed by identity and checked for
// membership, so a close path that runs twice removes it exactly once.
func (s *Server) remove(conn *Conn) {
	s.mu.Lock()
	_, present := s.conns[conn]
	delete(s.conns, conn)
	s.mu.Unlock()
	if present {
		log.Printf("endpoint: connection %s closed", conn.id)
		s.handler.OnClientDisconnect(conn, conn.Data())
	}
}

// Connections returns a snapshot of the current connections, so callers
// never hold the registry lock while doing I/O.
func (s *Server) Connections() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Count returns the current number of connections.
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// HighWater returns the highest concurrent connection count seen.
func (s *Server) HighWater() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highWater
}

// Enabled reports whether the endpoint accepts connections.
func (s *Server) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// SetEnabled enables or disables the endpoint. Disabling closes every
// current connection with websocket code 1001 (going away).
func (s *Server) SetEnabled(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
	if !enabled {
		for _, c := range s.Connections() {
			c.close(websocket.CloseGoingAway)
		}
	}
}
