// ABOUTME: CII server holding shared content-identity state
// ABOUTME: Pushes full state to new clients and diffs to existing ones
package cii

import (
	"log"
	"sync"

	"github.com/csync-protocol/csync-go/pkg/endpoint"
	"github.com/csync-protocol/csync-go/pkg/protocol"
)

// connData is the per-connection state: the last CII pushed to that
// client, so the next push can be a diff.
type connData struct {
	prevCII *protocol.CII
}

// Server implements the CII protocol endpoint. It holds one current CII
// record; mutate it through Modify (a scoped transaction that pushes a
// single diff on commit) and the server keeps connected clients up to
// date. A newly-connected client always receives the full non-omitted
// state first.
//
// Mount it on an HTTP mux via Endpoint().
type Server struct {
	endpoint *endpoint.Server
	mu       sync.Mutex
	cii      *protocol.CII
}

// NewServer creates a CII server. maxConns below zero allows unlimited
// connections. A nil initial state defaults to just the protocol
// version.
func NewServer(maxConns int, initial *protocol.CII) *Server {
	if initial == nil {
		initial = &protocol.CII{ProtocolVersion: protocol.Set(protocol.CIIProtocolVersion)}
	}
	s := &Server{cii: initial.Copy()}
	s.endpoint = endpoint.New("cii", maxConns, s)
	return s
}

// Endpoint returns the underlying websocket endpoint, an http.Handler.
func (s *Server) Endpoint() *endpoint.Server { return s.endpoint }

// CII returns a deep copy of the current state.
func (s *Server) CII() *protocol.CII {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cii.Copy()
}

// Set replaces the entire CII state and pushes the resulting diff.
func (s *Server) Set(state *protocol.CII) {
	s.Modify(func(c *protocol.CII) { *c = *state.Copy() })
}

// Modify applies fn to the CII state as one transaction. Clients see a
// single diff message on commit, however many properties fn touches.
func (s *Server) Modify(fn func(c *protocol.CII)) {
	s.mu.Lock()
	fn(s.cii)
	s.mu.Unlock()
	s.UpdateClients(true, false)
}

// UpdateClients pushes the current state to every connected client.
// With sendOnlyDiff, each client receives only the properties that
// changed since the last push to it; otherwise the full state. Empty
// messages are suppressed unless sendIfEmpty is set.
func (s *Server) UpdateClients(sendOnlyDiff, sendIfEmpty bool) {
	s.mu.Lock()
	state := s.cii.Copy()
	s.mu.Unlock()

	for _, conn := range s.endpoint.Connections() {
		data := conn.Data().(*connData)

		var toSend *protocol.CII
		if sendOnlyDiff && data.prevCII != nil {
			diff := protocol.DiffCII(data.prevCII, state)
			// a contentId change must always be accompanied by its status
			if diff.ContentID.IsSet() {
				diff.ContentIDStatus = state.ContentIDStatus
			}
			toSend = diff
		} else {
			toSend = state
		}

		if sendIfEmpty || len(toSend.DefinedProperties()) > 0 {
			payload, err := toSend.Pack()
			if err != nil {
				log.Printf("CII server failed to pack state: %v", err)
				return
			}
			conn.Send(payload)
		}
		data.prevCII = state
	}
}

// NewConnectionData implements endpoint.Handler.
func (s *Server) NewConnectionData() any { return &connData{} }

// OnClientConnect implements endpoint.Handler: the first message to a
// new client is the full current state.
func (s *Server) OnClientConnect(conn *endpoint.Conn) {
	s.mu.Lock()
	state := s.cii.Copy()
	s.mu.Unlock()
	payload, err := state.Pack()
	if err != nil {
		log.Printf("CII server failed to pack initial state: %v", err)
		return
	}
	log.Printf("CII server sending initial state to %s", conn.ID())
	conn.Send(payload)
	conn.Data().(*connData).prevCII = state
}

// OnClientDisconnect implements endpoint.Handler.
func (s *Server) OnClientDisconnect(conn *endpoint.Conn, data any) {}

// OnClientMessage implements endpoint.Handler. The server ignores
// client frames.
func (s *Server) OnClientMessage(conn *endpoint.Conn, msg []byte) {
	log.Printf("CII server ignoring unexpected message from %s", conn.ID())
}
