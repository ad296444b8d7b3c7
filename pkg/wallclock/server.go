// ABOUTME: Wall-clock protocol server answering request datagrams over UDP
// ABOUTME: Stamps receive/transmit times and optionally sends follow-up responses
package wallclock

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/csync-protocol/csync-go/pkg/clock"
	"github.com/csync-protocol/csync-go/pkg/protocol"
)

// DefaultPort is the default wall-clock server UDP port.
const DefaultPort = 6677

// ServerHandler answers wall-clock request messages. It is independent
// of the datagram transport: give Handle the received payload and a
// function that transmits a reply, and it does the rest.
type ServerHandler struct {
	// Clock is the wall clock served to clients.
	Clock clock.Clock
	// PrecisionSecs overrides the precision reported to clients. Zero
	// means derive it from the clock's dispersion at each request.
	PrecisionSecs float64
	// MaxFreqErrorPpm overrides the frequency error reported to
	// clients. Zero means use the clock's root figure.
	MaxFreqErrorPpm float64
	// FollowUp makes the server reply with a response-plus-follow-up
	// pair, re-stamping the transmit time in the follow-up.
	FollowUp bool
}

// Handle processes one received datagram. Non-request messages are
// rejected with an error; the caller logs and drops them.
func (h *ServerHandler) Handle(data []byte, reply func(payload []byte)) error {
	recvTicks := h.Clock.Ticks()
	tickRate := h.Clock.TickRate()

	msg, err := protocol.UnpackWCMessage(data)
	if err != nil {
		return err
	}
	if msg.Type != protocol.WCTypeRequest {
		return fmt.Errorf("wall clock server received non-request message type %d", msg.Type)
	}

	resp := msg.Copy()
	resp.ReceiveNanos = int64(recvTicks * 1e9 / tickRate)
	if h.FollowUp {
		resp.Type = protocol.WCTypeResponseWithFollowUp
	} else {
		resp.Type = protocol.WCTypeResponse
	}

	precision := h.PrecisionSecs
	if precision == 0 {
		precision = clock.DispersionAtTime(h.Clock, recvTicks)
	}
	resp.SetPrecision(precision)

	maxFreqError := h.MaxFreqErrorPpm
	if maxFreqError == 0 {
		maxFreqError = h.Clock.RootMaxFreqError()
	}
	resp.SetMaxFreqErrorPpm(maxFreqError)

	resp.TransmitNanos = int64(h.Clock.Nanos())
	reply(resp.Pack())

	if h.FollowUp {
		followUp := resp.Copy()
		followUp.Type = protocol.WCTypeFollowUp
		followUp.TransmitNanos = int64(h.Clock.Nanos())
		reply(followUp.Pack())
	}
	return nil
}

// Server runs a ServerHandler on a bound UDP socket in a background
// goroutine.
type Server struct {
	handler  *ServerHandler
	bindAddr string
	port     int

	mu   sync.Mutex
	conn *net.UDPConn
	stop chan struct{}
	wg   sync.WaitGroup
}

// ServerConfig holds wall-clock server configuration.
type ServerConfig struct {
	Clock           clock.Clock
	PrecisionSecs   float64
	MaxFreqErrorPpm float64
	BindAddr        string // default "0.0.0.0"
	Port            int    // default DefaultPort; negative for ephemeral
	FollowUp        bool
}

// NewServer creates a wall-clock server. Call Start to begin serving.
func NewServer(config ServerConfig) *Server {
	if config.BindAddr == "" {
		config.BindAddr = "0.0.0.0"
	}
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	return &Server{
		handler: &ServerHandler{
			Clock:           config.Clock,
			PrecisionSecs:   config.PrecisionSecs,
			MaxFreqErrorPpm: config.MaxFreqErrorPpm,
			FollowUp:        config.FollowUp,
		},
		bindAddr: config.BindAddr,
		port:     config.Port,
	}
}

// Start binds the socket and starts the receive loop. Does nothing if
// already running.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	port := s.port
	if port < 0 {
		port = 0
	}
	addr := &net.UDPAddr{IP: net.ParseIP(s.bindAddr), Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("wall clock server listen failed: %w", err)
	}
	s.conn = conn
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(conn, s.stop)
	log.Printf("Wall clock server listening on %s", conn.LocalAddr())
	return nil
}

// LocalAddr returns the bound socket address while the server runs.
func (s *Server) LocalAddr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Stop shuts the server down and waits for the receive loop to finish.
func (s *Server) Stop() {
	s.mu.Lock()
	conn := s.conn
	stop := s.stop
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return
	}
	close(stop)
	_ = conn.Close()
	s.wg.Wait()
}

func (s *Server) run(conn *net.UDPConn, stop chan struct{}) {
	defer s.wg.Done()
	buf := make([]byte, protocol.WCMessageSize)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, src, err := conn.ReadFromUDP(buf)
		select {
		case <-stop:
			return
		default:
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			log.Printf("Wall clock server read error: %v", err)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		if err := s.handler.Handle(data, func(payload []byte) {
			if _, err := conn.WriteToUDP(payload, src); err != nil {
				log.Printf("Wall clock server send error: %v", err)
			}
		}); err != nil {
			log.Printf("Wall clock server dropping datagram from %s: %v", src, err)
		}
	}
}
