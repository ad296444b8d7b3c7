// ABOUTME: Wall-clock protocol client: periodic request loop over UDP
// ABOUTME: Ranks responses by quality and feeds candidates to the algorithm
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

// Client drives a CorrelatedClock towards a wall-clock server's clock.
// Measurements are taken from the clock's parent; the algorithm decides
// the correlation that makes the clock model the server.
type Client struct {
	algorithm Algorithm
	measure   clock.Clock
	dest      *net.UDPAddr
	bindAddr  string
	bindPort  int

	mu   sync.Mutex
	conn *net.UDPConn
	stop chan struct{}
	wg   sync.WaitGroup
}

// ClientConfig holds wall-clock client configuration.
type ClientConfig struct {
	// BindAddr/BindPort is the local socket to listen on. Defaults to
	// "0.0.0.0" and an ephemeral port.
	BindAddr string
	BindPort int
	// ServerAddr/ServerPort is the wall-clock server. Port defaults to
	// DefaultPort.
	ServerAddr string
	ServerPort int
	// Clock is the wall clock under control. Its parent is the clock
	// the measurements are taken from.
	Clock *clock.CorrelatedClock
	// Algorithm processes measurement candidates. Defaults to
	// NewLowestDispersionCandidate(Clock, 1s, 200ms).
	Algorithm Algorithm
}

// NewClient creates a wall-clock client. Call Start to begin.
func NewClient(config ClientConfig) (*Client, error) {
	if config.Clock == nil {
		return nil, fmt.Errorf("wall clock client needs a clock")
	}
	if config.BindAddr == "" {
		config.BindAddr = "0.0.0.0"
	}
	if config.ServerPort == 0 {
		config.ServerPort = DefaultPort
	}
	if config.Algorithm == nil {
		config.Algorithm = NewLowestDispersionCandidate(config.Clock, time.Second, 200*time.Millisecond)
	}
	ip := net.ParseIP(config.ServerAddr)
	if ip == nil {
		addrs, err := net.LookupIP(config.ServerAddr)
		if err != nil || len(addrs) == 0 {
			return nil, fmt.Errorf("wall clock server address %q not resolvable: %w", config.ServerAddr, err)
		}
		ip = addrs[0]
	}
	return &Client{
		algorithm: config.Algorithm,
		measure:   config.Clock.Parent(),
		dest:      &net.UDPAddr{IP: ip, Port: config.ServerPort},
		bindAddr:  config.BindAddr,
		bindPort:  config.BindPort,
	}, nil
}

// Algorithm returns the algorithm in use.
func (c *Client) Algorithm() Algorithm { return c.algorithm }

// Start binds the socket and starts the request loop. Does nothing if
// already running.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(c.bindAddr), Port: c.bindPort})
	if err != nil {
		return fmt.Errorf("wall clock client listen failed: %w", err)
	}
	c.conn = conn
	c.stop = make(chan struct{})
	c.wg.Add(1)
	go c.run(conn, c.stop)
	return nil
}

// Stop halts the request loop. In-flight requests are discarded.
func (c *Client) Stop() {
	c.mu.Lock()
	conn := c.conn
	stop := c.stop
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return
	}
	close(stop)
	_ = conn.Close()
	c.wg.Wait()
}

func (c *Client) run(conn *net.UDPConn, stop chan struct{}) {
	defer c.wg.Done()
	for {
		cand := c.exchange(conn, stop)
		select {
		case <-stop:
			return
		default:
		}
		delay := c.algorithm.ProcessMeasurement(cand)
		select {
		case <-stop:
			return
		case <-time.After(delay):
		}
	}
}

// exchange sends one request and collects the best-quality response
// until the timeout. If a response promises a follow-up, the follow-up
// is awaited within the same window; in its absence the promising
// response still yields a candidate.
func (c *Client) exchange(conn *net.UDPConn, stop chan struct{}) *protocol.Candidate {
	req := &protocol.WCMessage{
		Type:           protocol.WCTypeRequest,
		OriginateNanos: int64(c.measure.Nanos()),
	}
	if _, err := conn.WriteToUDP(req.Pack(), c.dest); err != nil {
		log.Printf("Wall clock request send failed: %v", err)
		return nil
	}

	timeout := c.algorithm.ResponseTimeout()
	deadline := time.Now().Add(timeout)

	bestQuality := -999
	var bestMsg *protocol.WCMessage
	var bestRxNanos int64

	buf := make([]byte, protocol.WCMessageSize)
	for bestQuality < 3 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(remaining))
		n, src, err := conn.ReadFromUDP(buf)
		rxNanos := int64(c.measure.Nanos())
		select {
		case <-stop:
			return nil
		default:
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break
			}
			log.Printf("Wall clock response read error: %v", err)
			break
		}
		if !src.IP.Equal(c.dest.IP) || src.Port != c.dest.Port {
			continue
		}
		msg, err := protocol.UnpackWCMessage(buf[:n])
		if err != nil {
			log.Printf("Wall clock response dropped: %v", err)
			continue
		}
		if q := responseQuality(req, msg); q >= bestQuality {
			bestQuality = q
			bestMsg = msg
			bestRxNanos = rxNanos
		}
	}

	if bestMsg == nil {
		return nil
	}
	cand, err := protocol.NewCandidate(bestMsg, bestRxNanos)
	if err != nil {
		log.Printf("Wall clock response dropped: %v", err)
		return nil
	}
	return cand
}

// responseQuality scores a response. Quality below zero means the
// response belongs to a different (presumably older) request. A
// response with no follow-up expected, or a follow-up itself, scores 3
// or better, ending the wait; a response promising a follow-up scores 2
// so the loop keeps listening for the follow-up.
func responseQuality(req, resp *protocol.WCMessage) int {
	offset := 0
	if req.OriginateNanos != resp.OriginateNanos {
		offset = -10
	}
	switch resp.Type {
	case protocol.WCTypeResponse:
		return offset + 3
	case protocol.WCTypeResponseWithFollowUp:
		return offset + 2
	case protocol.WCTypeFollowUp:
		return offset + 4
	default:
		return -999
	}
}
