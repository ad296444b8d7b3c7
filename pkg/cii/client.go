// ABOUTME: CII client tracking cumulative content-identity state
// ABOUTME: Applies inbound messages as overlays and reports changed properties
package cii

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/csync-protocol/csync-go/pkg/protocol"
)

// ErrNotConnected is returned when an operation needs an open
// connection.
var ErrNotConnected = errors.New("cii: not connected")

// Client maintains a CII protocol connection and the cumulative CII
// state at the server. Fields in inbound messages overwrite the held
// state; omitted fields leave it untouched.
//
// Assign the On* callback fields before calling Connect. OnConnected
// runs on the goroutine that calls Connect; the other callbacks run on
// the client's read goroutine.
type Client struct {
	url string

	// OnConnected is called when the connection opens.
	OnConnected func()
	// OnDisconnected is called when the connection closes; err is nil
	// on a clean local disconnect.
	OnDisconnected func(err error)
	// OnChange is called once per inbound message that changed state,
	// with the wire names of the changed properties.
	OnChange func(changed []string)
	// OnCIIReceived is called for every inbound message, changed or not.
	OnCIIReceived func(cii *protocol.CII)
	// OnProtocolError is called when an inbound message cannot be
	// parsed. The message is dropped; the connection stays up.
	OnProtocolError func(msg string)

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	cii       *protocol.CII
	latest    *protocol.CII
}

// NewClient creates a CII client for the given websocket URL, e.g.
// "ws://192.168.1.5:7681/cii".
func NewClient(url string) *Client {
	return &Client{url: url, cii: &protocol.CII{}}
}

// Connected reports whether the connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// CII returns a deep copy of the cumulative state.
func (c *Client) CII() *protocol.CII {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cii.Copy()
}

// LatestCII returns the most recently received message, or nil if
// nothing has been received yet.
func (c *Client) LatestCII() *protocol.CII {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil {
		return nil
	}
	return c.latest.Copy()
}

// Connect opens the connection and starts reading. Does nothing if
// already connected.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("cii: dial %s failed: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	if c.OnConnected != nil {
		c.OnConnected()
	}
	go c.readLoop(conn)
	return nil
}

// Disconnect closes the connection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			wasConnected := c.connected
			c.connected = false
			c.conn = nil
			c.mu.Unlock()
			if c.OnDisconnected != nil {
				if wasConnected {
					c.OnDisconnected(err)
				} else {
					c.OnDisconnected(nil)
				}
			}
			return
		}
		if msgType != websocket.TextMessage {
			c.protocolError("message received was not a text frame")
			continue
		}
		cii, err := protocol.UnpackCII(data)
		if err != nil {
			c.protocolError(fmt.Sprintf("message could not be parsed as CII: %v", err))
			continue
		}
		c.handleCII(cii)
	}
}

func (c *Client) protocolError(msg string) {
	log.Printf("CII protocol error: %s", msg)
	if c.OnProtocolError != nil {
		c.OnProtocolError(msg)
	}
}

func (c *Client) handleCII(latest *protocol.CII) {
	c.mu.Lock()
	c.latest = latest
	// the received message need not be a diff, so take one
	diff := protocol.DiffCII(c.cii, latest)
	changes := diff.DefinedProperties()
	if len(changes) > 0 {
		c.cii.Update(diff)
	}
	c.mu.Unlock()

	if c.OnCIIReceived != nil {
		c.OnCIIReceived(latest)
	}
	if len(changes) > 0 && c.OnChange != nil {
		c.OnChange(changes)
	}
}

// StatusSummary returns a human readable description of the state.
func (c *Client) StatusSummary() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil {
		return "Nothing received from TV yet."
	}
	return fmt.Sprintf("CII state: %v set", c.cii.DefinedProperties())
}
