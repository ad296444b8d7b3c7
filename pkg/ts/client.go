// ABOUTME: TS client controlling a timeline clock from server control timestamps
// ABOUTME: Optionally reports achievable presentation timings upstream
package ts

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/csync-protocol/csync-go/pkg/clock"
	"github.com/csync-protocol/csync-go/pkg/protocol"
)

// ErrNotConnected is returned when an operation needs an open
// connection.
var ErrNotConnected = errors.New("ts: not connected")

// ClientConfig configures a TS client.
type ClientConfig struct {
	// URL is the TS server websocket URL, e.g. "ws://192.168.1.5:7681/ts".
	URL string
	// ContentIDStem and TimelineSelector go into the SetupData sent on
	// connect.
	ContentIDStem    string
	TimelineSelector string
	// TimelineClock is the clock to keep in sync with the server's
	// timeline. Its tick rate must match the timeline; its parent must
	// be the wall clock, ticking at one tick per nanosecond.
	TimelineClock *clock.CorrelatedClock
	// CorrelationChangeThresholdSecs is the minimum timing shift that
	// results in the clock being adjusted. Defaults to 100µs.
	CorrelationChangeThresholdSecs float64
	// EarliestClock/LatestClock optionally express the earliest and
	// latest presentation timings this client can achieve, on the same
	// timeline.
	EarliestClock *clock.CorrelatedClock
	LatestClock   *clock.CorrelatedClock
	// AptEptLptInterval, if non-zero, makes the client report its
	// achievable timings at this interval while connected.
	AptEptLptInterval time.Duration
}

// Client manages a TS protocol connection and drives a timeline clock
// to follow the server's timeline. While the timeline is available the
// clock's correlation and speed track the received control timestamps;
// when it is not, the clock is marked unavailable.
//
// Assign the On* callback fields before calling Connect. OnConnected
// runs on the goroutine that calls Connect; the other callbacks run on
// the client's read goroutine.
type Client struct {
	config ClientConfig

	// OnConnected is called when the connection is open and SetupData
	// has been sent.
	OnConnected func()
	// OnDisconnected is called when the connection closes.
	OnDisconnected func(err error)
	// OnTimingChange is called when a control timestamp moved the
	// timeline clock by more than the threshold. speedChanged reports
	// whether the timeline speed changed too.
	OnTimingChange func(speedChanged bool)
	// OnTimelineAvailable / OnTimelineUnavailable report availability
	// flips.
	OnTimelineAvailable   func()
	OnTimelineUnavailable func()
	// OnProtocolError is called when an inbound message cannot be
	// parsed. The message is dropped; the connection stays up.
	OnProtocolError func(msg string)

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	latestCt  *protocol.ControlTimestamp
	stopApt   chan struct{}
}

// NewClient creates a TS client. Call Connect to start.
func NewClient(config ClientConfig) *Client {
	if config.CorrelationChangeThresholdSecs == 0 {
		config.CorrelationChangeThresholdSecs = 0.0001
	}
	return &Client{config: config}
}

// Connected reports whether the connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// LatestControlTimestamp returns a copy of the most recently received
// control timestamp, or nil.
func (c *Client) LatestControlTimestamp() *protocol.ControlTimestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latestCt == nil {
		return nil
	}
	return c.latestCt.Copy()
}

// Connect opens the connection, sends SetupData and starts reading.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(c.config.URL, nil)
	if err != nil {
		return fmt.Errorf("ts: dial %s failed: %w", c.config.URL, err)
	}

	setup := &protocol.SetupData{
		ContentIDStem:    c.config.ContentIDStem,
		TimelineSelector: c.config.TimelineSelector,
	}
	payload, err := setup.Pack()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		_ = conn.Close()
		return fmt.Errorf("ts: sending setup data failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	stopApt := make(chan struct{})
	c.stopApt = stopApt
	c.mu.Unlock()

	if c.OnConnected != nil {
		c.OnConnected()
	}
	go c.readLoop(conn)
	if c.config.AptEptLptInterval > 0 {
		go c.aptEptLptLoop(stopApt)
	}
	return nil
}

// Disconnect closes the connection. The timeline clock becomes
// unavailable.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	stopApt := c.stopApt
	c.conn = nil
	c.connected = false
	c.stopApt = nil
	c.mu.Unlock()
	if conn != nil {
		if stopApt != nil {
			close(stopApt)
		}
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}
		if msgType != websocket.TextMessage {
			c.protocolError("message received was not a text frame")
			continue
		}
		ct, err := protocol.UnpackControlTimestamp(data)
		if err != nil {
			c.protocolError(fmt.Sprintf("message could not be parsed as a control timestamp: %v", err))
			continue
		}
		c.handleControlTimestamp(ct)
	}
}

func (c *Client) handleClose(conn *websocket.Conn, err error) {
	c.mu.Lock()
	wasConnected := c.connected && c.conn == conn
	if wasConnected {
		c.connected = false
		c.conn = nil
		if c.stopApt != nil {
			close(c.stopApt)
			c.stopApt = nil
		}
	}
	c.mu.Unlock()

	if c.config.TimelineClock.IsAvailable() {
		c.config.TimelineClock.SetAvailability(false)
		if c.OnTimelineUnavailable != nil {
			c.OnTimelineUnavailable()
		}
	}
	if c.OnDisconnected != nil {
		if wasConnected {
			c.OnDisconnected(err)
		} else {
			c.OnDisconnected(nil)
		}
	}
}

func (c *Client) protocolError(msg string) {
	log.Printf("TS protocol error: %s", msg)
	if c.OnProtocolError != nil {
		c.OnProtocolError(msg)
	}
}

func (c *Client) handleControlTimestamp(ct *protocol.ControlTimestamp) {
	c.mu.Lock()
	c.latestCt = ct
	c.mu.Unlock()

	tc := c.config.TimelineClock
	available := ct.Available()
	availChanged := available != tc.IsAvailable()

	var corr clock.Correlation
	var speed float64
	corrSpeedChanged := false
	speedChanged := false
	if available {
		speed = *ct.TimelineSpeedMultiplier
		wallNanos, _ := ct.WallClockTime.NanosInt()
		corr = clock.Correlation{
			ParentTicks: float64(wallNanos),
			ChildTicks:  float64(*ct.ContentTime),
		}
		corrSpeedChanged = tc.IsChangeSignificant(corr, speed, c.config.CorrelationChangeThresholdSecs)
		speedChanged = tc.Speed() != speed
	}

	// adjust the correlation before flipping availability, so a newly
	// available clock never jumps immediately after becoming available
	if corrSpeedChanged {
		tc.SetCorrelationAndSpeed(corr, speed)
	}
	if availChanged {
		tc.SetAvailability(available)
	}

	if available && corrSpeedChanged && c.OnTimingChange != nil {
		c.OnTimingChange(speedChanged)
	}
	if availChanged {
		if available {
			if c.OnTimelineAvailable != nil {
				c.OnTimelineAvailable()
			}
		} else {
			if c.OnTimelineUnavailable != nil {
				c.OnTimelineUnavailable()
			}
		}
	}
}

func (c *Client) aptEptLptLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.config.AptEptLptInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.SendAptEptLpt(true); err != nil && !errors.Is(err, ErrNotConnected) {
				log.Printf("TS client failed to send AptEptLpt: %v", err)
			}
		}
	}
}

// SendAptEptLpt reports achievable presentation timings to the server.
// The earliest and latest timings come from the configured earliest and
// latest clocks when available, otherwise they default to "any time"
// (minus and plus infinity). The actual timing is included when
// includeApt is set and the timeline clock is available.
func (c *Client) SendAptEptLpt(includeApt bool) error {
	tc := c.config.TimelineClock
	now := int64(tc.Ticks())

	timings := &protocol.AptEptLpt{
		Earliest: protocol.Timestamp{
			ContentTime:   protocol.Int64Ref(now),
			WallClockTime: protocol.MinusInfinity(),
		},
		Latest: protocol.Timestamp{
			ContentTime:   protocol.Int64Ref(now),
			WallClockTime: protocol.PlusInfinity(),
		},
	}
	if ec := c.config.EarliestClock; ec != nil && ec.IsAvailable() {
		corr := ec.Correlation()
		timings.Earliest = protocol.Timestamp{
			ContentTime:   protocol.Int64Ref(int64(corr.ChildTicks)),
			WallClockTime: protocol.WallTimeOf(int64(corr.ParentTicks)),
		}
	}
	if lc := c.config.LatestClock; lc != nil && lc.IsAvailable() {
		corr := lc.Correlation()
		timings.Latest = protocol.Timestamp{
			ContentTime:   protocol.Int64Ref(int64(corr.ChildTicks)),
			WallClockTime: protocol.WallTimeOf(int64(corr.ParentTicks)),
		}
	}
	if includeApt && tc.IsAvailable() {
		corr := tc.Correlation()
		timings.Actual = protocol.Set(protocol.Timestamp{
			ContentTime:   protocol.Int64Ref(int64(corr.ChildTicks)),
			WallClockTime: protocol.WallTimeOf(int64(corr.ParentTicks)),
		})
	}

	payload, err := timings.Pack()
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("ts: sending AptEptLpt failed: %w", err)
	}
	return nil
}

// TimelineAvailable reports whether the most recent control timestamp
// said the timeline is available.
func (c *Client) TimelineAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latestCt != nil && c.latestCt.Available()
}

// StatusSummary returns a human readable description of the timeline
// state.
func (c *Client) StatusSummary() string {
	c.mu.Lock()
	latest := c.latestCt
	c.mu.Unlock()
	if latest == nil {
		return "Nothing received from TV yet."
	}
	tc := c.config.TimelineClock
	if !tc.IsAvailable() {
		return "Status: NOT available.  Speed = -----  Timeline position = ----------"
	}
	pos := tc.Ticks() / tc.TickRate()
	return fmt.Sprintf("Status: AVAILABLE.  Speed = %5.2f  Timeline position = %10.3f secs", tc.Speed(), pos)
}
