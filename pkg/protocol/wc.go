// ABOUTME: Fixed 32-byte binary codec for wall-clock protocol datagrams
// ABOUTME: Candidate measurements derived from request/response timestamp quadruples
package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/csync-protocol/csync-go/pkg/clock"
)

// WCMessageSize is the exact size of every wall-clock datagram.
const WCMessageSize = 32

// WCMessageType is the first byte of a wall-clock message.
type WCMessageType uint8

const (
	// WCTypeRequest is a client request.
	WCTypeRequest WCMessageType = 0
	// WCTypeResponse is a server response with no follow-up.
	WCTypeResponse WCMessageType = 1
	// WCTypeResponseWithFollowUp promises a later follow-up carrying a
	// more accurate transmit time.
	WCTypeResponseWithFollowUp WCMessageType = 2
	// WCTypeFollowUp is the follow-up response.
	WCTypeFollowUp WCMessageType = 3
)

// IsResponse reports whether the type is any kind of server response.
func (t WCMessageType) IsResponse() bool {
	return t == WCTypeResponse || t == WCTypeResponseWithFollowUp || t == WCTypeFollowUp
}

// WCMessage is a wall-clock protocol message. Timestamps are integer
// nanoseconds since an arbitrary but consistent monotonic origin; on
// the wire each is split into big-endian seconds and nanoseconds words.
//
// Precision is a signed power-of-two seconds exponent. MaxFreqError is
// in units of 1/256 ppm.
type WCMessage struct {
	Type           WCMessageType
	Precision      int8
	MaxFreqError   uint32
	OriginateNanos int64
	ReceiveNanos   int64
	TransmitNanos  int64

	// OriginalOriginate preserves a non-normalised originate encoding
	// (seconds, nanos with nanos >= 1e9) seen on the wire, so a server
	// echoes the originate field back byte-identical.
	OriginalOriginate *[2]uint32
}

// Pack encodes the message into its 32-byte wire form.
func (m *WCMessage) Pack() []byte {
	buf := make([]byte, WCMessageSize)
	buf[0] = byte(m.Type)
	buf[1] = byte(m.Precision)
	// bytes 2-3 reserved, zero on send
	binary.BigEndian.PutUint32(buf[4:8], m.MaxFreqError)
	if m.OriginalOriginate != nil {
		binary.BigEndian.PutUint32(buf[8:12], m.OriginalOriginate[0])
		binary.BigEndian.PutUint32(buf[12:16], m.OriginalOriginate[1])
	} else {
		putTimevalue(buf[8:16], m.OriginateNanos)
	}
	putTimevalue(buf[16:24], m.ReceiveNanos)
	putTimevalue(buf[24:32], m.TransmitNanos)
	return buf
}

func putTimevalue(b []byte, nanos int64) {
	binary.BigEndian.PutUint32(b[0:4], uint32(nanos/1_000_000_000))
	binary.BigEndian.PutUint32(b[4:8], uint32(nanos%1_000_000_000))
}

func timevalue(b []byte) int64 {
	return int64(binary.BigEndian.Uint32(b[0:4]))*1_000_000_000 + int64(binary.BigEndian.Uint32(b[4:8]))
}

// UnpackWCMessage decodes a 32-byte wall-clock datagram, rejecting
// wrong-length buffers and unknown message types.
func UnpackWCMessage(data []byte) (*WCMessage, error) {
	if len(data) != WCMessageSize {
		return nil, fmt.Errorf("%w: wall clock message wrong length %d", ErrBadMessage, len(data))
	}
	msgtype := WCMessageType(data[0])
	if msgtype > WCTypeFollowUp {
		return nil, fmt.Errorf("%w: wall clock message type %d not recognised", ErrBadMessage, data[0])
	}
	m := &WCMessage{
		Type:         msgtype,
		Precision:    int8(data[1]),
		MaxFreqError: binary.BigEndian.Uint32(data[4:8]),
	}
	os := binary.BigEndian.Uint32(data[8:12])
	on := binary.BigEndian.Uint32(data[12:16])
	m.OriginateNanos = int64(os)*1_000_000_000 + int64(on)
	if on >= 1_000_000_000 {
		m.OriginalOriginate = &[2]uint32{os, on}
	}
	m.ReceiveNanos = timevalue(data[16:24])
	m.TransmitNanos = timevalue(data[24:32])
	return m, nil
}

// Copy duplicates the message.
func (m *WCMessage) Copy() *WCMessage {
	dup := *m
	if m.OriginalOriginate != nil {
		oo := *m.OriginalOriginate
		dup.OriginalOriginate = &oo
	}
	return &dup
}

// PrecisionSecs returns the encoded precision as seconds.
func (m *WCMessage) PrecisionSecs() float64 {
	return math.Pow(2, float64(m.Precision))
}

// SetPrecision encodes a precision given in seconds, rounding up to the
// next power of two.
func (m *WCMessage) SetPrecision(secs float64) {
	m.Precision = int8(math.Ceil(math.Log2(secs)))
}

// MaxFreqErrorPpm returns the encoded maximum frequency error in ppm.
func (m *WCMessage) MaxFreqErrorPpm() float64 {
	return float64(m.MaxFreqError) / 256.0
}

// SetMaxFreqErrorPpm encodes a maximum frequency error given in ppm.
func (m *WCMessage) SetMaxFreqErrorPpm(ppm float64) {
	m.MaxFreqError = uint32(math.Ceil(ppm * 256))
}

func (m *WCMessage) String() string {
	return fmt.Sprintf("WCMessage(type=%d, precision=%d, maxFreqError=%d, t1=%d, t2=%d, t3=%d)",
		m.Type, m.Precision, m.MaxFreqError, m.OriginateNanos, m.ReceiveNanos, m.TransmitNanos)
}

// Candidate is a single measurement of the server's wall clock obtained
// from one request/response exchange. All timestamps are nanoseconds:
// t1 request sent, t2 request received, t3 response sent, t4 response
// received.
type Candidate struct {
	T1, T2, T3, T4 int64
	// Offset is the estimated difference between the server clock and
	// the local measurement clock.
	Offset int64
	// RTT is the round-trip time excluding server processing.
	RTT int64
	// PrecisionSecs is the server-reported measurement precision.
	PrecisionSecs float64
	// MaxFreqErrorPpm is the server-reported oscillator error bound.
	MaxFreqErrorPpm float64
	// Msg is the response this candidate was derived from.
	Msg *WCMessage
}

// NewCandidate derives a candidate from a response message and the
// nanosecond time at which it arrived.
func NewCandidate(msg *WCMessage, nanosRx int64) (*Candidate, error) {
	if !msg.Type.IsResponse() {
		return nil, fmt.Errorf("%w: cannot derive a candidate from a non-response message", ErrBadMessage)
	}
	c := &Candidate{
		T1:              msg.OriginateNanos,
		T2:              msg.ReceiveNanos,
		T3:              msg.TransmitNanos,
		T4:              nanosRx,
		PrecisionSecs:   msg.PrecisionSecs(),
		MaxFreqErrorPpm: msg.MaxFreqErrorPpm(),
		Msg:             msg,
	}
	c.Offset = ((c.T3 + c.T2) - (c.T4 + c.T1)) / 2
	c.RTT = (c.T4 - c.T1) - (c.T3 - c.T2)
	return c, nil
}

// CorrelationFor calculates the correlation that makes cl model the
// server's wall clock according to this candidate. cl's parent must be
// the clock from which t1 and t4 were measured. The measurement is
// anchored at the midpoint of the exchange; the initial error combines
// server precision, half the round trip, and the oscillator drift both
// sides could have accrued during the exchange.
//
// localMaxFreqErrorPpm overrides the local oscillator error bound; pass
// 0 to use the root clock's figure.
func (c *Candidate) CorrelationFor(cl *clock.CorrelatedClock, localMaxFreqErrorPpm float64) clock.Correlation {
	parent := cl.Parent()
	t1 := parent.NanosToTicks(float64(c.T1))
	t4 := parent.NanosToTicks(float64(c.T4))
	t2 := cl.NanosToTicks(float64(c.T2))
	t3 := cl.NanosToTicks(float64(c.T3))

	if localMaxFreqErrorPpm == 0 {
		localMaxFreqErrorPpm = cl.RootMaxFreqError()
	}
	mfeC := localMaxFreqErrorPpm / 1e6
	mfeS := c.MaxFreqErrorPpm / 1e6

	return clock.Correlation{
		ParentTicks: (t1 + t4) / 2,
		ChildTicks:  (t2 + t3) / 2,
		InitialError: c.PrecisionSecs +
			(float64(c.RTT)/2+
				mfeC*float64(c.T4-c.T1)+
				mfeS*float64(c.T3-c.T2))/1e9,
		ErrorGrowthRate: mfeC + mfeS,
	}
}

func (c *Candidate) String() string {
	return fmt.Sprintf("Candidate(offset=%d, rtt=%d, t1=%d, t2=%d, t3=%d, t4=%d)",
		c.Offset, c.RTT, c.T1, c.T2, c.T3, c.T4)
}
