// ABOUTME: Tests for the wall-clock binary codec and candidate arithmetic
// ABOUTME: Pins the byte layout and the offset/RTT formulas with literal values
package protocol

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/csync-protocol/csync-go/pkg/clock"
)

func TestWCMessagePackLayout(t *testing.T) {
	// request originated at 116s + 12ms
	msg := &WCMessage{
		Type:           WCTypeRequest,
		OriginateNanos: 116_012_000_000,
	}
	packed := msg.Pack()

	if len(packed) != WCMessageSize {
		t.Fatalf("expected %d bytes, got %d", WCMessageSize, len(packed))
	}
	if packed[0] != 0x00 {
		t.Errorf("expected message type byte 0x00, got %#x", packed[0])
	}
	if packed[1] != 0x00 {
		t.Errorf("expected precision byte 0x00, got %#x", packed[1])
	}
	if secs := binary.BigEndian.Uint32(packed[8:12]); secs != 116 {
		t.Errorf("expected originate seconds 116, got %d", secs)
	}
	if nanos := binary.BigEndian.Uint32(packed[12:16]); nanos != 12_000_000 {
		t.Errorf("expected originate nanos 12000000, got %d", nanos)
	}
	for i := 16; i < 32; i++ {
		if packed[i] != 0 {
			t.Errorf("expected zero receive/transmit timestamps, byte %d = %#x", i, packed[i])
		}
	}
}

func TestWCMessageRoundTrip(t *testing.T) {
	msg := &WCMessage{
		Type:           WCTypeResponse,
		Precision:      -10,
		MaxFreqError:   256 * 50,
		OriginateNanos: 116_012_000_000,
		ReceiveNanos:   116_012_500_000,
		TransmitNanos:  116_013_000_000,
	}
	decoded, err := UnpackWCMessage(msg.Pack())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *decoded != *msg {
		t.Errorf("round trip mismatch: %v != %v", decoded, msg)
	}
	// and the bytes are reproduced exactly
	if !bytes.Equal(decoded.Pack(), msg.Pack()) {
		t.Error("re-encoded bytes differ from original")
	}
}

func TestWCMessageRejectsBadInput(t *testing.T) {
	if _, err := UnpackWCMessage(make([]byte, 31)); err == nil {
		t.Error("expected error for short message")
	}
	bad := make([]byte, WCMessageSize)
	bad[0] = 4
	if _, err := UnpackWCMessage(bad); err == nil {
		t.Error("expected error for unknown message type")
	}
}

func TestWCMessagePreservesOddOriginateEncoding(t *testing.T) {
	// nanoseconds word >= 1e9: unusual but echoed back unchanged
	raw := make([]byte, WCMessageSize)
	raw[0] = byte(WCTypeRequest)
	binary.BigEndian.PutUint32(raw[8:12], 5)
	binary.BigEndian.PutUint32(raw[12:16], 1_500_000_000)
	msg, err := UnpackWCMessage(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.OriginalOriginate == nil {
		t.Fatal("expected the non-normalised encoding to be preserved")
	}
	if !bytes.Equal(msg.Pack()[8:16], raw[8:16]) {
		t.Error("originate field not echoed byte-identical")
	}
}

func TestPrecisionEncoding(t *testing.T) {
	msg := &WCMessage{}
	msg.SetPrecision(0.001)
	if msg.Precision != -9 {
		t.Errorf("expected ceil(log2(0.001)) = -9, got %d", msg.Precision)
	}
	if got := msg.PrecisionSecs(); math.Abs(got-math.Pow(2, -9)) > 1e-15 {
		t.Errorf("expected 2^-9 secs, got %v", got)
	}
	msg.SetMaxFreqErrorPpm(50)
	if msg.MaxFreqError != 12800 {
		t.Errorf("expected 12800 units of 1/256 ppm, got %d", msg.MaxFreqError)
	}
	if got := msg.MaxFreqErrorPpm(); got != 50 {
		t.Errorf("expected 50 ppm, got %v", got)
	}
}

func TestCandidateFromScenario(t *testing.T) {
	// server stamps t2/t3 and replies; client receives at t4
	msg := &WCMessage{
		Type:           WCTypeResponse,
		OriginateNanos: 116_012_000_000,
		ReceiveNanos:   116_012_500_000,
		TransmitNanos:  116_013_000_000,
	}
	cand, err := NewCandidate(msg, 116_020_000_000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cand.Offset != -3_250_000 {
		t.Errorf("expected offset -3250000 ns, got %d", cand.Offset)
	}
	if cand.RTT != 7_500_000 {
		t.Errorf("expected rtt 7500000 ns, got %d", cand.RTT)
	}
}

func TestCandidateFormula(t *testing.T) {
	cases := []struct{ t1, t2, t3, t4 int64 }{
		{0, 0, 0, 0},
		{1000, 2000, 2500, 3000},
		{10, 5, 6, 30},
		{1 << 40, 1<<40 + 7, 1<<40 + 9, 1<<40 + 100},
	}
	for _, c := range cases {
		msg := &WCMessage{Type: WCTypeFollowUp, OriginateNanos: c.t1, ReceiveNanos: c.t2, TransmitNanos: c.t3}
		cand, err := NewCandidate(msg, c.t4)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if want := ((c.t3 + c.t2) - (c.t4 + c.t1)) / 2; cand.Offset != want {
			t.Errorf("offset for %+v: expected %d, got %d", c, want, cand.Offset)
		}
		if want := (c.t4 - c.t1) - (c.t3 - c.t2); cand.RTT != want {
			t.Errorf("rtt for %+v: expected %d, got %d", c, want, cand.RTT)
		}
	}
}

func TestCandidateRejectsRequest(t *testing.T) {
	if _, err := NewCandidate(&WCMessage{Type: WCTypeRequest}, 0); err == nil {
		t.Error("expected error deriving a candidate from a request")
	}
}

func TestCandidateCorrelationFor(t *testing.T) {
	sys := clock.NewSysClock(1e9, 0)
	wall := clock.NewCorrelatedClock(sys, 1e9, clock.Correlation{})

	msg := &WCMessage{
		Type:           WCTypeResponse,
		Precision:      -10,
		MaxFreqError:   256 * 50,
		OriginateNanos: 1000,
		ReceiveNanos:   2000,
		TransmitNanos:  2000,
	}
	cand, err := NewCandidate(msg, 3000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	corr := cand.CorrelationFor(wall, 50)

	if corr.ParentTicks != 2000 {
		t.Errorf("expected parent anchor at the exchange midpoint 2000, got %v", corr.ParentTicks)
	}
	if corr.ChildTicks != 2000 {
		t.Errorf("expected child anchor 2000, got %v", corr.ChildTicks)
	}
	// rtt = 2000ns; both sides at 50ppm over their measurement windows
	wantErr := math.Pow(2, -10) + (1000+50e-6*2000+50e-6*0)/1e9
	if math.Abs(corr.InitialError-wantErr) > 1e-15 {
		t.Errorf("expected initial error %v, got %v", wantErr, corr.InitialError)
	}
	if math.Abs(corr.ErrorGrowthRate-100e-6) > 1e-15 {
		t.Errorf("expected growth rate 100ppm as a fraction, got %v", corr.ErrorGrowthRate)
	}
}
