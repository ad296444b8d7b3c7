// ABOUTME: Tests for the TS server, timeline sources and client controller
// ABOUTME: Covers stem matching, availability flips and clock control end to end
package ts

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/csync-protocol/csync-go/pkg/clock"
	"github.com/csync-protocol/csync-go/pkg/endpoint"
	"github.com/csync-protocol/csync-go/pkg/protocol"
)

func TestCIMatchesStem(t *testing.T) {
	cases := []struct {
		contentID string
		stem      string
		want      bool
	}{
		{"dvb://233a.1004.1044;abc", "dvb://233a.1004.1044", true},
		{"dvb://233a.1004.1044;abc", "dvb://233a.1004", true},
		{"dvb://233a.1004.1044;abc", "dvb://233a.1004.1044;abc", true},
		{"dvb://233a.1004.1044;abc", "", true},
		{"dvb://233a.1004.1044;abc", "dvb://233a.1004.10", false},
		{"dvb://233a.1004.1044;abc", "http://other", false},
		{"http://a/b/c", "http://a/b", true},
		{"http://a/bc", "http://a/b", false},
		{"http://a/b/", "http://a/b/", true},
	}
	for _, c := range cases {
		if got := CIMatchesStem(c.contentID, c.stem); got != c.want {
			t.Errorf("CIMatchesStem(%q, %q): expected %v, got %v", c.contentID, c.stem, got, c.want)
		}
	}
}

// frozenTimeline builds a wall clock frozen at wallTicks with a child
// timeline clock frozen at contentTicks, for deterministic timestamps.
func frozenTimeline(wallTicks, contentTicks float64, tickRate float64) (*clock.CorrelatedClock, *clock.CorrelatedClock) {
	sys := clock.NewSysClock(1e9, 0)
	wall := clock.NewCorrelatedClock(sys, 1e9, clock.Correlation{ChildTicks: wallTicks, ParentTicks: sys.Ticks()})
	wall.SetSpeed(0)
	timeline := clock.NewCorrelatedClock(wall, tickRate, clock.Correlation{ParentTicks: wallTicks, ChildTicks: contentTicks})
	return wall, timeline
}

func TestSimpleClockTimelineSource(t *testing.T) {
	wall, timeline := frozenTimeline(5_000_000_000, 450_000, 90000)
	src := NewSimpleClockTimelineSource(SimpleClockTimelineSourceConfig{
		TimelineSelector: "urn:dvb:css:timeline:pts",
		WallClock:        wall,
		Clock:            timeline,
	})

	if !src.RecognisesTimelineSelector("urn:dvb:css:timeline:pts") {
		t.Error("expected the configured selector to be recognised")
	}
	if src.RecognisesTimelineSelector("urn:dvb:css:timeline:temi:1:1") {
		t.Error("unexpected selector recognised")
	}

	ct := src.ControlTimestamp("urn:dvb:css:timeline:pts")
	if ct == nil || !ct.Available() {
		t.Fatalf("expected an available timestamp, got %+v", ct)
	}
	if *ct.ContentTime != 450_000 {
		t.Errorf("expected contentTime 450000, got %v", *ct.ContentTime)
	}
	if nanos, _ := ct.WallClockTime.NanosInt(); nanos != 5_000_000_000 {
		t.Errorf("expected wallClockTime 5e9, got %v", nanos)
	}
	// the speed multiplier is the timeline clock's own speed property
	if *ct.TimelineSpeedMultiplier != 1.0 {
		t.Errorf("expected speed 1.0, got %v", *ct.TimelineSpeedMultiplier)
	}

	// an unavailable clock yields a null timestamp
	src.Notify(timeline)
	timeline.SetAvailability(false)
	ct = src.ControlTimestamp("urn:dvb:css:timeline:pts")
	if ct.Available() {
		t.Error("expected unavailable timestamp after the clock became unavailable")
	}
}

func TestSimpleClockTimelineSourceSpeedSource(t *testing.T) {
	wall, timeline := frozenTimeline(1_000_000_000, 0, 90000)
	speedClock := clock.NewCorrelatedClock(wall, 1000, clock.Correlation{})
	speedClock.SetSpeed(2.0)
	src := NewSimpleClockTimelineSource(SimpleClockTimelineSourceConfig{
		TimelineSelector: "urn:dvb:css:timeline:pts",
		WallClock:        wall,
		Clock:            timeline,
		SpeedSource:      speedClock,
	})
	ct := src.ControlTimestamp("urn:dvb:css:timeline:pts")
	if *ct.TimelineSpeedMultiplier != 2.0 {
		t.Errorf("expected the speed source's speed, got %v", *ct.TimelineSpeedMultiplier)
	}
}

func TestMeaningfulChangeThreshold(t *testing.T) {
	wall, timeline := frozenTimeline(0, 0, 1000)
	src := NewSimpleClockTimelineSource(SimpleClockTimelineSourceConfig{
		TimelineSelector:    "urn:test",
		WallClock:           wall,
		Clock:               timeline,
		ChangeThresholdSecs: 0.01,
	})

	base := &protocol.ControlTimestamp{
		Timestamp: protocol.Timestamp{
			ContentTime:   protocol.Int64Ref(1000),
			WallClockTime: protocol.WallTimeOf(1_000_000_000),
		},
		TimelineSpeedMultiplier: protocol.Float64Ref(1.0),
	}
	// one second later on both scales: same mapping, below threshold
	same := &protocol.ControlTimestamp{
		Timestamp: protocol.Timestamp{
			ContentTime:   protocol.Int64Ref(2000),
			WallClockTime: protocol.WallTimeOf(2_000_000_000),
		},
		TimelineSpeedMultiplier: protocol.Float64Ref(1.0),
	}
	if src.MeaningfulChange(base, same) {
		t.Error("an equivalent mapping should not be meaningful")
	}
	// the timeline shifted by 50ms against the wall clock
	shifted := &protocol.ControlTimestamp{
		Timestamp: protocol.Timestamp{
			ContentTime:   protocol.Int64Ref(2050),
			WallClockTime: protocol.WallTimeOf(2_000_000_000),
		},
		TimelineSpeedMultiplier: protocol.Float64Ref(1.0),
	}
	if !src.MeaningfulChange(base, shifted) {
		t.Error("a 50ms shift should be meaningful against a 10ms threshold")
	}
	// speed changes are always meaningful
	paused := &protocol.ControlTimestamp{
		Timestamp: protocol.Timestamp{
			ContentTime:   protocol.Int64Ref(1000),
			WallClockTime: protocol.WallTimeOf(1_000_000_000),
		},
		TimelineSpeedMultiplier: protocol.Float64Ref(0.0),
	}
	if !src.MeaningfulChange(base, paused) {
		t.Error("a speed change should be meaningful")
	}
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func readControlTimestamp(t *testing.T, conn *websocket.Conn) *protocol.ControlTimestamp {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	ct, err := protocol.UnpackControlTimestamp(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return ct
}

func TestServerTimelineSelection(t *testing.T) {
	const contentID = "dvb://233a.1004.1044;abc"
	const selector = "urn:dvb:css:timeline:pts"

	wall, timeline := frozenTimeline(7_000_000_000, 634_000, 90000)
	server := NewServer(contentID, wall, -1)
	server.AttachTimelineSource(NewSimpleClockTimelineSource(SimpleClockTimelineSourceConfig{
		TimelineSelector: selector,
		WallClock:        wall,
		Clock:            timeline,
	}))
	ts := httptest.NewServer(server.Endpoint())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	setup := &protocol.SetupData{ContentIDStem: "dvb://233a.1004.1044", TimelineSelector: selector}
	payload, _ := setup.Pack()
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	ct := readControlTimestamp(t, conn)
	if !ct.Available() {
		t.Fatal("expected the timeline to be available")
	}
	if *ct.ContentTime != 634_000 {
		t.Errorf("expected contentTime 634000, got %v", *ct.ContentTime)
	}

	// a content id the stem no longer matches makes the timeline
	// unavailable immediately
	server.SetContentID("http://other")
	ct = readControlTimestamp(t, conn)
	if ct.Available() {
		t.Error("expected a null control timestamp after the content changed")
	}
	if ct.TimelineSpeedMultiplier != nil {
		t.Error("expected a null speed multiplier")
	}
}

func TestServerUnknownSelectorIsUnavailable(t *testing.T) {
	wall, _ := frozenTimeline(1_000_000_000, 0, 1000)
	server := NewServer("dvb://a", wall, -1)
	ts := httptest.NewServer(server.Endpoint())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	setup := &protocol.SetupData{ContentIDStem: "dvb://a", TimelineSelector: "urn:nobody:serves:this"}
	payload, _ := setup.Pack()
	_ = conn.WriteMessage(websocket.TextMessage, payload)

	ct := readControlTimestamp(t, conn)
	if ct.Available() {
		t.Error("expected an unavailable timeline for an unknown selector")
	}
}

func TestServerSelectorRefcounts(t *testing.T) {
	wall, timeline := frozenTimeline(1_000_000_000, 0, 1000)

	needed := make(chan string, 4)
	notNeeded := make(chan string, 4)
	src := &notifyingSource{
		SimpleClockTimelineSource: NewSimpleClockTimelineSource(SimpleClockTimelineSourceConfig{
			TimelineSelector: "urn:test",
			WallClock:        wall,
			Clock:            timeline,
		}),
		needed:    needed,
		notNeeded: notNeeded,
	}

	server := NewServer("dvb://a", wall, -1)
	server.AttachTimelineSource(src)
	ts := httptest.NewServer(server.Endpoint())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	setup := &protocol.SetupData{ContentIDStem: "", TimelineSelector: "urn:test"}
	payload, _ := setup.Pack()
	_ = conn.WriteMessage(websocket.TextMessage, payload)

	select {
	case sel := <-needed:
		if sel != "urn:test" {
			t.Errorf("unexpected selector needed: %q", sel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("source never told the selector was needed")
	}

	_ = conn.Close()
	select {
	case sel := <-notNeeded:
		if sel != "urn:test" {
			t.Errorf("unexpected selector released: %q", sel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("source never told the selector was released")
	}
}

type notifyingSource struct {
	*SimpleClockTimelineSource
	needed    chan string
	notNeeded chan string
}

func (s *notifyingSource) TimelineSelectorNeeded(sel string)    { s.needed <- sel }
func (s *notifyingSource) TimelineSelectorNotNeeded(sel string) { s.notNeeded <- sel }

func TestClientControlsTimelineClock(t *testing.T) {
	const selector = "urn:dvb:css:timeline:pts"
	wall, timeline := frozenTimeline(9_000_000_000, 90_000, 90000)
	server := NewServer("dvb://233a.1004.1044;abc", wall, -1)
	server.AttachTimelineSource(NewSimpleClockTimelineSource(SimpleClockTimelineSourceConfig{
		TimelineSelector:  selector,
		WallClock:         wall,
		Clock:             timeline,
		AutoUpdateClients: true,
	}))
	ts := httptest.NewServer(server.Endpoint())
	defer ts.Close()

	// client-side clocks: its own wall clock estimate and timeline clock
	sys := clock.NewSysClock(1e9, 0)
	clientWall := clock.NewCorrelatedClock(sys, 1e9, clock.Correlation{})
	clientTimeline := clock.NewCorrelatedClock(clientWall, 90000, clock.Correlation{})
	clientTimeline.SetAvailability(false)

	available := make(chan struct{}, 1)
	unavailable := make(chan struct{}, 1)
	client := NewClient(ClientConfig{
		URL:              wsURL(ts),
		ContentIDStem:    "dvb://233a.1004.1044",
		TimelineSelector: selector,
		TimelineClock:    clientTimeline,
	})
	client.OnTimelineAvailable = func() { available <- struct{}{} }
	client.OnTimelineUnavailable = func() { unavailable <- struct{}{} }
	if err := client.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer client.Disconnect()

	select {
	case <-available:
	case <-time.After(2 * time.Second):
		t.Fatal("timeline never became available")
	}
	if !clientTimeline.IsAvailable() {
		t.Error("expected the timeline clock to be available")
	}
	corr := clientTimeline.Correlation()
	if corr.ParentTicks != 9_000_000_000 || corr.ChildTicks != 90_000 {
		t.Errorf("unexpected correlation installed: %v", corr)
	}
	if clientTimeline.Speed() != 1.0 {
		t.Errorf("expected speed 1.0 installed, got %v", clientTimeline.Speed())
	}

	// content change makes the timeline unavailable again
	server.SetContentID("http://other")
	select {
	case <-unavailable:
	case <-time.After(2 * time.Second):
		t.Fatal("timeline never became unavailable")
	}
	if clientTimeline.IsAvailable() {
		t.Error("expected the timeline clock to be unavailable")
	}
}

func TestClientSendAptEptLpt(t *testing.T) {
	wall, timeline := frozenTimeline(1_000_000_000, 500, 1000)
	server := NewServer("dvb://a", wall, -1)
	server.AttachTimelineSource(NewSimpleClockTimelineSource(SimpleClockTimelineSourceConfig{
		TimelineSelector: "urn:test",
		WallClock:        wall,
		Clock:            timeline,
	}))
	received := make(chan *protocol.AptEptLpt, 1)
	server.OnClientAptEptLpt = func(conn *endpoint.Conn, timings *protocol.AptEptLpt) {
		select {
		case received <- timings:
		default:
		}
	}
	ts := httptest.NewServer(server.Endpoint())
	defer ts.Close()

	sys := clock.NewSysClock(1e9, 0)
	clientWall := clock.NewCorrelatedClock(sys, 1e9, clock.Correlation{})
	clientTimeline := clock.NewCorrelatedClock(clientWall, 1000, clock.Correlation{})
	clientTimeline.SetAvailability(false)

	client := NewClient(ClientConfig{
		URL:              wsURL(ts),
		ContentIDStem:    "dvb://a",
		TimelineSelector: "urn:test",
		TimelineClock:    clientTimeline,
	})
	if err := client.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer client.Disconnect()

	if err := client.SendAptEptLpt(false); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	select {
	case timings := <-received:
		if timings.Actual.IsSet() {
			t.Error("expected no actual timestamp when not requested")
		}
		if !timings.Earliest.WallClockTime.IsMinusInfinity() {
			t.Errorf("expected unconstrained earliest, got %v", timings.Earliest.WallClockTime)
		}
		if !timings.Latest.WallClockTime.IsPlusInfinity() {
			t.Errorf("expected unconstrained latest, got %v", timings.Latest.WallClockTime)
		}
		if stored := server.AptEptLptFor(server.Endpoint().Connections()[0]); stored == nil {
			t.Error("expected the report to be stored against the connection")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the report")
	}
}
