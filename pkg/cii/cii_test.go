// ABOUTME: Tests for the CII server and client over a real websocket
// ABOUTME: Verifies initial full-state push, diff pushes and change callbacks
package cii

import (
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/csync-protocol/csync-go/pkg/protocol"
)

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func readMessage(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return data
}

func TestInitialStateSentOnConnect(t *testing.T) {
	server := NewServer(-1, &protocol.CII{
		ProtocolVersion: protocol.Set(protocol.CIIProtocolVersion),
		ContentID:       protocol.Set("dvb://233a.1004.1080"),
		ContentIDStatus: protocol.Set(protocol.ContentIDStatusPartial),
	})
	ts := httptest.NewServer(server.Endpoint())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	first, err := protocol.UnpackCII(readMessage(t, conn))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v, _ := first.ContentID.Value(); v != "dvb://233a.1004.1080" {
		t.Errorf("unexpected initial contentId %q", v)
	}
	if v, _ := first.ProtocolVersion.Value(); v != protocol.CIIProtocolVersion {
		t.Errorf("unexpected protocolVersion %q", v)
	}
}

func TestModifyPushesDiffOnly(t *testing.T) {
	server := NewServer(-1, &protocol.CII{
		ProtocolVersion: protocol.Set(protocol.CIIProtocolVersion),
		ContentID:       protocol.Set("dvb://233a.1004.1080"),
		ContentIDStatus: protocol.Set(protocol.ContentIDStatusPartial),
	})
	ts := httptest.NewServer(server.Endpoint())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	readMessage(t, conn) // initial full state

	server.Modify(func(c *protocol.CII) {
		c.ContentID = protocol.Set("dvb://233a.1004.1080;21af")
		c.ContentIDStatus = protocol.Set(protocol.ContentIDStatusFinal)
	})

	diff, err := protocol.UnpackCII(readMessage(t, conn))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	props := diff.DefinedProperties()
	if slices.Contains(props, "protocolVersion") {
		t.Errorf("diff carries unchanged properties: %v", props)
	}
	if v, _ := diff.ContentID.Value(); v != "dvb://233a.1004.1080;21af" {
		t.Errorf("unexpected contentId in diff: %q", v)
	}
	if v, _ := diff.ContentIDStatus.Value(); v != protocol.ContentIDStatusFinal {
		t.Errorf("unexpected contentIdStatus in diff: %q", v)
	}
}

func TestNoPushWhenNothingChanged(t *testing.T) {
	server := NewServer(-1, nil)
	ts := httptest.NewServer(server.Endpoint())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	readMessage(t, conn) // initial full state

	server.UpdateClients(true, false)

	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected no message for an unchanged state")
	}
}

func TestClientTracksCumulativeState(t *testing.T) {
	server := NewServer(-1, &protocol.CII{
		ProtocolVersion: protocol.Set(protocol.CIIProtocolVersion),
		ContentID:       protocol.Set("dvb://A"),
		ContentIDStatus: protocol.Set(protocol.ContentIDStatusFinal),
		TsURL:           protocol.Set("ws://192.168.1.5:7681/ts"),
	})
	ts := httptest.NewServer(server.Endpoint())
	defer ts.Close()

	client := NewClient(wsURL(ts))
	var mu sync.Mutex
	var changeSets [][]string
	client.OnChange = func(changed []string) {
		mu.Lock()
		changeSets = append(changeSets, changed)
		mu.Unlock()
	}
	if err := client.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer client.Disconnect()

	waitFor(t, "initial state", func() bool {
		v, ok := client.CII().ContentID.Value()
		return ok && v == "dvb://A"
	})

	server.Modify(func(c *protocol.CII) {
		c.ContentID = protocol.Set("dvb://B")
	})

	waitFor(t, "diff applied", func() bool {
		v, _ := client.CII().ContentID.Value()
		return v == "dvb://B"
	})

	// the diff left other properties untouched
	if v, _ := client.CII().TsURL.Value(); v != "ws://192.168.1.5:7681/ts" {
		t.Errorf("diff clobbered tsUrl: %q", v)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changeSets) < 2 {
		t.Fatalf("expected at least two change callbacks, got %d", len(changeSets))
	}
	last := changeSets[len(changeSets)-1]
	if !slices.Contains(last, "contentId") {
		t.Errorf("expected contentId in the change set, got %v", last)
	}
	if slices.Contains(last, "tsUrl") {
		t.Errorf("unchanged tsUrl reported as changed: %v", last)
	}
}

func TestClientSurvivesMalformedMessage(t *testing.T) {
	server := NewServer(-1, nil)
	ts := httptest.NewServer(server.Endpoint())
	defer ts.Close()

	client := NewClient(wsURL(ts))
	var mu sync.Mutex
	protocolErrors := 0
	client.OnProtocolError = func(string) {
		mu.Lock()
		protocolErrors++
		mu.Unlock()
	}
	if err := client.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer client.Disconnect()

	waitFor(t, "initial state", func() bool { return client.LatestCII() != nil })

	// push garbage straight to the connection
	for _, conn := range server.Endpoint().Connections() {
		conn.Send([]byte("{not json"))
	}
	waitFor(t, "protocol error", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return protocolErrors == 1
	})
	if !client.Connected() {
		t.Error("client disconnected on a malformed message")
	}
}
