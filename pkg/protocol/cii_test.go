// ABOUTME: Tests for the CII schema: omit/null semantics, diffing, validation
// ABOUTME: Includes the diff-idempotence property the push protocol relies on
package protocol

import (
	"encoding/json"
	"slices"
	"strings"
	"testing"
)

func TestCIIUnpack(t *testing.T) {
	jsonMsg := `{
		"protocolVersion": "1.1",
		"contentId": "dvb://1234.5678.01ab",
		"contentIdStatus": "partial"
	}`
	cii, err := UnpackCII([]byte(jsonMsg))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v, ok := cii.ContentID.Value(); !ok || v != "dvb://1234.5678.01ab" {
		t.Errorf("unexpected contentId: %v %v", v, ok)
	}
	if cii.MrsURL.IsSet() {
		t.Error("expected mrsUrl omitted")
	}
	got := cii.DefinedProperties()
	want := []string{"protocolVersion", "contentId", "contentIdStatus"}
	if !slices.Equal(got, want) {
		t.Errorf("expected defined properties %v, got %v", want, got)
	}
}

func TestCIIOmitVersusNull(t *testing.T) {
	cii := &CII{
		ContentID: Null[string](),
	}
	packed, err := cii.Pack()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(packed) != `{"contentId":null}` {
		t.Errorf("unexpected serialisation: %s", packed)
	}

	back, err := UnpackCII(packed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !back.ContentID.IsNull() {
		t.Error("expected null contentId to survive the round trip")
	}
	if back.TsURL.IsSet() {
		t.Error("expected absent tsUrl to decode as omitted")
	}
}

func TestCIIPresentationStatusWireForm(t *testing.T) {
	cii := &CII{
		PresentationStatus: Set(PresentationStatus{"okay", "muted"}),
	}
	packed, err := cii.Pack()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(packed) != `{"presentationStatus":"okay muted"}` {
		t.Errorf("unexpected serialisation: %s", packed)
	}
	back, err := UnpackCII(packed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	status, _ := back.PresentationStatus.Value()
	if !slices.Equal(status, []string{"okay", "muted"}) {
		t.Errorf("unexpected tokens: %v", status)
	}
}

func TestCIIRejectsBadPresentationStatus(t *testing.T) {
	if _, err := UnpackCII([]byte(`{"presentationStatus":"paused"}`)); err == nil {
		t.Error("expected unknown primary aspect to be rejected")
	}
	cii := &CII{PresentationStatus: Set(PresentationStatus{"bogus"})}
	if _, err := cii.Pack(); err == nil {
		t.Error("expected packing a bad presentation status to fail")
	}
}

func TestCIIRejectsBadContentIDStatus(t *testing.T) {
	if _, err := UnpackCII([]byte(`{"contentIdStatus":"maybe"}`)); err == nil {
		t.Error("expected unknown contentIdStatus to be rejected")
	}
}

func TestCIIDiff(t *testing.T) {
	old := &CII{
		ContentID:          Set("dvb://A"),
		PresentationStatus: Set(PresentationStatus{"okay"}),
	}
	latest := &CII{
		ContentID:          Set("dvb://A"),
		PresentationStatus: Set(PresentationStatus{"transitioning"}),
	}
	diff := DiffCII(old, latest)
	props := diff.DefinedProperties()
	if !slices.Equal(props, []string{"presentationStatus"}) {
		t.Errorf("expected only presentationStatus in the diff, got %v", props)
	}
	status, _ := diff.PresentationStatus.Value()
	if !slices.Equal(status, []string{"transitioning"}) {
		t.Errorf("unexpected diff value: %v", status)
	}
}

func TestCIIDiffIdempotence(t *testing.T) {
	state := &CII{
		ProtocolVersion: Set(CIIProtocolVersion),
		ContentID:       Set("dvb://233a.1004.1044"),
		ContentIDStatus: Set(ContentIDStatusPartial),
		WcURL:           Set("udp://192.168.1.5:6677"),
	}
	next := &CII{
		ProtocolVersion:    Set(CIIProtocolVersion),
		ContentID:          Set("dvb://233a.1004.1080"),
		ContentIDStatus:    Set(ContentIDStatusFinal),
		WcURL:              Set("udp://192.168.1.5:6677"),
		PresentationStatus: Set(PresentationStatus{"okay"}),
	}
	patched := state.Combine(DiffCII(state, next))
	if diff := DiffCII(patched, next); len(diff.DefinedProperties()) != 0 {
		t.Errorf("applying a diff did not reproduce the target state; residual %v", diff.DefinedProperties())
	}
}

func TestCIICopyIsDeep(t *testing.T) {
	orig := &CII{
		PresentationStatus: Set(PresentationStatus{"okay"}),
		Timelines: Set([]TimelineOption{{
			TimelineSelector: "urn:dvb:css:timeline:pts",
			UnitsPerTick:     1,
			UnitsPerSecond:   90000,
		}}),
	}
	dup := orig.Copy()
	status, _ := dup.PresentationStatus.Value()
	status[0] = "fault"
	timelines, _ := dup.Timelines.Value()
	timelines[0].TimelineSelector = "changed"

	origStatus, _ := orig.PresentationStatus.Value()
	if origStatus[0] != "okay" {
		t.Error("copy shares presentationStatus backing array")
	}
	origTimelines, _ := orig.Timelines.Value()
	if origTimelines[0].TimelineSelector != "urn:dvb:css:timeline:pts" {
		t.Error("copy shares timelines backing array")
	}
}

func TestTimelineOptionWireShape(t *testing.T) {
	opt := TimelineOption{
		TimelineSelector: "urn:dvb:css:timeline:pts",
		UnitsPerTick:     1,
		UnitsPerSecond:   90000,
	}
	data, err := json.Marshal(opt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// tick rate fields nest under timelineProperties
	if !strings.Contains(string(data), `"timelineProperties":{"unitsPerTick":1,"unitsPerSecond":90000}`) {
		t.Errorf("unexpected wire shape: %s", data)
	}

	var back TimelineOption
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !back.Equal(opt) {
		t.Errorf("round trip mismatch: %+v != %+v", back, opt)
	}
	if back.TickRate() != 90000 {
		t.Errorf("expected tick rate 90000, got %v", back.TickRate())
	}
}

func TestTimelineOptionMissingFields(t *testing.T) {
	var opt TimelineOption
	err := json.Unmarshal([]byte(`{"timelineSelector":"x"}`), &opt)
	if err == nil {
		t.Error("expected error for missing timelineProperties")
	}
}

func TestCIIUpdateLeavesOmittedAlone(t *testing.T) {
	state := &CII{
		ContentID: Set("dvb://A"),
		TsURL:     Set("ws://1.2.3.4/ts"),
	}
	state.Update(&CII{ContentID: Set("dvb://B")})
	if v, _ := state.TsURL.Value(); v != "ws://1.2.3.4/ts" {
		t.Errorf("update clobbered an omitted property: %v", v)
	}
	if v, _ := state.ContentID.Value(); v != "dvb://B" {
		t.Errorf("update failed to apply: %v", v)
	}
}
