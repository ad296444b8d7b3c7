// ABOUTME: Timeline synchronisation message schemas: SetupData, ControlTimestamp, AptEptLpt
// ABOUTME: Timestamps relate content timeline positions to wall clock times
package protocol

import (
	"encoding/json"
	"fmt"
	"math"
)

// SetupData is the first message a TS client sends after connecting. It
// selects the timeline the client wants by content id stem and timeline
// selector.
type SetupData struct {
	ContentIDStem    string  `json:"contentIdStem"`
	TimelineSelector string  `json:"timelineSelector"`
	Private          Private `json:"private,omitempty"`
}

// Pack serialises the message.
func (s *SetupData) Pack() ([]byte, error) {
	if err := s.Private.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

// UnpackSetupData parses and validates a received SetupData message.
func UnpackSetupData(data []byte) (*SetupData, error) {
	var w struct {
		ContentIDStem    *string `json:"contentIdStem"`
		TimelineSelector *string `json:"timelineSelector"`
		Private          Private `json:"private"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: setup data: %v", ErrBadMessage, err)
	}
	if w.ContentIDStem == nil || w.TimelineSelector == nil {
		return nil, fmt.Errorf("%w: setup data is missing required fields", ErrBadMessage)
	}
	s := &SetupData{ContentIDStem: *w.ContentIDStem, TimelineSelector: *w.TimelineSelector, Private: w.Private}
	if err := s.Private.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Copy duplicates the setup data (private data is shared, not cloned).
func (s *SetupData) Copy() *SetupData {
	dup := *s
	return &dup
}

// Timestamp relates a content timeline position to a wall clock time.
// A nil ContentTime means the timeline position is unknown (the
// timeline is unavailable).
type Timestamp struct {
	ContentTime   *Int64String `json:"contentTime"`
	WallClockTime WallTime     `json:"wallClockTime"`
}

// Copy duplicates the timestamp.
func (t Timestamp) Copy() Timestamp {
	if t.ContentTime != nil {
		ct := *t.ContentTime
		t.ContentTime = &ct
	}
	return t
}

// ControlTimestamp is pushed by a TS server to describe the current
// relationship between the selected timeline and the wall clock. A null
// contentTime together with a null timelineSpeedMultiplier signals that
// the timeline is unavailable; the two must be null together.
type ControlTimestamp struct {
	Timestamp
	TimelineSpeedMultiplier *float64 `json:"timelineSpeedMultiplier"`
}

// Available reports whether this control timestamp describes an
// available timeline.
func (ct *ControlTimestamp) Available() bool {
	return ct.ContentTime != nil
}

// Validate checks the null-pairing and finiteness rules.
func (ct *ControlTimestamp) Validate() error {
	if (ct.ContentTime == nil) != (ct.TimelineSpeedMultiplier == nil) {
		return fmt.Errorf("%w: contentTime and timelineSpeedMultiplier must be null together", ErrBadMessage)
	}
	if !ct.WallClockTime.IsFinite() {
		return fmt.Errorf("%w: control timestamp wallClockTime must be finite", ErrBadMessage)
	}
	if ct.TimelineSpeedMultiplier != nil {
		if v := *ct.TimelineSpeedMultiplier; math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: timelineSpeedMultiplier must be a finite number", ErrBadMessage)
		}
	}
	return nil
}

// Pack serialises the message, validating it first.
func (ct *ControlTimestamp) Pack() ([]byte, error) {
	if err := ct.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(ct)
}

// UnpackControlTimestamp parses and validates a received Control
// Timestamp message.
func UnpackControlTimestamp(data []byte) (*ControlTimestamp, error) {
	var w struct {
		ContentTime             *Int64String `json:"contentTime"`
		WallClockTime           *WallTime    `json:"wallClockTime"`
		TimelineSpeedMultiplier *float64     `json:"timelineSpeedMultiplier"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: control timestamp: %v", ErrBadMessage, err)
	}
	if w.WallClockTime == nil {
		return nil, fmt.Errorf("%w: control timestamp wallClockTime must not be null", ErrBadMessage)
	}
	ct := &ControlTimestamp{
		Timestamp:               Timestamp{ContentTime: w.ContentTime, WallClockTime: *w.WallClockTime},
		TimelineSpeedMultiplier: w.TimelineSpeedMultiplier,
	}
	if err := ct.Validate(); err != nil {
		return nil, err
	}
	return ct, nil
}

// Copy returns a deep copy of this control timestamp.
func (ct *ControlTimestamp) Copy() *ControlTimestamp {
	dup := &ControlTimestamp{Timestamp: ct.Timestamp.Copy()}
	if ct.TimelineSpeedMultiplier != nil {
		v := *ct.TimelineSpeedMultiplier
		dup.TimelineSpeedMultiplier = &v
	}
	return dup
}

// IsControlTimestampChanged reports whether latest differs from prev in
// any property. Two timestamps that both say "unavailable" are treated
// as unchanged regardless of their wall clock times.
func IsControlTimestampChanged(prev, latest *ControlTimestamp) bool {
	if latest == nil {
		return false
	}
	if prev == nil {
		return true
	}
	if prev.ContentTime == nil && latest.ContentTime == nil {
		return false
	}
	if (prev.ContentTime == nil) != (latest.ContentTime == nil) {
		return true
	}
	if *prev.ContentTime != *latest.ContentTime {
		return true
	}
	if prev.WallClockTime != latest.WallClockTime {
		return true
	}
	if (prev.TimelineSpeedMultiplier == nil) != (latest.TimelineSpeedMultiplier == nil) {
		return true
	}
	if prev.TimelineSpeedMultiplier != nil && *prev.TimelineSpeedMultiplier != *latest.TimelineSpeedMultiplier {
		return true
	}
	return false
}

// AptEptLpt reports a client's actual, earliest and latest achievable
// presentation timings. The earliest timing's wall clock time may be
// "minusinfinity" and the latest's "plusinfinity"; the actual timing
// must be finite.
type AptEptLpt struct {
	Actual   Field[Timestamp] `json:"actual,omitzero"`
	Earliest Timestamp        `json:"earliest"`
	Latest   Timestamp        `json:"latest"`
}

// Validate checks the finiteness rules per timestamp role.
func (a *AptEptLpt) Validate() error {
	if actual, ok := a.Actual.Value(); ok {
		if actual.ContentTime == nil {
			return fmt.Errorf("%w: actual contentTime must not be null", ErrBadMessage)
		}
		if !actual.WallClockTime.IsFinite() {
			return fmt.Errorf("%w: actual wallClockTime must be finite", ErrBadMessage)
		}
	} else if a.Actual.IsNull() {
		return fmt.Errorf("%w: actual must not be null", ErrBadMessage)
	}
	if a.Earliest.ContentTime == nil {
		return fmt.Errorf("%w: earliest contentTime must not be null", ErrBadMessage)
	}
	if a.Earliest.WallClockTime.IsPlusInfinity() {
		return fmt.Errorf("%w: earliest wallClockTime must not be plusinfinity", ErrBadMessage)
	}
	if a.Latest.ContentTime == nil {
		return fmt.Errorf("%w: latest contentTime must not be null", ErrBadMessage)
	}
	if a.Latest.WallClockTime.IsMinusInfinity() {
		return fmt.Errorf("%w: latest wallClockTime must not be minusinfinity", ErrBadMessage)
	}
	return nil
}

// Pack serialises the message, validating it first.
func (a *AptEptLpt) Pack() ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(a)
}

// UnpackAptEptLpt parses and validates a received AptEptLpt message.
func UnpackAptEptLpt(data []byte) (*AptEptLpt, error) {
	var a AptEptLpt
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: apt-ept-lpt: %v", ErrBadMessage, err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// Copy returns a deep copy of this message.
func (a *AptEptLpt) Copy() *AptEptLpt {
	dup := &AptEptLpt{Earliest: a.Earliest.Copy(), Latest: a.Latest.Copy()}
	if actual, ok := a.Actual.Value(); ok {
		dup.Actual = Set(actual.Copy())
	} else {
		dup.Actual = a.Actual
	}
	return dup
}
