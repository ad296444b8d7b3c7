// ABOUTME: Timeline source implementations: fixed timestamps and clock-backed
// ABOUTME: Clock-backed source mirrors clock availability and can auto-push
package ts

import (
	"math"
	"sync"

	"github.com/csync-protocol/csync-go/pkg/clock"
	"github.com/csync-protocol/csync-go/pkg/protocol"
)

// SimpleTimelineSource serves a manually-set control timestamp for one
// exact timeline selector.
type SimpleTimelineSource struct {
	BaseTimelineSource
	selector string

	mu sync.Mutex
	ct *protocol.ControlTimestamp
}

// NewSimpleTimelineSource creates the source with its initial control
// timestamp.
func NewSimpleTimelineSource(selector string, ct *protocol.ControlTimestamp) *SimpleTimelineSource {
	return &SimpleTimelineSource{selector: selector, ct: ct}
}

// SetControlTimestamp replaces the timestamp served to clients. Call
// UpdateAllClients on the server (or use auto-updating sources) to push
// it out.
func (s *SimpleTimelineSource) SetControlTimestamp(ct *protocol.ControlTimestamp) {
	s.mu.Lock()
	s.ct = ct
	s.mu.Unlock()
}

func (s *SimpleTimelineSource) RecognisesTimelineSelector(selector string) bool {
	return s.selector == selector
}

func (s *SimpleTimelineSource) ControlTimestamp(selector string) *protocol.ControlTimestamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ct
}

// SimpleClockTimelineSource serves a timeline backed by a clock object.
// The control timestamp reflects the clock's current correlation to the
// wall clock; the clock's availability maps to timeline availability.
//
// The timeline speed is read from the clock's own speed property unless
// a separate speed source clock is set (useful when one parent clock
// carries the timeline progress and several children express it on
// different scales).
//
// With auto-updating enabled the source binds to its clocks and pushes
// new control timestamps to all attached servers whenever a clock
// changes. Use with caution when several sources share a driving clock:
// each will push on every change.
type SimpleClockTimelineSource struct {
	BaseTimelineSource
	selector    string
	wallClock   clock.Clock
	clock       clock.Clock
	speedSource clock.Clock
	autoUpdate  bool

	// ChangeThresholdSecs suppresses pushes for timestamp changes that
	// move the timeline mapping by less than this many seconds. Zero
	// means every change is meaningful.
	ChangeThresholdSecs float64

	mu       sync.Mutex
	changed  bool
	latestCt *protocol.ControlTimestamp
}

// SimpleClockTimelineSourceConfig configures a clock timeline source.
type SimpleClockTimelineSourceConfig struct {
	TimelineSelector string
	WallClock        clock.Clock
	Clock            clock.Clock
	// SpeedSource, if set, is the clock whose speed property becomes
	// the timelineSpeedMultiplier instead of Clock's.
	SpeedSource clock.Clock
	// AutoUpdateClients pushes to attached servers on clock changes.
	AutoUpdateClients bool
	// ChangeThresholdSecs: see SimpleClockTimelineSource.
	ChangeThresholdSecs float64
}

// NewSimpleClockTimelineSource creates the source.
func NewSimpleClockTimelineSource(config SimpleClockTimelineSourceConfig) *SimpleClockTimelineSource {
	speedSource := config.SpeedSource
	if speedSource == nil {
		speedSource = config.Clock
	}
	return &SimpleClockTimelineSource{
		selector:            config.TimelineSelector,
		wallClock:           config.WallClock,
		clock:               config.Clock,
		speedSource:         speedSource,
		autoUpdate:          config.AutoUpdateClients,
		ChangeThresholdSecs: config.ChangeThresholdSecs,
		changed:             true,
	}
}

// AttachSink binds to the clocks when the first sink arrives.
func (s *SimpleClockTimelineSource) AttachSink(sink Sink) {
	s.BaseTimelineSource.AttachSink(sink)
	if s.SinkCount() == 1 {
		s.clock.Bind(s)
		s.wallClock.Bind(s)
		if s.speedSource != s.clock {
			s.speedSource.Bind(s)
		}
	}
}

// RemoveSink unbinds from the clocks when the last sink leaves.
func (s *SimpleClockTimelineSource) RemoveSink(sink Sink) {
	s.BaseTimelineSource.RemoveSink(sink)
	if s.SinkCount() == 0 {
		s.clock.Unbind(s)
		s.wallClock.Unbind(s)
		if s.speedSource != s.clock {
			s.speedSource.Unbind(s)
		}
	}
}

// Notify implements clock.Dependent: one of the clocks changed.
func (s *SimpleClockTimelineSource) Notify(cause clock.Clock) {
	s.mu.Lock()
	s.changed = true
	s.mu.Unlock()
	if s.autoUpdate {
		for _, sink := range s.Sinks() {
			sink.UpdateAllClients()
		}
	}
}

func (s *SimpleClockTimelineSource) RecognisesTimelineSelector(selector string) bool {
	return s.selector == selector
}

func (s *SimpleClockTimelineSource) ControlTimestamp(selector string) *protocol.ControlTimestamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.changed {
		s.changed = false
		if s.clock.IsAvailable() {
			s.latestCt = &protocol.ControlTimestamp{
				Timestamp: protocol.Timestamp{
					ContentTime:   protocol.Int64Ref(int64(s.clock.Ticks())),
					WallClockTime: protocol.WallTimeOf(int64(s.wallClock.Ticks())),
				},
				TimelineSpeedMultiplier: protocol.Float64Ref(s.speedSource.Speed()),
			}
		} else {
			s.latestCt = &protocol.ControlTimestamp{
				Timestamp: protocol.Timestamp{
					WallClockTime: protocol.WallTimeOf(int64(s.wallClock.Ticks())),
				},
			}
		}
	}
	return s.latestCt
}

// MeaningfulChange applies the configured threshold: the mapping
// between timeline and wall clock must have moved by more than the
// threshold, or the speed or availability changed.
func (s *SimpleClockTimelineSource) MeaningfulChange(prev, latest *protocol.ControlTimestamp) bool {
	if !protocol.IsControlTimestampChanged(prev, latest) {
		return false
	}
	if s.ChangeThresholdSecs <= 0 || prev == nil || !prev.Available() || !latest.Available() {
		return true
	}
	if *prev.TimelineSpeedMultiplier != *latest.TimelineSpeedMultiplier {
		return true
	}
	// shift of the timeline relative to the wall clock, in seconds
	contentDelta := float64(*latest.ContentTime-*prev.ContentTime) / s.clock.TickRate()
	wallDelta := (latest.WallClockTime.Nanos() - prev.WallClockTime.Nanos()) / 1e9
	return math.Abs(contentDelta-wallDelta*(*latest.TimelineSpeedMultiplier)) > s.ChangeThresholdSecs
}
