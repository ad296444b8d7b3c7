// ABOUTME: CII message schema with selective-field omit semantics
// ABOUTME: Supports diffing, patching and deep copies for differential push
package protocol

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"
)

// CIIProtocolVersion is the only protocol version this implementation
// speaks.
const CIIProtocolVersion = "1.1"

// Presentation status primary aspects.
const (
	PresentationOkay          = "okay"
	PresentationTransitioning = "transitioning"
	PresentationFault         = "fault"
)

// PresentationStatus is one primary aspect token optionally followed by
// extension tokens. On the wire the tokens are joined with single
// spaces into one string.
type PresentationStatus []string

func (p PresentationStatus) MarshalJSON() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(strings.Join(p, " "))
}

func (p *PresentationStatus) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: presentationStatus must be a string: %s", ErrBadMessage, data)
	}
	parsed := PresentationStatus(strings.Split(s, " "))
	if err := parsed.Validate(); err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Validate checks the token structure: a recognised primary aspect
// first, then non-empty extension tokens.
func (p PresentationStatus) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("%w: presentationStatus is empty", ErrBadMessage)
	}
	switch p[0] {
	case PresentationOkay, PresentationTransitioning, PresentationFault:
	default:
		return fmt.Errorf("%w: presentationStatus primary aspect %q not recognised", ErrBadMessage, p[0])
	}
	for _, token := range p {
		if token == "" || strings.Contains(token, " ") {
			return fmt.Errorf("%w: presentationStatus token %q not valid", ErrBadMessage, token)
		}
	}
	return nil
}

// TimelineOption describes one timeline the TS endpoint can serve: its
// selector and the tick rate (unitsPerSecond / unitsPerTick ticks per
// second), with optional accuracy and private data.
type TimelineOption struct {
	TimelineSelector string
	UnitsPerTick     int64
	UnitsPerSecond   int64
	Accuracy         Field[float64]
	Private          Private
}

// TickRate returns the tick rate of this timeline in ticks per second.
func (o TimelineOption) TickRate() float64 {
	return float64(o.UnitsPerSecond) / float64(o.UnitsPerTick)
}

type timelineProperties struct {
	UnitsPerTick   int64          `json:"unitsPerTick"`
	UnitsPerSecond int64          `json:"unitsPerSecond"`
	Accuracy       Field[float64] `json:"accuracy,omitzero"`
}

type timelineOptionWire struct {
	TimelineSelector string             `json:"timelineSelector"`
	Properties       timelineProperties `json:"timelineProperties"`
	Private          Private            `json:"private,omitempty"`
}

func (o TimelineOption) MarshalJSON() ([]byte, error) {
	return json.Marshal(timelineOptionWire{
		TimelineSelector: o.TimelineSelector,
		Properties: timelineProperties{
			UnitsPerTick:   o.UnitsPerTick,
			UnitsPerSecond: o.UnitsPerSecond,
			Accuracy:       o.Accuracy,
		},
		Private: o.Private,
	})
}

func (o *TimelineOption) UnmarshalJSON(data []byte) error {
	var w struct {
		TimelineSelector *string `json:"timelineSelector"`
		Properties       *struct {
			UnitsPerTick   *int64         `json:"unitsPerTick"`
			UnitsPerSecond *int64         `json:"unitsPerSecond"`
			Accuracy       Field[float64] `json:"accuracy"`
		} `json:"timelineProperties"`
		Private Private `json:"private"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: timeline option: %v", ErrBadMessage, err)
	}
	if w.TimelineSelector == nil || w.Properties == nil ||
		w.Properties.UnitsPerTick == nil || w.Properties.UnitsPerSecond == nil {
		return fmt.Errorf("%w: timeline option is missing required fields", ErrBadMessage)
	}
	*o = TimelineOption{
		TimelineSelector: *w.TimelineSelector,
		UnitsPerTick:     *w.Properties.UnitsPerTick,
		UnitsPerSecond:   *w.Properties.UnitsPerSecond,
		Accuracy:         w.Properties.Accuracy,
		Private:          w.Private,
	}
	return nil
}

// Equal reports whether two timeline options are field-for-field equal.
func (o TimelineOption) Equal(other TimelineOption) bool {
	return o.TimelineSelector == other.TimelineSelector &&
		o.UnitsPerTick == other.UnitsPerTick &&
		o.UnitsPerSecond == other.UnitsPerSecond &&
		o.Accuracy.equal(other.Accuracy, func(a, b float64) bool { return a == b }) &&
		reflect.DeepEqual(o.Private, other.Private)
}

// CII is the state message pushed by a CII server. Every property is
// tri-state: omitted from the wire, JSON null, or a value. An omitted
// property in a received message means "unchanged".
type CII struct {
	ProtocolVersion    Field[string]             `json:"protocolVersion,omitzero"`
	MrsURL             Field[string]             `json:"mrsUrl,omitzero"`
	ContentID          Field[string]             `json:"contentId,omitzero"`
	ContentIDStatus    Field[string]             `json:"contentIdStatus,omitzero"`
	PresentationStatus Field[PresentationStatus] `json:"presentationStatus,omitzero"`
	WcURL              Field[string]             `json:"wcUrl,omitzero"`
	TsURL              Field[string]             `json:"tsUrl,omitzero"`
	TeURL              Field[string]             `json:"teUrl,omitzero"`
	Timelines          Field[[]TimelineOption]   `json:"timelines,omitzero"`
	Private            Field[Private]            `json:"private,omitzero"`
}

// ciiProperty describes one CII property so diff/patch/copy can iterate
// rather than repeat themselves per field.
type ciiProperty struct {
	name     string
	isSet    func(*CII) bool
	equal    func(a, b *CII) bool
	copyTo   func(dst, src *CII)
	validate func(*CII) error
}

func stringEq(a, b string) bool { return a == b }

var ciiProperties = []ciiProperty{
	{
		name:  "protocolVersion",
		isSet: func(c *CII) bool { return c.ProtocolVersion.IsSet() },
		equal: func(a, b *CII) bool { return a.ProtocolVersion.equal(b.ProtocolVersion, stringEq) },
		copyTo: func(dst, src *CII) { dst.ProtocolVersion = src.ProtocolVersion },
		validate: func(c *CII) error {
			if v, ok := c.ProtocolVersion.Value(); ok && v != CIIProtocolVersion {
				return fmt.Errorf("%w: protocolVersion %q not recognised", ErrBadMessage, v)
			}
			return nil
		},
	},
	{
		name:   "mrsUrl",
		isSet:  func(c *CII) bool { return c.MrsURL.IsSet() },
		equal:  func(a, b *CII) bool { return a.MrsURL.equal(b.MrsURL, stringEq) },
		copyTo: func(dst, src *CII) { dst.MrsURL = src.MrsURL },
		validate: func(c *CII) error { return validateURLField("mrsUrl", c.MrsURL) },
	},
	{
		name:   "contentId",
		isSet:  func(c *CII) bool { return c.ContentID.IsSet() },
		equal:  func(a, b *CII) bool { return a.ContentID.equal(b.ContentID, stringEq) },
		copyTo: func(dst, src *CII) { dst.ContentID = src.ContentID },
		validate: func(c *CII) error { return validateURLField("contentId", c.ContentID) },
	},
	{
		name:   "contentIdStatus",
		isSet:  func(c *CII) bool { return c.ContentIDStatus.IsSet() },
		equal:  func(a, b *CII) bool { return a.ContentIDStatus.equal(b.ContentIDStatus, stringEq) },
		copyTo: func(dst, src *CII) { dst.ContentIDStatus = src.ContentIDStatus },
		validate: func(c *CII) error {
			if v, ok := c.ContentIDStatus.Value(); ok && v != ContentIDStatusPartial && v != ContentIDStatusFinal {
				return fmt.Errorf("%w: contentIdStatus %q not recognised", ErrBadMessage, v)
			}
			return nil
		},
	},
	{
		name:  "presentationStatus",
		isSet: func(c *CII) bool { return c.PresentationStatus.IsSet() },
		equal: func(a, b *CII) bool {
			return a.PresentationStatus.equal(b.PresentationStatus,
				func(x, y PresentationStatus) bool { return slices.Equal(x, y) })
		},
		copyTo: func(dst, src *CII) {
			if v, ok := src.PresentationStatus.Value(); ok {
				dst.PresentationStatus = Set(PresentationStatus(slices.Clone(v)))
			} else {
				dst.PresentationStatus = src.PresentationStatus
			}
		},
		validate: func(c *CII) error {
			if v, ok := c.PresentationStatus.Value(); ok {
				return v.Validate()
			}
			return nil
		},
	},
	{
		name:   "wcUrl",
		isSet:  func(c *CII) bool { return c.WcURL.IsSet() },
		equal:  func(a, b *CII) bool { return a.WcURL.equal(b.WcURL, stringEq) },
		copyTo: func(dst, src *CII) { dst.WcURL = src.WcURL },
		validate: func(c *CII) error { return validateURLField("wcUrl", c.WcURL) },
	},
	{
		name:   "tsUrl",
		isSet:  func(c *CII) bool { return c.TsURL.IsSet() },
		equal:  func(a, b *CII) bool { return a.TsURL.equal(b.TsURL, stringEq) },
		copyTo: func(dst, src *CII) { dst.TsURL = src.TsURL },
		validate: func(c *CII) error { return validateURLField("tsUrl", c.TsURL) },
	},
	{
		name:   "teUrl",
		isSet:  func(c *CII) bool { return c.TeURL.IsSet() },
		equal:  func(a, b *CII) bool { return a.TeURL.equal(b.TeURL, stringEq) },
		copyTo: func(dst, src *CII) { dst.TeURL = src.TeURL },
		validate: func(c *CII) error { return validateURLField("teUrl", c.TeURL) },
	},
	{
		name:  "timelines",
		isSet: func(c *CII) bool { return c.Timelines.IsSet() },
		equal: func(a, b *CII) bool {
			return a.Timelines.equal(b.Timelines, func(x, y []TimelineOption) bool {
				return slices.EqualFunc(x, y, TimelineOption.Equal)
			})
		},
		copyTo: func(dst, src *CII) {
			if v, ok := src.Timelines.Value(); ok {
				dst.Timelines = Set(slices.Clone(v))
			} else {
				dst.Timelines = src.Timelines
			}
		},
		validate: func(c *CII) error { return nil },
	},
	{
		name:  "private",
		isSet: func(c *CII) bool { return c.Private.IsSet() },
		equal: func(a, b *CII) bool {
			return a.Private.equal(b.Private, func(x, y Private) bool {
				return reflect.DeepEqual(x, y)
			})
		},
		copyTo: func(dst, src *CII) {
			if v, ok := src.Private.Value(); ok {
				dst.Private = Set(slices.Clone(v))
			} else {
				dst.Private = src.Private
			}
		},
		validate: func(c *CII) error {
			if v, ok := c.Private.Value(); ok {
				return v.Validate()
			}
			return nil
		},
	},
}

// Content ID status values.
const (
	ContentIDStatusPartial = "partial"
	ContentIDStatusFinal   = "final"
)

func validateURLField(name string, f Field[string]) error {
	if v, ok := f.Value(); ok {
		if err := validateURI(v); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrBadMessage, name, err)
		}
	}
	return nil
}

// Validate checks every set property against its schema rules.
func (c *CII) Validate() error {
	for _, p := range ciiProperties {
		if err := p.validate(c); err != nil {
			return err
		}
	}
	return nil
}

// Pack serialises the message, validating it first.
func (c *CII) Pack() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

// UnpackCII parses and validates a received CII message.
func UnpackCII(data []byte) (*CII, error) {
	var c CII
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: cii: %v", ErrBadMessage, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Copy returns a deep copy of this message.
func (c *CII) Copy() *CII {
	var dup CII
	for _, p := range ciiProperties {
		p.copyTo(&dup, c)
	}
	return &dup
}

// DiffCII returns a message carrying only the properties of next that
// are set and differ from prev. Applying the result to prev with Update
// yields next's set properties.
func DiffCII(prev, next *CII) *CII {
	var changes CII
	for _, p := range ciiProperties {
		if p.isSet(next) && !p.equal(prev, next) {
			p.copyTo(&changes, next)
		}
	}
	return &changes
}

// Update overwrites this message's properties with every property set
// in diff. Omitted properties of diff leave the current value alone.
func (c *CII) Update(diff *CII) {
	for _, p := range ciiProperties {
		if p.isSet(diff) {
			p.copyTo(c, diff)
		}
	}
}

// Combine returns a copy of this message updated with diff.
func (c *CII) Combine(diff *CII) *CII {
	out := c.Copy()
	out.Update(diff)
	return out
}

// DefinedProperties returns the wire names of the properties that are
// set (not omitted).
func (c *CII) DefinedProperties() []string {
	var names []string
	for _, p := range ciiProperties {
		if p.isSet(c) {
			names = append(names, p.name)
		}
	}
	return names
}
