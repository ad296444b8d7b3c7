// ABOUTME: Wire-level scalar types shared by the JSON protocol messages
// ABOUTME: String-carried 64-bit integers, infinite wall times, private data
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"regexp"
)

// ErrBadMessage is wrapped by all schema-violation errors raised while
// decoding or validating protocol messages.
var ErrBadMessage = errors.New("malformed protocol message")

var intAsStringRe = regexp.MustCompile(`^(0|-?[1-9][0-9]*)$`)

// Int64String is a 64-bit integer carried on the wire as a decimal JSON
// string, so values beyond 53 bits of precision survive transport.
type Int64String int64

func (v Int64String) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("%d", int64(v)))
}

func (v *Int64String) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: integer value must be a string: %s", ErrBadMessage, data)
	}
	if !intAsStringRe.MatchString(s) {
		return fmt.Errorf("%w: not a decimal integer: %q", ErrBadMessage, s)
	}
	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return fmt.Errorf("%w: integer out of range: %q", ErrBadMessage, s)
	}
	*v = Int64String(n)
	return nil
}

// Int64Ref is a convenience for building nullable wire integers.
func Int64Ref(v int64) *Int64String {
	n := Int64String(v)
	return &n
}

// WallTime is a wall-clock time in integer nanoseconds that may also be
// positive or negative infinity. Infinities appear on the wire as the
// literal strings "plusinfinity" and "minusinfinity", and are only
// legal in the earliest/latest parts of an AptEptLpt message.
type WallTime struct {
	inf   int8
	nanos int64
}

// WallTimeOf returns a finite wall time.
func WallTimeOf(nanos int64) WallTime { return WallTime{nanos: nanos} }

// PlusInfinity is the wall time "plusinfinity".
func PlusInfinity() WallTime { return WallTime{inf: 1} }

// MinusInfinity is the wall time "minusinfinity".
func MinusInfinity() WallTime { return WallTime{inf: -1} }

// IsFinite reports whether the wall time is an actual nanosecond value.
func (w WallTime) IsFinite() bool { return w.inf == 0 }

// IsPlusInfinity reports the "plusinfinity" state.
func (w WallTime) IsPlusInfinity() bool { return w.inf > 0 }

// IsMinusInfinity reports the "minusinfinity" state.
func (w WallTime) IsMinusInfinity() bool { return w.inf < 0 }

// Nanos returns the nanosecond value; infinities map to ±Inf.
func (w WallTime) Nanos() float64 {
	switch {
	case w.inf > 0:
		return math.Inf(1)
	case w.inf < 0:
		return math.Inf(-1)
	default:
		return float64(w.nanos)
	}
}

// NanosInt returns the finite nanosecond value and whether it is finite.
func (w WallTime) NanosInt() (int64, bool) {
	return w.nanos, w.inf == 0
}

func (w WallTime) MarshalJSON() ([]byte, error) {
	switch {
	case w.inf > 0:
		return json.Marshal("plusinfinity")
	case w.inf < 0:
		return json.Marshal("minusinfinity")
	default:
		return json.Marshal(fmt.Sprintf("%d", w.nanos))
	}
}

func (w *WallTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: wall clock time must be a string: %s", ErrBadMessage, data)
	}
	switch s {
	case "plusinfinity":
		*w = PlusInfinity()
		return nil
	case "minusinfinity":
		*w = MinusInfinity()
		return nil
	}
	if !intAsStringRe.MatchString(s) {
		return fmt.Errorf("%w: not a wall clock time: %q", ErrBadMessage, s)
	}
	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return fmt.Errorf("%w: wall clock time out of range: %q", ErrBadMessage, s)
	}
	*w = WallTimeOf(n)
	return nil
}

func (w WallTime) String() string {
	switch {
	case w.inf > 0:
		return "plusinfinity"
	case w.inf < 0:
		return "minusinfinity"
	default:
		return fmt.Sprintf("%d", w.nanos)
	}
}

// PrivateData is one entry of a message's private data list. Every
// entry must carry a "type" property holding a URI.
type PrivateData map[string]any

// Private is an opaque list of private data entries.
type Private []PrivateData

// Validate checks the structural requirement on private data.
func (p Private) Validate() error {
	for i, item := range p {
		t, ok := item["type"].(string)
		if !ok {
			return fmt.Errorf("%w: private data entry %d has no type URI", ErrBadMessage, i)
		}
		if err := validateURI(t); err != nil {
			return fmt.Errorf("%w: private data entry %d: %v", ErrBadMessage, i, err)
		}
	}
	return nil
}

func validateURI(s string) error {
	if _, err := url.Parse(s); err != nil {
		return fmt.Errorf("not a valid URI: %q", s)
	}
	return nil
}

// Float64Ref is a convenience for building nullable wire floats.
func Float64Ref(v float64) *float64 { return &v }
