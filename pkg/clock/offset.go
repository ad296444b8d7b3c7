// ABOUTME: OffsetClock shifting its parent by a fixed amount of real time
// ABOUTME: Used to compensate for rendering pipeline delays
package clock

import "fmt"

// OffsetClock reads the same as its parent, but as if the current time
// were offset by a fixed number of seconds of root-clock time (positive
// = ahead, negative = behind). The tick rate is inherited from the
// parent and the speed is always 1; the effective speed of the chain is
// taken into account so the offset is a constant amount of real time.
//
// A positive offset of N seconds makes rendering code see time N
// seconds ahead, so content rendered now is on screen N seconds later
// at the right moment.
type OffsetClock struct {
	base
	offset float64
}

// NewOffsetClock creates a clock offset ahead of its parent by the given
// number of seconds.
func NewOffsetClock(parent Clock, offsetSecs float64) *OffsetClock {
	c := &OffsetClock{offset: offsetSecs}
	c.init(c, parent)
	parent.Bind(c)
	return c
}

func (c *OffsetClock) offsetTicks() float64 {
	c.mu.RLock()
	offset := c.offset
	c.mu.RUnlock()
	return offset * EffectiveSpeed(c) * c.TickRate()
}

func (c *OffsetClock) Ticks() float64 {
	return c.Parent().Ticks() + c.offsetTicks()
}

func (c *OffsetClock) TickRate() float64 { return c.Parent().TickRate() }

func (c *OffsetClock) Speed() float64 { return 1.0 }

// Offset returns the offset in seconds.
func (c *OffsetClock) Offset() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// SetOffset changes the offset, notifying dependents if it changed.
func (c *OffsetClock) SetOffset(offsetSecs float64) {
	c.mu.Lock()
	changed := c.offset != offsetSecs
	c.offset = offsetSecs
	c.mu.Unlock()
	if changed {
		c.notifyDependents()
	}
}

func (c *OffsetClock) CalcWhen(t float64) float64 {
	return c.Parent().CalcWhen(c.ToParentTicks(t))
}

func (c *OffsetClock) ToParentTicks(t float64) float64 {
	return t - c.offsetTicks()
}

func (c *OffsetClock) FromParentTicks(t float64) float64 {
	return t + c.offsetTicks()
}

func (c *OffsetClock) SetParent(parent Clock) error {
	return c.setParent(parent)
}

func (c *OffsetClock) ErrorAtTime(t float64) float64 { return 0 }

func (c *OffsetClock) String() string {
	return fmt.Sprintf("OffsetClock(t=%v, offset=%v)", c.Ticks(), c.Offset())
}
