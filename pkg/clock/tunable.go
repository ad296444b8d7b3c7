// ABOUTME: TunableClock with on-the-fly tick offset and slew adjustment
// ABOUTME: Thin wrapper over CorrelatedClock that re-bases before changes
package clock

import "fmt"

// TunableClock is a CorrelatedClock whose tick value and rate can be
// tweaked on the fly. Unlike a plain CorrelatedClock, changing the tick
// rate or speed applies from the current moment onwards: the correlation
// is re-based first so the current tick value does not jump.
type TunableClock struct {
	*CorrelatedClock
}

// NewTunableClock creates a tunable clock starting at the given tick
// value from the moment of creation.
func NewTunableClock(parent Clock, tickRate float64, startTicks float64) *TunableClock {
	inner := NewCorrelatedClock(parent, tickRate, Correlation{
		ParentTicks: parent.Ticks(),
		ChildTicks:  startTicks,
	})
	return &TunableClock{CorrelatedClock: inner}
}

// SetTickRate changes the tick rate going forward from now, without the
// current tick value jumping.
func (c *TunableClock) SetTickRate(tickRate float64) {
	c.RebaseCorrelationAtTicks(c.Ticks())
	c.CorrelatedClock.SetTickRate(tickRate)
}

// SetSpeed changes the speed going forward from now, without the
// current tick value jumping.
func (c *TunableClock) SetSpeed(speed float64) {
	c.RebaseCorrelationAtTicks(c.Ticks())
	c.CorrelatedClock.SetSpeed(speed)
}

// Slew returns the current slew in ticks per second. A slew of zero
// corresponds to speed 1.0.
func (c *TunableClock) Slew() float64 {
	return (c.Speed() - 1.0) * c.TickRate()
}

// SetSlew adjusts the speed so the clock runs fast or slow by the given
// number of ticks per second.
func (c *TunableClock) SetSlew(slew float64) {
	c.SetSpeed(slew/c.TickRate() + 1.0)
}

// AdjustTicks steps the tick value by the given amount.
func (c *TunableClock) AdjustTicks(offset float64) {
	corr := c.Correlation()
	c.SetCorrelation(corr.WithChildTicks(corr.ChildTicks + offset))
}

// SetError sets the current error bound of this clock and the rate at
// which it grows, anchored at the current moment.
func (c *TunableClock) SetError(current float64, growthRate float64) {
	c.RebaseCorrelationAtTicks(c.Ticks())
	corr := c.Correlation()
	corr.InitialError = current
	corr.ErrorGrowthRate = growthRate
	c.SetCorrelation(corr)
}

func (c *TunableClock) String() string {
	return fmt.Sprintf("TunableClock(t=%v, freq=%v, speed=%v)", c.Ticks(), c.TickRate(), c.Speed())
}
