// ABOUTME: CorrelatedClock locked to its parent by a single correlation
// ABOUTME: Supports runtime changes of correlation, tick rate and speed
package clock

import (
	"fmt"
	"math"
)

// CorrelatedClock derives its tick value linearly from its parent via a
// Correlation, adjusted for a speed multiplier. The correlation, tick
// rate and speed can all be changed at runtime; every change fires a
// single notification to dependents.
//
// Changing tickRate or speed does not shift the point of correlation,
// so the current tick value will jump by an amount proportional to the
// distance from the correlation point. Re-base the correlation first
// (RebaseCorrelationAtTicks) to avoid the jump.
type CorrelatedClock struct {
	base
	freq  float64
	speed float64
	corr  Correlation
}

// NewCorrelatedClock creates a clock bound to the given parent with the
// given tick rate and correlation, at speed 1.0.
func NewCorrelatedClock(parent Clock, tickRate float64, corr Correlation) *CorrelatedClock {
	if tickRate <= 0 {
		panic(fmt.Sprintf("clock: invalid tick rate %v", tickRate))
	}
	c := &CorrelatedClock{freq: tickRate, speed: 1.0, corr: corr}
	c.init(c, parent)
	parent.Bind(c)
	return c
}

func (c *CorrelatedClock) Ticks() float64 {
	c.mu.RLock()
	corr, freq, speed, parent := c.corr, c.freq, c.speed, c.parent
	c.mu.RUnlock()
	return corr.ChildTicks + (parent.Ticks()-corr.ParentTicks)*freq*speed/parent.TickRate()
}

func (c *CorrelatedClock) TickRate() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.freq
}

// SetTickRate changes the tick rate and notifies dependents.
func (c *CorrelatedClock) SetTickRate(tickRate float64) {
	c.mu.Lock()
	c.freq = tickRate
	c.mu.Unlock()
	c.notifyDependents()
}

func (c *CorrelatedClock) Speed() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.speed
}

// SetSpeed changes the speed multiplier and notifies dependents.
func (c *CorrelatedClock) SetSpeed(speed float64) {
	c.mu.Lock()
	c.speed = speed
	c.mu.Unlock()
	c.notifyDependents()
}

// Correlation returns the current correlation.
func (c *CorrelatedClock) Correlation() Correlation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.corr
}

// SetCorrelation changes the correlation and notifies dependents.
func (c *CorrelatedClock) SetCorrelation(corr Correlation) {
	c.mu.Lock()
	c.corr = corr
	c.mu.Unlock()
	c.notifyDependents()
}

// SetCorrelationAndSpeed changes both in one atomic step, firing a
// single notification.
func (c *CorrelatedClock) SetCorrelationAndSpeed(corr Correlation, speed float64) {
	c.mu.Lock()
	c.corr = corr
	c.speed = speed
	c.mu.Unlock()
	c.notifyDependents()
}

// RebaseCorrelationAtTicks replaces the correlation with an equivalent
// one anchored at the given tick value of this clock. The timing
// relationship is unchanged, so no notification is fired. The initial
// error of the new correlation absorbs the growth accumulated between
// the old and new anchor points.
func (c *CorrelatedClock) RebaseCorrelationAtTicks(t float64) {
	pt := c.ToParentTicks(t)
	c.mu.Lock()
	deltaSecs := (pt - c.corr.ParentTicks) / c.parent.TickRate()
	c.corr = Correlation{
		ParentTicks:     pt,
		ChildTicks:      t,
		InitialError:    c.corr.InitialError + deltaSecs*c.corr.ErrorGrowthRate,
		ErrorGrowthRate: c.corr.ErrorGrowthRate,
	}
	c.mu.Unlock()
}

// QuantifyChange returns the potential difference, in seconds, between
// this clock as currently configured and the same clock using the
// proposed correlation and speed. A differing speed diverges without
// bound, so the result is then +Inf.
func (c *CorrelatedClock) QuantifyChange(corr Correlation, speed float64) float64 {
	c.mu.RLock()
	curSpeed := c.speed
	c.mu.RUnlock()
	if speed != curSpeed {
		return math.Inf(1)
	}
	if speed != 0 {
		ox := c.ToParentTicks(corr.ChildTicks)
		return math.Abs(corr.ParentTicks-ox) / c.Parent().TickRate()
	}
	ot := c.FromParentTicks(corr.ParentTicks)
	return math.Abs(corr.ChildTicks-ot) / c.TickRate()
}

// IsChangeSignificant reports whether adopting the proposed correlation
// and speed would eventually move this clock by more than the threshold.
func (c *CorrelatedClock) IsChangeSignificant(corr Correlation, speed float64, thresholdSecs float64) bool {
	return c.QuantifyChange(corr, speed) > thresholdSecs
}

func (c *CorrelatedClock) CalcWhen(t float64) float64 {
	return c.Parent().CalcWhen(c.ToParentTicks(t))
}

func (c *CorrelatedClock) ToParentTicks(t float64) float64 {
	c.mu.RLock()
	corr, freq, speed, parent := c.corr, c.freq, c.speed, c.parent
	c.mu.RUnlock()
	if speed == 0 {
		// Not defined away from the correlation point: a frozen clock
		// never reaches any other tick value.
		if t == corr.ChildTicks {
			return corr.ParentTicks
		}
		return math.NaN()
	}
	return corr.ParentTicks + (t-corr.ChildTicks)*parent.TickRate()/freq/speed
}

func (c *CorrelatedClock) FromParentTicks(t float64) float64 {
	c.mu.RLock()
	corr, freq, speed, parent := c.corr, c.freq, c.speed, c.parent
	c.mu.RUnlock()
	return corr.ChildTicks + (t-corr.ParentTicks)*freq*speed/parent.TickRate()
}

func (c *CorrelatedClock) SetParent(parent Clock) error {
	return c.setParent(parent)
}

func (c *CorrelatedClock) ErrorAtTime(t float64) float64 {
	pt := c.ToParentTicks(t)
	c.mu.RLock()
	corr, parent := c.corr, c.parent
	c.mu.RUnlock()
	deltaSecs := math.Abs(pt-corr.ParentTicks) / parent.TickRate()
	return corr.InitialError + deltaSecs*corr.ErrorGrowthRate
}

func (c *CorrelatedClock) String() string {
	return fmt.Sprintf("CorrelatedClock(t=%v, freq=%v, correlation=%v, speed=%v)",
		c.Ticks(), c.TickRate(), c.Correlation(), c.Speed())
}
