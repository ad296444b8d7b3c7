// ABOUTME: RangeCorrelatedClock locked to its parent by two correlation points
// ABOUTME: The line through the two points implies the real tick rate
package clock

import (
	"fmt"
	"math"
)

// RangeCorrelatedClock relates to its parent through two points of
// correlation; the tick rate is implied by the slope of the line through
// them. The nominal tickRate is advisory only: it is what is reported to
// child clocks and may differ from what the two correlations represent.
// Speed is fixed at 1.
type RangeCorrelatedClock struct {
	base
	freq   float64
	corr1  Correlation
	corr2  Correlation
}

// NewRangeCorrelatedClock creates a clock bound to the parent by the two
// given correlation points.
func NewRangeCorrelatedClock(parent Clock, tickRate float64, corr1, corr2 Correlation) *RangeCorrelatedClock {
	if tickRate <= 0 {
		panic(fmt.Sprintf("clock: invalid tick rate %v", tickRate))
	}
	c := &RangeCorrelatedClock{freq: tickRate, corr1: corr1, corr2: corr2}
	c.init(c, parent)
	parent.Bind(c)
	return c
}

func (c *RangeCorrelatedClock) Ticks() float64 {
	c.mu.RLock()
	c1, c2, parent := c.corr1, c.corr2, c.parent
	c.mu.RUnlock()
	return (parent.Ticks()-c1.ParentTicks)*(c2.ChildTicks-c1.ChildTicks)/(c2.ParentTicks-c1.ParentTicks) + c1.ChildTicks
}

func (c *RangeCorrelatedClock) TickRate() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.freq
}

func (c *RangeCorrelatedClock) Speed() float64 { return 1.0 }

// Correlation1 returns the first correlation point.
func (c *RangeCorrelatedClock) Correlation1() Correlation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.corr1
}

// SetCorrelation1 changes the first correlation point and notifies
// dependents.
func (c *RangeCorrelatedClock) SetCorrelation1(corr Correlation) {
	c.mu.Lock()
	c.corr1 = corr
	c.mu.Unlock()
	c.notifyDependents()
}

// Correlation2 returns the second correlation point.
func (c *RangeCorrelatedClock) Correlation2() Correlation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.corr2
}

// SetCorrelation2 changes the second correlation point and notifies
// dependents.
func (c *RangeCorrelatedClock) SetCorrelation2(corr Correlation) {
	c.mu.Lock()
	c.corr2 = corr
	c.mu.Unlock()
	c.notifyDependents()
}

func (c *RangeCorrelatedClock) CalcWhen(t float64) float64 {
	return c.Parent().CalcWhen(c.ToParentTicks(t))
}

func (c *RangeCorrelatedClock) ToParentTicks(t float64) float64 {
	c.mu.RLock()
	c1, c2 := c.corr1, c.corr2
	c.mu.RUnlock()
	return (t-c1.ChildTicks)/(c2.ChildTicks-c1.ChildTicks)*(c2.ParentTicks-c1.ParentTicks) + c1.ParentTicks
}

func (c *RangeCorrelatedClock) FromParentTicks(t float64) float64 {
	c.mu.RLock()
	c1, c2 := c.corr1, c.corr2
	c.mu.RUnlock()
	return (t-c1.ParentTicks)/(c2.ParentTicks-c1.ParentTicks)*(c2.ChildTicks-c1.ChildTicks) + c1.ChildTicks
}

func (c *RangeCorrelatedClock) SetParent(parent Clock) error {
	return c.setParent(parent)
}

func (c *RangeCorrelatedClock) ErrorAtTime(t float64) float64 {
	pt := c.ToParentTicks(t)
	c.mu.RLock()
	c1, c2, parent := c.corr1, c.corr2, c.parent
	c.mu.RUnlock()
	delta1 := math.Abs(pt-c1.ParentTicks) / parent.TickRate()
	err1 := c1.InitialError + delta1*c1.ErrorGrowthRate
	delta2 := math.Abs(pt-c2.ParentTicks) / parent.TickRate()
	err2 := c2.InitialError + delta2*c2.ErrorGrowthRate
	return math.Min(err1, err2)
}

func (c *RangeCorrelatedClock) String() string {
	return fmt.Sprintf("RangeCorrelatedClock(t=%v, freq=%v, correlations=%v,%v)",
		c.Ticks(), c.TickRate(), c.Correlation1(), c.Correlation2())
}
