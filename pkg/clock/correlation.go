// ABOUTME: Correlation value type relating a child clock to its parent
// ABOUTME: Carries the error bounds used for dispersion calculations
package clock

import "fmt"

// Correlation expresses that at parent tick value ParentTicks the child
// clock reads ChildTicks, with an instantaneous error bound of
// InitialError seconds that widens by ErrorGrowthRate seconds for every
// second of parent-clock separation from the correlation point.
//
// Correlations are immutable values. To modify one, derive a new value
// with one of the With* methods (or a plain struct copy).
type Correlation struct {
	ParentTicks     float64
	ChildTicks      float64
	InitialError    float64
	ErrorGrowthRate float64
}

// WithParentTicks returns a copy with a different parent tick value.
func (c Correlation) WithParentTicks(parentTicks float64) Correlation {
	c.ParentTicks = parentTicks
	return c
}

// WithChildTicks returns a copy with a different child tick value.
func (c Correlation) WithChildTicks(childTicks float64) Correlation {
	c.ChildTicks = childTicks
	return c
}

// WithInitialError returns a copy with a different initial error bound.
func (c Correlation) WithInitialError(initialError float64) Correlation {
	c.InitialError = initialError
	return c
}

// WithErrorGrowthRate returns a copy with a different error growth rate.
func (c Correlation) WithErrorGrowthRate(errorGrowthRate float64) Correlation {
	c.ErrorGrowthRate = errorGrowthRate
	return c
}

func (c Correlation) String() string {
	return fmt.Sprintf("Correlation(%v, %v, %v, %v)",
		c.ParentTicks, c.ChildTicks, c.InitialError, c.ErrorGrowthRate)
}
