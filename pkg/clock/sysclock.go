// ABOUTME: Root clock reading the monotonic nanosecond time source
// ABOUTME: Reports measured precision as its dispersion contribution
package clock

import "fmt"

// DefaultMaxFreqErrorPpm is the assumed frequency error of the
// underlying oscillator when the caller has no better estimate.
const DefaultMaxFreqErrorPpm = 500.0

// SysClock is the leaf of every clock tree. Its tick value is derived
// directly from the monotonic time source. Tick rate and speed are
// fixed, and it is always available.
//
// The measurement precision is estimated empirically at construction
// and reported as this clock's dispersion contribution. The estimate
// takes between 10 and 10000 readings, more at higher tick rates, so
// creating a SysClock may incur a short delay.
type SysClock struct {
	base
	freq            float64
	precision       float64
	maxFreqErrorPpm float64
}

// NewSysClock creates a root clock with the given tick rate (ticks per
// second) and maximum frequency error in parts per million. A tickRate
// of 0 defaults to one million ticks per second; a maxFreqErrorPpm of 0
// defaults to DefaultMaxFreqErrorPpm.
func NewSysClock(tickRate float64, maxFreqErrorPpm float64) *SysClock {
	if tickRate == 0 {
		tickRate = 1e6
	}
	if tickRate < 0 {
		panic(fmt.Sprintf("clock: invalid tick rate %v", tickRate))
	}
	if maxFreqErrorPpm == 0 {
		maxFreqErrorPpm = DefaultMaxFreqErrorPpm
	}
	c := &SysClock{freq: tickRate, maxFreqErrorPpm: maxFreqErrorPpm}
	c.init(c, nil)
	samples := int(tickRate / 10)
	if samples > 10000 {
		samples = 10000
	}
	if samples < 10 {
		samples = 10
	}
	c.precision = MeasurePrecision(c, samples)
	return c
}

func (c *SysClock) Ticks() float64 {
	return float64(NowNanos()) * c.freq / 1e9
}

func (c *SysClock) TickRate() float64 { return c.freq }

func (c *SysClock) Speed() float64 { return 1.0 }

func (c *SysClock) Nanos() float64 { return c.Ticks() * 1e9 / c.freq }

func (c *SysClock) NanosToTicks(nanos float64) float64 {
	return nanos * c.freq / 1e9
}

func (c *SysClock) CalcWhen(t float64) float64 {
	return t * 1e9 / c.freq
}

// SetParent is not supported: SysClock is always a root clock.
func (c *SysClock) SetParent(parent Clock) error {
	if parent == nil {
		return nil
	}
	return fmt.Errorf("clock: SysClock cannot have a parent")
}

func (c *SysClock) ToParentTicks(t float64) float64   { return t }
func (c *SysClock) FromParentTicks(t float64) float64 { return t }

// SetAvailability is a no-op: the system clock is always available.
func (c *SysClock) SetAvailability(available bool) {}

// Precision returns the measured precision of this clock in seconds.
func (c *SysClock) Precision() float64 { return c.precision }

func (c *SysClock) ErrorAtTime(t float64) float64 { return c.precision }

func (c *SysClock) RootMaxFreqError() float64 { return c.maxFreqErrorPpm }

func (c *SysClock) String() string {
	return fmt.Sprintf("SysClock(t=%d, freq=%v)", int64(c.Ticks()), c.freq)
}
