// ABOUTME: Guaranteed-monotonic nanosecond time source and precision estimator
// ABOUTME: Wraps the runtime monotonic clock behind a fixed process-local origin
package clock

import "time"

// origin pins all readings to an arbitrary but consistent monotonic
// zero point. time.Since uses the runtime's monotonic reading, so the
// value never goes backwards even if the wall clock is stepped.
var origin = time.Now()

// NowNanos returns the current monotonic time in integer nanoseconds
// since an arbitrary but fixed origin.
func NowNanos() int64 {
	return time.Since(origin).Nanoseconds()
}

// Sleep blocks for at least the given number of nanoseconds. It does
// not return early: the remaining time is re-checked against the
// monotonic source after every wakeup.
func Sleep(nanos int64) {
	deadline := NowNanos() + nanos
	for {
		remaining := deadline - NowNanos()
		if remaining <= 0 {
			return
		}
		time.Sleep(time.Duration(remaining))
	}
}

// MeasurePrecision estimates the measurement precision of a clock, in
// seconds, by looking for the smallest observable non-zero difference
// between successive tick readings over the given number of samples.
func MeasurePrecision(c Clock, sampleSize int) float64 {
	min := 0.0
	count := 0
	for count < sampleSize {
		a := c.Ticks()
		b := c.Ticks()
		if a < b {
			d := b - a
			if count == 0 || d < min {
				min = d
			}
			count++
		}
	}
	return min / c.TickRate()
}
