// ABOUTME: Wall-clock estimation algorithms fed by measurement candidates
// ABOUTME: Lowest-dispersion selection and a composable filter-and-predict pipeline
package wallclock

import (
	"log"
	"math"
	"time"

	"github.com/csync-protocol/csync-go/pkg/clock"
	"github.com/csync-protocol/csync-go/pkg/protocol"
)

// Algorithm turns measurement candidates into adjustments of a clock.
// The client calls ProcessMeasurement with each completed exchange (nil
// on timeout); the returned duration is how long to wait before the
// next request.
type Algorithm interface {
	ProcessMeasurement(c *protocol.Candidate) time.Duration
	// ResponseTimeout is how long to wait for responses to one request.
	ResponseTimeout() time.Duration
}

// ClockAdjustedFunc is told about each adjustment: the tick value after
// the step, the step size in ticks, dispersion before and after in
// nanoseconds, and the rate at which dispersion keeps growing.
type ClockAdjustedFunc func(ticksAfter, adjustment, oldDispersionNanos, newDispersionNanos, growthRate float64)

// LowestDispersionCandidate adjusts the clock whenever a candidate
// would give a lower dispersion than the clock currently has.
// Dispersion sums measurement precision at both ends, half the round
// trip, and oscillator drift accumulated since the candidate used for
// the last adjustment.
//
// The clock's correlation is forced to infinite initial error at
// construction, so the first candidate always wins.
type LowestDispersionCandidate struct {
	clock          *clock.CorrelatedClock
	candidateClock *clock.CorrelatedClock
	repeat         time.Duration
	timeout        time.Duration

	// OnClockAdjusted, if set, is called after every adjustment.
	OnClockAdjusted ClockAdjustedFunc

	worstDispersion float64
}

// NewLowestDispersionCandidate creates the algorithm for the given
// clock. repeat is the request interval; timeout the response timeout.
func NewLowestDispersionCandidate(c *clock.CorrelatedClock, repeat, timeout time.Duration) *LowestDispersionCandidate {
	c.SetCorrelation(c.Correlation().WithInitialError(math.Inf(1)))
	return &LowestDispersionCandidate{
		clock:           c,
		candidateClock:  clock.NewCorrelatedClock(c.Parent(), c.TickRate(), c.Correlation()),
		repeat:          repeat,
		timeout:         timeout,
		worstDispersion: math.Inf(1),
	}
}

func (a *LowestDispersionCandidate) ResponseTimeout() time.Duration { return a.timeout }

// CurrentDispersionNanos returns the dispersion of the controlled clock
// at this moment, in nanoseconds.
func (a *LowestDispersionCandidate) CurrentDispersionNanos() float64 {
	return clock.DispersionAtTime(a.clock, a.clock.Ticks()) * 1e9
}

// WorstDispersionNanos returns the worst dispersion seen since the
// previous call, then resets the measurement window. Initially very
// large: an unsynchronised clock has unbounded error.
func (a *LowestDispersionCandidate) WorstDispersionNanos() float64 {
	now := a.CurrentDispersionNanos()
	answer := math.Max(a.worstDispersion, now)
	a.worstDispersion = now
	return answer
}

func (a *LowestDispersionCandidate) ProcessMeasurement(cand *protocol.Candidate) time.Duration {
	t := a.clock.Ticks()
	currentDispersion := clock.DispersionAtTime(a.clock, t)

	if cand == nil {
		log.Printf("Wall clock timeout. Dispersion (millis) is %.5f", 1000*currentDispersion)
		return a.timeout
	}

	a.candidateClock.SetCorrelation(cand.CorrelationFor(a.clock, 0))
	candidateDispersion := clock.DispersionAtTime(a.candidateClock, t)

	update := candidateDispersion < currentDispersion
	if update {
		pt := a.clock.ToParentTicks(t)
		adjustment := a.candidateClock.FromParentTicks(pt) - t
		a.clock.SetCorrelation(a.candidateClock.Correlation())
		if a.OnClockAdjusted != nil {
			a.OnClockAdjusted(a.clock.Ticks(), adjustment,
				1e9*currentDispersion, 1e9*candidateDispersion,
				a.clock.Correlation().ErrorGrowthRate)
		}
	}

	a.worstDispersion = math.Max(a.worstDispersion, math.Max(currentDispersion, candidateDispersion))
	log.Printf("Wall clock dispersion old/new (millis) %.5f / %.5f, new best candidate: %v",
		1000*currentDispersion, 1000*candidateDispersion, update)

	// retry more quickly if the candidate was not an improvement
	if update {
		return a.repeat
	}
	return a.timeout
}

// Filter decides whether a measurement candidate is usable.
type Filter interface {
	CheckCandidate(c *protocol.Candidate) bool
}

// Predictor maps surviving candidates to correlations for the clock.
type Predictor interface {
	AddCandidate(c *protocol.Candidate)
	PredictCorrelation() clock.Correlation
}

// FilterRttThreshold rejects candidates whose round-trip time exceeds a
// threshold.
type FilterRttThreshold struct {
	Threshold time.Duration
}

func (f FilterRttThreshold) CheckCandidate(c *protocol.Candidate) bool {
	return time.Duration(c.RTT) <= f.Threshold
}

// FilterLowestDispersionCandidate rejects a candidate unless it gives a
// lower dispersion than the clock currently has. The clock's dispersion
// is forced to infinity at construction.
type FilterLowestDispersionCandidate struct {
	clock    *clock.CorrelatedClock
	tmpClock *clock.CorrelatedClock
}

// NewFilterLowestDispersionCandidate creates the filter for the clock
// that will be adjusted.
func NewFilterLowestDispersionCandidate(c *clock.CorrelatedClock) *FilterLowestDispersionCandidate {
	c.SetCorrelation(c.Correlation().WithInitialError(math.Inf(1)))
	return &FilterLowestDispersionCandidate{
		clock:    c,
		tmpClock: clock.NewCorrelatedClock(c.Parent(), c.TickRate(), clock.Correlation{}),
	}
}

func (f *FilterLowestDispersionCandidate) CheckCandidate(c *protocol.Candidate) bool {
	f.tmpClock.SetCorrelation(c.CorrelationFor(f.clock, 0))
	t := f.clock.Ticks()
	return clock.DispersionAtTime(f.clock, t) > clock.DispersionAtTime(f.tmpClock, t)
}

// PredictSimple emits the correlation of the most recent candidate.
type PredictSimple struct {
	clock *clock.CorrelatedClock
	corr  clock.Correlation
}

// NewPredictSimple creates the predictor for the clock to be set. The
// predictor does not set the clock itself; it only needs it to express
// correlations in the right units.
func NewPredictSimple(c *clock.CorrelatedClock) *PredictSimple {
	return &PredictSimple{
		clock: c,
		corr:  clock.Correlation{ErrorGrowthRate: math.Inf(1)},
	}
}

func (p *PredictSimple) AddCandidate(c *protocol.Candidate) {
	p.corr = c.CorrelationFor(p.clock, 0)
}

func (p *PredictSimple) PredictCorrelation() clock.Correlation { return p.corr }

// FilterAndPredict composes zero or more filters with a predictor.
// Filters run in order; a candidate that survives them all is handed to
// the predictor, whose correlation then replaces the clock's.
type FilterAndPredict struct {
	clock     *clock.CorrelatedClock
	repeat    time.Duration
	timeout   time.Duration
	filters   []Filter
	predictor Predictor
}

// NewFilterAndPredict builds the composed algorithm. A nil predictor
// defaults to PredictSimple.
func NewFilterAndPredict(c *clock.CorrelatedClock, repeat, timeout time.Duration, filters []Filter, predictor Predictor) *FilterAndPredict {
	if predictor == nil {
		predictor = NewPredictSimple(c)
	}
	return &FilterAndPredict{
		clock:     c,
		repeat:    repeat,
		timeout:   timeout,
		filters:   filters,
		predictor: predictor,
	}
}

func (a *FilterAndPredict) ResponseTimeout() time.Duration { return a.timeout }

func (a *FilterAndPredict) ProcessMeasurement(cand *protocol.Candidate) time.Duration {
	if cand == nil {
		return a.timeout
	}
	for _, f := range a.filters {
		if !f.CheckCandidate(cand) {
			return a.repeat
		}
	}
	a.predictor.AddCandidate(cand)
	a.clock.SetCorrelation(a.predictor.PredictCorrelation())
	return a.repeat
}
