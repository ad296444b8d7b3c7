// ABOUTME: Software-synthesised clock graph with dispersion tracking
// ABOUTME: Defines the Clock interface, observer binding and tree-walk conversions
package clock

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// ErrNoCommonAncestor is returned when converting tick values between two
// clocks that do not share an ancestor.
var ErrNoCommonAncestor = errors.New("clocks have no common ancestor")

// ErrCycle is returned by SetParent when the new parent would make the
// clock an ancestor of itself.
var ErrCycle = errors.New("reparenting would create a cycle")

// Dependent receives change notifications from a clock it is bound to.
// The callback must not mutate the notifying clock.
type Dependent interface {
	Notify(cause Clock)
}

// Clock is a logical clock counting in ticks at a nominal tick rate.
// Clocks form a tree: each clock except the root derives its tick value
// from its parent. Conversions that are undefined (e.g. through a
// zero-speed ancestor) yield NaN rather than an error.
type Clock interface {
	Dependent

	// Ticks returns the current tick value.
	Ticks() float64
	// TickRate returns the nominal tick rate in ticks per second.
	TickRate() float64
	// Speed returns the speed multiplier relative to the parent.
	Speed() float64
	// Nanos returns the current tick value converted to nanoseconds.
	Nanos() float64
	// NanosToTicks converts a nanosecond value to ticks of this clock.
	NanosToTicks(nanos float64) float64

	// Parent returns the parent clock, or nil for a root clock.
	Parent() Clock
	// SetParent changes the parent, rejecting cycles.
	SetParent(parent Clock) error

	// ToParentTicks converts a tick value of this clock to the
	// equivalent tick value of the parent. NaN if undefined.
	ToParentTicks(t float64) float64
	// FromParentTicks converts a tick value of the parent to the
	// equivalent tick value of this clock.
	FromParentTicks(t float64) float64

	// CalcWhen returns the monotonic nanosecond value of the underlying
	// time source at which this clock will read the given tick value.
	// NaN if unreachable (a zero-speed ancestor).
	CalcWhen(t float64) float64

	// IsAvailable reports whether this clock and all its ancestors are
	// currently tracking a real source.
	IsAvailable() bool
	// SetAvailability sets this clock's own availability flag.
	SetAvailability(available bool)

	// Bind registers a dependent for change notifications; Unbind
	// removes it.
	Bind(d Dependent)
	Unbind(d Dependent)

	// ErrorAtTime returns this clock's own contribution to dispersion,
	// in seconds, at the given tick value of this clock. It excludes
	// ancestor contributions; use DispersionAtTime for the total.
	ErrorAtTime(t float64) float64

	// RootMaxFreqError returns the maximum frequency error, in parts
	// per million, of the root clock of this clock's tree.
	RootMaxFreqError() float64
}

// base carries the state common to every clock implementation.
type base struct {
	mu         sync.RWMutex
	self       Clock // set once by the concrete type's constructor
	parent     Clock
	dependents map[Dependent]struct{}
	available  bool
}

func (b *base) init(self Clock, parent Clock) {
	b.self = self
	b.parent = parent
	b.dependents = make(map[Dependent]struct{})
	b.available = true
}

func (b *base) Parent() Clock {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.parent
}

func (b *base) Bind(d Dependent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dependents[d] = struct{}{}
}

func (b *base) Unbind(d Dependent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.dependents, d)
}

// Notify propagates a change notification from the parent down to all
// dependents of this clock.
func (b *base) Notify(cause Clock) {
	b.notifyDependents()
}

// notifyDependents calls Notify on a snapshot of the dependents so the
// registration lock is never held during callbacks.
func (b *base) notifyDependents() {
	b.mu.RLock()
	snapshot := make([]Dependent, 0, len(b.dependents))
	for d := range b.dependents {
		snapshot = append(snapshot, d)
	}
	self := b.self
	b.mu.RUnlock()
	for _, d := range snapshot {
		d.Notify(self)
	}
}

func (b *base) IsAvailable() bool {
	b.mu.RLock()
	avail := b.available
	parent := b.parent
	b.mu.RUnlock()
	return avail && (parent == nil || parent.IsAvailable())
}

func (b *base) SetAvailability(available bool) {
	b.mu.Lock()
	isChange := b.available != available
	parent := b.parent
	b.available = available
	b.mu.Unlock()
	if isChange && parent != nil && !parent.IsAvailable() {
		isChange = false
	}
	if isChange {
		b.notifyDependents()
	}
}

// setParent rebinds this clock under a new parent, checking that the
// candidate parent's ancestry does not include this clock.
func (b *base) setParent(parent Clock) error {
	for p := parent; p != nil; p = p.Parent() {
		if p == b.self {
			return ErrCycle
		}
	}
	b.mu.Lock()
	old := b.parent
	if old == parent {
		b.mu.Unlock()
		return nil
	}
	b.parent = parent
	self := b.self
	b.mu.Unlock()
	if old != nil {
		old.Unbind(self)
	}
	if parent != nil {
		parent.Bind(self)
	}
	b.notifyDependents()
	return nil
}

// Nanos returns the current tick value converted to nanoseconds at the
// nominal tick rate (speed is not applied).
func (b *base) Nanos() float64 {
	return b.self.Ticks() * 1e9 / b.self.TickRate()
}

// NanosToTicks converts a nanosecond value to ticks at the nominal tick
// rate (speed is not applied).
func (b *base) NanosToTicks(nanos float64) float64 {
	return nanos * b.self.TickRate() / 1e9
}

// RootMaxFreqError passes through to the root clock. Root clock types
// must provide their own implementation.
func (b *base) RootMaxFreqError() float64 {
	return Root(b.self).RootMaxFreqError()
}

// Root returns the root clock of c's tree (c itself if it has no parent).
func Root(c Clock) Clock {
	for {
		p := c.Parent()
		if p == nil {
			return c
		}
		c = p
	}
}

// Ancestry returns c followed by its parent, its parent's parent and so
// on up to and including the root.
func Ancestry(c Clock) []Clock {
	var out []Clock
	for ; c != nil; c = c.Parent() {
		out = append(out, c)
	}
	return out
}

// ToRootTicks converts a tick value of c to the equivalent tick value of
// the root clock. NaN if any conversion on the path is undefined.
func ToRootTicks(c Clock, t float64) float64 {
	for p := c.Parent(); p != nil; p = c.Parent() {
		t = c.ToParentTicks(t)
		c = p
	}
	return t
}

// FromRootTicks converts a tick value of the root clock to the
// equivalent tick value of c.
func FromRootTicks(c Clock, t float64) float64 {
	p := c.Parent()
	if p == nil {
		return t
	}
	return c.FromParentTicks(FromRootTicks(p, t))
}

// ToOtherClockTicks converts a tick value of one clock to the equivalent
// tick value of another clock in the same tree. The conversion walks up
// to the lowest common ancestor and back down.
func ToOtherClockTicks(from, to Clock, t float64) (float64, error) {
	fromAncestry := Ancestry(from)
	toAncestry := Ancestry(to)

	common := false
	for len(fromAncestry) > 0 && len(toAncestry) > 0 &&
		fromAncestry[len(fromAncestry)-1] == toAncestry[len(toAncestry)-1] {
		fromAncestry = fromAncestry[:len(fromAncestry)-1]
		toAncestry = toAncestry[:len(toAncestry)-1]
		common = true
	}
	if !common {
		return math.NaN(), fmt.Errorf("%w: %v and %v", ErrNoCommonAncestor, from, to)
	}

	for _, c := range fromAncestry {
		t = c.ToParentTicks(t)
	}
	for i := len(toAncestry) - 1; i >= 0; i-- {
		t = toAncestry[i].FromParentTicks(t)
	}
	return t, nil
}

// DispersionAtTime returns the total error bound, in seconds, on a
// reading of tick value t of clock c. It sums the error contributions of
// c and every ancestor back to the root. May be +Inf.
func DispersionAtTime(c Clock, t float64) float64 {
	disp := c.ErrorAtTime(t)
	for p := c.Parent(); p != nil; p = c.Parent() {
		t = c.ToParentTicks(t)
		c = p
		disp += c.ErrorAtTime(t)
	}
	return disp
}

// EffectiveSpeed returns the product of the speed multipliers of c and
// all its ancestors.
func EffectiveSpeed(c Clock) float64 {
	s := 1.0
	for ; c != nil; c = c.Parent() {
		s *= c.Speed()
	}
	return s
}

// ClockDiff returns the potential difference between two clocks in
// seconds. If their effective speeds or tick rates differ the clocks
// diverge without bound and the result is +Inf.
func ClockDiff(a, b Clock) float64 {
	if EffectiveSpeed(a) != EffectiveSpeed(b) {
		return math.Inf(1)
	}
	if a.TickRate() != b.TickRate() {
		return math.Inf(1)
	}
	t := Root(a).Ticks()
	t1 := FromRootTicks(a, t)
	t2 := FromRootTicks(b, t)
	return math.Abs(t1-t2) / a.TickRate()
}
