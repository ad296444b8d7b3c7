// ABOUTME: Tests for the clock-driven scheduler
// ABOUTME: Covers firing, ordering, cancellation, clock jumps and zero-speed parking
package task

import (
	"sync"
	"testing"
	"time"

	"github.com/csync-protocol/csync-go/pkg/clock"
)

func newTestGraph() (*clock.SysClock, *clock.CorrelatedClock) {
	sys := clock.NewSysClock(1e9, 0)
	c := clock.NewCorrelatedClock(sys, 1000, clock.Correlation{ParentTicks: sys.Ticks()})
	return sys, c
}

func TestRunAtFires(t *testing.T) {
	s := New()
	defer s.Stop()
	_, c := newTestGraph()

	fired := make(chan float64, 1)
	target := c.Ticks() + 50 // 50ms at 1000 ticks/sec
	s.RunAt(c, target, func() { fired <- c.Ticks() })

	select {
	case at := <-fired:
		if at < target {
			t.Errorf("fired early: at tick %v, wanted >= %v", at, target)
		}
		if at > target+100 {
			t.Errorf("fired too late: at tick %v, wanted near %v", at, target)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task never fired")
	}
}

func TestSleepUntilAndFor(t *testing.T) {
	s := New()
	defer s.Stop()
	_, c := newTestGraph()

	start := c.Ticks()
	s.SleepFor(c, 30)
	if got := c.Ticks(); got < start+30 {
		t.Errorf("SleepFor returned early: %v < %v", got, start+30)
	}

	target := c.Ticks() + 25
	s.SleepUntil(c, target)
	if got := c.Ticks(); got < target {
		t.Errorf("SleepUntil returned early: %v < %v", got, target)
	}
}

func TestPastTickFiresImmediately(t *testing.T) {
	s := New()
	defer s.Stop()
	_, c := newTestGraph()

	fired := make(chan struct{})
	s.ScheduleEvent(c, c.Ticks()-100, fired)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("past-due task never fired")
	}
}

func TestInsertionOrderForEqualWakeTimes(t *testing.T) {
	s := New()
	defer s.Stop()
	_, c := newTestGraph()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	target := c.Ticks() + 40
	for i := 0; i < 5; i++ {
		i := i
		s.RunAt(c, target, func() {
			mu.Lock()
			order = append(order, i)
			if len(order) == 5 {
				close(done)
			}
			mu.Unlock()
		})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks never fired")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("tasks fired out of insertion order: %v", order)
		}
	}
}

func TestCancel(t *testing.T) {
	s := New()
	defer s.Stop()
	_, c := newTestGraph()

	fired := make(chan struct{}, 1)
	task := s.RunAt(c, c.Ticks()+30, func() { fired <- struct{}{} })
	task.Cancel()

	select {
	case <-fired:
		t.Error("cancelled task fired")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCallbackPanicDoesNotKillWorker(t *testing.T) {
	s := New()
	defer s.Stop()
	_, c := newTestGraph()

	s.RunAt(c, c.Ticks()+5, func() { panic("boom") })
	fired := make(chan struct{})
	s.ScheduleEvent(c, c.Ticks()+30, fired)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("worker died after a panicking callback")
	}
}

func TestClockJumpReschedules(t *testing.T) {
	// schedule at tick now+500; after ~100ms jump the clock forward by
	// 250 ticks, so the task should fire around 150ms later, not 400ms
	s := New()
	defer s.Stop()
	_, c := newTestGraph()

	start := time.Now()
	fired := make(chan struct{})
	s.ScheduleEvent(c, c.Ticks()+500, fired)

	time.Sleep(100 * time.Millisecond)
	corr := c.Correlation()
	c.SetCorrelation(corr.WithChildTicks(corr.ChildTicks + 250))

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("task never fired after clock jump")
	}
	elapsed := time.Since(start)
	if elapsed > 450*time.Millisecond {
		t.Errorf("task did not reschedule forward after jump: fired after %v", elapsed)
	}
	if elapsed < 200*time.Millisecond {
		t.Errorf("task fired implausibly early: %v", elapsed)
	}
}

func TestZeroSpeedParksTask(t *testing.T) {
	s := New()
	defer s.Stop()
	_, c := newTestGraph()

	// freeze the clock at its current tick value before scheduling
	c.RebaseCorrelationAtTicks(c.Ticks())
	c.SetSpeed(0)

	fired := make(chan struct{})
	s.ScheduleEvent(c, c.Correlation().ChildTicks+20, fired)

	select {
	case <-fired:
		t.Fatal("task fired while the clock was frozen")
	case <-time.After(150 * time.Millisecond):
	}

	// resume motion: the task must fire at the recomputed wall time
	c.SetCorrelationAndSpeed(clock.Correlation{
		ParentTicks: c.Parent().Ticks(),
		ChildTicks:  c.Correlation().ChildTicks,
	}, 1.0)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("task never fired after the clock resumed")
	}
}

func TestDefaultSchedulerSingleton(t *testing.T) {
	if Default() != Default() {
		t.Error("expected one process-wide scheduler")
	}
}
