// ABOUTME: Clock-driven task scheduler with a single background worker
// ABOUTME: Wakes tasks when a clock reaches a tick value, tracking clock adjustments
package task

import (
	"container/heap"
	"log"
	"math"
	"sync"
	"time"

	"github.com/csync-protocol/csync-go/pkg/clock"
)

// Task is a handle to a scheduled callback. It can be cancelled; the
// worker skips cancelled tasks when they are popped.
type Task struct {
	clock     clock.Clock
	whenTicks float64
	fn        func()
	scheduler *Scheduler

	mu        sync.Mutex
	gen       int
	cancelled bool
	done      bool
}

// Cancel flags the task as cancelled. It is safe to call at any time,
// including after the task has fired.
func (t *Task) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
	if t.scheduler != nil {
		t.scheduler.kick()
	}
}

// entry is a heap element. A task is re-entered with a bumped
// generation whenever its clock changes; stale entries are skipped when
// popped.
type entry struct {
	when float64 // monotonic nanoseconds due
	seq  uint64  // insertion order tie-break
	gen  int
	task *Task
}

type taskHeap []*entry

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].when == h[j].when {
		return h[i].seq < h[j].seq
	}
	return h[i].when < h[j].when
}
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)        { *h = append(*h, x.(*entry)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler fires callbacks when clocks reach target tick values. It
// runs one background worker goroutine. Changes to any involved clock
// (correlation, speed, tick rate, parent) cause affected tasks to be
// rescheduled from the clock's new state. A task whose wake time is
// currently unreachable (a zero-speed ancestor) is parked until a clock
// change makes it reachable again.
type Scheduler struct {
	mu         sync.Mutex
	heap       taskHeap
	clockTasks map[clock.Clock]map[*Task]struct{}
	resched    []clock.Clock
	seq        uint64

	wake    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New creates a scheduler and starts its worker goroutine.
func New() *Scheduler {
	s := &Scheduler{
		clockTasks: make(map[clock.Clock]map[*Task]struct{}),
		wake:       make(chan struct{}, 1),
		stopped:    make(chan struct{}),
	}
	go s.run()
	return s
}

var (
	defaultOnce      sync.Once
	defaultScheduler *Scheduler
)

// Default returns the process-wide scheduler, starting it on first use.
func Default() *Scheduler {
	defaultOnce.Do(func() {
		defaultScheduler = New()
	})
	return defaultScheduler
}

// Stop terminates the worker. Pending tasks never fire.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		close(s.stopped)
		s.kick()
	})
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Notify implements clock.Dependent: a bound clock has changed, so
// every task scheduled against it must be recomputed.
func (s *Scheduler) Notify(cause clock.Clock) {
	s.mu.Lock()
	s.resched = append(s.resched, cause)
	s.mu.Unlock()
	s.kick()
}

// RunAt calls fn when the given clock reaches the given tick value. The
// callback runs on the scheduler's worker goroutine, so it should
// return quickly. Panics in the callback are recovered and logged.
func (s *Scheduler) RunAt(c clock.Clock, whenTicks float64, fn func()) *Task {
	t := &Task{clock: c, whenTicks: whenTicks, fn: fn, scheduler: s}
	s.mu.Lock()
	tasks, known := s.clockTasks[c]
	if !known {
		tasks = make(map[*Task]struct{})
		s.clockTasks[c] = tasks
	}
	tasks[t] = struct{}{}
	s.pushLocked(t, 0)
	s.mu.Unlock()
	if !known {
		c.Bind(s)
	}
	s.kick()
	return t
}

// ScheduleEvent closes the given channel when the clock reaches the
// tick value.
func (s *Scheduler) ScheduleEvent(c clock.Clock, whenTicks float64, event chan<- struct{}) *Task {
	return s.RunAt(c, whenTicks, func() { close(event) })
}

// SleepUntil blocks until the clock reaches the tick value.
func (s *Scheduler) SleepUntil(c clock.Clock, whenTicks float64) {
	done := make(chan struct{})
	s.ScheduleEvent(c, whenTicks, done)
	<-done
}

// SleepFor blocks until the given number of ticks of the clock have
// elapsed.
func (s *Scheduler) SleepFor(c clock.Clock, numTicks float64) {
	s.SleepUntil(c, c.Ticks()+numTicks)
}

// pushLocked inserts a heap entry for the task at generation gen, if
// its wake time is currently computable. A NaN wake time parks the
// task: it stays registered against its clock, and a later clock change
// will re-enter it here with a fresh generation.
func (s *Scheduler) pushLocked(t *Task, gen int) {
	t.mu.Lock()
	t.gen = gen
	t.mu.Unlock()
	when := t.clock.CalcWhen(t.whenTicks)
	if math.IsNaN(when) {
		return
	}
	s.seq++
	heap.Push(&s.heap, &entry{when: when, seq: s.seq, gen: gen, task: t})
}

// removeTaskLocked drops a finished or cancelled task from the clock
// registry, returning the clock to unbind if it has no tasks left.
func (s *Scheduler) removeTaskLocked(t *Task) clock.Clock {
	tasks := s.clockTasks[t.clock]
	if tasks == nil {
		return nil
	}
	delete(tasks, t)
	if len(tasks) == 0 {
		delete(s.clockTasks, t.clock)
		return t.clock
	}
	return nil
}

func (s *Scheduler) run() {
	for {
		var fire []*Task
		var unbind []clock.Clock

		s.mu.Lock()
		// recompute tasks whose clocks changed
		resched := s.resched
		s.resched = nil
		for _, c := range resched {
			for t := range s.clockTasks[c] {
				t.mu.Lock()
				gen := t.gen + 1
				t.mu.Unlock()
				s.pushLocked(t, gen)
			}
		}

		// pop everything that is due or stale
		now := float64(clock.NowNanos())
		for len(s.heap) > 0 {
			head := s.heap[0]
			head.task.mu.Lock()
			stale := head.gen != head.task.gen || head.task.cancelled || head.task.done
			head.task.mu.Unlock()
			if !stale && now < head.when {
				break
			}
			e := heap.Pop(&s.heap).(*entry)
			t := e.task
			t.mu.Lock()
			runnable := !t.cancelled && !t.done && e.gen == t.gen
			if runnable {
				t.done = true
			}
			dead := t.cancelled || t.done
			t.mu.Unlock()
			if runnable {
				fire = append(fire, t)
			}
			if dead {
				if c := s.removeTaskLocked(t); c != nil {
					unbind = append(unbind, c)
				}
			}
		}

		var wait time.Duration = -1
		if len(s.heap) > 0 {
			wait = time.Duration(s.heap[0].when - now)
			if wait < 0 {
				wait = 0
			}
		}
		s.mu.Unlock()

		for _, c := range unbind {
			c.Unbind(s)
		}
		for _, t := range fire {
			s.invoke(t)
		}

		if wait >= 0 {
			timer := time.NewTimer(wait)
			select {
			case <-s.stopped:
				timer.Stop()
				return
			case <-s.wake:
				timer.Stop()
			case <-timer.C:
			}
		} else {
			select {
			case <-s.stopped:
				return
			case <-s.wake:
			}
		}
	}
}

// invoke runs a task callback, trapping panics so the worker never dies.
func (s *Scheduler) invoke(t *Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("task: panic in scheduled callback: %v", r)
		}
	}()
	t.fn()
}

// RunAt schedules on the process-wide default scheduler.
func RunAt(c clock.Clock, whenTicks float64, fn func()) *Task {
	return Default().RunAt(c, whenTicks, fn)
}

// ScheduleEvent schedules on the process-wide default scheduler.
func ScheduleEvent(c clock.Clock, whenTicks float64, event chan<- struct{}) *Task {
	return Default().ScheduleEvent(c, whenTicks, event)
}

// SleepUntil blocks on the process-wide default scheduler.
func SleepUntil(c clock.Clock, whenTicks float64) {
	Default().SleepUntil(c, whenTicks)
}

// SleepFor blocks on the process-wide default scheduler.
func SleepFor(c clock.Clock, numTicks float64) {
	Default().SleepFor(c, numTicks)
}
