package kademlia

import (
	"container/heap"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// forever is used as the worker timer's duration when no task is queued;
// it is reset as soon as a task is scheduled.
const forever = 24 * time.Hour

// TaskID identifies a scheduled task for later cancellation.
type TaskID uint64

// taskKind distinguishes one-shot from periodic tasks.
type taskKind int

const (
	kindOnce taskKind = iota
	kindPeriodic
)

// schedItem is one entry of the scheduler's deadline priority queue.
type schedItem struct {
	id       TaskID
	deadline int64 // UnixNano, for heap ordering
	kind     taskKind
	period   int64 // nanoseconds, only meaningful for kindPeriodic
	fn       func()
	index    int // heap.Interface bookkeeping
	canceled bool
}

// schedQueue is a container/heap min-heap ordered by deadline.
type schedQueue []*schedItem

func (q schedQueue) Len() int            { return len(q) }
func (q schedQueue) Less(i, j int) bool  { return q[i].deadline < q[j].deadline }
func (q schedQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}
func (q *schedQueue) Push(x any) {
	item := x.(*schedItem)
	item.index = len(*q)
	*q = append(*q, item)
}
func (q *schedQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// Scheduler is the single monotonic-time priority queue of deadline tasks
// spec §4.10 describes: it is the sole authority for RPC timeouts and the
// periodic DataStore expiry/refresh sweeps (§4.8). Grounded on the
// design note's container/heap suggestion and an injected benbjohnson/clock
// so tests can advance time without sleeping.
type Scheduler struct {
	clock clock.Clock

	mu     sync.Mutex
	queue  schedQueue
	items  map[TaskID]*schedItem
	nextID TaskID
	wake   chan struct{}

	stopOnce sync.Once
	done     chan struct{}
}

// NewScheduler starts the scheduler's dedicated worker goroutine. Pass
// clock.NewMock() in tests.
func NewScheduler(clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	s := &Scheduler{
		clock: clk,
		items: make(map[TaskID]*schedItem),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	heap.Init(&s.queue)
	go s.run()
	return s
}

// ScheduleOnce runs fn once after delay elapses.
func (s *Scheduler) ScheduleOnce(delay time.Duration, fn func()) TaskID {
	return s.schedule(delay, 0, kindOnce, fn)
}

// SchedulePeriodic runs fn repeatedly every period, starting after the
// first period elapses.
func (s *Scheduler) SchedulePeriodic(period time.Duration, fn func()) TaskID {
	return s.schedule(period, period, kindPeriodic, fn)
}

func (s *Scheduler) schedule(delay, period time.Duration, kind taskKind, fn func()) TaskID {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	item := &schedItem{
		id:       id,
		deadline: s.clock.Now().Add(delay).UnixNano(),
		kind:     kind,
		period:   int64(period),
		fn:       fn,
	}
	s.items[id] = item
	heap.Push(&s.queue, item)
	s.mu.Unlock()

	s.nudge()
	return id
}

// Cancel prevents a scheduled task from firing again. A periodic task
// already in flight finishes its current invocation; no further ones run.
func (s *Scheduler) Cancel(id TaskID) {
	s.mu.Lock()
	if item, ok := s.items[id]; ok {
		item.canceled = true
		delete(s.items, id)
	}
	s.mu.Unlock()
}

// Stop halts the worker goroutine. No further tasks fire after Stop
// returns.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	timer := s.clock.Timer(forever)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var nextDelay time.Duration
		if s.queue.Len() == 0 {
			nextDelay = forever
		} else {
			next := s.queue[0]
			nextDelay = time.Duration(next.deadline - s.clock.Now().UnixNano())
			if nextDelay < 0 {
				nextDelay = 0
			}
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(nextDelay)

		select {
		case <-s.done:
			return
		case <-s.wake:
			continue
		case <-timer.C:
			s.fireDue()
		}
	}
}

func (s *Scheduler) fireDue() {
	now := s.clock.Now().UnixNano()

	var due []*schedItem
	s.mu.Lock()
	for s.queue.Len() > 0 && s.queue[0].deadline <= now {
		item := heap.Pop(&s.queue).(*schedItem)
		if item.canceled {
			continue
		}
		due = append(due, item)
		if item.kind == kindPeriodic {
			item.deadline = now + item.period
			heap.Push(&s.queue, item)
		} else {
			delete(s.items, item.id)
		}
	}
	s.mu.Unlock()

	for _, item := range due {
		item.fn()
	}
}
