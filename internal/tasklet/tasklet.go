// Package tasklet implements the cooperative scheduler that drives the
// Session, Connection and Tag state machines. It is a direct port of
// original_source/lib/util/platform_ext.c's tasklet_create/
// get_next_tasklet/tasklet_runner loop, restructured in the idiom of the
// teacher's internal/queue/runner.go worker loop: a fixed pool of
// goroutines repeatedly walks a shared list of tasklets, running each
// one's step function to completion of a single (non-blocking) unit of
// work before moving to the next.
package tasklet

import (
	"context"
	"sync"
	"time"

	"github.com/behrlich/go-eip/internal/constants"
)

// StepResult is returned by a Step function to tell the scheduler
// whether to keep the tasklet scheduled or retire it.
type StepResult int

const (
	// Reschedule means the tasklet has more work to do; it stays on the
	// list and will be run again on a future pass.
	Reschedule StepResult = iota
	// Done means the tasklet has finished permanently; it is removed
	// from the list and will never run again.
	Done
)

// Step is a single non-blocking unit of work. Implementations must
// never block: socket I/O is performed through non-blocking file
// descriptors so a Step call always returns promptly.
type Step func(ctx context.Context) StepResult

// Tasklet is one scheduled unit of cooperative work.
type Tasklet struct {
	mu   sync.Mutex // analogue of the reference implementation's spin lock
	step Step
	next *Tasklet
}

// Scheduler owns a shared tasklet list and a pool of worker goroutines
// that walk it.
type Scheduler struct {
	listMu sync.Mutex
	list   *Tasklet

	startOnce sync.Once
	workers   int
	ctx       context.Context
	cancel    context.CancelFunc

	idleSleep func() // overridable in tests
}

// NewScheduler creates a scheduler with the given worker pool size. The
// pool is started lazily on the first Spawn call, mirroring
// tasklet_init_pool's once-guarded lazy initialization.
func NewScheduler(workers int) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
	}
}

var (
	defaultOnce sync.Once
	defaultSched *Scheduler
)

// Default returns the process-wide scheduler, creating it on first use.
func Default() *Scheduler {
	defaultOnce.Do(func() {
		defaultSched = NewScheduler(1)
	})
	return defaultSched
}

// Close stops all worker goroutines. Tasklets still on the list are
// abandoned; callers are expected to have already driven their owning
// state machines to completion.
func (s *Scheduler) Close() {
	s.cancel()
}

// Spawn adds a new tasklet to the scheduler, starting the worker pool
// if this is the first tasklet scheduled.
func (s *Scheduler) Spawn(step Step) *Tasklet {
	s.startOnce.Do(func() {
		for i := 0; i < s.workers; i++ {
			go s.run()
		}
	})

	t := &Tasklet{step: step}
	s.listMu.Lock()
	t.next = s.list
	s.list = t
	s.listMu.Unlock()
	return t
}

// next walks to the tasklet after cur (or the head, if cur is nil),
// skipping any tasklet currently locked by another worker. This is the
// Go analogue of get_next_tasklet's "find a tasklet we can lock" scan.
func (s *Scheduler) next(cur *Tasklet) *Tasklet {
	s.listMu.Lock()
	defer s.listMu.Unlock()

	var tmp *Tasklet
	if cur == nil {
		tmp = s.list
	} else {
		tmp = cur.next
	}

	for tmp != nil && !tmp.mu.TryLock() {
		tmp = tmp.next
	}
	return tmp
}

// remove unlinks t from the shared list. Callers must hold t.mu.
func (s *Scheduler) remove(t *Tasklet) {
	s.listMu.Lock()
	defer s.listMu.Unlock()

	if s.list == t {
		s.list = t.next
		return
	}
	for cur := s.list; cur != nil; cur = cur.next {
		if cur.next == t {
			cur.next = t.next
			return
		}
	}
}

// SetIdleSleep overrides the idle-pass sleep duration, primarily for
// tests that want the scheduler to spin faster than the 500ms default.
func (s *Scheduler) SetIdleSleep(d time.Duration) {
	s.idleSleep = func() { time.Sleep(d) }
}

func (s *Scheduler) sleepIdle() {
	if s.idleSleep != nil {
		s.idleSleep()
		return
	}
	time.Sleep(constants.TaskletIdleSleep)
}

func (s *Scheduler) run() {
	var cur *Tasklet
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		t := s.next(cur)
		if t == nil {
			cur = nil
			s.sleepIdle()
			continue
		}

		switch t.step(s.ctx) {
		case Done:
			next := t.next
			s.remove(t)
			t.mu.Unlock()
			cur = next
		default:
			t.mu.Unlock()
			cur = t
		}
	}
}
