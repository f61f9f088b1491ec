// Package schedule provides a cancelable delayed-task abstraction used
// for quarantine and approval expiry. Production code runs on real
// timers; tests swap in the manual scheduler and advance virtual time
// deterministically instead of sleeping.
package schedule

import (
	"sort"
	"sync"
	"time"
)

// CancelFunc cancels a scheduled task. It reports whether the task was
// still pending; a task that already fired or was already canceled
// returns false.
type CancelFunc func() bool

// Scheduler runs a callback once after a delay.
type Scheduler interface {
	After(d time.Duration, fn func()) CancelFunc
}

// Timers is the production scheduler backed by time.AfterFunc. Canceled
// tasks release their timer immediately, so sustained load does not leak
// timers.
type Timers struct{}

func (Timers) After(d time.Duration, fn func()) CancelFunc {
	t := time.AfterFunc(d, fn)
	return t.Stop
}

// Manual is a virtual-time scheduler for tests. Tasks fire only when
// Advance crosses their deadline, synchronously on the calling
// goroutine, in deadline order.
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	seq   int
	tasks map[int]*manualTask
}

type manualTask struct {
	id int
	at time.Time
	fn func()
}

// NewManual creates a manual scheduler whose clock starts at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start, tasks: make(map[int]*manualTask)}
}

// Now returns the current virtual time. Components taking an injectable
// clock can use it directly.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(d time.Duration, fn func()) CancelFunc {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.seq
	m.seq++
	m.tasks[id] = &manualTask{id: id, at: m.now.Add(d), fn: fn}
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.tasks[id]; !ok {
			return false
		}
		delete(m.tasks, id)
		return true
	}
}

// Advance moves virtual time forward by d and fires every task whose
// deadline was reached. Callbacks run outside the scheduler lock, so
// they may schedule or cancel further tasks.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	due := make([]*manualTask, 0, len(m.tasks))
	for id, task := range m.tasks {
		if !task.at.After(m.now) {
			due = append(due, task)
			delete(m.tasks, id)
		}
	}
	m.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].id < due[j].id
		}
		return due[i].at.Before(due[j].at)
	})
	for _, task := range due {
		task.fn()
	}
}

// Pending reports how many tasks have not fired or been canceled.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}
