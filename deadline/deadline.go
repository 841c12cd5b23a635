//
// Copyright 2019-2022 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package deadline tracks per-sandboxee wall-clock deadlines and
// interrupts a blocked syscall once one expires, by delivering a
// dedicated realtime signal to the monitor's own OS thread that is
// stuck inside the blocking call (a waitpid or ptrace op against the
// sandboxee, not a signal the sandboxee itself ever observes). A
// monitor's event loop treats that signal as "re-check the deadline,
// then either let the syscall retry or declare TIMEOUT".
package deadline

import (
	"container/heap"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Signal is the realtime signal used to interrupt a blocked syscall.
// SIGRTMIN+2 is chosen to stay clear of SIGRTMIN/SIGRTMIN+1, which
// glibc's NPTL implementation reserves for its own use.
var Signal = unix.SIGRTMIN() + 2

// resolution bounds how long a signal can go unnoticed before
// fireExpired resends it: the manager's timer wakes at most this often
// while any registration is outstanding, per spec §4.3's "rounded up
// to a fixed resolution (10ms)".
const resolution = 10 * time.Millisecond

// Registration is a single pid's deadline entry. Tid is the OS thread
// currently blocked on pid's behalf, captured by ExecuteBlockingSyscall
// right before it calls fn; it is 0 while a deadline is armed ahead of
// time via SetDeadline (e.g. a wall-time limit set before the next
// blocking call starts), in which case there is nothing to signal yet
// and fireExpired simply drops the registration — the next
// ExecuteBlockingSyscall for this pid will see the expired deadline
// and return ErrTimeout without ever blocking.
type Registration struct {
	Pid int
	Tid int
	At  time.Time

	index int // heap bookkeeping
}

// Manager is a process-wide singleton: one goroutine timer drives
// every registered sandboxee's deadline rather than one timer per
// sandboxee, so a host running many short-lived sandboxees doesn't
// spend a goroutine and OS timer per one.
type Manager struct {
	mu   sync.Mutex
	pq   deadlineHeap
	byPid map[int]*Registration

	wake chan struct{}
}

var (
	globalOnce sync.Once
	global     *Manager
)

// Global returns the process-wide Manager, starting its background
// goroutine on first use.
func Global() *Manager {
	globalOnce.Do(func() {
		// A real-time signal's default disposition is to terminate the
		// receiving thread group; installing a handler here, even one
		// that never reads from the channel, turns Signal from a kill
		// switch into a no-op that just unblocks whatever syscall a
		// traced thread is stuck in, per spec §4.3's "installed as a
		// no-op handler at first use". Signal is used for nothing else
		// in this process.
		signal.Notify(make(chan os.Signal, 1), Signal)
		global = newManager()
		go global.run()
	})
	return global
}

func newManager() *Manager {
	return &Manager{
		byPid: make(map[int]*Registration),
		wake:  make(chan struct{}, 1),
	}
}

// SetDeadline registers or replaces the deadline for pid, with no
// thread to signal yet. A zero time.Time cancels any existing deadline
// for pid. ExecuteBlockingSyscall is what actually attaches a thread
// once one is blocked.
func (m *Manager) SetDeadline(pid int, at time.Time) {
	m.setDeadline(pid, at, 0)
}

func (m *Manager) setDeadline(pid int, at time.Time, tid int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byPid[pid]; ok {
		// A plain SetDeadline (tid==0) replaces or clears the
		// deadline; it must not detach the thread an in-flight
		// ExecuteBlockingSyscall already attached, or a kill-grace
		// deadline set while a wait4 is blocked would go unsignaled
		// until that call happens to return on its own.
		if tid == 0 {
			tid = existing.Tid
		}
		heap.Remove(&m.pq, existing.index)
		delete(m.byPid, pid)
	}

	if at.IsZero() {
		m.poke()
		return
	}

	reg := &Registration{Pid: pid, Tid: tid, At: at}
	heap.Push(&m.pq, reg)
	m.byPid[pid] = reg
	m.poke()
}

// Cancel removes pid's deadline, e.g. once its monitor has observed
// termination.
func (m *Manager) Cancel(pid int) {
	m.SetDeadline(pid, time.Time{})
}

func (m *Manager) poke() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		m.mu.Lock()
		var next time.Duration = time.Hour
		if m.pq.Len() > 0 {
			next = time.Until(m.pq[0].At)
		}
		m.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if next < 0 {
			next = 0
		}
		timer.Reset(next)

		select {
		case <-timer.C:
			m.fireExpired()
		case <-m.wake:
		}
	}
}

func (m *Manager) fireExpired() {
	now := time.Now()

	m.mu.Lock()
	var toSignal []*Registration
	for m.pq.Len() > 0 && !m.pq[0].At.After(now) {
		reg := heap.Pop(&m.pq).(*Registration)
		if reg.Tid == 0 {
			// Armed ahead of a blocking call that hasn't started yet;
			// nothing is actually stuck, so there's nothing to
			// interrupt. The next ExecuteBlockingSyscall for this pid
			// checks the deadline itself before blocking.
			delete(m.byPid, reg.Pid)
			continue
		}
		// The blocking call may still be running after this tick;
		// reschedule the registration so a missed signal (the thread
		// wasn't yet inside the syscall, or the signal raced with a
		// retry) gets resent at the next resolution tick, until the
		// deferred Cancel in ExecuteBlockingSyscall removes it.
		reg.At = now.Add(resolution)
		heap.Push(&m.pq, reg)
		toSignal = append(toSignal, reg)
	}
	m.mu.Unlock()

	for _, reg := range toSignal {
		if err := unix.Tgkill(os.Getpid(), reg.Tid, Signal); err != nil {
			// The thread already returned from the blocking call and
			// exited, or was reaped; nothing left to interrupt.
			_ = err
		}
	}
}

// ExecuteBlockingSyscall runs fn (a thin wrapper around a blocking
// syscall like waitpid or a ptrace op) on the calling goroutine's OS
// thread, with a deadline registered against that exact thread: once
// the deadline passes, the manager delivers Signal straight to this
// thread (via tgkill, not to pid) until fn returns, so a blocked
// waitpid/ptrace call unblocks with EINTR instead of hanging forever.
// If the deadline had already passed before fn was ever called, fn is
// not invoked at all. Either way a post-deadline EINTR is translated
// into ErrTimeout rather than being retried, matching the original's
// "blocking calls are deadline-aware" contract.
func (m *Manager) ExecuteBlockingSyscall(pid int, deadlineAt time.Time, fn func() error) error {
	if !deadlineAt.IsZero() && !time.Now().Before(deadlineAt) {
		return fmt.Errorf("deadline: pid %d: %w", pid, ErrTimeout)
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	tid := unix.Gettid()

	m.setDeadline(pid, deadlineAt, tid)
	defer m.Cancel(pid)

	err := fn()
	if err == unix.EINTR && !deadlineAt.IsZero() && !time.Now().Before(deadlineAt) {
		return fmt.Errorf("deadline: pid %d: %w", pid, ErrTimeout)
	}
	return err
}

// ErrTimeout is returned by ExecuteBlockingSyscall when a blocking
// call was interrupted after its deadline passed.
var ErrTimeout = fmt.Errorf("blocking syscall interrupted past its deadline")

type deadlineHeap []*Registration

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].At.Before(h[j].At) }
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x interface{}) {
	reg := x.(*Registration)
	reg.index = len(*h)
	*h = append(*h, reg)
}

func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	reg := old[n-1]
	old[n-1] = nil
	reg.index = -1
	*h = old[:n-1]
	return reg
}
