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

// Package waiter batches wait4/WNOHANG polling for every pid this
// process cares about behind a single background poller, and hands
// out per-pid death notifications. The monitors do not use this
// package: each calls unix.Wait4 on its sandboxee itself (the ptrace
// backend under deadline.Manager.ExecuteBlockingSyscall). Waiter's job
// is the bookkeeping pids that get
// reparented to the fork server as a PID namespace's subreaper and
// that nothing is synchronously blocked on.
package waiter

import (
	"fmt"
	"sync"
	"time"

	"github.com/nestybox/sysbox-libs/pidmonitor"
	"golang.org/x/sys/unix"
)

// Event is a pid-death notification.
type Event struct {
	Pid int
	Err error
}

// Waiter multiplexes pidmonitor's single event channel out to
// per-pid subscriber channels, the same fan-out
// seccomp/tracer.go's sessionsMonitor does for seccomp sessions,
// generalized here to any caller (forkserver's reaper, a monitor's
// shutdown path) that wants to know when a specific pid exits.
type Waiter struct {
	pm *pidmonitor.PidMon

	mu          sync.Mutex
	subscribers map[uint32]chan<- Event
}

// New starts the background poller. pollIntervalMs mirrors the
// teacher's pidmonitor.Cfg{500} call — 500ms between WNOHANG sweeps
// unless the caller wants tighter latency.
func New(pollIntervalMs int) (*Waiter, error) {
	pm, err := pidmonitor.New(&pidmonitor.Cfg{PollInterval: pollIntervalMs})
	if err != nil {
		return nil, fmt.Errorf("waiter: pidmonitor.New: %w", err)
	}

	w := &Waiter{
		pm:          pm,
		subscribers: make(map[uint32]chan<- Event),
	}
	go w.dispatch()
	return w, nil
}

// Track registers pid for death notification, delivered once on ch.
func (w *Waiter) Track(pid uint32, ch chan<- Event) error {
	w.mu.Lock()
	w.subscribers[pid] = ch
	w.mu.Unlock()

	return w.pm.AddEvent([]pidmonitor.PidEvent{
		{Pid: pid, Event: pidmonitor.Exit, Err: nil},
	})
}

// Untrack drops pid's subscription without waiting for it to fire,
// e.g. because the caller observed the pid's death some other way
// first (a synchronous Wait on the same pid).
func (w *Waiter) Untrack(pid uint32) {
	w.mu.Lock()
	delete(w.subscribers, pid)
	w.mu.Unlock()
}

func (w *Waiter) dispatch() {
	for {
		events := <-w.pm.EventCh
		for _, ev := range events {
			w.mu.Lock()
			ch, ok := w.subscribers[ev.Pid]
			delete(w.subscribers, ev.Pid)
			w.mu.Unlock()

			if ok {
				ch <- Event{Pid: int(ev.Pid), Err: ev.Err}
			}

			// Give priority to Track()/Untrack() callers waiting on
			// w.mu rather than starving them behind a long event batch.
			time.Sleep(10 * time.Microsecond)
		}
	}
}

// Wait performs one non-blocking wait4(pid, WNOHANG) and reports
// whether pid has a status to collect: a one-shot check, not a
// replacement for Track's asynchronous notification.
func Wait(pid int) (status unix.WaitStatus, rusage unix.Rusage, reaped bool, err error) {
	got, err := unix.Wait4(pid, &status, unix.WNOHANG, &rusage)
	if err != nil {
		return status, rusage, false, fmt.Errorf("waiter: wait4(%d): %w", pid, err)
	}
	return status, rusage, got == pid, nil
}
