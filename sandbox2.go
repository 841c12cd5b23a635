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

// Package sandbox2 is C9: the façade a caller actually constructs and
// drives. It wires together a policy.PolicyBuilder's output, a
// forkserver.Client, and one of the two monitor backends behind the
// single domain.Monitor interface, the way sysbox-fs's top-level
// services package wires a SyscallMonitorService on top of its own
// seccomp/nsenter/process packages rather than exposing those
// directly to callers.
package sandbox2

import (
	"fmt"
	"sync"
	"time"

	"github.com/nestybox/sandbox2/domain"
	"github.com/nestybox/sandbox2/forkserver"
	"github.com/nestybox/sandbox2/monitor"
)

// Executor describes the target binary and its environment: what
// sandbox2.New needs in addition to a compiled *domain.Policy.
type Executor struct {
	Path string
	Argv []string
	Envv []string
	Cwd  string

	Capabilities []string
	Namespace    *domain.Namespace
	Limits       domain.Limits
}

// Sandbox2 runs one sandboxee under a compiled policy and reports its
// terminal Result. It is single-use: construct a new one per run, the
// way the original's Sandbox2 class is one object per sandboxee.
type Sandbox2 struct {
	policy   *domain.Policy
	exec     Executor
	notify   domain.Notify
	cfg      monitor.Config
	useNotify bool

	mu      sync.Mutex
	mon     domain.Monitor
	started bool
	runErr  error
	doneCh  chan struct{}
}

// New builds a Sandbox2 that will run exec under policy via the
// default ptrace backend. Call EnableUnotifyMonitor before Run to
// switch backends.
func New(policy *domain.Policy, exec Executor, notify domain.Notify) *Sandbox2 {
	return &Sandbox2{
		policy: policy,
		exec:   exec,
		notify: notify,
		doneCh: make(chan struct{}),
	}
}

// WithMonitorConfig overrides the monitor's KillGrace/SetupDeadline
// defaults. Must be called before Run/RunAsync.
func (s *Sandbox2) WithMonitorConfig(cfg monitor.Config) *Sandbox2 {
	s.cfg = cfg
	return s
}

// EnableUnotifyMonitor switches to C7 (SECCOMP_RET_USER_NOTIF)
// instead of the default ptrace backend. Per spec §4.7 this requires
// namespaces (so the untrusted sandboxee can't forge SCM_RIGHTS
// credentials onto the notify fd) and is incompatible with any
// stack-trace-on-signal/on-timeout/on-kill policy flag, since unotify
// never stops the tracee to read its registers.
func (s *Sandbox2) EnableUnotifyMonitor() error {
	if s.exec.Namespace == nil {
		return fmt.Errorf("sandbox2: EnableUnotifyMonitor requires namespaces")
	}
	if s.policy != nil && s.policy.CollectStacktraceOn&^domain.CollectOnViolation != 0 {
		return fmt.Errorf("sandbox2: EnableUnotifyMonitor is incompatible with stack traces on signal/timeout/kill")
	}
	s.useNotify = true
	return nil
}

// Run starts the sandboxee and blocks until it reaches a terminal
// Result, returning the same error AwaitResult would.
func (s *Sandbox2) Run() error {
	if err := s.RunAsync(); err != nil {
		return err
	}
	return s.AwaitResult()
}

// RunAsync starts the sandboxee without blocking for its Result.
func (s *Sandbox2) RunAsync() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("sandbox2: already started")
	}
	s.started = true

	forkClient, err := forkserver.Global()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("sandbox2: fork server: %w", err)
	}

	req := &domain.ForkRequest{
		Mode:          domain.ForkExecve,
		Path:          s.exec.Path,
		Argv:          s.exec.Argv,
		Envv:          s.exec.Envv,
		Cwd:           s.exec.Cwd,
		Namespace:     s.exec.Namespace,
		Capabilities:  s.exec.Capabilities,
		Policy:        s.policy,
		ExecveatMagic: domain.ExecveatMagic,
	}

	if s.useNotify {
		s.mon = monitor.NewUnotifyMonitor(forkClient, req, s.notify, s.exec.Limits, s.cfg)
	} else {
		s.mon = monitor.NewPtraceMonitor(forkClient, req, s.notify, s.exec.Limits, s.cfg)
	}
	mon := s.mon
	s.mu.Unlock()

	go func() {
		err := mon.Run()
		s.mu.Lock()
		s.runErr = err
		s.mu.Unlock()
		close(s.doneCh)
	}()

	return nil
}

// AwaitResult blocks until the run is complete and returns a non-nil
// error for any non-StatusOK outcome (Result.ToStatus's contract).
func (s *Sandbox2) AwaitResult() error {
	<-s.doneCh
	s.mu.Lock()
	mon, runErr := s.mon, s.runErr
	s.mu.Unlock()
	if runErr != nil {
		return runErr
	}
	return mon.Result().ToStatus()
}

// AwaitResultWithTimeout blocks for at most d, returning
// context.DeadlineExceeded-shaped behavior via a plain error if the
// sandboxee hasn't finished yet; it does not kill the sandboxee.
func (s *Sandbox2) AwaitResultWithTimeout(d time.Duration) error {
	select {
	case <-s.doneCh:
		return s.AwaitResult()
	case <-time.After(d):
		return fmt.Errorf("sandbox2: AwaitResultWithTimeout: still running after %s", d)
	}
}

// Result returns the current (possibly still UNSET) Result.
func (s *Sandbox2) Result() *domain.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mon == nil {
		return nil
	}
	return s.mon.Result()
}

// Kill terminates the sandboxee immediately.
func (s *Sandbox2) Kill() error {
	s.mu.Lock()
	mon := s.mon
	s.mu.Unlock()
	if mon == nil {
		return fmt.Errorf("sandbox2: Kill before Run")
	}
	return mon.Kill()
}

// IsTerminated reports whether the run has finished.
func (s *Sandbox2) IsTerminated() bool {
	s.mu.Lock()
	mon := s.mon
	s.mu.Unlock()
	return mon != nil && mon.IsTerminated()
}

// SetWalltimeLimit adjusts (or clears, with d<=0) the wall-time
// deadline for the running sandboxee.
func (s *Sandbox2) SetWalltimeLimit(d time.Duration) error {
	s.mu.Lock()
	mon := s.mon
	s.mu.Unlock()
	if mon == nil {
		return fmt.Errorf("sandbox2: SetWalltimeLimit before Run")
	}
	return mon.SetWalltimeLimit(d)
}

// Pid returns the sandboxee's pid, or 0 before Run has launched it.
func (s *Sandbox2) Pid() int {
	r := s.Result()
	if r == nil {
		return 0
	}
	return r.Pid()
}
