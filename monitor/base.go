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

// Package monitor implements C6 (ptrace-based) and C7
// (seccomp-unotify-based) event loops. Both backends share base, the
// launch/readiness/limits sequencing spec §4.6/§4.7 describe as
// identical between them; only the syscall-interception loop itself
// differs, which is why PtraceMonitor and UnotifyMonitor each embed a
// *base* rather than duplicating it.
package monitor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nestybox/sandbox2/comms"
	"github.com/nestybox/sandbox2/deadline"
	"github.com/nestybox/sandbox2/domain"
)

// Config bundles the caller-tunable knobs both monitor backends share;
// the zero value is usable and matches the original's defaults.
type Config struct {
	// KillGrace is how long a requested Kill waits for a clean reap
	// before the monitor gives up on log-gathering and relies on
	// PTRACE_O_EXITKILL / SIGKILL having done their job. Spec §9 open
	// question (c): caller-configurable, no mandated default.
	KillGrace time.Duration

	// SetupDeadline bounds PTRACE_SEIZE's retry loop (spec §4.6: "1ms
	// to 20ms backoff, overall deadline 2s").
	SetupDeadline time.Duration
}

func (c Config) withDefaults() Config {
	if c.KillGrace == 0 {
		c.KillGrace = 2 * time.Second
	}
	if c.SetupDeadline == 0 {
		c.SetupDeadline = 2 * time.Second
	}
	return c
}

// base is the shared state/sequencing every monitor backend embeds.
type base struct {
	cfg Config

	forkClient domain.ForkClient
	req        *domain.ForkRequest
	policy     *domain.Policy
	notify     domain.Notify
	limits     domain.Limits

	sp *domain.SandboxeeProcess
	c  *comms.Comms

	result *domain.Result

	mu          sync.Mutex
	running     bool
	terminated  bool
	doneCh      chan struct{}
	killed      int32
	wallDeadline time.Time
}

func newBase(forkClient domain.ForkClient, req *domain.ForkRequest, notify domain.Notify, limits domain.Limits, cfg Config) *base {
	return &base{
		cfg:        cfg.withDefaults(),
		forkClient: forkClient,
		req:        req,
		policy:     req.Policy,
		notify:     notify,
		limits:     limits,
		doneCh:     make(chan struct{}),
		// A placeholder so launch's own failure path always has a
		// non-nil Result to record StatusSetupError on; Run replaces
		// this with the real pid once the fork server answers.
		result: domain.NewResult(0),
	}
}

// launch asks the fork server for a paused sandboxee and wraps its
// comms endpoint. Does not perform the readiness handshake: the
// ptrace backend must seize the pid first, so the handshake sequence
// is backend-specific and lives in each Run.
func (b *base) launch() error {
	sp, err := b.forkClient.SendRequest(b.req)
	if err != nil {
		b.result.SetExitStatusCode(domain.StatusSetupError, domain.ReasonFailedSubprocess)
		return fmt.Errorf("monitor: launch: %w", err)
	}
	b.sp = sp
	b.c = comms.NewFromFD(sp.CommsFD)
	return nil
}

// awaitReady blocks for the sandboxee's readiness ping (sent by
// forkserver.execveatUnlock right before it dups the comms fd and
// execs), per spec §5's ordering guarantee: the caller must observe
// this only after the ptrace backend's SEIZE has already returned.
func (b *base) awaitReady() error {
	if _, err := b.c.RecvBool(); err != nil {
		b.result.SetExitStatusCode(domain.StatusSetupError, domain.ReasonFailedIPC)
		return fmt.Errorf("monitor: await ready: %w", err)
	}
	return nil
}

// ackReady releases the sandboxee to proceed to its execveat unlock.
func (b *base) ackReady() error {
	if err := b.c.SendBool(true); err != nil {
		b.result.SetExitStatusCode(domain.StatusSetupError, domain.ReasonFailedIPC)
		return fmt.Errorf("monitor: ack ready: %w", err)
	}
	return nil
}

// applyLimits installs domain.Limits on the sandboxee's pid via
// prlimit64, and arms the wall-time deadline if one was requested.
func (b *base) applyLimits() error {
	if !b.limits.IsZero() {
		if err := applyRlimits(b.sp.Pid, b.limits); err != nil {
			b.result.SetExitStatusCode(domain.StatusSetupError, domain.ReasonFailedLimits)
			return fmt.Errorf("monitor: apply limits: %w", err)
		}
	}
	if b.limits.WallTime > 0 {
		b.armWalltime(b.limits.WallTime)
	}
	return nil
}

func (b *base) armWalltime(d time.Duration) {
	b.mu.Lock()
	b.wallDeadline = time.Now().Add(d)
	deadline.Global().SetDeadline(b.sp.Pid, b.wallDeadline)
	b.mu.Unlock()
}

// SetWalltimeLimit implements domain.Monitor.
func (b *base) SetWalltimeLimit(d time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sp == nil {
		return fmt.Errorf("monitor: SetWalltimeLimit before Run")
	}
	if d <= 0 {
		b.wallDeadline = time.Time{}
		deadline.Global().Cancel(b.sp.Pid)
		return nil
	}
	b.wallDeadline = time.Now().Add(d)
	deadline.Global().SetDeadline(b.sp.Pid, b.wallDeadline)
	return nil
}

// Result implements domain.Monitor.
func (b *base) Result() *domain.Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.result
}

// IsTerminated implements domain.Monitor.
func (b *base) IsTerminated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminated
}

func (b *base) markTerminated() {
	b.mu.Lock()
	already := b.terminated
	b.terminated = true
	b.mu.Unlock()
	if !already {
		close(b.doneCh)
	}
	if b.sp != nil {
		deadline.Global().Cancel(b.sp.Pid)
	}
}

// killRequested reports whether Kill() was called, for a monitor's
// event loop to check once per iteration.
func (b *base) killRequested() bool {
	return atomic.LoadInt32(&b.killed) != 0
}

// requestKill is Kill's backend-agnostic half: mark the flag, send
// SIGKILL to the main pid, and arm the grace deadline. The backend's
// own Kill wraps this with whatever wakeup its event loop needs
// (deadline-manager signal for ptrace, an eventfd write for unotify).
func (b *base) requestKill() {
	if !atomic.CompareAndSwapInt32(&b.killed, 0, 1) {
		return
	}
	if b.sp != nil && b.sp.Pid > 0 {
		if err := unix.Kill(b.sp.Pid, unix.SIGKILL); err != nil {
			log.WithError(err).WithField("pid", b.sp.Pid).Warn("monitor: kill sandboxee")
		}
		deadline.Global().SetDeadline(b.sp.Pid, time.Now().Add(b.cfg.KillGrace))
	}
}
