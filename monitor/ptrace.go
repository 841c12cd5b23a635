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

package monitor

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nestybox/sandbox2/deadline"
	"github.com/nestybox/sandbox2/domain"
	"github.com/nestybox/sandbox2/stacktrace"
)

// PtraceMonitor is C6: the PTRACE_SEIZE + PTRACE_O_TRACESECCOMP event
// loop. It is the default backend (sandbox2.New picks it unless
// EnableUnotifyMonitor is set), grounded on the ptrace_linux_amd64.go
// and ptracer.go reference trackers in other_examples/ — the pack's
// teacher (sysbox-fs) doesn't ptrace-attach to anything itself, so
// this backend's control flow is learned from those files rather than
// generalized from the teacher's own code; its IPC, limits and
// deadline plumbing reuse base exactly as the unotify backend does.
type PtraceMonitor struct {
	*base

	execTransitioned bool
	pending          map[int]*domain.Syscall // pid -> syscall awaiting EventReturn
	denied           map[int]int32           // pid -> errno to force at the next syscall-exit stop
	permitAllDebug   bool
}

// NewPtraceMonitor builds a PtraceMonitor ready for Run. req.Policy
// must be the non-notify-substituted compile (policy.PolicyBuilder
// produces both; the ptrace backend always uses Policy.Filter).
func NewPtraceMonitor(forkClient domain.ForkClient, req *domain.ForkRequest, notify domain.Notify, limits domain.Limits, cfg Config) *PtraceMonitor {
	req.UsesNotify = false
	return &PtraceMonitor{
		base:    newBase(forkClient, req, notify, limits, cfg),
		pending: make(map[int]*domain.Syscall),
		denied:  make(map[int]int32),
	}
}

// Run implements domain.Monitor: drives the sandboxee from launch to
// a terminal Result.
func (m *PtraceMonitor) Run() error {
	defer m.markTerminated()

	if err := m.launch(); err != nil {
		return err
	}

	m.mu.Lock()
	m.result = domain.NewResult(m.sp.Pid)
	m.mu.Unlock()

	if err := m.seizeAll(); err != nil {
		m.result.SetExitStatusCode(domain.StatusSetupError, domain.ReasonFailedPtrace)
		return err
	}
	if err := m.awaitReady(); err != nil {
		return err
	}
	if err := m.applyLimits(); err != nil {
		return err
	}
	if m.policy != nil && m.policy.DefaultAllowAll {
		log.WithField("pid", m.sp.Pid).Warn("ptrace monitor: running a DangerDefaultAllowAll policy")
	}
	if err := m.ackReady(); err != nil {
		return err
	}

	m.eventLoop()
	return nil
}

// Kill implements domain.Monitor.
func (m *PtraceMonitor) Kill() error {
	m.requestKill()
	m.result.SetExitStatusCode(domain.StatusExternalKill, 0)
	return nil
}

// seizeAll attaches to the sandboxee's main task and every already
// existing sibling task per spec §4.6, skipping a task that is gone
// (ESRCH) and retrying EPERM with a 1ms→20ms exponential backoff
// bounded by a 2s overall deadline. If
// the task list grows between listing and seizing, setup fails.
func (m *PtraceMonitor) seizeAll() error {
	opts := unix.PTRACE_O_TRACESECCOMP | unix.PTRACE_O_TRACEFORK | unix.PTRACE_O_TRACEVFORK |
		unix.PTRACE_O_TRACECLONE | unix.PTRACE_O_TRACEEXEC | unix.PTRACE_O_TRACEEXIT |
		unix.PTRACE_O_EXITKILL | unix.PTRACE_O_TRACESYSGOOD

	before, err := listTasks(m.sp.Pid)
	if err != nil {
		return fmt.Errorf("monitor: list tasks: %w", err)
	}

	deadlineAt := time.Now().Add(m.cfg.SetupDeadline)
	backoff := time.Millisecond

	for _, tid := range before {
		for {
			_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_SEIZE, uintptr(tid), 0, uintptr(opts), 0, 0)
			if errno == 0 {
				break
			}
			if errno == unix.ESRCH {
				break // task exited between listing and seizing: benign.
			}
			if errno == unix.EPERM && time.Now().Before(deadlineAt) {
				time.Sleep(backoff)
				backoff *= 2
				if backoff > 20*time.Millisecond {
					backoff = 20 * time.Millisecond
				}
				continue
			}
			return fmt.Errorf("monitor: PTRACE_SEIZE(%d): %w", tid, errno)
		}
	}

	after, err := listTasks(m.sp.Pid)
	if err != nil {
		return fmt.Errorf("monitor: recheck tasks: %w", err)
	}
	if len(after) > len(before) {
		return fmt.Errorf("monitor: task set grew from %d to %d while seizing", len(before), len(after))
	}
	return nil
}

func listTasks(pid int) ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return []int{pid}, nil // pid may not have separate threads yet; seize it directly.
	}
	var tids []int
	for _, e := range entries {
		if tid, err := strconv.Atoi(e.Name()); err == nil {
			tids = append(tids, tid)
		}
	}
	if len(tids) == 0 {
		tids = []int{pid}
	}
	return tids, nil
}

// eventLoop is the ptrace backend's single-threaded state machine,
// driven by a deadline-aware wait4(-1, ...) the way ptracer.go's
// traceWithSeccomp loop drives its own wait4, generalized here to
// also arm deadline.Global so TIMEOUT/Kill interrupt a blocked wait.
func (m *PtraceMonitor) eventLoop() {
	for {
		var ws unix.WaitStatus
		var ru unix.Rusage
		var pid int

		deadlineAt := m.currentDeadline()
		err := deadline.Global().ExecuteBlockingSyscall(m.sp.Pid, deadlineAt, func() error {
			p, e := unix.Wait4(-1, &ws, 0, &ru)
			pid = p
			return e
		})

		if err != nil {
			if err == deadline.ErrTimeout {
				m.onTimeoutOrKillDeadline()
				continue
			}
			if err == unix.EINTR {
				continue
			}
			if err == unix.ECHILD {
				return
			}
			log.WithError(err).Warn("ptrace monitor: wait4")
			continue
		}

		if ws.Exited() {
			m.onExited(pid, ws, ru)
			continue
		}
		if ws.Signaled() {
			m.onSignaled(pid, ws, ru)
			continue
		}
		if ws.Stopped() {
			if m.onStopped(pid, ws) {
				return
			}
			continue
		}
	}
}

func (m *PtraceMonitor) currentDeadline() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wallDeadline
}

// onTimeoutOrKillDeadline fires when the deadline manager's signal
// interrupted the blocking wait4: either the wall-time limit expired,
// or a requested Kill's grace period did. Either way the sandboxee is
// (or is about to be) dead; record TIMEOUT only if nothing else beat
// us to setting the result, per spec's "timeouts/kills rewrite prior
// status only if still UNSET" rule (handled by SetExitStatusCode
// itself).
func (m *PtraceMonitor) onTimeoutOrKillDeadline() {
	if m.killRequested() {
		return // Kill already owns the result; just keep draining.
	}
	m.result.SetExitStatusCode(domain.StatusTimeout, 0)
	if m.policy != nil && m.policy.CollectStacktraceOn&domain.CollectOnTimeout != 0 {
		m.collectStackTrace(m.sp.Pid)
	}
	if err := unix.Kill(m.sp.Pid, unix.SIGKILL); err != nil {
		log.WithError(err).Warn("ptrace monitor: kill on timeout")
	}
}

func (m *PtraceMonitor) onExited(pid int, ws unix.WaitStatus, ru unix.Rusage) {
	if pid != m.sp.Pid {
		return
	}
	if !m.execTransitioned {
		m.result.SetExitStatusCode(domain.StatusSetupError, domain.ReasonFailedMonitor)
		return
	}
	m.result.ExitCode = ws.ExitStatus()
	m.result.Rusage = syscall.Rusage(ru)
	m.result.SetExitStatusCode(domain.StatusOK, 0)
}

func (m *PtraceMonitor) onSignaled(pid int, ws unix.WaitStatus, ru unix.Rusage) {
	if pid != m.sp.Pid {
		return
	}
	m.result.Rusage = syscall.Rusage(ru)
	switch {
	case m.killRequested():
		m.result.SetExitStatusCode(domain.StatusExternalKill, 0)
		if m.policy != nil && m.policy.CollectStacktraceOn&domain.CollectOnKill != 0 {
			m.collectStackTrace(pid)
		}
	default:
		m.result.Signal = syscall.Signal(ws.Signal())
		m.result.SetExitStatusCode(domain.StatusSignaled, 0)
		if m.policy != nil && m.policy.CollectStacktraceOn&domain.CollectOnSignal != 0 {
			m.collectStackTrace(pid)
		}
	}
}

// onStopped handles a PTRACE-stopped task. It returns whether the
// event loop should exit; every stop handled here returns false.
func (m *PtraceMonitor) onStopped(pid int, ws unix.WaitStatus) bool {
	sig := ws.StopSignal()

	// PTRACE_O_TRACESYSGOOD ORs 0x80 into SIGTRAP for a plain
	// syscall-entry/exit stop (as opposed to a PTRACE_EVENT_* stop or a
	// genuine signal-delivery stop); this is how onSeccompTrap's
	// single-stepped ActionInspectAfterReturn/ActionDeny follow-ups are
	// told apart from every other SIGTRAP cause.
	if sig == unix.SIGTRAP|0x80 {
		m.onSyscallStop(pid)
		ptraceCont(pid, 0)
		return false
	}

	if sig != unix.SIGTRAP {
		if isGroupStopSignal(sig) {
			ptraceListen(pid)
			return false
		}
		ptraceCont(pid, int(sig))
		return false
	}

	switch cause := ws.TrapCause(); cause {
	case unix.PTRACE_EVENT_SECCOMP:
		if m.onSeccompTrap(pid) {
			return false // onSeccompTrap already issued PTRACE_SYSCALL to await the exit stop.
		}
	case unix.PTRACE_EVENT_EXIT:
		m.onPtraceEventExit(pid)
	case unix.PTRACE_EVENT_EXEC:
		m.execTransitioned = true
	case unix.PTRACE_EVENT_CLONE, unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK:
		m.onCloneEvent(pid)
	}

	ptraceCont(pid, 0)
	return false
}

func isGroupStopSignal(sig unix.Signal) bool {
	switch sig {
	case unix.SIGSTOP, unix.SIGTSTP, unix.SIGTTIN, unix.SIGTTOU:
		return true
	default:
		return false
	}
}

// onSeccompTrap fires for every PTRACE_EVENT_SECCOMP stop: the
// execveat unlock (before m.execTransitioned), a cross-architecture
// syscall, or a syscall the policy routed to a Notify callback. It
// returns true if it already resumed the task itself (awaiting a
// syscall-exit stop via PTRACE_SYSCALL), telling onStopped not to
// issue its own PTRACE_CONT on top of that.
func (m *PtraceMonitor) onSeccompTrap(pid int) bool {
	r, err := getRegs(pid)
	if err != nil {
		m.result.SetExitStatusCode(domain.StatusInternalError, domain.ReasonFailedFetch)
		return false
	}
	sc := r.ToSyscall()

	// A nonzero SECCOMP_RET_DATA here can only be domain.ArchMismatchTag:
	// policy.PrependArchCheckTrace is the only thing that ORs data into
	// a TRACE return, and it does so exactly when this syscall's audit
	// architecture didn't match the host's. r.Arch (decoded from the
	// code-segment register, not assumed) already carries the actual
	// foreign architecture, so sc built from r above is ready to report.
	if msg, err := ptraceGetEventMsg(pid); err == nil && msg == domain.ArchMismatchTag {
		m.violateArch(pid, sc, r.Arch, r)
		return false
	}

	if !m.execTransitioned {
		// The execveat-unlock TRACE hit: sandboxing is now active.
		return false
	}

	if m.notify == nil {
		m.violateSyscall(pid, sc, r)
		return false
	}

	action, errno := m.notify.EventStart(sc)
	switch action {
	case domain.ActionInspectAfterReturn:
		m.pending[pid] = sc
		ptraceSyscall(pid)
		return true
	case domain.ActionDeny:
		// Skip the syscall (force ENOSYS at entry by blanking the
		// syscall number) and single-step to its exit stop, where
		// forceSyscallReturn substitutes the policy-requested errno —
		// this fails only the one syscall, it does not kill the
		// sandboxee, matching domain.Notify's ActionDeny contract.
		m.denied[pid] = errno
		skipSyscall(pid)
		ptraceSyscall(pid)
		return true
	default: // domain.ActionAllow
		return false
	}
}

// onSyscallStop handles the plain syscall-exit stop that follows a
// PTRACE_SYSCALL resume (identified by sig == SIGTRAP|0x80 in
// onStopped), delivering whichever of ActionInspectAfterReturn or
// ActionDeny's follow-up is pending for pid.
func (m *PtraceMonitor) onSyscallStop(pid int) {
	if errno, ok := m.denied[pid]; ok {
		delete(m.denied, pid)
		forceSyscallReturn(pid, -int64(errno))
		return
	}
	if sc, ok := m.pending[pid]; ok {
		delete(m.pending, pid)
		r, err := getRegs(pid)
		if err != nil {
			return
		}
		m.notify.EventReturn(sc, r.ReturnValue)
	}
}

func (m *PtraceMonitor) violateArch(pid int, sc *domain.Syscall, arch domain.CpuArch, r *domain.Regs) {
	m.result.SetSyscallArch(sc, arch)
	m.result.SetExitStatusCode(domain.StatusViolation, domain.ReasonViolationArch)
	m.finishViolation(pid, r)
}

func (m *PtraceMonitor) violateSyscall(pid int, sc *domain.Syscall, r *domain.Regs) {
	m.result.SetSyscallArch(sc, sc.Arch)
	m.result.SetExitStatusCode(domain.StatusViolation, domain.ReasonViolationSyscall)
	m.finishViolation(pid, r)
}

func (m *PtraceMonitor) finishViolation(pid int, r *domain.Regs) {
	m.result.Maps = readProcMaps(pid)
	if m.policy != nil && m.policy.CollectStacktraceOn&domain.CollectOnViolation != 0 {
		m.collectStackTraceWithRegs(pid, r)
	}
	rewriteReturnENOSYS(pid)
	if err := unix.Kill(pid, unix.SIGKILL); err != nil {
		log.WithError(err).Warn("ptrace monitor: kill on violation")
	}
}

// onPtraceEventExit fires when a task is about to exit having been
// killed by SIGSYS: the kernel's own seccomp KILL action, which the
// ptrace filter applies to every syscall it neither allows nor traces,
// took effect without any PTRACE_EVENT_SECCOMP stop.
// Regs are still readable at this stop, so the violating syscall can
// still be reconstructed for the Result.
func (m *PtraceMonitor) onPtraceEventExit(pid int) {
	var ws unix.WaitStatus
	if msg, err := ptraceGetEventMsg(pid); err == nil {
		ws = unix.WaitStatus(msg)
	}
	if !ws.Signaled() || ws.Signal() != unix.SIGSYS {
		return
	}
	r, err := getRegs(pid)
	if err != nil {
		return
	}
	sc := r.ToSyscall()
	m.violateSyscall(pid, sc, r)
}

// onCloneEvent delivers the new child's pid as the inspected return
// value for a fork/vfork/clone the notify hook asked to inspect after
// return, per spec §4.6.
func (m *PtraceMonitor) onCloneEvent(parent int) {
	sc, ok := m.pending[parent]
	if !ok {
		return
	}
	switch sc.GetName() {
	case "fork", "vfork", "clone", "clone3":
	default:
		return
	}
	delete(m.pending, parent)
	childPid, err := ptraceGetEventMsg(parent)
	if err != nil {
		return
	}
	m.notify.EventReturn(sc, int64(childPid))
}

func (m *PtraceMonitor) collectStackTrace(pid int) {
	r, err := getRegs(pid)
	if err != nil {
		return
	}
	m.collectStackTraceWithRegs(pid, r)
}

func (m *PtraceMonitor) collectStackTraceWithRegs(pid int, r *domain.Regs) {
	frames, err := stacktrace.Collect(pid, r, 0)
	if err != nil {
		log.WithError(err).WithField("pid", pid).Debug("ptrace monitor: stack trace collection failed")
		return
	}
	m.result.StackTrace = frames
}

// readProcMaps snapshots /proc/<pid>/maps for the Result, best-effort
// (the process may already be gone by the time this runs).
func readProcMaps(pid int) string {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return ""
	}
	return strings.TrimRight(string(b), "\n")
}

func ptraceCont(pid int, sig int) {
	if _, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_CONT, uintptr(pid), 0, uintptr(sig), 0, 0); errno != 0 && errno != unix.ESRCH {
		log.WithError(errno).WithField("pid", pid).Debug("ptrace monitor: PTRACE_CONT")
	}
}

func ptraceSyscall(pid int) {
	if _, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_SYSCALL, uintptr(pid), 0, 0, 0, 0); errno != 0 && errno != unix.ESRCH {
		log.WithError(errno).WithField("pid", pid).Debug("ptrace monitor: PTRACE_SYSCALL")
	}
}

func ptraceListen(pid int) {
	if _, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_LISTEN, uintptr(pid), 0, 0, 0, 0); errno != 0 && errno != unix.ESRCH {
		log.WithError(errno).WithField("pid", pid).Debug("ptrace monitor: PTRACE_LISTEN")
	}
}

func ptraceGetEventMsg(pid int) (uint, error) {
	var msg uint
	if _, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETEVENTMSG, uintptr(pid), 0, uintptr(unsafe.Pointer(&msg)), 0, 0); errno != 0 {
		return 0, errno
	}
	return msg, nil
}

// skipSyscall blanks orig_rax so the kernel takes the syscall-exit
// path without ever dispatching the original syscall, the standard
// ptrace technique for vetoing a syscall outright.
func skipSyscall(pid int) {
	var regs syscall.PtraceRegs
	if err := syscall.PtraceGetRegs(pid, &regs); err != nil {
		return
	}
	regs.Orig_rax = ^uint64(0) // -1: no such syscall, kernel skips straight to exit.
	_ = syscall.PtraceSetRegs(pid, &regs)
}

// forceSyscallReturn overwrites the return-value register at a
// syscall-exit stop, used to deliver an ActionDeny's errno.
func forceSyscallReturn(pid int, val int64) {
	var regs syscall.PtraceRegs
	if err := syscall.PtraceGetRegs(pid, &regs); err != nil {
		return
	}
	regs.Rax = uint64(val)
	_ = syscall.PtraceSetRegs(pid, &regs)
}

// rewriteReturnENOSYS defensively rewrites a killed syscall's return
// register to -ENOSYS, per spec §4.6, in case the kernel's own KILL
// races with this cleanup.
func rewriteReturnENOSYS(pid int) {
	var regs syscall.PtraceRegs
	if err := syscall.PtraceGetRegs(pid, &regs); err != nil {
		return
	}
	regs.Rax = uint64(-int64(unix.ENOSYS))
	_ = syscall.PtraceSetRegs(pid, &regs)
}

// x86_64 code-segment selectors: a 64-bit long-mode user task runs
// with cs == cs64BitSegment, while a 32-bit compat-mode task (a
// genuine 32-bit binary, or a 64-bit one dropping to legacy mode via
// `int 0x80`) runs with cs == cs32BitSegment. This is the standard
// ptrace technique for telling the two apart without trusting
// anything the traced syscall itself claims.
const (
	cs64BitSegment = 0x33
	cs32BitSegment = 0x23
)

func archFromRegs(regs *syscall.PtraceRegs) domain.CpuArch {
	switch regs.Cs {
	case cs32BitSegment:
		return domain.ArchX8632
	case cs64BitSegment:
		return domain.ArchX8664
	default:
		return domain.GetHostArch()
	}
}

func getRegs(pid int) (*domain.Regs, error) {
	var regs syscall.PtraceRegs
	if err := syscall.PtraceGetRegs(pid, &regs); err != nil {
		return nil, fmt.Errorf("PTRACE_GETREGS(%d): %w", pid, err)
	}
	return &domain.Regs{
		Arch:      archFromRegs(&regs),
		Pid:       pid,
		SyscallNr: int64(regs.Orig_rax),
		Args: [domain.MaxArgs]uint64{
			regs.Rdi, regs.Rsi, regs.Rdx, regs.R10, regs.R8, regs.R9,
		},
		StackPointer:       regs.Rsp,
		InstructionPointer: regs.Rip,
		ReturnValue:        int64(regs.Rax),
	}, nil
}
