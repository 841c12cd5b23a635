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
	"encoding/binary"
	"fmt"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	libseccomp "github.com/nestybox/sysbox-libs/libseccomp-golang"
	unixIpc "github.com/nestybox/sysbox-ipc/unix"
	"golang.org/x/sys/unix"

	"github.com/nestybox/sandbox2/domain"
)

// UnotifyMonitor is C7: the SECCOMP_RET_USER_NOTIF backend. It never
// ptrace-attaches, so it trades away stack-trace-on-signal/on-exit
// (nothing is stopped at the moment those happen) and
// return-value-accurate ActionInspectAfterReturn for not needing
// CAP_SYS_PTRACE in the engine's own namespace. Its notify loop is
// grounded on seccomp/tracer.go's processing loop (NotifReceive/
// createXResponse/NotifRespond, TOCTOU-checked with NotifIdValid
// before responding) and reuses that same file's unixIpc.PollServer
// for multiplexing the notify fd and the wake eventfd, in place of a
// hand-rolled unix.Poll loop; the separate Wait4 reaper goroutine and
// the eventfd wakeup itself are this module's own addition, since the
// teacher's PollServer only ever waits on a Unix socket fd and has no
// wall-time deadline to honor.
type UnotifyMonitor struct {
	*base

	notifyFD int
	wakeFD   int

	pollsrv     *unixIpc.PollServer
	notifyReady chan struct{}
	wakeReady   chan struct{}
	stopPoll    chan struct{}

	exitCh chan exitInfo
}

type exitInfo struct {
	ws  unix.WaitStatus
	ru  unix.Rusage
	err error
}

// NewUnotifyMonitor builds an UnotifyMonitor. req.Policy must carry a
// NotifyFilter (policy.PolicyBuilder.TryBuild always produces both
// variants); it sets req.UsesNotify so the child installs NotifyFilter.
func NewUnotifyMonitor(forkClient domain.ForkClient, req *domain.ForkRequest, notify domain.Notify, limits domain.Limits, cfg Config) *UnotifyMonitor {
	req.UsesNotify = true
	return &UnotifyMonitor{
		base:   newBase(forkClient, req, notify, limits, cfg),
		exitCh: make(chan exitInfo, 1),
	}
}

// Run implements domain.Monitor.
func (m *UnotifyMonitor) Run() error {
	defer m.markTerminated()

	if err := m.launch(); err != nil {
		return err
	}

	m.mu.Lock()
	m.result = domain.NewResult(m.sp.Pid)
	m.mu.Unlock()

	if m.sp.NotifyFD == 0 {
		m.result.SetExitStatusCode(domain.StatusSetupError, domain.ReasonFailedNotify)
		return fmt.Errorf("monitor: fork server returned no notify fd")
	}
	m.notifyFD = m.sp.NotifyFD

	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		m.result.SetExitStatusCode(domain.StatusSetupError, domain.ReasonFailedNotify)
		return fmt.Errorf("monitor: eventfd: %w", err)
	}
	m.wakeFD = wakeFD

	pollsrv, err := unixIpc.NewPollServer()
	if err != nil {
		m.result.SetExitStatusCode(domain.StatusSetupError, domain.ReasonFailedNotify)
		return fmt.Errorf("monitor: poll server: %w", err)
	}
	m.pollsrv = pollsrv
	m.notifyReady = make(chan struct{})
	m.wakeReady = make(chan struct{})
	m.stopPoll = make(chan struct{})
	go m.waitReadable(m.notifyFD, m.notifyReady)
	go m.waitReadable(m.wakeFD, m.wakeReady)

	if err := m.awaitReady(); err != nil {
		return err
	}
	if err := m.applyLimits(); err != nil {
		return err
	}
	if m.policy != nil && m.policy.DefaultAllowAll {
		log.WithField("pid", m.sp.Pid).Warn("unotify monitor: running a DangerDefaultAllowAll policy")
	}
	if err := m.ackReady(); err != nil {
		return err
	}

	go m.reapLoop()
	m.eventLoop()
	return nil
}

// Kill implements domain.Monitor: unlike the ptrace backend, there is
// no PTRACE_O_EXITKILL safety net, so SIGKILL is the only enforcement
// mechanism and the poll loop must be woken to notice it promptly.
func (m *UnotifyMonitor) Kill() error {
	m.requestKill()
	m.wake()
	return nil
}

// SetWalltimeLimit overrides base's to also wake the poll loop, since
// unotify computes its own poll timeout from wallDeadline rather than
// relying on deadline.Manager's signal-based interruption.
func (m *UnotifyMonitor) SetWalltimeLimit(d time.Duration) error {
	if err := m.base.SetWalltimeLimit(d); err != nil {
		return err
	}
	m.wake()
	return nil
}

func (m *UnotifyMonitor) wake() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(m.wakeFD, buf[:]); err != nil {
		log.WithError(err).Debug("unotify monitor: wake")
	}
}

func (m *UnotifyMonitor) reapLoop() {
	var ws unix.WaitStatus
	var ru unix.Rusage
	_, err := unix.Wait4(m.sp.Pid, &ws, 0, &ru)
	m.exitCh <- exitInfo{ws: ws, ru: ru, err: err}
	m.wake()
}

// waitReadable loops unixIpc.PollServer.StartWaitRead(fd), handing
// off to eventLoop over ready each time fd becomes readable. The
// unbuffered send blocks until eventLoop has drained the previous
// readiness, so fd is never re-armed ahead of the loop actually
// servicing it; stopPolling's StopWait(fd) is what unblocks a
// StartWaitRead that's pending when eventLoop exits, the same way
// seccomp/tracer.go's removeSession unblocks its own connHandler
// loop, so this goroutine returns instead of leaking.
func (m *UnotifyMonitor) waitReadable(fd int, ready chan<- struct{}) {
	for {
		if err := m.pollsrv.StartWaitRead(fd); err != nil {
			return
		}
		select {
		case ready <- struct{}{}:
		case <-m.stopPoll:
			return
		}
	}
}

func (m *UnotifyMonitor) stopPolling() {
	close(m.stopPoll)
	m.pollsrv.StopWait(m.notifyFD)
	m.pollsrv.StopWait(m.wakeFD)
}

func (m *UnotifyMonitor) eventLoop() {
	defer m.stopPolling()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		m.mu.Lock()
		deadlineAt := m.wallDeadline
		m.mu.Unlock()

		next := time.Hour
		if !deadlineAt.IsZero() {
			if next = time.Until(deadlineAt); next < 0 {
				next = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next)

		select {
		case info := <-m.exitCh:
			m.onExit(info)
			return
		case <-m.notifyReady:
			m.handleNotify()
		case <-m.wakeReady:
			m.drainWake()
		case <-timer.C:
			m.onPollTimeout()
		}
	}
}

func (m *UnotifyMonitor) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(m.wakeFD, buf[:])
		if err != nil {
			return
		}
	}
}

func (m *UnotifyMonitor) onPollTimeout() {
	m.mu.Lock()
	expired := !m.wallDeadline.IsZero() && !time.Now().Before(m.wallDeadline)
	m.mu.Unlock()
	if !expired || m.killRequested() {
		return
	}
	m.result.SetExitStatusCode(domain.StatusTimeout, 0)
	if err := unix.Kill(m.sp.Pid, unix.SIGKILL); err != nil {
		log.WithError(err).Warn("unotify monitor: kill on timeout")
	}
}

func (m *UnotifyMonitor) onExit(info exitInfo) {
	if info.err != nil {
		m.result.SetExitStatusCode(domain.StatusInternalError, domain.ReasonFailedWait)
		return
	}
	m.result.Rusage = syscall.Rusage(info.ru)

	switch {
	case info.ws.Exited():
		m.result.ExitCode = info.ws.ExitStatus()
		m.result.SetExitStatusCode(domain.StatusOK, 0)
	case info.ws.Signaled():
		if m.killRequested() {
			m.result.SetExitStatusCode(domain.StatusExternalKill, 0)
		} else {
			m.result.Signal = syscall.Signal(info.ws.Signal())
			m.result.SetExitStatusCode(domain.StatusSignaled, 0)
		}
	}
}

// handleNotify receives one pending SECCOMP_RET_USER_NOTIF request,
// dispatches it to the Notify callback, and responds — following
// seccomp/tracer.go's receive/process/respond/TOCTOU-recheck shape.
func (m *UnotifyMonitor) handleNotify() {
	req, err := libseccomp.NotifReceive(libseccomp.ScmpFd(m.notifyFD))
	if err != nil {
		if err == unix.EINTR || err == unix.ENOENT {
			return
		}
		log.WithError(err).Debug("unotify monitor: NotifReceive")
		return
	}

	sc := reqToSyscall(req)
	resp := m.buildResponse(req, sc)

	if err := libseccomp.NotifIdValid(libseccomp.ScmpFd(m.notifyFD), req.Id); err != nil {
		// The tracee died or retried before we could respond; nothing
		// left to answer.
		return
	}
	if err := libseccomp.NotifRespond(libseccomp.ScmpFd(m.notifyFD), resp); err != nil {
		log.WithError(err).Debug("unotify monitor: NotifRespond")
	}
}

func (m *UnotifyMonitor) buildResponse(req *libseccomp.ScmpNotifReq, sc *domain.Syscall) *libseccomp.ScmpNotifResp {
	if m.notify == nil {
		m.violateSyscall(sc)
		return &libseccomp.ScmpNotifResp{Id: req.Id, Error: int32(unix.ENOSYS), Val: -1}
	}

	action, errno := m.notify.EventStart(sc)
	switch action {
	case domain.ActionAllow:
		return &libseccomp.ScmpNotifResp{Id: req.Id, Flags: libseccomp.NotifRespFlagContinue}
	case domain.ActionInspectAfterReturn:
		// There is no syscall-exit trap under unotify: the return value
		// handed to EventReturn is always 0, a known divergence from
		// the ptrace backend recorded in the grounding ledger.
		resp := &libseccomp.ScmpNotifResp{Id: req.Id, Flags: libseccomp.NotifRespFlagContinue}
		m.notify.EventReturn(sc, 0)
		return resp
	case domain.ActionDeny:
		return &libseccomp.ScmpNotifResp{Id: req.Id, Error: errno, Val: -1}
	default:
		return &libseccomp.ScmpNotifResp{Id: req.Id, Error: int32(unix.ENOSYS), Val: -1}
	}
}

func (m *UnotifyMonitor) violateSyscall(sc *domain.Syscall) {
	m.result.SetSyscallArch(sc, sc.Arch)
	m.result.SetExitStatusCode(domain.StatusViolation, domain.ReasonViolationSyscall)
	m.result.Maps = readProcMaps(m.sp.Pid)
	if err := unix.Kill(m.sp.Pid, unix.SIGKILL); err != nil {
		log.WithError(err).Warn("unotify monitor: kill on violation")
	}
}

func reqToSyscall(req *libseccomp.ScmpNotifReq) *domain.Syscall {
	var args domain.Args
	for i := 0; i < domain.MaxArgs && i < len(req.Data.Args); i++ {
		args[i] = req.Data.Args[i]
	}
	return domain.NewSyscall(int(req.Pid), domain.GetHostArch(), int32(req.Data.Syscall), args, 0, req.Data.InstrPointer)
}
