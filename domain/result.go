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

// Package domain holds the types and interfaces shared by every other
// package in this module: the outcome of a sandboxed run, the syscall
// and policy model the monitors and policy compiler operate on, and
// the small set of service interfaces that let the fork server,
// monitors and stack-trace collector be wired together without
// import cycles.
package domain

import (
	"fmt"
	"syscall"
)

// StatusEnum classifies how a sandboxed run ended.
type StatusEnum int

const (
	StatusUnset StatusEnum = iota
	StatusOK
	StatusSetupError
	StatusViolation
	StatusSignaled
	StatusTimeout
	StatusExternalKill
	StatusInternalError
)

func (s StatusEnum) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusSetupError:
		return "SETUP_ERROR"
	case StatusViolation:
		return "VIOLATION"
	case StatusSignaled:
		return "SIGNALED"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusExternalKill:
		return "EXTERNAL_KILL"
	case StatusInternalError:
		return "INTERNAL_ERROR"
	default:
		return "UNSET"
	}
}

// ReasonCode gives the specific cause behind a non-OK Result. Values
// above 0x10000000 are sub-reasons of VIOLATION (the architecture or
// network policy that was violated).
type ReasonCode int

const (
	ReasonUnsupportedArch ReasonCode = iota + 1
	ReasonFailedTimers
	ReasonFailedSignals
	ReasonFailedSubprocess
	ReasonFailedNotify
	ReasonFailedConnection
	ReasonFailedWait
	ReasonFailedNamespaces
	ReasonFailedPtrace
	ReasonFailedIPC
	ReasonFailedLimits
	ReasonFailedCwd
	ReasonFailedPolicy
	ReasonFailedStore
	ReasonFailedFetch
	ReasonFailedGetEvent
	ReasonFailedMonitor
	ReasonFailedKill
	ReasonFailedInterrupt
	ReasonFailedChild
	ReasonFailedInspect

	ReasonViolationSyscall ReasonCode = 0x10000000 + iota
	ReasonViolationArch
	ReasonViolationNetwork
)

func (r ReasonCode) String() string {
	switch r {
	case ReasonUnsupportedArch:
		return "UNSUPPORTED_ARCH"
	case ReasonFailedTimers:
		return "FAILED_TIMERS"
	case ReasonFailedSignals:
		return "FAILED_SIGNALS"
	case ReasonFailedSubprocess:
		return "FAILED_SUBPROCESS"
	case ReasonFailedNotify:
		return "FAILED_NOTIFY"
	case ReasonFailedConnection:
		return "FAILED_CONNECTION"
	case ReasonFailedWait:
		return "FAILED_WAIT"
	case ReasonFailedNamespaces:
		return "FAILED_NAMESPACES"
	case ReasonFailedPtrace:
		return "FAILED_PTRACE"
	case ReasonFailedIPC:
		return "FAILED_IPC"
	case ReasonFailedLimits:
		return "FAILED_LIMITS"
	case ReasonFailedCwd:
		return "FAILED_CWD"
	case ReasonFailedPolicy:
		return "FAILED_POLICY"
	case ReasonFailedStore:
		return "FAILED_STORE"
	case ReasonFailedFetch:
		return "FAILED_FETCH"
	case ReasonFailedGetEvent:
		return "FAILED_GETEVENT"
	case ReasonFailedMonitor:
		return "FAILED_MONITOR"
	case ReasonFailedKill:
		return "FAILED_KILL"
	case ReasonFailedInterrupt:
		return "FAILED_INTERRUPT"
	case ReasonFailedChild:
		return "FAILED_CHILD"
	case ReasonFailedInspect:
		return "FAILED_INSPECT"
	case ReasonViolationSyscall:
		return "VIOLATION_SYSCALL"
	case ReasonViolationArch:
		return "VIOLATION_ARCH"
	case ReasonViolationNetwork:
		return "VIOLATION_NETWORK"
	default:
		return "UNKNOWN"
	}
}

// Result is the terminal outcome of a sandboxed run. Its exit-status
// fields are set at most once: SetExitStatusCode is a no-op if a
// status has already been recorded, so the first monitor event that
// observes termination wins even if later bookkeeping races it.
type Result struct {
	status  StatusEnum
	reason  ReasonCode
	set     bool
	pid     int
	arch    CpuArch
	syscall *Syscall

	ExitCode int
	Signal   syscall.Signal

	// Rusage is the sandboxee's own resource usage, as reported by the
	// wait4 call that reaped it.
	Rusage syscall.Rusage

	// MonitorRusage has room for RUSAGE_CHILDREN of the monitor's own
	// process tree; neither monitor backend fills it in, so it stays
	// zero.
	MonitorRusage syscall.Rusage

	// Maps is a snapshot of /proc/<pid>/maps taken at the moment a
	// VIOLATION was recorded, empty otherwise.
	Maps string

	// StackTrace is the main thread's compacted, symbolicated frame
	// list collected by stacktrace.Collect, empty unless the policy
	// asked for a trace on this termination reason.
	StackTrace []string

	// ThreadStackTraces has room for other threads' stacks, keyed by
	// tid; no monitor backend fills it in and no policy flag selects
	// all-thread traces, so it stays nil.
	ThreadStackTraces map[int][]string

	// NetworkMessage carries the network-proxy's reason for a
	// StatusViolation/ReasonViolationNetwork result; empty for every
	// other reason.
	NetworkMessage string
}

// NewResult returns a Result in the UNSET state for the given pid.
func NewResult(pid int) *Result {
	return &Result{status: StatusUnset, pid: pid}
}

// SetExitStatusCode records the outcome of the run. Monotonic: once a
// status other than UNSET has been recorded, subsequent calls are
// ignored.
func (r *Result) SetExitStatusCode(status StatusEnum, reason ReasonCode) {
	if r.set {
		return
	}
	r.status = status
	r.reason = reason
	r.set = true
}

func (r *Result) Status() StatusEnum { return r.status }
func (r *Result) Reason() ReasonCode { return r.reason }
func (r *Result) Pid() int           { return r.pid }

// SetSyscallArch records the syscall and architecture a VIOLATION was
// raised on, when applicable.
func (r *Result) SetSyscallArch(sc *Syscall, arch CpuArch) {
	r.syscall = sc
	r.arch = arch
}

func (r *Result) GetSyscallArch() (*Syscall, CpuArch) { return r.syscall, r.arch }

// ToStatus converts the Result into a Go error, nil only for a clean
// StatusOK outcome.
func (r *Result) ToStatus() error {
	if r.status == StatusOK {
		return nil
	}
	return fmt.Errorf("%s", r.String())
}

func (r *Result) String() string {
	switch r.status {
	case StatusOK:
		return fmt.Sprintf("OK, exit code: %d", r.ExitCode)
	case StatusSignaled:
		return fmt.Sprintf("SIGNALED (%s), pid: %d", r.Signal, r.pid)
	case StatusTimeout:
		return fmt.Sprintf("TIMEOUT, pid: %d", r.pid)
	case StatusExternalKill:
		return fmt.Sprintf("EXTERNAL_KILL, pid: %d", r.pid)
	case StatusViolation:
		msg := fmt.Sprintf("VIOLATION (%s), pid: %d", r.reason, r.pid)
		if r.syscall != nil {
			msg += fmt.Sprintf(", syscall: %s", r.syscall.GetDescription())
		}
		if r.reason == ReasonViolationNetwork && r.NetworkMessage != "" {
			msg += fmt.Sprintf(", network: %s", r.NetworkMessage)
		}
		if len(r.StackTrace) > 0 {
			msg += fmt.Sprintf(", stack: [%s]", compactJoin(r.StackTrace))
		}
		return msg
	case StatusSetupError:
		return fmt.Sprintf("SETUP_ERROR (%s)", r.reason)
	case StatusInternalError:
		return fmt.Sprintf("INTERNAL_ERROR (%s)", r.reason)
	default:
		return "UNSET"
	}
}

// compactJoin renders a symbolicated stack trace as a single
// comma-separated line for Result.String(); the multi-line form lives
// on the slice itself for callers that want it frame by frame.
func compactJoin(frames []string) string {
	out := frames[0]
	for _, f := range frames[1:] {
		out += ", " + f
	}
	return out
}
