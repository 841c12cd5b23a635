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

package domain

// ForkMode selects what the fork server's clone()d child does right
// after namespace/capability setup, mirroring sandbox2's
// ForkRequest.mode. The fork server does not branch on it: every
// request, whatever its mode, is launched the same way.
type ForkMode int

const (
	// ForkExecve runs the target binary under the compiled policy:
	// the common case.
	ForkExecve ForkMode = iota

	// ForkJoinSandboxUnwind is carried to the fork server on the wire
	// request, but no code acts on it: such a request is cloned and
	// exec'd exactly like ForkExecve. It does not join the target's
	// user namespace and does not run a stack tracer; stack traces are
	// collected by stacktrace.Collect from the monitor's own process.
	ForkJoinSandboxUnwind
)

// ForkRequest is what a caller sends the fork server to start a new
// sandboxee: the target binary, its argv/envp, the namespace and
// capability configuration, and the compiled policy to install right
// before the exec.
type ForkRequest struct {
	Mode ForkMode

	Path string
	Argv []string
	Envv []string
	Cwd  string

	Namespace    *Namespace
	Capabilities []string // capability names, e.g. "CAP_SYS_PTRACE"

	Policy *Policy

	// UsesNotify selects which compiled filter the fork server's child
	// installs: Policy.Filter (ptrace backend) or Policy.NotifyFilter
	// (unotify backend); policy.PolicyBuilder.TryBuild compiles both.
	UsesNotify bool

	// ExecveatMagic is the value the fork server's helper process must
	// carry in execveat(2)'s sixth argument register to unlock the
	// final exec once the seccomp filter and capability set are
	// installed; it is always domain.ExecveatMagic, baked into the
	// compiled filter itself rather than chosen per run.
	ExecveatMagic uint64

	// UserNamespaceFD names the target sandboxee's user namespace for a
	// ForkJoinSandboxUnwind request. The fd itself is not passed to the
	// fork server; only whether it was non-zero reaches the wire
	// request.
	UserNamespaceFD int

	// UnwindPid/UnwindRegs/UnwindMaxFrames describe the stack to unwind
	// for a ForkJoinSandboxUnwind request. They are copied onto the wire
	// request, and the fork server does not use them.
	UnwindPid       int
	UnwindRegs      *Regs
	UnwindMaxFrames int
}

// SandboxeeProcess is what the fork server hands back once the clone
// has succeeded and the child is paused at its execveat unlock point,
// ready for the monitor to attach.
type SandboxeeProcess struct {
	// InitPid is non-zero only if a fresh PID namespace was created;
	// it identifies the tiny reaper helper running as pid 1 inside
	// it.
	InitPid int

	// Pid is the sandboxee's main pid, as visible in the supervisor's
	// own PID namespace.
	Pid int

	// CommsFD is the engine's end of the TLV channel connected to the
	// sandboxee's fixed comms.SandboxClientFD.
	CommsFD int

	// NotifyFD is the sandboxee's seccomp user-notify fd, non-zero
	// only when the request asked for UsesNotify.
	NotifyFD int

	// StatusFD signals the fork server's own exit (closed when the
	// fork server process dies), letting a monitor distinguish "the
	// sandboxee died" from "the fork server that owns it died".
	StatusFD int
}
