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

// Package policy compiles a fluent PolicyBuilder description into a
// domain.Policy: a libseccomp filter plus the namespace/mount/limits
// metadata the fork server and monitors need alongside it. The
// builder's method set mirrors sandbox2::PolicyBuilder; syscalls are
// recorded as rule specs rather than applied to a live filter one at
// a time, because the same ruleset has to compile to two different
// filters depending on which monitor backend runs it: PTRACE_EVENT_SECCOMP
// traps for the ptrace backend, SECCOMP_RET_USER_NOTIF for unotify.
package policy

import (
	"fmt"

	libseccomp "github.com/nestybox/sysbox-libs/libseccomp-golang"
	"golang.org/x/sys/unix"

	"github.com/nestybox/sandbox2/domain"
	"github.com/nestybox/sandbox2/mounttree"
)

type ruleKind int

const (
	ruleAllow ruleKind = iota
	ruleErrno
	ruleTrace // routed to a domain.Notify at runtime
)

type ruleSpec struct {
	name   string
	kind   ruleKind
	errno  int16
	notify domain.Notify
}

// PolicyBuilder assembles a domain.Policy. The zero value is not
// usable; use NewPolicyBuilder.
type PolicyBuilder struct {
	rules   []ruleSpec
	handled map[string]bool

	defaultAllowAll bool

	mounts *mounttree.Tree

	namespacesEnabled     bool
	disableUserNamespace  bool
	avoidPivotRoot        bool
	allowMountPropagation bool
	hostname              string
	unrestrictedNetworking bool

	collectOn domain.CollectStacktraceOn

	err error
}

// NewPolicyBuilder returns an empty builder. Every sandboxed run must
// eventually either AllowExit or the fork server's own post-exec init
// will never have a clean way to terminate it; TryBuild doesn't
// enforce that, matching the original (it's a footgun the original
// also leaves to the caller).
func NewPolicyBuilder() *PolicyBuilder {
	return &PolicyBuilder{
		handled: make(map[string]bool),
		mounts:  mounttree.New(),
	}
}

func (b *PolicyBuilder) setErr(err error) {
	if b.err == nil {
		b.err = err
	}
}

// addRule records a disposition for each of names, skipping any name
// that already has one. Per spec §4.2 ("adding the same number a
// second time via these helpers is a no-op") and the first-match-wins
// invariant (§8.3: AllowSyscall(N) then BlockSyscallWithErrno(N, E)
// behaves exactly like AllowSyscall(N) alone), a repeat registration
// is silently dropped rather than treated as a builder error.
func (b *PolicyBuilder) addRule(kind ruleKind, errno int16, notify domain.Notify, names ...string) *PolicyBuilder {
	for _, n := range names {
		if b.handled[n] {
			continue
		}
		b.handled[n] = true
		b.rules = append(b.rules, ruleSpec{name: n, kind: kind, errno: errno, notify: notify})
	}
	return b
}

// AllowSyscall allows a single syscall unconditionally.
func (b *PolicyBuilder) AllowSyscall(name string) *PolicyBuilder {
	return b.addRule(ruleAllow, 0, nil, name)
}

// AllowSyscalls allows a batch of syscalls unconditionally.
func (b *PolicyBuilder) AllowSyscalls(names ...string) *PolicyBuilder {
	return b.addRule(ruleAllow, 0, nil, names...)
}

// BlockSyscallWithErrno fails the syscall with errno instead of
// killing the sandboxee, e.g. to emulate a missing feature.
func (b *PolicyBuilder) BlockSyscallWithErrno(name string, errno int16) *PolicyBuilder {
	return b.addRule(ruleErrno, errno, nil, name)
}

// AddPolicyOnSyscall routes name to notify at runtime instead of a
// static disposition, letting the caller allow, deny or rewrite the
// return value per invocation.
func (b *PolicyBuilder) AddPolicyOnSyscall(name string, notify domain.Notify) *PolicyBuilder {
	return b.addRule(ruleTrace, 0, notify, name)
}

// AddPolicyOnSyscalls is AddPolicyOnSyscall for a batch of names
// sharing one Notify.
func (b *PolicyBuilder) AddPolicyOnSyscalls(notify domain.Notify, names ...string) *PolicyBuilder {
	for _, n := range names {
		b.addRule(ruleTrace, 0, notify, n)
	}
	return b
}

// AddPolicyOnMmap is AddPolicyOnSyscall("mmap", notify): a named
// convenience the original keeps as its own method since mmap
// policing is common enough to warrant one (policybuilder.h).
func (b *PolicyBuilder) AddPolicyOnMmap(notify domain.Notify) *PolicyBuilder {
	return b.AddPolicyOnSyscall("mmap", notify)
}

// --- convenience allow-lists, grounped on policybuilder.h's AllowX set ---

func (b *PolicyBuilder) AllowExit() *PolicyBuilder {
	return b.AllowSyscalls("exit", "exit_group")
}

func (b *PolicyBuilder) AllowMmap() *PolicyBuilder {
	return b.AllowSyscalls("mmap", "munmap", "mprotect", "mremap", "brk")
}

func (b *PolicyBuilder) AllowFutexOp() *PolicyBuilder {
	return b.AllowSyscall("futex")
}

func (b *PolicyBuilder) AllowOpen() *PolicyBuilder {
	return b.AllowSyscalls("open", "openat", "openat2", "close")
}

func (b *PolicyBuilder) AllowStat() *PolicyBuilder {
	return b.AllowSyscalls("stat", "fstat", "lstat", "newfstatat", "statx")
}

func (b *PolicyBuilder) AllowRead() *PolicyBuilder {
	return b.AllowSyscalls("read", "pread64", "readv")
}

func (b *PolicyBuilder) AllowWrite() *PolicyBuilder {
	return b.AllowSyscalls("write", "pwrite64", "writev")
}

func (b *PolicyBuilder) AllowReaddir() *PolicyBuilder {
	return b.AllowSyscalls("getdents", "getdents64")
}

func (b *PolicyBuilder) AllowSafeFcntl() *PolicyBuilder {
	// fcntl's dangerous subcommands (F_SETFL adding O_ASYNC,
	// F_SETOWN, F_SETLEASE) are out of scope for this pass; the
	// original gates them with a BPF argument comparison. This
	// module allows fcntl wholesale and relies on capability
	// dropping for the subcommands that would matter, which is the
	// same tradeoff AllowSafeFcntl's doc comment flags as "mostly
	// safe" in the original.
	return b.AllowSyscall("fcntl")
}

func (b *PolicyBuilder) AllowFork() *PolicyBuilder {
	return b.AllowSyscalls("fork", "vfork", "clone")
}

func (b *PolicyBuilder) AllowWait() *PolicyBuilder {
	return b.AllowSyscalls("wait4", "waitid")
}

func (b *PolicyBuilder) AllowHandleSignals() *PolicyBuilder {
	return b.AllowSyscalls("rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "signal")
}

func (b *PolicyBuilder) AllowTCGETS() *PolicyBuilder {
	return b.AllowSyscall("ioctl")
}

func (b *PolicyBuilder) AllowTime() *PolicyBuilder {
	return b.AllowSyscalls("clock_gettime", "gettimeofday", "time")
}

func (b *PolicyBuilder) AllowSleep() *PolicyBuilder {
	return b.AllowSyscalls("nanosleep", "clock_nanosleep")
}

func (b *PolicyBuilder) AllowGetIDs() *PolicyBuilder {
	return b.AllowSyscalls("getuid", "geteuid", "getgid", "getegid", "getresuid", "getresgid")
}

func (b *PolicyBuilder) AllowGetPIDs() *PolicyBuilder {
	return b.AllowSyscalls("getpid", "getppid", "gettid")
}

func (b *PolicyBuilder) AllowGetRlimit() *PolicyBuilder {
	return b.AllowSyscalls("getrlimit", "prlimit64")
}

func (b *PolicyBuilder) AllowSetRlimit() *PolicyBuilder {
	return b.AllowSyscall("setrlimit")
}

func (b *PolicyBuilder) AllowGetRandom() *PolicyBuilder {
	return b.AllowSyscall("getrandom")
}

// AllowStaticStartup allows the syscalls a statically linked binary's
// CRT makes before main(): arch_prctl, set_tid_address, rseq,
// set_robust_list, uname.
func (b *PolicyBuilder) AllowStaticStartup() *PolicyBuilder {
	return b.AllowSyscalls("arch_prctl", "set_tid_address", "rseq", "set_robust_list", "uname")
}

// AllowDynamicStartup additionally allows what the dynamic linker
// needs beyond AllowStaticStartup: opening and mapping shared
// libraries.
func (b *PolicyBuilder) AllowDynamicStartup() *PolicyBuilder {
	b.AllowStaticStartup()
	return b.AllowOpen().AllowStat().AllowMmap().AllowRead()
}

// AllowUnrestrictedNetworking allows socket, connect, bind, listen,
// accept and accept4 with no argument checks. It also records the
// setting on the builder, but TryBuild does not read it: the requested
// namespaces are the same with or without it.
func (b *PolicyBuilder) AllowUnrestrictedNetworking() *PolicyBuilder {
	b.unrestrictedNetworking = true
	return b.AllowSyscalls("socket", "connect", "bind", "listen", "accept", "accept4")
}

// --- namespace / mount wiring ---

func (b *PolicyBuilder) EnableNamespaces() *PolicyBuilder {
	b.namespacesEnabled = true
	return b
}

func (b *PolicyBuilder) DisableUserNamespace() *PolicyBuilder {
	b.disableUserNamespace = true
	return b
}

func (b *PolicyBuilder) AvoidPivotRoot() *PolicyBuilder {
	b.avoidPivotRoot = true
	return b
}

func (b *PolicyBuilder) AllowMountPropagation() *PolicyBuilder {
	b.allowMountPropagation = true
	return b
}

func (b *PolicyBuilder) SetHostname(name string) *PolicyBuilder {
	b.hostname = name
	return b
}

func (b *PolicyBuilder) AddFileAt(outsidePath, insidePath string, writable bool) *PolicyBuilder {
	if err := b.mounts.AddFileAt(outsidePath, insidePath, writable); err != nil {
		b.setErr(err)
	}
	return b
}

func (b *PolicyBuilder) AddDirectoryAt(outsidePath, insidePath string, writable bool) *PolicyBuilder {
	if err := b.mounts.AddDirectoryAt(outsidePath, insidePath, writable); err != nil {
		b.setErr(err)
	}
	return b
}

func (b *PolicyBuilder) AddTmpfs(insidePath string, sizeBytes uint64) *PolicyBuilder {
	if err := b.mounts.AddTmpfs(insidePath, sizeBytes); err != nil {
		b.setErr(err)
	}
	return b
}

// AddLibrariesForBinary is a best-effort helper: it does not inspect
// path or discover any dependency of it, and binds /lib, /lib64 and
// /usr/lib read-only at the same paths. Callers with precise
// requirements should use AddFileAt/AddDirectoryAt directly instead.
func (b *PolicyBuilder) AddLibrariesForBinary(path string) *PolicyBuilder {
	return b.AddDirectoryAt("/lib", "/lib", false).AddDirectoryAt("/lib64", "/lib64", false).AddDirectoryAt("/usr/lib", "/usr/lib", false)
}

func (b *PolicyBuilder) CollectStacktracesOnViolation() *PolicyBuilder {
	b.collectOn |= domain.CollectOnViolation
	return b
}

func (b *PolicyBuilder) CollectStacktracesOnSignal() *PolicyBuilder {
	b.collectOn |= domain.CollectOnSignal
	return b
}

func (b *PolicyBuilder) CollectStacktracesOnTimeout() *PolicyBuilder {
	b.collectOn |= domain.CollectOnTimeout
	return b
}

func (b *PolicyBuilder) CollectStacktracesOnKill() *PolicyBuilder {
	b.collectOn |= domain.CollectOnKill
	return b
}

// DangerDefaultAllowAll disables the "unhandled syscall kills"
// guarantee. Named loudly for the same reason the original does.
func (b *PolicyBuilder) DangerDefaultAllowAll() *PolicyBuilder {
	b.defaultAllowAll = true
	return b
}

// TryBuild compiles the accumulated rules into a domain.Policy, or
// returns the first error recorded by any builder call (the
// original's last_status_ pattern — sticky, reported once at Build
// time rather than at each call site).
func (b *PolicyBuilder) TryBuild() (*domain.Policy, error) {
	if b.err != nil {
		return nil, b.err
	}

	filter, traced, err := b.compile(libseccomp.ActTrace, libseccomp.ActKill)
	if err != nil {
		return nil, fmt.Errorf("policy: compile: %w", err)
	}

	// The unotify variant replaces every KILL disposition, not just the
	// ruleTrace substitution, with NOTIFY: a syscall that falls through
	// to the default action or one of the universal denies becomes an
	// up-call the engine can inspect instead of a kernel-issued kill,
	// so a UnotifyMonitor caller actually sees these as VIOLATION
	// results rather than a bare SIGNALED from the reaper.
	notifyFilter, _, err := b.compile(libseccomp.ActNotify, libseccomp.ActNotify)
	if err != nil {
		return nil, fmt.Errorf("policy: compile for unotify: %w", err)
	}

	p := &domain.Policy{
		Filter:              filter,
		NotifyFilter:        notifyFilter,
		TracedSyscalls:      traced,
		UsesNotify:          false,
		Mounts:              b.mounts,
		CollectStacktraceOn: b.collectOn,
		DefaultAllowAll:     b.defaultAllowAll,
	}
	if b.namespacesEnabled {
		p.Namespace = &domain.Namespace{
			Mounts:                b.mounts,
			MountProc:             true,
			Hostname:              b.hostname,
			DisableUserNamespace:  b.disableUserNamespace,
			AvoidPivotRoot:        b.avoidPivotRoot,
			AllowMountPropagation: b.allowMountPropagation,
		}
	}
	return p, nil
}

// BuildOrDie panics if TryBuild fails; provided for callers (mainly
// cmd/sandbox2) where a malformed policy is a programming error, not
// a runtime condition to recover from.
func (b *PolicyBuilder) BuildOrDie() *domain.Policy {
	p, err := b.TryBuild()
	if err != nil {
		panic(err)
	}
	return p
}

// compile emits a libseccomp filter for the accumulated ruleset.
// traceAction selects which action ruleTrace entries compile to
// (ActTrace for the ptrace backend, ActNotify for unotify) and
// denyAction selects what every KILL in this filter becomes instead:
// ActKill for the ptrace backend's filter, ActNotify for unotify's, so
// a denied syscall under that backend reaches the engine as an
// up-call rather than killing the sandboxee outright. Building two
// filters from the same rule specs with different (traceAction,
// denyAction) pairs gets the same effect the original gets from a
// distinct substitution pass over an already-built BPF program,
// without needing to disassemble BPF.
func (b *PolicyBuilder) compile(traceAction, denyAction libseccomp.ScmpAction) (*libseccomp.ScmpFilter, map[int32]bool, error) {
	defaultAction := denyAction
	if b.defaultAllowAll {
		defaultAction = libseccomp.ActAllow
	}

	filter, err := libseccomp.NewFilter(defaultAction)
	if err != nil {
		return nil, nil, fmt.Errorf("NewFilter: %w", err)
	}

	if err := filter.SetNoNewPrivsBit(true); err != nil {
		return nil, nil, fmt.Errorf("SetNoNewPrivsBit: %w", err)
	}

	// Engine-injected prologue, added before any user clause so it is
	// the first match libseccomp's generated BPF checks for these
	// syscalls: the execveat unlock the fork server's child helper
	// uses to hand control to the target, and the universal denies
	// that hold regardless of what the caller allows.
	if err := addExecveatUnlock(filter); err != nil {
		return nil, nil, fmt.Errorf("execveat unlock: %w", err)
	}
	if err := addUniversalDenies(filter, denyAction); err != nil {
		return nil, nil, fmt.Errorf("universal denies: %w", err)
	}

	traced := make(map[int32]bool)

	for _, r := range b.rules {
		call, err := libseccomp.GetSyscallFromName(r.name)
		if err != nil {
			// Not every syscall name exists on every architecture
			// libseccomp was built against (e.g. an i386-only call);
			// skip it rather than fail the whole policy.
			continue
		}

		var action libseccomp.ScmpAction
		switch r.kind {
		case ruleAllow:
			action = libseccomp.ActAllow
		case ruleErrno:
			action = libseccomp.ActErrno.SetReturnCode(r.errno)
		case ruleTrace:
			action = traceAction
			traced[int32(call)] = true
		}

		if err := filter.AddRule(call, action); err != nil {
			return nil, nil, fmt.Errorf("AddRule(%s): %w", r.name, err)
		}
	}

	return filter, traced, nil
}

// execveatArgFlags/execveatArgMagic are the zero-indexed seccomp_data
// argument slots execveat(2)'s filter inspects: flags is the syscall's
// real fifth argument (index 4), and magic is an extra register the
// kernel never reads for execveat itself but that seccomp can still
// compare, carried in index 5 — the same "extra argument in an unused
// ABI register" trick spec §6 describes.
const (
	execveatArgFlags = 4
	execveatArgMagic = 5
)

// addExecveatUnlock allows exactly one shape of execveat(2): an
// AT_EMPTY_PATH re-exec carrying domain.ExecveatMagic in its sixth
// register. Every other execveat invocation still falls through to
// the default KILL (or whatever disposition a later user clause
// gives plain execveat), so sandboxing a process that legitimately
// calls execveat itself is unaffected. This is the transition the
// monitor watches for: the fork server's helper issues this exact
// call once, right before the target binary takes over.
func addExecveatUnlock(filter *libseccomp.ScmpFilter) error {
	call, err := libseccomp.GetSyscallFromName("execveat")
	if err != nil {
		return nil // architecture has no execveat; nothing to unlock.
	}
	flagsCond, err := libseccomp.MakeCondition(execveatArgFlags, libseccomp.CompareEqual, uint64(unix.AT_EMPTY_PATH))
	if err != nil {
		return fmt.Errorf("execveat flags condition: %w", err)
	}
	magicCond, err := libseccomp.MakeCondition(execveatArgMagic, libseccomp.CompareEqual, domain.ExecveatMagic)
	if err != nil {
		return fmt.Errorf("execveat magic condition: %w", err)
	}
	return filter.AddRuleConditional(call, libseccomp.ActAllow, []libseccomp.ScmpCondition{flagsCond, magicCond})
}

// addUniversalDenies denies clone(2) with CLONE_UNTRACED, a flag a
// sandboxee could otherwise pass to spawn a child ptrace can't seize, defeating the
// ptrace backend's seizure of every sibling task. addUniversalDenies
// denies it unconditionally, along with ptrace and bpf outright,
// regardless of any AllowFork/AllowSyscall the caller added, using
// denyAction so the ptrace and unotify filters disagree only on how
// the deny is delivered, never on whether it applies.
func addUniversalDenies(filter *libseccomp.ScmpFilter, denyAction libseccomp.ScmpAction) error {
	for _, name := range []string{"ptrace", "bpf"} {
		call, err := libseccomp.GetSyscallFromName(name)
		if err != nil {
			continue
		}
		if err := filter.AddRule(call, denyAction); err != nil {
			return fmt.Errorf("deny %s: %w", name, err)
		}
	}

	cloneCall, err := libseccomp.GetSyscallFromName("clone")
	if err != nil {
		return nil
	}
	cond, err := libseccomp.MakeCondition(0, libseccomp.CompareMaskedEqual, uint64(unix.CLONE_UNTRACED), uint64(unix.CLONE_UNTRACED))
	if err != nil {
		return fmt.Errorf("clone(CLONE_UNTRACED) condition: %w", err)
	}
	return filter.AddRuleConditional(cloneCall, denyAction, []libseccomp.ScmpCondition{cond})
}

