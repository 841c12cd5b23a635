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

import (
	"fmt"
	"io"
	"os"

	libseccomp "github.com/nestybox/sysbox-libs/libseccomp-golang"
)

// ExecveatMagic is the fixed 32-bit value the policy compiler's
// execveat-unlock rule matches in the syscall's sixth ABI register
// (execveat itself only takes five arguments; the extra register is
// there purely for the seccomp filter to inspect), per spec §6. It is
// a process-wide constant, not per-run: the compiled filter bakes it
// in once, so every sandboxee launched from a given Policy unlocks
// with the same value.
const ExecveatMagic uint64 = 0x921c2c34

// CollectStacktraceOn bits flag which terminal conditions trigger a
// nested-sandbox stack collection before the Result is finalized.
type CollectStacktraceOn uint8

const (
	CollectOnViolation CollectStacktraceOn = 1 << iota
	CollectOnSignal
	CollectOnTimeout
	CollectOnKill
)

// Policy is the output of the policy compiler: a ready-to-install
// seccomp-BPF program plus the metadata the monitors, fork server and
// stack-trace collector need alongside it. It is immutable once
// built.
type Policy struct {
	// Filter is the compiled libseccomp filter, prologue (architecture
	// validation, execveat unlock, universal denies) already merged
	// in by the policy compiler. forkserver.Client exports it with
	// policy.ExportBPF, and the fork server's child-side helper installs
	// that program with policy.LoadBPF right before the final execveat.
	// The unotify backend uses NotifyFilter the same way, through
	// policy.LoadBPFNotify, which keeps the listener fd.
	Filter *libseccomp.ScmpFilter

	// NotifyFilter is Filter recompiled with every traced syscall, and
	// every KILL disposition (the default action and the universal
	// denies), resolving to SECCOMP_RET_USER_NOTIF instead; populated alongside Filter by
	// PolicyBuilder.TryBuild so monitor.UnotifyMonitor doesn't need
	// to hold a reference to the builder that produced this Policy.
	NotifyFilter *libseccomp.ScmpFilter

	// UsesNotify is left false by PolicyBuilder.TryBuild, which always
	// compiles both Filter and NotifyFilter; the backend that runs a
	// policy is chosen per run through ForkRequest.UsesNotify instead.
	UsesNotify bool

	// TracedSyscalls is the set of syscall numbers (by the policy's
	// primary architecture) that resolve to a Notify callback instead
	// of a static ALLOW/KILL/ERRNO disposition.
	TracedSyscalls map[int32]bool

	Namespace *Namespace

	Mounts MountTree

	CollectStacktraceOn CollectStacktraceOn

	// DefaultAllowAll marks a policy built with
	// PolicyBuilder.DangerDefaultAllowAll, disabling the "every
	// unhandled syscall kills" guarantee; monitors log a warning when
	// running one.
	DefaultAllowAll bool
}

// HandlesSyscall reports whether nr is in TracedSyscalls, i.e. routed
// to a Notify callback. Static ALLOW/ERRNO dispositions are not
// recorded there, so it reports false for them.
func (p *Policy) HandlesSyscall(nr int32) bool {
	_, ok := p.TracedSyscalls[nr]
	return ok
}
