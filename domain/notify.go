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

// Action is the monitor's disposition of one traced syscall event.
type Action int

const (
	// ActionAllow lets the syscall proceed unmodified; used for
	// syscalls the policy marked TRACE but a Notify callback decided
	// to allow at runtime.
	ActionAllow Action = iota

	// ActionInspectAfterReturn lets the syscall run and calls the
	// Notify callback again once it has returned, with the result
	// register populated.
	ActionInspectAfterReturn

	// ActionDeny fails the syscall with the given Errno without
	// letting it execute.
	ActionDeny
)

// Notify is implemented by callers that want to inspect or veto
// individual syscalls a policy marked for tracing (via
// AddPolicyOnSyscall) rather than statically allowing or killing. The
// ptrace and unotify monitor backends both drive it from their event
// loops.
type Notify interface {
	// EventStart is called when the traced syscall is entered. The
	// returned Action decides whether it runs, and Errno is used only
	// when Action is ActionDeny.
	EventStart(sc *Syscall) (action Action, errno int32)

	// EventReturn is called after a syscall marked
	// ActionInspectAfterReturn has completed, with its return value.
	EventReturn(sc *Syscall, retval int64)
}
