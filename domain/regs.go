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

// Regs is an architecture-specific general-purpose register snapshot
// for one traced thread, as returned by PTRACE_GETREGS. The monitor
// package is the only one that fills these in (it owns the ptrace
// calls); domain only names the shape so Result and the stack tracer
// can carry a Regs without importing monitor.
type Regs struct {
	Arch CpuArch
	Pid  int

	// SyscallNr is orig_rax/orig_x0 depending on Arch: the syscall
	// number the kernel is currently dispatching, or -1 outside of a
	// syscall-entry/exit stop.
	SyscallNr int64

	Args [MaxArgs]uint64

	StackPointer       uint64
	InstructionPointer uint64

	// ReturnValue is rax/x0 at a syscall-exit stop; meaningless at
	// syscall-entry.
	ReturnValue int64
}

// ToSyscall converts a syscall-entry Regs snapshot into a Syscall
// value for policy/Result reporting.
func (r *Regs) ToSyscall() *Syscall {
	return NewSyscall(r.Pid, r.Arch, int32(r.SyscallNr), Args(r.Args), r.StackPointer, r.InstructionPointer)
}
