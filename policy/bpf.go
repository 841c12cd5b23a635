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

package policy

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"unsafe"

	libseccomp "github.com/nestybox/sysbox-libs/libseccomp-golang"
	"golang.org/x/sys/unix"

	"github.com/nestybox/sandbox2/domain"
)

// sockFilterSize is the wire size of one struct sock_filter: u16 code,
// u8 jt, u8 jf, u32 k.
const sockFilterSize = 8

// ExportBPF flattens a compiled libseccomp filter into the raw
// sock_filter program the kernel's SECCOMP_SET_MODE_FILTER expects.
// The fork server's child-side helper installs the program this way
// (rather than calling filter.Load() on the cgo-backed *ScmpFilter
// directly) because the program has to cross process boundaries (comms
// to the fork server, then a re-exec into the child) as plain bytes, exactly as
// spec's "final sock_filter program is transmitted as a byte-blob TLV
// over Comms" describes.
func ExportBPF(filter *libseccomp.ScmpFilter) ([]unix.SockFilter, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("policy: pipe: %w", err)
	}

	exportErr := make(chan error, 1)
	go func() {
		exportErr <- filter.ExportBPF(w)
		w.Close()
	}()

	raw, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return nil, fmt.Errorf("policy: read exported bpf: %w", err)
	}
	if err := <-exportErr; err != nil {
		return nil, fmt.Errorf("policy: ExportBPF: %w", err)
	}

	if len(raw)%sockFilterSize != 0 {
		return nil, fmt.Errorf("policy: exported bpf program has %d bytes, not a multiple of %d", len(raw), sockFilterSize)
	}

	n := len(raw) / sockFilterSize
	prog := make([]unix.SockFilter, n)
	for i := 0; i < n; i++ {
		rec := raw[i*sockFilterSize : (i+1)*sockFilterSize]
		prog[i] = unix.SockFilter{
			Code: binary.LittleEndian.Uint16(rec[0:2]),
			Jt:   rec[2],
			Jf:   rec[3],
			K:    binary.LittleEndian.Uint32(rec[4:8]),
		}
	}
	return prog, nil
}

const (
	seccompSetModeFilter       = 1
	seccompFilterFlagTSync     = 1
	seccompFilterFlagNewListener = 8
)

// LoadBPF installs prog as the calling thread's (and, with TSYNC, every
// thread in the process's) seccomp filter. Used by the fork server's
// child-side helper right before the unlock execveat, matching
// sandbox2's "enable seccomp (SECCOMP_SET_MODE_FILTER with TSYNC),
// then execveat" sequencing.
func LoadBPF(prog []unix.SockFilter) error {
	_, err := loadBPF(prog, seccompFilterFlagTSync)
	return err
}

// LoadBPFNotify installs prog with SECCOMP_FILTER_FLAG_NEW_LISTENER
// set, returning the fd the kernel hands back for
// SECCOMP_RET_USER_NOTIF requests. Only the process that calls this
// holds the fd initially; the fork server's child-side helper sends
// it to the engine over ctrl comms (SCM_RIGHTS) right after.
func LoadBPFNotify(prog []unix.SockFilter) (int, error) {
	return loadBPF(prog, seccompFilterFlagNewListener)
}

func loadBPF(prog []unix.SockFilter, flags uintptr) (int, error) {
	fprog := unix.SockFprog{
		Len:    uint16(len(prog)),
		Filter: &prog[0],
	}

	fd, _, errno := unix.Syscall(unix.SYS_SECCOMP, seccompSetModeFilter, flags, uintptr(unsafe.Pointer(&fprog)))
	if errno != 0 {
		return -1, fmt.Errorf("policy: seccomp(SECCOMP_SET_MODE_FILTER): %w", errno)
	}
	return int(fd), nil
}

// Raw BPF building blocks for the architecture-check prologue below.
// libseccomp never exposes the program it generates, so the prologue
// has to be hand-built the way a from-scratch seccomp filter is (the
// same BPF_LD/BPF_JMP/BPF_RET vocabulary a hand-rolled raw-BPF builder
// uses) and spliced onto the front of the already-exported program
// rather than expressed as another libseccomp rule.
const (
	bpfLd  = 0x00
	bpfJmp = 0x05
	bpfRet = 0x06
	bpfW   = 0x00
	bpfAbs = 0x20
	bpfJeq = 0x10
	bpfK   = 0x00

	// offsetSeccompDataArch is the byte offset of the `arch` field
	// within struct seccomp_data (a 4-byte `nr` followed by a 4-byte
	// `arch`), the field BPF_LD|BPF_ABS has to load to see which audit
	// architecture the current syscall was made under.
	offsetSeccompDataArch = 4
)

// Linux audit architecture values (linux/audit.h's AUDIT_ARCH_*), one
// per domain.CpuArch this module recognizes.
const (
	auditArchX86_64  = 0xc000003e
	auditArchI386    = 0x40000003
	auditArchAarch64 = 0xc00000b7
	auditArchArm     = 0x40000028
	auditArchPPC64LE = 0xc0000015
)

func hostAuditArch() (uint32, bool) {
	switch domain.GetHostArch() {
	case domain.ArchX8664:
		return auditArchX86_64, true
	case domain.ArchX8632:
		return auditArchI386, true
	case domain.ArchArm64:
		return auditArchAarch64, true
	case domain.ArchArm:
		return auditArchArm, true
	case domain.ArchPPC64:
		return auditArchPPC64LE, true
	default:
		return 0, false
	}
}

func bpfStmt(code uint16, k uint32) unix.SockFilter {
	return unix.SockFilter{Code: code, K: k}
}

func bpfJump(code uint16, k uint32, jt, jf uint8) unix.SockFilter {
	return unix.SockFilter{Code: code, Jt: jt, Jf: jf, K: k}
}

// SECCOMP_RET_* action values a hand-built sock_filter can return.
// Needed here, rather than reused from libseccomp's action type,
// because the prologue returns directly out of raw BPF before any
// libseccomp-generated instruction runs.
const (
	seccompRetTrace     = 0x7ff00000
	seccompRetUserNotif = 0x7fc00000
)

// prependArchCheck splices a three-instruction prologue onto the front
// of prog: load seccomp_data.arch, fall through into prog unchanged
// when it matches the host's own audit architecture, or return
// mismatch otherwise. Relative jump offsets inside prog are untouched
// by prepending instructions ahead of it, since sock_filter jt/jf are
// counts of instructions to skip from the jump itself, not absolute
// targets.
func prependArchCheck(prog []unix.SockFilter, mismatch uint32) []unix.SockFilter {
	arch, ok := hostAuditArch()
	if !ok {
		return prog
	}
	prologue := []unix.SockFilter{
		bpfStmt(bpfLd|bpfW|bpfAbs, offsetSeccompDataArch),
		bpfJump(bpfJmp|bpfJeq|bpfK, arch, 1, 0),
		bpfStmt(bpfRet|bpfK, mismatch),
	}
	out := make([]unix.SockFilter, 0, len(prologue)+len(prog))
	out = append(out, prologue...)
	out = append(out, prog...)
	return out
}

// PrependArchCheckTrace adds the architecture-check prologue ahead of
// an already-exported ptrace-backend program: a syscall made under
// any architecture other than this process's own is routed straight
// to TRACE with domain.ArchMismatchTag as its SECCOMP_RET_DATA, ahead
// of every libseccomp-generated rule, so PtraceMonitor can recognize a
// cross-architecture attempt (e.g. an i386 `int 0x80` syscall traced
// from an x86_64 host) instead of letting it fall through to whatever
// disposition the policy gave the matching syscall number under the
// host's own table.
func PrependArchCheckTrace(prog []unix.SockFilter) []unix.SockFilter {
	return prependArchCheck(prog, seccompRetTrace|uint32(domain.ArchMismatchTag))
}

// PrependArchCheckNotify is PrependArchCheckTrace for the unotify
// backend: the mismatch is delivered as a SECCOMP_RET_USER_NOTIF
// instead of a ptrace trap, since that backend never stops the tracee
// to read registers. No tag needs encoding in the return data here:
// ScmpNotifReq.Data.Arch already carries the real audit architecture
// for every notified syscall, matching or not.
func PrependArchCheckNotify(prog []unix.SockFilter) []unix.SockFilter {
	return prependArchCheck(prog, seccompRetUserNotif)
}
