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

// Package forkserver implements C5: a long-lived helper process,
// started lazily the first time a sandboxee is launched, that clones
// children into the requested namespaces/capabilities, installs the
// compiled seccomp filter, and execs the target. The forkserver
// process itself is this same binary, re-exec'd with the hidden
// "fork-server" subcommand, after the re-exec pattern nsenter/event.go
// uses for the teacher's own namespaced helper, generalized here to the sandboxee
// launch protocol spec §4.5 describes.
package forkserver

import (
	"bytes"
	"encoding/gob"

	"golang.org/x/sys/unix"

	"github.com/nestybox/sandbox2/domain"
)

// wireRequest is the comms.SendMessage payload for one launch. It
// mirrors domain.ForkRequest but drops the cgo-backed *ScmpFilter
// (policy.ExportBPF flattens it to a plain sock_filter program first,
// since a compiled filter's C pointers don't survive crossing
// comms — only a fork()-without-exec address-space copy, which this
// module's clone step does not rely on).
type wireRequest struct {
	Mode ForkMode

	Path string
	Argv []string
	Envv []string
	Cwd  string

	CloneFlags            uintptr
	Hostname              string
	DisableUserNamespace  bool
	AvoidPivotRoot        bool
	AllowMountPropagation bool
	MountProc             bool
	Mounts                []domain.MountEntry

	Capabilities []string

	BPFProgram    []unix.SockFilter
	ExecveatMagic uint64
	UsesNotify    bool

	UserNamespaceFD bool // true if the request's UserNamespaceFD was non-zero; the fd itself is not passed
	UnwindPid       int
	UnwindMaxFrames int
	UnwindRegs      []byte // gob of domain.Regs, sent as bytes to dodge domain<->forkserver import games
}

// ForkMode is an alias of domain.ForkMode, so the wire format carries
// exactly domain.ForkMode's representation.
type ForkMode = domain.ForkMode

const (
	ModeExecve            = domain.ForkExecve
	ModeJoinSandboxUnwind = domain.ForkJoinSandboxUnwind
)

// wireResponse is the Client<-Server reply. Err is a string because
// gob can't carry an arbitrary error interface.
type wireResponse struct {
	InitPid     int
	Pid         int
	HasNotifyFD bool
	Err         string
}

// encodeRegs/decodeRegs carry a domain.Regs across the wireRequest's
// UnwindRegs field as plain bytes, so this package doesn't need a
// second copy of domain.Regs's field list.
func encodeRegs(r *domain.Regs) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil
	}
	return buf.Bytes()
}

func decodeRegs(b []byte) (*domain.Regs, error) {
	var r domain.Regs
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&r); err != nil {
		return nil, err
	}
	return &r, nil
}
