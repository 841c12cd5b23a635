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
	"testing"

	"github.com/nestybox/sandbox2/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// seccompRetAllow mirrors SECCOMP_RET_ALLOW (linux/seccomp.h); used here
// only to build a stand-in "rest of the program" instruction.
const seccompRetAllow = 0x7fff0000

func TestPrependArchCheckTraceAddsThreeInstructionPrologue(t *testing.T) {
	arch, ok := hostAuditArch()
	require.True(t, ok, "this test's host architecture must have a known audit arch value")

	rest := []unix.SockFilter{
		{Code: bpfRet | bpfK, K: uint32(seccompRetAllow)},
	}
	out := PrependArchCheckTrace(rest)

	require.Len(t, out, len(rest)+3)
	assert.Equal(t, uint16(bpfLd|bpfW|bpfAbs), out[0].Code)
	assert.Equal(t, uint32(offsetSeccompDataArch), out[0].K)

	assert.Equal(t, uint16(bpfJmp|bpfJeq|bpfK), out[1].Code)
	assert.Equal(t, arch, out[1].K)
	assert.Equal(t, uint8(1), out[1].Jt)
	assert.Equal(t, uint8(0), out[1].Jf)

	assert.Equal(t, uint16(bpfRet|bpfK), out[2].Code)
	assert.Equal(t, uint32(seccompRetTrace|uint32(domain.ArchMismatchTag)), out[2].K)

	// The original program must survive unchanged, since its jt/jf
	// offsets are relative to each instruction, not to the start of
	// the whole program.
	assert.Equal(t, rest[0], out[3])
}

func TestPrependArchCheckNotifyReturnsUserNotifWithNoTag(t *testing.T) {
	rest := []unix.SockFilter{{Code: bpfRet | bpfK, K: uint32(seccompRetAllow)}}
	out := PrependArchCheckNotify(rest)

	require.Len(t, out, len(rest)+3)
	assert.Equal(t, uint32(seccompRetUserNotif), out[2].K)
}

func TestHostAuditArchMatchesHostCpuArch(t *testing.T) {
	arch, ok := hostAuditArch()
	require.True(t, ok)

	switch domain.GetHostArch() {
	case domain.ArchX8664:
		assert.Equal(t, uint32(auditArchX86_64), arch)
	case domain.ArchX8632:
		assert.Equal(t, uint32(auditArchI386), arch)
	case domain.ArchArm64:
		assert.Equal(t, uint32(auditArchAarch64), arch)
	case domain.ArchArm:
		assert.Equal(t, uint32(auditArchArm), arch)
	case domain.ArchPPC64:
		assert.Equal(t, uint32(auditArchPPC64LE), arch)
	}
}
