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
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/nestybox/sandbox2/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestIsGroupStopSignal(t *testing.T) {
	for _, sig := range []unix.Signal{unix.SIGSTOP, unix.SIGTSTP, unix.SIGTTIN, unix.SIGTTOU} {
		assert.True(t, isGroupStopSignal(sig), "%v should be a group-stop signal", sig)
	}
	for _, sig := range []unix.Signal{unix.SIGTRAP, unix.SIGKILL, unix.SIGSEGV} {
		assert.False(t, isGroupStopSignal(sig), "%v should not be a group-stop signal", sig)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 2*time.Second, cfg.KillGrace)
	assert.Equal(t, 2*time.Second, cfg.SetupDeadline)

	custom := Config{KillGrace: time.Second, SetupDeadline: 5 * time.Second}.withDefaults()
	assert.Equal(t, time.Second, custom.KillGrace)
	assert.Equal(t, 5*time.Second, custom.SetupDeadline)
}

func TestListTasksOnRealProcess(t *testing.T) {
	cmd := exec.Command("/bin/sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start /bin/sleep: %v", err)
	}
	defer cmd.Process.Kill()
	defer cmd.Wait()

	tids, err := listTasks(cmd.Process.Pid)
	require.NoError(t, err)
	assert.Contains(t, tids, cmd.Process.Pid)
}

func TestReadProcMapsOnRealProcess(t *testing.T) {
	cmd := exec.Command("/bin/sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start /bin/sleep: %v", err)
	}
	defer cmd.Process.Kill()
	defer cmd.Wait()

	maps := readProcMaps(cmd.Process.Pid)
	if maps == "" {
		t.Skip("empty /proc/<pid>/maps, likely permission-restricted in this environment")
	}
	assert.True(t, strings.Contains(maps, "sleep") || strings.Contains(maps, "/"))
}

func TestReadProcMapsOnGoneProcessIsEmpty(t *testing.T) {
	// pid 999999999 should never exist.
	assert.Equal(t, "", readProcMaps(999999999))
}

func TestArchFromRegsDetectsCompatMode(t *testing.T) {
	regs := syscall.PtraceRegs{Cs: cs64BitSegment}
	assert.Equal(t, domain.ArchX8664, archFromRegs(&regs))

	regs.Cs = cs32BitSegment
	assert.Equal(t, domain.ArchX8632, archFromRegs(&regs))
}

func TestArchFromRegsFallsBackToHostArchOnUnknownSegment(t *testing.T) {
	regs := syscall.PtraceRegs{Cs: 0xdead}
	assert.Equal(t, domain.GetHostArch(), archFromRegs(&regs))
}
