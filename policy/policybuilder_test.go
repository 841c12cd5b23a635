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

import "testing"

func TestDuplicateSyscallDispositionIsNoOp(t *testing.T) {
	b := NewPolicyBuilder()
	b.AllowSyscall("read")
	b.AllowSyscall("read")

	if len(b.rules) != 1 {
		t.Fatalf("expected the second AllowSyscall(\"read\") to be a no-op, got %d rules", len(b.rules))
	}
	if _, err := b.TryBuild(); err != nil {
		t.Fatalf("TryBuild: %v", err)
	}
}

func TestFirstMatchWinsAcrossAllowThenBlock(t *testing.T) {
	allowOnly := NewPolicyBuilder()
	allowOnly.AllowSyscall("read")

	allowThenBlock := NewPolicyBuilder()
	allowThenBlock.AllowSyscall("read")
	allowThenBlock.BlockSyscallWithErrno("read", 1)

	if len(allowThenBlock.rules) != len(allowOnly.rules) {
		t.Fatalf("BlockSyscallWithErrno after AllowSyscall for the same syscall should be a no-op")
	}
	if allowThenBlock.rules[0].kind != ruleAllow {
		t.Fatalf("expected the first registered disposition (allow) to win, got kind %v", allowThenBlock.rules[0].kind)
	}
}

func TestAllowDynamicStartupComposesAllowLists(t *testing.T) {
	b := NewPolicyBuilder().AllowDynamicStartup().AllowExit()

	for _, name := range []string{"arch_prctl", "open", "mmap", "read", "exit"} {
		if !b.handled[name] {
			t.Errorf("expected %q to have a disposition after AllowDynamicStartup+AllowExit", name)
		}
	}
}

func TestTryBuildCompilesDistinctTraceAndNotifyFilters(t *testing.T) {
	b := NewPolicyBuilder().AllowDynamicStartup().AllowExit()

	p, err := b.TryBuild()
	if err != nil {
		t.Fatalf("TryBuild: %v", err)
	}
	if p.Filter == nil {
		t.Fatal("expected a non-nil ptrace-backend filter")
	}
	if p.NotifyFilter == nil {
		t.Fatal("expected a non-nil unotify-backend filter")
	}
	if p.Filter == p.NotifyFilter {
		t.Fatal("the ptrace and unotify filters must be compiled separately, since they use different default/deny actions")
	}
}

func TestAddFileAtRejectsChildUnderFileMount(t *testing.T) {
	b := NewPolicyBuilder()
	b.AddFileAt("/bin/busybox", "/bin/sh", false)
	b.AddFileAt("/etc/passwd", "/bin/sh/passwd", false)

	if _, err := b.TryBuild(); err == nil {
		t.Fatal("expected TryBuild to surface the mount tree error")
	}
}
