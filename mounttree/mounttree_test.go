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

package mounttree

import "testing"

func TestAddChildUnderFileFails(t *testing.T) {
	tr := New()
	if err := tr.AddFileAt("/bin/busybox", "/bin/sh", false); err != nil {
		t.Fatalf("AddFileAt: %v", err)
	}
	if err := tr.AddFileAt("/etc/passwd", "/bin/sh/passwd", false); err == nil {
		t.Fatal("expected an error adding a child under a file node")
	}
}

func TestRejectsRelativePath(t *testing.T) {
	tr := New()
	if err := tr.AddFileAt("/bin/sh", "bin/sh", false); err == nil {
		t.Fatal("expected an error for a non-absolute inside path")
	}
}

func TestRejectsProcSelf(t *testing.T) {
	tr := New()
	if err := tr.AddFileAt("/etc/passwd", "/proc/self/exe", false); err == nil {
		t.Fatal("expected an error mounting under /proc/self")
	}
}

func TestResolveFindsNearestAncestor(t *testing.T) {
	tr := New()
	if err := tr.AddDirectoryAt("/usr/lib", "/lib", false); err != nil {
		t.Fatalf("AddDirectoryAt: %v", err)
	}
	entry, ok := tr.Resolve("/lib/x86_64-linux-gnu/libc.so.6")
	if !ok {
		t.Fatal("expected Resolve to find the /lib bind mount")
	}
	if entry.InsidePath != "/lib" {
		t.Fatalf("got InsidePath %q, want /lib", entry.InsidePath)
	}
}

func TestEntriesNonEmpty(t *testing.T) {
	tr := New()
	tr.AddTmpfs("/tmp", 0)
	tr.AddFileAt("/bin/busybox", "/bin/sh", false)
	if len(tr.Entries()) != 2 {
		t.Fatalf("got %d entries, want 2", len(tr.Entries()))
	}
}
