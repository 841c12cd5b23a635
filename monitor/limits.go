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
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/nestybox/sandbox2/domain"
)

// applyRlimits installs domain.Limits on pid via prlimit64, which
// (unlike setrlimit) can target a process other than the caller —
// needed since the monitor applies limits to the sandboxee from its
// own, separate process.
func applyRlimits(pid int, l domain.Limits) error {
	set := func(resource int, cur, max uint64) error {
		rlim := unix.Rlimit{Cur: cur, Max: max}
		if err := unix.Prlimit(pid, resource, &rlim, nil); err != nil {
			return fmt.Errorf("prlimit64(pid=%d, resource=%d): %w", pid, resource, err)
		}
		return nil
	}

	if l.AddressSpace > 0 {
		if err := set(unix.RLIMIT_AS, l.AddressSpace, l.AddressSpace); err != nil {
			return err
		}
	}
	if l.CPUTime > 0 {
		if err := set(unix.RLIMIT_CPU, l.CPUTime, l.CPUTime); err != nil {
			return err
		}
	}
	if l.FileSize > 0 {
		if err := set(unix.RLIMIT_FSIZE, l.FileSize, l.FileSize); err != nil {
			return err
		}
	}
	if l.OpenFiles > 0 {
		if err := set(unix.RLIMIT_NOFILE, l.OpenFiles, l.OpenFiles); err != nil {
			return err
		}
	}
	// CoreDumpSize may legitimately be set to 0 (disable core dumps),
	// so it is applied whenever the caller set WallTime/any other
	// field, signaling the Limits value is not the zero value.
	if !l.IsZero() {
		if err := set(unix.RLIMIT_CORE, l.CoreDumpSize, l.CoreDumpSize); err != nil {
			return err
		}
	}
	return nil
}
