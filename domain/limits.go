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

import "time"

// Limits are the rlimits and wall-clock deadline a monitor applies to
// a sandboxee right after the readiness handshake completes, before
// the monitored syscall loop begins. A zero value in AddressSpace,
// CPUTime, FileSize or OpenFiles means "don't change the inherited
// limit"; CoreDumpSize, zero included, is applied as RLIMIT_CORE
// whenever any field is set.
type Limits struct {
	AddressSpace uint64 // RLIMIT_AS, bytes
	CPUTime      uint64 // RLIMIT_CPU, seconds
	FileSize     uint64 // RLIMIT_FSIZE, bytes
	OpenFiles    uint64 // RLIMIT_NOFILE, count
	CoreDumpSize uint64 // RLIMIT_CORE, bytes

	// WallTime bounds the whole run regardless of rlimits; zero means
	// no deadline is registered.
	WallTime time.Duration
}

// IsZero reports whether every limit is unset.
func (l Limits) IsZero() bool {
	return l == Limits{}
}
