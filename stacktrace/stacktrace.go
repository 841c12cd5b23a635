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

// Package stacktrace implements C8: collecting a symbolicated-as-best-
// effort call stack from a sandboxee pinned at a ptrace stop. The
// original sandbox2 runs a full libunwind pass inside a second, nested
// sandbox so a corrupted stack can't escape the unwinder itself; no Go
// libunwind binding exists anywhere in this module's dependency pack,
// so this package instead walks frame pointers directly against the
// target's memory the way the DataDog ptracer.go reference tracker
// reads tracee memory (process_vm_readv via unix.Iovec/RemoteIovec,
// page-aligned string reads). A frame-pointer walk can't produce
// file:line symbols without DWARF, so frames are reported as bare
// return addresses plus the ELF object they fall inside of, read from
// the target's /proc/<pid>/maps.
package stacktrace

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/nestybox/sandbox2/domain"
)

// DefaultMaxFrames bounds an unbounded or corrupt frame-pointer chain.
const DefaultMaxFrames = 64

// Collect walks pid's call stack starting from r and returns one
// formatted line per frame, innermost first, with each run of three or
// more identical frames collapsed into its first frame plus a
// "(previous frame repeated N times)" marker per spec §4.8.
// maxFrames<=0 uses DefaultMaxFrames.
func Collect(pid int, r *domain.Regs, maxFrames int) ([]string, error) {
	if maxFrames <= 0 {
		maxFrames = DefaultMaxFrames
	}

	mapping, err := readMaps(pid)
	if err != nil {
		return nil, fmt.Errorf("stacktrace: read maps: %w", err)
	}

	addrs := []uint64{r.InstructionPointer}

	fp := r.StackPointer
	// The frame-pointer chain proper starts at rbp, not rsp, but
	// domain.Regs carries no frame-pointer register, so the walk starts
	// from r.StackPointer as a best-effort rbp substitute.
	for i := 0; i < maxFrames && fp != 0; i++ {
		frame := make([]byte, 16)
		n, err := processVMReadv(pid, uintptr(fp), frame)
		if err != nil || n != len(frame) {
			break
		}
		savedFP := binary.LittleEndian.Uint64(frame[0:8])
		retAddr := binary.LittleEndian.Uint64(frame[8:16])
		if retAddr == 0 {
			break
		}
		addrs = append(addrs, retAddr)
		if savedFP <= fp {
			break // a frame pointer must strictly increase; anything else is a corrupt/absent chain.
		}
		fp = savedFP
	}

	return formatFrames(addrs, mapping), nil
}

type mapEntry struct {
	start, end uint64
	path       string
}

func (e mapEntry) contains(addr uint64) bool { return addr >= e.start && addr < e.end }

func readMaps(pid int) ([]mapEntry, error) {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	var entries []mapEntry
	for _, line := range strings.Split(string(b), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 1 {
			continue
		}
		rng := strings.SplitN(fields[0], "-", 2)
		if len(rng) != 2 {
			continue
		}
		start, err1 := strconv.ParseUint(rng[0], 16, 64)
		end, err2 := strconv.ParseUint(rng[1], 16, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		path := ""
		if len(fields) >= 6 {
			path = fields[5]
		}
		entries = append(entries, mapEntry{start: start, end: end, path: path})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].start < entries[j].start })
	return entries, nil
}

func objectFor(addr uint64, mapping []mapEntry) (string, uint64) {
	for _, e := range mapping {
		if e.contains(addr) {
			name := e.path
			if name == "" {
				name = "[anon]"
			}
			return name, addr - e.start
		}
	}
	return "??", 0
}

func formatFrames(addrs []uint64, mapping []mapEntry) []string {
	var rendered []string
	for _, a := range addrs {
		obj, off := objectFor(a, mapping)
		rendered = append(rendered, fmt.Sprintf("0x%016x %s+0x%x", a, obj, off))
	}
	return collapseRepeats(rendered)
}

// collapseRepeats merges runs of 3+ identical frames into the frame
// plus a repeat marker; a run of two is kept as it is.
func collapseRepeats(frames []string) []string {
	if len(frames) == 0 {
		return frames
	}
	var out []string
	i := 0
	for i < len(frames) {
		j := i + 1
		for j < len(frames) && frames[j] == frames[i] {
			j++
		}
		run := j - i
		if run >= 3 {
			out = append(out, frames[i], fmt.Sprintf("(previous frame repeated %d times)", run-1))
		} else {
			for k := i; k < j; k++ {
				out = append(out, frames[k])
			}
		}
		i = j
	}
	return out
}

// processVMReadv reads size bytes at addr in pid's address space into
// data, the same single-iovec process_vm_readv shape the DataDog
// ptracer.go helper uses.
func processVMReadv(pid int, addr uintptr, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	localIov := []unix.Iovec{{Base: &data[0], Len: uint64(len(data))}}
	remoteIov := []unix.RemoteIovec{{Base: addr, Len: len(data)}}
	return unix.ProcessVMReadv(pid, localIov, remoteIov, 0)
}
