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

package stacktrace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestybox/sandbox2/domain"
)

func TestCollapseRepeatsMergesLongRuns(t *testing.T) {
	in := []string{"a", "b", "b", "b", "b", "c"}
	out := collapseRepeats(in)
	require.Equal(t, []string{"a", "b", "(previous frame repeated 3 times)", "c"}, out)
}

func TestCollapseRepeatsLeavesShortRunsAlone(t *testing.T) {
	in := []string{"a", "b", "b", "c"}
	out := collapseRepeats(in)
	assert.Equal(t, []string{"a", "b", "b", "c"}, out)
}

func TestCollapseRepeatsEmpty(t *testing.T) {
	assert.Empty(t, collapseRepeats(nil))
}

func TestObjectForFallsBackToUnknown(t *testing.T) {
	obj, off := objectFor(0xdeadbeef, nil)
	assert.Equal(t, "??", obj)
	assert.Equal(t, uint64(0), off)
}

func TestObjectForMatchesContainingMapping(t *testing.T) {
	mapping := []mapEntry{
		{start: 0x1000, end: 0x2000, path: "/bin/true"},
		{start: 0x2000, end: 0x3000, path: ""},
	}
	obj, off := objectFor(0x1500, mapping)
	assert.Equal(t, "/bin/true", obj)
	assert.Equal(t, uint64(0x500), off)

	obj, _ = objectFor(0x2800, mapping)
	assert.Equal(t, "[anon]", obj)
}

func TestReadMapsParsesPid1(t *testing.T) {
	entries, err := readMaps(1)
	if err != nil {
		t.Skipf("cannot read /proc/1/maps: %v", err)
	}
	assert.NotEmpty(t, entries)
	for i := 1; i < len(entries); i++ {
		assert.LessOrEqual(t, entries[i-1].start, entries[i].start)
	}
}

func TestCollectWithZeroFramePointerReturnsOnlyIP(t *testing.T) {
	// A zero StackPointer means "no frame-pointer chain to walk"; Collect
	// should still report the instruction-pointer frame instead of erroring.
	r := &domain.Regs{InstructionPointer: 0x1, StackPointer: 0}
	frames, err := Collect(1, r, 4)
	require.NoError(t, err)
	assert.Len(t, frames, 1)
}
