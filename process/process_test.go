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

package process

import "testing"

func TestNewCapSetUnknownCapability(t *testing.T) {
	_, err := NewCapSet([]string{"CAP_NOT_A_REAL_CAP"})
	if err == nil {
		t.Fatal("expected an error for an unknown capability name")
	}
}

func TestNewCapSetKnownNames(t *testing.T) {
	names := []string{"CAP_SYS_PTRACE", "CAP_SYS_CHROOT", "CAP_SETUID", "CAP_SETGID"}
	for _, n := range names {
		if _, ok := capByName[n]; !ok {
			t.Errorf("capByName missing entry for %s", n)
		}
	}
}
