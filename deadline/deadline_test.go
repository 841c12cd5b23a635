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

package deadline

import (
	"testing"
	"time"
)

func TestHeapOrdersByDeadline(t *testing.T) {
	m := newManager()

	m.SetDeadline(1, time.Now().Add(3*time.Second))
	m.SetDeadline(2, time.Now().Add(1*time.Second))
	m.SetDeadline(3, time.Now().Add(2*time.Second))

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pq.Len() != 3 {
		t.Fatalf("got %d registrations, want 3", m.pq.Len())
	}
	if m.pq[0].Pid != 2 {
		t.Fatalf("nearest deadline pid = %d, want 2", m.pq[0].Pid)
	}
}

func TestCancelRemovesRegistration(t *testing.T) {
	m := newManager()
	m.SetDeadline(1, time.Now().Add(time.Second))
	m.Cancel(1)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byPid[1]; ok {
		t.Fatal("expected pid 1 to be removed after Cancel")
	}
	if m.pq.Len() != 0 {
		t.Fatalf("got %d registrations, want 0", m.pq.Len())
	}
}
