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

package waiter

import (
	"os/exec"
	"testing"
	"time"
)

func TestWaitReapsExitedChild(t *testing.T) {
	cmd := exec.Command("/bin/true")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start /bin/true: %v", err)
	}
	pid := cmd.Process.Pid

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, _, reaped, err := Wait(pid)
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
		if reaped {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("child was never reaped within the deadline")
}

func TestWaitNonBlockingOnRunningChild(t *testing.T) {
	cmd := exec.Command("/bin/sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start /bin/sleep: %v", err)
	}
	defer cmd.Process.Kill()
	defer cmd.Wait()

	_, _, reaped, err := Wait(cmd.Process.Pid)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if reaped {
		t.Fatal("expected the still-running child not to be reaped")
	}
}
