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

package comms

import "testing"

func TestSendRecvScalars(t *testing.T) {
	local, remote, err := NewSocketpair()
	if err != nil {
		t.Fatalf("NewSocketpair: %v", err)
	}
	defer local.Terminate()
	defer remote.Terminate()

	go func() {
		local.SendUint32(42)
		local.SendString("hello")
		local.SendBool(true)
	}()

	if v, err := remote.RecvUint32(); err != nil || v != 42 {
		t.Fatalf("RecvUint32 = %d, %v", v, err)
	}
	if v, err := remote.RecvString(); err != nil || v != "hello" {
		t.Fatalf("RecvString = %q, %v", v, err)
	}
	if v, err := remote.RecvBool(); err != nil || v != true {
		t.Fatalf("RecvBool = %v, %v", v, err)
	}
}

func TestRecvWrongTagIsError(t *testing.T) {
	local, remote, err := NewSocketpair()
	if err != nil {
		t.Fatalf("NewSocketpair: %v", err)
	}
	defer local.Terminate()
	defer remote.Terminate()

	go local.SendString("oops")

	if _, err := remote.RecvUint32(); err == nil {
		t.Fatal("expected a tag mismatch error")
	}
}

func TestMessageRoundTrip(t *testing.T) {
	type payload struct {
		A int
		B string
	}

	local, remote, err := NewSocketpair()
	if err != nil {
		t.Fatalf("NewSocketpair: %v", err)
	}
	defer local.Terminate()
	defer remote.Terminate()

	want := payload{A: 7, B: "sandboxee"}
	go local.SendMessage(want)

	var got payload
	if err := remote.RecvMessage(&got); err != nil {
		t.Fatalf("RecvMessage: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}
