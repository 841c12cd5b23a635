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

// Monitor drives one sandboxee from its paused post-clone state to a
// terminal Result. monitor.PtraceMonitor and monitor.UnotifyMonitor
// are the two concrete implementations; sandbox2.go picks between
// them and everything above the monitor package talks only to this
// interface.
type Monitor interface {
	// Run blocks until the sandboxee reaches a terminal state,
	// driving the readiness handshake, limits application, and
	// syscall event loop. It returns an error only for a failure to
	// drive the run; the outcome itself is read through Result.
	Run() error

	// Result returns the (possibly still UNSET) outcome; safe to call
	// concurrently with Run from a caller polling for completion.
	Result() *Result

	// Kill asks the monitor to terminate the sandboxee immediately,
	// setting an EXTERNAL_KILL result if none is set yet.
	Kill() error

	// IsTerminated reports whether Run has returned.
	IsTerminated() bool

	// SetWalltimeLimit adjusts the deadline registration the monitor
	// holds for the sandboxee. It returns an error until Run has
	// launched the sandboxee.
	SetWalltimeLimit(d time.Duration) error
}

// ForkClient is implemented by forkserver.Client: the handle a caller
// uses to ask a (possibly shared, possibly per-run) fork server
// process to clone and pause a new sandboxee.
type ForkClient interface {
	SendRequest(req *ForkRequest) (*SandboxeeProcess, error)
}
