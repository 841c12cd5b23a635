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

package forkserver

import (
	"fmt"
	"os"
	"os/exec"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/nestybox/sandbox2/comms"
	"github.com/nestybox/sandbox2/domain"
	"github.com/nestybox/sandbox2/policy"
)

// NoForkServerEnv mirrors spec's SANDBOX2_NOFORKSERVER control: set in
// the supervisor's own environment to suppress the lazy singleton, and
// propagated into every sandboxee's environment so a nested sandbox2
// user never accidentally spins up a second one.
const NoForkServerEnv = "SANDBOX2_NOFORKSERVER"

// Client is the handle callers use to talk to one fork server
// process. It implements domain.ForkClient.
type Client struct {
	mu      sync.Mutex // serializes requests, per spec's "Comms channel is a mutex-serialized resource"
	comms   *comms.Comms
	cmd     *exec.Cmd // nil for a Client built over an inherited fd rather than one this process started
	statusR *os.File  // closes when the fork server exits; handed to callers as SandboxeeProcess.StatusFD
}

var (
	globalOnce   sync.Once
	globalClient *Client
	globalErr    error
)

// Global returns the process-wide lazily-started fork server client,
// starting the server the first time it's needed. Honors
// NoForkServerEnv by returning a Client that execs its child directly
// in-process instead of handing the work to a separate server.
func Global() (*Client, error) {
	globalOnce.Do(func() {
		if os.Getenv(NoForkServerEnv) == "1" {
			globalClient = newDirectClient()
			return
		}
		globalClient, globalErr = Start()
	})
	return globalClient, globalErr
}

// Start launches a fresh fork server process and returns a Client
// connected to it. Most callers want Global instead; Start is exposed
// for tests and for callers that want one fork server per sandboxee
// rather than a shared one.
func Start() (*Client, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("forkserver: resolve self: %w", err)
	}

	local, remote, err := comms.NewSocketpair()
	if err != nil {
		return nil, fmt.Errorf("forkserver: socketpair: %w", err)
	}

	statusR, statusW, err := os.Pipe()
	if err != nil {
		local.Terminate()
		remote.Terminate()
		return nil, fmt.Errorf("forkserver: status pipe: %w", err)
	}

	cmd := exec.Command(self, "fork-server")
	cmd.Env = append(os.Environ(), NoForkServerEnv+"=1")
	cmd.ExtraFiles = []*os.File{os.NewFile(uintptr(remote.FD()), "forkserver-comms"), statusW}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		local.Terminate()
		remote.Terminate()
		statusR.Close()
		statusW.Close()
		return nil, fmt.Errorf("forkserver: start: %w", err)
	}

	remote.Terminate()
	statusW.Close()

	log.WithField("pid", cmd.Process.Pid).Debug("forkserver: started")

	return &Client{comms: local, cmd: cmd, statusR: statusR}, nil
}

// newDirectClient builds a Client that performs the clone/exec
// sequence in the calling process's own goroutine instead of talking
// to a separate fork server, for SANDBOX2_NOFORKSERVER=1 and for unit
// tests that want to avoid the extra process.
func newDirectClient() *Client {
	return &Client{}
}

// SendRequest asks the fork server (or, for a direct Client, performs
// locally) to clone and pause one sandboxee.
func (c *Client) SendRequest(req *domain.ForkRequest) (*domain.SandboxeeProcess, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wreq, err := toWireRequest(req)
	if err != nil {
		return nil, fmt.Errorf("forkserver: build request: %w", err)
	}

	if c.comms == nil {
		return runChild(wreq)
	}

	if err := c.comms.SendMessage(wreq); err != nil {
		return nil, fmt.Errorf("forkserver: send request: %w", err)
	}

	var wresp wireResponse
	if err := c.comms.RecvMessage(&wresp); err != nil {
		return nil, fmt.Errorf("forkserver: recv response: %w", err)
	}
	if wresp.Err != "" {
		return nil, fmt.Errorf("forkserver: %s", wresp.Err)
	}

	commsFD, err := c.comms.RecvFD()
	if err != nil {
		return nil, fmt.Errorf("forkserver: recv comms fd: %w", err)
	}

	sp := &domain.SandboxeeProcess{
		InitPid:  wresp.InitPid,
		Pid:      wresp.Pid,
		CommsFD:  commsFD,
		StatusFD: int(c.statusR.Fd()),
	}

	if wresp.HasNotifyFD {
		notifyFD, err := c.comms.RecvFD()
		if err != nil {
			return nil, fmt.Errorf("forkserver: recv notify fd: %w", err)
		}
		sp.NotifyFD = notifyFD
	}

	return sp, nil
}

// Close terminates the fork server process this Client started.
// Callers sharing the Global client never call this; it exists for
// Start-created, test-owned clients.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.comms != nil {
		c.comms.Terminate()
	}
	if c.statusR != nil {
		c.statusR.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		return c.cmd.Process.Kill()
	}
	return nil
}

func toWireRequest(req *domain.ForkRequest) (*wireRequest, error) {
	wreq := &wireRequest{
		Mode:          req.Mode,
		Path:          req.Path,
		Argv:          req.Argv,
		Envv:          append(append([]string(nil), req.Envv...), NoForkServerEnv+"=1"),
		Cwd:           req.Cwd,
		Capabilities:  req.Capabilities,
		ExecveatMagic: req.ExecveatMagic,
		UsesNotify:    req.UsesNotify,
	}

	if ns := req.Namespace; ns != nil {
		wreq.CloneFlags = ns.GetCloneFlags()
		wreq.Hostname = ns.Hostname
		wreq.DisableUserNamespace = ns.DisableUserNamespace
		wreq.AvoidPivotRoot = ns.AvoidPivotRoot
		wreq.AllowMountPropagation = ns.AllowMountPropagation
		wreq.MountProc = ns.MountProc
		if ns.Mounts != nil {
			wreq.Mounts = ns.Mounts.Entries()
		}
	}

	if req.Policy != nil {
		filter := req.Policy.Filter
		prependArchCheck := policy.PrependArchCheckTrace
		if wreq.UsesNotify {
			filter = req.Policy.NotifyFilter
			prependArchCheck = policy.PrependArchCheckNotify
		}
		prog, err := policy.ExportBPF(filter)
		if err != nil {
			return nil, fmt.Errorf("export bpf: %w", err)
		}
		wreq.BPFProgram = prependArchCheck(prog)
	}

	if req.UserNamespaceFD != 0 {
		wreq.UserNamespaceFD = true
	}
	wreq.UnwindPid = req.UnwindPid
	wreq.UnwindMaxFrames = req.UnwindMaxFrames
	if req.UnwindRegs != nil {
		wreq.UnwindRegs = encodeRegs(req.UnwindRegs)
	}

	return wreq, nil
}
