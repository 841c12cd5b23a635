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
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/nestybox/sandbox2/comms"
	"github.com/nestybox/sandbox2/domain"
	"github.com/nestybox/sandbox2/policy"
	"github.com/nestybox/sandbox2/process"
)

// The re-exec'd "nsenter-child" subcommand inherits three fds beyond
// the usual stdin/stdout/stderr, in ExtraFiles order: the gob-encoded
// wireRequest, the sandboxee's end of the sandbox comms channel (which
// it dup2s onto comms.SandboxClientFD), and a control socketpair it
// uses to report the final pid(s) back to whichever process called
// runChild. A bare fork(2) with no immediate exec is unsafe once the
// Go runtime has spun up more than one OS thread (the same problem
// the teacher's cgo nsenter trampoline exists to solve); this module
// stays out of cgo entirely by only ever forking through exec.Cmd, and
// by giving the PID-namespace init helper its own re-exec step rather
// than a bare fork from inside the already-running child.
const (
	fdConfig  = 3
	fdComms   = 4
	fdControl = 5
)

// childReport is what the re-exec'd child writes back over its
// control fd once the sandboxee is paused at its execveat unlock
// point (or immediately on setup failure).
type childReport struct {
	InitPid     int
	Pid         int
	HasNotifyFD bool
	Err         string
}

// runChild clones, configures and pauses one sandboxee, returning once
// it is ready for a monitor to attach. Used directly by a
// SANDBOX2_NOFORKSERVER=1 Client and by the fork server process for
// every request it receives.
func runChild(wreq *wireRequest) (*domain.SandboxeeProcess, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve self: %w", err)
	}

	sandboxLocal, sandboxRemote, err := comms.NewSocketpair()
	if err != nil {
		return nil, fmt.Errorf("sandbox comms socketpair: %w", err)
	}
	ctrlLocal, ctrlRemote, err := comms.NewSocketpair()
	if err != nil {
		sandboxLocal.Terminate()
		sandboxRemote.Terminate()
		return nil, fmt.Errorf("control socketpair: %w", err)
	}

	configR, configW, err := os.Pipe()
	if err != nil {
		sandboxLocal.Terminate()
		sandboxRemote.Terminate()
		ctrlLocal.Terminate()
		ctrlRemote.Terminate()
		return nil, fmt.Errorf("config pipe: %w", err)
	}

	cmd := exec.Command(self, "nsenter-child")
	cmd.Env = append(os.Environ(), NoForkServerEnv+"=1")
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.ExtraFiles = []*os.File{
		configR,
		os.NewFile(uintptr(sandboxRemote.FD()), "sandbox2-comms"),
		os.NewFile(uintptr(ctrlRemote.FD()), "sandbox2-control"),
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: wreq.CloneFlags,
		Pdeathsig:  unix.SIGKILL,
	}
	if !wreq.DisableUserNamespace && wreq.CloneFlags&unix.CLONE_NEWUSER != 0 {
		cmd.SysProcAttr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}}
		cmd.SysProcAttr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}}
	}

	if err := cmd.Start(); err != nil {
		sandboxLocal.Terminate()
		sandboxRemote.Terminate()
		ctrlLocal.Terminate()
		ctrlRemote.Terminate()
		configR.Close()
		configW.Close()
		return nil, fmt.Errorf("start nsenter-child: %w", err)
	}

	sandboxRemote.Terminate()
	ctrlRemote.Terminate()
	configR.Close()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(wreq); err != nil {
		return nil, fmt.Errorf("encode child config: %w", err)
	}
	if _, err := configW.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("write child config: %w", err)
	}
	configW.Close()

	var report childReport
	if err := ctrlLocal.RecvMessage(&report); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("recv child report: %w", err)
	}
	if report.Err != "" {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("nsenter-child: %s", report.Err)
	}

	sp := &domain.SandboxeeProcess{
		InitPid: report.InitPid,
		Pid:     report.Pid,
		CommsFD: sandboxLocal.FD(),
	}
	if report.HasNotifyFD {
		fd, err := ctrlLocal.RecvFD()
		if err != nil {
			return nil, fmt.Errorf("recv notify fd: %w", err)
		}
		sp.NotifyFD = fd
	}

	log.WithFields(log.Fields{"initPid": sp.InitPid, "pid": sp.Pid}).Debug("forkserver: sandboxee paused")
	return sp, nil
}

// RunNsenterChild is the body of the "nsenter-child" subcommand:
// invoked by cmd/sandbox2 after clone(2) has already created the
// requested namespaces (via the exec.Cmd SysProcAttr runChild set
// up), it applies the mount tree, hostname, capabilities and seccomp
// filter, spawns the PID-1 reaper when a fresh PID namespace was
// requested, and finally performs the execveat unlock into the target
// binary.
func RunNsenterChild() error {
	cfgBytes, err := readAll(os.NewFile(fdConfig, "config"))
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var wreq wireRequest
	if err := gob.NewDecoder(bytes.NewReader(cfgBytes)).Decode(&wreq); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}

	ctrl := comms.NewFromFD(fdControl)

	if err := setupNamespace(&wreq); err != nil {
		ctrl.SendMessage(&childReport{Err: err.Error()})
		return err
	}

	if wreq.CloneFlags&unix.CLONE_NEWPID != 0 {
		return runAsReaper(&wreq, ctrl)
	}

	notifyFD, err := applyCapsAndSeccomp(&wreq)
	if err != nil {
		ctrl.SendMessage(&childReport{Err: err.Error()})
		return err
	}
	if err := ctrl.SendMessage(&childReport{Pid: os.Getpid(), HasNotifyFD: notifyFD >= 0}); err != nil {
		return err
	}
	if notifyFD >= 0 {
		if err := ctrl.SendFD(notifyFD); err != nil {
			return err
		}
	}
	return execveatUnlock(&wreq)
}

// runAsReaper is the body of the tiny PID-1 helper inside a fresh PID
// namespace: it re-execs itself (without CLONE_NEWPID, since it is
// already inside the new namespace) to become the real sandboxee,
// reports that pid back over ctrl, and then reaps zombies for the
// rest of its life, mirroring nsenter/reaper.go's wait-loop.
func runAsReaper(wreq *wireRequest, ctrl *comms.Comms) error {
	self, err := os.Executable()
	if err != nil {
		return ctrl.SendMessage(&childReport{Err: err.Error()})
	}

	childCfg := *wreq
	childCfg.CloneFlags = 0 // already inside the new namespaces; no further unshare needed

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&childCfg); err != nil {
		return ctrl.SendMessage(&childReport{Err: err.Error()})
	}
	cr, cw, err := os.Pipe()
	if err != nil {
		return ctrl.SendMessage(&childReport{Err: err.Error()})
	}

	cmd := exec.Command(self, "nsenter-sandboxee")
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.ExtraFiles = []*os.File{cr, os.NewFile(fdComms, "sandbox2-comms"), os.NewFile(fdControl, "sandbox2-control")}
	if err := cmd.Start(); err != nil {
		return ctrl.SendMessage(&childReport{Err: fmt.Sprintf("start sandboxee: %v", err)})
	}
	cr.Close()
	cw.Write(buf.Bytes())
	cw.Close()

	if err := ctrl.SendMessage(&childReport{InitPid: os.Getpid(), Pid: cmd.Process.Pid}); err != nil {
		return err
	}

	return reapForever(cmd.Process.Pid)
}

// reapForever is the PID-1 wait loop: it owns every process in this
// PID namespace once the original parent dies and they're reparented
// here, so it must keep calling wait4 for the life of the namespace.
func reapForever(mainPid int) error {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, 0, nil)
		if err == unix.ECHILD {
			return nil
		}
		if err != nil {
			continue
		}
		if pid == mainPid && (ws.Exited() || ws.Signaled()) {
			// the sandboxee itself died; keep reaping until ECHILD so
			// stray descendants don't become permanent zombies.
			continue
		}
	}
}

// RunNsenterSandboxee is the body of the "nsenter-sandboxee"
// subcommand the reaper re-execs into: config/comms/control arrive on
// the same fd numbers as RunNsenterChild, but no further namespace
// setup is needed.
func RunNsenterSandboxee() error {
	cfgBytes, err := readAll(os.NewFile(fdConfig, "config"))
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var wreq wireRequest
	if err := gob.NewDecoder(bytes.NewReader(cfgBytes)).Decode(&wreq); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}

	ctrl := comms.NewFromFD(fdControl)

	notifyFD, err := applyCapsAndSeccomp(&wreq)
	if err != nil {
		ctrl.SendMessage(&childReport{Err: err.Error()})
		return err
	}
	if err := ctrl.SendMessage(&childReport{Pid: os.Getpid(), HasNotifyFD: notifyFD >= 0}); err != nil {
		return err
	}
	if notifyFD >= 0 {
		if err := ctrl.SendFD(notifyFD); err != nil {
			return err
		}
	}
	return execveatUnlock(&wreq)
}

func setupNamespace(wreq *wireRequest) error {
	if wreq.Hostname != "" {
		if err := unix.Sethostname([]byte(wreq.Hostname)); err != nil {
			return fmt.Errorf("sethostname: %w", err)
		}
	}

	if wreq.CloneFlags&unix.CLONE_NEWNET != 0 {
		if err := bringUpLoopback(); err != nil {
			return err
		}
	}

	if len(wreq.Mounts) == 0 && !wreq.MountProc {
		return nil
	}

	root := "/"
	if !wreq.AvoidPivotRoot {
		tmpRoot, err := os.MkdirTemp("", "sandbox2-root-")
		if err != nil {
			return fmt.Errorf("mkdir root: %w", err)
		}
		root = tmpRoot
	}

	if err := applyMounts(root, wreq.Mounts, wreq.AllowMountPropagation); err != nil {
		return err
	}
	if wreq.MountProc {
		if err := mountProc(root); err != nil {
			return err
		}
	}
	if !wreq.AvoidPivotRoot {
		if err := pivotInto(root); err != nil {
			return err
		}
	}
	return nil
}

// bringUpLoopback sets the "lo" interface UP inside a freshly
// unshare(CLONE_NEWNET)'d network namespace, which otherwise comes up
// with only "lo" present and administratively down; a sandboxee with
// AllowUnrestrictedNetworking but no veth/bridge setup still needs
// localhost traffic to work. Mirrors the loopback-bringup step every
// container runtime's own network namespace setup performs via the
// same netlink.LinkByName/LinkSetUp pair.
func bringUpLoopback() error {
	link, err := netlink.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("lookup lo: %w", err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("set lo up: %w", err)
	}
	return nil
}

// applyCapsAndSeccomp installs the requested capability set and
// compiled filter, returning the seccomp user-notify listener fd (or
// -1 if the policy doesn't use SECCOMP_RET_USER_NOTIF).
func applyCapsAndSeccomp(wreq *wireRequest) (int, error) {
	if len(wreq.Capabilities) > 0 {
		cs, err := process.NewCapSet(wreq.Capabilities)
		if err != nil {
			return -1, fmt.Errorf("build capability set: %w", err)
		}
		if err := cs.Apply(); err != nil {
			return -1, fmt.Errorf("apply capability set: %w", err)
		}
	}

	if len(wreq.BPFProgram) == 0 {
		return -1, nil
	}

	if wreq.UsesNotify {
		fd, err := policy.LoadBPFNotify(wreq.BPFProgram)
		if err != nil {
			return -1, fmt.Errorf("load seccomp filter: %w", err)
		}
		return fd, nil
	}

	if err := policy.LoadBPF(wreq.BPFProgram); err != nil {
		return -1, fmt.Errorf("load seccomp filter: %w", err)
	}
	return -1, nil
}

// execveatUnlock performs the readiness handshake over the inherited
// sandbox-comms fd (spec §5's "caller observes the setup notification
// ... only after ptrace(PTRACE_SEIZE) returns and the readiness
// handshake is received"), dups that fd onto the fixed
// comms.SandboxClientFD the target expects, then makes the final
// execveat(2) call with the anti-replay magic value placed in the
// raw syscall's sixth ABI register; Go's unix.Syscall6 writes
// straight into registers with no libc wrapper to strip the unused
// argument, which is what lets the seccomp prologue's BPF program
// inspect it even though execveat(2) itself only consumes five.
func execveatUnlock(wreq *wireRequest) error {
	if wreq.Cwd != "" {
		if err := os.Chdir(wreq.Cwd); err != nil {
			return fmt.Errorf("chdir %q: %w", wreq.Cwd, err)
		}
	}

	ready := comms.NewFromFD(fdComms)
	if err := ready.SendBool(true); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}
	if _, err := ready.RecvBool(); err != nil {
		return fmt.Errorf("recv ready ack: %w", err)
	}

	if err := unix.Dup3(fdComms, comms.SandboxClientFD, 0); err != nil {
		return fmt.Errorf("dup comms fd: %w", err)
	}

	fd, err := unix.Open(wreq.Path, unix.O_PATH|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %q: %w", wreq.Path, err)
	}

	argvPtr, err := bytePtrSliceFromStrings(wreq.Argv)
	if err != nil {
		return err
	}
	envvPtr, err := bytePtrSliceFromStrings(wreq.Envv)
	if err != nil {
		return err
	}

	empty, err := unix.BytePtrFromString("")
	if err != nil {
		return err
	}

	_, _, errno := unix.Syscall6(
		unix.SYS_EXECVEAT,
		uintptr(fd),
		uintptr(unsafe.Pointer(empty)),
		uintptr(unsafe.Pointer(&argvPtr[0])),
		uintptr(unsafe.Pointer(&envvPtr[0])),
		uintptr(unix.AT_EMPTY_PATH),
		uintptr(wreq.ExecveatMagic),
	)
	return fmt.Errorf("execveat %q: %w", wreq.Path, errno)
}

func bytePtrSliceFromStrings(ss []string) ([]*byte, error) {
	out := make([]*byte, len(ss)+1)
	for i, s := range ss {
		p, err := unix.BytePtrFromString(s)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

func readAll(f *os.File) ([]byte, error) {
	defer f.Close()
	var buf bytes.Buffer
	chunk := make([]byte, 32*1024)
	for {
		n, err := f.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err != nil {
			break
		}
	}
	return buf.Bytes(), nil
}
