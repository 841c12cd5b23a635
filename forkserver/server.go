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
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nestybox/sandbox2/comms"
)

// serverCommsFD/serverStatusFD are the fds Client.Start's ExtraFiles
// hands the "fork-server" subcommand: fd 3 is its end of the
// engine<->fork-server control channel, fd 4 is the write end of the
// status pipe the engine reads from to learn when this process dies.
const (
	serverCommsFD  = 3
	serverStatusFD = 4
)

// RunServer is the body of the "fork-server" subcommand: it becomes a
// subreaper for every sandboxee it clones, serving ForkRequests read
// off its comms channel until the channel closes (the engine process
// that started it exited) or it's asked to exit directly.
func RunServer() error {
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		log.WithError(err).Warn("forkserver: set child subreaper")
	}
	// mirrors nsenter/event.go's nsexec helper: die with the engine
	// rather than outliving it as an orphaned subreaper.
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGKILL), 0, 0, 0); err != nil {
		log.WithError(err).Warn("forkserver: set pdeathsig")
	}

	c := comms.NewFromFD(serverCommsFD)
	defer c.Terminate()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGTERM, unix.SIGINT)
	go func() {
		<-sigCh
		log.Info("forkserver: received termination signal, exiting")
		os.Exit(0)
	}()

	go reapOrphans()

	for {
		var wreq wireRequest
		if err := c.RecvMessage(&wreq); err != nil {
			log.WithError(err).Info("forkserver: comms channel closed, exiting")
			return nil
		}

		sp, err := runChild(&wreq)
		if err != nil {
			c.SendMessage(&wireResponse{Err: err.Error()})
			continue
		}

		resp := &wireResponse{InitPid: sp.InitPid, Pid: sp.Pid, HasNotifyFD: sp.NotifyFD != 0}
		if err := c.SendMessage(resp); err != nil {
			log.WithError(err).Error("forkserver: send response")
			continue
		}
		if err := c.SendFD(sp.CommsFD); err != nil {
			log.WithError(err).Error("forkserver: send comms fd")
			continue
		}
		if resp.HasNotifyFD {
			if err := c.SendFD(sp.NotifyFD); err != nil {
				log.WithError(err).Error("forkserver: send notify fd")
			}
		}
	}
}

// reapOrphans collects any descendant reparented to this process by
// the subreaper mechanism (a sandboxee that forked internally and
// whose own parent already exited) so they never linger as zombies,
// the same role nsenter/reaper.go's loop plays for the teacher's own
// namespaced helper.
func reapOrphans() {
	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, unix.SIGCHLD)
	for range sigCh {
		for {
			var ws unix.WaitStatus
			pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
			if pid <= 0 || err != nil {
				break
			}
		}
	}
}
