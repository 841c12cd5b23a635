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

package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	systemd "github.com/coreos/go-systemd/daemon"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	sandbox2 "github.com/nestybox/sandbox2"
	"github.com/nestybox/sandbox2/domain"
	"github.com/nestybox/sandbox2/forkserver"
	"github.com/nestybox/sandbox2/policy"
)

const usage = `sandbox2 process sandbox

sandbox2 runs a single binary under a seccomp-BPF policy, isolated in
its own namespaces, and reports how it ended: clean exit, a denied
syscall, a signal, a timeout, or an external kill.`

func main() {
	app := cli.NewApp()
	app.Name = "sandbox2"
	app.Usage = usage

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "log",
			Usage: "log file path, or empty string for stderr (default: \"\")",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "debug, info, warning, error, or fatal",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "text or json",
		},
		cli.BoolFlag{
			Name:   "cpu-profiling",
			Usage:  "enable cpu-profiling data collection",
			Hidden: true,
		},
	}

	app.Before = func(ctx *cli.Context) error {
		if path := ctx.GlobalString("log"); path != "" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0644)
			if err != nil {
				return fmt.Errorf("sandbox2: open log file %q: %w", path, err)
			}
			logrus.SetOutput(f)
		} else {
			logrus.SetOutput(os.Stderr)
		}

		if ctx.GlobalString("log-format") == "json" {
			logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
		} else {
			logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
		}

		switch ctx.GlobalString("log-level") {
		case "debug":
			logrus.SetLevel(logrus.DebugLevel)
		case "warning":
			logrus.SetLevel(logrus.WarnLevel)
		case "error":
			logrus.SetLevel(logrus.ErrorLevel)
		case "fatal":
			logrus.SetLevel(logrus.FatalLevel)
		default:
			logrus.SetLevel(logrus.InfoLevel)
		}

		return nil
	}

	// These three hidden subcommands are the fork server's own re-exec
	// targets (dispatched on the first argument, mirroring the teacher's "nsenter"
	// subcommand): a caller never invokes them directly.
	app.Commands = []cli.Command{
		{
			Name:   "fork-server",
			Hidden: true,
			Action: func(*cli.Context) error {
				return forkserver.RunServer()
			},
		},
		{
			Name:   "nsenter-child",
			Hidden: true,
			Action: func(*cli.Context) error {
				return forkserver.RunNsenterChild()
			},
		},
		{
			Name:   "nsenter-sandboxee",
			Hidden: true,
			Action: func(*cli.Context) error {
				return forkserver.RunNsenterSandboxee()
			},
		},
		{
			Name:      "run",
			Usage:     "run one binary under a default-deny sandbox policy",
			ArgsUsage: "<path> [args...]",
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "walltime", Usage: "kill the sandboxee if it runs longer than this"},
				cli.BoolFlag{Name: "namespaces", Usage: "isolate the sandboxee in fresh pid/mount/uts/ipc/user namespaces"},
				cli.BoolFlag{Name: "unotify", Usage: "use the seccomp-unotify backend instead of ptrace (requires --namespaces)"},
				cli.BoolFlag{Name: "allow-networking", Usage: "do not restrict network-related syscalls"},
				cli.BoolFlag{Name: "danger-allow-all", Usage: "allow every syscall the policy does not name (debugging only)"},
			},
			Action: runSandboxee,
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func runSandboxee(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return fmt.Errorf("sandbox2 run: missing <path>")
	}
	path := ctx.Args().Get(0)
	argv := append([]string{path}, ctx.Args().Tail()...)

	var prof interface{ Stop() }
	if ctx.Bool("cpu-profiling") {
		prof = profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook)
		defer prof.Stop()
	}

	b := policy.NewPolicyBuilder().
		AllowStaticStartup().
		AllowDynamicStartup().
		AllowExit().
		AllowHandleSignals()

	if ctx.Bool("allow-networking") {
		b = b.AllowUnrestrictedNetworking()
	}
	if ctx.Bool("danger-allow-all") {
		b = b.DangerDefaultAllowAll()
	}

	var ns *domain.Namespace
	if ctx.Bool("namespaces") {
		ns = &domain.Namespace{MountProc: true}
		b = b.EnableNamespaces()
	}

	pol, err := b.TryBuild()
	if err != nil {
		return fmt.Errorf("sandbox2 run: build policy: %w", err)
	}

	sb := sandbox2.New(pol, sandbox2.Executor{
		Path:      path,
		Argv:      argv,
		Envv:      os.Environ(),
		Namespace: ns,
		Limits:    domain.Limits{WallTime: ctx.Duration("walltime")},
	}, nil)

	if ctx.Bool("unotify") {
		if err := sb.EnableUnotifyMonitor(); err != nil {
			return fmt.Errorf("sandbox2 run: %w", err)
		}
	}

	systemd.SdNotify(false, systemd.SdNotifyReady)

	logrus.WithField("argv", strings.Join(argv, " ")).Info("sandbox2: starting sandboxee")

	runErr := sb.Run()
	result := sb.Result()
	if result != nil {
		logrus.Info(result.String())
	}
	if runErr != nil {
		return runErr
	}
	return nil
}
