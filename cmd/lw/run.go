// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/logwatch/logwatch/cmd/lw/cli"
	"github.com/logwatch/logwatch/lib/config"
	"github.com/logwatch/logwatch/lib/offline"
	"github.com/logwatch/logwatch/lib/schema"
	"github.com/logwatch/logwatch/lib/supervisor"
	"github.com/logwatch/logwatch/lib/taskrun"
)

// exitServerRequired is lw run's status when require_server is set and
// the startup check failed.
const exitServerRequired = 2

// runFlags are lw run's overrides of the configuration.
type runFlags struct {
	globalOptions
	name            string
	server          string
	userID          string
	token           string
	machine         string
	offline         bool
	requireServer   bool
	skipHealthCheck bool
	noEcho          bool
	quiet           bool
}

func (f *runFlags) apply(cfg *config.Config) {
	if f.server != "" {
		cfg.Server = f.server
	}
	if f.userID != "" {
		cfg.UserID = f.userID
	}
	if f.token != "" {
		cfg.Token = f.token
	}
	if f.machine != "" {
		cfg.Machine = f.machine
	}
	if f.offline {
		cfg.Offline = true
	}
	if f.requireServer {
		cfg.RequireServer = true
	}
	if f.skipHealthCheck {
		cfg.SkipHealthCheck = true
	}
}

func (a *app) runCommand() *cli.Command {
	var flags runFlags
	return &cli.Command{
		Name:    "run",
		Summary: "Run a command and deliver its output",
		Description: "Run a command under a pseudo-terminal, echo its output, and deliver it to the\n" +
			"logwatch server. Output is stored locally first, so nothing is lost while the\n" +
			"server is unreachable. lw exits with the command's exit status.",
		Usage: "lw run [flags] [--] command [args...]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("run", pflag.ContinueOnError)
			flags.register(flagSet)
			flagSet.StringVarP(&flags.name, "name", "n", "", "task name (default <machine>-MMDD-HHMMSS)")
			flagSet.StringVar(&flags.server, "server", "", "server URL")
			flagSet.StringVar(&flags.userID, "user-id", "", "user identifier")
			flagSet.StringVar(&flags.token, "token", "", "API token")
			flagSet.StringVar(&flags.machine, "machine", "", "machine label (default hostname)")
			flagSet.BoolVar(&flags.offline, "offline", false, "keep output local; do not contact the server")
			flagSet.BoolVar(&flags.requireServer, "require-server", false, "exit 2 instead of running offline when the server is unreachable")
			flagSet.BoolVar(&flags.skipHealthCheck, "skip-health-check", false, "do not check the server before starting")
			flagSet.BoolVar(&flags.noEcho, "no-echo", false, "do not echo output to the terminal")
			flagSet.BoolVarP(&flags.quiet, "quiet", "q", false, "suppress lw's own status lines")
			flagSet.SetInterspersed(false)
			return flagSet
		},
		Examples: []cli.Example{
			{Description: "Wrap a build", Command: "lw run --name nightly -- make -j8"},
			{Description: "Capture locally only", Command: "lw run --offline ./migrate.sh"},
		},
		Run: func(args []string) error {
			if len(args) == 0 {
				return errors.New("no command given\n\nRun 'lw run --help' for usage.")
			}
			return a.runTask(&flags, args)
		},
	}
}

func (a *app) runTask(flags *runFlags, command []string) error {
	messenger := a.messenger(flags.quiet)

	cfg, err := a.loadConfig(&flags.globalOptions)
	if err != nil {
		return err
	}
	flags.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := a.logger(cli.Level(flags.verbose, slog.LevelWarn))

	options := taskrun.Options{
		Config:         cfg,
		Command:        command,
		Name:           flags.name,
		Terminal:       os.Stdout,
		Input:          os.Stdin,
		WindowSource:   os.Stdout,
		ForwardSignals: true,
		Logger:         logger,
		OnStart: func(task schema.Task, decision offline.Decision) {
			if decision.Offline && decision.Reason != offline.ReasonForced {
				messenger.Warn("server unavailable (%s); output is kept locally for lw sync", decision.Reason)
			}
		},
	}
	if flags.noEcho {
		options.Terminal = nil
	}

	report, err := taskrun.Run(context.Background(), options)
	if err != nil {
		var captureErr *supervisor.CaptureError
		switch {
		case errors.As(err, &captureErr):
			messenger.Error("%v", captureErr)
			return &cli.ExitError{Code: captureErr.ExitCode()}
		case errors.Is(err, offline.ErrServerRequired):
			messenger.Error("%v", err)
			return &cli.ExitError{Code: exitServerRequired}
		case report == nil:
			return err
		}
		messenger.Error("output could not be stored: %v", err)
		return &cli.ExitError{Code: 1}
	}

	summarize(messenger, report)
	if report.Result.ExitCode != 0 {
		return &cli.ExitError{Code: report.Result.ExitCode}
	}
	return nil
}

// summarize reports how delivery went once the command has exited.
func summarize(messenger *cli.Messenger, report *taskrun.Report) {
	task := report.Task
	if report.Result.EchoDropped > 0 {
		messenger.Warn("terminal fell behind; %s of output was stored but not echoed",
			humanize.IBytes(report.Result.EchoDropped))
	}
	if report.IsAuthFailure() {
		messenger.Error("server rejected the credentials; check user_id and token in the configuration (lw init writes a template)")
	}

	switch {
	case task.LocalOnly:
		messenger.Info("task %s exited within the publish grace; output kept locally only", task.Name)
	case report.Decision.Offline:
		messenger.Warn("task %s ran offline; %d records kept locally, upload them with lw sync",
			task.Name, report.Pending)
	case report.Pending > 0:
		messenger.Warn("task %s: %d records not yet uploaded; run lw sync to retry", task.Name, report.Pending)
	default:
		messenger.Success("task %s %s in %s, %s delivered", task.Name, task.Status,
			roundDuration(report.Result.Duration()), humanize.IBytes(report.Result.Bytes))
	}
}

func roundDuration(d time.Duration) time.Duration {
	if d < time.Minute {
		return d.Round(10 * time.Millisecond)
	}
	return d.Round(time.Second)
}
