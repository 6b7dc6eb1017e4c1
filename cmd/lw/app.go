// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/logwatch/logwatch/cmd/lw/cli"
	"github.com/logwatch/logwatch/lib/config"
)

// app carries the process environment the commands use, so tests can
// substitute their own.
type app struct {
	stdout    io.Writer
	messenger func(quiet bool) *cli.Messenger
	logger    func(level slog.Level) *slog.Logger
	getenv    func(string) string
}

func newApp() *app {
	return &app{
		stdout: os.Stdout,
		messenger: func(quiet bool) *cli.Messenger {
			return cli.NewMessenger(os.Stderr, quiet)
		},
		logger: cli.NewCommandLogger,
		getenv: os.Getenv,
	}
}

func (a *app) root() *cli.Command {
	return &cli.Command{
		Name:        "lw",
		Description: "Run commands under a pseudo-terminal and deliver their output to a logwatch server.",
		Subcommands: []*cli.Command{
			a.runCommand(),
			a.tasksCommand(),
			a.syncCommand(),
			a.pruneCommand(),
			a.initCommand(),
			a.versionCommand(),
		},
		Examples: []cli.Example{
			{Description: "Run a build and stream its output", Command: "lw run --name nightly -- make -j8"},
			{Description: "Upload output kept while the server was down", Command: "lw sync"},
		},
	}
}

// globalOptions are the flags every configured command accepts.
type globalOptions struct {
	configPath string
	verbose    bool
}

func (g *globalOptions) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&g.configPath, "config", "", "configuration file (default $LW_CONFIG, then ~/.config/logwatch/config.yaml)")
	flagSet.BoolVarP(&g.verbose, "verbose", "v", false, "log debug diagnostics to stderr")
}

// loadConfig locates and loads the configuration. Callers apply their
// flag overrides and then validate.
func (a *app) loadConfig(g *globalOptions) (*config.Config, error) {
	path, err := config.Locate(g.configPath, a.getenv)
	if err != nil {
		return nil, err
	}
	return config.Load(path, a.getenv)
}
