// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/pflag"

	"github.com/logwatch/logwatch/cmd/lw/cli"
	"github.com/logwatch/logwatch/lib/recordstore"
	"github.com/logwatch/logwatch/lib/taskrun"
)

func (a *app) pruneCommand() *cli.Command {
	var (
		options  globalOptions
		days     int
		maxFiles int
	)
	return &cli.Command{
		Name:    "prune",
		Summary: "Apply the retention policy to the local queue",
		Description: "Remove task stores older than retention.days, then the oldest beyond\n" +
			"retention.max_files. Stores of running tasks are never removed. Records not\n" +
			"yet uploaded in a removed store are lost.",
		Usage: "lw prune [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("prune", pflag.ContinueOnError)
			options.register(flagSet)
			flagSet.IntVar(&days, "days", -1, "override retention.days")
			flagSet.IntVar(&maxFiles, "max-files", -1, "override retention.max_files")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return errors.New("unexpected arguments\n\nRun 'lw prune --help' for usage.")
			}
			cfg, err := a.loadConfig(&options)
			if err != nil {
				return err
			}
			if days >= 0 {
				cfg.Retention.Days = days
			}
			if maxFiles >= 0 {
				cfg.Retention.MaxFiles = maxFiles
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := a.logger(cli.Level(options.verbose, slog.LevelWarn))
			result, err := recordstore.Sweep(cfg.QueueDir(), taskrun.RetentionPolicy(cfg), time.Now(), logger)
			if err != nil {
				return err
			}
			messenger := a.messenger(false)
			messenger.Info("removed %d task stores", len(result.Removed))
			if result.SkippedLocked > 0 {
				messenger.Info("kept %d stores of running tasks", result.SkippedLocked)
			}
			return nil
		},
	}
}
