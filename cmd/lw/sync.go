// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/pflag"

	"github.com/logwatch/logwatch/cmd/lw/cli"
	"github.com/logwatch/logwatch/lib/taskrun"
)

func (a *app) syncCommand() *cli.Command {
	var (
		options  globalOptions
		taskIDs  []string
		parallel int
		timeout  time.Duration
		quiet    bool
	)
	return &cli.Command{
		Name:    "sync",
		Summary: "Upload output left in the local queue",
		Description: "Upload the output of tasks that ran offline or whose lw process died.\n" +
			"Tasks still running are skipped. Fully delivered stores are removed.",
		Usage: "lw sync [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("sync", pflag.ContinueOnError)
			options.register(flagSet)
			flagSet.StringSliceVar(&taskIDs, "task", nil, "sync only this task ID (repeatable)")
			flagSet.IntVar(&parallel, "parallel", 1, "tasks uploaded at once")
			flagSet.DurationVar(&timeout, "timeout", time.Minute, "upload time limit per task")
			flagSet.BoolVarP(&quiet, "quiet", "q", false, "report failures only")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return errors.New("unexpected arguments\n\nRun 'lw sync --help' for usage.")
			}
			cfg, err := a.loadConfig(&options)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			messenger := a.messenger(quiet)

			results, err := taskrun.Sync(context.Background(), taskrun.SyncOptions{
				Config:   cfg,
				TaskIDs:  taskIDs,
				Timeout:  timeout,
				Parallel: parallel,
				Logger:   a.logger(cli.Level(options.verbose, slog.LevelWarn)),
			})
			if errors.Is(err, taskrun.ErrNoServer) {
				return errors.New("nothing to sync to: no server is configured or offline mode is on")
			}
			if err != nil {
				return err
			}
			if len(results) == 0 {
				messenger.Info("nothing to sync")
				return nil
			}

			failed := 0
			for _, result := range results {
				label := result.Name
				if label == "" {
					label = result.TaskID
				}
				switch {
				case result.Err != nil:
					failed++
					messenger.Error("%s: %v (%d records pending)", label, result.Err, result.Pending)
				case result.Skipped != "":
					messenger.Info("%s: skipped, %s", label, result.Skipped)
				case result.Pending > 0:
					failed++
					messenger.Warn("%s: %d records uploaded, %d still pending", label, result.Uploaded, result.Pending)
				default:
					messenger.Success("%s: %d records uploaded", label, result.Uploaded)
				}
			}
			if failed > 0 {
				return &cli.ExitError{Code: 1}
			}
			return nil
		},
	}
}
