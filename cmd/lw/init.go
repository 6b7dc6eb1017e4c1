// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"

	"github.com/spf13/pflag"

	"github.com/logwatch/logwatch/cmd/lw/cli"
	"github.com/logwatch/logwatch/lib/config"
)

func (a *app) initCommand() *cli.Command {
	var (
		path  string
		force bool
	)
	return &cli.Command{
		Name:        "init",
		Summary:     "Write a commented configuration file",
		Description: "Write a configuration file listing every setting with its default value.",
		Usage:       "lw init [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("init", pflag.ContinueOnError)
			flagSet.StringVar(&path, "path", "", "file to write (default ~/.config/logwatch/config.yaml)")
			flagSet.BoolVar(&force, "force", false, "overwrite an existing file")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return errors.New("unexpected arguments\n\nRun 'lw init --help' for usage.")
			}
			target := path
			if target == "" {
				target = config.DefaultPath(a.getenv)
			}
			if err := config.WriteTemplate(target, force); err != nil {
				if errors.Is(err, config.ErrExists) {
					return errors.New(err.Error() + " (use --force to overwrite)")
				}
				return err
			}
			a.messenger(false).Success("wrote %s", target)
			return nil
		},
	}
}
