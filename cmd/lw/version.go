// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/logwatch/logwatch/cmd/lw/cli"
	"github.com/logwatch/logwatch/lib/version"
)

func (a *app) versionCommand() *cli.Command {
	var full bool
	return &cli.Command{
		Name:    "version",
		Summary: "Print the lw version",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("version", pflag.ContinueOnError)
			flagSet.BoolVar(&full, "full", false, "include Go toolchain and platform")
			return flagSet
		},
		Run: func(args []string) error {
			if full {
				fmt.Fprintf(a.stdout, "lw %s\n", version.Full())
				return nil
			}
			fmt.Fprintf(a.stdout, "lw %s\n", version.Info())
			return nil
		},
	}
}
