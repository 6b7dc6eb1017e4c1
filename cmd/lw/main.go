// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
)

func main() {
	if err := run(); err != nil {
		// Commands that already reported their outcome (lw run
		// passing through the child's status) return an exit code
		// without a message.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "lw: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return newApp().root().Execute(os.Args[1:])
}
