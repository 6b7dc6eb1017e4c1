// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import "fmt"

// ExitError sets a non-zero exit status without printing an error
// line. `lw run` returns one carrying the wrapped command's exit code;
// the command's own output already told the story.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// ExitCode returns the exit code. main checks for this interface to
// tell a handled exit status from an error to display.
func (e *ExitError) ExitCode() int {
	return e.Code
}
