// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

// Exit codes reported for commands that could not be started, following
// the shell convention.
const (
	ExitCannotExecute = 126
	ExitNotFound      = 127
)

// CaptureError is a failure to start capturing a command: it does not
// exist, is not executable, or no PTY could be allocated. No task is
// recorded when it occurs.
type CaptureError struct {
	Command string

	// Code is the exit status lw reports: ExitNotFound,
	// ExitCannotExecute, or 1.
	Code int

	Err error
}

func (err *CaptureError) Error() string {
	return fmt.Sprintf("%s: %v", err.Command, err.Err)
}

func (err *CaptureError) Unwrap() error { return err.Err }

// ExitCode lets binaries map the error onto their exit status.
func (err *CaptureError) ExitCode() int { return err.Code }

// Precheck resolves the command the way execvp will and reports why it
// cannot run. A name containing a slash is checked as a path; anything
// else is looked up on PATH.
func Precheck(command []string) error {
	if len(command) == 0 || command[0] == "" {
		return &CaptureError{Command: "", Code: ExitNotFound, Err: errors.New("no command given")}
	}
	name := command[0]

	path := name
	if !strings.Contains(name, "/") {
		resolved, err := exec.LookPath(name)
		if err != nil {
			if errors.Is(err, exec.ErrNotFound) {
				return &CaptureError{Command: name, Code: ExitNotFound, Err: errors.New("command not found")}
			}
			return &CaptureError{Command: name, Code: ExitCannotExecute, Err: err}
		}
		path = resolved
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &CaptureError{Command: name, Code: ExitNotFound, Err: errors.New("no such file")}
		}
		return &CaptureError{Command: name, Code: ExitCannotExecute, Err: err}
	}
	if info.IsDir() {
		return &CaptureError{Command: name, Code: ExitCannotExecute, Err: errors.New("is a directory")}
	}
	if err := unix.Access(path, unix.X_OK); err != nil {
		return &CaptureError{Command: name, Code: ExitCannotExecute, Err: errors.New("permission denied")}
	}
	return nil
}

// startError classifies a failed exec after a passing precheck.
func startError(name string, err error) *CaptureError {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return &CaptureError{Command: name, Code: ExitNotFound, Err: err}
	case errors.Is(err, os.ErrPermission), errors.Is(err, unix.ENOEXEC):
		return &CaptureError{Command: name, Code: ExitCannotExecute, Err: err}
	default:
		return &CaptureError{Command: name, Code: 1, Err: err}
	}
}
