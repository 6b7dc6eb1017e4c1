// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	StatusRunning   TaskStatus = "running"
	StatusSucceeded TaskStatus = "succeeded"
	StatusFailed    TaskStatus = "failed"

	// StatusOffline marks a task that completed without its output
	// reaching the server. The exit code still tells success from
	// failure.
	StatusOffline TaskStatus = "offline"
)

// IsTerminal reports whether the status is final.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusOffline:
		return true
	}
	return false
}

// Task is one execution of a wrapped command. It is created when the
// child starts, finished once when the child exits, and read-only
// afterwards.
type Task struct {
	// ID is a UUIDv7, so lexical order follows start order.
	ID string `json:"id"`

	// Name is the display name shown on the dashboard.
	Name string `json:"name"`

	// Machine labels the host the task ran on.
	Machine string `json:"machine"`

	// User owns the task on the server.
	User string `json:"user"`

	// Command is the argv of the wrapped command.
	Command []string `json:"command"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	Status    TaskStatus `json:"status"`

	// Offline is set when the task was decided offline at startup or
	// finished with its output still undelivered.
	Offline bool `json:"offline,omitempty"`

	// LocalOnly is set when the command exited within the publish
	// grace. Such a task is never announced to the server and `lw
	// sync` leaves it alone.
	LocalOnly bool `json:"local_only,omitempty"`

	// Published is set once the server acknowledged the start event.
	Published bool `json:"published,omitempty"`

	// Reported is set once the server acknowledged the finished
	// event.
	Reported bool `json:"reported,omitempty"`
}

// Finish records the child's exit and moves the task to its terminal
// status. An offline finish also sets Offline. A task can be finished
// only once.
func (t *Task) Finish(exitCode int, endedAt time.Time, offline bool) error {
	if t.Status.IsTerminal() {
		return fmt.Errorf("task %s already finished with status %s", t.ID, t.Status)
	}
	t.EndedAt = &endedAt
	t.ExitCode = &exitCode
	switch {
	case offline:
		t.Status = StatusOffline
		t.Offline = true
	case exitCode == 0:
		t.Status = StatusSucceeded
	default:
		t.Status = StatusFailed
	}
	return nil
}

// Duration returns the run time of the task, measured to now while it
// is still running.
func (t *Task) Duration(now time.Time) time.Duration {
	if t.EndedAt != nil {
		return t.EndedAt.Sub(t.StartedAt)
	}
	return now.Sub(t.StartedAt)
}

// Succeeded reports whether the task exited with code zero.
func (t *Task) Succeeded() bool {
	return t.ExitCode != nil && *t.ExitCode == 0
}
