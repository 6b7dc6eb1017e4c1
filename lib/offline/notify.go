// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/logwatch/logwatch/lib/schema"
)

// Event says which moment of the task a Notification is about.
type Event string

const (
	// EventStart is sent once an offline task has outlived the
	// publish grace, when notify.on_start is set.
	EventStart Event = "start"

	// EventFinished is sent at completion.
	EventFinished Event = "finished"
)

// Notification is a task start or outcome handed to a Notifier.
type Notification struct {
	Event    Event            `json:"event"`
	TaskID   string           `json:"task_id"`
	TaskName string           `json:"task_name"`
	Machine  string           `json:"machine"`
	User     string           `json:"user"`
	ExitCode int              `json:"exit_code"`
	Duration time.Duration    `json:"-"`
	Status   schema.TaskStatus `json:"status"`
	Offline  bool             `json:"offline"`
	Reason   Reason           `json:"reason,omitempty"`
	Tail     []string         `json:"tail,omitempty"`
}

// MarshalJSON adds the duration in seconds.
func (n Notification) MarshalJSON() ([]byte, error) {
	type plain Notification
	return json.Marshal(struct {
		plain
		DurationSeconds float64 `json:"duration_seconds"`
	}{plain(n), n.Duration.Seconds()})
}

// Notifier delivers a notification. It owns formatting and
// delivery; the Coordinator only logs its error.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// Filter selects which completions are notified, by exit code.
type Filter string

const (
	FilterAll     Filter = "all"
	FilterFailed  Filter = "failed"
	FilterSuccess Filter = "success"
)

// ParseFilter validates a notify.on value. Empty means FilterAll.
func ParseFilter(value string) (Filter, error) {
	switch Filter(value) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterFailed, FilterSuccess:
		return Filter(value), nil
	}
	return "", fmt.Errorf("offline: unknown notify filter %q (want all, failed, or success)", value)
}

// Matches reports whether a task with exitCode passes the filter.
func (f Filter) Matches(exitCode int) bool {
	switch f {
	case FilterFailed:
		return exitCode != 0
	case FilterSuccess:
		return exitCode == 0
	default:
		return true
	}
}

// ExecNotifier runs a hook command for each notification. The
// notification is written to the command's stdin as JSON and is also
// available in LW_* environment variables, so a one-line shell hook
// (mail, a chat webhook via curl, a desktop notifier) needs no JSON
// parsing.
type ExecNotifier struct {
	// Command is the hook program and its arguments.
	Command []string

	// Timeout bounds the hook. Defaults to 30 seconds.
	Timeout time.Duration
}

// Notify runs the hook and returns its combined output on failure.
func (n *ExecNotifier) Notify(ctx context.Context, notification Notification) error {
	if len(n.Command) == 0 {
		return errors.New("offline: notify command is empty")
	}
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("offline: encoding notification: %w", err)
	}

	command := exec.CommandContext(ctx, n.Command[0], n.Command[1:]...)
	command.Stdin = bytes.NewReader(payload)
	command.Env = append(os.Environ(), notificationEnv(notification)...)
	if output, err := command.CombinedOutput(); err != nil {
		return fmt.Errorf("offline: notify command %s: %w: %s", n.Command[0], err, strings.TrimSpace(string(output)))
	}
	return nil
}

func notificationEnv(notification Notification) []string {
	return []string{
		"LW_EVENT=" + string(notification.Event),
		"LW_TASK_ID=" + notification.TaskID,
		"LW_TASK_NAME=" + notification.TaskName,
		"LW_MACHINE=" + notification.Machine,
		"LW_USER=" + notification.User,
		"LW_EXIT_CODE=" + strconv.Itoa(notification.ExitCode),
		"LW_DURATION=" + strconv.FormatFloat(notification.Duration.Seconds(), 'f', 1, 64),
		"LW_STATUS=" + string(notification.Status),
		"LW_OFFLINE=" + strconv.FormatBool(notification.Offline),
		"LW_REASON=" + string(notification.Reason),
	}
}
