// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/logwatch/logwatch/cmd/lw/cli"
	"github.com/logwatch/logwatch/lib/recordstore"
	"github.com/logwatch/logwatch/lib/schema"
	"github.com/logwatch/logwatch/lib/supervisor"
)

// tailReadBytes bounds the stored output read for --tail.
const tailReadBytes = 64 * 1024

// taskEntry is one row of lw tasks.
type taskEntry struct {
	TaskID    string    `json:"task_id"`
	Name      string    `json:"name,omitempty"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at,omitzero"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Offline   bool      `json:"offline"`
	Records   int64     `json:"records"`
	Pending   uint64    `json:"pending"`
	SizeBytes int64     `json:"size_bytes"`
	Modified  time.Time `json:"modified"`
	Tail      []string  `json:"tail,omitempty"`
}

// displayStatus adds what the store's lock tells about the task: a
// running status on an unlocked store means its lw died.
func displayStatus(summary recordstore.Summary) string {
	switch {
	case summary.Locked:
		return "running"
	case !summary.HasTask:
		return "unknown"
	case summary.Task.Status == schema.StatusRunning:
		return "interrupted"
	}
	return string(summary.Task.Status)
}

func (a *app) tasksCommand() *cli.Command {
	var (
		options    globalOptions
		outputJSON bool
		tailLines  int
	)
	return &cli.Command{
		Name:        "tasks",
		Summary:     "List tasks with output in the local queue",
		Description: "List the tasks whose output is still in the local queue: running tasks,\ntasks that ran offline, and tasks with records not yet uploaded.",
		Usage:       "lw tasks [flags] [task-id-prefix...]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("tasks", pflag.ContinueOnError)
			options.register(flagSet)
			flagSet.BoolVar(&outputJSON, "json", false, "output as JSON")
			flagSet.IntVar(&tailLines, "tail", 0, "show the last N lines of each task's output")
			return flagSet
		},
		Run: func(args []string) error {
			cfg, err := a.loadConfig(&options)
			if err != nil {
				return err
			}
			logger := a.logger(cli.Level(options.verbose, slog.LevelInfo))
			entries, err := listTasks(context.Background(), cfg.QueueDir(), args, tailLines, logger)
			if err != nil {
				return err
			}
			if outputJSON {
				return cli.WriteJSON(a.stdout, entries)
			}
			return a.printTasks(entries)
		},
	}
}

func listTasks(ctx context.Context, dir string, prefixes []string, tailLines int, logger *slog.Logger) ([]taskEntry, error) {
	stores, err := recordstore.List(dir)
	if err != nil {
		return nil, err
	}

	var entries []taskEntry
	for _, info := range stores {
		if !matchesPrefix(info.TaskID, prefixes) {
			continue
		}
		summary, err := recordstore.Inspect(ctx, dir, info)
		if err != nil {
			logger.Warn("skipping unreadable store", "task_id", info.TaskID, "error", err)
			continue
		}
		entry := taskEntry{
			TaskID:    info.TaskID,
			Name:      summary.Task.Name,
			Status:    displayStatus(summary),
			StartedAt: summary.Task.StartedAt,
			ExitCode:  summary.Task.ExitCode,
			Offline:   summary.Task.Offline || summary.Task.Status == schema.StatusOffline,
			Records:   summary.Records,
			Pending:   summary.Cursor.Pending(),
			SizeBytes: info.SizeBytes,
			Modified:  info.ModTime,
		}
		if tailLines > 0 {
			output, err := recordstore.Tail(ctx, dir, info.TaskID, tailReadBytes)
			if err != nil {
				logger.Warn("reading output tail failed", "task_id", info.TaskID, "error", err)
			}
			entry.Tail = supervisor.TailLines(output, tailLines)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func matchesPrefix(taskID string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(taskID, prefix) {
			return true
		}
	}
	return false
}

func (a *app) printTasks(entries []taskEntry) error {
	if len(entries) == 0 {
		fmt.Fprintln(a.stdout, "No tasks in the local queue.")
		return nil
	}
	writer := tabwriter.NewWriter(a.stdout, 2, 0, 3, ' ', 0)
	fmt.Fprintln(writer, "TASK ID\tNAME\tSTATUS\tSTARTED\tPENDING\tSIZE")
	for _, entry := range entries {
		started := "-"
		if !entry.StartedAt.IsZero() {
			started = humanize.Time(entry.StartedAt)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			entry.TaskID,
			entry.Name,
			entry.Status,
			started,
			humanize.Comma(int64(entry.Pending)),
			humanize.IBytes(uint64(entry.SizeBytes)),
		)
		for _, line := range entry.Tail {
			fmt.Fprintf(writer, "  | %s\n", line)
		}
	}
	return writer.Flush()
}
