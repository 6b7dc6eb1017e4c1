// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestExecuteDispatchesToSubcommand(t *testing.T) {
	var called string
	root := &Command{
		Name: "lw",
		Subcommands: []*Command{
			{Name: "sync", Run: func(args []string) error { called = "sync"; return nil }},
			{Name: "prune", Run: func(args []string) error { called = "prune"; return nil }},
		},
	}
	if err := root.Execute([]string{"prune"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if called != "prune" {
		t.Errorf("dispatched to %q, want prune", called)
	}
}

func TestExecuteStopsFlagParsingAtCommand(t *testing.T) {
	var name string
	var received []string
	run := &Command{
		Name: "run",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("run", pflag.ContinueOnError)
			flagSet.StringVar(&name, "name", "", "task name")
			flagSet.SetInterspersed(false)
			return flagSet
		},
		Run: func(args []string) error { received = args; return nil },
	}
	root := &Command{Name: "lw", Subcommands: []*Command{run}}

	if err := root.Execute([]string{"run", "--name", "build", "make", "-j4", "--keep-going"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if name != "build" {
		t.Errorf("name = %q", name)
	}
	if strings.Join(received, " ") != "make -j4 --keep-going" {
		t.Errorf("args = %q", received)
	}

	if err := root.Execute([]string{"run", "--", "ls", "--name"}); err != nil {
		t.Fatalf("Execute with --: %v", err)
	}
	if strings.Join(received, " ") != "ls --name" {
		t.Errorf("args after -- = %q", received)
	}
}

func TestExecuteSuggestions(t *testing.T) {
	root := &Command{
		Name:   "lw",
		Output: &bytes.Buffer{},
		Subcommands: []*Command{
			{Name: "tasks", Run: func([]string) error { return nil }},
			{
				Name: "prune",
				Flags: func() *pflag.FlagSet {
					flagSet := pflag.NewFlagSet("prune", pflag.ContinueOnError)
					flagSet.Bool("dry-run", false, "report only")
					return flagSet
				},
				Run: func([]string) error { return nil },
			},
		},
	}

	err := root.Execute([]string{"taks"})
	if err == nil || !strings.Contains(err.Error(), `did you mean "tasks"`) {
		t.Errorf("unknown command error = %v", err)
	}
	err = root.Execute([]string{"prune", "--dryrun"})
	if err == nil || !strings.Contains(err.Error(), "did you mean --dry-run") {
		t.Errorf("unknown flag error = %v", err)
	}
}

func TestPrintHelp(t *testing.T) {
	var help bytes.Buffer
	root := &Command{
		Name:        "lw",
		Description: "Run a command and deliver its output.",
		Output:      &help,
		Subcommands: []*Command{{Name: "sync", Summary: "upload pending output"}},
		Examples:    []Example{{Description: "wrap a build", Command: "lw run -- make"}},
	}
	if err := root.Execute([]string{"--help"}); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Run a command", "sync", "upload pending output", "lw run -- make"} {
		if !strings.Contains(help.String(), want) {
			t.Errorf("help missing %q:\n%s", want, help.String())
		}
	}
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "abc", 3},
		{"sync", "sync", 0},
		{"snyc", "sync", 2},
		{"prun", "prune", 1},
	}
	for _, test := range tests {
		if got := levenshtein(test.a, test.b); got != test.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", test.a, test.b, got, test.want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buffer bytes.Buffer
	logger := newLogger(&buffer, false, Level(false, slog.LevelWarn))
	logger.Info("hidden")
	logger.Warn("shown", "task_id", "t1")
	output := buffer.String()
	if strings.Contains(output, "hidden") || !strings.Contains(output, `"task_id":"t1"`) {
		t.Errorf("logger output = %q", output)
	}
	if Level(true, slog.LevelWarn) != slog.LevelDebug {
		t.Error("verbose did not select debug")
	}
}

func TestMessenger(t *testing.T) {
	var buffer bytes.Buffer
	messenger := NewPlainMessenger(&buffer, false)
	messenger.Info("task %s started", "build")
	messenger.Warn("running offline")
	if got := buffer.String(); got != "[lw] task build started\n[lw] running offline\n" {
		t.Errorf("output = %q", got)
	}

	buffer.Reset()
	quiet := NewPlainMessenger(&buffer, true)
	quiet.Info("hidden")
	quiet.Success("hidden")
	quiet.Error("shown")
	if got := buffer.String(); got != "[lw] shown\n" {
		t.Errorf("quiet output = %q", got)
	}
}

func TestWriteJSONNilSlice(t *testing.T) {
	var buffer bytes.Buffer
	var none []string
	if err := WriteJSON(&buffer, none); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(buffer.String()) != "[]" {
		t.Errorf("WriteJSON(nil) = %q", buffer.String())
	}
}
