// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/logwatch/logwatch/lib/testutil"
)

// memorySink is a RecordSink holding records in memory.
type memorySink struct {
	mu      sync.Mutex
	records [][]byte
	err     error
}

func (s *memorySink) Append(ctx context.Context, capturedAt time.Time, payload []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.records = append(s.records, append([]byte(nil), payload...))
	return uint64(len(s.records)), nil
}

func (s *memorySink) output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.ReplaceAll(string(bytes.Join(s.records, nil)), "\r\n", "\n")
}

// syncBuffer is a bytes.Buffer safe for the echo goroutine.
type syncBuffer struct {
	mu     sync.Mutex
	buffer bytes.Buffer
}

func (b *syncBuffer) Write(data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.Write(data)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.String()
}

func requirePTY(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/ptmx"); err != nil {
		t.Skip("no /dev/ptmx on this system")
	}
}

func startCommand(t *testing.T, sink RecordSink, config Config, command ...string) *Process {
	t.Helper()
	requirePTY(t)
	config.Command = command
	config.Store = sink
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	process, err := Start(context.Background(), config)
	if err != nil {
		t.Fatalf("Start(%v): %v", command, err)
	}
	return process
}

func waitProcess(t *testing.T, process *Process) (Result, error) {
	t.Helper()
	testutil.RequireClosed(t, process.Done(), 10*time.Second, "command to finish")
	return process.Wait()
}

func TestCapturesOutputOfFastExit(t *testing.T) {
	sink := &memorySink{}
	process := startCommand(t, sink, Config{}, "sh", "-c", `printf 'hello\nworld\n'`)

	result, err := waitProcess(t, process)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", result.ExitCode)
	}
	if got := sink.output(); got != "hello\nworld\n" {
		t.Errorf("stored output = %q", got)
	}
	if result.Records == 0 || result.Bytes == 0 {
		t.Errorf("result = %+v, want records and bytes counted", result)
	}
	if result.EndedAt.Before(result.StartedAt) {
		t.Errorf("ended %v before started %v", result.EndedAt, result.StartedAt)
	}
}

func TestCapturesEveryLine(t *testing.T) {
	sink := &memorySink{}
	process := startCommand(t, sink, Config{},
		"sh", "-c", `i=0; while [ $i -lt 3000 ]; do echo "line $i"; i=$((i+1)); done`)

	if _, err := waitProcess(t, process); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(sink.output(), "\n"), "\n")
	if len(lines) != 3000 {
		t.Fatalf("captured %d lines, want 3000", len(lines))
	}
	for i, line := range lines {
		if want := "line " + strconv.Itoa(i); line != want {
			t.Fatalf("line %d = %q, want %q", i, line, want)
		}
	}
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		name     string
		script   string
		exitCode int
		signal   syscall.Signal
	}{
		{name: "success", script: "exit 0", exitCode: 0},
		{name: "failure", script: "exit 3", exitCode: 3},
		{name: "killed", script: "kill -TERM $$", exitCode: 128 + int(syscall.SIGTERM), signal: syscall.SIGTERM},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			process := startCommand(t, &memorySink{}, Config{}, "sh", "-c", test.script)
			result, err := waitProcess(t, process)
			if err != nil {
				t.Fatalf("Wait: %v", err)
			}
			if result.ExitCode != test.exitCode || result.Signal != test.signal {
				t.Errorf("exit = %d (signal %v), want %d (signal %v)",
					result.ExitCode, result.Signal, test.exitCode, test.signal)
			}
		})
	}
}

func TestSignalReachesChild(t *testing.T) {
	sink := &memorySink{}
	process := startCommand(t, sink, Config{},
		"sh", "-c", `trap 'echo got-term; exit 7' TERM; echo ready; while :; do sleep 0.05; done`)

	deadline := time.Now().Add(10 * time.Second)
	for !strings.Contains(sink.output(), "ready") {
		if time.Now().After(deadline) {
			t.Fatal("child never printed ready")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("Signal: %v", err)
	}

	result, err := waitProcess(t, process)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.ExitCode != 7 {
		t.Errorf("exit code = %d, want 7 from the trap", result.ExitCode)
	}
	if !strings.Contains(sink.output(), "got-term") {
		t.Errorf("output after signal was lost: %q", sink.output())
	}
}

func TestContextCancelTerminatesChild(t *testing.T) {
	requirePTY(t)
	ctx, cancel := context.WithCancel(context.Background())
	process, err := Start(ctx, Config{
		Command: []string{"sleep", "30"},
		Store:   &memorySink{},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	result, err := waitProcess(t, process)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.Signal != syscall.SIGTERM {
		t.Errorf("signal = %v, want SIGTERM", result.Signal)
	}
}

func TestStorageFailureStopsChild(t *testing.T) {
	sink := &memorySink{err: errors.New("disk full")}
	process := startCommand(t, sink, Config{GraceWindow: 200 * time.Millisecond},
		"sh", "-c", `echo start; sleep 30`)

	_, err := waitProcess(t, process)
	if err == nil {
		t.Fatal("Wait succeeded despite storage failure")
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("error = %v, want the storage cause", err)
	}
}

func TestDescendantHoldingTerminalIsCutOff(t *testing.T) {
	sink := &memorySink{}
	process := startCommand(t, sink, Config{GraceWindow: 200 * time.Millisecond},
		"sh", "-c", `sleep 5 & echo bye`)

	started := time.Now()
	result, err := waitProcess(t, process)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(started); elapsed > 4*time.Second {
		t.Errorf("Wait took %v, want the grace window to bound it", elapsed)
	}
	if result.ExitCode != 0 || !strings.Contains(sink.output(), "bye") {
		t.Errorf("exit %d, output %q", result.ExitCode, sink.output())
	}
}

func TestEchoesToTerminal(t *testing.T) {
	terminal := &syncBuffer{}
	process := startCommand(t, &memorySink{}, Config{Terminal: terminal}, "sh", "-c", `echo visible`)
	if _, err := waitProcess(t, process); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !strings.Contains(terminal.String(), "visible") {
		t.Errorf("terminal got %q", terminal.String())
	}
	if !strings.Contains(string(process.Tail()), "visible") {
		t.Errorf("tail = %q", process.Tail())
	}
}

func TestChildSeesTerminal(t *testing.T) {
	sink := &memorySink{}
	process := startCommand(t, sink, Config{}, "sh", "-c", `if [ -t 1 ]; then echo tty; else echo notty; fi`)
	if _, err := waitProcess(t, process); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := strings.TrimSpace(sink.output()); got != "tty" {
		t.Errorf("child stdout is not a terminal: %q", got)
	}
}

func TestPrecheck(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "plain.txt")
	if err := os.WriteFile(plain, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		command []string
		code    int
	}{
		{name: "empty", command: nil, code: ExitNotFound},
		{name: "not on path", command: []string{"lw-no-such-command-xyz"}, code: ExitNotFound},
		{name: "missing path", command: []string{filepath.Join(dir, "missing")}, code: ExitNotFound},
		{name: "directory", command: []string{dir}, code: ExitCannotExecute},
		{name: "not executable", command: []string{plain}, code: ExitCannotExecute},
		{name: "ok", command: []string{"sh", "-c", "true"}, code: 0},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := Precheck(test.command)
			if test.code == 0 {
				if err != nil {
					t.Fatalf("Precheck: %v", err)
				}
				return
			}
			var captureError *CaptureError
			if !errors.As(err, &captureError) {
				t.Fatalf("Precheck = %v, want *CaptureError", err)
			}
			if captureError.ExitCode() != test.code {
				t.Errorf("exit code = %d, want %d", captureError.ExitCode(), test.code)
			}
		})
	}
}

func TestStartRejectsMissingCommand(t *testing.T) {
	_, err := Start(context.Background(), Config{
		Command: []string{"lw-no-such-command-xyz"},
		Store:   &memorySink{},
	})
	var captureError *CaptureError
	if !errors.As(err, &captureError) || captureError.Code != ExitNotFound {
		t.Fatalf("Start = %v, want CaptureError with exit 127", err)
	}
}
