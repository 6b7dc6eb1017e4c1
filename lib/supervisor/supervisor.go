// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/logwatch/logwatch/lib/clock"
	"github.com/logwatch/logwatch/lib/netutil"
)

// RecordSink durably stores captured output. *recordstore.Store
// implements it. Append must not return until the payload is durable.
type RecordSink interface {
	Append(ctx context.Context, capturedAt time.Time, payload []byte) (uint64, error)
}

// maxRecordBytes bounds how many queued chunks are coalesced into one
// record when the store falls behind.
const maxRecordBytes = 64 * 1024

// readBufferSize is the PTY read size; one read becomes one chunk.
const readBufferSize = 32 * 1024

// forwardedSignals reach the child when lw receives them.
var forwardedSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT}

// Config holds the parameters for supervising one command.
type Config struct {
	// Command is the program and its arguments. Required.
	Command []string

	// Env and Dir are passed to the child; nil Env inherits lw's.
	Env []string
	Dir string

	// Store receives every byte of output. Required.
	Store RecordSink

	// Terminal receives a live copy of the output; nil disables echo.
	Terminal io.Writer

	// TerminalBuffer bounds output queued for a slow Terminal;
	// beyond it the oldest queued output is dropped from the echo
	// (never from the store). Defaults to 8 MiB.
	TerminalBuffer int

	// Input is copied to the child when it is a terminal, which is
	// switched to raw mode for the child's lifetime.
	Input *os.File

	// WindowSource is the terminal whose size the PTY follows,
	// initially and on SIGWINCH. Ignored if not a terminal.
	WindowSource *os.File

	// ForwardSignals relays SIGINT, SIGTERM, SIGHUP, and SIGQUIT
	// received by this process to the child.
	ForwardSignals bool

	// GraceWindow is how long to keep reading after the child exits
	// while descendants still hold the terminal open, and how long a
	// storage failure waits between SIGTERM and SIGKILL. Defaults to
	// 1 second.
	GraceWindow time.Duration

	// TailSize is the amount of recent output kept for Tail. Defaults
	// to DefaultTailSize.
	TailSize int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Result describes a finished command.
type Result struct {
	// ExitCode is the child's exit status, or 128+N if it was killed
	// by signal N.
	ExitCode int

	// Signal is the terminating signal, zero on a normal exit.
	Signal syscall.Signal

	StartedAt time.Time
	EndedAt   time.Time

	// Bytes and Records count captured output and stored records.
	Bytes   uint64
	Records uint64

	// EchoDropped counts output bytes that were stored but not
	// echoed because the terminal fell behind.
	EchoDropped uint64
}

// Duration returns the wall time the command ran.
func (r Result) Duration() time.Duration { return r.EndedAt.Sub(r.StartedAt) }

// Process is a command running under a PTY with its output captured.
type Process struct {
	config Config
	clock  clock.Clock
	logger *slog.Logger

	command *exec.Cmd
	master  *os.File

	closeMaster sync.Once

	ring       *tailRing
	storeQueue *chunkQueue
	echoQueue  *chunkQueue

	bytes   atomic.Uint64
	records atomic.Uint64

	startedAt time.Time

	// exited is closed once waitpid has returned; exitCode, signal,
	// and endedAt are valid afterwards.
	exited   chan struct{}
	exitCode int
	signal   syscall.Signal
	endedAt  time.Time

	readDone    chan struct{}
	persistDone chan struct{}
	echoDone    chan struct{}
	done        chan struct{}

	mu         sync.Mutex
	storageErr error
	killing    bool

	signals        chan os.Signal
	restoreConsole func()
}

// Start checks the command, allocates a PTY, and starts the child with
// the PTY as its controlling terminal. Capture begins immediately.
// Errors are *CaptureError; nothing has been recorded when Start
// fails.
//
// Cancelling ctx sends SIGTERM to the child; capture continues until
// it exits.
func Start(ctx context.Context, config Config) (*Process, error) {
	if config.Store == nil {
		return nil, errors.New("supervisor: Store is required")
	}
	if err := Precheck(config.Command); err != nil {
		return nil, err
	}
	if config.TerminalBuffer <= 0 {
		config.TerminalBuffer = 8 << 20
	}
	if config.GraceWindow <= 0 {
		config.GraceWindow = time.Second
	}
	if config.TailSize <= 0 {
		config.TailSize = DefaultTailSize
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	name := config.Command[0]

	master, slavePath, err := openPTY()
	if err != nil {
		return nil, &CaptureError{Command: name, Code: 1, Err: fmt.Errorf("allocating PTY: %w", err)}
	}
	slave, err := os.OpenFile(slavePath, os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		master.Close()
		return nil, &CaptureError{Command: name, Code: 1, Err: fmt.Errorf("opening PTY slave %s: %w", slavePath, err)}
	}
	if config.WindowSource != nil {
		if err := copyWindowSize(config.WindowSource, master); err != nil {
			config.Logger.Debug("initial window size not applied", "error", err)
		}
	}

	command := exec.Command(name, config.Command[1:]...)
	command.Env = config.Env
	command.Dir = config.Dir
	command.Stdin = slave
	command.Stdout = slave
	command.Stderr = slave
	command.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0, // fd 0 in child = slave PTY
	}
	if err := command.Start(); err != nil {
		slave.Close()
		master.Close()
		return nil, startError(name, err)
	}
	// The child holds its own copies; ours would keep the PTY from
	// reporting EOF after the child exits.
	slave.Close()

	process := &Process{
		config:      config,
		clock:       config.Clock,
		logger:      config.Logger.With("pid", command.Process.Pid),
		command:     command,
		master:      master,
		ring:        newTailRing(config.TailSize),
		storeQueue:  newChunkQueue(0),
		echoQueue:   newChunkQueue(config.TerminalBuffer),
		startedAt:   config.Clock.Now(),
		exited:      make(chan struct{}),
		readDone:    make(chan struct{}),
		persistDone: make(chan struct{}),
		echoDone:    make(chan struct{}),
		done:        make(chan struct{}),
	}
	process.logger.Debug("command started", "command", config.Command)

	go process.read()
	go process.persist()
	go process.echo()
	go process.wait()
	process.startSignals()
	process.startInput()
	go process.finalize()

	go func() {
		select {
		case <-ctx.Done():
			process.logger.Debug("context cancelled, terminating command")
			_ = process.Signal(syscall.SIGTERM)
		case <-process.exited:
		}
	}()

	return process, nil
}

// PID returns the child's process ID.
func (p *Process) PID() int { return p.command.Process.Pid }

// StartedAt returns when the child was started.
func (p *Process) StartedAt() time.Time { return p.startedAt }

// Signal sends sig to the child. Errors after the child exited are
// ignored.
func (p *Process) Signal(sig os.Signal) error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	err := p.command.Process.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Tail returns the most recent output, up to Config.TailSize bytes.
func (p *Process) Tail() []byte { return p.ring.Bytes() }

// Done is closed when Wait would return without blocking.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until the child has exited and every byte of its output
// is stored. The error is non-nil only when output could not be
// stored; the Result is valid either way.
func (p *Process) Wait() (Result, error) {
	<-p.done
	result := Result{
		ExitCode:    p.exitCode,
		Signal:      p.signal,
		StartedAt:   p.startedAt,
		EndedAt:     p.endedAt,
		Bytes:       p.bytes.Load(),
		Records:     p.records.Load(),
		EchoDropped: p.echoQueue.droppedBytes(),
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.storageErr != nil {
		return result, fmt.Errorf("supervisor: output not stored: %w", p.storageErr)
	}
	return result, nil
}

// read is the single PTY reader feeding both sinks.
func (p *Process) read() {
	defer close(p.readDone)
	defer p.echoQueue.close()
	defer p.storeQueue.close()

	buffer := make([]byte, readBufferSize)
	for {
		count, err := p.master.Read(buffer)
		if count > 0 {
			data := make([]byte, count)
			copy(data, buffer[:count])
			entry := chunk{data: data, capturedAt: p.clock.Now()}
			p.bytes.Add(uint64(count))
			p.ring.Write(data)
			p.storeQueue.push(entry)
			if p.config.Terminal != nil {
				p.echoQueue.push(entry)
			}
		}
		if err != nil {
			// EIO is the normal signal that every slave fd closed.
			// Any other error is treated the same way.
			if !errors.Is(err, syscall.EIO) && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.logger.Debug("PTY read ended", "error", err)
			}
			return
		}
	}
}

// persist appends queued output to the store, coalescing chunks when
// it has fallen behind. After a storage failure the child is killed
// and the remaining output is discarded.
func (p *Process) persist() {
	defer close(p.persistDone)
	ctx := context.Background()

	p.storeQueue.drain(func(entries []chunk) {
		for len(entries) > 0 {
			payload := entries[0].data
			capturedAt := entries[0].capturedAt
			consumed := 1
			if len(entries) > 1 {
				size := len(payload)
				for consumed < len(entries) && size+len(entries[consumed].data) <= maxRecordBytes {
					size += len(entries[consumed].data)
					consumed++
				}
				if consumed > 1 {
					merged := make([]byte, 0, size)
					for _, entry := range entries[:consumed] {
						merged = append(merged, entry.data...)
					}
					payload = merged
				}
			}
			entries = entries[consumed:]

			if p.failed() {
				continue
			}
			if _, err := p.config.Store.Append(ctx, capturedAt, payload); err != nil {
				p.failStorage(err)
				continue
			}
			p.records.Add(1)
		}
	})
}

func (p *Process) failed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.storageErr != nil
}

// failStorage records the first storage error and stops the child:
// output that cannot be stored must not keep being produced.
func (p *Process) failStorage(err error) {
	p.mu.Lock()
	if p.storageErr != nil {
		p.mu.Unlock()
		return
	}
	p.storageErr = err
	p.mu.Unlock()

	p.logger.Error("storing output failed, terminating command", "error", err)
	p.kill()
}

// kill sends SIGTERM to the child's process group, then SIGKILL if it
// is still running after the grace window.
func (p *Process) kill() {
	p.mu.Lock()
	if p.killing {
		p.mu.Unlock()
		return
	}
	p.killing = true
	p.mu.Unlock()

	pid := p.command.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	go func() {
		timer := p.clock.NewTimer(p.config.GraceWindow)
		defer timer.Stop()
		select {
		case <-p.exited:
		case <-timer.C:
			p.logger.Warn("command ignored SIGTERM, killing")
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		}
	}()
}

// echo copies queued output to the terminal. A write error stops the
// echo but not the capture.
func (p *Process) echo() {
	defer close(p.echoDone)
	broken := false
	p.echoQueue.drain(func(entries []chunk) {
		if broken {
			return
		}
		for _, entry := range entries {
			if _, err := p.config.Terminal.Write(entry.data); err != nil {
				if netutil.IsExpectedCloseError(err) {
					p.logger.Debug("terminal echo stopped", "error", err)
				} else {
					p.logger.Warn("terminal echo failed, output is still captured", "error", err)
				}
				broken = true
				return
			}
		}
	})
}

func (p *Process) wait() {
	err := p.command.Wait()
	p.endedAt = p.clock.Now()

	state := p.command.ProcessState
	switch {
	case state == nil:
		p.logger.Warn("waiting for command failed", "error", err)
		p.exitCode = 1
	default:
		status, ok := state.Sys().(syscall.WaitStatus)
		if ok && status.Signaled() {
			p.signal = status.Signal()
			p.exitCode = 128 + int(p.signal)
		} else {
			p.exitCode = state.ExitCode()
		}
	}
	close(p.exited)
}

// finalize waits for the child, then for its remaining output. Output
// already in the PTY is read until EOF; if a descendant keeps the
// terminal open past the grace window, the PTY is closed to end the
// capture.
func (p *Process) finalize() {
	defer close(p.done)
	<-p.exited

	timer := p.clock.NewTimer(p.config.GraceWindow)
	select {
	case <-p.readDone:
	case <-timer.C:
		p.logger.Warn("terminal still open after command exited, closing it",
			"grace_window", p.config.GraceWindow)
		p.closePTY()
		<-p.readDone
	}
	timer.Stop()

	<-p.persistDone

	echoTimer := p.clock.NewTimer(p.config.GraceWindow)
	select {
	case <-p.echoDone:
	case <-echoTimer.C:
		p.logger.Debug("terminal echo did not drain within the grace window")
	}
	echoTimer.Stop()

	p.stopSignals()
	if p.restoreConsole != nil {
		p.restoreConsole()
	}
	p.closePTY()

	p.logger.Debug("command finished",
		"exit_code", p.exitCode,
		"bytes", p.bytes.Load(),
		"records", p.records.Load(),
	)
}

func (p *Process) closePTY() {
	p.closeMaster.Do(func() { p.master.Close() })
}

// startSignals forwards termination signals to the child and follows
// the window size of WindowSource.
func (p *Process) startSignals() {
	var wanted []os.Signal
	if p.config.ForwardSignals {
		wanted = append(wanted, forwardedSignals...)
	}
	followWindow := p.config.WindowSource != nil && term.IsTerminal(int(p.config.WindowSource.Fd()))
	if followWindow {
		wanted = append(wanted, syscall.SIGWINCH)
	}
	if len(wanted) == 0 {
		return
	}

	p.signals = make(chan os.Signal, 4)
	signal.Notify(p.signals, wanted...)
	go func() {
		for sig := range p.signals {
			if sig == syscall.SIGWINCH {
				if err := copyWindowSize(p.config.WindowSource, p.master); err != nil {
					p.logger.Debug("window resize not applied", "error", err)
				}
				continue
			}
			p.logger.Debug("forwarding signal", "signal", sig)
			// The child may already have exited.
			_ = p.Signal(sig)
		}
	}()
}

func (p *Process) stopSignals() {
	if p.signals == nil {
		return
	}
	signal.Stop(p.signals)
	close(p.signals)
}

// startInput forwards keystrokes when Input is a terminal. The copy
// goroutine ends on the first write after the PTY closes.
func (p *Process) startInput() {
	input := p.config.Input
	if input == nil || !term.IsTerminal(int(input.Fd())) {
		return
	}
	fd := int(input.Fd())
	previous, err := term.MakeRaw(fd)
	if err != nil {
		p.logger.Debug("raw mode unavailable, input not forwarded", "error", err)
		return
	}
	var restoreOnce sync.Once
	p.restoreConsole = func() {
		restoreOnce.Do(func() { _ = term.Restore(fd, previous) })
	}
	go func() {
		_, _ = io.Copy(p.master, input)
	}()
}
