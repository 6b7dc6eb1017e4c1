// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Messenger writes one-line status messages for users, each prefixed
// "[lw]". Messages are styled when the destination is a color
// terminal and plain otherwise. Safe for concurrent use.
type Messenger struct {
	mu     sync.Mutex
	w      io.Writer
	quiet  bool
	prefix lipgloss.Style
	info   lipgloss.Style
	warn   lipgloss.Style
	err    lipgloss.Style
	ok     lipgloss.Style
}

// NewMessenger returns a Messenger for file, usually os.Stderr. Color
// is disabled when file is not a terminal or NO_COLOR is set. A quiet
// Messenger drops Info and Success messages.
func NewMessenger(file *os.File, quiet bool) *Messenger {
	renderer := lipgloss.NewRenderer(file)
	if !term.IsTerminal(int(file.Fd())) || os.Getenv("NO_COLOR") != "" {
		renderer.SetColorProfile(termenv.Ascii)
	}
	return newMessenger(file, renderer, quiet)
}

// NewPlainMessenger returns a Messenger that never styles its output.
func NewPlainMessenger(w io.Writer, quiet bool) *Messenger {
	renderer := lipgloss.NewRenderer(w, termenv.WithProfile(termenv.Ascii))
	renderer.SetColorProfile(termenv.Ascii)
	return newMessenger(w, renderer, quiet)
}

func newMessenger(w io.Writer, renderer *lipgloss.Renderer, quiet bool) *Messenger {
	return &Messenger{
		w:      w,
		quiet:  quiet,
		prefix: renderer.NewStyle().Faint(true),
		info:   renderer.NewStyle(),
		warn:   renderer.NewStyle().Foreground(lipgloss.Color("3")),
		err:    renderer.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		ok:     renderer.NewStyle().Foreground(lipgloss.Color("2")),
	}
}

// Info reports progress.
func (m *Messenger) Info(format string, args ...any) {
	if !m.quiet {
		m.write(m.info, format, args...)
	}
}

// Success reports a completed step.
func (m *Messenger) Success(format string, args ...any) {
	if !m.quiet {
		m.write(m.ok, format, args...)
	}
}

// Warn reports a degraded condition such as offline mode.
func (m *Messenger) Warn(format string, args ...any) {
	m.write(m.warn, format, args...)
}

// Error reports a failure with what to do about it.
func (m *Messenger) Error(format string, args ...any) {
	m.write(m.err, format, args...)
}

func (m *Messenger) write(style lipgloss.Style, format string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fmt.Fprintf(m.w, "%s %s\n", m.prefix.Render("[lw]"), style.Render(fmt.Sprintf(format, args...)))
}
