// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// openPTY allocates a PTY master/slave pair using the Linux devpts
// interface. The ioctls go through SyscallConn so the master stays in
// non-blocking mode: Close must be able to interrupt a pending Read.
func openPTY() (master *os.File, slavePath string, err error) {
	master, err = os.OpenFile("/dev/ptmx", os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, "", fmt.Errorf("open /dev/ptmx: %w", err)
	}

	var ptyNumber int
	err = control(master, func(fd int) error {
		number, err := unix.IoctlGetInt(fd, unix.TIOCGPTN)
		if err != nil {
			return fmt.Errorf("get PTY number (TIOCGPTN): %w", err)
		}
		ptyNumber = number
		if err := unix.IoctlSetPointerInt(fd, unix.TIOCSPTLCK, 0); err != nil {
			return fmt.Errorf("unlock PTY slave (TIOCSPTLCK): %w", err)
		}
		return nil
	})
	if err != nil {
		master.Close()
		return nil, "", err
	}
	return master, fmt.Sprintf("/dev/pts/%d", ptyNumber), nil
}

// setWindowSize sets the terminal dimensions on a PTY master using
// TIOCSWINSZ. The kernel delivers SIGWINCH to the foreground process
// group on the slave side.
func setWindowSize(master *os.File, columns, rows uint16) error {
	return control(master, func(fd int) error {
		return unix.IoctlSetWinsize(fd, unix.TIOCSWINSZ, &unix.Winsize{Col: columns, Row: rows})
	})
}

// copyWindowSize applies the size of the terminal on source to the
// PTY. It does nothing when source is not a terminal.
func copyWindowSize(source, master *os.File) error {
	fd := int(source.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	columns, rows, err := term.GetSize(fd)
	if err != nil {
		return fmt.Errorf("reading terminal size: %w", err)
	}
	return setWindowSize(master, uint16(columns), uint16(rows))
}

// control runs fn with the file's descriptor without switching the
// file to blocking mode.
func control(file *os.File, fn func(fd int) error) error {
	raw, err := file.SyscallConn()
	if err != nil {
		return err
	}
	var fnErr error
	if err := raw.Control(func(fd uintptr) { fnErr = fn(int(fd)) }); err != nil {
		return err
	}
	return fnErr
}
