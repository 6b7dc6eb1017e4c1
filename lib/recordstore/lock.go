// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package recordstore

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// fileLock is an exclusive, non-blocking flock on a sidecar file. The
// kernel drops it when the holder exits, so a crashed lw never leaves
// a store permanently locked.
type fileLock struct {
	path string
	file *os.File
}

// acquireLock takes the lock at path or returns ErrLocked if another
// process holds it.
func acquireLock(path string) (*fileLock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	// The PID is informational, for `lw tasks`.
	if err := file.Truncate(0); err == nil {
		file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}

	return &fileLock{path: path, file: file}, nil
}

// release drops the lock. The lock file is left in place unless remove
// is set; removing it is only safe when the store itself is being
// deleted.
func (l *fileLock) release(remove bool) error {
	if l == nil || l.file == nil {
		return nil
	}
	if remove {
		os.Remove(l.path)
	}
	unlockErr := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if unlockErr != nil {
		return fmt.Errorf("unlocking %s: %w", l.path, unlockErr)
	}
	return closeErr
}

// isLocked reports whether another process currently holds the lock
// at path. A missing lock file means unlocked. The file is opened
// read-only and never created, so checking leaves no trace.
func isLocked(path string) bool {
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	defer file.Close()

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return errors.Is(err, unix.EWOULDBLOCK)
	}
	unix.Flock(int(file.Fd()), unix.LOCK_UN)
	return false
}
