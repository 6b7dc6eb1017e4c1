// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package recordstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/logwatch/logwatch/lib/codec"
	"github.com/logwatch/logwatch/lib/schema"
	"github.com/logwatch/logwatch/lib/sqlitepool"
)

// RetentionPolicy bounds the disk used by the queue directory. A zero
// field disables that bound.
type RetentionPolicy struct {
	// MaxAge removes stores whose newest write is older than this.
	MaxAge time.Duration

	// MaxStores keeps at most this many stores, removing the oldest.
	MaxStores int
}

// StoreInfo describes one store found in the queue directory.
type StoreInfo struct {
	TaskID string

	// ModTime is the newest modification time across the database
	// and its WAL.
	ModTime time.Time

	// SizeBytes totals the database, WAL, and shared-memory files.
	SizeBytes int64

	// Locked is set while a running lw owns the store.
	Locked bool
}

// List returns the stores in dir, newest first. A missing directory
// holds no stores.
func List(dir string) ([]StoreInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("recordstore: listing %s: %w", dir, err)
	}

	var stores []StoreInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".db") {
			continue
		}
		taskID := strings.TrimSuffix(name, ".db")
		info := StoreInfo{TaskID: taskID}
		for _, path := range storeFiles(dir, taskID)[:3] {
			stat, err := os.Stat(path)
			if err != nil {
				continue
			}
			info.SizeBytes += stat.Size()
			if stat.ModTime().After(info.ModTime) {
				info.ModTime = stat.ModTime()
			}
		}
		info.Locked = isLocked(lockPath(dir, taskID))
		stores = append(stores, info)
	}

	sort.Slice(stores, func(i, j int) bool {
		if stores[i].ModTime.Equal(stores[j].ModTime) {
			return stores[i].TaskID > stores[j].TaskID
		}
		return stores[i].ModTime.After(stores[j].ModTime)
	})
	return stores, nil
}

// storeFiles lists every file belonging to a store: database, WAL,
// shared memory, then the lock file.
func storeFiles(dir, taskID string) []string {
	database := DatabasePath(dir, taskID)
	return []string{database, database + "-wal", database + "-shm", lockPath(dir, taskID)}
}

// SweepResult reports what a retention sweep did.
type SweepResult struct {
	Removed []string

	// SkippedLocked counts stores that matched the policy but were
	// owned by a running process.
	SkippedLocked int
}

// Sweep applies policy to dir: stores older than MaxAge go first, then
// the oldest stores beyond MaxStores. Stores that are locked by a
// running task are never removed. Unacknowledged records in a removed
// store are lost; that is the point of the ceiling.
func Sweep(dir string, policy RetentionPolicy, now time.Time, logger *slog.Logger) (SweepResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var result SweepResult

	stores, err := List(dir)
	if err != nil {
		return result, err
	}

	kept := 0
	for _, store := range stores {
		expired := policy.MaxAge > 0 && now.Sub(store.ModTime) > policy.MaxAge
		overflow := policy.MaxStores > 0 && kept >= policy.MaxStores
		if !expired && !overflow {
			kept++
			continue
		}
		if store.Locked {
			result.SkippedLocked++
			kept++
			continue
		}

		removed, err := Remove(dir, store.TaskID)
		if err != nil {
			return result, err
		}
		if !removed {
			result.SkippedLocked++
			kept++
			continue
		}
		reason := "max_files"
		if expired {
			reason = "max_age"
		}
		logger.Info("retention removed task store",
			"task_id", store.TaskID,
			"reason", reason,
			"modified", store.ModTime,
		)
		result.Removed = append(result.Removed, store.TaskID)
	}
	return result, nil
}

// Remove deletes every file of a task's store. It returns false
// without deleting anything if the store is locked.
func Remove(dir, taskID string) (bool, error) {
	lock, err := acquireLock(lockPath(dir, taskID))
	if err != nil {
		if errors.Is(err, ErrLocked) {
			return false, nil
		}
		return false, fmt.Errorf("recordstore: %w", err)
	}

	files := storeFiles(dir, taskID)
	var removeErr error
	for _, path := range files[:3] {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			removeErr = errors.Join(removeErr, err)
		}
	}
	if removeErr != nil {
		lock.release(false)
		return false, fmt.Errorf("recordstore: removing %s: %w", taskID, removeErr)
	}
	return true, lock.release(true)
}

// Summary is a read-only view of a store for listing and sync
// decisions.
type Summary struct {
	StoreInfo

	Cursor  Cursor
	Task    schema.Task
	HasTask bool

	// Records is the number of records still stored locally.
	Records int64

	// OldestCapturedAt is the capture time of the oldest stored
	// record; zero if none.
	OldestCapturedAt time.Time
}

// Inspect reads a store's state without taking its lock, so it works
// on stores owned by a running task. The database is opened read-only.
func Inspect(ctx context.Context, dir string, info StoreInfo) (Summary, error) {
	summary := Summary{StoreInfo: info}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     DatabasePath(dir, info.TaskID),
		PoolSize: 1,
		ReadOnly: true,
	})
	if err != nil {
		return summary, fmt.Errorf("recordstore: inspecting %s: %w", info.TaskID, err)
	}
	defer pool.Close()

	conn, err := pool.Take(ctx)
	if err != nil {
		return summary, fmt.Errorf("recordstore: inspecting %s: %w", info.TaskID, err)
	}
	defer pool.Put(conn)

	summary.Cursor, err = readCursor(conn)
	if err != nil {
		return summary, fmt.Errorf("recordstore: inspecting %s: %w", info.TaskID, err)
	}

	err = sqlitex.Execute(conn, "SELECT count(*), min(captured_at) FROM records", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			summary.Records = stmt.ColumnInt64(0)
			if !stmt.ColumnIsNull(1) {
				summary.OldestCapturedAt = time.Unix(0, stmt.ColumnInt64(1))
			}
			return nil
		},
	})
	if err != nil {
		return summary, fmt.Errorf("recordstore: inspecting %s: %w", info.TaskID, err)
	}

	data, err := readTaskBlob(conn)
	if err != nil {
		return summary, err
	}
	if data != nil {
		if err := codec.Unmarshal(data, &summary.Task); err != nil {
			return summary, fmt.Errorf("recordstore: decoding task %s: %w", info.TaskID, err)
		}
		summary.HasTask = true
	}
	return summary, nil
}

// Tail returns up to maxBytes of the most recent stored output of a
// task, read without taking the store's lock.
func Tail(ctx context.Context, dir, taskID string, maxBytes int) ([]byte, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     DatabasePath(dir, taskID),
		PoolSize: 1,
		ReadOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("recordstore: tail %s: %w", taskID, err)
	}
	defer pool.Close()

	conn, err := pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("recordstore: tail %s: %w", taskID, err)
	}
	defer pool.Put(conn)

	var chunks [][]byte
	total := 0
	err = sqlitex.Execute(conn, "SELECT payload FROM records ORDER BY seq DESC", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if total >= maxBytes {
				return nil
			}
			chunk := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, chunk)
			chunks = append(chunks, chunk)
			total += len(chunk)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("recordstore: tail %s: %w", taskID, err)
	}

	output := make([]byte, 0, total)
	for i := len(chunks) - 1; i >= 0; i-- {
		output = append(output, chunks[i]...)
	}
	if len(output) > maxBytes {
		output = output[len(output)-maxBytes:]
	}
	return output, nil
}
