// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package recordstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/logwatch/logwatch/lib/codec"
	"github.com/logwatch/logwatch/lib/schema"
	"github.com/logwatch/logwatch/lib/sqlitepool"
)

var (
	// ErrLocked is returned by Open when another process owns the
	// task's store.
	ErrLocked = errors.New("recordstore: store is locked by another process")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("recordstore: store is closed")

	// ErrPruneBeyondAck is returned by Prune when asked to delete
	// records the server has not acknowledged.
	ErrPruneBeyondAck = errors.New("recordstore: prune beyond acknowledged seq")

	// ErrAckBeyondLast is returned when an acknowledgement names a seq
	// that was never written.
	ErrAckBeyondLast = errors.New("recordstore: acknowledged seq beyond last written seq")

	// ErrRangeUnavailable is returned by ReadRange when from_seq was
	// already pruned.
	ErrRangeUnavailable = errors.New("recordstore: requested range was pruned")

	// ErrEmptyPayload is returned by Append for a zero-length payload.
	ErrEmptyPayload = errors.New("recordstore: empty payload")
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS records (
	seq         INTEGER PRIMARY KEY,
	captured_at INTEGER NOT NULL,
	payload     BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS state (
	id                  INTEGER PRIMARY KEY CHECK (id = 0),
	acked_seq           INTEGER NOT NULL,
	last_seq            INTEGER NOT NULL,
	next_client_seq     INTEGER NOT NULL,
	inflight_client_seq INTEGER,
	inflight_start      INTEGER,
	inflight_end        INTEGER
);
INSERT OR IGNORE INTO state (id, acked_seq, last_seq, next_client_seq) VALUES (0, 0, 0, 1);
CREATE TABLE IF NOT EXISTS task (
	id   INTEGER PRIMARY KEY CHECK (id = 0),
	data BLOB NOT NULL
);
`

// InFlightBatch describes the batch the uploader has committed to
// sending. It is persisted before the first attempt so that a
// restarted process re-sends the same range under the same client_seq.
type InFlightBatch struct {
	ClientSeq uint64
	StartSeq  uint64
	EndSeq    uint64
}

// Cursor is a snapshot of a store's delivery state.
type Cursor struct {
	// AckedSeq is the AckCursor: the highest seq the server has
	// acknowledged. Never decreases.
	AckedSeq uint64

	// LastSeq is the highest seq ever assigned.
	LastSeq uint64

	// NextClientSeq is the client_seq the next new batch will use.
	NextClientSeq uint64

	// InFlight is the batch awaiting acknowledgement, if any.
	InFlight *InFlightBatch
}

// Pending returns the number of records written but not acknowledged.
func (c Cursor) Pending() uint64 {
	return c.LastSeq - c.AckedSeq
}

// Config holds the parameters for opening a task's store.
type Config struct {
	// Dir is the queue directory holding one store per task. Created
	// if missing.
	Dir string

	// TaskID names the store: Dir/<TaskID>.db.
	TaskID string

	// Synchronous defaults to sqlitepool.SyncFull: an Append that
	// returned survives power loss.
	Synchronous sqlitepool.Synchronous

	Logger *slog.Logger
}

// Store is the durable queue of one task's LogRecords. It is backed
// by a WAL-mode SQLite database, so seq assignment and the payload
// write commit in one transaction and SQLite's WAL recovery restores
// the last assigned seq after a crash.
//
// One process owns a store at a time, enforced by a flock on
// Dir/<TaskID>.lock. Within the process, writes are serialized by
// writeMu; reads run concurrently on the pool's second connection.
type Store struct {
	taskID string
	dir    string
	pool   *sqlitepool.Pool
	lock   *fileLock
	logger *slog.Logger

	// writeMu serializes every write transaction.
	writeMu sync.Mutex

	// stateMu guards cursor and closed. The cursor mirrors the state
	// row and is only updated after the row commits.
	stateMu sync.Mutex
	cursor  Cursor
	closed  bool

	// appended has capacity 1; Append does a non-blocking send so
	// the reader wakes once per burst.
	appended chan struct{}
}

// DatabasePath returns the database file of a task's store.
func DatabasePath(dir, taskID string) string {
	return filepath.Join(dir, taskID+".db")
}

func lockPath(dir, taskID string) string {
	return filepath.Join(dir, taskID+".lock")
}

// Open opens (creating if needed) the store for cfg.TaskID and takes
// its exclusive lock. Returns ErrLocked if another process holds it.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("recordstore: Dir is required")
	}
	if cfg.TaskID == "" {
		return nil, fmt.Errorf("recordstore: TaskID is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	synchronous := cfg.Synchronous
	if synchronous == "" {
		synchronous = sqlitepool.SyncFull
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("recordstore: creating %s: %w", cfg.Dir, err)
	}

	lock, err := acquireLock(lockPath(cfg.Dir, cfg.TaskID))
	if err != nil {
		if errors.Is(err, ErrLocked) {
			return nil, err
		}
		return nil, fmt.Errorf("recordstore: %w", err)
	}

	pool, err := openPool(DatabasePath(cfg.Dir, cfg.TaskID), synchronous, logger)
	if err != nil {
		lock.release(false)
		return nil, err
	}

	store := &Store{
		taskID:   cfg.TaskID,
		dir:      cfg.Dir,
		pool:     pool,
		lock:     lock,
		logger:   logger.With("task_id", cfg.TaskID),
		appended: make(chan struct{}, 1),
	}

	cursor, err := store.initialize(ctx)
	if err != nil {
		pool.Close()
		lock.release(false)
		return nil, fmt.Errorf("recordstore: loading state: %w", err)
	}
	store.cursor = cursor

	store.logger.Debug("record store opened",
		"acked_seq", cursor.AckedSeq,
		"last_seq", cursor.LastSeq,
		"next_client_seq", cursor.NextClientSeq,
	)
	return store, nil
}

func openPool(path string, synchronous sqlitepool.Synchronous, logger *slog.Logger) (*sqlitepool.Pool, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:        path,
		PoolSize:    2,
		Synchronous: synchronous,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("recordstore: %w", err)
	}
	return pool, nil
}

// TaskID returns the task this store belongs to.
func (s *Store) TaskID() string { return s.taskID }

// Path returns the database file path.
func (s *Store) Path() string { return s.pool.Path() }

// Appended is signalled after every successful Append. Only one
// goroutine should receive from it.
func (s *Store) Appended() <-chan struct{} { return s.appended }

// Cursor returns a snapshot of the delivery state.
func (s *Store) Cursor() Cursor {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	cursor := s.cursor
	if cursor.InFlight != nil {
		inflight := *cursor.InFlight
		cursor.InFlight = &inflight
	}
	return cursor
}

// Append durably stores payload as the task's next record and returns
// its seq. The seq is assigned inside the same transaction as the
// insert, so a crash either loses both or neither.
func (s *Store) Append(ctx context.Context, capturedAt time.Time, payload []byte) (seq uint64, err error) {
	if len(payload) == 0 {
		return 0, ErrEmptyPayload
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("recordstore: append: %w", err)
	}
	defer s.pool.Put(conn)

	seq, err = appendRecord(conn, capturedAt, payload)
	if err != nil {
		return 0, fmt.Errorf("recordstore: append: %w", err)
	}

	s.stateMu.Lock()
	s.cursor.LastSeq = seq
	s.stateMu.Unlock()

	select {
	case s.appended <- struct{}{}:
	default:
	}
	return seq, nil
}

func appendRecord(conn *sqlite.Conn, capturedAt time.Time, payload []byte) (seq uint64, err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer endTransaction(&err)

	// last_seq is read inside the write transaction, never from
	// memory, so the committed row is the only source of truth.
	err = sqlitex.Execute(conn, "SELECT last_seq FROM state WHERE id = 0", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			seq = uint64(stmt.ColumnInt64(0)) + 1
			return nil
		},
	})
	if err != nil {
		return 0, err
	}

	err = sqlitex.Execute(conn, "INSERT INTO records (seq, captured_at, payload) VALUES (?, ?, ?)", &sqlitex.ExecOptions{
		Args: []any{int64(seq), capturedAt.UnixNano(), payload},
	})
	if err != nil {
		return 0, err
	}

	err = sqlitex.Execute(conn, "UPDATE state SET last_seq = ? WHERE id = 0", &sqlitex.ExecOptions{
		Args: []any{int64(seq)},
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// ReadRange returns up to limit records starting at fromSeq, in seq
// order. It never skips: the result is fromSeq, fromSeq+1, ... and
// ends early only at the last written record. Returns
// ErrRangeUnavailable if fromSeq was pruned.
func (s *Store) ReadRange(ctx context.Context, fromSeq uint64, limit int) ([]schema.LogRecord, error) {
	if fromSeq == 0 {
		fromSeq = 1
	}
	if limit <= 0 {
		return nil, nil
	}
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("recordstore: read range: %w", err)
	}
	defer s.pool.Put(conn)

	var records []schema.LogRecord
	var rangeErr error
	next := fromSeq
	err = sqlitex.Execute(conn,
		"SELECT seq, captured_at, payload FROM records WHERE seq >= ? ORDER BY seq LIMIT ?",
		&sqlitex.ExecOptions{
			Args: []any{int64(fromSeq), limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				seq := uint64(stmt.ColumnInt64(0))
				if seq != next {
					if len(records) == 0 {
						rangeErr = fmt.Errorf("%w: wanted seq %d, oldest stored is %d", ErrRangeUnavailable, next, seq)
					} else {
						rangeErr = fmt.Errorf("recordstore: gap in stored records after seq %d (found %d)", next-1, seq)
					}
					return rangeErr
				}
				payload := make([]byte, stmt.ColumnLen(2))
				stmt.ColumnBytes(2, payload)
				records = append(records, schema.LogRecord{
					TaskID:     s.taskID,
					Seq:        seq,
					CapturedAt: time.Unix(0, stmt.ColumnInt64(1)),
					Payload:    payload,
				})
				next++
				return nil
			},
		})
	if rangeErr != nil {
		return nil, rangeErr
	}
	if err != nil {
		return nil, fmt.Errorf("recordstore: read range: %w", err)
	}

	if len(records) == 0 && fromSeq <= s.Cursor().AckedSeq {
		return nil, fmt.Errorf("%w: seq %d", ErrRangeUnavailable, fromSeq)
	}
	return records, nil
}

// Prune deletes records with seq <= upToSeq. It refuses to delete
// past the AckCursor; retention eviction of unacknowledged data goes
// through Sweep, which removes whole stores.
func (s *Store) Prune(ctx context.Context, upToSeq uint64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	if acked := s.Cursor().AckedSeq; upToSeq > acked {
		return fmt.Errorf("%w: %d > %d", ErrPruneBeyondAck, upToSeq, acked)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("recordstore: prune: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, "DELETE FROM records WHERE seq <= ?", &sqlitex.ExecOptions{
		Args: []any{int64(upToSeq)},
	}); err != nil {
		return fmt.Errorf("recordstore: prune: %w", err)
	}
	return nil
}

// BeginBatch returns the in-flight batch, creating one for
// [startSeq, endSeq] under the next client_seq if none exists. An
// existing in-flight batch is returned unchanged regardless of the
// arguments: it must be delivered before anything else.
func (s *Store) BeginBatch(ctx context.Context, startSeq, endSeq uint64) (batch InFlightBatch, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.checkOpen(); err != nil {
		return InFlightBatch{}, err
	}

	cursor := s.Cursor()
	if cursor.InFlight != nil {
		return *cursor.InFlight, nil
	}
	if startSeq != cursor.AckedSeq+1 || endSeq < startSeq || endSeq > cursor.LastSeq {
		return InFlightBatch{}, fmt.Errorf("recordstore: batch [%d, %d] is not the next unacknowledged range (acked %d, last %d)",
			startSeq, endSeq, cursor.AckedSeq, cursor.LastSeq)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return InFlightBatch{}, fmt.Errorf("recordstore: begin batch: %w", err)
	}
	defer s.pool.Put(conn)

	batch = InFlightBatch{ClientSeq: cursor.NextClientSeq, StartSeq: startSeq, EndSeq: endSeq}
	err = sqlitex.Execute(conn,
		`UPDATE state SET next_client_seq = ?, inflight_client_seq = ?, inflight_start = ?, inflight_end = ? WHERE id = 0`,
		&sqlitex.ExecOptions{
			Args: []any{int64(batch.ClientSeq + 1), int64(batch.ClientSeq), int64(startSeq), int64(endSeq)},
		})
	if err != nil {
		return InFlightBatch{}, fmt.Errorf("recordstore: begin batch: %w", err)
	}

	s.stateMu.Lock()
	s.cursor.NextClientSeq = batch.ClientSeq + 1
	inflight := batch
	s.cursor.InFlight = &inflight
	s.stateMu.Unlock()
	return batch, nil
}

// CompleteBatch records the server's acknowledgement of the in-flight
// batch: the AckCursor moves to max(current, ackedSeq) and the
// in-flight slot is cleared. It returns the new AckCursor.
func (s *Store) CompleteBatch(ctx context.Context, clientSeq, ackedSeq uint64) (uint64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	cursor := s.Cursor()
	if cursor.InFlight == nil || cursor.InFlight.ClientSeq != clientSeq {
		return 0, fmt.Errorf("recordstore: client_seq %d is not in flight", clientSeq)
	}
	if ackedSeq > cursor.LastSeq {
		return 0, fmt.Errorf("%w: %d > %d", ErrAckBeyondLast, ackedSeq, cursor.LastSeq)
	}
	newAcked := max(cursor.AckedSeq, ackedSeq)

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("recordstore: complete batch: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE state SET acked_seq = ?, inflight_client_seq = NULL, inflight_start = NULL, inflight_end = NULL WHERE id = 0`,
		&sqlitex.ExecOptions{Args: []any{int64(newAcked)}})
	if err != nil {
		return 0, fmt.Errorf("recordstore: complete batch: %w", err)
	}

	s.stateMu.Lock()
	s.cursor.AckedSeq = newAcked
	s.cursor.InFlight = nil
	s.stateMu.Unlock()
	return newAcked, nil
}

// SaveTask stores the task's metadata alongside its records.
func (s *Store) SaveTask(ctx context.Context, task schema.Task) error {
	data, err := codec.Marshal(task)
	if err != nil {
		return fmt.Errorf("recordstore: encoding task: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("recordstore: save task: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, "INSERT OR REPLACE INTO task (id, data) VALUES (0, ?)", &sqlitex.ExecOptions{
		Args: []any{data},
	}); err != nil {
		return fmt.Errorf("recordstore: save task: %w", err)
	}
	return nil
}

// Task returns the stored task metadata. ok is false if none was
// saved yet.
func (s *Store) Task(ctx context.Context) (task schema.Task, ok bool, err error) {
	if err := s.checkOpen(); err != nil {
		return task, false, err
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return task, false, fmt.Errorf("recordstore: load task: %w", err)
	}
	defer s.pool.Put(conn)

	data, err := readTaskBlob(conn)
	if err != nil || data == nil {
		return task, false, err
	}
	if err := codec.Unmarshal(data, &task); err != nil {
		return task, false, fmt.Errorf("recordstore: decoding task: %w", err)
	}
	return task, true, nil
}

// Close releases the database and the ownership lock.
func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		return nil
	}
	s.closed = true
	s.stateMu.Unlock()

	poolErr := s.pool.Close()
	lockErr := s.lock.release(false)
	return errors.Join(poolErr, lockErr)
}

func (s *Store) checkOpen() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// initialize creates the schema and reads the cursor. It runs once,
// under the lock, so readers that open the database later never write.
func (s *Store) initialize(ctx context.Context) (Cursor, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Cursor{}, err
	}
	defer s.pool.Put(conn)
	if err := sqlitex.ExecuteScript(conn, schemaSQL, nil); err != nil {
		return Cursor{}, fmt.Errorf("creating schema: %w", err)
	}
	return readCursor(conn)
}

func readCursor(conn *sqlite.Conn) (Cursor, error) {
	var cursor Cursor
	err := sqlitex.Execute(conn,
		`SELECT acked_seq, last_seq, next_client_seq, inflight_client_seq, inflight_start, inflight_end FROM state WHERE id = 0`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				cursor.AckedSeq = uint64(stmt.ColumnInt64(0))
				cursor.LastSeq = uint64(stmt.ColumnInt64(1))
				cursor.NextClientSeq = uint64(stmt.ColumnInt64(2))
				if !stmt.ColumnIsNull(3) {
					cursor.InFlight = &InFlightBatch{
						ClientSeq: uint64(stmt.ColumnInt64(3)),
						StartSeq:  uint64(stmt.ColumnInt64(4)),
						EndSeq:    uint64(stmt.ColumnInt64(5)),
					}
				}
				return nil
			},
		})
	return cursor, err
}

func readTaskBlob(conn *sqlite.Conn) ([]byte, error) {
	var data []byte
	err := sqlitex.Execute(conn, "SELECT data FROM task WHERE id = 0", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			data = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, data)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("recordstore: load task: %w", err)
	}
	return data, nil
}
