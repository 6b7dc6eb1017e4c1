// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"sync"
	"time"
)

// chunk is one read from the PTY with the time it was read.
type chunk struct {
	data       []byte
	capturedAt time.Time
}

// chunkQueue is a FIFO of output chunks between the PTY reader and one
// sink. Each sink has its own queue so neither can stall the other or
// the reader.
//
// With a positive maxSize the queue is bounded: a push that would
// exceed it drops the oldest chunks first. The terminal echo uses this
// so a stalled terminal loses old output rather than memory. With
// maxSize 0 the queue is unbounded; the store sink uses this because
// every byte must reach disk.
type chunkQueue struct {
	mu        sync.Mutex
	entries   []chunk
	totalSize int
	maxSize   int
	dropped   uint64
	closed    bool
	notify    chan struct{}
}

func newChunkQueue(maxSize int) *chunkQueue {
	return &chunkQueue{
		maxSize: maxSize,
		notify:  make(chan struct{}, 1),
	}
}

// push appends a chunk. Pushes after close are discarded.
func (q *chunkQueue) push(entry chunk) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(entry.data) == 0 {
		return
	}

	if q.maxSize > 0 {
		if excess := len(entry.data) - q.maxSize; excess > 0 {
			entry.data = entry.data[excess:]
			q.dropped += uint64(excess)
		}
		for q.totalSize+len(entry.data) > q.maxSize && len(q.entries) > 0 {
			evicted := q.entries[0]
			q.entries[0] = chunk{}
			q.entries = q.entries[1:]
			q.totalSize -= len(evicted.data)
			q.dropped += uint64(len(evicted.data))
		}
	}

	q.entries = append(q.entries, entry)
	q.totalSize += len(entry.data)
	q.signal()
}

// take removes and returns every queued chunk. done is true once the
// queue is closed and empty: the consumer should return.
func (q *chunkQueue) take() (entries []chunk, done bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries = q.entries
	q.entries = nil
	q.totalSize = 0
	return entries, q.closed && len(entries) == 0
}

func (q *chunkQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.signal()
}

// droppedBytes returns the bytes discarded by the size bound.
func (q *chunkQueue) droppedBytes() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *chunkQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// drain runs consume on every batch of chunks until the queue is
// closed and empty.
func (q *chunkQueue) drain(consume func([]chunk)) {
	for {
		entries, done := q.take()
		if done {
			return
		}
		if len(entries) == 0 {
			<-q.notify
			continue
		}
		consume(entries)
	}
}
