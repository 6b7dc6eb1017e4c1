// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
)

// DefaultTailSize is the output retained in memory for the completion
// summary and notifications.
const DefaultTailSize = 64 * 1024

// tailRing keeps the most recent output bytes in a fixed-size circular
// buffer. Safe for concurrent use.
type tailRing struct {
	mutex         sync.Mutex
	data          []byte
	capacity      int
	writePosition int
	totalWritten  uint64
}

func newTailRing(capacity int) *tailRing {
	return &tailRing{data: make([]byte, capacity), capacity: capacity}
}

// Write appends bytes, overwriting the oldest when full.
func (ring *tailRing) Write(data []byte) {
	ring.mutex.Lock()
	defer ring.mutex.Unlock()

	if len(data) > ring.capacity {
		ring.totalWritten += uint64(len(data) - ring.capacity)
		data = data[len(data)-ring.capacity:]
	}
	for offset := 0; offset < len(data); {
		copyLength := min(len(data)-offset, ring.capacity-ring.writePosition)
		copy(ring.data[ring.writePosition:], data[offset:offset+copyLength])
		ring.writePosition = (ring.writePosition + copyLength) % ring.capacity
		offset += copyLength
	}
	ring.totalWritten += uint64(len(data))
}

// Bytes returns the retained output, oldest first.
func (ring *tailRing) Bytes() []byte {
	ring.mutex.Lock()
	defer ring.mutex.Unlock()

	stored := int(min(ring.totalWritten, uint64(ring.capacity)))
	result := make([]byte, stored)
	start := (ring.writePosition - stored + ring.capacity) % ring.capacity
	first := copy(result, ring.data[start:min(start+stored, ring.capacity)])
	copy(result[first:], ring.data[:stored-first])
	return result
}

// TailLines returns the last n lines of terminal output as plain text:
// escape sequences are stripped, and a line redrawn with carriage
// returns (progress bars) keeps only its final state. Trailing blank
// lines are dropped.
func TailLines(output []byte, n int) []string {
	if n <= 0 || len(output) == 0 {
		return nil
	}
	text := ansi.Strip(string(output))
	text = strings.ReplaceAll(text, "\r\n", "\n")

	raw := strings.Split(text, "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		if index := strings.LastIndexByte(strings.TrimRight(line, "\r"), '\r'); index >= 0 {
			line = line[index+1:]
		}
		lines = append(lines, strings.TrimRight(line, "\r"))
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
