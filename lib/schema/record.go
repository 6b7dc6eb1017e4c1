// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "time"

// LogRecord is one durably stored chunk of captured output.
//
// Payload is raw PTY bytes. It may end mid-line or mid-escape-sequence
// and may hold several lines; consumers reassemble the stream by Seq.
type LogRecord struct {
	TaskID string `json:"task_id"`

	// Seq is assigned by the record store at write time. Per task it
	// starts at 1 and has no gaps.
	Seq uint64 `json:"seq"`

	CapturedAt time.Time `json:"captured_at"`

	Payload []byte `json:"payload"`
}

// PayloadRecord is the form a LogRecord takes inside a batch payload.
// The task ID lives on the envelope, not on every record.
type PayloadRecord struct {
	Seq uint64 `cbor:"seq"`

	// Timestamp is the capture time as Unix nanoseconds.
	Timestamp int64 `cbor:"ts"`

	Data []byte `cbor:"data"`
}
