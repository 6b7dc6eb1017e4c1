// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package schema

// Payload encodings and compression names carried in BatchRequest.
const (
	EncodingCBOR = "cbor"

	CompressionNone = "none"
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
)

// BatchRequest is the body of POST /api/log: a contiguous range of
// records for one task.
//
// ClientSeq is scoped per task and assigned by the uploader. A server
// that already applied a ClientSeq answers with the same BatchAck
// without applying the data again.
type BatchRequest struct {
	TaskID    string `json:"task_id"`
	ClientSeq uint64 `json:"client_seq"`
	StartSeq  uint64 `json:"start_seq"`
	EndSeq    uint64 `json:"end_seq"`

	RecordCount int `json:"record_count"`

	Compressed  bool   `json:"compressed"`
	Compression string `json:"compression"`
	Encoding    string `json:"encoding"`

	// Checksum is the hex BLAKE3 digest of the uncompressed payload.
	Checksum string `json:"checksum"`

	// Payload is a CBOR array of PayloadRecord, compressed when
	// Compressed is set. encoding/json carries it as base64.
	Payload []byte `json:"payload"`
}

// BatchAck is the server's answer to a BatchRequest.
type BatchAck struct {
	// AckedSeq is the highest seq the server has durably accepted for
	// the task.
	AckedSeq uint64 `json:"acked_seq"`

	// Duplicate is set when the ClientSeq had already been applied.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Heartbeat is the body of POST /api/heartbeat.
type Heartbeat struct {
	TaskID    string `json:"task_id"`
	Machine   string `json:"machine"`
	Timestamp int64  `json:"timestamp"`
}

// EventKind names a task lifecycle event.
type EventKind string

const (
	EventStart    EventKind = "start"
	EventFinished EventKind = "finished"
)

// Event is the body of POST /api/event.
type Event struct {
	TaskID  string    `json:"task_id"`
	Event   EventKind `json:"event"`
	Name    string    `json:"name"`
	Machine string    `json:"machine"`
	UserID  string    `json:"user_id"`
	Command string    `json:"command,omitempty"`

	// Status is set on EventFinished.
	Status TaskStatus `json:"status,omitempty"`

	ExitCode   *int  `json:"exit_code,omitempty"`
	DurationMS int64 `json:"duration_ms,omitempty"`

	// HeartbeatIntervalSeconds tells the server how long to wait
	// before considering the task lost. Set on EventStart.
	HeartbeatIntervalSeconds int `json:"heartbeat_interval_s,omitempty"`

	Timestamp int64 `json:"timestamp"`
}
