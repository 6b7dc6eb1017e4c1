// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package recordstore is the durable local queue between output
// capture and upload.
//
// Each task gets its own SQLite database under the queue directory
// (<dir>/<task_id>.db) holding three things:
//
//   - records: the captured output chunks, keyed by a per-task seq
//     that starts at 1 and has no gaps. [Store.Append] assigns the seq
//     in the same immediate transaction as the insert, with
//     synchronous=FULL, so a returned seq is on disk.
//   - state: the AckCursor, the last assigned seq, the next
//     client_seq, and the in-flight batch descriptor. The uploader
//     persists a batch with [Store.BeginBatch] before sending it and
//     clears it with [Store.CompleteBatch] on acknowledgement, so a
//     restart resumes with the identical client_seq and range.
//   - task: the CBOR-encoded [schema.Task].
//
// Records at or below the AckCursor may be removed with [Store.Prune];
// nothing above it ever is. Bounding disk use regardless of upload
// progress is the job of [Sweep], which deletes whole stores by age
// and count and never touches one that a running process has locked.
package recordstore
