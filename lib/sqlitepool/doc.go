// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens small WAL-mode SQLite connection pools.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool and applies the same
// pragmas to every connection:
//
//   - journal_mode=WAL: one writer, concurrent readers. Appends from
//     the capture path never block the uploader's range reads.
//   - synchronous=NORMAL or FULL, per [Config.Synchronous]. The record
//     store uses FULL so an acknowledged append is on disk.
//   - busy_timeout=5000, foreign_keys=OFF, temp_store=MEMORY.
//
// Callers write SQL directly with sqlitex.Execute and manage
// transactions with sqlitex.ImmediateTransaction.
package sqlitepool
