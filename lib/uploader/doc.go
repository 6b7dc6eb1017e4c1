// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package uploader drains a task's [recordstore.Store] to the logwatch
// server.
//
// Batches are contiguous seq ranges, formed when enough records are
// pending or the batch window elapses. Each batch is persisted as the
// store's in-flight batch before it is sent, so its client_seq and
// range survive a restart, and the server can deduplicate a batch
// whose acknowledgement was lost. Batches are never pipelined: the
// next one is formed only after the current one is acknowledged.
//
// Every attempt is gated by the endpoint's [breaker.Breaker]. Failed
// attempts back off exponentially up to a bounded retry count, after
// which the batch stays queued and is tried again later. Credential
// rejections and task deletion stop the uploader; see [State].
package uploader
