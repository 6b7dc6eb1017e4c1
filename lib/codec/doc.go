// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the CBOR configuration shared by everything lw
// writes in binary form.
//
// Two formats, one boundary:
//
//   - JSON for the server's HTTP API envelopes and `lw tasks --json`.
//   - CBOR for the task metadata kept inside each local queue store and
//     for the record list carried in a batch payload.
//
// A `cbor` struct tag marks a type that is only ever CBOR. A `json`
// tag is read by fxamacker/cbor as a fallback, so types that appear in
// both formats carry only `json` tags.
package codec
