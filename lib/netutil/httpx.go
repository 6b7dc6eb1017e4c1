// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil bounds how much of an HTTP response lw will read,
// and classifies the errors of a peer that hung up.
//
// The server's answers (batch acks, health checks, error bodies) are a
// few hundred bytes. Every body read goes through these helpers so a
// misbehaving proxy returning an HTML page or an endless stream cannot
// grow memory inside the upload loop.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// MaxResponseSize caps response body reads at 1 MiB.
const MaxResponseSize int64 = 1 << 20

// maxErrorBody caps the part of an error body kept for messages.
const maxErrorBody = 512

// ReadResponse reads a response body up to MaxResponseSize bytes.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads a JSON response body (up to MaxResponseSize
// bytes) into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := ReadResponse(body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding response body: %w", err)
	}
	return nil
}

// ErrorBody returns the start of an error response body, trimmed for
// inclusion in an error message. Read errors yield what was read.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, maxErrorBody+1))
	text := strings.TrimSpace(string(data))
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody] + "..."
	}
	return text
}
