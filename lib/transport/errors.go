// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	// Path is the request path, e.g. "/api/log".
	Path string

	StatusCode int

	// Message is the server's error text, trimmed.
	Message string
}

func (err *APIError) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("logwatch server: %s: HTTP %d", err.Path, err.StatusCode)
	}
	return fmt.Sprintf("logwatch server: %s: HTTP %d: %s", err.Path, err.StatusCode, err.Message)
}

// ProtocolError is a 2xx response the client could not make sense of:
// an undecodable body, or an acknowledgement outside the batch.
type ProtocolError struct {
	Path   string
	Reason string
	Err    error
}

func (err *ProtocolError) Error() string {
	if err.Err != nil {
		return fmt.Sprintf("logwatch server: %s: protocol error: %s: %v", err.Path, err.Reason, err.Err)
	}
	return fmt.Sprintf("logwatch server: %s: protocol error: %s", err.Path, err.Reason)
}

func (err *ProtocolError) Unwrap() error { return err.Err }

// IsAuth reports whether the server rejected the credentials. Auth
// failures are not retried: the token will not get better on its own.
func IsAuth(err error) bool {
	var apiError *APIError
	return errors.As(err, &apiError) &&
		(apiError.StatusCode == http.StatusUnauthorized || apiError.StatusCode == http.StatusForbidden)
}

// IsTaskDeleted reports whether the server says the task no longer
// exists (HTTP 410). Uploads for the task stop.
func IsTaskDeleted(err error) bool {
	var apiError *APIError
	return errors.As(err, &apiError) && apiError.StatusCode == http.StatusGone
}

// IsTransient reports whether err is a failure that may succeed on
// retry: network errors, timeouts, 408, 429, and 5xx.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiError *APIError
	if errors.As(err, &apiError) {
		switch {
		case apiError.StatusCode == http.StatusRequestTimeout,
			apiError.StatusCode == http.StatusTooManyRequests,
			apiError.StatusCode >= 500:
			return true
		}
		return false
	}
	var protocolError *ProtocolError
	if errors.As(err, &protocolError) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netError net.Error
	return errors.As(err, &netError)
}

// IsProtocol reports whether err is an unexpected server answer:
// a non-2xx status that is neither auth, deletion, nor transient, or
// a malformed 2xx body. These count as failures for the breaker but
// are logged separately.
func IsProtocol(err error) bool {
	var protocolError *ProtocolError
	if errors.As(err, &protocolError) {
		return true
	}
	var apiError *APIError
	if errors.As(err, &apiError) {
		return !IsAuth(err) && !IsTaskDeleted(err) && !IsTransient(err)
	}
	return false
}

// Kind names the class of err for log attributes.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case IsAuth(err):
		return "auth"
	case IsTaskDeleted(err):
		return "task_deleted"
	case IsProtocol(err):
		return "protocol"
	case IsTransient(err):
		return "transient"
	default:
		return "network"
	}
}
