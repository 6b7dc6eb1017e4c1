// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package version carries build metadata injected with -ldflags:
//
//	go build -ldflags "-X github.com/logwatch/logwatch/lib/version.GitCommit=$(git rev-parse --short HEAD)" ./cmd/lw
//
// Unset values default to "unknown" and "0.1.0-dev", which is what
// tests and development builds see.
package version
