// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package breaker implements the per-destination circuit breaker that
// keeps a down server from turning every upload loop into a retry
// storm.
//
//	closed --(FailureThreshold failures)--> open
//	open --(OpenDuration elapsed)--> half-open
//	half-open --(trial succeeds)--> closed
//	half-open --(trial fails)--> open
//
// Callers ask [Breaker.Allow] before every network attempt and report
// the outcome with [Breaker.Success] or [Breaker.Failure]. Breakers
// are handed out by a [Registry] that the process creates once and
// passes to every uploader.
package breaker
