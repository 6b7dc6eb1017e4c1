// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/logwatch/logwatch/lib/clock"
)

// Registry owns one Breaker per destination. Every uploader in the
// process receives the same Registry, so failures seen by one task
// protect all tasks talking to that server.
type Registry struct {
	config Config
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry returns an empty registry whose breakers share config.
func NewRegistry(config Config, clk clock.Clock, logger *slog.Logger) *Registry {
	return &Registry{
		config:   config,
		clock:    clk,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for endpoint, creating it on first use.
// Endpoints are keyed by scheme and host, so every path on one server
// shares a breaker.
func (r *Registry) For(endpoint string) *Breaker {
	key := destinationKey(endpoint)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.breakers[key]; ok {
		return existing
	}
	created := New(key, r.config, r.clock, r.logger)
	r.breakers[key] = created
	return created
}

func destinationKey(endpoint string) string {
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Host == "" {
		return strings.TrimRight(endpoint, "/")
	}
	return strings.ToLower(parsed.Scheme + "://" + parsed.Host)
}
