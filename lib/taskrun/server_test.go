// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package taskrun

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/logwatch/logwatch/lib/schema"
	"github.com/logwatch/logwatch/lib/transport"
	"github.com/logwatch/logwatch/lib/uploader"
)

// logServer is an in-memory logwatch server: it applies each batch
// once, keeps the reassembled output per task, and records events.
type logServer struct {
	t *testing.T

	mu         sync.Mutex
	output     map[string]*bytes.Buffer
	acked      map[string]uint64
	applied    map[string]map[uint64]uint64
	events     []schema.Event
	heartbeats int

	// stalled, when set, holds every event request until closed.
	stalled chan struct{}
}

func newLogServer(t *testing.T) (*logServer, *httptest.Server) {
	server := &logServer{
		t:       t,
		output:  make(map[string]*bytes.Buffer),
		acked:   make(map[string]uint64),
		applied: make(map[string]map[uint64]uint64),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+transport.PathHealth, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST "+transport.PathHeartbeat, func(w http.ResponseWriter, r *http.Request) {
		server.mu.Lock()
		server.heartbeats++
		server.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST "+transport.PathEvent, func(w http.ResponseWriter, r *http.Request) {
		server.mu.Lock()
		stalled := server.stalled
		server.mu.Unlock()
		if stalled != nil {
			select {
			case <-stalled:
			case <-r.Context().Done():
				return
			}
		}
		var event schema.Event
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		server.mu.Lock()
		server.events = append(server.events, event)
		server.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST "+transport.PathBatch, server.handleBatch)

	httpServer := httptest.NewServer(mux)
	t.Cleanup(httpServer.Close)
	return server, httpServer
}

func (s *logServer) handleBatch(w http.ResponseWriter, r *http.Request) {
	var request schema.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	records, err := uploader.DecodePayload(&request)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	seen := s.applied[request.TaskID]
	if seen == nil {
		seen = make(map[uint64]uint64)
		s.applied[request.TaskID] = seen
	}
	if ack, ok := seen[request.ClientSeq]; ok {
		json.NewEncoder(w).Encode(schema.BatchAck{AckedSeq: ack, Duplicate: true})
		return
	}
	if request.StartSeq != s.acked[request.TaskID]+1 {
		s.t.Errorf("batch %d starts at %d, server acked %d", request.ClientSeq, request.StartSeq, s.acked[request.TaskID])
	}
	buffer := s.output[request.TaskID]
	if buffer == nil {
		buffer = &bytes.Buffer{}
		s.output[request.TaskID] = buffer
	}
	for _, record := range records {
		buffer.Write(record.Data)
	}
	s.acked[request.TaskID] = request.EndSeq
	seen[request.ClientSeq] = request.EndSeq
	json.NewEncoder(w).Encode(schema.BatchAck{AckedSeq: request.EndSeq})
}

// stallEvents makes event requests hang until the test ends.
func (s *logServer) stallEvents() {
	stalled := make(chan struct{})
	s.mu.Lock()
	s.stalled = stalled
	s.mu.Unlock()
	s.t.Cleanup(func() { close(stalled) })
}

func (s *logServer) heartbeatCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeats
}

func (s *logServer) outputOf(taskID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if buffer := s.output[taskID]; buffer != nil {
		return buffer.String()
	}
	return ""
}

func (s *logServer) eventsOf(taskID string) []schema.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var events []schema.Event
	for _, event := range s.events {
		if event.TaskID == taskID {
			events = append(events, event)
		}
	}
	return events
}
