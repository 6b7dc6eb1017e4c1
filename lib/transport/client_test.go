// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/logwatch/logwatch/lib/schema"
)

func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	client, err := NewClient(Config{
		BaseURL:    server.URL,
		UserID:     "alice",
		Token:      "test-token",
		HTTPClient: server.Client(),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestNewClientValidation(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
	}{
		{name: "empty", baseURL: ""},
		{name: "bad scheme", baseURL: "ftp://logs.example.com"},
		{name: "no host", baseURL: "http://"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := NewClient(Config{BaseURL: test.baseURL}); err == nil {
				t.Fatalf("NewClient(%q) succeeded", test.baseURL)
			}
		})
	}

	client, err := NewClient(Config{BaseURL: "http://127.0.0.1:8000/"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if client.Endpoint() != "http://127.0.0.1:8000" {
		t.Errorf("Endpoint = %q, trailing slash not trimmed", client.Endpoint())
	}
}

func TestSubmitBatchSendsCredentialsAndDecodesAck(t *testing.T) {
	var received schema.BatchRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != PathBatch {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get(HeaderUser); got != "alice" {
			t.Errorf("%s = %q", HeaderUser, got)
		}
		if got := r.Header.Get("User-Agent"); !strings.HasPrefix(got, "lw/") {
			t.Errorf("User-Agent = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.Write([]byte(`{"acked_seq": 100, "duplicate": true}`))
	}))
	defer server.Close()

	client := newTestClient(t, server)
	ack, err := client.SubmitBatch(context.Background(), &schema.BatchRequest{
		TaskID:      "task-1",
		ClientSeq:   7,
		StartSeq:    1,
		EndSeq:      100,
		RecordCount: 100,
		Encoding:    schema.EncodingCBOR,
		Compression: schema.CompressionNone,
		Payload:     []byte{0x80, 0x01},
	})
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if ack.AckedSeq != 100 || !ack.Duplicate {
		t.Errorf("ack = %+v", ack)
	}
	if received.ClientSeq != 7 || received.TaskID != "task-1" || string(received.Payload) != "\x80\x01" {
		t.Errorf("server received %+v", received)
	}
}

func TestSubmitBatchRejectsAckBeyondBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"acked_seq": 500}`))
	}))
	defer server.Close()

	_, err := newTestClient(t, server).SubmitBatch(context.Background(), &schema.BatchRequest{StartSeq: 1, EndSeq: 10})
	if !IsProtocol(err) {
		t.Fatalf("error = %v, want protocol error", err)
	}
}

func TestSubmitBatchMalformedAck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>gateway</html>`))
	}))
	defer server.Close()

	_, err := newTestClient(t, server).SubmitBatch(context.Background(), &schema.BatchRequest{EndSeq: 1})
	var protocolError *ProtocolError
	if !errors.As(err, &protocolError) {
		t.Fatalf("error = %v, want *ProtocolError", err)
	}
	if Kind(err) != "protocol" {
		t.Errorf("Kind = %q", Kind(err))
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		body      string
		auth      bool
		deleted   bool
		transient bool
		protocol  bool
		message   string
	}{
		{status: 401, body: `{"error":"invalid token"}`, auth: true, message: "invalid token"},
		{status: 403, body: `{"message":"user disabled"}`, auth: true, message: "user disabled"},
		{status: 410, body: `{"detail":"task deleted"}`, deleted: true, message: "task deleted"},
		{status: 500, body: `boom`, transient: true, message: "boom"},
		{status: 503, transient: true},
		{status: 429, transient: true},
		{status: 408, transient: true},
		{status: 400, body: `bad batch`, protocol: true, message: "bad batch"},
		{status: 404, protocol: true},
		{status: 409, protocol: true},
	}
	for _, test := range tests {
		t.Run(http.StatusText(test.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(test.status)
				w.Write([]byte(test.body))
			}))
			defer server.Close()

			err := newTestClient(t, server).SendEvent(context.Background(), schema.Event{TaskID: "t"})
			var apiError *APIError
			if !errors.As(err, &apiError) {
				t.Fatalf("error = %v, want *APIError", err)
			}
			if apiError.StatusCode != test.status || apiError.Path != PathEvent {
				t.Errorf("APIError = %+v", apiError)
			}
			if apiError.Message != test.message {
				t.Errorf("Message = %q, want %q", apiError.Message, test.message)
			}
			if IsAuth(err) != test.auth {
				t.Errorf("IsAuth = %v", IsAuth(err))
			}
			if IsTaskDeleted(err) != test.deleted {
				t.Errorf("IsTaskDeleted = %v", IsTaskDeleted(err))
			}
			if IsTransient(err) != test.transient {
				t.Errorf("IsTransient = %v", IsTransient(err))
			}
			if IsProtocol(err) != test.protocol {
				t.Errorf("IsProtocol = %v", IsProtocol(err))
			}
		})
	}
}

func TestNetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client := newTestClient(t, server)
	server.Close()

	err := client.SendHeartbeat(context.Background(), schema.Heartbeat{TaskID: "t"})
	if err == nil {
		t.Fatal("expected error from closed server")
	}
	if !IsTransient(err) {
		t.Errorf("connection refused not transient: %v", err)
	}
	if IsAuth(err) || IsProtocol(err) {
		t.Errorf("connection refused misclassified: %s", Kind(err))
	}
}

func TestCheckHealthTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	err := newTestClient(t, server).CheckHealth(context.Background(), 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout")
	}
	if !IsTransient(err) {
		t.Errorf("timeout not transient: %v", err)
	}
}

func TestCheckHealthOK(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != PathHealth {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	if err := newTestClient(t, server).CheckHealth(context.Background(), 0); err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
}
