// Copyright 2026 The Logwatch Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/logwatch/logwatch/lib/netutil"
	"github.com/logwatch/logwatch/lib/schema"
	"github.com/logwatch/logwatch/lib/version"
)

// Server endpoints, relative to Config.BaseURL.
const (
	PathBatch     = "/api/log"
	PathHeartbeat = "/api/heartbeat"
	PathEvent     = "/api/event"
	PathHealth    = "/api/health"
)

// HeaderUser carries the user identifier on every request.
const HeaderUser = "X-LW-User"

// Config holds the parameters for a server Client.
type Config struct {
	// BaseURL is the server root, e.g. "https://logs.example.com".
	// Required; http and https are accepted.
	BaseURL string

	// UserID and Token are attached to every request.
	UserID string
	Token  string

	// HTTPClient defaults to a client with no overall timeout;
	// per-request deadlines come from Timeout.
	HTTPClient *http.Client

	// Timeout bounds each request. Defaults to 10 seconds.
	Timeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client talks to the logwatch server's HTTP API. Safe for concurrent
// use.
type Client struct {
	baseURL    string
	userID     string
	token      string
	httpClient *http.Client
	timeout    time.Duration
	userAgent  string
	logger     *slog.Logger
}

// NewClient validates config and returns a Client.
func NewClient(config Config) (*Client, error) {
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("transport: BaseURL is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid BaseURL %q: %w", baseURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("transport: BaseURL must be http or https (got %q)", baseURL)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("transport: BaseURL %q has no host", baseURL)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    baseURL,
		userID:     config.UserID,
		token:      config.Token,
		httpClient: httpClient,
		timeout:    timeout,
		userAgent:  "lw/" + version.Short(),
		logger:     logger,
	}, nil
}

// Endpoint returns the server base URL. Circuit breakers are keyed by
// it.
func (client *Client) Endpoint() string { return client.baseURL }

// SubmitBatch posts one batch and returns the server's
// acknowledgement. An acknowledgement beyond the batch's EndSeq is a
// ProtocolError.
func (client *Client) SubmitBatch(ctx context.Context, batch *schema.BatchRequest) (*schema.BatchAck, error) {
	body, err := client.do(ctx, http.MethodPost, PathBatch, batch, client.timeout)
	if err != nil {
		return nil, err
	}

	var ack schema.BatchAck
	if err := json.Unmarshal(body, &ack); err != nil {
		return nil, &ProtocolError{Path: PathBatch, Reason: "undecodable acknowledgement", Err: err}
	}
	if ack.AckedSeq > batch.EndSeq {
		return nil, &ProtocolError{
			Path:   PathBatch,
			Reason: fmt.Sprintf("acknowledged seq %d beyond batch end %d", ack.AckedSeq, batch.EndSeq),
		}
	}
	return &ack, nil
}

// SendHeartbeat posts one heartbeat. The response body is ignored.
func (client *Client) SendHeartbeat(ctx context.Context, heartbeat schema.Heartbeat) error {
	_, err := client.do(ctx, http.MethodPost, PathHeartbeat, heartbeat, client.timeout)
	return err
}

// SendEvent posts a task lifecycle event.
func (client *Client) SendEvent(ctx context.Context, event schema.Event) error {
	_, err := client.do(ctx, http.MethodPost, PathEvent, event, client.timeout)
	return err
}

// CheckHealth asks the server whether it is reachable and accepts the
// credentials. timeout overrides the client's request timeout when
// positive; the startup check uses a short one.
func (client *Client) CheckHealth(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = client.timeout
	}
	_, err := client.do(ctx, http.MethodGet, PathHealth, nil, timeout)
	return err
}

// do sends an authenticated JSON request and returns the body of a
// 2xx response. Non-2xx responses become *APIError.
func (client *Client) do(ctx context.Context, method, path string, requestBody any, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("transport: encoding %s request: %w", path, err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("transport: building %s request: %w", path, err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set("User-Agent", client.userAgent)
	if client.userID != "" {
		request.Header.Set(HeaderUser, client.userID)
	}
	if client.token != "" {
		request.Header.Set("Authorization", "Bearer "+client.token)
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("transport: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		apiError := &APIError{
			Path:       path,
			StatusCode: response.StatusCode,
			Message:    errorMessage(netutil.ErrorBody(response.Body)),
		}
		client.logger.Debug("server returned error",
			"path", path,
			"status", response.StatusCode,
			"message", apiError.Message,
		)
		return nil, apiError
	}

	body, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: reading %s response: %w", path, err)
	}
	return body, nil
}

// errorMessage extracts the "error" or "message" field of a JSON error
// body, falling back to the raw text.
func errorMessage(body string) string {
	var structured struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal([]byte(body), &structured) == nil {
		for _, candidate := range []string{structured.Error, structured.Message, structured.Detail} {
			if candidate != "" {
				return candidate
			}
		}
	}
	return body
}
