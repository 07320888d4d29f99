package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const defaultBridgeTimeout = 15 * time.Second

// HTTPBridgeConfig configures the HTTP bridge adapter.
type HTTPBridgeConfig struct {
	// BaseURL of the engine bridge (e.g., "http://turbozap:8080").
	BaseURL string
	// Token is sent as a bearer token when set.
	Token   string
	Timeout time.Duration
}

// HTTPBridge sends messages to an engine bridge over HTTP:
// POST {BaseURL}/instances/{instanceID}/messages with the Message as JSON.
// A 2xx response carries a Result; 4xx is a rejected send; 5xx and network
// errors are transport failures.
type HTTPBridge struct {
	config HTTPBridgeConfig
	client *http.Client
}

func NewHTTPBridge(cfg HTTPBridgeConfig) *HTTPBridge {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBridgeTimeout
	}
	return &HTTPBridge{config: cfg, client: &http.Client{Timeout: timeout}}
}

func (b *HTTPBridge) Send(ctx context.Context, msg Message) (Result, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return Result{}, fmt.Errorf("transport: marshal: %w", err)
	}

	endpoint := b.config.BaseURL + "/instances/" + url.PathEscape(msg.InstanceID) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("transport: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.JobID)
	if b.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.config.Token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("transport: bridge unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("transport: read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return Result{}, fmt.Errorf("transport: bridge HTTP %d", resp.StatusCode)
	}

	var res Result
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &res); err != nil {
			return Result{}, fmt.Errorf("transport: parse response: %w", err)
		}
	}
	if resp.StatusCode >= 400 {
		res.Success = false
		if res.Error == "" {
			res.Error = fmt.Sprintf("bridge rejected send: HTTP %d", resp.StatusCode)
		}
	}
	return res, nil
}
