// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package provider implements the thin OpenAI-compatible HTTP client bound to
// one backend node. The cluster manager creates one client per discovered
// node; the gateway uses it for chat completions and model listings.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/infergate/infergate/internal/apischema/openai"
)

// Error is an upstream HTTP failure with enough detail for the wire-error
// taxonomy. The body message is preserved; credentials never are.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Message)
}

// IsAuth reports whether the upstream rejected credentials.
func (e *Error) IsAuth() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Client is an OpenAI-compatible chat-completions client for one base URL.
// Safe for concurrent use.
type Client struct {
	baseURL         string
	apiKey          string
	normalizeSystem bool
	hc              *http.Client
	logger          *slog.Logger
}

// New validates the base URL and builds a client. The transport carries
// per-phase timeouts but no overall deadline: streaming responses are
// long-lived and cancellation comes from the request context.
func New(baseURL, apiKey string, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", baseURL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		logger:  logger,
		hc: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 60 * time.Second,
				MaxIdleConnsPerHost:   16,
				IdleConnTimeout:       90 * time.Second,
			},
		},
	}, nil
}

// BaseURL returns the node's base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// SetNormalizeSystem makes outbound requests collapse whitespace runs in the
// system message, for backends whose JSON parsers reject embedded newlines.
// User and assistant content is never altered. Must be called before the
// client is shared.
func (c *Client) SetNormalizeSystem(enabled bool) { c.normalizeSystem = enabled }

// normalizeSystemInPayload rewrites the system message content of an encoded
// chat completions request, collapsing whitespace in place. A payload without
// a system message is returned unchanged.
func normalizeSystemInPayload(raw []byte) []byte {
	messages := gjson.GetBytes(raw, "messages")
	if !messages.IsArray() {
		return raw
	}
	out := raw
	for i, m := range messages.Array() {
		if m.Get("role").String() != openai.ChatMessageRoleSystem {
			continue
		}
		content := m.Get("content")
		if content.Type != gjson.String {
			continue
		}
		normalized := strings.Join(strings.Fields(content.String()), " ")
		if normalized == content.String() {
			continue
		}
		if updated, err := sjson.SetBytes(out, fmt.Sprintf("messages.%d.content", i), normalized); err == nil {
			out = updated
		}
	}
	return out
}

func (c *Client) marshalRequest(in *openai.ChatCompletionRequest) ([]byte, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if c.normalizeSystem {
		payload = normalizeSystemInPayload(payload)
	}
	return payload, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

// upstreamError drains the body into an *Error without echoing credentials.
func upstreamError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	msg := strings.TrimSpace(string(body))
	var envelope openai.ErrorResponse
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		msg = envelope.Error.Message
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &Error{StatusCode: resp.StatusCode, Message: msg}
}

// ChatCompletion issues a non-streaming completion.
func (c *Client) ChatCompletion(ctx context.Context, in *openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error) {
	payload, err := c.marshalRequest(in)
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request to %s: %w", c.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, upstreamError(resp)
	}
	var out openai.ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", c.baseURL, err)
	}
	return &out, nil
}

// ChatCompletionStream issues a streaming completion and returns the raw SSE
// body. The caller owns the body and must close it; cancellation of ctx
// terminates the stream.
func (c *Client) ChatCompletionStream(ctx context.Context, in *openai.ChatCompletionRequest) (io.ReadCloser, error) {
	payload, err := c.marshalRequest(in)
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request to %s: %w", c.baseURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, upstreamError(resp)
	}
	return resp.Body, nil
}

// ListModels fetches the backend's model list.
func (c *Client) ListModels(ctx context.Context) ([]openai.Model, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request to %s: %w", c.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, upstreamError(resp)
	}
	var out openai.ModelList
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", c.baseURL, err)
	}
	return out.Data, nil
}

// Healthcheck probes the backend's model list within the given timeout.
func (c *Client) Healthcheck(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := c.ListModels(ctx)
	return err
}
