// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package provider

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/infergate/infergate/internal/apischema/openai"
)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestNewValidatesBaseURL(t *testing.T) {
	for _, bad := range []string{"", "not a url", "ftp://host", "http://"} {
		_, err := New(bad, "", testLogger())
		require.Error(t, err, "url %q", bad)
	}
	c, err := New("http://localhost:8000/", "", testLogger())
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8000", c.BaseURL())
}

func TestChatCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "llama-3.1-8b", req.Model)

		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			ID:    "chatcmpl-1",
			Model: req.Model,
			Choices: []openai.ChatCompletionChoice{{
				Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: openai.MessageContent{Text: "hi"}},
				FinishReason: openai.FinishReasonStop,
			}},
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL, "sk-test", testLogger())
	require.NoError(t, err)

	out, err := c.ChatCompletion(t.Context(), &openai.ChatCompletionRequest{Model: "llama-3.1-8b"})
	require.NoError(t, err)
	require.Equal(t, "chatcmpl-1", out.ID)
	require.Equal(t, "hi", out.Choices[0].Message.Content.Text)
}

func TestChatCompletionNormalizesSystem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Contains(t, string(raw), `"content":"line one line two"`)
		require.Contains(t, string(raw), "keep\\nuser\\nnewlines", "user content must not be altered")
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{ID: "chatcmpl-1"})
	}))
	defer srv.Close()

	c, err := New(srv.URL, "", testLogger())
	require.NoError(t, err)
	c.SetNormalizeSystem(true)

	_, err = c.ChatCompletion(t.Context(), &openai.ChatCompletionRequest{
		Model: "m",
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: openai.MessageContent{Text: "line one\n\nline   two"}},
			{Role: openai.ChatMessageRoleUser, Content: openai.MessageContent{Text: "keep\nuser\nnewlines"}},
		},
	})
	require.NoError(t, err)
}

func TestNormalizeSystemInPayload(t *testing.T) {
	payload := []byte(`{"model":"m","messages":[` +
		`{"role":"system","content":"line one\nline  two"},` +
		`{"role":"user","content":"keep\nthis"}]}`)
	out := normalizeSystemInPayload(payload)
	require.Contains(t, string(out), `"content":"line one line two"`)
	require.Contains(t, string(out), `"content":"keep\nthis"`)

	// No system message: unchanged.
	plain := []byte(`{"messages":[{"role":"user","content":"a\nb"}]}`)
	require.Equal(t, plain, normalizeSystemInPayload(plain))
}

func TestChatCompletionUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, "bad", testLogger())
	require.NoError(t, err)

	_, err = c.ChatCompletion(t.Context(), &openai.ChatCompletionRequest{Model: "m"})
	var ue *Error
	require.ErrorAs(t, err, &ue)
	require.Equal(t, http.StatusUnauthorized, ue.StatusCode)
	require.Equal(t, "invalid api key", ue.Message)
	require.True(t, ue.IsAuth())
}

func TestChatCompletionStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"id\":\"c\"}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	c, err := New(srv.URL, "", testLogger())
	require.NoError(t, err)

	body, err := c.ChatCompletionStream(t.Context(), &openai.ChatCompletionRequest{Model: "m", Stream: true})
	require.NoError(t, err)
	defer func() { _ = body.Close() }()

	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Contains(t, string(raw), "data: [DONE]")
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/models", r.URL.Path)
		_ = json.NewEncoder(w).Encode(openai.ModelList{
			Object: "list",
			Data:   []openai.Model{{ID: "llama-3.1-8b", Object: "model"}},
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL, "", testLogger())
	require.NoError(t, err)

	models, err := c.ListModels(t.Context())
	require.NoError(t, err)
	require.Len(t, models, 1)
	require.Equal(t, "llama-3.1-8b", models[0].ID)
}

func TestHealthcheckTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	c, err := New(srv.URL, "", testLogger())
	require.NoError(t, err)

	start := time.Now()
	err = c.Healthcheck(t.Context(), 50*time.Millisecond)
	require.Error(t, err)
	require.Less(t, time.Since(start), time.Second)
}
