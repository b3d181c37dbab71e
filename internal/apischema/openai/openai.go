// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package openai holds the wire types for the OpenAI chat completions API
// spoken by every inference backend the gateway routes to.
//
// https://platform.openai.com/docs/api-reference/chat
package openai

import (
	"encoding/json"
	"fmt"
)

// Chat message roles.
const (
	ChatMessageRoleSystem    = "system"
	ChatMessageRoleDeveloper = "developer"
	ChatMessageRoleUser      = "user"
	ChatMessageRoleAssistant = "assistant"
	ChatMessageRoleTool      = "tool"
)

// ChatCompletionRequest represents a request to /v1/chat/completions.
type ChatCompletionRequest struct {
	// Model is the model to use for the completion.
	Model string `json:"model"`

	// Messages is the conversation so far.
	Messages []ChatCompletionMessage `json:"messages"`

	// MaxTokens caps the number of generated tokens. Deprecated upstream in
	// favor of max_completion_tokens, but every local server still honors it.
	MaxTokens *int `json:"max_tokens,omitempty"`

	// Temperature controls the randomness of the output.
	Temperature *float64 `json:"temperature,omitempty"`

	// TopP is the cumulative probability for nucleus sampling.
	TopP *float64 `json:"top_p,omitempty"`

	// Stop is the list of stop sequences.
	Stop []string `json:"stop,omitempty"`

	// Stream requests an SSE response.
	Stream bool `json:"stream,omitempty"`

	// StreamOptions tunes streaming behavior.
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`

	// Tools is the list of tools the model may call.
	Tools []Tool `json:"tools,omitempty"`

	// ToolChoice controls whether and which tool is called. Either the
	// strings "none"/"auto"/"required" or a ToolChoiceFunction object.
	ToolChoice json.RawMessage `json:"tool_choice,omitempty"`

	// ParallelToolCalls enables calling several tools in one turn.
	ParallelToolCalls *bool `json:"parallel_tool_calls,omitempty"`

	// User is an opaque end-user identifier.
	User string `json:"user,omitempty"`
}

// StreamOptions tunes streaming behavior of a chat completion request.
type StreamOptions struct {
	// IncludeUsage asks the backend to append a final usage-only chunk.
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// ChatCompletionMessage is a single message of the conversation.
type ChatCompletionMessage struct {
	// Role is one of the ChatMessageRole constants.
	Role string `json:"role"`

	// Content is either a plain string or an array of content parts.
	Content MessageContent `json:"content"`

	// Name is an optional participant name.
	Name string `json:"name,omitempty"`

	// ToolCalls is set on assistant messages that requested tool calls.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// MessageContent is the union of the two accepted message content shapes: a
// plain string or an array of typed parts.
type MessageContent struct {
	Text  string        // set iff the message carried a plain string
	Parts []ContentPart // set iff the message carried an array
}

func (m *MessageContent) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		m.Text = text
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err == nil {
		m.Parts = parts
		return nil
	}
	return fmt.Errorf("message content must be either string or array of parts")
}

func (m MessageContent) MarshalJSON() ([]byte, error) {
	if m.Parts != nil {
		return json.Marshal(m.Parts)
	}
	return json.Marshal(m.Text)
}

// Content part type discriminators.
const (
	ContentPartTypeText     = "text"
	ContentPartTypeImageURL = "image_url"
	ContentPartTypeFile     = "file"
)

// ContentPart is a single typed part of array-shaped message content.
type ContentPart struct {
	Type string `json:"type"`

	// Text is set for "text" parts.
	Text string `json:"text,omitempty"`

	// ImageURL is set for "image_url" parts. Data URIs are accepted.
	ImageURL *ImageURL `json:"image_url,omitempty"`

	// File is set for "file" parts (PDF input).
	File *FilePart `json:"file,omitempty"`
}

// ImageURL points at image content, either remote or a data URI.
type ImageURL struct {
	URL string `json:"url"`
	// Detail is "low", "high" or "auto".
	Detail string `json:"detail,omitempty"`
}

// FilePart carries inline file content for document input.
type FilePart struct {
	Filename string `json:"filename,omitempty"`
	// FileData is a data URI with the base64 document payload.
	FileData string `json:"file_data,omitempty"`
}

// Tool declares a function the model may call.
type Tool struct {
	// Type is always "function".
	Type string `json:"type"`
	// Function describes the callable.
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes one callable function.
type FunctionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Strict      *bool           `json:"strict,omitempty"`
}

// ToolChoiceFunction is the object form of tool_choice forcing one function.
type ToolChoiceFunction struct {
	Type     string `json:"type"`
	Function struct {
		Name string `json:"name"`
	} `json:"function"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	// Index orders streamed tool call fragments; absent in non-streaming
	// responses.
	Index *int `json:"index,omitempty"`
	// ID identifies the call so the client can answer it.
	ID string `json:"id,omitempty"`
	// Type is always "function".
	Type string `json:"type,omitempty"`
	// Function is the called function and its arguments.
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and its JSON-encoded arguments.
type FunctionCall struct {
	Name string `json:"name,omitempty"`
	// Arguments is a JSON document; streamed responses deliver it in
	// fragments that concatenate into valid JSON.
	Arguments string `json:"arguments"`
}

// Finish reasons reported by the backend.
const (
	FinishReasonStop          = "stop"
	FinishReasonLength        = "length"
	FinishReasonToolCalls     = "tool_calls"
	FinishReasonContentFilter = "content_filter"
)

// ChatCompletionResponse represents a non-streaming chat completion.
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   *Usage                 `json:"usage,omitempty"`
}

// ChatCompletionChoice is one generated alternative.
type ChatCompletionChoice struct {
	Index        int                   `json:"index"`
	Message      ChatCompletionMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

// ChatCompletionChunk is a single chunk of a streaming chat completion.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model,omitempty"`
	Choices []ChunkChoice `json:"choices"`
	// Usage is only present on the final chunk when stream_options
	// requested it.
	Usage *Usage `json:"usage,omitempty"`
}

// ChunkChoice is one choice of a streaming chunk.
type ChunkChoice struct {
	Index        int         `json:"index"`
	Delta        ChunkDelta  `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
	Logprobs     interface{} `json:"logprobs,omitempty"`
}

// ChunkDelta is the incremental payload of a streaming chunk.
type ChunkDelta struct {
	Role      string     `json:"role,omitempty"`
	Content   *string    `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Usage is the token accounting block of a response.
type Usage struct {
	PromptTokens        int                  `json:"prompt_tokens"`
	CompletionTokens    int                  `json:"completion_tokens"`
	TotalTokens         int                  `json:"total_tokens"`
	PromptTokensDetails *PromptTokensDetails `json:"prompt_tokens_details,omitempty"`
}

// PromptTokensDetails breaks down prompt token accounting.
type PromptTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

// ModelList is the response of /v1/models.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// Model is a single entry of the model list.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// ErrorResponse is the OpenAI error envelope returned by backends.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the inner error object of the OpenAI error envelope.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    any    `json:"code,omitempty"`
}
