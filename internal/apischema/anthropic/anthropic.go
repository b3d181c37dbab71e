// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package anthropic holds the wire types for the Anthropic Messages API that
// the gateway accepts on its client-facing side.
//
// https://docs.claude.com/en/api/messages
package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MessagesRequest represents a request to the Anthropic Messages API.
// https://docs.claude.com/en/api/messages
type MessagesRequest struct {
	// Model is the model to use for the request.
	Model string `json:"model"`

	// Messages is the list of messages in the conversation.
	// https://docs.claude.com/en/api/messages#body-messages
	Messages []Message `json:"messages"`

	// MaxTokens is the maximum number of tokens to generate.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Metadata is the metadata for the request.
	Metadata *MessagesMetadata `json:"metadata,omitempty"`

	// StopSequences is the list of custom stop sequences.
	StopSequences []string `json:"stop_sequences,omitempty"`

	// System is the system prompt, either a plain string or a list of text
	// blocks.
	// https://docs.claude.com/en/api/messages#body-system
	System *SystemPrompt `json:"system,omitempty"`

	// Stream indicates whether to stream the response via SSE.
	Stream bool `json:"stream,omitempty"`

	// Temperature controls the randomness of the output.
	Temperature *float64 `json:"temperature,omitempty"`

	// ToolChoice indicates how the model should use the provided tools.
	ToolChoice *ToolChoice `json:"tool_choice,omitempty"`

	// Tools is the list of tools available to the model.
	Tools []Tool `json:"tools,omitempty"`

	// TopP is the cumulative probability for nucleus sampling.
	TopP *float64 `json:"top_p,omitempty"`

	// TopK is the number of highest probability tokens kept for top-k filtering.
	TopK *int `json:"top_k,omitempty"`
}

// MessagesMetadata represents the metadata for a Messages API request.
type MessagesMetadata struct {
	// UserID is an optional opaque identifier used for sticky routing and
	// abuse tracking.
	UserID *string `json:"user_id,omitempty"`
}

// SystemPrompt is the union of the two accepted system prompt shapes: a plain
// string or an array of text blocks.
type SystemPrompt struct {
	Text   string            // set iff the request carried a plain string
	Blocks []SystemTextBlock // set iff the request carried an array
}

// SystemTextBlock is a single text block of an array-shaped system prompt.
type SystemTextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		s.Text = text
		return nil
	}
	var blocks []SystemTextBlock
	if err := json.Unmarshal(data, &blocks); err == nil {
		s.Blocks = blocks
		return nil
	}
	return fmt.Errorf("system must be either string or array of text blocks")
}

func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	if s.Blocks != nil {
		return json.Marshal(s.Blocks)
	}
	return json.Marshal(s.Text)
}

// Collapse flattens the system prompt into a single string, joining array
// blocks with blank lines. Returns "" for a nil prompt.
func (s *SystemPrompt) Collapse() string {
	if s == nil {
		return ""
	}
	if s.Blocks == nil {
		return s.Text
	}
	parts := make([]string, 0, len(s.Blocks))
	for _, b := range s.Blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Message represents a single message in the conversation.
type Message struct {
	// Role is the role of the message, "user" or "assistant".
	Role MessageRole `json:"role"`

	// Content is the content of the message.
	Content MessageContent `json:"content"`
}

// MessageRole represents the role of a message.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// MessageContent is the union of the two accepted message content shapes: a
// plain string or an array of content blocks.
type MessageContent struct {
	Text   string         // set iff the message carried a plain string
	Blocks []ContentBlock // set iff the message carried an array
}

func (m *MessageContent) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		m.Text = text
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err == nil {
		m.Blocks = blocks
		return nil
	}
	return fmt.Errorf("message content must be either string or array")
}

func (m MessageContent) MarshalJSON() ([]byte, error) {
	if m.Blocks != nil {
		return json.Marshal(m.Blocks)
	}
	return json.Marshal(m.Text)
}

// TextContent returns the concatenated text of all text blocks, or the plain
// string content.
func (m *MessageContent) TextContent() string {
	if m.Blocks == nil {
		return m.Text
	}
	var sb strings.Builder
	for _, b := range m.Blocks {
		if b.Type == ContentBlockTypeText {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// Content block type discriminators.
const (
	ContentBlockTypeText       = "text"
	ContentBlockTypeImage      = "image"
	ContentBlockTypeDocument   = "document"
	ContentBlockTypeToolUse    = "tool_use"
	ContentBlockTypeToolResult = "tool_result"
	ContentBlockTypeThinking   = "thinking"
)

// ContentBlock is a single block of array-shaped message content. The Type
// field discriminates which of the remaining fields are meaningful.
type ContentBlock struct {
	Type string `json:"type"`

	// Text is set for "text" blocks.
	Text string `json:"text,omitempty"`

	// Source is set for "image" and "document" blocks.
	Source *Base64Source `json:"source,omitempty"`

	// ID, Name and Input are set for "tool_use" blocks.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// ToolUseID, Content and IsError are set for "tool_result" blocks.
	ToolUseID string             `json:"tool_use_id,omitempty"`
	Content   *ToolResultContent `json:"content,omitempty"`
	IsError   bool               `json:"is_error,omitempty"`
}

// Base64Source carries inline binary content for image and document blocks.
type Base64Source struct {
	// Type is "base64" or "url".
	Type string `json:"type"`
	// MediaType is the MIME type, e.g. "image/png" or "application/pdf".
	MediaType string `json:"media_type,omitempty"`
	// Data is the base64 payload when Type is "base64".
	Data string `json:"data,omitempty"`
	// URL is the remote location when Type is "url".
	URL string `json:"url,omitempty"`
}

// ToolResultContent is the union of the accepted tool_result content shapes:
// a plain string or an array of content blocks.
type ToolResultContent struct {
	Text   string
	Blocks []ContentBlock
}

func (t *ToolResultContent) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		t.Text = text
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err == nil {
		t.Blocks = blocks
		return nil
	}
	return fmt.Errorf("tool_result content must be either string or array")
}

func (t ToolResultContent) MarshalJSON() ([]byte, error) {
	if t.Blocks != nil {
		return json.Marshal(t.Blocks)
	}
	return json.Marshal(t.Text)
}

// Flatten returns the textual content of the tool result.
func (t *ToolResultContent) Flatten() string {
	if t == nil {
		return ""
	}
	if t.Blocks == nil {
		return t.Text
	}
	var sb strings.Builder
	for _, b := range t.Blocks {
		if b.Type == ContentBlockTypeText {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// Tool represents a tool available to the model.
// https://docs.claude.com/en/api/messages#body-tools
type Tool struct {
	// Type discriminates server-side tool variants such as versioned
	// "web_search_*" tools. Empty or "custom" for client tools.
	Type string `json:"type,omitempty"`

	// Name is the tool name the model calls it by.
	Name string `json:"name"`

	// Description tells the model when to use the tool.
	Description string `json:"description,omitempty"`

	// InputSchema is the JSON schema for the tool input.
	InputSchema json.RawMessage `json:"input_schema,omitempty"`

	// MaxUses bounds how many times a server-side tool may run per request.
	MaxUses *int `json:"max_uses,omitempty"`
}

// ToolChoice indicates how the model should use the provided tools.
type ToolChoice struct {
	// Type is one of "auto", "any", "tool" or "none".
	Type string `json:"type"`
	// Name is the forced tool name when Type is "tool".
	Name string `json:"name,omitempty"`
	// DisableParallelToolUse limits the model to at most one tool use.
	DisableParallelToolUse *bool `json:"disable_parallel_tool_use,omitempty"`
}

// MessagesResponse represents a non-streaming response from the Messages API.
type MessagesResponse struct {
	// ID is the unique identifier for the response, e.g. "msg_...".
	ID string `json:"id"`
	// Type is always "message".
	Type string `json:"type"`
	// Role is always "assistant".
	Role string `json:"role"`
	// Content is the list of generated content blocks.
	Content []ResponseContentBlock `json:"content"`
	// Model is the model that produced the response.
	Model string `json:"model"`
	// StopReason is the reason generation stopped.
	StopReason *StopReason `json:"stop_reason"`
	// StopSequence is the custom stop sequence hit, if any.
	StopSequence *string `json:"stop_sequence"`
	// Usage contains token accounting for the request.
	Usage Usage `json:"usage"`
}

// ResponseContentBlock is a generated content block: text or tool_use.
type ResponseContentBlock struct {
	Type string `json:"type"`

	// Text is set for "text" blocks.
	Text string `json:"text,omitempty"`

	// ID, Name and Input are set for "tool_use" blocks.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// StopReason represents the reason generation stopped.
type StopReason string

const (
	StopReasonEndTurn      StopReason = "end_turn"
	StopReasonMaxTokens    StopReason = "max_tokens"
	StopReasonStopSequence StopReason = "stop_sequence"
	StopReasonToolUse      StopReason = "tool_use"
	StopReasonRefusal      StopReason = "refusal"
)

// Usage represents token usage for a response.
//
// Float64 on the wire: the API documents numbers without constraining them to
// integers, and some backends emit "1234.0".
type Usage struct {
	// InputTokens is the number of input tokens consumed.
	InputTokens float64 `json:"input_tokens"`
	// OutputTokens is the number of output tokens generated.
	OutputTokens float64 `json:"output_tokens"`
	// CacheCreationInputTokens is the number of tokens written to the prompt cache.
	CacheCreationInputTokens float64 `json:"cache_creation_input_tokens"`
	// CacheReadInputTokens is the number of tokens served from the prompt cache.
	CacheReadInputTokens float64 `json:"cache_read_input_tokens"`
}

// StreamEventType is the SSE event name of a streaming response event.
// https://docs.claude.com/en/docs/build-with-claude/streaming#event-types
type StreamEventType string

const (
	StreamEventTypeMessageStart      StreamEventType = "message_start"
	StreamEventTypeMessageDelta      StreamEventType = "message_delta"
	StreamEventTypeMessageStop       StreamEventType = "message_stop"
	StreamEventTypeContentBlockStart StreamEventType = "content_block_start"
	StreamEventTypeContentBlockDelta StreamEventType = "content_block_delta"
	StreamEventTypeContentBlockStop  StreamEventType = "content_block_stop"
	StreamEventTypePing              StreamEventType = "ping"
	StreamEventTypeError             StreamEventType = "error"
)

// MessageStartEvent opens a streaming response.
type MessageStartEvent struct {
	Type    StreamEventType  `json:"type"`
	Message MessagesResponse `json:"message"`
}

// ContentBlockStartEvent opens one content block at the given index.
type ContentBlockStartEvent struct {
	Type         StreamEventType      `json:"type"`
	Index        int                  `json:"index"`
	ContentBlock ResponseContentBlock `json:"content_block"`
}

// ContentBlockDeltaEvent carries an incremental update for an open block.
type ContentBlockDeltaEvent struct {
	Type  StreamEventType `json:"type"`
	Index int             `json:"index"`
	Delta ContentDelta    `json:"delta"`
}

// ContentDelta is the payload of a content_block_delta event: a text fragment
// or a tool input JSON fragment.
type ContentDelta struct {
	// Type is "text_delta" or "input_json_delta".
	Type string `json:"type"`
	// Text is set for text_delta.
	Text string `json:"text,omitempty"`
	// PartialJSON is set for input_json_delta.
	PartialJSON string `json:"partial_json,omitempty"`
}

const (
	ContentDeltaTypeText      = "text_delta"
	ContentDeltaTypeInputJSON = "input_json_delta"
)

// ContentBlockStopEvent closes the content block at the given index.
type ContentBlockStopEvent struct {
	Type  StreamEventType `json:"type"`
	Index int             `json:"index"`
}

// MessageDeltaEvent carries the stop reason and cumulative usage near the end
// of the stream.
type MessageDeltaEvent struct {
	Type  StreamEventType   `json:"type"`
	Delta MessageDeltaDelta `json:"delta"`
	Usage MessageDeltaUsage `json:"usage"`
}

// MessageDeltaDelta is the delta payload of a message_delta event.
type MessageDeltaDelta struct {
	StopReason   StopReason `json:"stop_reason,omitempty"`
	StopSequence *string    `json:"stop_sequence,omitempty"`
}

// MessageDeltaUsage is the usage payload of a message_delta event. Cumulative
// per the streaming documentation.
type MessageDeltaUsage struct {
	OutputTokens float64 `json:"output_tokens"`
}

// MessageStopEvent terminates the stream.
type MessageStopEvent struct {
	Type StreamEventType `json:"type"`
}

// PingEvent is a keep-alive; clients ignore it.
type PingEvent struct {
	Type StreamEventType `json:"type"`
}

// Wire error types. These mirror the error taxonomy of the upstream API.
const (
	ErrorTypeInvalidRequest = "invalid_request_error"
	ErrorTypeAuthentication = "authentication_error"
	ErrorTypeOverloaded     = "overloaded_error"
	ErrorTypeAPI            = "api_error"
	ErrorTypeNotFound       = "not_found_error"
)

// ErrorResponse is the Anthropic error envelope.
type ErrorResponse struct {
	// Type is always "error".
	Type string `json:"type"`
	// Error carries the error type and a human-readable message.
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the inner error object of the error envelope.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorResponse builds an error envelope with the given wire type and message.
func NewErrorResponse(errType, message string) *ErrorResponse {
	return &ErrorResponse{Type: "error", Error: ErrorDetail{Type: errType, Message: message}}
}

// ModelsResponse is the Anthropic-shaped model list returned by /v1/models.
type ModelsResponse struct {
	Data    []Model `json:"data"`
	HasMore bool    `json:"has_more"`
	FirstID *string `json:"first_id"`
	LastID  *string `json:"last_id"`
}

// Model is a single entry of the model list.
type Model struct {
	// ID is the model identifier.
	ID string `json:"id"`
	// Type is always "model".
	Type string `json:"type"`
	// DisplayName is a human-readable name for the model.
	DisplayName string `json:"display_name,omitempty"`
	// CreatedAt is the RFC 3339 creation time when the backend reports one.
	CreatedAt string `json:"created_at,omitempty"`
}
