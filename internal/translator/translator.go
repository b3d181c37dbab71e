// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package translator converts between the Anthropic Messages API spoken by
// clients and the OpenAI chat completions API spoken by backends, in both the
// request and the streaming-response direction.
package translator

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/infergate/infergate/internal/apischema/anthropic"
	"github.com/infergate/infergate/internal/apischema/openai"
)

// RequestError is a translation failure mapped to the Anthropic wire error
// taxonomy.
type RequestError struct {
	// WireType is one of the anthropic.ErrorType constants.
	WireType string
	Message  string
}

func (e *RequestError) Error() string { return e.Message }

func invalidRequest(format string, args ...any) *RequestError {
	return &RequestError{WireType: anthropic.ErrorTypeInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// Options tunes request translation.
type Options struct {
	// MaxDocumentBytes rejects decoded document payloads larger than this.
	// Zero means the default of 8 MiB.
	MaxDocumentBytes int
}

const defaultMaxDocumentBytes = 8 << 20

// ToOpenAIRequest translates an Anthropic messages request into an OpenAI
// chat completions request.
func ToOpenAIRequest(req *anthropic.MessagesRequest, opts Options) (*openai.ChatCompletionRequest, error) {
	if opts.MaxDocumentBytes <= 0 {
		opts.MaxDocumentBytes = defaultMaxDocumentBytes
	}

	out := &openai.ChatCompletionRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		out.MaxTokens = &mt
	}
	if req.Stream {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if req.Metadata != nil && req.Metadata.UserID != nil {
		out.User = *req.Metadata.UserID
	}

	if req.System != nil {
		system := req.System.Collapse()
		if system != "" {
			out.Messages = append(out.Messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: openai.MessageContent{Text: system},
			})
		}
	}

	for i, msg := range req.Messages {
		translated, err := translateMessage(msg, opts)
		if err != nil {
			return nil, fmt.Errorf("messages[%d]: %w", i, err)
		}
		out.Messages = append(out.Messages, translated...)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: "function",
			Function: openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	if req.ToolChoice != nil {
		tc, err := translateToolChoice(req.ToolChoice)
		if err != nil {
			return nil, err
		}
		out.ToolChoice = tc
		if req.ToolChoice.DisableParallelToolUse != nil && *req.ToolChoice.DisableParallelToolUse {
			f := false
			out.ParallelToolCalls = &f
		}
	}
	return out, nil
}

// translateMessage expands one Anthropic message into one or more OpenAI
// messages, preserving block order. Tool results become tool-role messages.
func translateMessage(msg anthropic.Message, opts Options) ([]openai.ChatCompletionMessage, error) {
	switch msg.Role {
	case anthropic.MessageRoleUser:
		return translateUserMessage(msg, opts)
	case anthropic.MessageRoleAssistant:
		m, err := translateAssistantMessage(msg)
		if err != nil {
			return nil, err
		}
		return []openai.ChatCompletionMessage{m}, nil
	default:
		return nil, invalidRequest("unknown role %q", msg.Role)
	}
}

func translateUserMessage(msg anthropic.Message, opts Options) ([]openai.ChatCompletionMessage, error) {
	if msg.Content.Blocks == nil {
		return []openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleUser,
			Content: openai.MessageContent{Text: msg.Content.Text},
		}}, nil
	}

	var out []openai.ChatCompletionMessage
	var parts []openai.ContentPart
	flush := func() {
		if len(parts) == 0 {
			return
		}
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: openai.MessageContent{Parts: parts},
		})
		parts = nil
	}

	for _, block := range msg.Content.Blocks {
		switch block.Type {
		case anthropic.ContentBlockTypeText:
			parts = append(parts, openai.ContentPart{Type: openai.ContentPartTypeText, Text: block.Text})
		case anthropic.ContentBlockTypeImage:
			part, err := imagePart(block.Source)
			if err != nil {
				return nil, err
			}
			parts = append(parts, *part)
		case anthropic.ContentBlockTypeDocument:
			part, err := documentPart(block.Source, opts.MaxDocumentBytes)
			if err != nil {
				return nil, err
			}
			parts = append(parts, *part)
		case anthropic.ContentBlockTypeToolResult:
			// Tool results become tool-role messages; anything accumulated so
			// far flushes first so ordering survives.
			flush()
			content := ""
			if block.Content != nil {
				content = block.Content.Flatten()
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    openai.MessageContent{Text: content},
				ToolCallID: block.ToolUseID,
			})
		default:
			return nil, invalidRequest("unsupported content block type %q in user message", block.Type)
		}
	}
	flush()
	if len(out) == 0 {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser})
	}
	return out, nil
}

func translateAssistantMessage(msg anthropic.Message) (openai.ChatCompletionMessage, error) {
	out := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
	if msg.Content.Blocks == nil {
		out.Content = openai.MessageContent{Text: msg.Content.Text}
		return out, nil
	}

	var text strings.Builder
	for _, block := range msg.Content.Blocks {
		switch block.Type {
		case anthropic.ContentBlockTypeText:
			text.WriteString(block.Text)
		case anthropic.ContentBlockTypeToolUse:
			args := "{}"
			if len(block.Input) > 0 {
				args = string(block.Input)
			}
			out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: openai.FunctionCall{
					Name:      block.Name,
					Arguments: args,
				},
			})
		case anthropic.ContentBlockTypeThinking:
			// Dropped: backends have no equivalent channel.
		default:
			return out, invalidRequest("unsupported content block type %q in assistant message", block.Type)
		}
	}
	out.Content = openai.MessageContent{Text: text.String()}
	return out, nil
}

// imagePart converts an Anthropic image source into an OpenAI image part.
func imagePart(src *anthropic.Base64Source) (*openai.ContentPart, error) {
	if src == nil {
		return nil, invalidRequest("image block missing source")
	}
	switch src.Type {
	case "url":
		return &openai.ContentPart{
			Type:     openai.ContentPartTypeImageURL,
			ImageURL: &openai.ImageURL{URL: src.URL},
		}, nil
	case "base64":
		if _, err := base64.StdEncoding.DecodeString(src.Data); err != nil {
			return nil, invalidRequest("image data is not valid base64: %v", err)
		}
		return &openai.ContentPart{
			Type:     openai.ContentPartTypeImageURL,
			ImageURL: &openai.ImageURL{URL: "data:" + src.MediaType + ";base64," + src.Data},
		}, nil
	default:
		return nil, invalidRequest("unsupported image source type %q", src.Type)
	}
}

// documentPart converts an Anthropic document source into an OpenAI file part.
func documentPart(src *anthropic.Base64Source, maxBytes int) (*openai.ContentPart, error) {
	if src == nil || src.Type != "base64" {
		return nil, invalidRequest("document block requires a base64 source")
	}
	decoded, err := base64.StdEncoding.DecodeString(src.Data)
	if err != nil {
		return nil, invalidRequest("document data is not valid base64: %v", err)
	}
	if len(decoded) > maxBytes {
		return nil, invalidRequest("document of %d bytes exceeds the %d byte limit", len(decoded), maxBytes)
	}
	return &openai.ContentPart{
		Type: openai.ContentPartTypeFile,
		File: &openai.FilePart{
			Filename: "document.pdf",
			FileData: "data:" + src.MediaType + ";base64," + src.Data,
		},
	}, nil
}

func translateToolChoice(tc *anthropic.ToolChoice) (json.RawMessage, error) {
	switch tc.Type {
	case "auto":
		return json.Marshal("auto")
	case "any":
		return json.Marshal("required")
	case "none":
		return json.Marshal("none")
	case "tool":
		choice := openai.ToolChoiceFunction{Type: "function"}
		choice.Function.Name = tc.Name
		return json.Marshal(choice)
	default:
		return nil, invalidRequest("unsupported tool_choice type %q", tc.Type)
	}
}


// ToMessagesResponse converts a non-streaming OpenAI completion into an
// Anthropic messages response.
func ToMessagesResponse(resp *openai.ChatCompletionResponse, requestModel string) (*anthropic.MessagesResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, &RequestError{WireType: anthropic.ErrorTypeAPI, Message: "upstream returned no choices"}
	}
	choice := resp.Choices[0]

	var blocks []anthropic.ResponseContentBlock
	if text := choice.Message.Content.Text; text != "" {
		blocks = append(blocks, anthropic.ResponseContentBlock{
			Type: anthropic.ContentBlockTypeText,
			Text: text,
		})
	}
	for _, tc := range choice.Message.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if !gjson.ValidBytes(input) {
			return nil, &RequestError{WireType: anthropic.ErrorTypeAPI,
				Message: fmt.Sprintf("upstream tool call %q carries invalid JSON arguments", tc.Function.Name)}
		}
		blocks = append(blocks, anthropic.ResponseContentBlock{
			Type:  anthropic.ContentBlockTypeToolUse,
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}

	stop := MapStopReason(choice.FinishReason)
	out := &anthropic.MessagesResponse{
		ID:         resp.ID,
		Type:       "message",
		Role:       "assistant",
		Content:    blocks,
		Model:      requestModel,
		StopReason: &stop,
	}
	if resp.Usage != nil {
		out.Usage = anthropic.Usage{
			InputTokens:  float64(resp.Usage.PromptTokens),
			OutputTokens: float64(resp.Usage.CompletionTokens),
		}
		if d := resp.Usage.PromptTokensDetails; d != nil {
			out.Usage.CacheReadInputTokens = float64(d.CachedTokens)
		}
	}
	return out, nil
}

// MapStopReason converts an OpenAI finish reason to the Anthropic stop
// reason.
func MapStopReason(finish string) anthropic.StopReason {
	switch finish {
	case openai.FinishReasonLength:
		return anthropic.StopReasonMaxTokens
	case openai.FinishReasonToolCalls:
		return anthropic.StopReasonToolUse
	case openai.FinishReasonContentFilter:
		return anthropic.StopReasonRefusal
	default:
		return anthropic.StopReasonEndTurn
	}
}
