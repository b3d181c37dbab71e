// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/infergate/infergate/internal/apischema/anthropic"
	"github.com/infergate/infergate/internal/apischema/openai"
)

// Flusher is the subset of http.Flusher the bridge needs. A nil flusher is
// valid and turns flushing into a no-op.
type Flusher interface {
	Flush()
}

// streamingToolCall accumulates one tool call across chunk fragments.
type streamingToolCall struct {
	blockIndex int
	id         string
	name       string
	args       strings.Builder
	open       bool
}

// StreamBridge consumes an OpenAI SSE chat completion stream and writes the
// equivalent Anthropic event stream. One bridge serves one request; it is not
// safe for concurrent use.
type StreamBridge struct {
	w     io.Writer
	flush Flusher
	model string

	buffer       bytes.Buffer
	started      bool
	messageID    string
	nextIndex    int
	textIndex    int
	textOpen     bool
	toolCalls    map[int]*streamingToolCall
	finishReason string
	usage        *openai.Usage
	closed       bool
}

// NewStreamBridge builds a bridge writing Anthropic SSE to w.
func NewStreamBridge(w io.Writer, flush Flusher, model string) *StreamBridge {
	return &StreamBridge{
		w:         w,
		flush:     flush,
		model:     model,
		messageID: "msg_" + uuid.NewString(),
		textIndex: -1,
		toolCalls: make(map[int]*streamingToolCall),
	}
}

// Run copies the upstream body through the bridge until EOF, the [DONE]
// sentinel, or context cancellation, then finalizes the Anthropic stream.
func (b *StreamBridge) Run(ctx context.Context, body io.Reader) error {
	buf := make([]byte, 32<<10)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := body.Read(buf)
		if n > 0 {
			done, perr := b.Process(buf[:n])
			if perr != nil {
				return perr
			}
			if done {
				return b.Finalize()
			}
		}
		if err == io.EOF {
			return b.Finalize()
		}
		if err != nil {
			return fmt.Errorf("read upstream stream: %w", err)
		}
	}
}

// Process consumes a chunk of the upstream SSE byte stream. It returns true
// once the [DONE] sentinel arrives.
func (b *StreamBridge) Process(data []byte) (done bool, err error) {
	b.buffer.Write(data)
	for {
		raw := b.buffer.Bytes()
		event, rest, found := bytes.Cut(raw, []byte("\n\n"))
		if !found {
			return false, nil
		}
		payload := extractData(event)
		b.buffer.Reset()
		b.buffer.Write(rest)
		if payload == nil {
			continue
		}
		if bytes.Equal(bytes.TrimSpace(payload), []byte("[DONE]")) {
			return true, nil
		}
		if err := b.handleChunk(payload); err != nil {
			return false, err
		}
	}
}

// extractData returns the concatenated data lines of one SSE event, or nil
// for comment-only events.
func extractData(event []byte) []byte {
	var out []byte
	for _, line := range bytes.Split(event, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			out = append(out, bytes.TrimPrefix(rest, []byte(" "))...)
		}
	}
	return out
}

func (b *StreamBridge) handleChunk(payload []byte) error {
	if e := gjson.GetBytes(payload, "error"); e.Exists() {
		msg := e.Get("message").String()
		if msg == "" {
			msg = "upstream stream error"
		}
		return &RequestError{WireType: anthropic.ErrorTypeAPI, Message: msg}
	}

	var chunk openai.ChatCompletionChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return fmt.Errorf("decode upstream chunk: %w", err)
	}
	if chunk.Usage != nil {
		b.usage = chunk.Usage
	}
	if err := b.ensureStarted(); err != nil {
		return err
	}

	for _, choice := range chunk.Choices {
		if choice.Index != 0 {
			// Single-choice bridging; n>1 is never requested.
			continue
		}
		if choice.Delta.Content != nil && *choice.Delta.Content != "" {
			if err := b.writeTextDelta(*choice.Delta.Content); err != nil {
				return err
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			if err := b.writeToolCallDelta(tc); err != nil {
				return err
			}
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			b.finishReason = *choice.FinishReason
		}
	}
	return nil
}

// ensureStarted emits message_start once, before any content event.
func (b *StreamBridge) ensureStarted() error {
	if b.started {
		return nil
	}
	b.started = true
	usage := anthropic.Usage{}
	if b.usage != nil {
		usage.InputTokens = float64(b.usage.PromptTokens)
	}
	return b.writeEvent(anthropic.StreamEventTypeMessageStart, anthropic.MessageStartEvent{
		Type: anthropic.StreamEventTypeMessageStart,
		Message: anthropic.MessagesResponse{
			ID:      b.messageID,
			Type:    "message",
			Role:    "assistant",
			Content: []anthropic.ResponseContentBlock{},
			Model:   b.model,
			Usage:   usage,
		},
	})
}

func (b *StreamBridge) writeTextDelta(text string) error {
	if !b.textOpen {
		b.textIndex = b.nextIndex
		b.nextIndex++
		b.textOpen = true
		err := b.writeEvent(anthropic.StreamEventTypeContentBlockStart, anthropic.ContentBlockStartEvent{
			Type:         anthropic.StreamEventTypeContentBlockStart,
			Index:        b.textIndex,
			ContentBlock: anthropic.ResponseContentBlock{Type: anthropic.ContentBlockTypeText},
		})
		if err != nil {
			return err
		}
	}
	return b.writeEvent(anthropic.StreamEventTypeContentBlockDelta, anthropic.ContentBlockDeltaEvent{
		Type:  anthropic.StreamEventTypeContentBlockDelta,
		Index: b.textIndex,
		Delta: anthropic.ContentDelta{Type: anthropic.ContentDeltaTypeText, Text: text},
	})
}

func (b *StreamBridge) writeToolCallDelta(tc openai.ToolCall) error {
	if tc.Index == nil {
		return &RequestError{WireType: anthropic.ErrorTypeAPI,
			Message: "upstream streamed a tool call fragment without an index"}
	}
	call, ok := b.toolCalls[*tc.Index]
	if !ok {
		// New tool call: close the text block if one is open, then open a
		// tool_use block.
		if err := b.closeTextBlock(); err != nil {
			return err
		}
		call = &streamingToolCall{blockIndex: b.nextIndex, id: tc.ID, name: tc.Function.Name, open: true}
		b.nextIndex++
		b.toolCalls[*tc.Index] = call
		err := b.writeEvent(anthropic.StreamEventTypeContentBlockStart, anthropic.ContentBlockStartEvent{
			Type:  anthropic.StreamEventTypeContentBlockStart,
			Index: call.blockIndex,
			ContentBlock: anthropic.ResponseContentBlock{
				Type:  anthropic.ContentBlockTypeToolUse,
				ID:    call.id,
				Name:  call.name,
				Input: json.RawMessage("{}"),
			},
		})
		if err != nil {
			return err
		}
	}
	if tc.Function.Arguments == "" {
		return nil
	}
	call.args.WriteString(tc.Function.Arguments)
	return b.writeEvent(anthropic.StreamEventTypeContentBlockDelta, anthropic.ContentBlockDeltaEvent{
		Type:  anthropic.StreamEventTypeContentBlockDelta,
		Index: call.blockIndex,
		Delta: anthropic.ContentDelta{Type: anthropic.ContentDeltaTypeInputJSON, PartialJSON: tc.Function.Arguments},
	})
}

func (b *StreamBridge) closeTextBlock() error {
	if !b.textOpen {
		return nil
	}
	b.textOpen = false
	return b.writeEvent(anthropic.StreamEventTypeContentBlockStop, anthropic.ContentBlockStopEvent{
		Type:  anthropic.StreamEventTypeContentBlockStop,
		Index: b.textIndex,
	})
}

// Finalize closes open blocks and emits message_delta and message_stop. Safe
// to call once; later calls are no-ops.
func (b *StreamBridge) Finalize() error {
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.ensureStarted(); err != nil {
		return err
	}
	if err := b.closeTextBlock(); err != nil {
		return err
	}
	for _, call := range b.toolCalls {
		if !call.open {
			continue
		}
		call.open = false
		if args := call.args.String(); args != "" && !gjson.Valid(args) {
			return &RequestError{WireType: anthropic.ErrorTypeAPI,
				Message: fmt.Sprintf("upstream tool call %q streamed invalid JSON arguments", call.name)}
		}
		err := b.writeEvent(anthropic.StreamEventTypeContentBlockStop, anthropic.ContentBlockStopEvent{
			Type:  anthropic.StreamEventTypeContentBlockStop,
			Index: call.blockIndex,
		})
		if err != nil {
			return err
		}
	}

	stop := MapStopReason(b.finishReason)
	delta := anthropic.MessageDeltaEvent{
		Type:  anthropic.StreamEventTypeMessageDelta,
		Delta: anthropic.MessageDeltaDelta{StopReason: stop},
	}
	if b.usage != nil {
		delta.Usage.OutputTokens = float64(b.usage.CompletionTokens)
	}
	if err := b.writeEvent(anthropic.StreamEventTypeMessageDelta, delta); err != nil {
		return err
	}
	return b.writeEvent(anthropic.StreamEventTypeMessageStop, anthropic.MessageStopEvent{
		Type: anthropic.StreamEventTypeMessageStop,
	})
}

// WriteError emits a terminal error event in Anthropic SSE framing.
func (b *StreamBridge) WriteError(errType, message string) error {
	return b.writeEvent(anthropic.StreamEventTypeError, anthropic.NewErrorResponse(errType, message))
}

// writeEvent emits one Anthropic SSE frame and flushes it.
func (b *StreamBridge) writeEvent(eventType anthropic.StreamEventType, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventType, err)
	}
	if _, err := fmt.Fprintf(b.w, "event: %s\ndata: %s\n\n", eventType, data); err != nil {
		return fmt.Errorf("write %s event: %w", eventType, err)
	}
	if b.flush != nil {
		b.flush.Flush()
	}
	return nil
}
