// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translator

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/infergate/infergate/internal/apischema/anthropic"
)

// sseEvent is one parsed frame of the bridge's output.
type sseEvent struct {
	name string
	data string
}

func parseSSE(t *testing.T, raw string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, frame := range strings.Split(strings.TrimSpace(raw), "\n\n") {
		lines := strings.Split(frame, "\n")
		require.Len(t, lines, 2, "frame %q", frame)
		events = append(events, sseEvent{
			name: strings.TrimPrefix(lines[0], "event: "),
			data: strings.TrimPrefix(lines[1], "data: "),
		})
	}
	return events
}

func eventNames(events []sseEvent) []string {
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.name
	}
	return names
}

const toolCallStream = `data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"},"finish_reason":null}]}

data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":null}]}

data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":""}}]},"finish_reason":null}]}

data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]},"finish_reason":null}]}

data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Paris\"}"}}]},"finish_reason":null}]}

data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}

data: [DONE]

`

func TestStreamBridgeToolCallStream(t *testing.T) {
	var out bytes.Buffer
	b := NewStreamBridge(&out, nil, "llama-3.1-8b")
	require.NoError(t, b.Run(context.Background(), strings.NewReader(toolCallStream)))

	events := parseSSE(t, out.String())
	require.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, eventNames(events))

	var start anthropic.MessageStartEvent
	require.NoError(t, json.Unmarshal([]byte(events[0].data), &start))
	require.Equal(t, "llama-3.1-8b", start.Message.Model)
	require.True(t, strings.HasPrefix(start.Message.ID, "msg_"))

	var textStart anthropic.ContentBlockStartEvent
	require.NoError(t, json.Unmarshal([]byte(events[1].data), &textStart))
	require.Equal(t, 0, textStart.Index)
	require.Equal(t, anthropic.ContentBlockTypeText, textStart.ContentBlock.Type)

	var toolStart anthropic.ContentBlockStartEvent
	require.NoError(t, json.Unmarshal([]byte(events[5].data), &toolStart))
	require.Equal(t, 1, toolStart.Index)
	require.Equal(t, anthropic.ContentBlockTypeToolUse, toolStart.ContentBlock.Type)
	require.Equal(t, "call_1", toolStart.ContentBlock.ID)
	require.Equal(t, "get_weather", toolStart.ContentBlock.Name)

	// The streamed argument fragments concatenate into valid JSON.
	var args strings.Builder
	for _, e := range []sseEvent{events[6], events[7]} {
		var delta anthropic.ContentBlockDeltaEvent
		require.NoError(t, json.Unmarshal([]byte(e.data), &delta))
		require.Equal(t, anthropic.ContentDeltaTypeInputJSON, delta.Delta.Type)
		require.Equal(t, 1, delta.Index)
		args.WriteString(delta.Delta.PartialJSON)
	}
	require.JSONEq(t, `{"city":"Paris"}`, args.String())

	var msgDelta anthropic.MessageDeltaEvent
	require.NoError(t, json.Unmarshal([]byte(events[9].data), &msgDelta))
	require.Equal(t, anthropic.StopReasonToolUse, msgDelta.Delta.StopReason)
	require.Equal(t, 5.0, msgDelta.Usage.OutputTokens)
}

func TestStreamBridgeTextOnly(t *testing.T) {
	in := `data: {"id":"c1","choices":[{"index":0,"delta":{"role":"assistant","content":"Hi"},"finish_reason":null}]}

data: {"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}

data: [DONE]

`
	var out bytes.Buffer
	b := NewStreamBridge(&out, nil, "m")
	require.NoError(t, b.Run(context.Background(), strings.NewReader(in)))

	events := parseSSE(t, out.String())
	require.Equal(t, []string{
		"message_start", "content_block_start", "content_block_delta",
		"content_block_stop", "message_delta", "message_stop",
	}, eventNames(events))

	var msgDelta anthropic.MessageDeltaEvent
	require.NoError(t, json.Unmarshal([]byte(events[4].data), &msgDelta))
	require.Equal(t, anthropic.StopReasonEndTurn, msgDelta.Delta.StopReason)
}

func TestStreamBridgeArbitraryChunkBoundaries(t *testing.T) {
	// Feed the same stream a few bytes at a time: frame reassembly must not
	// depend on read boundaries.
	var out bytes.Buffer
	b := NewStreamBridge(&out, nil, "m")
	payload := []byte(toolCallStream)
	for i := 0; i < len(payload); i += 7 {
		end := min(i+7, len(payload))
		done, err := b.Process(payload[i:end])
		require.NoError(t, err)
		if done {
			break
		}
	}
	require.NoError(t, b.Finalize())

	events := parseSSE(t, out.String())
	require.Equal(t, "message_start", events[0].name)
	require.Equal(t, "message_stop", events[len(events)-1].name)
	require.Len(t, events, 11)
}

func TestStreamBridgeEOFWithoutDone(t *testing.T) {
	in := `data: {"id":"c1","choices":[{"index":0,"delta":{"content":"partial"},"finish_reason":null}]}

`
	var out bytes.Buffer
	b := NewStreamBridge(&out, nil, "m")
	require.NoError(t, b.Run(context.Background(), strings.NewReader(in)))

	events := parseSSE(t, out.String())
	require.Equal(t, "message_stop", events[len(events)-1].name)
}

func TestStreamBridgeUpstreamError(t *testing.T) {
	in := `data: {"error":{"message":"model overloaded","type":"server_error"}}

`
	var out bytes.Buffer
	b := NewStreamBridge(&out, nil, "m")
	err := b.Run(context.Background(), strings.NewReader(in))
	var re *RequestError
	require.ErrorAs(t, err, &re)
	require.Equal(t, anthropic.ErrorTypeAPI, re.WireType)
	require.Contains(t, re.Message, "model overloaded")
}

func TestStreamBridgeInvalidToolJSON(t *testing.T) {
	in := `data: {"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"f","arguments":"{\"broken\":"}}]},"finish_reason":null}]}

data: [DONE]

`
	var out bytes.Buffer
	b := NewStreamBridge(&out, nil, "m")
	err := b.Run(context.Background(), strings.NewReader(in))
	var re *RequestError
	require.ErrorAs(t, err, &re)
	require.Equal(t, anthropic.ErrorTypeAPI, re.WireType)
}

func TestStreamBridgeCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	b := NewStreamBridge(&out, nil, "m")
	err := b.Run(ctx, strings.NewReader(toolCallStream))
	require.ErrorIs(t, err, context.Canceled)
}

func TestStreamBridgeWriteError(t *testing.T) {
	var out bytes.Buffer
	b := NewStreamBridge(&out, nil, "m")
	require.NoError(t, b.WriteError(anthropic.ErrorTypeOverloaded, "no healthy nodes"))

	events := parseSSE(t, out.String())
	require.Equal(t, "error", events[0].name)
	var envelope anthropic.ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(events[0].data), &envelope))
	require.Equal(t, anthropic.ErrorTypeOverloaded, envelope.Error.Type)
	require.Equal(t, "no healthy nodes", envelope.Error.Message)
}
