// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package openai

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageContentUnion(t *testing.T) {
	var m MessageContent
	require.NoError(t, json.Unmarshal([]byte(`"plain"`), &m))
	require.Equal(t, "plain", m.Text)

	var parts MessageContent
	in := `[
		{"type":"text","text":"describe"},
		{"type":"image_url","image_url":{"url":"data:image/png;base64,aGk="}}
	]`
	require.NoError(t, json.Unmarshal([]byte(in), &parts))
	require.Len(t, parts.Parts, 2)
	require.Equal(t, ContentPartTypeImageURL, parts.Parts[1].Type)

	require.Error(t, json.Unmarshal([]byte(`42`), &m))

	out, err := json.Marshal(MessageContent{Text: "x"})
	require.NoError(t, err)
	require.JSONEq(t, `"x"`, string(out))
}

func TestChatCompletionChunkUnmarshal(t *testing.T) {
	in := `{
		"id":"chatcmpl-1","object":"chat.completion.chunk","created":1736000000,
		"choices":[{"index":0,"delta":{"role":"assistant","content":"Hi"},"finish_reason":null}]
	}`
	var chunk ChatCompletionChunk
	require.NoError(t, json.Unmarshal([]byte(in), &chunk))
	require.Len(t, chunk.Choices, 1)
	require.NotNil(t, chunk.Choices[0].Delta.Content)
	require.Equal(t, "Hi", *chunk.Choices[0].Delta.Content)
	require.Nil(t, chunk.Choices[0].FinishReason)
}

func TestToolCallStreamingFragments(t *testing.T) {
	in := `{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"ci"}}`
	var tc ToolCall
	require.NoError(t, json.Unmarshal([]byte(in), &tc))
	require.NotNil(t, tc.Index)
	require.Equal(t, 0, *tc.Index)
	require.Equal(t, "get_weather", tc.Function.Name)
	require.Equal(t, `{"ci`, tc.Function.Arguments)
}

func TestChatCompletionRequestMarshal(t *testing.T) {
	maxTokens := 256
	req := ChatCompletionRequest{
		Model: "qwen2.5-7b",
		Messages: []ChatCompletionMessage{
			{Role: ChatMessageRoleSystem, Content: MessageContent{Text: "be brief"}},
			{Role: ChatMessageRoleUser, Content: MessageContent{Text: "hi"}},
		},
		MaxTokens: &maxTokens,
		Stream:    true,
		StreamOptions: &StreamOptions{
			IncludeUsage: true,
		},
	}
	out, err := json.Marshal(&req)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	require.Equal(t, "qwen2.5-7b", decoded["model"])
	require.Equal(t, true, decoded["stream"])
	// Plain-string content must marshal back to a JSON string, not an object.
	msgs := decoded["messages"].([]any)
	first := msgs[0].(map[string]any)
	require.Equal(t, "be brief", first["content"])
}
