package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestOpenAIMarkerMark(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))

		var body struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Messages, 2)
		require.Contains(t, body.Messages[1].Content, "chlorophyll")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "{\"score\": 0.85, \"feedback\": \" Well explained. \"}"}}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`))
	}))
	defer server.Close()

	marker, err := NewOpenAIMarker(OpenAIConfig{APIKey: "test", BaseURL: server.URL + "/v1", Logger: zerolog.Nop()})
	require.NoError(t, err)

	result, err := marker.Mark(context.Background(), MarkingRequest{
		Question:    "Why are leaves green?",
		ModelAnswer: "They contain chlorophyll",
		PupilAnswer: "chlorophyll",
	})
	require.NoError(t, err)
	require.InDelta(t, 0.85, result.Score, 1e-9)
	require.Equal(t, "Well explained.", result.Feedback)
}

func TestParseModelMarking(t *testing.T) {
	result, err := parseModelMarking(`{"score": -0.5, "feedback": "Try again"}`)
	require.NoError(t, err)
	require.Zero(t, result.Score)

	_, err = parseModelMarking(`{"feedback": "missing"}`)
	require.Error(t, err)
}

func TestNewOpenAIMarkerRequiresKey(t *testing.T) {
	_, err := NewOpenAIMarker(OpenAIConfig{})
	require.Error(t, err)
}
