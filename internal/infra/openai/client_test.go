package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/meeting-snapshot/internal/core/retry"
	"github.com/jinford/meeting-snapshot/internal/core/snapshot"
)

const completionBody = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1700000000,
  "model": "gpt-4o-mini",
  "choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "Company Name: Acme Corp"}}],
  "usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
}`

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient("test-key", WithBaseURL(srv.URL+"/"), WithTimeout(5*time.Second))
	require.NoError(t, err)
	return client
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	_, err := NewClient("")
	assert.ErrorIs(t, err, ErrAPIKeyNotSet)
}

func TestClient_GenerateCompletion(t *testing.T) {
	var body map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody))
	})

	resp, err := client.GenerateCompletion(context.Background(), snapshot.CompletionRequest{
		SystemPrompt:   "You are an analyst.",
		Prompt:         "Analyze this.",
		Temperature:    0.2,
		MaxTokens:      100,
		ResponseFormat: "json",
	})
	require.NoError(t, err)

	assert.Equal(t, "Company Name: Acme Corp", resp.Content)
	assert.Equal(t, 15, resp.TokensUsed)
	assert.Equal(t, "gpt-4o-mini", resp.Model)

	assert.Equal(t, DefaultModel, body["model"])
	messages, ok := body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])
	assert.Equal(t, "user", messages[1].(map[string]any)["role"])
	assert.Equal(t, map[string]any{"type": "json_object"}, body["response_format"])
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{name: "レート制限", status: http.StatusTooManyRequests, retryable: true},
		{name: "サーバーエラー", status: http.StatusInternalServerError, retryable: true},
		{name: "過負荷", status: http.StatusServiceUnavailable, retryable: true},
		{name: "不正なリクエスト", status: http.StatusBadRequest, retryable: false},
		{name: "認証エラー", status: http.StatusUnauthorized, retryable: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				calls++
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error": {"message": "upstream said no", "type": "error"}}`))
			})

			_, err := client.GenerateCompletion(context.Background(), snapshot.CompletionRequest{Prompt: "hi"})
			require.Error(t, err)

			assert.Equal(t, tt.retryable, retry.IsRetryable(err))
			if tt.retryable {
				var transient *snapshot.TransientUpstreamError
				assert.ErrorAs(t, err, &transient)
			} else {
				var terminal *snapshot.TerminalUpstreamError
				assert.ErrorAs(t, err, &terminal)
			}
			// SDK 側ではリトライしない
			assert.Equal(t, 1, calls)
		})
	}
}

func TestClient_NoChoicesIsTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "x", "object": "chat.completion", "model": "gpt-4o-mini", "choices": []}`))
	})

	_, err := client.GenerateCompletion(context.Background(), snapshot.CompletionRequest{Prompt: "hi"})
	assert.ErrorIs(t, err, ErrNoChoices)
	assert.True(t, retry.IsRetryable(err))
}

func TestClient_CallerCancellation(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		// 本文を読み切らないとサーバーは切断を検知できない
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	// サーバーの Close より先に実行される
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := client.GenerateCompletion(ctx, snapshot.CompletionRequest{Prompt: "hi"})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, retry.IsRetryable(err))
}
