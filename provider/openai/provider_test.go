package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/casualjim/brook/provider"
	"github.com/go-openapi/swag"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestServer(t *testing.T, handler http.HandlerFunc) *Provider {
	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		server.Close()
	})

	return New(option.WithBaseURL(server.URL+"/v1"), option.WithAPIKey("test"), option.WithMaxRetries(0))
}

func TestNew(t *testing.T) {
	p := New()
	assert.NotNil(t, p)
	assert.NotNil(t, p.client)
}

func TestBuildRequest(t *testing.T) {
	params := buildRequest([]provider.ChatMessage{
		{Role: provider.RoleSystem, Content: "be brief"},
		{Role: provider.RoleUser, Content: "Hello"},
		{Role: provider.RoleAssistant, Content: "Hi"},
	}, provider.Options{
		Model:       "gpt-4o-mini",
		MaxTokens:   swag.Int64(42),
		Temperature: swag.Float64(0.2),
		User:        "bob",
		Stop:        []string{"\n"},
	})

	assert.Equal(t, "gpt-4o-mini", params.Model.Value)
	assert.Equal(t, int64(1), params.N.Value)
	assert.Equal(t, int64(42), params.MaxTokens.Value)
	assert.Equal(t, 0.2, params.Temperature.Value)
	assert.Equal(t, "bob", params.User.Value)
	assert.False(t, params.TopP.Present)
	require.Len(t, params.Messages.Value, 3)

	systemMsg := params.Messages.Value[0].(openai.ChatCompletionSystemMessageParam)
	assert.Equal(t, "be brief", systemMsg.Content.Value[0].Text.Value)
}

func TestProvider_ChatCompletions(t *testing.T) {
	mockResp := openai.ChatCompletion{
		ID:    "test-id",
		Model: "gpt-4o-mini",
		Choices: []openai.ChatCompletionChoice{
			{
				Message:      openai.ChatCompletionMessage{Content: "Test response"},
				FinishReason: openai.ChatCompletionChoicesFinishReasonStop,
			},
		},
		Usage: openai.CompletionUsage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	}

	p := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(mockResp)
	})

	var sinkCalls int
	res, err := p.ChatCompletions(context.Background(),
		[]provider.ChatMessage{{Role: provider.RoleUser, Content: "hi"}},
		func(string, int, provider.ChatChoice, bool) { sinkCalls++ },
		provider.Options{Model: "gpt-4o-mini"},
	).Get(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "Test response", res.Text())
	assert.Equal(t, "stop", res.Choices[0].FinishReason)
	assert.Equal(t, int64(5), res.Usage.TotalTokens)
	assert.NotEmpty(t, res.ID)
	assert.Zero(t, sinkCalls, "no chunks without streaming")
}

func streamChunks(t *testing.T, deltas ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), `"stream":true`)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher, ok := w.(http.Flusher)
		assert.True(t, ok)

		for i, d := range deltas {
			chunk := openai.ChatCompletionChunk{
				ID:    "chunk-id",
				Model: "gpt-4o-mini",
				Choices: []openai.ChatCompletionChunkChoice{
					{Delta: openai.ChatCompletionChunkChoicesDelta{Content: d}},
				},
			}
			if i == len(deltas)-1 {
				chunk.Choices[0].FinishReason = openai.ChatCompletionChunkChoicesFinishReasonStop
			}
			data, err := json.Marshal(chunk)
			assert.NoError(t, err)
			_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			time.Sleep(5 * time.Millisecond)
		}
		_, _ = fmt.Fprintf(w, "data: [DONE]\n\n")
		flusher.Flush()
	}
}

type delivery struct {
	id      string
	index   int
	content string
	last    bool
}

func TestProvider_ChatCompletions_Stream(t *testing.T) {
	p := setupTestServer(t, streamChunks(t, "Hel", "lo"))

	var (
		mu  sync.Mutex
		got []delivery
	)
	sink := func(answerID string, index int, chunk provider.ChatChoice, last bool) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, delivery{answerID, index, chunk.Content, last})
	}

	res, err := p.ChatCompletions(context.Background(),
		[]provider.ChatMessage{{Role: provider.RoleUser, Content: "hi"}},
		sink,
		provider.Options{Model: "gpt-4o-mini", Stream: true, MinChunksPerMessage: 20},
	).Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Hello", res.Text())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].index)
	assert.Equal(t, "Hel", got[0].content)
	assert.False(t, got[0].last)
	assert.Equal(t, 1, got[1].index)
	assert.Equal(t, "lo", got[1].content)
	assert.True(t, got[1].last)
	assert.Equal(t, got[0].id, got[1].id)
	assert.Equal(t, res.ID, got[0].id)
}

func TestProvider_ChatCompletions_Error(t *testing.T) {
	p := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"bad model","type":"invalid_request_error"}}`)
	})

	_, err := p.ChatCompletions(context.Background(),
		[]provider.ChatMessage{{Role: provider.RoleUser, Content: "hi"}},
		nil,
		provider.Options{Model: "nope"},
	).Get(context.Background())
	require.Error(t, err)
}

func TestProvider_Registered(t *testing.T) {
	svc, err := provider.NewService(Kind, map[string]any{"api-key": "k", "base-url": "http://localhost:1/v1"})
	require.NoError(t, err)
	assert.IsType(t, &Provider{}, svc)
	assert.NoError(t, svc.Close())
}
