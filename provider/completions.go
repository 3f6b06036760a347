// Package provider defines the contract between transform steps and the
// text generation services behind them.
//
// A CompletionsService answers a list of chat messages asynchronously. The
// final answer is returned through a Future. When streaming is enabled,
// partial answers are pushed to a ChunkSink while the request is still in
// flight; every partial answer carries the answer id, a 0-based index and a
// flag marking the last one.
package provider

import (
	"context"

	"github.com/casualjim/brook/pkg/future"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatChoice is one candidate answer, or the text delta of one partial
// answer.
type ChatChoice struct {
	Index        int    `json:"index"`
	Content      string `json:"content"`
	FinishReason string `json:"finish-reason,omitempty"`
}

type Usage struct {
	PromptTokens     int64 `json:"prompt-tokens"`
	CompletionTokens int64 `json:"completion-tokens"`
	TotalTokens      int64 `json:"total-tokens"`
}

// ChatCompletions is the final answer of a request.
type ChatCompletions struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
}

// Text returns the content of the first choice.
func (c *ChatCompletions) Text() string {
	if c == nil || len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Content
}

// ChunkSink receives partial answers in index order. It is called from the
// service's goroutine and must not block for long.
type ChunkSink func(answerID string, index int, chunk ChatChoice, last bool)

// Options are the generation parameters of one request. Nil pointers leave
// the service default in place.
type Options struct {
	Model               string           `json:"model"`
	MaxTokens           *int64           `json:"max-tokens,omitempty"`
	Temperature         *float64         `json:"temperature,omitempty"`
	TopP                *float64         `json:"top-p,omitempty"`
	LogitBias           map[string]int64 `json:"logit-bias,omitempty"`
	User                string           `json:"user,omitempty"`
	Stop                []string         `json:"stop,omitempty"`
	PresencePenalty     *float64         `json:"presence-penalty,omitempty"`
	FrequencyPenalty    *float64         `json:"frequency-penalty,omitempty"`
	Stream              bool             `json:"stream"`
	MinChunksPerMessage int              `json:"min-chunks-per-message,omitempty"`
}

type CompletionsService interface {
	// ChatCompletions starts a request and returns immediately. With
	// options.Stream set and a non-nil sink, partial answers are delivered
	// to sink before the future completes.
	ChatCompletions(ctx context.Context, messages []ChatMessage, sink ChunkSink, options Options) future.Future[*ChatCompletions]
	Close() error
}
