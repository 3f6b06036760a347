// Package anthropic implements provider.CompletionsService on top of the
// Anthropic messages API. System messages are sent as the request's system
// blocks; the other messages keep their order.
package anthropic

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/casualjim/brook/pkg/future"
	"github.com/casualjim/brook/pkg/slogx"
	"github.com/casualjim/brook/pkg/uuidx"
	"github.com/casualjim/brook/provider"
)

const Kind = "anthropic"

// DefaultMaxTokens is sent when no max-tokens option is set; the API
// requires one.
const DefaultMaxTokens int64 = 1024

func init() {
	provider.Register(Kind, func(config map[string]any) (provider.CompletionsService, error) {
		var options []option.RequestOption
		apiKey, baseURL := provider.Credentials(config)
		if apiKey != "" {
			options = append(options, option.WithAPIKey(apiKey))
		}
		if baseURL != "" {
			options = append(options, option.WithBaseURL(baseURL))
		}
		return New(options...), nil
	})
}

var _ provider.CompletionsService = (*Provider)(nil)

type Provider struct {
	client *anthropic.Client
	logger *slog.Logger
}

func New(options ...option.RequestOption) *Provider {
	client := anthropic.NewClient(options...)
	return &Provider{
		client: &client,
		logger: slog.Default().With(slogx.LoggerName("brook.provider.anthropic")),
	}
}

func (p *Provider) ChatCompletions(ctx context.Context, messages []provider.ChatMessage, sink provider.ChunkSink, options provider.Options) future.Future[*provider.ChatCompletions] {
	result := future.New[*provider.ChatCompletions]()
	params := buildRequest(messages, options)

	go func() {
		var (
			compl *provider.ChatCompletions
			err   error
		)
		if options.Stream && sink != nil {
			compl, err = p.runStream(ctx, params, sink, options.MinChunksPerMessage)
		} else {
			compl, err = p.runOnce(ctx, params)
		}
		if err != nil {
			p.logger.DebugContext(ctx, "messages request failed", slogx.Error(err))
			result.Error(err)
			return
		}
		result.Complete(compl)
	}()
	return result
}

func (p *Provider) Close() error {
	return nil
}

func buildRequest(messages []provider.ChatMessage, o provider.Options) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(o.Model),
		MaxTokens: DefaultMaxTokens,
	}
	for _, m := range messages {
		switch m.Role {
		case provider.RoleSystem:
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
		case provider.RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if o.MaxTokens != nil {
		params.MaxTokens = *o.MaxTokens
	}
	if o.Temperature != nil {
		params.Temperature = anthropic.Float(*o.Temperature)
	}
	if o.TopP != nil {
		params.TopP = anthropic.Float(*o.TopP)
	}
	if len(o.Stop) > 0 {
		params.StopSequences = o.Stop
	}
	if o.User != "" {
		params.Metadata = anthropic.MetadataParam{UserID: anthropic.String(o.User)}
	}
	return params
}

func (p *Provider) runStream(ctx context.Context, params anthropic.MessageNewParams, sink provider.ChunkSink, minChunks int) (*provider.ChatCompletions, error) {
	strm := p.client.Messages.NewStreaming(ctx, params)
	defer strm.Close()

	batcher := provider.NewChunkBatcher(uuidx.NewString(), minChunks, sink)
	msg := anthropic.Message{}
	var text strings.Builder

	for strm.Next() {
		event := strm.Current()
		if err := msg.Accumulate(event); err != nil {
			return nil, fmt.Errorf("accumulating message: %w", err)
		}
		if ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok {
				text.WriteString(delta.Text)
				batcher.Add(delta.Text)
			}
		}
	}
	if err := strm.Err(); err != nil {
		return nil, fmt.Errorf("streaming messages: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	batcher.Finish(string(msg.StopReason))
	compl := fromMessage(&msg, text.String())
	compl.ID = batcher.AnswerID()
	return compl, nil
}

func (p *Provider) runOnce(ctx context.Context, params anthropic.MessageNewParams) (*provider.ChatCompletions, error) {
	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic api error: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}
	compl := fromMessage(resp, text.String())
	compl.ID = uuidx.NewString()
	return compl, nil
}

func fromMessage(msg *anthropic.Message, text string) *provider.ChatCompletions {
	return &provider.ChatCompletions{
		Model: string(msg.Model),
		Choices: []provider.ChatChoice{{
			Content:      text,
			FinishReason: string(msg.StopReason),
		}},
		Usage: provider.Usage{
			PromptTokens:     msg.Usage.InputTokens,
			CompletionTokens: msg.Usage.OutputTokens,
			TotalTokens:      msg.Usage.InputTokens + msg.Usage.OutputTokens,
		},
	}
}
