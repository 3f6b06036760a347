package openai

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/casualjim/brook/pkg/future"
	"github.com/casualjim/brook/pkg/slogx"
	"github.com/casualjim/brook/pkg/uuidx"
	"github.com/casualjim/brook/provider"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const Kind = "openai"

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
	client *openai.Client
	logger *slog.Logger
}

func New(options ...option.RequestOption) *Provider {
	return &Provider{
		client: openai.NewClient(options...),
		logger: slog.Default().With(slogx.LoggerName("brook.provider.openai")),
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
			p.logger.DebugContext(ctx, "chat completion failed", slogx.Error(err))
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

func buildRequest(messages []provider.ChatMessage, o provider.Options) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Messages: openai.F(toOpenAI(messages)),
		Model:    openai.F(o.Model),
		N:        openai.Int(1),
	}
	if o.MaxTokens != nil {
		params.MaxTokens = openai.Int(*o.MaxTokens)
	}
	if o.Temperature != nil {
		params.Temperature = openai.Float(*o.Temperature)
	}
	if o.TopP != nil {
		params.TopP = openai.Float(*o.TopP)
	}
	if o.PresencePenalty != nil {
		params.PresencePenalty = openai.Float(*o.PresencePenalty)
	}
	if o.FrequencyPenalty != nil {
		params.FrequencyPenalty = openai.Float(*o.FrequencyPenalty)
	}
	if len(o.LogitBias) > 0 {
		params.LogitBias = openai.F(o.LogitBias)
	}
	if o.User != "" {
		params.User = openai.String(o.User)
	}
	if len(o.Stop) > 0 {
		params.Stop = openai.F[openai.ChatCompletionNewParamsStopUnion](openai.ChatCompletionNewParamsStopArray(o.Stop))
	}
	return params
}

func toOpenAI(messages []provider.ChatMessage) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case provider.RoleSystem:
			result = append(result, openai.SystemMessage(m.Content))
		case provider.RoleAssistant:
			result = append(result, openai.AssistantMessage(m.Content))
		default:
			result = append(result, openai.UserMessage(m.Content))
		}
	}
	return result
}

func (p *Provider) runStream(ctx context.Context, params openai.ChatCompletionNewParams, sink provider.ChunkSink, minChunks int) (*provider.ChatCompletions, error) {
	strm := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer strm.Close()

	batcher := provider.NewChunkBatcher(uuidx.NewString(), minChunks, sink)
	var acc openai.ChatCompletionAccumulator
	var finishReason string

	for strm.Next() {
		chunk := strm.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) == 0 {
			continue
		}
		batcher.Add(chunk.Choices[0].Delta.Content)
		if fr := string(chunk.Choices[0].FinishReason); fr != "" {
			finishReason = fr
		}
	}
	if err := strm.Err(); err != nil {
		return nil, fmt.Errorf("streaming chat completion: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	batcher.Finish(finishReason)
	compl := fromOpenAI(&acc.ChatCompletion)
	compl.ID = batcher.AnswerID()
	return compl, nil
}

func (p *Provider) runOnce(ctx context.Context, params openai.ChatCompletionNewParams) (*provider.ChatCompletions, error) {
	chat, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	compl := fromOpenAI(chat)
	compl.ID = uuidx.NewString()
	return compl, nil
}

func fromOpenAI(chat *openai.ChatCompletion) *provider.ChatCompletions {
	compl := &provider.ChatCompletions{
		Model:   chat.Model,
		Choices: make([]provider.ChatChoice, len(chat.Choices)),
		Usage: provider.Usage{
			PromptTokens:     chat.Usage.PromptTokens,
			CompletionTokens: chat.Usage.CompletionTokens,
			TotalTokens:      chat.Usage.TotalTokens,
		},
	}
	for i, c := range chat.Choices {
		compl.Choices[i] = provider.ChatChoice{
			Index:        i,
			Content:      c.Message.Content,
			FinishReason: string(c.FinishReason),
		}
	}
	return compl
}
