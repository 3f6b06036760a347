package step

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"text/template"

	"github.com/casualjim/brook/pkg/future"
	"github.com/casualjim/brook/pkg/slogx"
	"github.com/casualjim/brook/provider"
	"github.com/casualjim/brook/record"
	"github.com/fogfish/opts"
	"github.com/goccy/go-json"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const (
	ChatCompletionsType        = "ai-chat-completions"
	DefaultMinChunksPerMessage = 20
)

func init() {
	Register(ChatCompletionsType, func(ctx context.Context, config map[string]any, res *Resources) (Step, error) {
		var cfg ChatCompletionsConfig
		if err := decodeConfig(config, &cfg); err != nil {
			return nil, err
		}
		svc, err := res.Service(cfg.AIService)
		if err != nil {
			return nil, err
		}
		options := []opts.Option[ChatCompletions]{
			WithTemplateCache(res.templates()),
			WithSchemaCache(res.schemas()),
			WithLogger(res.logger()),
		}
		var answers StreamingAnswersConsumer
		if cfg.StreamToTopic != "" && res != nil && res.Answers != nil {
			if answers, err = res.Answers(ctx, cfg.StreamToTopic); err != nil {
				return nil, err
			}
			options = append(options, WithAnswersConsumer(answers))
		}
		s, err := NewChatCompletions(cfg, svc, options...)
		if err != nil {
			if answers != nil {
				err = errors.Join(err, answers.Close())
			}
			return nil, err
		}
		return s, nil
	})
}

type MessageTemplate struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatCompletionsConfig struct {
	Model                         string            `json:"model"`
	Messages                      []MessageTemplate `json:"messages"`
	CompletionField               string            `json:"completion-field"`
	StreamResponseCompletionField string            `json:"stream-response-completion-field,omitempty"`
	StreamToTopic                 string            `json:"stream-to-topic,omitempty"`
	Stream                        *bool             `json:"stream,omitempty"`
	MinChunksPerMessage           int               `json:"min-chunks-per-message,omitempty"`
	LogField                      string            `json:"log-field,omitempty"`
	MaxTokens                     *int64            `json:"max-tokens,omitempty"`
	Temperature                   *float64          `json:"temperature,omitempty"`
	TopP                          *float64          `json:"top-p,omitempty"`
	LogitBias                     map[string]int64  `json:"logit-bias,omitempty"`
	User                          string            `json:"user,omitempty"`
	Stop                          []string          `json:"stop,omitempty"`
	PresencePenalty               *float64          `json:"presence-penalty,omitempty"`
	FrequencyPenalty              *float64          `json:"frequency-penalty,omitempty"`
	AIService                     string            `json:"ai-service,omitempty"`
}

func (c *ChatCompletionsConfig) validate() error {
	var errs []error
	if c.Model == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if len(c.Messages) == 0 {
		errs = append(errs, errors.New("messages are required"))
	}
	if c.CompletionField == "" {
		errs = append(errs, errors.New("completion-field is required"))
	}
	if c.MinChunksPerMessage < 0 {
		errs = append(errs, errors.New("min-chunks-per-message must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

type compiledMessage struct {
	role    string
	content *template.Template
}

var (
	WithTemplateCache   = opts.ForName[ChatCompletions, *TemplateCache]("templates")
	WithSchemaCache     = opts.ForName[ChatCompletions, *record.SchemaCache]("schemas")
	WithAnswersConsumer = opts.ForName[ChatCompletions, StreamingAnswersConsumer]("answers")
	WithLogger          = opts.ForName[ChatCompletions, *slog.Logger]("logger")
)

// ChatCompletions renders a conversation from the record, asks a
// CompletionsService for the answer and writes it into the completion
// field. With an answers consumer and streaming enabled, partial answers
// are delivered on copies of the record while the request runs.
type ChatCompletions struct {
	config   ChatCompletionsConfig
	service  provider.CompletionsService
	messages []compiledMessage
	options  provider.Options

	templates *TemplateCache
	schemas   *record.SchemaCache
	answers   StreamingAnswersConsumer
	logger    *slog.Logger
}

// NewChatCompletions compiles every message template up front; a template
// that does not compile fails construction.
func NewChatCompletions(cfg ChatCompletionsConfig, service provider.CompletionsService, options ...opts.Option[ChatCompletions]) (*ChatCompletions, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if service == nil {
		return nil, fmt.Errorf("%w: no completions service", ErrInvalidConfig)
	}

	s := &ChatCompletions{
		config:  cfg,
		service: service,
	}
	if err := opts.Apply(s, options); err != nil {
		return nil, err
	}
	if s.templates == nil {
		s.templates = NewTemplateCache()
	}
	if s.logger == nil {
		s.logger = slog.Default().With(slogx.LoggerName("brook.step.chat"))
	}

	for _, m := range cfg.Messages {
		t, err := s.templates.Compile(m.Content)
		if err != nil {
			return nil, err
		}
		role := m.Role
		if role == "" {
			role = provider.RoleUser
		}
		s.messages = append(s.messages, compiledMessage{role: role, content: t})
	}

	stream := cfg.Stream == nil || *cfg.Stream
	minChunks := cfg.MinChunksPerMessage
	if minChunks == 0 {
		minChunks = DefaultMinChunksPerMessage
	}
	s.options = provider.Options{
		Model:               cfg.Model,
		MaxTokens:           cfg.MaxTokens,
		Temperature:         cfg.Temperature,
		TopP:                cfg.TopP,
		LogitBias:           cfg.LogitBias,
		User:                cfg.User,
		Stop:                cfg.Stop,
		PresencePenalty:     cfg.PresencePenalty,
		FrequencyPenalty:    cfg.FrequencyPenalty,
		Stream:              stream && s.answers != nil,
		MinChunksPerMessage: minChunks,
	}
	return s, nil
}

func (s *ChatCompletions) Start(context.Context) error { return nil }

func (s *ChatCompletions) ProcessAsync(ctx context.Context, rc *record.Context) future.Future[struct{}] {
	view := rc.TemplateView()
	messages := make([]provider.ChatMessage, len(s.messages))
	for i, m := range s.messages {
		content, err := render(m.content, view)
		if err != nil {
			return future.Failed[struct{}](fmt.Errorf("rendering message %d: %w", i, err))
		}
		messages[i] = provider.ChatMessage{Role: m.role, Content: content}
	}

	var sink provider.ChunkSink
	if s.options.Stream {
		sink = s.chunkSink(ctx, rc)
	}

	answer := s.service.ChatCompletions(ctx, messages, sink, s.options)
	return future.Then(answer, func(compl *provider.ChatCompletions) (struct{}, error) {
		if err := rc.SetResultField(compl.Text(), s.config.CompletionField, record.TypeString, s.schemas); err != nil {
			return struct{}{}, err
		}
		if s.config.LogField != "" {
			if err := s.writeLog(rc, messages); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	})
}

// chunkSink delivers every partial answer on its own copy of rc. rc itself
// is only read here.
func (s *ChatCompletions) chunkSink(ctx context.Context, rc *record.Context) provider.ChunkSink {
	field := s.config.StreamResponseCompletionField
	if field == "" {
		field = s.config.CompletionField
	}
	return func(answerID string, index int, chunk provider.ChatChoice, last bool) {
		cp := rc.Copy()
		cp.MarkStream(answerID, index, last)
		if err := cp.SetResultField(chunk.Content, field, record.TypeString, s.schemas); err != nil {
			s.logger.ErrorContext(ctx, "writing partial answer", slog.String("field", field), slogx.Error(err))
			return
		}
		if err := s.answers.StreamAnswerChunk(ctx, index, chunk.Content, last, cp); err != nil {
			s.logger.ErrorContext(ctx, "delivering partial answer",
				slog.String("answer_id", answerID), slog.Int("index", index), slogx.Error(err))
		}
	}
}

func (s *ChatCompletions) writeLog(rc *record.Context, messages []provider.ChatMessage) error {
	options := orderedmap.New[string, any]()
	setIf := func(key string, present bool, value any) {
		if present {
			options.Set(key, value)
		}
	}
	o := s.options
	setIf("max-tokens", o.MaxTokens != nil, o.MaxTokens)
	setIf("temperature", o.Temperature != nil, o.Temperature)
	setIf("top-p", o.TopP != nil, o.TopP)
	setIf("logit-bias", len(o.LogitBias) > 0, o.LogitBias)
	setIf("user", o.User != "", o.User)
	setIf("stop", len(o.Stop) > 0, o.Stop)
	setIf("presence-penalty", o.PresencePenalty != nil, o.PresencePenalty)
	setIf("frequency-penalty", o.FrequencyPenalty != nil, o.FrequencyPenalty)
	options.Set("stream", o.Stream)

	doc := orderedmap.New[string, any]()
	doc.Set("model", o.Model)
	doc.Set("options", options)
	doc.Set("messages", messages)

	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding completion log: %w", err)
	}
	return rc.SetResultField(string(b), s.config.LogField, record.TypeString, s.schemas)
}

// Close closes the answers consumer. The completions service is shared and
// owned by the caller.
func (s *ChatCompletions) Close() error {
	if s.answers != nil {
		return s.answers.Close()
	}
	return nil
}
