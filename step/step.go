package step

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/casualjim/brook/internal/registry"
	"github.com/casualjim/brook/pkg/future"
	"github.com/casualjim/brook/pkg/slogx"
	"github.com/casualjim/brook/provider"
	"github.com/casualjim/brook/record"
	"github.com/goccy/go-json"
)

var (
	ErrInvalidConfig  = errors.New("invalid step configuration")
	ErrUnknownStep    = errors.New("unknown step type")
	ErrUnknownService = errors.New("unknown ai service")
	ErrStepPanic      = errors.New("step panicked")
)

type Step interface {
	Start(ctx context.Context) error
	// ProcessAsync completes when the step's output is attached to rc.
	ProcessAsync(ctx context.Context, rc *record.Context) future.Future[struct{}]
	Close() error
}

// Definition is the configuration of one step in a pipeline.
type Definition struct {
	Type          string         `json:"type" mapstructure:"type"`
	When          string         `json:"when,omitempty" mapstructure:"when"`
	Configuration map[string]any `json:"configuration,omitempty" mapstructure:"configuration"`
}

// AnswersConsumerFactory opens a consumer that forwards partial answers to
// the named topic.
type AnswersConsumerFactory func(ctx context.Context, topic string) (StreamingAnswersConsumer, error)

// Resources are the shared dependencies handed to step factories.
type Resources struct {
	Services  map[string]provider.CompletionsService
	Answers   AnswersConsumerFactory
	Templates *TemplateCache
	Schemas   *record.SchemaCache
	Logger    *slog.Logger
}

func (r *Resources) logger() *slog.Logger {
	if r == nil || r.Logger == nil {
		return slog.Default().With(slogx.LoggerName("brook.step"))
	}
	return r.Logger
}

func (r *Resources) templates() *TemplateCache {
	if r == nil || r.Templates == nil {
		return NewTemplateCache()
	}
	return r.Templates
}

func (r *Resources) schemas() *record.SchemaCache {
	if r == nil {
		return nil
	}
	return r.Schemas
}

// Service resolves an ai service by name. An empty name is accepted when
// exactly one service is configured.
func (r *Resources) Service(name string) (provider.CompletionsService, error) {
	if r == nil || len(r.Services) == 0 {
		return nil, fmt.Errorf("%w: no ai services configured", ErrUnknownService)
	}
	if name == "" {
		if len(r.Services) == 1 {
			for _, svc := range r.Services {
				return svc, nil
			}
		}
		return nil, fmt.Errorf("%w: ai-service is required when %d services are configured", ErrInvalidConfig, len(r.Services))
	}
	svc, ok := r.Services[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
	return svc, nil
}

// Factory builds a step from its configuration map.
type Factory func(ctx context.Context, config map[string]any, res *Resources) (Step, error)

var factories = registry.New[Factory]("step")

// Register makes a step type available to Build. It panics when the type is
// registered twice.
func Register(kind string, factory Factory) {
	if factory == nil {
		panic("step: Register factory is nil")
	}
	factories.MustRegister(kind, factory)
}

func Types() []string {
	return factories.Names()
}

// Build creates the step for def, wrapped in its when condition if it has
// one.
func Build(ctx context.Context, def Definition, res *Resources) (Step, error) {
	factory, ok := factories.Lookup(def.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStep, def.Type)
	}
	s, err := factory(ctx, def.Configuration, res)
	if err != nil {
		return nil, fmt.Errorf("building %s step: %w", def.Type, err)
	}
	if def.When == "" {
		return s, nil
	}
	guarded, err := When(def.When, s, res.templates(), res.logger())
	if err != nil {
		return nil, errors.Join(err, s.Close())
	}
	return guarded, nil
}

// BuildChain builds every definition and composes them in order. Steps
// built before a failure are closed.
func BuildChain(ctx context.Context, defs []Definition, res *Resources) (Step, error) {
	steps := make([]Step, 0, len(defs))
	for _, def := range defs {
		s, err := Build(ctx, def, res)
		if err != nil {
			for i := len(steps) - 1; i >= 0; i-- {
				err = errors.Join(err, steps[i].Close())
			}
			return nil, err
		}
		steps = append(steps, s)
	}
	return Chain(steps...), nil
}

// decodeConfig maps a configuration map onto a typed struct through its
// json tags.
func decodeConfig(config map[string]any, target any) error {
	if config == nil {
		config = map[string]any{}
	}
	b, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := json.Unmarshal(b, target); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
