package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync/atomic"
	"time"

	"github.com/casualjim/brook/pkg/slogx"
	"github.com/casualjim/brook/provider"
	"github.com/casualjim/brook/record"
	"github.com/casualjim/brook/step"
	"github.com/casualjim/brook/topics"
)

const (
	HeaderErrorMessage = "error-msg"
	HeaderErrorClass   = "error-class"
)

type pod struct {
	cfg    PodConfiguration
	facade *topics.Facade
	status *AgentStatus
	stop   *atomic.Bool
	logger *slog.Logger
	res    *step.Resources

	consumer   topics.Consumer
	producer   topics.Producer
	deadletter topics.Producer
	chain      step.Step
	services   []provider.CompletionsService
}

// setup opens every resource of the pod. Whatever was opened before a
// failure is released by close.
func (p *pod) setup(ctx context.Context) error {
	services := make(map[string]provider.CompletionsService, len(p.cfg.Resources))
	for name, rc := range p.cfg.Resources {
		svc, err := provider.NewService(rc.Type, rc.Configuration)
		if err != nil {
			return fmt.Errorf("resource %s: %w", name, err)
		}
		p.services = append(p.services, svc)
		services[name] = svc
	}
	p.res.Services = services
	p.res.Answers = p.openAnswers

	var err error
	if p.consumer, err = p.facade.CreateConsumer(ctx, p.cfg.AgentID, p.cfg.Cluster, p.cfg.Input); err != nil {
		return fmt.Errorf("creating consumer: %w", err)
	}
	if err = p.consumer.Start(ctx); err != nil {
		return fmt.Errorf("starting consumer: %w", err)
	}
	if p.cfg.Output != nil {
		if p.producer, err = p.facade.CreateProducer(ctx, p.cfg.AgentID, p.cfg.Cluster, p.cfg.Output); err != nil {
			return fmt.Errorf("creating producer: %w", err)
		}
		if err = p.producer.Start(ctx); err != nil {
			return fmt.Errorf("starting producer: %w", err)
		}
	}
	if p.cfg.onFailure() == DeadLetter {
		if p.deadletter, err = p.facade.CreateDeadletterProducer(ctx, p.cfg.AgentID, p.cfg.Cluster, p.cfg.Input); err != nil {
			return fmt.Errorf("creating dead-letter producer: %w", err)
		}
		if err = p.deadletter.Start(ctx); err != nil {
			return fmt.Errorf("starting dead-letter producer: %w", err)
		}
	}

	if p.chain, err = step.BuildChain(ctx, p.cfg.Steps, p.res); err != nil {
		return err
	}
	if err = p.chain.Start(ctx); err != nil {
		return fmt.Errorf("starting steps: %w", err)
	}

	var producerInfo map[string]any
	if p.producer != nil {
		producerInfo = p.producer.Info()
	}
	p.status.setInfo(p.consumer.Info(), producerInfo)
	return nil
}

func (p *pod) openAnswers(ctx context.Context, topic string) (step.StreamingAnswersConsumer, error) {
	cfg := maps.Clone(p.cfg.Output)
	if cfg == nil {
		cfg = map[string]any{}
	}
	cfg[topics.ConfigTopic] = topic
	producer, err := p.facade.CreateProducer(ctx, p.cfg.AgentID, p.cfg.Cluster, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating answers producer for %s: %w", topic, err)
	}
	answers, err := step.NewTopicAnswersConsumer(ctx, topic, producer)
	if err != nil {
		return nil, errors.Join(err, producer.Close())
	}
	return answers, nil
}

func (p *pod) run(ctx context.Context) error {
	for loops := 0; ; loops++ {
		if p.stop.Load() || ctx.Err() != nil {
			return nil
		}
		if p.cfg.MaxLoops > 0 && loops >= p.cfg.MaxLoops {
			return nil
		}

		records, err := p.consumer.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}
		for _, rec := range records {
			if err := p.handle(ctx, rec); err != nil {
				return err
			}
		}
	}
}

func (p *pod) handle(ctx context.Context, rec topics.Record) error {
	p.status.recordIn()

	var lastErr error
	for attempt := 0; attempt <= p.cfg.Errors.Retries; attempt++ {
		rc := toContext(rec)
		_, err := p.chain.ProcessAsync(ctx, rc).Get(ctx)
		if err == nil {
			return p.emit(ctx, rec, rc)
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil
		}
		p.logger.DebugContext(ctx, "record processing failed",
			slogx.Topic(rec.Topic), slog.Int("attempt", attempt+1), slogx.Error(err))
	}
	p.status.errors.Add(1)

	switch p.cfg.onFailure() {
	case SkipRecord:
		p.logger.WarnContext(ctx, "skipping failed record", slogx.Topic(rec.Topic), slogx.Error(lastErr))
		p.status.skipped.Add(1)
		return p.commit(ctx, rec)
	case DeadLetter:
		dl := rec
		dl.Headers = maps.Clone(rec.Headers)
		if dl.Headers == nil {
			dl.Headers = map[string]string{}
		}
		dl.Headers[HeaderErrorMessage] = lastErr.Error()
		dl.Headers[HeaderErrorClass] = errorClass(lastErr)
		dl.Handle = nil
		if err := p.deadletter.Write(ctx, dl); err != nil {
			return fmt.Errorf("writing dead-letter record: %w", errors.Join(lastErr, err))
		}
		p.logger.WarnContext(ctx, "record sent to dead-letter topic", slogx.Topic(rec.Topic), slogx.Error(lastErr))
		p.status.deadLettered.Add(1)
		return p.commit(ctx, rec)
	default:
		return fmt.Errorf("processing record from %s: %w", rec.Topic, lastErr)
	}
}

func (p *pod) emit(ctx context.Context, rec topics.Record, rc *record.Context) error {
	if p.producer != nil {
		out, err := toRecord(rc)
		if err != nil {
			return fmt.Errorf("encoding output: %w", err)
		}
		if err := p.producer.Write(ctx, out); err != nil {
			return fmt.Errorf("writing output: %w", err)
		}
		p.status.recordsOut.Add(1)
	}
	return p.commit(ctx, rec)
}

func (p *pod) commit(ctx context.Context, rec topics.Record) error {
	if err := p.consumer.Commit(ctx, []topics.Record{rec}); err != nil {
		return fmt.Errorf("committing input: %w", err)
	}
	return nil
}

// close releases the pod's resources in reverse order of creation.
func (p *pod) close() error {
	var errs []error
	if p.chain != nil {
		errs = append(errs, p.chain.Close())
	}
	if p.deadletter != nil {
		errs = append(errs, p.deadletter.Close())
	}
	if p.producer != nil {
		errs = append(errs, p.producer.Close())
	}
	if p.consumer != nil {
		errs = append(errs, p.consumer.Close())
	}
	for _, svc := range p.services {
		errs = append(errs, svc.Close())
	}
	return errors.Join(errs...)
}

func toContext(rec topics.Record) *record.Context {
	var key any
	if rec.Key != nil {
		key = string(rec.Key)
	}
	rc := record.New(key, string(rec.Value))
	for k, v := range rec.Headers {
		rc.Properties[k] = v
	}
	rc.Topic = rec.Topic
	rc.EventTime = rec.Timestamp
	return rc
}

func toRecord(rc *record.Context) (topics.Record, error) {
	key, err := rc.KeyBytes()
	if err != nil {
		return topics.Record{}, err
	}
	value, err := rc.ValueBytes()
	if err != nil {
		return topics.Record{}, err
	}
	return topics.Record{
		Key:       key,
		Value:     value,
		Headers:   maps.Clone(rc.Properties),
		Timestamp: time.Now(),
	}, nil
}

// errorClass names the innermost error type.
func errorClass(err error) string {
	for {
		var next error
		switch e := err.(type) {
		case interface{ Unwrap() error }:
			next = e.Unwrap()
		case interface{ Unwrap() []error }:
			if errs := e.Unwrap(); len(errs) > 0 {
				next = errs[0]
			}
		}
		if next == nil {
			return fmt.Sprintf("%T", err)
		}
		err = next
	}
}
