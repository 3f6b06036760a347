package nats

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/casualjim/brook/topics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

type consumer struct {
	js          jetstream.JetStream
	topic       string
	group       string
	pollTimeout time.Duration
	maxRecords  int

	cons   jetstream.Consumer
	read   atomic.Int64
	closed atomic.Bool
}

func (c *consumer) Start(ctx context.Context) error {
	s, err := ensureStream(ctx, c.js, topics.TopicDefinition{Name: c.topic})
	if err != nil {
		return fmt.Errorf("nats: stream for %s: %w", c.topic, err)
	}
	cons, err := s.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       streamName(c.group),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("nats: consumer %s: %w", c.group, err)
	}
	c.cons = cons
	return nil
}

func (c *consumer) Read(ctx context.Context) ([]topics.Record, error) {
	if c.closed.Load() {
		return nil, topics.ErrClosed
	}
	if c.cons == nil {
		return nil, errors.New("nats: consumer not started")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	recs, err := fetch(c.cons, c.topic, c.maxRecords, c.pollTimeout)
	c.read.Add(int64(len(recs)))
	return recs, err
}

// Commit acknowledges records and waits for the server to confirm.
func (c *consumer) Commit(ctx context.Context, records []topics.Record) error {
	for _, rec := range records {
		msg, ok := rec.Handle.(jetstream.Msg)
		if !ok {
			return errors.New("nats: record from another backend")
		}
		if err := msg.DoubleAck(ctx); err != nil && !errors.Is(err, jetstream.ErrMsgAlreadyAckd) {
			return fmt.Errorf("nats: ack: %w", err)
		}
	}
	return nil
}

func (c *consumer) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *consumer) Info() map[string]any {
	return map[string]any{
		"type":  BackendName,
		"topic": c.topic,
		"group": c.group,
		"read":  c.read.Load(),
	}
}

type producer struct {
	js      jetstream.JetStream
	topic   string
	written atomic.Int64
	closed  atomic.Bool
}

func (p *producer) Start(ctx context.Context) error {
	if _, err := ensureStream(ctx, p.js, topics.TopicDefinition{Name: p.topic}); err != nil {
		return fmt.Errorf("nats: stream for %s: %w", p.topic, err)
	}
	return nil
}

func (p *producer) Write(ctx context.Context, rec topics.Record) error {
	if p.closed.Load() {
		return topics.ErrClosed
	}
	msg := nats.NewMsg(p.topic)
	msg.Data = rec.Value
	for k, v := range rec.Headers {
		msg.Header.Set(k, v)
	}
	if len(rec.Key) > 0 {
		msg.Header.Set(keyHeader, string(rec.Key))
	}
	if _, err := p.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats: publish to %s: %w", p.topic, err)
	}
	p.written.Add(1)
	return nil
}

func (p *producer) Close() error {
	p.closed.Store(true)
	return nil
}

func (p *producer) Info() map[string]any {
	return map[string]any{
		"type":    BackendName,
		"topic":   p.topic,
		"written": p.written.Load(),
	}
}

type reader struct {
	js          jetstream.JetStream
	topic       string
	initial     topics.Position
	pollTimeout time.Duration
	maxRecords  int

	cons   jetstream.Consumer
	closed atomic.Bool
}

func (r *reader) Start(ctx context.Context) error {
	policy := jetstream.DeliverAllPolicy
	if r.initial == topics.Latest {
		policy = jetstream.DeliverNewPolicy
	}
	if _, err := ensureStream(ctx, r.js, topics.TopicDefinition{Name: r.topic}); err != nil {
		return fmt.Errorf("nats: stream for %s: %w", r.topic, err)
	}
	cons, err := r.js.OrderedConsumer(ctx, streamName(r.topic), jetstream.OrderedConsumerConfig{
		DeliverPolicy: policy,
	})
	if err != nil {
		return fmt.Errorf("nats: reader for %s: %w", r.topic, err)
	}
	r.cons = cons
	return nil
}

func (r *reader) Read(ctx context.Context) ([]topics.Record, error) {
	if r.closed.Load() {
		return nil, topics.ErrClosed
	}
	if r.cons == nil {
		return nil, errors.New("nats: reader not started")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return fetch(r.cons, r.topic, r.maxRecords, r.pollTimeout)
}

func (r *reader) Close() error {
	r.closed.Store(true)
	return nil
}

type admin struct {
	js jetstream.JetStream
}

func (a *admin) Start(context.Context) error { return nil }

func (a *admin) EnsureTopic(ctx context.Context, def topics.TopicDefinition) error {
	_, err := ensureStream(ctx, a.js, def)
	return err
}

func (a *admin) DeleteTopic(ctx context.Context, name string) error {
	err := a.js.DeleteStream(ctx, streamName(name))
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		return topics.ErrTopicNotFound
	}
	return err
}

func (a *admin) Close() error { return nil }
