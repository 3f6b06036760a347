package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/casualjim/brook/topics"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

type consumer struct {
	opts        []kgo.Opt
	topic       string
	group       string
	pollTimeout time.Duration
	maxRecords  int

	client *kgo.Client
	read   atomic.Int64
	closed atomic.Bool
}

func (c *consumer) Start(context.Context) error {
	cl, err := kgo.NewClient(c.opts...)
	if err != nil {
		return fmt.Errorf("kafka: consumer client: %w", err)
	}
	c.client = cl
	return nil
}

func (c *consumer) Read(ctx context.Context) ([]topics.Record, error) {
	if c.closed.Load() {
		return nil, topics.ErrClosed
	}
	if c.client == nil {
		return nil, errors.New("kafka: consumer not started")
	}
	recs, err := poll(ctx, c.client, c.maxRecords, c.pollTimeout)
	c.read.Add(int64(len(recs)))
	return recs, err
}

func (c *consumer) Commit(ctx context.Context, records []topics.Record) error {
	if len(records) == 0 {
		return nil
	}
	krecs := make([]*kgo.Record, 0, len(records))
	for _, rec := range records {
		kr, ok := rec.Handle.(*kgo.Record)
		if !ok {
			return errors.New("kafka: record from another backend")
		}
		krecs = append(krecs, kr)
	}
	if err := c.client.CommitRecords(ctx, krecs...); err != nil {
		return fmt.Errorf("kafka: commit: %w", err)
	}
	return nil
}

func (c *consumer) Close() error {
	if c.closed.CompareAndSwap(false, true) && c.client != nil {
		c.client.Close()
	}
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

// poll returns what arrived within timeout. Deadline errors only mean the
// poll was idle.
func poll(ctx context.Context, cl *kgo.Client, max int, timeout time.Duration) ([]topics.Record, error) {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fetches := cl.PollRecords(pctx, max)
	if fetches.IsClientClosed() {
		return nil, topics.ErrClosed
	}
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}
		return nil, fmt.Errorf("kafka: fetch %s/%d: %w", fe.Topic, fe.Partition, fe.Err)
	}

	var out []topics.Record
	fetches.EachRecord(func(r *kgo.Record) {
		out = append(out, toRecord(r))
	})
	return out, nil
}

func toRecord(r *kgo.Record) topics.Record {
	rec := topics.Record{
		Key:       r.Key,
		Value:     r.Value,
		Topic:     r.Topic,
		Timestamp: r.Timestamp,
		Handle:    r,
	}
	if len(r.Headers) > 0 {
		rec.Headers = make(map[string]string, len(r.Headers))
		for _, h := range r.Headers {
			rec.Headers[h.Key] = string(h.Value)
		}
	}
	return rec
}

type producer struct {
	opts  []kgo.Opt
	topic string

	client  *kgo.Client
	written atomic.Int64
	closed  atomic.Bool
}

func (p *producer) Start(context.Context) error {
	cl, err := kgo.NewClient(p.opts...)
	if err != nil {
		return fmt.Errorf("kafka: producer client: %w", err)
	}
	p.client = cl
	return nil
}

func (p *producer) Write(ctx context.Context, rec topics.Record) error {
	if p.closed.Load() {
		return topics.ErrClosed
	}
	if p.client == nil {
		return errors.New("kafka: producer not started")
	}
	kr := &kgo.Record{Topic: p.topic, Key: rec.Key, Value: rec.Value}
	for k, v := range rec.Headers {
		kr.Headers = append(kr.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	if err := p.client.ProduceSync(ctx, kr).FirstErr(); err != nil {
		return fmt.Errorf("kafka: produce to %s: %w", p.topic, err)
	}
	p.written.Add(1)
	return nil
}

func (p *producer) Close() error {
	if p.closed.CompareAndSwap(false, true) && p.client != nil {
		p.client.Close()
	}
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
	opts        []kgo.Opt
	topic       string
	pollTimeout time.Duration
	maxRecords  int

	client *kgo.Client
	closed atomic.Bool
}

func (r *reader) Start(context.Context) error {
	cl, err := kgo.NewClient(r.opts...)
	if err != nil {
		return fmt.Errorf("kafka: reader client: %w", err)
	}
	r.client = cl
	return nil
}

func (r *reader) Read(ctx context.Context) ([]topics.Record, error) {
	if r.closed.Load() {
		return nil, topics.ErrClosed
	}
	if r.client == nil {
		return nil, errors.New("kafka: reader not started")
	}
	return poll(ctx, r.client, r.maxRecords, r.pollTimeout)
}

func (r *reader) Close() error {
	if r.closed.CompareAndSwap(false, true) && r.client != nil {
		r.client.Close()
	}
	return nil
}

type admin struct {
	adm *kadm.Client
}

func (a *admin) Start(context.Context) error { return nil }

func (a *admin) EnsureTopic(ctx context.Context, def topics.TopicDefinition) error {
	partitions := int32(def.Partitions)
	if partitions <= 0 {
		partitions = 1
	}
	replicas := int16(def.Replicas)
	if replicas <= 0 {
		replicas = -1
	}
	var configs map[string]*string
	if len(def.Config) > 0 {
		configs = make(map[string]*string, len(def.Config))
		for k, v := range def.Config {
			configs[k] = kadm.StringPtr(v)
		}
	}
	resp, err := a.adm.CreateTopics(ctx, partitions, replicas, configs, def.Name)
	if err != nil {
		return fmt.Errorf("kafka: create topic %s: %w", def.Name, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("kafka: create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

func (a *admin) DeleteTopic(ctx context.Context, name string) error {
	resp, err := a.adm.DeleteTopics(ctx, name)
	if err != nil {
		return fmt.Errorf("kafka: delete topic %s: %w", name, err)
	}
	for _, r := range resp {
		if errors.Is(r.Err, kerr.UnknownTopicOrPartition) {
			return topics.ErrTopicNotFound
		}
		if r.Err != nil {
			return fmt.Errorf("kafka: delete topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

// Close is a no-op: the admin shares the runtime's client.
func (a *admin) Close() error { return nil }
