// Package local is the in-memory topics backend. Records live in the
// runtime that wrote them, which makes it the backend of choice for tests
// and single-process pipelines.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casualjim/brook/pkg/slogx"
	"github.com/casualjim/brook/topics"
)

const BackendName = "local"

func init() {
	topics.Register(BackendName, New)
}

type runtime struct {
	scope  *topics.Scope
	logger *slog.Logger
	broker *broker
	closed atomic.Bool
}

// New is the topics.Factory of the local backend.
func New(scope *topics.Scope) (topics.TopicConnectionsRuntime, error) {
	rt := &runtime{
		scope:  scope,
		logger: scope.Logger().With(slogx.LoggerName("brook.topics.local")),
		broker: newBroker(),
	}
	scope.Set("broker", rt.broker)
	return rt, nil
}

// open fails every call made after Close.
func (r *runtime) open() error {
	if r.closed.Load() {
		return topics.ErrClosed
	}
	return nil
}

func (r *runtime) Init(_ context.Context, cluster topics.StreamingCluster) error {
	if err := r.open(); err != nil {
		return err
	}
	if cluster.Type != "" && cluster.Type != BackendName {
		return fmt.Errorf("local: cannot serve cluster type %q", cluster.Type)
	}
	r.logger.Debug("local runtime initialized")
	return nil
}

func (r *runtime) Deploy(ctx context.Context, plan *topics.ExecutionPlan) error {
	if err := r.open(); err != nil {
		return err
	}
	return topics.DeployPlan(ctx, &admin{broker: r.broker}, plan)
}

func (r *runtime) Delete(ctx context.Context, plan *topics.ExecutionPlan) error {
	if err := r.open(); err != nil {
		return err
	}
	return topics.DeletePlan(ctx, &admin{broker: r.broker}, plan)
}

func (r *runtime) CreateConsumer(_ context.Context, agentID string, _ topics.StreamingCluster, config map[string]any) (topics.Consumer, error) {
	if err := r.open(); err != nil {
		return nil, err
	}
	topic, err := topics.RequireTopic(config)
	if err != nil {
		return nil, err
	}
	return &consumer{
		log:         r.broker.topic(topic),
		group:       topics.ConfigString(config, topics.ConfigGroup, agentID),
		pollTimeout: topics.ConfigDuration(config, topics.ConfigPollTimeout, topics.DefaultPollTimeout),
		maxRecords:  topics.ConfigInt(config, topics.ConfigMaxRecords, 100),
	}, nil
}

func (r *runtime) CreateProducer(_ context.Context, _ string, _ topics.StreamingCluster, config map[string]any) (topics.Producer, error) {
	if err := r.open(); err != nil {
		return nil, err
	}
	topic, err := topics.RequireTopic(config)
	if err != nil {
		return nil, err
	}
	return &producer{broker: r.broker, topic: topic}, nil
}

func (r *runtime) CreateDeadletterProducer(_ context.Context, _ string, _ topics.StreamingCluster, config map[string]any) (topics.Producer, error) {
	if err := r.open(); err != nil {
		return nil, err
	}
	topic, err := topics.DeadletterTopic(config)
	if err != nil {
		return nil, err
	}
	return &producer{broker: r.broker, topic: topic}, nil
}

func (r *runtime) CreateReader(_ context.Context, _ topics.StreamingCluster, config map[string]any, initial topics.Position) (topics.Reader, error) {
	if err := r.open(); err != nil {
		return nil, err
	}
	topic, err := topics.RequireTopic(config)
	if err != nil {
		return nil, err
	}
	return &reader{
		log:         r.broker.topic(topic),
		initial:     initial,
		pollTimeout: topics.ConfigDuration(config, topics.ConfigPollTimeout, topics.DefaultPollTimeout),
		maxRecords:  topics.ConfigInt(config, topics.ConfigMaxRecords, 100),
	}, nil
}

func (r *runtime) CreateTopicAdmin(context.Context, string, topics.StreamingCluster, map[string]any) (topics.TopicAdmin, error) {
	if err := r.open(); err != nil {
		return nil, err
	}
	return &admin{broker: r.broker}, nil
}

func (r *runtime) Close() error {
	r.closed.Store(true)
	return nil
}

type consumer struct {
	log         *topicLog
	group       string
	pollTimeout time.Duration
	maxRecords  int

	started atomic.Bool
	closed  atomic.Bool
}

func (c *consumer) Start(context.Context) error {
	if c.started.CompareAndSwap(false, true) {
		c.log.join(c.group)
	}
	return nil
}

func (c *consumer) Read(ctx context.Context) ([]topics.Record, error) {
	if c.closed.Load() {
		return nil, topics.ErrClosed
	}
	if !c.started.Load() {
		return nil, fmt.Errorf("local: consumer not started")
	}
	return c.log.fetch(ctx, func() *int { return &c.log.groups[c.group].next }, c.maxRecords, c.pollTimeout)
}

func (c *consumer) Commit(_ context.Context, records []topics.Record) error {
	for _, rec := range records {
		offset, ok := rec.Handle.(int)
		if !ok {
			return fmt.Errorf("local: record from another backend")
		}
		c.log.commit(c.group, offset)
	}
	return nil
}

func (c *consumer) Close() error {
	if c.closed.CompareAndSwap(false, true) && c.started.Load() {
		c.log.leave(c.group)
	}
	return nil
}

func (c *consumer) Info() map[string]any {
	return map[string]any{
		"type":     BackendName,
		"topic":    c.log.name,
		"group":    c.group,
		"position": c.log.position(c.group),
	}
}

type producer struct {
	broker  *broker
	topic   string
	written atomic.Int64
	closed  atomic.Bool
}

func (p *producer) Start(context.Context) error { return nil }

func (p *producer) Write(_ context.Context, rec topics.Record) error {
	if p.closed.Load() {
		return topics.ErrClosed
	}
	p.broker.topic(p.topic).append(rec)
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
	log         *topicLog
	initial     topics.Position
	pollTimeout time.Duration
	maxRecords  int

	once   sync.Once
	pos    int
	closed atomic.Bool
}

func (r *reader) Start(context.Context) error {
	r.once.Do(func() {
		if r.initial == topics.Latest {
			r.pos = r.log.size()
		}
	})
	return nil
}

func (r *reader) Read(ctx context.Context) ([]topics.Record, error) {
	if r.closed.Load() {
		return nil, topics.ErrClosed
	}
	return r.log.fetch(ctx, func() *int { return &r.pos }, r.maxRecords, r.pollTimeout)
}

func (r *reader) Close() error {
	r.closed.Store(true)
	return nil
}

type admin struct {
	broker *broker
}

func (a *admin) Start(context.Context) error { return nil }

func (a *admin) EnsureTopic(_ context.Context, def topics.TopicDefinition) error {
	a.broker.topic(def.Name)
	return nil
}

func (a *admin) DeleteTopic(_ context.Context, name string) error {
	if !a.broker.remove(name) {
		return topics.ErrTopicNotFound
	}
	return nil
}

func (a *admin) Close() error { return nil }
