// Package nats is the NATS JetStream topics backend. Every topic is a stream
// with a single subject of the same name; consumer groups are durable pull
// consumers on that stream.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/casualjim/brook/pkg/natsx"
	"github.com/casualjim/brook/pkg/slogx"
	"github.com/casualjim/brook/topics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	BackendName = "nats"

	// keyHeader carries the record key, NATS messages have none.
	keyHeader = "Brook-Key"
)

func init() {
	topics.Register(BackendName, New)
}

type runtime struct {
	scope  *topics.Scope
	logger *slog.Logger

	mu sync.Mutex
	nc *nats.Conn
	js jetstream.JetStream
}

func New(scope *topics.Scope) (topics.TopicConnectionsRuntime, error) {
	return &runtime{
		scope:  scope,
		logger: scope.Logger().With(slogx.LoggerName("brook.topics.nats")),
	}, nil
}

// Init connects with the cluster settings read by natsx.FromConfig.
func (r *runtime) Init(_ context.Context, cluster topics.StreamingCluster) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nc != nil {
		return nil
	}

	nc, err := natsx.Connect(natsx.FromConfig(cluster.Configuration))
	if err != nil {
		return fmt.Errorf("nats: connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("nats: jetstream: %w", err)
	}
	r.nc, r.js = nc, js
	r.scope.Set("conn", nc)
	r.logger.Info("connected", slog.String("url", nc.ConnectedUrlRedacted()))
	return nil
}

func (r *runtime) jetStream() (jetstream.JetStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.js == nil {
		return nil, errors.New("nats: runtime not initialized")
	}
	return r.js, nil
}

func (r *runtime) Deploy(ctx context.Context, plan *topics.ExecutionPlan) error {
	js, err := r.jetStream()
	if err != nil {
		return err
	}
	return topics.DeployPlan(ctx, &admin{js: js}, plan)
}

func (r *runtime) Delete(ctx context.Context, plan *topics.ExecutionPlan) error {
	js, err := r.jetStream()
	if err != nil {
		return err
	}
	return topics.DeletePlan(ctx, &admin{js: js}, plan)
}

func (r *runtime) CreateConsumer(_ context.Context, agentID string, _ topics.StreamingCluster, config map[string]any) (topics.Consumer, error) {
	js, err := r.jetStream()
	if err != nil {
		return nil, err
	}
	topic, err := topics.RequireTopic(config)
	if err != nil {
		return nil, err
	}
	return &consumer{
		js:          js,
		topic:       topic,
		group:       topics.ConfigString(config, topics.ConfigGroup, agentID),
		pollTimeout: topics.ConfigDuration(config, topics.ConfigPollTimeout, topics.DefaultPollTimeout),
		maxRecords:  topics.ConfigInt(config, topics.ConfigMaxRecords, 100),
	}, nil
}

func (r *runtime) CreateProducer(_ context.Context, _ string, _ topics.StreamingCluster, config map[string]any) (topics.Producer, error) {
	js, err := r.jetStream()
	if err != nil {
		return nil, err
	}
	topic, err := topics.RequireTopic(config)
	if err != nil {
		return nil, err
	}
	return &producer{js: js, topic: topic}, nil
}

func (r *runtime) CreateDeadletterProducer(_ context.Context, _ string, _ topics.StreamingCluster, config map[string]any) (topics.Producer, error) {
	js, err := r.jetStream()
	if err != nil {
		return nil, err
	}
	topic, err := topics.DeadletterTopic(config)
	if err != nil {
		return nil, err
	}
	return &producer{js: js, topic: topic}, nil
}

func (r *runtime) CreateReader(_ context.Context, _ topics.StreamingCluster, config map[string]any, initial topics.Position) (topics.Reader, error) {
	js, err := r.jetStream()
	if err != nil {
		return nil, err
	}
	topic, err := topics.RequireTopic(config)
	if err != nil {
		return nil, err
	}
	return &reader{
		js:          js,
		topic:       topic,
		initial:     initial,
		pollTimeout: topics.ConfigDuration(config, topics.ConfigPollTimeout, topics.DefaultPollTimeout),
		maxRecords:  topics.ConfigInt(config, topics.ConfigMaxRecords, 100),
	}, nil
}

func (r *runtime) CreateTopicAdmin(context.Context, string, topics.StreamingCluster, map[string]any) (topics.TopicAdmin, error) {
	js, err := r.jetStream()
	if err != nil {
		return nil, err
	}
	return &admin{js: js}, nil
}

func (r *runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nc == nil {
		return nil
	}
	err := r.nc.Drain()
	r.nc, r.js = nil, nil
	return err
}

// streamName maps a topic to a valid stream name.
func streamName(topic string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "/", "_").Replace(topic)
}

func ensureStream(ctx context.Context, js jetstream.JetStream, def topics.TopicDefinition) (jetstream.Stream, error) {
	name := streamName(def.Name)
	s, err := js.Stream(ctx, name)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil, err
	}
	replicas := def.Replicas
	if replicas <= 0 {
		replicas = 1
	}
	return js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     name,
		Subjects: []string{def.Name},
		Replicas: replicas,
	})
}

func toRecord(topic string, msg jetstream.Msg) topics.Record {
	rec := topics.Record{
		Value:  msg.Data(),
		Topic:  topic,
		Handle: msg,
	}
	if h := msg.Headers(); len(h) > 0 {
		rec.Headers = make(map[string]string, len(h))
		for k := range h {
			if k == keyHeader {
				rec.Key = []byte(h.Get(k))
				continue
			}
			rec.Headers[k] = h.Get(k)
		}
	}
	if md, err := msg.Metadata(); err == nil {
		rec.Timestamp = md.Timestamp
	}
	return rec
}

func fetch(c jetstream.Consumer, topic string, max int, wait time.Duration) ([]topics.Record, error) {
	batch, err := c.Fetch(max, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, err
	}
	var out []topics.Record
	for msg := range batch.Messages() {
		out = append(out, toRecord(topic, msg))
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return out, err
	}
	return out, nil
}
