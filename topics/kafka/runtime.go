// Package kafka is the Kafka topics backend built on franz-go. Consumers
// are group members with manual commits; topic administration goes through
// kadm.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/casualjim/brook/pkg/slogx"
	"github.com/casualjim/brook/topics"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

const BackendName = "kafka"

func init() {
	topics.Register(BackendName, New)
}

// Config is the cluster configuration understood by the backend.
type Config struct {
	Brokers  []string
	ClientID string
	TLS      bool
	Username string
	Password string
}

func configFrom(cluster topics.StreamingCluster) (Config, error) {
	c := cluster.Configuration
	cfg := Config{
		Brokers:  topics.ConfigStrings(c, "bootstrap-servers"),
		ClientID: topics.ConfigString(c, "client-id", "brook"),
		TLS:      topics.ConfigString(c, "tls", "false") == "true",
		Username: topics.ConfigString(c, "username", ""),
		Password: topics.ConfigString(c, "password", ""),
	}
	if len(cfg.Brokers) == 0 {
		cfg.Brokers = topics.ConfigStrings(c, "brokers")
	}
	if len(cfg.Brokers) == 0 {
		return cfg, errors.New("kafka: bootstrap-servers is required")
	}
	return cfg, nil
}

func (c Config) clientOpts(clientID string) []kgo.Opt {
	if clientID == "" {
		clientID = c.ClientID
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(c.Brokers...),
		kgo.ClientID(clientID),
	}
	if c.TLS {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}
	if c.Username != "" {
		kopts = append(kopts, kgo.SASL(plain.Auth{User: c.Username, Pass: c.Password}.AsMechanism()))
	}
	return kopts
}

type runtime struct {
	scope  *topics.Scope
	logger *slog.Logger

	mu     sync.Mutex
	cfg    Config
	client *kgo.Client
	admin  *kadm.Client
}

func New(scope *topics.Scope) (topics.TopicConnectionsRuntime, error) {
	return &runtime{
		scope:  scope,
		logger: scope.Logger().With(slogx.LoggerName("brook.topics.kafka")),
	}, nil
}

// Init creates the runtime's admin client. Consumers and producers get
// clients of their own.
func (r *runtime) Init(ctx context.Context, cluster topics.StreamingCluster) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return nil
	}

	cfg, err := configFrom(cluster)
	if err != nil {
		return err
	}
	cl, err := kgo.NewClient(cfg.clientOpts("")...)
	if err != nil {
		return fmt.Errorf("kafka: new client: %w", err)
	}
	if err := cl.Ping(ctx); err != nil {
		cl.Close()
		return fmt.Errorf("kafka: ping %v: %w", cfg.Brokers, err)
	}
	r.cfg, r.client, r.admin = cfg, cl, kadm.NewClient(cl)
	r.scope.Set("admin", r.admin)
	r.logger.Info("connected", slog.Any("brokers", cfg.Brokers))
	return nil
}

func (r *runtime) config() (Config, *kadm.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return Config{}, nil, errors.New("kafka: runtime not initialized")
	}
	return r.cfg, r.admin, nil
}

func (r *runtime) Deploy(ctx context.Context, plan *topics.ExecutionPlan) error {
	_, adm, err := r.config()
	if err != nil {
		return err
	}
	return topics.DeployPlan(ctx, &admin{adm: adm}, plan)
}

func (r *runtime) Delete(ctx context.Context, plan *topics.ExecutionPlan) error {
	_, adm, err := r.config()
	if err != nil {
		return err
	}
	return topics.DeletePlan(ctx, &admin{adm: adm}, plan)
}

func (r *runtime) CreateConsumer(_ context.Context, agentID string, _ topics.StreamingCluster, config map[string]any) (topics.Consumer, error) {
	cfg, _, err := r.config()
	if err != nil {
		return nil, err
	}
	topic, err := topics.RequireTopic(config)
	if err != nil {
		return nil, err
	}
	group := topics.ConfigString(config, topics.ConfigGroup, agentID)
	opts := append(cfg.clientOpts(agentID),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	return &consumer{
		opts:        opts,
		topic:       topic,
		group:       group,
		pollTimeout: topics.ConfigDuration(config, topics.ConfigPollTimeout, topics.DefaultPollTimeout),
		maxRecords:  topics.ConfigInt(config, topics.ConfigMaxRecords, 500),
	}, nil
}

func (r *runtime) CreateProducer(_ context.Context, agentID string, _ topics.StreamingCluster, config map[string]any) (topics.Producer, error) {
	topic, err := topics.RequireTopic(config)
	if err != nil {
		return nil, err
	}
	return r.producer(agentID, topic)
}

func (r *runtime) CreateDeadletterProducer(_ context.Context, agentID string, _ topics.StreamingCluster, config map[string]any) (topics.Producer, error) {
	topic, err := topics.DeadletterTopic(config)
	if err != nil {
		return nil, err
	}
	return r.producer(agentID, topic)
}

func (r *runtime) producer(agentID, topic string) (topics.Producer, error) {
	cfg, _, err := r.config()
	if err != nil {
		return nil, err
	}
	return &producer{
		opts:  append(cfg.clientOpts(agentID), kgo.DefaultProduceTopic(topic)),
		topic: topic,
	}, nil
}

func (r *runtime) CreateReader(_ context.Context, _ topics.StreamingCluster, config map[string]any, initial topics.Position) (topics.Reader, error) {
	cfg, _, err := r.config()
	if err != nil {
		return nil, err
	}
	topic, err := topics.RequireTopic(config)
	if err != nil {
		return nil, err
	}
	offset := kgo.NewOffset().AtStart()
	if initial == topics.Latest {
		offset = kgo.NewOffset().AtEnd()
	}
	return &reader{
		opts:        append(cfg.clientOpts(""), kgo.ConsumeTopics(topic), kgo.ConsumeResetOffset(offset)),
		topic:       topic,
		pollTimeout: topics.ConfigDuration(config, topics.ConfigPollTimeout, topics.DefaultPollTimeout),
		maxRecords:  topics.ConfigInt(config, topics.ConfigMaxRecords, 500),
	}, nil
}

func (r *runtime) CreateTopicAdmin(context.Context, string, topics.StreamingCluster, map[string]any) (topics.TopicAdmin, error) {
	_, adm, err := r.config()
	if err != nil {
		return nil, err
	}
	return &admin{adm: adm}, nil
}

func (r *runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		r.client.Close()
		r.client, r.admin = nil, nil
	}
	return nil
}
