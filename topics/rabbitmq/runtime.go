// Package rabbitmq is the RabbitMQ topics backend. A topic is a durable
// fanout exchange; each consumer group owns a durable queue bound to it, so
// every group sees every record and members of a group compete.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/casualjim/brook/pkg/slogx"
	"github.com/casualjim/brook/topics"
	"github.com/rabbitmq/amqp091-go"
)

const (
	BackendName = "rabbitmq"

	keyHeader = "brook-key"
)

func init() {
	topics.Register(BackendName, New)
}

type runtime struct {
	scope  *topics.Scope
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp091.Connection
}

func New(scope *topics.Scope) (topics.TopicConnectionsRuntime, error) {
	return &runtime{
		scope:  scope,
		logger: scope.Logger().With(slogx.LoggerName("brook.topics.rabbitmq")),
	}, nil
}

func (r *runtime) Init(_ context.Context, cluster topics.StreamingCluster) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return nil
	}

	c := cluster.Configuration
	url := topics.ConfigString(c, "url", topics.ConfigString(c, "uri", ""))
	if url == "" {
		return errors.New("rabbitmq: url is required")
	}
	dialCfg := amqp091.Config{Properties: amqp091.NewConnectionProperties()}
	dialCfg.Properties.SetClientConnectionName(topics.ConfigString(c, "name", "brook"))
	if user := topics.ConfigString(c, "username", ""); user != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: user, Password: topics.ConfigString(c, "password", "")}}
	}
	if topics.ConfigString(c, "tls", "false") == "true" {
		dialCfg.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	conn, err := amqp091.DialConfig(url, dialCfg)
	if err != nil {
		return fmt.Errorf("rabbitmq: dial: %w", err)
	}
	r.conn = conn
	r.scope.Set("conn", conn)
	r.logger.Info("connected")
	return nil
}

func (r *runtime) connection() (*amqp091.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil, errors.New("rabbitmq: runtime not initialized")
	}
	return r.conn, nil
}

func (r *runtime) Deploy(ctx context.Context, plan *topics.ExecutionPlan) error {
	conn, err := r.connection()
	if err != nil {
		return err
	}
	return topics.DeployPlan(ctx, &admin{conn: conn}, plan)
}

func (r *runtime) Delete(ctx context.Context, plan *topics.ExecutionPlan) error {
	conn, err := r.connection()
	if err != nil {
		return err
	}
	return topics.DeletePlan(ctx, &admin{conn: conn}, plan)
}

func (r *runtime) CreateConsumer(_ context.Context, agentID string, _ topics.StreamingCluster, config map[string]any) (topics.Consumer, error) {
	conn, err := r.connection()
	if err != nil {
		return nil, err
	}
	topic, err := topics.RequireTopic(config)
	if err != nil {
		return nil, err
	}
	group := topics.ConfigString(config, topics.ConfigGroup, agentID)
	return &consumer{
		conn:        conn,
		topic:       topic,
		group:       group,
		queue:       topic + "." + group,
		tag:         agentID,
		prefetch:    topics.ConfigInt(config, "prefetch-count", 100),
		pollTimeout: topics.ConfigDuration(config, topics.ConfigPollTimeout, topics.DefaultPollTimeout),
		maxRecords:  topics.ConfigInt(config, topics.ConfigMaxRecords, 100),
		acked:       make(map[uint64]struct{}),
	}, nil
}

func (r *runtime) CreateProducer(_ context.Context, _ string, _ topics.StreamingCluster, config map[string]any) (topics.Producer, error) {
	conn, err := r.connection()
	if err != nil {
		return nil, err
	}
	topic, err := topics.RequireTopic(config)
	if err != nil {
		return nil, err
	}
	return &producer{conn: conn, topic: topic}, nil
}

func (r *runtime) CreateDeadletterProducer(_ context.Context, _ string, _ topics.StreamingCluster, config map[string]any) (topics.Producer, error) {
	conn, err := r.connection()
	if err != nil {
		return nil, err
	}
	topic, err := topics.DeadletterTopic(config)
	if err != nil {
		return nil, err
	}
	return &producer{conn: conn, topic: topic}, nil
}

// CreateReader binds an exclusive queue to the topic. Exchanges keep no
// history, so readers only see records written after Start whatever the
// initial position.
func (r *runtime) CreateReader(_ context.Context, _ topics.StreamingCluster, config map[string]any, initial topics.Position) (topics.Reader, error) {
	conn, err := r.connection()
	if err != nil {
		return nil, err
	}
	topic, err := topics.RequireTopic(config)
	if err != nil {
		return nil, err
	}
	if initial == topics.Earliest {
		r.logger.Debug("rabbitmq readers start at the latest record", slogx.Topic(topic))
	}
	return &reader{
		consumer: consumer{
			conn:        conn,
			topic:       topic,
			exclusive:   true,
			prefetch:    topics.ConfigInt(config, "prefetch-count", 100),
			pollTimeout: topics.ConfigDuration(config, topics.ConfigPollTimeout, topics.DefaultPollTimeout),
			maxRecords:  topics.ConfigInt(config, topics.ConfigMaxRecords, 100),
			acked:       make(map[uint64]struct{}),
		},
	}, nil
}

func (r *runtime) CreateTopicAdmin(context.Context, string, topics.StreamingCluster, map[string]any) (topics.TopicAdmin, error) {
	conn, err := r.connection()
	if err != nil {
		return nil, err
	}
	return &admin{conn: conn}, nil
}

func (r *runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	if errors.Is(err, amqp091.ErrClosed) {
		return nil
	}
	return err
}

func declareTopic(ch *amqp091.Channel, topic string) error {
	return ch.ExchangeDeclare(topic, amqp091.ExchangeFanout, true, false, false, false, nil)
}
