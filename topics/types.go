package topics

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// StreamingCluster selects a backend and carries its connection settings.
type StreamingCluster struct {
	Type          string         `json:"type" mapstructure:"type"`
	Configuration map[string]any `json:"configuration,omitempty" mapstructure:"configuration"`
}

type CreationMode string

const (
	CreateIfNotExists CreationMode = "create-if-not-exists"
	CreateNone        CreationMode = "none"
)

type DeletionMode string

const (
	DeleteTopic DeletionMode = "delete"
	DeleteNone  DeletionMode = "none"
)

type TopicDefinition struct {
	Name         string            `json:"name" mapstructure:"name"`
	Partitions   int               `json:"partitions,omitempty" mapstructure:"partitions"`
	Replicas     int               `json:"replicas,omitempty" mapstructure:"replicas"`
	CreationMode CreationMode      `json:"creation-mode,omitempty" mapstructure:"creation-mode"`
	DeletionMode DeletionMode      `json:"deletion-mode,omitempty" mapstructure:"deletion-mode"`
	Config       map[string]string `json:"config,omitempty" mapstructure:"config"`
}

// ExecutionPlan lists the topics an application needs.
type ExecutionPlan struct {
	ApplicationID string            `json:"application-id" mapstructure:"application-id"`
	Topics        []TopicDefinition `json:"topics" mapstructure:"topics"`
}

// Record is one message read from or written to a topic. Handle is owned by
// the backend that produced the record and is used to commit it.
type Record struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Timestamp time.Time
	Handle    any
}

type Position string

const (
	Earliest Position = "earliest"
	Latest   Position = "latest"
)

// ParsePosition accepts "earliest" or "latest" in any case. Empty means
// Latest.
func ParsePosition(s string) (Position, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(Latest):
		return Latest, nil
	case string(Earliest):
		return Earliest, nil
	default:
		return "", fmt.Errorf("unknown initial position %q", s)
	}
}

// Configuration keys understood by every backend.
const (
	ConfigTopic           = "topic"
	ConfigGroup           = "group"
	ConfigDeadletterTopic = "deadletter-topic"
	ConfigPollTimeout     = "poll-timeout"
	ConfigMaxRecords      = "max-records"
)

const DefaultPollTimeout = 100 * time.Millisecond

// TopicConnectionsRuntime is the contract a backend implements. Init is
// called once before anything else and Close exactly once at the end.
type TopicConnectionsRuntime interface {
	Init(ctx context.Context, cluster StreamingCluster) error
	Deploy(ctx context.Context, plan *ExecutionPlan) error
	Delete(ctx context.Context, plan *ExecutionPlan) error
	CreateConsumer(ctx context.Context, agentID string, cluster StreamingCluster, config map[string]any) (Consumer, error)
	CreateProducer(ctx context.Context, agentID string, cluster StreamingCluster, config map[string]any) (Producer, error)
	CreateDeadletterProducer(ctx context.Context, agentID string, cluster StreamingCluster, config map[string]any) (Producer, error)
	CreateReader(ctx context.Context, cluster StreamingCluster, config map[string]any, initial Position) (Reader, error)
	CreateTopicAdmin(ctx context.Context, agentID string, cluster StreamingCluster, config map[string]any) (TopicAdmin, error)
	Close() error
}

// Consumer reads records as a member of a consumer group. Read returns
// after at most the poll timeout, possibly with no records.
type Consumer interface {
	Start(ctx context.Context) error
	Read(ctx context.Context) ([]Record, error)
	Commit(ctx context.Context, records []Record) error
	Close() error
	Info() map[string]any
}

type Producer interface {
	Start(ctx context.Context) error
	Write(ctx context.Context, record Record) error
	Close() error
	Info() map[string]any
}

// Reader reads a topic from a position without group membership.
type Reader interface {
	Start(ctx context.Context) error
	Read(ctx context.Context) ([]Record, error)
	Close() error
}

type TopicAdmin interface {
	Start(ctx context.Context) error
	EnsureTopic(ctx context.Context, def TopicDefinition) error
	DeleteTopic(ctx context.Context, name string) error
	Close() error
}

// ConfigString reads a string setting, falling back to def.
func ConfigString(config map[string]any, key, def string) string {
	v, ok := config[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		if s == "" {
			return def
		}
		return s
	}
	return fmt.Sprint(v)
}

// ConfigStrings reads a list setting given either as a list or as a comma
// separated string.
func ConfigStrings(config map[string]any, key string) []string {
	switch v := config[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			out = append(out, fmt.Sprint(e))
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return splitComma(v)
	default:
		return nil
	}
}

func ConfigInt(config map[string]any, key string, def int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// ConfigDuration accepts a Go duration string or a number of milliseconds.
func ConfigDuration(config map[string]any, key string, def time.Duration) time.Duration {
	switch v := config[key].(type) {
	case time.Duration:
		return v
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return def
		}
		return d
	case int:
		return time.Duration(v) * time.Millisecond
	case int64:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v) * time.Millisecond
	default:
		return def
	}
}

// RequireTopic returns the configured topic or ErrMissingTopic.
func RequireTopic(config map[string]any) (string, error) {
	topic := ConfigString(config, ConfigTopic, "")
	if topic == "" {
		return "", ErrMissingTopic
	}
	return topic, nil
}

// DeadletterTopic returns the dead-letter topic for a consumer config:
// the explicit setting or "<topic>-deadletter".
func DeadletterTopic(config map[string]any) (string, error) {
	if t := ConfigString(config, ConfigDeadletterTopic, ""); t != "" {
		return t, nil
	}
	topic, err := RequireTopic(config)
	if err != nil {
		return "", err
	}
	return topic + "-deadletter", nil
}

func splitComma(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
