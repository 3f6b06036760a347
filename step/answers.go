package step

import (
	"context"
	"fmt"
	"time"

	"github.com/casualjim/brook/record"
	"github.com/casualjim/brook/topics"
)

// StreamingAnswersConsumer receives the partial answers of streaming steps.
// Every context it receives is a copy owned by the consumer.
type StreamingAnswersConsumer interface {
	StreamAnswerChunk(ctx context.Context, index int, message string, last bool, rc *record.Context) error
	Close() error
}

// AnswersFunc adapts a function to StreamingAnswersConsumer.
type AnswersFunc func(ctx context.Context, index int, message string, last bool, rc *record.Context) error

func (f AnswersFunc) StreamAnswerChunk(ctx context.Context, index int, message string, last bool, rc *record.Context) error {
	return f(ctx, index, message, last, rc)
}

func (f AnswersFunc) Close() error { return nil }

type topicAnswers struct {
	topic    string
	producer topics.Producer
}

// NewTopicAnswersConsumer writes every partial answer as a record to topic.
// The producer is started here and closed with the consumer.
func NewTopicAnswersConsumer(ctx context.Context, topic string, producer topics.Producer) (StreamingAnswersConsumer, error) {
	if err := producer.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting answers producer for %s: %w", topic, err)
	}
	return &topicAnswers{topic: topic, producer: producer}, nil
}

func (t *topicAnswers) StreamAnswerChunk(ctx context.Context, _ int, _ string, _ bool, rc *record.Context) error {
	key, err := rc.KeyBytes()
	if err != nil {
		return err
	}
	value, err := rc.ValueBytes()
	if err != nil {
		return err
	}
	headers := make(map[string]string, len(rc.Properties))
	for k, v := range rc.Properties {
		headers[k] = v
	}
	return t.producer.Write(ctx, topics.Record{
		Key:       key,
		Value:     value,
		Headers:   headers,
		Topic:     t.topic,
		Timestamp: time.Now(),
	})
}

func (t *topicAnswers) Close() error {
	return t.producer.Close()
}
