package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/casualjim/brook/topics"
	"github.com/rabbitmq/amqp091-go"
)

type consumer struct {
	conn        *amqp091.Connection
	topic       string
	group       string
	queue       string
	tag         string
	exclusive   bool
	prefetch    int
	pollTimeout time.Duration
	maxRecords  int

	ch         *amqp091.Channel
	deliveries <-chan amqp091.Delivery

	mu     sync.Mutex
	acked  map[uint64]struct{}
	read   atomic.Int64
	closed atomic.Bool
}

func (c *consumer) Start(context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("rabbitmq: set prefetch: %w", err)
	}
	if err := declareTopic(ch, c.topic); err != nil {
		ch.Close()
		return fmt.Errorf("rabbitmq: declare exchange %s: %w", c.topic, err)
	}
	q, err := ch.QueueDeclare(c.queue, !c.exclusive, c.exclusive, c.exclusive, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("rabbitmq: declare queue %s: %w", c.queue, err)
	}
	if err := ch.QueueBind(q.Name, "", c.topic, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("rabbitmq: bind queue %s: %w", q.Name, err)
	}
	deliveries, err := ch.Consume(q.Name, c.tag, false, c.exclusive, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("rabbitmq: consume %s: %w", q.Name, err)
	}
	c.queue, c.ch, c.deliveries = q.Name, ch, deliveries
	return nil
}

// Read waits up to the poll timeout for a first delivery, then drains what
// is already buffered.
func (c *consumer) Read(ctx context.Context) ([]topics.Record, error) {
	if c.closed.Load() {
		return nil, topics.ErrClosed
	}
	if c.deliveries == nil {
		return nil, errors.New("rabbitmq: consumer not started")
	}

	timer := time.NewTimer(c.pollTimeout)
	defer timer.Stop()

	var out []topics.Record
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case d, ok := <-c.deliveries:
		if !ok {
			return nil, topics.ErrClosed
		}
		out = append(out, c.toRecord(d))
	}
	for len(out) < c.maxRecords {
		select {
		case d, ok := <-c.deliveries:
			if !ok {
				return out, nil
			}
			out = append(out, c.toRecord(d))
		default:
			c.read.Add(int64(len(out)))
			return out, nil
		}
	}
	c.read.Add(int64(len(out)))
	return out, nil
}

func (c *consumer) toRecord(d amqp091.Delivery) topics.Record {
	rec := topics.Record{
		Value:     d.Body,
		Topic:     c.topic,
		Timestamp: d.Timestamp,
		Handle:    d,
	}
	if len(d.Headers) > 0 {
		rec.Headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			s := fmt.Sprint(v)
			if b, ok := v.([]byte); ok {
				s = string(b)
			}
			if k == keyHeader {
				rec.Key = []byte(s)
				continue
			}
			rec.Headers[k] = s
		}
	}
	return rec
}

// Commit acknowledges deliveries. A delivery is acknowledged at most once,
// acking a tag twice would close the channel.
func (c *consumer) Commit(_ context.Context, records []topics.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range records {
		d, ok := rec.Handle.(amqp091.Delivery)
		if !ok {
			return errors.New("rabbitmq: record from another backend")
		}
		if _, done := c.acked[d.DeliveryTag]; done {
			continue
		}
		if err := d.Ack(false); err != nil {
			return fmt.Errorf("rabbitmq: ack: %w", err)
		}
		c.acked[d.DeliveryTag] = struct{}{}
	}
	return nil
}

// Close cancels the subscription. Unacknowledged deliveries go back to the
// queue.
func (c *consumer) Close() error {
	if !c.closed.CompareAndSwap(false, true) || c.ch == nil {
		return nil
	}
	if c.tag != "" {
		_ = c.ch.Cancel(c.tag, false)
	}
	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		return err
	}
	return nil
}

func (c *consumer) Info() map[string]any {
	return map[string]any{
		"type":  BackendName,
		"topic": c.topic,
		"group": c.group,
		"queue": c.queue,
		"read":  c.read.Load(),
	}
}

// reader is an anonymous consumer that acknowledges as it reads.
type reader struct {
	consumer
}

func (r *reader) Read(ctx context.Context) ([]topics.Record, error) {
	recs, err := r.consumer.Read(ctx)
	if err != nil {
		return nil, err
	}
	return recs, r.consumer.Commit(ctx, recs)
}

type producer struct {
	conn  *amqp091.Connection
	topic string

	mu      sync.Mutex
	ch      *amqp091.Channel
	written atomic.Int64
	closed  atomic.Bool
}

func (p *producer) Start(context.Context) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	if err := declareTopic(ch, p.topic); err != nil {
		ch.Close()
		return fmt.Errorf("rabbitmq: declare exchange %s: %w", p.topic, err)
	}
	p.ch = ch
	return nil
}

func (p *producer) Write(ctx context.Context, rec topics.Record) error {
	if p.closed.Load() {
		return topics.ErrClosed
	}
	if p.ch == nil {
		return errors.New("rabbitmq: producer not started")
	}
	headers := amqp091.Table{}
	for k, v := range rec.Headers {
		headers[k] = v
	}
	if len(rec.Key) > 0 {
		headers[keyHeader] = string(rec.Key)
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	// channels are not safe for concurrent publishing
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.ch.PublishWithContext(ctx, p.topic, "", false, false, amqp091.Publishing{
		Headers:      headers,
		Body:         rec.Value,
		Timestamp:    ts,
		DeliveryMode: amqp091.Persistent,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq: publish to %s: %w", p.topic, err)
	}
	p.written.Add(1)
	return nil
}

func (p *producer) Close() error {
	if !p.closed.CompareAndSwap(false, true) || p.ch == nil {
		return nil
	}
	if err := p.ch.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		return err
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

type admin struct {
	conn *amqp091.Connection
}

func (a *admin) Start(context.Context) error { return nil }

func (a *admin) EnsureTopic(_ context.Context, def topics.TopicDefinition) error {
	ch, err := a.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	defer ch.Close()
	return declareTopic(ch, def.Name)
}

// DeleteTopic checks for the exchange on a throwaway channel first; a
// missing exchange closes the channel it was checked on.
func (a *admin) DeleteTopic(_ context.Context, name string) error {
	probe, err := a.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	err = probe.ExchangeDeclarePassive(name, amqp091.ExchangeFanout, true, false, false, false, nil)
	if err != nil {
		var amqpErr *amqp091.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp091.NotFound {
			return topics.ErrTopicNotFound
		}
		_ = probe.Close()
		return fmt.Errorf("rabbitmq: inspect exchange %s: %w", name, err)
	}
	_ = probe.Close()

	ch, err := a.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDelete(name, false, false); err != nil {
		return fmt.Errorf("rabbitmq: delete exchange %s: %w", name, err)
	}
	return nil
}

func (a *admin) Close() error { return nil }
