// Package topicstest is the acceptance suite every topics backend runs.
package topicstest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/casualjim/brook/pkg/uuidx"
	"github.com/casualjim/brook/topics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a ready, initialized runtime and the cluster it serves.
// The suite closes the runtime when the test ends.
type Factory func(t *testing.T) (topics.TopicConnectionsRuntime, topics.StreamingCluster)

// Option adjusts the suite to what a backend can do.
type Option func(*suite)

// WithoutReplay is for backends whose readers cannot see records written
// before they started.
func WithoutReplay() Option {
	return func(s *suite) { s.replay = false }
}

type suite struct {
	replay bool
}

type acceptanceTest struct {
	name string
	test func(t *testing.T, s suite, rt topics.TopicConnectionsRuntime, cluster topics.StreamingCluster)
}

// Run executes the acceptance suite against the backend built by factory.
func Run(t *testing.T, name string, factory Factory, options ...Option) {
	s := suite{replay: true}
	for _, o := range options {
		o(&s)
	}

	tests := []acceptanceTest{
		{"writes and reads records in order", testWriteRead},
		{"idle read returns within the poll timeout", testIdleRead},
		{"committed records are not redelivered", testCommit},
		{"every group receives every record", testGroups},
		{"reader starts from earliest", testReaderEarliest},
		{"dead-letter producer targets the dead-letter topic", testDeadletter},
		{"deploy and delete execution plans", testPlan},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", name, tt.name), func(t *testing.T) {
			rt, cluster := factory(t)
			t.Cleanup(func() { _ = rt.Close() })
			tt.test(t, s, rt, cluster)
		})
	}
}

// UniqueTopic returns a topic name that no other test uses.
func UniqueTopic(prefix string) string {
	return prefix + "-" + uuidx.NewString()[:18]
}

// ReadN reads until n records arrived or timeout passed.
func ReadN(t *testing.T, read func(context.Context) ([]topics.Record, error), n int, timeout time.Duration) []topics.Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var out []topics.Record
	for len(out) < n {
		if ctx.Err() != nil {
			t.Fatalf("read %d of %d records before timeout", len(out), n)
		}
		recs, err := read(ctx)
		if err != nil && ctx.Err() == nil {
			require.NoError(t, err)
		}
		out = append(out, recs...)
	}
	return out
}

func writeValues(t *testing.T, p topics.Producer, topic string, values ...string) {
	t.Helper()
	for i, v := range values {
		err := p.Write(context.Background(), topics.Record{
			Key:     []byte(fmt.Sprintf("k%d", i)),
			Value:   []byte(v),
			Headers: map[string]string{"index": fmt.Sprint(i)},
			Topic:   topic,
		})
		require.NoError(t, err)
	}
}

func newProducer(t *testing.T, rt topics.TopicConnectionsRuntime, cluster topics.StreamingCluster, topic string) topics.Producer {
	t.Helper()
	p, err := rt.CreateProducer(context.Background(), "suite", cluster, map[string]any{topics.ConfigTopic: topic})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func newConsumer(t *testing.T, rt topics.TopicConnectionsRuntime, cluster topics.StreamingCluster, topic, group string) topics.Consumer {
	t.Helper()
	c, err := rt.CreateConsumer(context.Background(), "suite", cluster, map[string]any{
		topics.ConfigTopic: topic,
		topics.ConfigGroup: group,
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func ensureTopics(t *testing.T, rt topics.TopicConnectionsRuntime, cluster topics.StreamingCluster, names ...string) {
	t.Helper()
	plan := &topics.ExecutionPlan{ApplicationID: "suite"}
	for _, n := range names {
		plan.Topics = append(plan.Topics, topics.TopicDefinition{
			Name:         n,
			Partitions:   1,
			CreationMode: topics.CreateIfNotExists,
			DeletionMode: topics.DeleteTopic,
		})
	}
	require.NoError(t, rt.Deploy(context.Background(), plan))
	t.Cleanup(func() { _ = rt.Delete(context.Background(), plan) })
}

func values(recs []topics.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = string(r.Value)
	}
	return out
}

func testWriteRead(t *testing.T, _ suite, rt topics.TopicConnectionsRuntime, cluster topics.StreamingCluster) {
	topic := UniqueTopic("rw")
	ensureTopics(t, rt, cluster, topic)
	consumer := newConsumer(t, rt, cluster, topic, "g1")
	producer := newProducer(t, rt, cluster, topic)

	writeValues(t, producer, topic, "a", "b", "c")

	recs := ReadN(t, consumer.Read, 3, 30*time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, values(recs))
	assert.Equal(t, "k0", string(recs[0].Key))
	assert.Equal(t, "2", recs[2].Headers["index"])
	assert.Equal(t, topic, recs[0].Topic)
	require.NoError(t, consumer.Commit(context.Background(), recs))
	assert.NotEmpty(t, consumer.Info())
	assert.NotEmpty(t, producer.Info())
}

func testIdleRead(t *testing.T, _ suite, rt topics.TopicConnectionsRuntime, cluster topics.StreamingCluster) {
	topic := UniqueTopic("idle")
	ensureTopics(t, rt, cluster, topic)
	consumer := newConsumer(t, rt, cluster, topic, "g1")

	// a first read may include group join latency
	_, _ = consumer.Read(context.Background())

	start := time.Now()
	recs, err := consumer.Read(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func testCommit(t *testing.T, _ suite, rt topics.TopicConnectionsRuntime, cluster topics.StreamingCluster) {
	topic := UniqueTopic("commit")
	ensureTopics(t, rt, cluster, topic)
	first := newConsumer(t, rt, cluster, topic, "g1")
	producer := newProducer(t, rt, cluster, topic)
	writeValues(t, producer, topic, "a", "b")

	recs := ReadN(t, first.Read, 2, 30*time.Second)
	require.NoError(t, first.Commit(context.Background(), recs))
	require.NoError(t, first.Commit(context.Background(), recs))
	require.NoError(t, first.Close())

	writeValues(t, producer, topic, "c")
	second := newConsumer(t, rt, cluster, topic, "g1")
	recs = ReadN(t, second.Read, 1, 30*time.Second)
	assert.Equal(t, []string{"c"}, values(recs))
}

func testGroups(t *testing.T, _ suite, rt topics.TopicConnectionsRuntime, cluster topics.StreamingCluster) {
	topic := UniqueTopic("groups")
	ensureTopics(t, rt, cluster, topic)
	one := newConsumer(t, rt, cluster, topic, "one")
	two := newConsumer(t, rt, cluster, topic, "two")
	producer := newProducer(t, rt, cluster, topic)

	writeValues(t, producer, topic, "x", "y")

	assert.Equal(t, []string{"x", "y"}, values(ReadN(t, one.Read, 2, 30*time.Second)))
	assert.Equal(t, []string{"x", "y"}, values(ReadN(t, two.Read, 2, 30*time.Second)))
}

func testReaderEarliest(t *testing.T, s suite, rt topics.TopicConnectionsRuntime, cluster topics.StreamingCluster) {
	topic := UniqueTopic("reader")
	ensureTopics(t, rt, cluster, topic)
	producer := newProducer(t, rt, cluster, topic)

	newReader := func() topics.Reader {
		reader, err := rt.CreateReader(context.Background(), cluster, map[string]any{topics.ConfigTopic: topic}, topics.Earliest)
		require.NoError(t, err)
		require.NoError(t, reader.Start(context.Background()))
		t.Cleanup(func() { _ = reader.Close() })
		return reader
	}

	var reader topics.Reader
	if s.replay {
		writeValues(t, producer, topic, "old")
		reader = newReader()
	} else {
		reader = newReader()
		writeValues(t, producer, topic, "old")
	}

	recs := ReadN(t, reader.Read, 1, 30*time.Second)
	assert.Equal(t, "old", string(recs[0].Value))
}

func testDeadletter(t *testing.T, _ suite, rt topics.TopicConnectionsRuntime, cluster topics.StreamingCluster) {
	topic := UniqueTopic("dlq")
	ensureTopics(t, rt, cluster, topic, topic+"-deadletter")

	dlq, err := rt.CreateDeadletterProducer(context.Background(), "suite", cluster, map[string]any{topics.ConfigTopic: topic})
	require.NoError(t, err)
	require.NoError(t, dlq.Start(context.Background()))
	defer dlq.Close()

	consumer := newConsumer(t, rt, cluster, topic+"-deadletter", "g1")
	require.NoError(t, dlq.Write(context.Background(), topics.Record{
		Value:   []byte("poison"),
		Headers: map[string]string{"error-msg": "boom"},
	}))

	recs := ReadN(t, consumer.Read, 1, 30*time.Second)
	assert.Equal(t, "poison", string(recs[0].Value))
	assert.Equal(t, "boom", recs[0].Headers["error-msg"])
}

func testPlan(t *testing.T, _ suite, rt topics.TopicConnectionsRuntime, cluster topics.StreamingCluster) {
	topic := UniqueTopic("plan")
	plan := &topics.ExecutionPlan{
		ApplicationID: "suite",
		Topics: []topics.TopicDefinition{{
			Name:         topic,
			Partitions:   1,
			CreationMode: topics.CreateIfNotExists,
			DeletionMode: topics.DeleteTopic,
		}},
	}
	require.NoError(t, rt.Deploy(context.Background(), plan))
	require.NoError(t, rt.Deploy(context.Background(), plan))
	require.NoError(t, rt.Delete(context.Background(), plan))
	require.NoError(t, rt.Delete(context.Background(), plan))

	missing := &topics.ExecutionPlan{
		ApplicationID: "missing",
		Topics:        []topics.TopicDefinition{{Name: UniqueTopic("never"), DeletionMode: topics.DeleteTopic}},
	}
	require.NoError(t, rt.Delete(context.Background(), missing))
}
