package local

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/brook/topics"
)

// topicLog is an append-only in-memory topic. Waiters block on notify, which
// is closed and replaced on every append.
type topicLog struct {
	name string

	mu      sync.Mutex
	records []topics.Record
	groups  map[string]*group
	notify  chan struct{}
}

type group struct {
	next      int
	committed int
	members   int
}

func newTopicLog(name string) *topicLog {
	return &topicLog{
		name:   name,
		groups: make(map[string]*group),
		notify: make(chan struct{}),
	}
}

func (t *topicLog) append(rec topics.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec.Topic = t.name
	rec.Headers = maps.Clone(rec.Headers)
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	rec.Handle = len(t.records)
	t.records = append(t.records, rec)

	close(t.notify)
	t.notify = make(chan struct{})
}

func (t *topicLog) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// join adds a member to name. The first member of an idle group resumes
// from the last committed offset, so uncommitted records are redelivered.
func (t *topicLog) join(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.groups[name]
	if !ok {
		g = &group{}
		t.groups[name] = g
	}
	if g.members == 0 {
		g.next = g.committed
	}
	g.members++
}

func (t *topicLog) leave(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if g, ok := t.groups[name]; ok && g.members > 0 {
		g.members--
	}
}

func (t *topicLog) commit(name string, offset int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if g, ok := t.groups[name]; ok && offset+1 > g.committed {
		g.committed = offset + 1
	}
}

func (t *topicLog) position(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if g, ok := t.groups[name]; ok {
		return g.next
	}
	return 0
}

// fetch waits up to timeout for records at or after *cursor and advances it.
func (t *topicLog) fetch(ctx context.Context, cursor func() *int, max int, timeout time.Duration) ([]topics.Record, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		t.mu.Lock()
		pos := cursor()
		if *pos < len(t.records) {
			end := min(len(t.records), *pos+max)
			batch := make([]topics.Record, end-*pos)
			copy(batch, t.records[*pos:end])
			*pos = end
			t.mu.Unlock()
			return batch, nil
		}
		wait := t.notify
		t.mu.Unlock()

		select {
		case <-wait:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// broker holds the topics of one runtime.
type broker struct {
	topics *haxmap.Map[string, *topicLog]
}

func newBroker() *broker {
	return &broker{topics: haxmap.New[string, *topicLog]()}
}

func (b *broker) topic(name string) *topicLog {
	t, _ := b.topics.GetOrCompute(name, func() *topicLog {
		return newTopicLog(name)
	})
	return t
}

func (b *broker) remove(name string) bool {
	if _, ok := b.topics.Get(name); !ok {
		return false
	}
	b.topics.Del(name)
	return true
}
