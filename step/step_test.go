package step

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/casualjim/brook/pkg/future"
	"github.com/casualjim/brook/record"
	"github.com/casualjim/brook/topics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingStep struct {
	name    string
	err     error
	calls   *[]string
	mu      *sync.Mutex
	started bool
	closed  bool
}

func (r *recordingStep) Start(context.Context) error {
	r.started = true
	return nil
}

func (r *recordingStep) ProcessAsync(_ context.Context, rc *record.Context) future.Future[struct{}] {
	r.mu.Lock()
	*r.calls = append(*r.calls, r.name)
	r.mu.Unlock()
	if r.err != nil {
		return future.Failed[struct{}](r.err)
	}
	rc.SetProperty(r.name, "done")
	return future.Completed(struct{}{})
}

func (r *recordingStep) Close() error {
	r.mu.Lock()
	*r.calls = append(*r.calls, "close-"+r.name)
	r.mu.Unlock()
	r.closed = true
	return nil
}

func TestChain(t *testing.T) {
	var calls []string
	var mu sync.Mutex
	a := &recordingStep{name: "a", calls: &calls, mu: &mu}
	b := &recordingStep{name: "b", calls: &calls, mu: &mu}
	c := Chain(a, b)

	require.NoError(t, c.Start(context.Background()))
	assert.True(t, a.started)
	assert.True(t, b.started)

	rc := record.New(nil, "v")
	require.NoError(t, process(t, c, rc))
	assert.Equal(t, []string{"a", "b"}, calls)

	require.NoError(t, c.Close())
	assert.Equal(t, []string{"a", "b", "close-b", "close-a"}, calls)
}

func TestChain_StopsOnFailure(t *testing.T) {
	var calls []string
	var mu sync.Mutex
	boom := errors.New("boom")
	c := Chain(
		&recordingStep{name: "a", err: boom, calls: &calls, mu: &mu},
		&recordingStep{name: "b", calls: &calls, mu: &mu},
	)
	require.ErrorIs(t, process(t, c, record.New(nil, "v")), boom)
	assert.Equal(t, []string{"a"}, calls)
}

type panickingStep struct{}

func (panickingStep) Start(context.Context) error { return nil }

func (panickingStep) ProcessAsync(context.Context, *record.Context) future.Future[struct{}] {
	panic("kaboom")
}

func (panickingStep) Close() error { return nil }

func TestChain_PanicFailsRecord(t *testing.T) {
	var calls []string
	var mu sync.Mutex
	c := Chain(&recordingStep{name: "a", calls: &calls, mu: &mu}, panickingStep{})

	err := process(t, c, record.New(nil, "v"))
	require.ErrorIs(t, err, ErrStepPanic)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, []string{"a"}, calls)
}

func TestChain_Empty(t *testing.T) {
	require.NoError(t, process(t, Chain(), record.New(nil, "v")))
}

func TestWhen(t *testing.T) {
	var calls []string
	var mu sync.Mutex
	inner := &recordingStep{name: "inner", calls: &calls, mu: &mu}
	s, err := When(`{{ eq .properties.lang "en" }}`, inner, NewTemplateCache(), nil)
	require.NoError(t, err)

	en := record.New(nil, "v")
	en.SetProperty("lang", "en")
	require.NoError(t, process(t, s, en))

	fr := record.New(nil, "v")
	fr.SetProperty("lang", "fr")
	require.NoError(t, process(t, s, fr))

	assert.Equal(t, []string{"inner"}, calls)
}

func TestWhen_MissingPropertyIsFalse(t *testing.T) {
	var calls []string
	var mu sync.Mutex
	inner := &recordingStep{name: "inner", calls: &calls, mu: &mu}
	s, err := Build(context.Background(), Definition{Type: "identity", When: `{{ eq .properties.lang "en" }}`}, nil)
	require.NoError(t, err)
	require.NoError(t, process(t, s, record.New(nil, "v")))

	s, err = When(`{{ eq .properties.lang "en" }}`, inner, NewTemplateCache(), slogDiscard())
	require.NoError(t, err)
	require.NoError(t, process(t, s, record.New(nil, "v")))
	assert.Empty(t, calls)
}

func TestWhen_CompileFailure(t *testing.T) {
	_, err := When(`{{ eq `, Identity(), NewTemplateCache(), nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCompute(t *testing.T) {
	res := &Resources{Templates: NewTemplateCache(), Schemas: record.NewSchemaCache()}
	s, err := Build(context.Background(), Definition{
		Type: "compute",
		Configuration: map[string]any{
			"fields": []any{
				map[string]any{"name": "value.greeting", "expression": "hello {{ .value.name }}", "type": "string"},
				map[string]any{"name": "value.count", "expression": "{{ len .value.items }}", "type": "int"},
				map[string]any{"name": "properties.ok", "expression": "true", "type": "boolean"},
			},
		},
	}, res)
	require.NoError(t, err)

	rc := record.New(nil, map[string]any{"name": "bob", "items": []any{1, 2, 3}})
	require.NoError(t, process(t, s, rc))
	v := rc.Value.(map[string]any)
	assert.Equal(t, "hello bob", v["greeting"])
	assert.Equal(t, int64(3), v["count"])
	ok, _ := rc.Property("ok")
	assert.Equal(t, "true", ok)
}

func TestCompute_Failures(t *testing.T) {
	_, err := NewCompute(ComputeConfig{}, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewCompute(ComputeConfig{Fields: []ComputeField{{Name: "value.x", Expression: "1", Type: "decimal128"}}}, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)

	s, err := NewCompute(ComputeConfig{Fields: []ComputeField{{Name: "value.x", Expression: "abc", Type: "integer"}}}, nil)
	require.NoError(t, err)
	assert.Error(t, process(t, s, record.New(nil, map[string]any{})))
}

func TestBuild_UnknownStep(t *testing.T) {
	_, err := Build(context.Background(), Definition{Type: "nope"}, nil)
	require.ErrorIs(t, err, ErrUnknownStep)
}

func TestBuildChain_ClosesBuiltStepsOnFailure(t *testing.T) {
	_, err := BuildChain(context.Background(), []Definition{
		{Type: "identity"},
		{Type: "compute"},
	}, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, Types(), "identity")
}

func TestTemplateCache(t *testing.T) {
	c := NewTemplateCache()
	a, err := c.Compile("{{ .value }}")
	require.NoError(t, err)
	b, err := c.Compile("{{ .value }}")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, int64(1), c.Compiles())

	_, err = c.Compile("{{ .value")
	require.Error(t, err)
	assert.Equal(t, int64(1), c.Compiles())

	out, err := render(a, map[string]any{"value": "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", out)

	j, err := c.Compile(`{{ json .value }}`)
	require.NoError(t, err)
	out, err = render(j, map[string]any{"value": map[string]any{"a": 1}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, out)
}

type fakeProducer struct {
	started bool
	closed  bool
	written []topics.Record
}

func (f *fakeProducer) Start(context.Context) error { f.started = true; return nil }

func (f *fakeProducer) Write(_ context.Context, rec topics.Record) error {
	f.written = append(f.written, rec)
	return nil
}

func (f *fakeProducer) Close() error { f.closed = true; return nil }

func (f *fakeProducer) Info() map[string]any { return nil }

func TestTopicAnswersConsumer(t *testing.T) {
	p := &fakeProducer{}
	c, err := NewTopicAnswersConsumer(context.Background(), "answers", p)
	require.NoError(t, err)
	assert.True(t, p.started)

	rc := record.New("k", `{"answer":"Hel"}`)
	rc.MarkStream("id-1", 0, false)
	require.NoError(t, c.StreamAnswerChunk(context.Background(), 0, "Hel", false, rc))

	require.Len(t, p.written, 1)
	w := p.written[0]
	assert.Equal(t, "answers", w.Topic)
	assert.Equal(t, []byte("k"), w.Key)
	assert.Equal(t, []byte(`{"answer":"Hel"}`), w.Value)
	assert.Equal(t, "id-1", w.Headers[record.PropStreamID])
	assert.Equal(t, "0", w.Headers[record.PropStreamIndex])
	assert.Equal(t, "false", w.Headers[record.PropStreamLastMessage])

	require.NoError(t, c.Close())
	assert.True(t, p.closed)
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
