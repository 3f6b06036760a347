package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/casualjim/brook/pkg/future"
	"github.com/casualjim/brook/record"
	"github.com/casualjim/brook/step"
	"github.com/casualjim/brook/topics"
	"github.com/casualjim/brook/topics/local"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const sharedBackend = "runner-test"

var (
	sharedMu sync.Mutex
	sharedRT topics.TopicConnectionsRuntime

	attempts atomic.Int64
	release  = make(chan struct{})

	gatesMu sync.Mutex
	gates   = map[string]chan struct{}{}
)

func gate(name string) chan struct{} {
	gatesMu.Lock()
	defer gatesMu.Unlock()
	g, ok := gates[name]
	if !ok {
		g = make(chan struct{})
		gates[name] = g
	}
	return g
}

// sharedRuntime lets the test write and read the topics the orchestrator's
// pods use.
type sharedRuntime struct {
	topics.TopicConnectionsRuntime
}

func (s sharedRuntime) Init(ctx context.Context, _ topics.StreamingCluster) error {
	return s.TopicConnectionsRuntime.Init(ctx, topics.StreamingCluster{Type: local.BackendName})
}

func (sharedRuntime) Close() error { return nil }

type funcStep func(ctx context.Context, rc *record.Context) future.Future[struct{}]

func (f funcStep) Start(context.Context) error { return nil }

func (f funcStep) ProcessAsync(ctx context.Context, rc *record.Context) future.Future[struct{}] {
	return f(ctx, rc)
}

func (f funcStep) Close() error { return nil }

func init() {
	topics.Register(sharedBackend, func(*topics.Scope) (topics.TopicConnectionsRuntime, error) {
		sharedMu.Lock()
		defer sharedMu.Unlock()
		return sharedRuntime{sharedRT}, nil
	})
	step.Register("fail-for-tests", func(context.Context, map[string]any, *step.Resources) (step.Step, error) {
		return funcStep(func(context.Context, *record.Context) future.Future[struct{}] {
			attempts.Add(1)
			return future.Failed[struct{}](errors.New("always fails"))
		}), nil
	})
	step.Register("block-for-tests", func(context.Context, map[string]any, *step.Resources) (step.Step, error) {
		return funcStep(func(context.Context, *record.Context) future.Future[struct{}] {
			f := future.New[struct{}]()
			go func() {
				<-release
				f.Complete(struct{}{})
			}()
			return f
		}), nil
	})
	step.Register("gated-fail-for-tests", func(_ context.Context, cfg map[string]any, _ *step.Resources) (step.Step, error) {
		name, _ := cfg["gate"].(string)
		g := gate(name)
		return funcStep(func(ctx context.Context, _ *record.Context) future.Future[struct{}] {
			f := future.New[struct{}]()
			go func() {
				select {
				case <-g:
					f.Error(fmt.Errorf("gate %s opened", name))
				case <-ctx.Done():
					f.Error(ctx.Err())
				}
			}()
			return f
		}), nil
	})
	step.Register("panic-for-tests", func(context.Context, map[string]any, *step.Resources) (step.Step, error) {
		return funcStep(func(context.Context, *record.Context) future.Future[struct{}] {
			panic("step exploded")
		}), nil
	})
}

var cluster = topics.StreamingCluster{Type: sharedBackend}

func newBackend(t *testing.T) topics.TopicConnectionsRuntime {
	t.Helper()
	loader, err := topics.NewLoader()
	require.NoError(t, err)
	t.Cleanup(func() { _ = loader.ReleaseAll() })
	desc, err := loader.Load(local.BackendName)
	require.NoError(t, err)
	require.NoError(t, desc.Runtime.Init(context.Background(), topics.StreamingCluster{Type: local.BackendName}))

	sharedMu.Lock()
	sharedRT = desc.Runtime
	sharedMu.Unlock()
	return desc.Runtime
}

func produce(t *testing.T, rt topics.TopicConnectionsRuntime, topic string, values ...string) {
	t.Helper()
	ctx := context.Background()
	p, err := rt.CreateProducer(ctx, "test", cluster, map[string]any{"topic": topic})
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.Start(ctx))
	for _, v := range values {
		require.NoError(t, p.Write(ctx, topics.Record{Value: []byte(v)}))
	}
}

func readAll(t *testing.T, rt topics.TopicConnectionsRuntime, topic string) []topics.Record {
	t.Helper()
	ctx := context.Background()
	r, err := rt.CreateReader(ctx, cluster, map[string]any{"topic": topic, "poll-timeout": "20ms"}, topics.Earliest)
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.Start(ctx))
	var out []topics.Record
	for {
		recs, err := r.Read(ctx)
		require.NoError(t, err)
		if len(recs) == 0 {
			return out
		}
		out = append(out, recs...)
	}
}

func newOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func computePod(id string, maxLoops int) PodConfiguration {
	return PodConfiguration{
		AgentID: id,
		Cluster: cluster,
		Input:   map[string]any{"topic": "in-" + id, "poll-timeout": "10ms"},
		Output:  map[string]any{"topic": "out-" + id},
		Steps: []step.Definition{{
			Type: "compute",
			Configuration: map[string]any{
				"fields": []any{map[string]any{"name": "value.m", "expression": "{{ .value.n }}", "type": "integer"}},
			},
		}},
		MaxLoops: maxLoops,
	}
}

func TestOrchestrator_FirstFailureAndAllStatuses(t *testing.T) {
	rt := newBackend(t)
	produce(t, rt, "in-pod-1", `{"n":"1"}`, `{"n":"2"}`, `{"n":"3"}`)
	produce(t, rt, "in-pod-2", `{"n":"1"}`, `{"n":"oops"}`, `{"n":"3"}`)
	produce(t, rt, "in-pod-3", `{"n":"1"}`, `{"n":"2"}`, `{"n":"3"}`)

	o := newOrchestrator(t)
	res, err := o.Run(context.Background(), []PodConfiguration{
		computePod("pod-1", 5),
		computePod("pod-2", 5),
		computePod("pod-3", 5),
	})

	var perr *PodError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "pod-2", perr.AgentID)

	require.NotNil(t, res)
	require.Len(t, res.Pods, 3)
	for _, id := range []string{"pod-1", "pod-3"} {
		st, ok := res.Pod(id)
		require.True(t, ok)
		assert.Equal(t, PodCompleted, st.State, id)
		assert.Equal(t, int64(3), st.RecordsOut, id)
	}
	failed, ok := res.Pod("pod-2")
	require.True(t, ok)
	assert.Equal(t, PodFailed, failed.State)
	assert.Equal(t, int64(2), failed.RecordsIn)
	assert.Equal(t, int64(1), failed.RecordsOut)
	assert.Equal(t, int64(1), failed.Errors)
	assert.NotEmpty(t, failed.Error)

	out := readAll(t, rt, "out-pod-1")
	require.Len(t, out, 3)
	assert.Equal(t, int64(2), gjson.GetBytes(out[1].Value, "m").Int())

	assert.Equal(t, Stopped, o.State())
	start := time.Now()
	require.NoError(t, o.Close())
	assert.Less(t, time.Since(start), time.Second)
}

func TestOrchestrator_RunOnce(t *testing.T) {
	o := newOrchestrator(t)
	res, err := o.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Pods)

	_, err = o.Run(context.Background(), nil)
	require.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestOrchestrator_InvalidPods(t *testing.T) {
	o := newOrchestrator(t)
	_, err := o.Run(context.Background(), []PodConfiguration{
		{AgentID: "a", Cluster: cluster},
		{AgentID: "b", Cluster: cluster, Input: map[string]any{"topic": "x"}, Errors: ErrorsSpec{OnFailure: "explode"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, topics.ErrMissingTopic)
	assert.Contains(t, err.Error(), "explode")
}

func TestOrchestrator_UnknownBackend(t *testing.T) {
	o := newOrchestrator(t)
	res, err := o.Run(context.Background(), []PodConfiguration{{
		AgentID: "a",
		Cluster: topics.StreamingCluster{Type: "no-such-backend"},
		Input:   map[string]any{"topic": "x"},
	}})
	require.ErrorIs(t, err, topics.ErrUnknownBackend)
	st, _ := res.Pod("a")
	assert.Equal(t, PodFailed, st.State)
}

func TestOrchestrator_RequestStop(t *testing.T) {
	rt := newBackend(t)
	produce(t, rt, "in-stop", `{"n":"1"}`)

	o := newOrchestrator(t)
	pod := computePod("stop", 0)
	done := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background(), []PodConfiguration{pod})
		done <- err
	}()

	require.Eventually(t, func() bool {
		st, ok := o.Status("stop")
		return ok && st.Snapshot().RecordsOut == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, Running, o.State())

	o.RequestStop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pod did not notice the stop request")
	}
	st, _ := o.Status("stop")
	assert.Equal(t, PodCompleted, st.State())
	assert.Equal(t, Stopped, o.State())
}

func TestOrchestrator_ShutdownTimeout(t *testing.T) {
	rt := newBackend(t)
	produce(t, rt, "in-block", "x")

	o, err := New(WithShutdownTimeout(50 * time.Millisecond))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background(), []PodConfiguration{{
			AgentID: "block",
			Cluster: cluster,
			Input:   map[string]any{"topic": "in-block", "poll-timeout": "10ms"},
			Steps:   []step.Definition{{Type: "block-for-tests"}},
		}})
		done <- err
	}()

	require.Eventually(t, func() bool {
		st, ok := o.Status("block")
		return ok && st.Snapshot().RecordsIn == 1
	}, 2*time.Second, 10*time.Millisecond)

	err = o.Close()
	require.ErrorIs(t, err, ErrShutdownTimeout)

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after the step was released")
	}
}

func TestOrchestrator_DeadLetter(t *testing.T) {
	rt := newBackend(t)
	produce(t, rt, "in-dl", "a", "b")
	attempts.Store(0)

	o := newOrchestrator(t)
	res, err := o.Run(context.Background(), []PodConfiguration{{
		AgentID:  "dl",
		Cluster:  cluster,
		Input:    map[string]any{"topic": "in-dl", "poll-timeout": "10ms"},
		Steps:    []step.Definition{{Type: "fail-for-tests"}},
		Errors:   ErrorsSpec{Retries: 2, OnFailure: DeadLetter},
		MaxLoops: 3,
	}})
	require.NoError(t, err)

	st, _ := res.Pod("dl")
	assert.Equal(t, PodCompleted, st.State)
	assert.Equal(t, int64(2), st.DeadLettered)
	assert.Equal(t, int64(2), st.Errors)
	assert.Equal(t, int64(6), attempts.Load())

	dead := readAll(t, rt, "in-dl-deadletter")
	require.Len(t, dead, 2)
	assert.Equal(t, []byte("a"), dead[0].Value)
	assert.Equal(t, "always fails", dead[0].Headers[HeaderErrorMessage])
	assert.Equal(t, "*errors.errorString", dead[0].Headers[HeaderErrorClass])
}

func TestOrchestrator_Skip(t *testing.T) {
	rt := newBackend(t)
	produce(t, rt, "in-skip", "a", "b")

	o := newOrchestrator(t)
	res, err := o.Run(context.Background(), []PodConfiguration{{
		AgentID:  "skip",
		Cluster:  cluster,
		Input:    map[string]any{"topic": "in-skip", "poll-timeout": "10ms"},
		Output:   map[string]any{"topic": "out-skip"},
		Steps:    []step.Definition{{Type: "fail-for-tests"}},
		Errors:   ErrorsSpec{OnFailure: SkipRecord},
		MaxLoops: 3,
	}})
	require.NoError(t, err)
	st, _ := res.Pod("skip")
	assert.Equal(t, int64(2), st.Skipped)
	assert.Empty(t, readAll(t, rt, "out-skip"))
}

func TestOrchestrator_PanicFailsPod(t *testing.T) {
	rt := newBackend(t)
	produce(t, rt, "in-panic", "a")

	o := newOrchestrator(t)
	res, err := o.Run(context.Background(), []PodConfiguration{{
		AgentID:  "panic",
		Cluster:  cluster,
		Input:    map[string]any{"topic": "in-panic", "poll-timeout": "10ms"},
		Steps:    []step.Definition{{Type: "panic-for-tests"}},
		MaxLoops: 3,
	}})
	var perr *PodError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Error(), "step exploded")
	st, _ := res.Pod("panic")
	assert.Equal(t, PodFailed, st.State)
}

func TestOrchestrator_PanicInChainFailsPod(t *testing.T) {
	rt := newBackend(t)
	produce(t, rt, "in-chain-panic", "a")
	produce(t, rt, "in-chain-ok", `{"n":"1"}`)

	o := newOrchestrator(t)
	res, err := o.Run(context.Background(), []PodConfiguration{
		{
			AgentID:  "chain-panic",
			Cluster:  cluster,
			Input:    map[string]any{"topic": "in-chain-panic", "poll-timeout": "10ms"},
			Steps:    []step.Definition{{Type: "identity"}, {Type: "panic-for-tests"}},
			MaxLoops: 3,
		},
		computePod("chain-ok", 3),
	})
	var perr *PodError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "chain-panic", perr.AgentID)
	assert.ErrorIs(t, err, step.ErrStepPanic)
	assert.Contains(t, perr.Error(), "step exploded")

	st, _ := res.Pod("chain-panic")
	assert.Equal(t, PodFailed, st.State)
	ok, _ := res.Pod("chain-ok")
	assert.Equal(t, PodCompleted, ok.State)
	assert.Equal(t, int64(1), ok.RecordsOut)
}

func gatedPod(id string) PodConfiguration {
	return PodConfiguration{
		AgentID: id,
		Cluster: cluster,
		Input:   map[string]any{"topic": "in-" + id, "poll-timeout": "10ms"},
		Steps: []step.Definition{{
			Type:          "gated-fail-for-tests",
			Configuration: map[string]any{"gate": id},
		}},
	}
}

func TestOrchestrator_FirstObservedFailureIsKept(t *testing.T) {
	rt := newBackend(t)
	produce(t, rt, "in-early", "a")
	produce(t, rt, "in-late", "a")
	produce(t, rt, "in-steady", `{"n":"1"}`)

	o := newOrchestrator(t)
	type outcome struct {
		res *AgentRunResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := o.Run(context.Background(), []PodConfiguration{
			gatedPod("early"),
			gatedPod("late"),
			computePod("steady", 3),
		})
		done <- outcome{res, err}
	}()

	waitState := func(id string, want PodState) {
		require.Eventually(t, func() bool {
			st, ok := o.Status(id)
			return ok && st.State() == want
		}, 2*time.Second, 5*time.Millisecond, id)
	}
	waitState("late", PodRunning)
	close(gate("early"))
	waitState("early", PodFailed)
	close(gate("late"))

	var got outcome
	select {
	case got = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("run did not finish")
	}

	var perr *PodError
	require.ErrorAs(t, got.err, &perr)
	assert.Equal(t, "early", perr.AgentID)
	assert.Contains(t, got.err.Error(), "gate early opened")
	assert.NotContains(t, got.err.Error(), "gate late opened")

	early, _ := got.res.Pod("early")
	late, _ := got.res.Pod("late")
	steady, _ := got.res.Pod("steady")
	assert.Equal(t, PodFailed, early.State)
	assert.Equal(t, PodFailed, late.State)
	assert.Contains(t, late.Error, "gate late opened")
	assert.Equal(t, PodCompleted, steady.State)
}

func TestGlobalState_String(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "GlobalState(9)", GlobalState(9).String())
}
