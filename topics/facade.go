package topics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/casualjim/brook/pkg/slogx"
)

// Facade exposes a loaded backend to callers that run in their own scope.
// Every call switches into the backend scope and switches back on return.
type Facade struct {
	desc   *Descriptor
	logger *slog.Logger

	initOnce sync.Once
	initErr  error

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ TopicConnectionsRuntime = (*Facade)(nil)

func NewFacade(desc *Descriptor) *Facade {
	return &Facade{
		desc:   desc,
		logger: desc.Scope.Logger().With(slogx.LoggerName("brook.topics.facade")),
	}
}

func (f *Facade) Descriptor() *Descriptor {
	return f.desc
}

// Init initializes the backend once. Later calls return the first result.
func (f *Facade) Init(ctx context.Context, cluster StreamingCluster) error {
	if f.closed.Load() {
		return fmt.Errorf("init: %w", ErrClosed)
	}
	f.initOnce.Do(func() {
		_, f.initErr = scoped(f, ctx, "init", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, f.desc.Runtime.Init(ctx, cluster)
		})
	})
	return f.initErr
}

func (f *Facade) Deploy(ctx context.Context, plan *ExecutionPlan) error {
	_, err := scoped(f, ctx, "deploy", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, f.desc.Runtime.Deploy(ctx, plan)
	})
	return err
}

// Delete removes the plan's topics. Deleting topics that do not exist is
// not an error.
func (f *Facade) Delete(ctx context.Context, plan *ExecutionPlan) error {
	_, err := scoped(f, ctx, "delete", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, f.desc.Runtime.Delete(ctx, plan)
	})
	return err
}

// CreateConsumer returns a consumer owned by the caller.
func (f *Facade) CreateConsumer(ctx context.Context, agentID string, cluster StreamingCluster, config map[string]any) (Consumer, error) {
	c, err := scoped(f, ctx, "create consumer", func(ctx context.Context) (Consumer, error) {
		return f.desc.Runtime.CreateConsumer(ctx, agentID, cluster, config)
	})
	if err != nil {
		return nil, err
	}
	sc := &scopedConsumer{facade: f, inner: c}
	f.desc.Scope.Track(sc)
	return sc, nil
}

func (f *Facade) CreateProducer(ctx context.Context, agentID string, cluster StreamingCluster, config map[string]any) (Producer, error) {
	p, err := scoped(f, ctx, "create producer", func(ctx context.Context) (Producer, error) {
		return f.desc.Runtime.CreateProducer(ctx, agentID, cluster, config)
	})
	if err != nil {
		return nil, err
	}
	sp := &scopedProducer{facade: f, inner: p}
	f.desc.Scope.Track(sp)
	return sp, nil
}

func (f *Facade) CreateDeadletterProducer(ctx context.Context, agentID string, cluster StreamingCluster, config map[string]any) (Producer, error) {
	p, err := scoped(f, ctx, "create dead-letter producer", func(ctx context.Context) (Producer, error) {
		return f.desc.Runtime.CreateDeadletterProducer(ctx, agentID, cluster, config)
	})
	if err != nil {
		return nil, err
	}
	sp := &scopedProducer{facade: f, inner: p}
	f.desc.Scope.Track(sp)
	return sp, nil
}

func (f *Facade) CreateReader(ctx context.Context, cluster StreamingCluster, config map[string]any, initial Position) (Reader, error) {
	r, err := scoped(f, ctx, "create reader", func(ctx context.Context) (Reader, error) {
		return f.desc.Runtime.CreateReader(ctx, cluster, config, initial)
	})
	if err != nil {
		return nil, err
	}
	sr := &scopedReader{facade: f, inner: r}
	f.desc.Scope.Track(sr)
	return sr, nil
}

func (f *Facade) CreateTopicAdmin(ctx context.Context, agentID string, cluster StreamingCluster, config map[string]any) (TopicAdmin, error) {
	a, err := scoped(f, ctx, "create topic admin", func(ctx context.Context) (TopicAdmin, error) {
		return f.desc.Runtime.CreateTopicAdmin(ctx, agentID, cluster, config)
	})
	if err != nil {
		return nil, err
	}
	sa := &scopedAdmin{facade: f, inner: a}
	f.desc.Scope.Track(sa)
	return sa, nil
}

// Close closes the backend runtime exactly once. It is safe to call when
// Init never ran, and every facade call made afterwards fails with ErrClosed.
func (f *Facade) Close() error {
	f.closeOnce.Do(func() {
		f.closed.Store(true)
		_, f.closeErr = enter(f, context.Background(), "close", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, f.desc.Runtime.Close()
		})
	})
	return f.closeErr
}

// scoped runs fn with the backend scope installed unless the facade is
// closed.
func scoped[T any](f *Facade, ctx context.Context, op string, fn func(context.Context) (T, error)) (T, error) {
	if f.closed.Load() {
		var zero T
		return zero, fmt.Errorf("%s: %w", op, ErrClosed)
	}
	return enter(f, ctx, op, fn)
}

func enter[T any](f *Facade, ctx context.Context, op string, fn func(context.Context) (T, error)) (res T, err error) {
	if slot, ok := SlotFrom(ctx); ok {
		restore := slot.Enter(f.desc.Scope)
		defer restore()
	}
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("backend panic", slog.String("op", op), slog.Any("panic", r))
			var zero T
			res, err = zero, fmt.Errorf("%s: %w: %v", op, ErrBackendPanic, r)
		}
	}()
	return fn(WithScope(ctx, f.desc.Scope))
}
