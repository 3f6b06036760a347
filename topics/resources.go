package topics

import (
	"context"
	"sync"
)

// The scoped* wrappers make calls on facade-created resources run with the
// backend scope installed as well. Close is idempotent so the owning scope
// can sweep resources a caller forgot to close.

type closeGuard struct {
	once sync.Once
	err  error
}

func (g *closeGuard) close(f *Facade, fn func() error) error {
	g.once.Do(func() {
		_, g.err = enter(f, context.Background(), "close resource", func(context.Context) (struct{}, error) {
			return struct{}{}, fn()
		})
	})
	return g.err
}

type scopedConsumer struct {
	facade *Facade
	inner  Consumer
	guard  closeGuard
}

func (c *scopedConsumer) Start(ctx context.Context) error {
	_, err := scoped(c.facade, ctx, "start consumer", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.inner.Start(ctx)
	})
	return err
}

func (c *scopedConsumer) Read(ctx context.Context) ([]Record, error) {
	return scoped(c.facade, ctx, "read", func(ctx context.Context) ([]Record, error) {
		return c.inner.Read(ctx)
	})
}

func (c *scopedConsumer) Commit(ctx context.Context, records []Record) error {
	_, err := scoped(c.facade, ctx, "commit", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.inner.Commit(ctx, records)
	})
	return err
}

func (c *scopedConsumer) Close() error {
	return c.guard.close(c.facade, c.inner.Close)
}

func (c *scopedConsumer) Info() map[string]any {
	return c.inner.Info()
}

type scopedProducer struct {
	facade *Facade
	inner  Producer
	guard  closeGuard
}

func (p *scopedProducer) Start(ctx context.Context) error {
	_, err := scoped(p.facade, ctx, "start producer", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.inner.Start(ctx)
	})
	return err
}

func (p *scopedProducer) Write(ctx context.Context, record Record) error {
	_, err := scoped(p.facade, ctx, "write", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.inner.Write(ctx, record)
	})
	return err
}

func (p *scopedProducer) Close() error {
	return p.guard.close(p.facade, p.inner.Close)
}

func (p *scopedProducer) Info() map[string]any {
	return p.inner.Info()
}

type scopedReader struct {
	facade *Facade
	inner  Reader
	guard  closeGuard
}

func (r *scopedReader) Start(ctx context.Context) error {
	_, err := scoped(r.facade, ctx, "start reader", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.inner.Start(ctx)
	})
	return err
}

func (r *scopedReader) Read(ctx context.Context) ([]Record, error) {
	return scoped(r.facade, ctx, "read", func(ctx context.Context) ([]Record, error) {
		return r.inner.Read(ctx)
	})
}

func (r *scopedReader) Close() error {
	return r.guard.close(r.facade, r.inner.Close)
}

type scopedAdmin struct {
	facade *Facade
	inner  TopicAdmin
	guard  closeGuard
}

func (a *scopedAdmin) Start(ctx context.Context) error {
	_, err := scoped(a.facade, ctx, "start admin", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.inner.Start(ctx)
	})
	return err
}

func (a *scopedAdmin) EnsureTopic(ctx context.Context, def TopicDefinition) error {
	_, err := scoped(a.facade, ctx, "ensure topic", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.inner.EnsureTopic(ctx, def)
	})
	return err
}

func (a *scopedAdmin) DeleteTopic(ctx context.Context, name string) error {
	_, err := scoped(a.facade, ctx, "delete topic", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.inner.DeleteTopic(ctx, name)
	})
	return err
}

func (a *scopedAdmin) Close() error {
	return a.guard.close(a.facade, a.inner.Close)
}
