package step

import (
	"context"
	"errors"
	"fmt"

	"github.com/casualjim/brook/pkg/future"
	"github.com/casualjim/brook/record"
)

type chain struct {
	steps []Step
}

// Chain runs steps one after the other on the same context. A failing step
// stops the chain for that record, and a panicking step fails it with
// ErrStepPanic.
func Chain(steps ...Step) Step {
	if len(steps) == 1 {
		return steps[0]
	}
	return &chain{steps: steps}
}

func (c *chain) Start(ctx context.Context) error {
	for _, s := range c.steps {
		if err := s.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (c *chain) ProcessAsync(ctx context.Context, rc *record.Context) future.Future[struct{}] {
	if len(c.steps) == 0 {
		return future.Completed(struct{}{})
	}
	result := future.New[struct{}]()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result.Error(fmt.Errorf("%w: %v", ErrStepPanic, r))
			}
		}()
		for _, s := range c.steps {
			if _, err := s.ProcessAsync(ctx, rc).Get(ctx); err != nil {
				result.Error(err)
				return
			}
		}
		result.Complete(struct{}{})
	}()
	return result
}

// Close closes the steps in reverse order.
func (c *chain) Close() error {
	var err error
	for i := len(c.steps) - 1; i >= 0; i-- {
		err = errors.Join(err, c.steps[i].Close())
	}
	return err
}
