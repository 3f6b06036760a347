package step

import (
	"context"

	"github.com/casualjim/brook/pkg/future"
	"github.com/casualjim/brook/record"
)

func init() {
	Register("identity", func(context.Context, map[string]any, *Resources) (Step, error) {
		return Identity(), nil
	})
}

type identity struct{}

// Identity passes records through unchanged.
func Identity() Step { return identity{} }

func (identity) Start(context.Context) error { return nil }

func (identity) ProcessAsync(context.Context, *record.Context) future.Future[struct{}] {
	return future.Completed(struct{}{})
}

func (identity) Close() error { return nil }
