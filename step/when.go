package step

import (
	"context"
	"log/slog"
	"strings"
	"text/template"

	"github.com/casualjim/brook/pkg/future"
	"github.com/casualjim/brook/pkg/slogx"
	"github.com/casualjim/brook/record"
)

type when struct {
	source string
	cond   *template.Template
	inner  Step
	logger *slog.Logger
}

// When runs inner only for records on which condition renders to "true".
// A condition that cannot be evaluated, for example because it references
// a missing property, counts as false.
func When(condition string, inner Step, cache *TemplateCache, logger *slog.Logger) (Step, error) {
	t, err := cache.Compile(condition)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default().With(slogx.LoggerName("brook.step.when"))
	}
	return &when{source: condition, cond: t, inner: inner, logger: logger}, nil
}

func (w *when) Start(ctx context.Context) error {
	return w.inner.Start(ctx)
}

func (w *when) ProcessAsync(ctx context.Context, rc *record.Context) future.Future[struct{}] {
	if !w.matches(ctx, rc) {
		return future.Completed(struct{}{})
	}
	return w.inner.ProcessAsync(ctx, rc)
}

func (w *when) matches(ctx context.Context, rc *record.Context) bool {
	out, err := render(w.cond, rc.TemplateView())
	if err != nil {
		w.logger.WarnContext(ctx, "condition evaluation failed, skipping step",
			slog.String("condition", w.source), slogx.Error(err))
		return false
	}
	return strings.TrimSpace(out) == "true"
}

func (w *when) Close() error {
	return w.inner.Close()
}
