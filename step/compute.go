package step

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/casualjim/brook/pkg/future"
	"github.com/casualjim/brook/record"
	"github.com/goccy/go-json"
)

func init() {
	Register("compute", func(_ context.Context, config map[string]any, res *Resources) (Step, error) {
		var cfg ComputeConfig
		if err := decodeConfig(config, &cfg); err != nil {
			return nil, err
		}
		return NewCompute(cfg, res)
	})
}

type ComputeField struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
	Type       string `json:"type"`
}

type ComputeConfig struct {
	Fields []ComputeField `json:"fields"`
}

type computedField struct {
	name string
	expr *template.Template
	typ  record.FieldType
}

type compute struct {
	fields  []computedField
	schemas *record.SchemaCache
}

// NewCompute builds a step that renders each expression and writes the
// result, converted to the declared type, into the named field.
func NewCompute(cfg ComputeConfig, res *Resources) (Step, error) {
	if len(cfg.Fields) == 0 {
		return nil, fmt.Errorf("%w: compute needs at least one field", ErrInvalidConfig)
	}
	cache := res.templates()
	c := &compute{schemas: res.schemas()}
	for _, f := range cfg.Fields {
		if f.Name == "" {
			return nil, fmt.Errorf("%w: compute field without a name", ErrInvalidConfig)
		}
		typ, err := record.ParseFieldType(f.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %w", ErrInvalidConfig, f.Name, err)
		}
		t, err := cache.Compile(f.Expression)
		if err != nil {
			return nil, err
		}
		c.fields = append(c.fields, computedField{name: f.Name, expr: t, typ: typ})
	}
	return c, nil
}

func (c *compute) Start(context.Context) error { return nil }

func (c *compute) ProcessAsync(_ context.Context, rc *record.Context) future.Future[struct{}] {
	for _, f := range c.fields {
		out, err := render(f.expr, rc.TemplateView())
		if err != nil {
			return future.Failed[struct{}](fmt.Errorf("computing %s: %w", f.name, err))
		}
		value, err := convert(out, f.typ)
		if err != nil {
			return future.Failed[struct{}](fmt.Errorf("computing %s: %w", f.name, err))
		}
		if err := rc.SetResultField(value, f.name, f.typ, c.schemas); err != nil {
			return future.Failed[struct{}](err)
		}
	}
	return future.Completed(struct{}{})
}

func (c *compute) Close() error { return nil }

func convert(s string, typ record.FieldType) (any, error) {
	switch typ {
	case record.TypeInteger:
		return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	case record.TypeNumber:
		return strconv.ParseFloat(strings.TrimSpace(s), 64)
	case record.TypeBoolean:
		return strconv.ParseBool(strings.TrimSpace(s))
	case record.TypeObject:
		var m map[string]any
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil, err
		}
		return m, nil
	case record.TypeArray:
		var a []any
		if err := json.Unmarshal([]byte(s), &a); err != nil {
			return nil, err
		}
		return a, nil
	default:
		return s, nil
	}
}
