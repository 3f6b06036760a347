package step

import (
	"fmt"
	"strings"
	"sync/atomic"
	"text/template"

	"github.com/alphadose/haxmap"
	"github.com/goccy/go-json"
)

// TemplateCache compiles each distinct template source once and shares the
// result. Compiled templates are safe for concurrent execution.
type TemplateCache struct {
	templates *haxmap.Map[string, *template.Template]
	compiles  atomic.Int64
}

func NewTemplateCache() *TemplateCache {
	return &TemplateCache{
		templates: haxmap.New[string, *template.Template](),
	}
}

var templateFuncs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
	"trim":  strings.TrimSpace,
	"lower": strings.ToLower,
	"upper": strings.ToUpper,
}

// Compile returns the compiled template for src. Failed compilations are
// not cached.
func (c *TemplateCache) Compile(src string) (*template.Template, error) {
	if t, ok := c.templates.Get(src); ok {
		return t, nil
	}
	t, err := template.New("step").
		Funcs(templateFuncs).
		Option("missingkey=error").
		Parse(src)
	if err != nil {
		return nil, fmt.Errorf("%w: compiling template %q: %w", ErrInvalidConfig, src, err)
	}
	c.compiles.Add(1)
	actual, _ := c.templates.GetOrSet(src, t)
	return actual, nil
}

// Compiles reports how many templates were compiled.
func (c *TemplateCache) Compiles() int64 {
	return c.compiles.Load()
}

func (c *TemplateCache) Len() int {
	return int(c.templates.Len())
}

func render(t *template.Template, data any) (string, error) {
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}
