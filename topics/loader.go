package topics

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"plugin"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/brook/internal/registry"
	"github.com/casualjim/brook/pkg/slogx"
	"github.com/fogfish/opts"
)

// Factory builds a backend runtime inside scope. Factories keep all of
// their mutable state in the runtime or in scope, never in package globals.
type Factory func(scope *Scope) (TopicConnectionsRuntime, error)

// PluginSymbol is the symbol a backend plugin must export. Its type is
// func(*topics.Scope) (topics.TopicConnectionsRuntime, error).
const PluginSymbol = "NewTopicConnectionsRuntime"

var backends = registry.New[Factory]("topics")

// Register makes a backend available under name. It panics when name is
// registered twice or factory is nil.
func Register(name string, factory Factory) {
	if factory == nil {
		panic("topics: Register factory is nil")
	}
	backends.MustRegister(name, factory)
}

// Backends lists the registered backend names.
func Backends() []string {
	return backends.Names()
}

// Descriptor is one loaded backend: its isolated scope and the runtime built
// inside it.
type Descriptor struct {
	Name    string
	ID      string
	Scope   *Scope
	Runtime TopicConnectionsRuntime
}

// Release disposes of the descriptor's scope.
func (d *Descriptor) Release() error {
	return d.Scope.Release()
}

type Loader struct {
	pluginDir   string
	logger      *slog.Logger
	descriptors *haxmap.Map[string, *Descriptor]
	plugins     *haxmap.Map[string, Factory]
}

var (
	// WithPluginDir enables loading backends from <dir>/<name>.so.
	WithPluginDir = opts.ForName[Loader, string]("pluginDir")
	WithLogger    = opts.ForName[Loader, *slog.Logger]("logger")
)

func NewLoader(options ...opts.Option[Loader]) (*Loader, error) {
	l := &Loader{
		logger:      slog.Default(),
		descriptors: haxmap.New[string, *Descriptor](),
		plugins:     haxmap.New[string, Factory](),
	}
	if err := opts.Apply(l, options); err != nil {
		return nil, err
	}
	l.logger = l.logger.With(slogx.LoggerName("brook.topics.loader"))
	return l, nil
}

// Load builds a fresh descriptor for the named backend. Every call yields a
// new scope, so loading the same backend twice gives two isolated runtimes.
func (l *Loader) Load(name string) (desc *Descriptor, err error) {
	factory, err := l.resolve(name)
	if err != nil {
		return nil, err
	}

	scope := newScope(name, l.logger)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("load backend %q: factory panic: %v", name, r)
		}
		if err != nil {
			_ = scope.Release()
			desc = nil
		}
	}()

	rt, err := factory(scope)
	if err != nil {
		return nil, fmt.Errorf("load backend %q: %w", name, err)
	}
	if rt == nil {
		return nil, fmt.Errorf("load backend %q: %w: factory returned no runtime", name, ErrInvalidPlugin)
	}

	desc = &Descriptor{Name: name, ID: scope.ID(), Scope: scope, Runtime: rt}
	l.descriptors.Set(desc.ID, desc)
	l.logger.Debug("loaded backend", slogx.Backend(name), slog.String("descriptor", desc.ID))
	return desc, nil
}

// ReleaseAll releases every descriptor this loader produced. Descriptors
// that were already released are logged and skipped; other failures are
// logged, collected and do not stop the sweep. Calling it again is a no-op.
func (l *Loader) ReleaseAll() error {
	var (
		ids  []string
		errs []error
	)
	l.descriptors.ForEach(func(id string, d *Descriptor) bool {
		ids = append(ids, id)
		if err := d.Release(); err != nil {
			if errors.Is(err, ErrScopeReleased) {
				l.logger.Debug("descriptor already released", slog.String("descriptor", id))
				return true
			}
			l.logger.Warn("failed to release descriptor", slog.String("descriptor", id), slogx.Error(err))
			errs = append(errs, fmt.Errorf("release %s: %w", id, err))
		}
		return true
	})
	l.descriptors.Del(ids...)
	return errors.Join(errs...)
}

func (l *Loader) resolve(name string) (Factory, error) {
	if f, ok := backends.Lookup(name); ok {
		return f, nil
	}
	if l.pluginDir == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	if f, ok := l.plugins.Get(name); ok {
		return f, nil
	}
	f, err := openPlugin(filepath.Join(l.pluginDir, name+".so"))
	if err != nil {
		return nil, err
	}
	actual, _ := l.plugins.GetOrSet(name, f)
	return actual, nil
}

func openPlugin(path string) (Factory, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: no plugin at %s", ErrUnknownBackend, path)
		}
		return nil, err
	}
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrInvalidPlugin, path, err)
	}
	sym, err := p.Lookup(PluginSymbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidPlugin, path, err)
	}
	switch fn := sym.(type) {
	case func(*Scope) (TopicConnectionsRuntime, error):
		return fn, nil
	case *Factory:
		return *fn, nil
	default:
		return nil, fmt.Errorf("%w: %s exports %s with type %T", ErrInvalidPlugin, path, PluginSymbol, sym)
	}
}
