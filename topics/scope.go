package topics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/brook/pkg/slogx"
	"github.com/casualjim/brook/pkg/uuidx"
)

// Scope is the isolated execution environment of one loaded backend. Its
// symbol table and tracked resources are never shared with another Scope.
type Scope struct {
	id      string
	backend string
	logger  *slog.Logger
	symbols *haxmap.Map[string, any]

	mu        sync.Mutex
	resources []io.Closer
	released  atomic.Bool
}

func newScope(backend string, logger *slog.Logger) *Scope {
	id := uuidx.Prefixed(backend)
	return &Scope{
		id:      id,
		backend: backend,
		logger:  logger.With(slogx.Backend(backend), slog.String("scope", id)),
		symbols: haxmap.New[string, any](),
	}
}

func (s *Scope) ID() string           { return s.id }
func (s *Scope) Backend() string      { return s.backend }
func (s *Scope) Logger() *slog.Logger { return s.logger }
func (s *Scope) Released() bool       { return s.released.Load() }

// Set binds name to value in this scope only.
func (s *Scope) Set(name string, value any) {
	s.symbols.Set(name, value)
}

func (s *Scope) Lookup(name string) (any, bool) {
	return s.symbols.Get(name)
}

// Track registers a resource that is closed when the scope is released.
// Tracked closers must tolerate being closed more than once.
func (s *Scope) Track(c io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources = append(s.resources, c)
}

// Release closes tracked resources in reverse order and clears the symbol
// table. A second call returns ErrScopeReleased.
func (s *Scope) Release() error {
	if !s.released.CompareAndSwap(false, true) {
		return ErrScopeReleased
	}

	s.mu.Lock()
	resources := s.resources
	s.resources = nil
	s.mu.Unlock()

	var errs []error
	for i := len(resources) - 1; i >= 0; i-- {
		if err := resources[i].Close(); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, err)
		}
	}
	var names []string
	s.symbols.ForEach(func(k string, _ any) bool {
		names = append(names, k)
		return true
	})
	s.symbols.Del(names...)
	return errors.Join(errs...)
}

type scopeKey struct{}

// WithScope returns a context carrying s as the active backend scope.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFrom returns the backend scope installed by the facade.
func ScopeFrom(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	return s, ok && s != nil
}

// Slot holds the ambient scope of one goroutine. Every pod goroutine owns
// its own Slot; slots are never shared between goroutines.
type Slot struct {
	current atomic.Pointer[Scope]
}

func NewSlot() *Slot {
	return &Slot{}
}

// Current returns the installed scope, or nil for the caller's own scope.
func (s *Slot) Current() *Scope {
	return s.current.Load()
}

// Enter installs next and returns the function that reinstates the previous
// scope. Callers defer the returned function.
func (s *Slot) Enter(next *Scope) (restore func()) {
	prev := s.current.Swap(next)
	return func() {
		s.current.Store(prev)
	}
}

type slotKey struct{}

func WithSlot(ctx context.Context, s *Slot) context.Context {
	return context.WithValue(ctx, slotKey{}, s)
}

func SlotFrom(ctx context.Context) (*Slot, bool) {
	s, ok := ctx.Value(slotKey{}).(*Slot)
	return s, ok && s != nil
}
