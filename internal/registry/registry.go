// Package registry is the process-wide name table behind the backend, provider
// and step factories that packages register from init.
package registry

import (
	"fmt"
	"sort"

	"github.com/alphadose/haxmap"
)

// Table maps names to values of one kind. It is safe for concurrent use.
type Table[T any] struct {
	kind    string
	entries *haxmap.Map[string, T]
}

// New creates an empty table; kind prefixes panic messages.
func New[T any](kind string) *Table[T] {
	return &Table[T]{
		kind:    kind,
		entries: haxmap.New[string, T](),
	}
}

// MustRegister adds value under name and panics when name is taken. The
// check and the insert are one atomic step, so two racing registrations of
// the same name cannot both succeed.
func (t *Table[T]) MustRegister(name string, value T) {
	if name == "" {
		panic(fmt.Sprintf("%s: register with empty name", t.kind))
	}
	if _, loaded := t.entries.GetOrCompute(name, func() T { return value }); loaded {
		panic(fmt.Sprintf("%s: %q registered twice", t.kind, name))
	}
}

func (t *Table[T]) Lookup(name string) (T, bool) {
	return t.entries.Get(name)
}

// Names returns the registered names in lexical order.
func (t *Table[T]) Names() []string {
	names := make([]string, 0, t.entries.Len())
	t.entries.ForEach(func(k string, _ T) bool {
		names = append(names, k)
		return true
	})
	sort.Strings(names)
	return names
}
