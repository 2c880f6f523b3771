package scopemesh

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Registry owns the scopes of a process and guarantees their names are
// unique. Options given to `NewRegistry` apply to every scope it creates.
type Registry struct {
	defaults []Option

	lk     sync.RWMutex
	scopes map[string]*Scope
}

func NewRegistry(defaults ...Option) *Registry {
	return &Registry{
		defaults: defaults,
		scopes:   make(map[string]*Scope),
	}
}

// Create a scope named name. Options are applied after the registry
// defaults.
func (reg *Registry) Create(name string, opts ...Option) (*Scope, error) {
	all := make([]Option, 0, len(reg.defaults)+len(opts)+1)
	all = append(all, reg.defaults...)
	all = append(all, opts...)
	all = append(all, WithName(name))

	reg.lk.Lock()
	defer reg.lk.Unlock()
	if _, ok := reg.scopes[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrScopeExists, name)
	}

	s, err := New(all...)
	if err != nil {
		return nil, err
	}
	s.release = func() {
		reg.lk.Lock()
		defer reg.lk.Unlock()
		if reg.scopes[name] == s {
			delete(reg.scopes, name)
		}
	}
	reg.scopes[name] = s
	return s, nil
}

func (reg *Registry) Get(name string) (*Scope, bool) {
	reg.lk.RLock()
	defer reg.lk.RUnlock()
	s, ok := reg.scopes[name]
	return s, ok
}

// Scopes lists the live scopes sorted by name.
func (reg *Registry) Scopes() []*Scope {
	reg.lk.RLock()
	scopes := make([]*Scope, 0, len(reg.scopes))
	for _, s := range reg.scopes {
		scopes = append(scopes, s)
	}
	reg.lk.RUnlock()

	slices.SortFunc(scopes, func(a, b *Scope) int {
		return strings.Compare(a.name, b.name)
	})
	return scopes
}

// Close every scope of the registry.
func (reg *Registry) Close() error {
	var result error
	for _, s := range reg.Scopes() {
		if err := s.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return result
}
