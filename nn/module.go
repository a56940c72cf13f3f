package nn

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/exp/maps"
)

// Module is a node in a host model's parameter namespace: named sub-modules
// and named parameter tensors. Names are unique within a module; a lookup
// returns exactly one tensor or fails. The namespace owns its tensors —
// callers mutate tensor contents in place but never add or remove entries
// through the patching engine.
type Module struct {
	children map[string]*Module
	params   map[string]*Tensor
}

func NewModule() *Module {
	return &Module{
		children: make(map[string]*Module),
		params:   make(map[string]*Tensor),
	}
}

// AddModule returns the named direct sub-module, creating it when absent.
func (m *Module) AddModule(name string) *Module {
	child, ok := m.children[name]
	if !ok {
		child = NewModule()
		m.children[name] = child
	}
	return child
}

// Register adds or replaces a named parameter.
func (m *Module) Register(name string, t *Tensor) {
	m.params[name] = t
}

// Child returns a direct sub-module by name.
func (m *Module) Child(name string) (*Module, bool) {
	child, ok := m.children[name]
	return child, ok
}

// Submodule resolves a dot-separated path to a sub-module.
func (m *Module) Submodule(path string) (*Module, error) {
	module := m
	for _, name := range strings.Split(path, ".") {
		child, ok := module.Child(name)
		if !ok {
			return nil, fmt.Errorf("nn: no submodule %q in path %q", name, path)
		}
		module = child
	}
	return module, nil
}

// Parameter resolves a dot-separated key whose final element names a
// parameter on the module addressed by the preceding elements.
func (m *Module) Parameter(key string) (*Tensor, error) {
	module := m
	if i := strings.LastIndex(key, "."); i >= 0 {
		var err error
		if module, err = m.Submodule(key[:i]); err != nil {
			return nil, err
		}
		key = key[i+1:]
	}

	t, ok := module.params[key]
	if !ok {
		return nil, fmt.Errorf("nn: no parameter %q", key)
	}
	return t, nil
}

// ParamNames returns the module's direct parameter names, sorted.
func (m *Module) ParamNames() []string {
	names := maps.Keys(m.params)
	slices.Sort(names)
	return names
}

// FromNamed builds a module tree from dot-separated parameter keys, e.g.
// "foo.bar_baz.weight" registers parameter "weight" on the module at path
// "foo.bar_baz".
func FromNamed(params map[string]*Tensor) *Module {
	root := NewModule()
	for key, t := range params {
		path := strings.Split(key, ".")
		module := root
		for _, name := range path[:len(path)-1] {
			module = module.AddModule(name)
		}
		module.Register(path[len(path)-1], t)
	}
	return root
}
