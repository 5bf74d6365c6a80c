package tools

import (
	"fmt"
	"strings"
)

// Registry is the immutable set of tools available to a deployment.
// Order of registration is preserved by List and Names.
type Registry struct {
	order  []string
	byName map[string]Descriptor
}

// NewRegistry builds a registry. Names must be unique.
func NewRegistry(descriptors ...Descriptor) (*Registry, error) {
	r := &Registry{
		order:  make([]string, 0, len(descriptors)),
		byName: make(map[string]Descriptor, len(descriptors)),
	}

	for _, d := range descriptors {
		if err := d.validate(); err != nil {
			return nil, err
		}
		for _, existing := range r.order {
			// Routing matches labels case-insensitively
			if strings.EqualFold(existing, d.Name) {
				return nil, fmt.Errorf("duplicate tool name %q (already registered as %q)", d.Name, existing)
			}
		}
		r.order = append(r.order, d.Name)
		r.byName[d.Name] = d
	}

	return r, nil
}

// List returns the name and description of every tool in registration order
func (r *Registry) List() []Info {
	out := make([]Info, 0, len(r.order))
	for _, name := range r.order {
		d := r.byName[name]
		out = append(out, Info{Name: d.Name, Description: d.Description})
	}
	return out
}

// Names returns the registered tool names in registration order
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Get looks up a tool by name
func (r *Registry) Get(name string) (Descriptor, error) {
	d, ok := r.byName[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return d, nil
}

// Has reports whether name is registered
func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Len returns the number of tools
func (r *Registry) Len() int { return len(r.order) }
