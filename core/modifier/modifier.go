// Package modifier transforms workflow payloads before submission. A
// modifier either wraps a caller-supplied workflow as-is or fills a bound
// workflow template from caller overrides, then materializes any remote
// URLs into local input files.
package modifier

import (
	"context"
	"fmt"
)

// Modifier is the capability set the preprocess stage drives.
type Modifier interface {
	// Load binds the base workflow: the caller payload, or the modifier's
	// template file when it declares one.
	Load(ctx context.Context, workflow map[string]interface{}) error
	// Apply fills overrides and materializes URLs in place.
	Apply(ctx context.Context) error
	// Workflow returns the transformed payload.
	Workflow() map[string]interface{}
}

// UnknownModifierError is returned when a request names a modifier that is
// not registered.
type UnknownModifierError struct {
	Name string
}

func (e *UnknownModifierError) Error() string {
	return fmt.Sprintf("unknown modifier: %s", e.Name)
}

// MissingParamError is returned when a required template field has neither a
// caller override nor a built-in default.
type MissingParamError struct {
	Key string
}

func (e *MissingParamError) Error() string {
	return fmt.Sprintf("%s required but not set", e.Key)
}

// Deps carries the collaborators every modifier shares.
type Deps struct {
	Resolver    *Resolver
	WorkflowDir string
}

// Factory constructs a modifier bound to a request's modifications.
type Factory func(mods map[string]interface{}, deps Deps) Modifier

// Registry maps modifier names to constructors. Names are validated at
// startup; resolution of an unregistered name is a typed error, never a
// dynamic lookup.
type Registry struct {
	deps      Deps
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in modifiers registered.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{
		deps:      deps,
		factories: make(map[string]Factory),
	}
	r.Register("RawWorkflow", func(mods map[string]interface{}, deps Deps) Modifier {
		return NewBase("", mods, deps)
	})
	r.Register("Image2Image", NewImage2Image)
	r.Register("Text2Image", NewText2Image)
	return r
}

// Register adds a named modifier constructor.
func (r *Registry) Register(name string, factory Factory) {
	r.factories[name] = factory
}

// Resolve returns the modifier for a request. An empty name selects the raw
// passthrough modifier.
func (r *Registry) Resolve(name string, mods map[string]interface{}) (Modifier, error) {
	if name == "" {
		return NewBase("", mods, r.deps), nil
	}
	factory, ok := r.factories[name]
	if !ok {
		return nil, &UnknownModifierError{Name: name}
	}
	return factory(mods, r.deps), nil
}

// Names returns the registered modifier names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	return out
}
