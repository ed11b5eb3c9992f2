package modifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Base is the foundation every modifier embeds. On its own it is the raw
// passthrough: it accepts the caller's workflow unchanged and only
// materializes URLs. Subtypes declare a template file and fill fields from
// the caller's modifications before delegating here.
type Base struct {
	templateFile string
	mods         map[string]interface{}
	deps         Deps
	workflow     map[string]interface{}
}

// NewBase returns a modifier bound to the given template. An empty template
// name means the caller must supply the workflow at Load time.
func NewBase(templateFile string, mods map[string]interface{}, deps Deps) *Base {
	if mods == nil {
		mods = map[string]interface{}{}
	}
	return &Base{
		templateFile: templateFile,
		mods:         mods,
		deps:         deps,
	}
}

// Load binds the base workflow. When the modifier declares a template file
// it is read from the workflow directory and a caller-supplied workflow is
// ignored; otherwise the caller's workflow is required.
func (b *Base) Load(ctx context.Context, workflow map[string]interface{}) error {
	if b.templateFile == "" {
		if workflow == nil {
			return errors.New("no workflow provided and modifier has no template")
		}
		b.workflow = workflow
		return nil
	}
	path := filepath.Join(b.deps.WorkflowDir, b.templateFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read workflow template %s: %w", b.templateFile, err)
	}
	var wf map[string]interface{}
	if err := json.Unmarshal(raw, &wf); err != nil {
		return fmt.Errorf("parse workflow template %s: %w", b.templateFile, err)
	}
	b.workflow = wf
	return nil
}

// Apply materializes URLs. Subtypes fill template fields first, then call
// this.
func (b *Base) Apply(ctx context.Context) error {
	return b.materializeURLs(ctx)
}

// Workflow returns the bound workflow.
func (b *Base) Workflow() map[string]interface{} {
	return b.workflow
}

// Value resolves a template field: the caller's override when present, the
// built-in default otherwise. A nil default makes the field required.
func (b *Base) Value(key string, def interface{}) (interface{}, error) {
	if v, ok := b.mods[key]; ok {
		return v, nil
	}
	if def == nil {
		return nil, &MissingParamError{Key: key}
	}
	return def, nil
}

// SetInput writes a value into a node's inputs map.
func (b *Base) SetInput(nodeID, field string, value interface{}) error {
	node, ok := b.workflow[nodeID].(map[string]interface{})
	if !ok {
		return fmt.Errorf("workflow has no node %q", nodeID)
	}
	inputs, ok := node["inputs"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("node %q has no inputs", nodeID)
	}
	inputs[field] = value
	return nil
}

// materializeURLs walks the workflow and replaces every string value that
// parses as a URL with the name of a locally cached copy. A failed download
// fails the whole transform.
func (b *Base) materializeURLs(ctx context.Context) error {
	if b.deps.Resolver == nil {
		return nil
	}
	return b.walkReplace(ctx, b.workflow)
}

func (b *Base) walkReplace(ctx context.Context, value interface{}) error {
	switch v := value.(type) {
	case map[string]interface{}:
		for key, elem := range v {
			if s, ok := elem.(string); ok && IsURL(s) {
				name, err := b.deps.Resolver.Resolve(ctx, s)
				if err != nil {
					return err
				}
				v[key] = name
				continue
			}
			if err := b.walkReplace(ctx, elem); err != nil {
				return err
			}
		}
	case []interface{}:
		for i, elem := range v {
			if s, ok := elem.(string); ok && IsURL(s) {
				name, err := b.deps.Resolver.Resolve(ctx, s)
				if err != nil {
					return err
				}
				v[i] = name
				continue
			}
			if err := b.walkReplace(ctx, elem); err != nil {
				return err
			}
		}
	}
	return nil
}
