package modifier

import (
	"context"
	"math/rand/v2"
)

// Text2Image binds the text-to-image workflow template.
type Text2Image struct {
	*Base
}

// NewText2Image constructs the modifier.
func NewText2Image(mods map[string]interface{}, deps Deps) Modifier {
	return &Text2Image{Base: NewBase("text2image.json", mods, deps)}
}

func (m *Text2Image) Apply(ctx context.Context) error {
	fields := []struct {
		node, field, key string
		def              interface{}
	}{
		{"3", "seed", "seed", rand.Int64N(1 << 32)},
		{"3", "steps", "steps", 20},
		{"3", "cfg", "cfg", 8.0},
		{"3", "sampler_name", "sampler_name", "euler"},
		{"3", "scheduler", "scheduler", "normal"},
		{"3", "denoise", "denoise", 1.0},
		{"4", "ckpt_name", "ckpt_name", "v1-5-pruned-emaonly-fp16.safetensors"},
		{"5", "width", "width", 512},
		{"5", "height", "height", 512},
		{"5", "batch_size", "batch_size", 1},
		{"6", "text", "prompt", ""},
		{"7", "text", "negative_prompt", ""},
	}
	for _, f := range fields {
		value, err := m.Value(f.key, f.def)
		if err != nil {
			return err
		}
		if err := m.SetInput(f.node, f.field, value); err != nil {
			return err
		}
	}
	return m.Base.Apply(ctx)
}
