package modifier

import (
	"context"
	"math/rand/v2"
)

// Image2Image binds the image-to-image workflow template. Bound modifiers
// are coupled to a specific template file so node addressing is safe.
type Image2Image struct {
	*Base
}

// NewImage2Image constructs the modifier.
func NewImage2Image(mods map[string]interface{}, deps Deps) Modifier {
	return &Image2Image{Base: NewBase("image2image.json", mods, deps)}
}

func (m *Image2Image) Apply(ctx context.Context) error {
	fields := []struct {
		node, field, key string
		def              interface{}
	}{
		{"3", "seed", "seed", rand.Int64N(1 << 32)},
		{"3", "steps", "steps", 20},
		{"3", "sampler_name", "sampler_name", "dpmpp_2m"},
		{"3", "scheduler", "scheduler", "normal"},
		{"3", "denoise", "denoise", 0.87},
		{"6", "text", "prompt", ""},
		{"7", "text", "negative_prompt", ""},
		{"10", "image", "input_image", ""},
		{"14", "ckpt_name", "ckpt_name", "v1-5-pruned-emaonly-fp16.safetensors"},
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
