package lora

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/lorakit/lorakit/safetensors"
)

// normalize maps the PEFT factor spellings onto the kohya ones so grouping
// only has to know one layout.
var normalize = strings.NewReplacer(
	".lora_A.weight", ".lora_down.weight",
	".lora_B.weight", ".lora_up.weight",
)

// Load reads a LoRA model from a .safetensors file. Tensors are grouped
// into layers by the flat key preceding the first dot; the role suffix
// selects the up factor, the down factor, or the alpha scalar. Roles this
// engine does not consume are skipped.
func Load(path string) (*Model, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}

	m := &Model{Layers: make(map[string]*Layer)}

	for _, name := range f.Names() {
		flat, role, ok := strings.Cut(normalize.Replace(name), ".")
		if !ok {
			return nil, fmt.Errorf("lora: tensor %q has no role suffix", name)
		}

		layer, ok := m.Layers[flat]
		if !ok {
			layer = &Layer{Key: flat}
			m.Layers[flat] = layer
		}

		switch role {
		case "alpha":
			t, err := f.Tensor(name)
			if err != nil {
				return nil, err
			}
			values := t.Floats()
			if len(values) != 1 {
				return nil, fmt.Errorf("lora: alpha %q has %d elements", name, len(values))
			}
			layer.alpha = values[0]
		case "lora_up.weight":
			if layer.Up, err = f.Tensor(name); err != nil {
				return nil, err
			}
		case "lora_down.weight":
			if layer.Down, err = f.Tensor(name); err != nil {
				return nil, err
			}
		default:
			slog.Debug("skipping unsupported lora tensor", "name", name, "role", role)
		}
	}

	for flat, layer := range m.Layers {
		if layer.Up == nil && layer.Down == nil {
			// alpha-only group, e.g. an exporter artifact
			delete(m.Layers, flat)
			continue
		}
		if layer.Up == nil || layer.Down == nil {
			return nil, fmt.Errorf("lora: layer %q is missing a factor tensor", flat)
		}

		up, down := layer.Up.Shape(), layer.Down.Shape()
		if len(up) != 2 || len(down) != 2 || up[1] != down[0] {
			return nil, fmt.Errorf("lora: layer %q has incompatible factor shapes %v x %v", flat, up, down)
		}
	}

	if md := f.Metadata(); md != nil {
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &m.Metadata,
		})
		if err != nil {
			return nil, err
		}
		if err := decoder.Decode(md); err != nil {
			return nil, fmt.Errorf("lora: decoding metadata of %s: %w", path, err)
		}
		m.Metadata.Raw = md
	}

	return m, nil
}
