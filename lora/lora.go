// Package lora loads low-rank adaptation models from safetensors files and
// materializes their per-module weight deltas.
package lora

import (
	"fmt"

	"github.com/pdevine/tensor"

	"github.com/lorakit/lorakit/nn"
	"github.com/lorakit/lorakit/patch"
)

// Layer is one adaptation unit: the up/down factor pair targeting a single
// module, with an optional alpha. The delta it contributes is up @ down,
// shaped [out, in].
type Layer struct {
	Key  string     // flat key, e.g. lora_unet_foo_bar_baz
	Up   *nn.Tensor // [out, rank]
	Down *nn.Tensor // [rank, in]

	alpha float32 // 0 when absent

	// float32 working copies, live between CastFloat32 and Release
	up32, down32 *tensor.Dense
}

var _ patch.Layer = (*Layer)(nil)

// Rank is the inner dimension of the decomposition, or 0 when unknown.
func (l *Layer) Rank() int {
	if l.Down == nil {
		return 0
	}
	if shape := l.Down.Shape(); len(shape) > 0 {
		return shape[0]
	}
	return 0
}

func (l *Layer) Alpha() float32 { return l.alpha }

// To moves the layer's factor tensors to a device.
func (l *Layer) To(device nn.Device) {
	l.Up.To(device)
	l.Down.To(device)
}

// CastFloat32 widens the factors into float32 working copies on whatever
// device they were transferred to.
func (l *Layer) CastFloat32() {
	l.up32 = dense(l.Up)
	l.down32 = dense(l.Down)
}

// Release returns the factors to the CPU and drops the working copies.
func (l *Layer) Release() {
	l.To(nn.CPU)
	l.up32, l.down32 = nil, nil
}

// Parameters materializes the layer's additive contribution to the target
// module's parameters.
func (l *Layer) Parameters(_ *nn.Module) (map[string]*tensor.Dense, error) {
	if l.up32 == nil || l.down32 == nil {
		l.CastFloat32()
	}

	product, err := tensor.MatMul(l.up32, l.down32)
	if err != nil {
		return nil, fmt.Errorf("lora: %s: %w", l.Key, err)
	}

	delta, ok := product.(*tensor.Dense)
	if !ok {
		return nil, fmt.Errorf("lora: %s: unexpected product type %T", l.Key, product)
	}

	return map[string]*tensor.Dense{"weight": delta}, nil
}

func dense(t *nn.Tensor) *tensor.Dense {
	return tensor.New(tensor.WithShape(t.Shape()...), tensor.WithBacking(t.Floats()))
}

// Metadata is the kohya-style training metadata carried in a LoRA file's
// __metadata__ block. Every field is stored as a string in the file;
// decoding is weakly typed.
type Metadata struct {
	NetworkDim    float32 `mapstructure:"ss_network_dim"`
	NetworkAlpha  float32 `mapstructure:"ss_network_alpha"`
	NetworkModule string  `mapstructure:"ss_network_module"`
	BaseModelName string  `mapstructure:"ss_sd_model_name"`

	Raw map[string]string `mapstructure:"-"`
}

// Model is a loaded LoRA: layers keyed by flat key.
type Model struct {
	Layers   map[string]*Layer
	Metadata Metadata
}

// Entry pairs the model's layers with an application weight for the patch
// engine.
func (m *Model) Entry(weight float32) patch.Entry {
	layers := make(map[string]patch.Layer, len(m.Layers))
	for key, layer := range m.Layers {
		layers[key] = layer
	}
	return patch.Entry{Layers: layers, Weight: weight}
}
