package patch

import (
	"slices"

	"github.com/pdevine/tensor"
	"golang.org/x/exp/maps"

	"github.com/lorakit/lorakit/logutil"
	"github.com/lorakit/lorakit/nn"
)

// Layer is the adaptation unit the engine consumes. An implementation owns
// a low-rank factor decomposition and materializes per-parameter deltas for
// a resolved target module. Layers are immutable to the engine except for
// transient device and precision staging.
type Layer interface {
	// Rank returns the decomposition rank, or 0 when absent.
	Rank() int
	// Alpha returns the scaling numerator, or 0 when absent.
	Alpha() float32
	// To moves the layer's factor tensors to a device.
	To(nn.Device)
	// CastFloat32 materializes float32 working copies of the factors. Call
	// it only after To: transferring the narrower storage and widening on
	// arrival is cheaper than transferring float32.
	CastFloat32()
	// Release undoes staging: factors return to the CPU and the working
	// copies are dropped.
	Release()
	// Parameters returns the layer's raw delta per parameter name of the
	// target module.
	Parameters(target *nn.Module) (map[string]*tensor.Dense, error)
}

// Entry pairs one LoRA's layers, keyed by flat key, with the weight they
// are applied at.
type Entry struct {
	Layers map[string]Layer
	Weight float32
}

// layerScale is alpha/rank when both are present and non-zero, else 1.
func layerScale(layer Layer) float32 {
	if alpha, rank := layer.Alpha(), layer.Rank(); alpha != 0 && rank != 0 {
		return alpha / float32(rank)
	}
	return 1
}

// composeLayer stages layer onto the target's device, materializes its
// deltas, and returns them keyed by canonical parameter key, scaled by
// weight*alpha/rank and sized to each parameter's shape. Staging is
// released on every path, including a mid-layer failure.
func composeLayer(moduleKey string, module *nn.Module, layer Layer, weight float32) (map[string][]float32, error) {
	// The patch lands on the same device and precision regime as the live
	// weight.
	w, err := module.Parameter("weight")
	if err != nil {
		return nil, &MissingAttributeError{Module: moduleKey, Name: "weight"}
	}

	// Transfer first, cast second.
	layer.To(w.Device())
	layer.CastFloat32()
	defer layer.Release()

	params, err := layer.Parameters(module)
	if err != nil {
		return nil, err
	}

	deltas := make(map[string][]float32, len(params))

	names := maps.Keys(params)
	slices.Sort(names)
	for _, name := range names {
		delta := params[name]
		paramKey := moduleKey + "." + name

		param, err := module.Parameter(name)
		if err != nil {
			return nil, &MissingAttributeError{Module: moduleKey, Name: name}
		}

		if !slices.Equal([]int(delta.Shape()), param.Shape()) {
			// Some layer variants produce factor layouts that differ from
			// the live parameter; reshape silently as long as the element
			// counts agree.
			if delta.Shape().TotalSize() != param.Elems() {
				return nil, &ShapeError{Key: paramKey, Elems: delta.Shape().TotalSize(), Shape: param.Shape()}
			}
			if err := delta.Reshape(param.Shape()...); err != nil {
				return nil, &ShapeError{Key: paramKey, Elems: delta.Shape().TotalSize(), Shape: param.Shape()}
			}
		}

		if _, err := delta.MulScalar(weight*layerScale(layer), true, tensor.UseUnsafe()); err != nil {
			return nil, err
		}

		deltas[paramKey] = delta.Data().([]float32)
		logutil.Trace("composed delta", "key", paramKey, "elems", param.Elems(), "weight", weight, "scale", layerScale(layer))
	}

	return deltas, nil
}
