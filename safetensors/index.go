package safetensors

import (
	"fmt"
	"slices"

	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"

	"github.com/lorakit/lorakit/envconfig"
	"github.com/lorakit/lorakit/nn"
)

// Index merges the headers of one or more shard files
// (model-*-of-*.safetensors) into a single name lookup.
type Index struct {
	files  []*File
	byName map[string]*File
}

// OpenAll scans shard headers concurrently and merges them. Duplicate
// tensor names across shards are an error.
func OpenAll(paths ...string) (*Index, error) {
	files := make([]*File, len(paths))

	var g errgroup.Group
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			f, err := Open(path)
			if err != nil {
				return err
			}
			files[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ix := &Index{files: files, byName: make(map[string]*File)}
	for _, f := range files {
		for _, name := range f.Names() {
			if prev, ok := ix.byName[name]; ok {
				return nil, fmt.Errorf("safetensors: tensor %q in both %s and %s", name, prev.path, f.path)
			}
			ix.byName[name] = f
		}
	}

	return ix, nil
}

// Names returns all tensor names across shards, sorted.
func (ix *Index) Names() []string {
	names := maps.Keys(ix.byName)
	slices.Sort(names)
	return names
}

// Tensor reads one tensor's payload from whichever shard holds it.
func (ix *Index) Tensor(name string) (*nn.Tensor, error) {
	f, ok := ix.byName[name]
	if !ok {
		return nil, fmt.Errorf("safetensors: no tensor %q", name)
	}
	return f.Tensor(name)
}

// Namespace builds the model's parameter tree from header information
// alone. Tensors carry shape and dtype but no payload: enough for key
// resolution and planning, not for patching.
func (ix *Index) Namespace() (*nn.Module, error) {
	params := make(map[string]*nn.Tensor, len(ix.byName))
	for name, f := range ix.byName {
		info, _ := f.Info(name)
		dtype, err := nn.ParseDType(info.DType)
		if err != nil {
			return nil, fmt.Errorf("safetensors: tensor %q: %w", name, err)
		}
		params[name] = nn.Placeholder(dtype, info.Shape)
	}
	return nn.FromNamed(params), nil
}

// Load reads every tensor payload across shards, keyed by name. Loaded
// tensors are tagged with the configured device, so deltas composed against
// them stage onto the same placement.
func (ix *Index) Load() (map[string]*nn.Tensor, error) {
	device := nn.Device(envconfig.Device)

	tensors := make(map[string]*nn.Tensor, len(ix.byName))
	for name := range ix.byName {
		t, err := ix.Tensor(name)
		if err != nil {
			return nil, err
		}
		t.To(device)
		tensors[name] = t
	}
	return tensors, nil
}
