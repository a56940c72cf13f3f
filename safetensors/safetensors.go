// Package safetensors reads .safetensors files: a little-endian uint64
// header length, a JSON header mapping tensor names to dtype, shape, and
// payload offsets, then the packed payload. Only the header is read at open
// time; payloads are fetched per tensor.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"

	"golang.org/x/exp/maps"

	"github.com/lorakit/lorakit/nn"
)

type TensorInfo struct {
	DType   string   `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// File indexes a single .safetensors file.
type File struct {
	path      string
	headerLen int64
	tensors   map[string]TensorInfo
	metadata  map[string]string
}

// Open reads the header of the file at path. No tensor payload is read.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var n int64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("safetensors: reading header size of %s: %w", path, err)
	}

	header := make([]byte, n)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, fmt.Errorf("safetensors: reading header of %s: %w", path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(header, &raw); err != nil {
		return nil, fmt.Errorf("safetensors: parsing header of %s: %w", path, err)
	}

	st := &File{
		path:      path,
		headerLen: n,
		tensors:   make(map[string]TensorInfo, len(raw)),
	}

	for name, value := range raw {
		if name == "__metadata__" {
			if err := json.Unmarshal(value, &st.metadata); err != nil {
				return nil, fmt.Errorf("safetensors: parsing metadata of %s: %w", path, err)
			}
			continue
		}

		var info TensorInfo
		if err := json.Unmarshal(value, &info); err != nil {
			return nil, fmt.Errorf("safetensors: parsing tensor %q in %s: %w", name, path, err)
		}
		st.tensors[name] = info
	}

	return st, nil
}

// Names returns the tensor names, sorted.
func (f *File) Names() []string {
	names := maps.Keys(f.tensors)
	slices.Sort(names)
	return names
}

func (f *File) Has(name string) bool {
	_, ok := f.tensors[name]
	return ok
}

func (f *File) Info(name string) (TensorInfo, bool) {
	info, ok := f.tensors[name]
	return info, ok
}

// Metadata returns the optional __metadata__ block; values are strings per
// the format.
func (f *File) Metadata() map[string]string {
	return f.metadata
}

// Tensor reads one tensor's payload. The storage bytes are kept in the
// file's dtype; no numeric conversion happens here.
func (f *File) Tensor(name string) (*nn.Tensor, error) {
	info, ok := f.tensors[name]
	if !ok {
		return nil, fmt.Errorf("safetensors: no tensor %q in %s", name, f.path)
	}

	dtype, err := nn.ParseDType(info.DType)
	if err != nil {
		return nil, fmt.Errorf("safetensors: tensor %q: %w", name, err)
	}

	r, err := os.Open(f.path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	// Payload offsets are relative to the end of the header.
	if _, err := r.Seek(pad(f.headerLen, info.Offsets[0]), io.SeekStart); err != nil {
		return nil, err
	}

	data := make([]byte, info.Offsets[1]-info.Offsets[0])
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("safetensors: reading tensor %q: %w", name, err)
	}

	t, err := nn.NewTensor(dtype, info.Shape, data)
	if err != nil {
		return nil, fmt.Errorf("safetensors: tensor %q: %w", name, err)
	}
	return t, nil
}

// pad returns the absolute file offset for a payload offset given a header
// of length n.
func pad(n, offset int64) int64 {
	return 8 + n + offset
}
