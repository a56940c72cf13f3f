package nn

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Device identifies where a tensor's storage lives. The engine runs in a
// single address space, so a device is a placement tag: moving a tensor
// updates the tag and preserves the transfer-before-cast ordering the
// staging protocol depends on.
type Device string

const CPU Device = "cpu"

type DType int

const (
	F32 DType = iota
	F16
	BF16
)

func (t DType) String() string {
	switch t {
	case F32:
		return "F32"
	case F16:
		return "F16"
	case BF16:
		return "BF16"
	default:
		return fmt.Sprintf("DType(%d)", int(t))
	}
}

// ElemSize returns the storage bytes per element.
func (t DType) ElemSize() int {
	if t == F32 {
		return 4
	}
	return 2
}

func ParseDType(s string) (DType, error) {
	switch strings.ToUpper(s) {
	case "F32", "FLOAT32":
		return F32, nil
	case "F16", "FLOAT16":
		return F16, nil
	case "BF16", "BFLOAT16":
		return BF16, nil
	default:
		return 0, fmt.Errorf("nn: unsupported dtype %q", s)
	}
}

// Tensor is a dense tensor backed by raw little-endian storage in its
// declared dtype, byte-compatible with a safetensors payload. Contents are
// mutated in place; the backing slice is never reallocated to a different
// length, so views handed out by a parameter store stay valid.
type Tensor struct {
	dtype  DType
	device Device
	shape  []int
	data   []byte
}

// NewTensor wraps raw storage. The data length must match the shape.
func NewTensor(dtype DType, shape []int, data []byte) (*Tensor, error) {
	t := &Tensor{dtype: dtype, device: CPU, shape: slices.Clone(shape), data: data}
	if want := t.Elems() * dtype.ElemSize(); len(data) != want {
		return nil, fmt.Errorf("nn: tensor data is %d bytes, shape %v wants %d", len(data), shape, want)
	}
	return t, nil
}

// FromFloats builds a tensor by encoding values into dtype storage.
func FromFloats(dtype DType, shape []int, values []float32) (*Tensor, error) {
	return NewTensor(dtype, shape, encode(dtype, values))
}

// Placeholder carries shape and dtype without any payload. It supports
// namespace resolution and planning only; value operations must not be
// called on it.
func Placeholder(dtype DType, shape []int) *Tensor {
	return &Tensor{dtype: dtype, device: CPU, shape: slices.Clone(shape)}
}

func (t *Tensor) DType() DType   { return t.dtype }
func (t *Tensor) Device() Device { return t.device }
func (t *Tensor) Shape() []int   { return slices.Clone(t.shape) }

// Elems returns the element count; a zero-dimensional tensor holds one.
func (t *Tensor) Elems() int {
	n := 1
	for _, d := range t.shape {
		n *= d
	}
	return n
}

// Size returns the storage size in bytes.
func (t *Tensor) Size() int64 {
	return int64(t.Elems() * t.dtype.ElemSize())
}

// To moves the tensor to a device.
func (t *Tensor) To(device Device) {
	t.device = device
}

// Floats decodes the storage into a fresh float32 slice.
func (t *Tensor) Floats() []float32 {
	return decode(t.dtype, t.data)
}

// Add accumulates delta into the tensor in place. The delta is rounded to
// the storage dtype before the add, so the update lands in the parameter's
// own precision regime.
func (t *Tensor) Add(delta []float32) error {
	if len(delta) != t.Elems() {
		return fmt.Errorf("nn: delta has %d elements, tensor has %d", len(delta), t.Elems())
	}

	rounded := delta
	if t.dtype != F32 {
		rounded = decode(t.dtype, encode(t.dtype, delta))
	}

	values := t.Floats()
	for i := range values {
		values[i] += rounded[i]
	}

	copy(t.data, encode(t.dtype, values))
	return nil
}

// Clone returns a detached copy on the CPU. The copy preserves the exact
// storage bits, so restoring from it is bit-identical.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		dtype:  t.dtype,
		device: CPU,
		shape:  slices.Clone(t.shape),
		data:   slices.Clone(t.data),
	}
}

// CopyFrom overwrites the tensor's storage bits with src's. Dtype and
// element count must match; shape geometry is not compared.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if src.dtype != t.dtype || len(src.data) != len(t.data) {
		return fmt.Errorf("nn: cannot copy %s/%d bytes into %s/%d bytes", src.dtype, len(src.data), t.dtype, len(t.data))
	}
	copy(t.data, src.data)
	return nil
}

func decode(dtype DType, data []byte) []float32 {
	switch dtype {
	case F16:
		f32s := make([]float32, len(data)/2)
		for i := range f32s {
			bits := uint16(data[2*i]) | uint16(data[2*i+1])<<8
			f32s[i] = float16.Frombits(bits).Float32()
		}
		return f32s
	case BF16:
		return bfloat16.DecodeFloat32(data)
	default:
		f32s := make([]float32, len(data)/4)
		for i := range f32s {
			bits := uint32(data[4*i]) | uint32(data[4*i+1])<<8 | uint32(data[4*i+2])<<16 | uint32(data[4*i+3])<<24
			f32s[i] = math.Float32frombits(bits)
		}
		return f32s
	}
}

func encode(dtype DType, f32s []float32) []byte {
	switch dtype {
	case F16:
		data := make([]byte, 2*len(f32s))
		for i, f := range f32s {
			bits := float16.Fromfloat32(f).Bits()
			data[2*i] = byte(bits)
			data[2*i+1] = byte(bits >> 8)
		}
		return data
	case BF16:
		return bfloat16.EncodeFloat32(f32s)
	default:
		data := make([]byte, 4*len(f32s))
		for i, f := range f32s {
			bits := math.Float32bits(f)
			data[4*i] = byte(bits)
			data[4*i+1] = byte(bits >> 8)
			data[4*i+2] = byte(bits >> 16)
			data[4*i+3] = byte(bits >> 24)
		}
		return data
	}
}
