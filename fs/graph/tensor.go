package graph

import (
	"encoding/binary"
	"fmt"
	"math"
)

type DType uint32

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeI32
	DTypeI64
	DTypeQ80
)

func (t DType) String() string {
	switch t {
	case DTypeF32:
		return "F32"
	case DTypeF16:
		return "F16"
	case DTypeI32:
		return "I32"
	case DTypeI64:
		return "I64"
	case DTypeQ80:
		return "Q8_0"
	default:
		return "unknown"
	}
}

// Tensor is a graph initializer: a named constant with raw little-endian
// payload. Q8_0 payloads hold 34-byte blocks covering 32 weights each.
type Tensor struct {
	Name  string
	DType DType
	Shape []int
	Data  []byte
}

func (t *Tensor) Elements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}

	return n
}

func (t *Tensor) Size() int64 {
	return int64(len(t.Data))
}

// Floats decodes the payload to float32, dequantizing if needed.
func (t *Tensor) Floats() ([]float32, error) {
	switch t.DType {
	case DTypeF32:
		if len(t.Data) != t.Elements()*4 {
			return nil, fmt.Errorf("tensor %q: payload is %d bytes, want %d", t.Name, len(t.Data), t.Elements()*4)
		}

		f32s := make([]float32, t.Elements())
		for i := range f32s {
			f32s[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
		}
		return f32s, nil
	case DTypeQ80:
		return DequantizeQ80(t.Data, t.Elements())
	default:
		return nil, fmt.Errorf("tensor %q: cannot decode dtype %s", t.Name, t.DType)
	}
}

// FromFloats builds an F32 initializer from a float32 slice.
func FromFloats(name string, f32s []float32, shape ...int) *Tensor {
	data := make([]byte, len(f32s)*4)
	for i, f := range f32s {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(f))
	}

	return &Tensor{
		Name:  name,
		DType: DTypeF32,
		Shape: shape,
		Data:  data,
	}
}
