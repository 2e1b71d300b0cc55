package cpu

import (
	"fmt"
	"slices"

	"github.com/sergiorozada12/marianmt-to-onnx/fs/graph"
	"github.com/sergiorozada12/marianmt-to-onnx/ml"
)

// Backend evaluates tensor operations eagerly on the host. It backs the
// reference forward pass during verification and the executor that runs
// serialized graphs.
type Backend struct {
	kv      graph.KV
	weights map[string]*Tensor
}

var _ ml.Backend = (*Backend)(nil)

func New(kv graph.KV, tensors map[string]*graph.Tensor) (*Backend, error) {
	weights := make(map[string]*Tensor, len(tensors))
	for name, t := range tensors {
		f32s, err := t.Floats()
		if err != nil {
			return nil, fmt.Errorf("load %q: %w", name, err)
		}

		weights[name] = &Tensor{dtype: ml.DTypeF32, shape: slices.Clone(t.Shape), data: f32s}
	}

	return &Backend{kv: kv, weights: weights}, nil
}

func (b *Backend) Config() ml.Config { return b.kv }

func (b *Backend) Get(name string) ml.Tensor {
	if t, ok := b.weights[name]; ok {
		return t
	}

	return nil
}

func (b *Backend) NewContext() ml.Context { return Context{} }

// Context satisfies ml.Context for the eager backend. Results materialize as
// each operation runs, so Forward and Compute have nothing left to do.
type Context struct{}

var _ ml.Context = Context{}

func (c Context) Empty(dtype ml.DType, shape ...int) ml.Tensor {
	return newTensor(dtype, shape)
}

func (c Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return newTensor(dtype, shape)
}

func (c Context) FromFloats(s []float32, shape ...int) ml.Tensor {
	t := newTensor(ml.DTypeF32, shape)
	if len(s) != len(t.data) {
		panic(fmt.Sprintf("FromFloats: %d values for shape %v", len(s), shape))
	}
	copy(t.data, s)

	return t
}

func (c Context) FromInts(s []int32, shape ...int) ml.Tensor {
	t := newTensor(ml.DTypeI64, shape)
	if len(s) != len(t.data) {
		panic(fmt.Sprintf("FromInts: %d values for shape %v", len(s), shape))
	}
	for i, v := range s {
		t.data[i] = float32(v)
	}

	return t
}

func (c Context) Forward(...ml.Tensor) ml.Context { return c }

func (c Context) Compute(...ml.Tensor) {}

func (c Context) Close() {}
