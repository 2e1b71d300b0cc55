package cpu

import (
	"fmt"
	"math"
	"slices"

	"github.com/sergiorozada12/marianmt-to-onnx/ml"
)

// Tensor is a dense row-major tensor in host memory. Integer dtypes keep
// their values widened to float32, which is exact for token ids and cache
// lengths well below 2^24.
type Tensor struct {
	dtype ml.DType
	shape []int
	data  []float32
}

var _ ml.Tensor = (*Tensor)(nil)

func newTensor(dtype ml.DType, shape []int) *Tensor {
	return &Tensor{dtype: dtype, shape: shape, data: make([]float32, elements(shape))}
}

func toCPU(t ml.Tensor) *Tensor {
	c, ok := t.(*Tensor)
	if !ok {
		panic(fmt.Sprintf("cpu: foreign tensor %T", t))
	}

	return c
}

func (t *Tensor) Dim(n int) int { return t.shape[n] }

func (t *Tensor) Shape() []int { return slices.Clone(t.shape) }

func (t *Tensor) DType() ml.DType { return t.dtype }

func (t *Tensor) Floats() []float32 { return slices.Clone(t.data) }

func (t *Tensor) Ints() []int32 {
	s := make([]int32, len(t.data))
	for i, v := range t.data {
		s[i] = int32(v)
	}

	return s
}

func (t *Tensor) Add(_ ml.Context, t2 ml.Tensor) ml.Tensor {
	return binaryOp(t, toCPU(t2), func(x, y float32) float32 { return x + y })
}

func (t *Tensor) Mul(_ ml.Context, t2 ml.Tensor) ml.Tensor {
	return binaryOp(t, toCPU(t2), func(x, y float32) float32 { return x * y })
}

func (t *Tensor) Matmul(_ ml.Context, t2 ml.Tensor) ml.Tensor {
	return matmul(t, toCPU(t2), false)
}

func (t *Tensor) Softmax(_ ml.Context) ml.Tensor {
	return softmaxLast(t)
}

func (t *Tensor) LayerNorm(_ ml.Context, weight, bias ml.Tensor, eps float32) ml.Tensor {
	var w, b *Tensor
	if weight != nil {
		w = toCPU(weight)
	}
	if bias != nil {
		b = toCPU(bias)
	}

	return layerNorm(t, w, b, eps)
}

func (t *Tensor) Scale(_ ml.Context, s float64) ml.Tensor {
	return unaryOp(t, func(x float32) float32 { return x * float32(s) })
}

func (t *Tensor) Tanh(_ ml.Context) ml.Tensor {
	return unaryOp(t, func(x float32) float32 { return float32(math.Tanh(float64(x))) })
}

func (t *Tensor) GELU(_ ml.Context) ml.Tensor {
	return unaryOp(t, gelu)
}

func (t *Tensor) SILU(_ ml.Context) ml.Tensor {
	return unaryOp(t, silu)
}

func (t *Tensor) ReLU(_ ml.Context) ml.Tensor {
	return unaryOp(t, func(x float32) float32 { return max(x, 0) })
}

func (t *Tensor) Transpose(_ ml.Context, axes ...int) ml.Tensor {
	return transpose(t, axes)
}

func (t *Tensor) SplitHeads(_ ml.Context, heads int) ml.Tensor {
	return splitHeads(t, heads)
}

func (t *Tensor) MergeHeads(_ ml.Context) ml.Tensor {
	return mergeHeads(t)
}

func (t *Tensor) Concat(_ ml.Context, t2 ml.Tensor, axis int) ml.Tensor {
	return concat(t, toCPU(t2), axis)
}

func (t *Tensor) Rows(_ ml.Context, ids ml.Tensor) ml.Tensor {
	return rows(t, toCPU(ids))
}

func (t *Tensor) Sinusoid(_ ml.Context, past ml.Tensor) ml.Tensor {
	var offset int
	if past != nil {
		offset = past.Dim(2)
	}

	return sinusoid(t, offset)
}

func (t *Tensor) CausalMask(_ ml.Context) ml.Tensor {
	return causalMask(t)
}

func (t *Tensor) MaskBias(_ ml.Context) ml.Tensor {
	return maskBias(t)
}
