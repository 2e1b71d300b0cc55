package trace

import (
	"fmt"
	"slices"

	"github.com/sergiorozada12/marianmt-to-onnx/fs/graph"
	"github.com/sergiorozada12/marianmt-to-onnx/ml"
)

// Tensor is a symbolic value inside a recording: a graph input, an
// initializer, or the output of a recorded node. Only its shape is known;
// op methods append nodes rather than compute.
type Tensor struct {
	value string
	dtype ml.DType
	shape []int
	init  *graph.Tensor
}

var _ ml.Tensor = (*Tensor)(nil)

func (t *Tensor) Dim(n int) int { return t.shape[n] }

func (t *Tensor) Shape() []int { return slices.Clone(t.shape) }

func (t *Tensor) DType() ml.DType { return t.dtype }

// Floats reads initializer payloads, which are fixed at trace time. Reading
// any other value would let data steer the recorded control flow, so it
// aborts the trace.
func (t *Tensor) Floats() []float32 {
	if t.init != nil {
		f32s, err := t.init.Floats()
		if err != nil {
			panic(traceAbort{fmt.Errorf("initializer %q: %w", t.value, err)})
		}

		return f32s
	}

	panic(traceAbort{fmt.Errorf("value %q: %w", t.value, ErrDataDependent)})
}

func (t *Tensor) Ints() []int32 {
	f32s := t.Floats()
	s := make([]int32, len(f32s))
	for i, v := range f32s {
		s[i] = int32(v)
	}

	return s
}

func record(ctx ml.Context, op string, attrs graph.Attrs, ins ...ml.Tensor) ml.Tensor {
	c, ok := ctx.(*Context)
	if !ok {
		panic(traceAbort{fmt.Errorf("foreign context %T in trace", ctx)})
	}

	return c.node(op, attrs, ins...)
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return record(ctx, graph.OpAdd, nil, t, t2)
}

func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return record(ctx, graph.OpMul, nil, t, t2)
}

func (t *Tensor) Matmul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return record(ctx, graph.OpMatmul, nil, t, t2)
}

func (t *Tensor) Softmax(ctx ml.Context) ml.Tensor {
	return record(ctx, graph.OpSoftmax, nil, t)
}

func (t *Tensor) LayerNorm(ctx ml.Context, weight, bias ml.Tensor, eps float32) ml.Tensor {
	if weight == nil || bias == nil {
		panic(traceAbort{fmt.Errorf("layernorm on %q: weight and bias are required", t.value)})
	}

	return record(ctx, graph.OpLayerNorm, graph.Attrs{"eps": eps}, t, weight, bias)
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	return record(ctx, graph.OpScale, graph.Attrs{"value": s}, t)
}

func (t *Tensor) Tanh(ctx ml.Context) ml.Tensor {
	return record(ctx, graph.OpTanh, nil, t)
}

func (t *Tensor) GELU(ctx ml.Context) ml.Tensor {
	return record(ctx, graph.OpGELU, nil, t)
}

func (t *Tensor) SILU(ctx ml.Context) ml.Tensor {
	return record(ctx, graph.OpSILU, nil, t)
}

func (t *Tensor) ReLU(ctx ml.Context) ml.Tensor {
	return record(ctx, graph.OpReLU, nil, t)
}

func (t *Tensor) Transpose(ctx ml.Context, axes ...int) ml.Tensor {
	return record(ctx, graph.OpTranspose, graph.Attrs{"axes": axes}, t)
}

func (t *Tensor) SplitHeads(ctx ml.Context, heads int) ml.Tensor {
	return record(ctx, graph.OpSplitHeads, graph.Attrs{"heads": heads}, t)
}

func (t *Tensor) MergeHeads(ctx ml.Context) ml.Tensor {
	return record(ctx, graph.OpMergeHeads, nil, t)
}

func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, axis int) ml.Tensor {
	return record(ctx, graph.OpConcat, graph.Attrs{"axis": axis}, t, t2)
}

func (t *Tensor) Rows(ctx ml.Context, ids ml.Tensor) ml.Tensor {
	return record(ctx, graph.OpRows, nil, t, ids)
}

func (t *Tensor) Sinusoid(ctx ml.Context, past ml.Tensor) ml.Tensor {
	if past != nil {
		return record(ctx, graph.OpSinusoid, nil, t, past)
	}

	return record(ctx, graph.OpSinusoid, nil, t)
}

func (t *Tensor) CausalMask(ctx ml.Context) ml.Tensor {
	return record(ctx, graph.OpCausalMask, nil, t)
}

func (t *Tensor) MaskBias(ctx ml.Context) ml.Tensor {
	return record(ctx, graph.OpMaskBias, nil, t)
}
