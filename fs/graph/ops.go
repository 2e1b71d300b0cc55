package graph

import (
	"fmt"
	"slices"
)

// Operator vocabulary. Every node op must infer its output shape from
// input shapes alone so a graph traced at one size can run at another.
const (
	OpAdd        = "add"
	OpMul        = "mul"
	OpMatmul     = "matmul" // attr trans_b: multiply by the transpose of the second input
	OpLinear     = "linear" // fused x·Wᵀ+b with weight [out, in] and optional bias
	OpSoftmax    = "softmax"
	OpLayerNorm  = "layernorm" // attr eps
	OpScale      = "scale"     // attr value
	OpTanh       = "tanh"
	OpGELU       = "gelu"
	OpSILU       = "silu"
	OpReLU       = "relu"
	OpTranspose  = "transpose" // attr axes
	OpSplitHeads = "split_heads"
	OpMergeHeads = "merge_heads"
	OpConcat     = "concat" // attr axis
	OpRows       = "rows"
	OpSinusoid   = "sinusoid"
	OpCausalMask = "causal_mask"
	OpMaskBias   = "mask_bias"
	OpIdentity   = "identity"
)

// InferShape computes a node's output shape from its input shapes.
func InferShape(op string, attrs Attrs, ins ...[]int) ([]int, error) {
	switch op {
	case OpAdd, OpMul:
		if len(ins) != 2 {
			return nil, fmt.Errorf("%s wants 2 inputs, got %d", op, len(ins))
		}
		return broadcastShape(ins[0], ins[1])
	case OpMatmul:
		if len(ins) != 2 {
			return nil, fmt.Errorf("%s wants 2 inputs, got %d", op, len(ins))
		}
		return matmulShape(ins[0], ins[1], attrs.Bool("trans_b"))
	case OpLinear:
		if len(ins) < 2 || len(ins) > 3 {
			return nil, fmt.Errorf("%s wants 2 or 3 inputs, got %d", op, len(ins))
		}
		return matmulShape(ins[0], ins[1], true)
	case OpSoftmax, OpScale, OpTanh, OpGELU, OpSILU, OpReLU, OpCausalMask, OpIdentity, OpSinusoid:
		if len(ins) < 1 {
			return nil, fmt.Errorf("%s wants at least 1 input", op)
		}
		return slices.Clone(ins[0]), nil
	case OpLayerNorm:
		if len(ins) != 3 {
			return nil, fmt.Errorf("%s wants 3 inputs, got %d", op, len(ins))
		}
		return slices.Clone(ins[0]), nil
	case OpTranspose:
		axes := attrs.Ints("axes")
		if len(axes) != len(ins[0]) {
			return nil, fmt.Errorf("transpose axes %v do not match rank %d", axes, len(ins[0]))
		}
		out := make([]int, len(axes))
		for i, a := range axes {
			if a < 0 || a >= len(ins[0]) {
				return nil, fmt.Errorf("transpose axis %d out of range", a)
			}
			out[i] = ins[0][a]
		}
		return out, nil
	case OpSplitHeads:
		heads := attrs.Int("heads")
		if len(ins[0]) != 3 {
			return nil, fmt.Errorf("split_heads wants rank 3, got %v", ins[0])
		}
		if heads < 1 || ins[0][2]%heads != 0 {
			return nil, fmt.Errorf("split_heads: dim %d not divisible by %d heads", ins[0][2], heads)
		}
		return []int{ins[0][0], heads, ins[0][1], ins[0][2] / heads}, nil
	case OpMergeHeads:
		if len(ins[0]) != 4 {
			return nil, fmt.Errorf("merge_heads wants rank 4, got %v", ins[0])
		}
		return []int{ins[0][0], ins[0][2], ins[0][1] * ins[0][3]}, nil
	case OpConcat:
		if len(ins) != 2 {
			return nil, fmt.Errorf("%s wants 2 inputs, got %d", op, len(ins))
		}
		axis := attrs.Int("axis")
		if len(ins[0]) != len(ins[1]) {
			return nil, fmt.Errorf("concat rank mismatch %v vs %v", ins[0], ins[1])
		}
		if axis < 0 || axis >= len(ins[0]) {
			return nil, fmt.Errorf("concat axis %d out of range", axis)
		}
		out := slices.Clone(ins[0])
		for i := range ins[0] {
			if i == axis {
				out[i] += ins[1][i]
			} else if ins[0][i] != ins[1][i] {
				return nil, fmt.Errorf("concat dim %d mismatch %v vs %v", i, ins[0], ins[1])
			}
		}
		return out, nil
	case OpRows:
		if len(ins) != 2 {
			return nil, fmt.Errorf("%s wants 2 inputs, got %d", op, len(ins))
		}
		if len(ins[0]) != 2 {
			return nil, fmt.Errorf("rows wants a rank 2 table, got %v", ins[0])
		}
		return append(slices.Clone(ins[1]), ins[0][1]), nil
	case OpMaskBias:
		if len(ins[0]) != 2 {
			return nil, fmt.Errorf("mask_bias wants rank 2, got %v", ins[0])
		}
		return []int{ins[0][0], 1, 1, ins[0][1]}, nil
	default:
		return nil, fmt.Errorf("unknown op %q", op)
	}
}

func broadcastShape(a, b []int) ([]int, error) {
	n := max(len(a), len(b))
	out := make([]int, n)
	for i := 0; i < n; i++ {
		da, db := 1, 1
		if i >= n-len(a) {
			da = a[i-(n-len(a))]
		}
		if i >= n-len(b) {
			db = b[i-(n-len(b))]
		}

		switch {
		case da == db:
			out[i] = da
		case da == 1:
			out[i] = db
		case db == 1:
			out[i] = da
		default:
			return nil, fmt.Errorf("cannot broadcast %v with %v", a, b)
		}
	}

	return out, nil
}

func matmulShape(a, b []int, transB bool) ([]int, error) {
	if len(a) < 2 || len(b) < 2 {
		return nil, fmt.Errorf("matmul wants rank >= 2, got %v and %v", a, b)
	}

	bk, bn := b[len(b)-2], b[len(b)-1]
	if transB {
		bk, bn = bn, bk
	}

	if a[len(a)-1] != bk {
		return nil, fmt.Errorf("matmul inner dim mismatch %v x %v", a, b)
	}

	lead, err := broadcastShape(a[:len(a)-2], b[:len(b)-2])
	if err != nil {
		return nil, err
	}

	return append(lead, a[len(a)-2], bn), nil
}
