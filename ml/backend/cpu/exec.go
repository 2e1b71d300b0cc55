package cpu

import (
	"fmt"
	"math"
	"slices"

	"github.com/sergiorozada12/marianmt-to-onnx/fs/graph"
	"github.com/sergiorozada12/marianmt-to-onnx/logutil"
	"github.com/sergiorozada12/marianmt-to-onnx/ml"
)

// Execute runs a serialized graph on the host. Feeds bind input ports by
// name: dimensions bound to a symbolic axis accept any positive size while
// unbound dimensions must match the traced size exactly. Results are keyed
// by output port name, so a passthrough port resolves to the tensor that
// was fed to the input port sharing its value.
func Execute(g *graph.Graph, feeds map[string]ml.Tensor) (map[string]ml.Tensor, error) {
	values := make(map[string]*Tensor, len(g.Inputs)+len(g.Tensors)+len(g.Nodes))

	for _, p := range g.Inputs {
		feed, ok := feeds[p.Name]
		if !ok {
			return nil, fmt.Errorf("input %q: not fed", p.Name)
		}

		t, ok := feed.(*Tensor)
		if !ok {
			return nil, fmt.Errorf("input %q: tensor of type %T is not executable", p.Name, feed)
		}

		if err := checkPort(p, t.shape); err != nil {
			return nil, err
		}

		values[p.Value] = t
	}

	for name := range feeds {
		if _, ok := g.Input(name); !ok {
			return nil, fmt.Errorf("feed %q: no such input port", name)
		}
	}

	for name, init := range g.Tensors {
		f32s, err := init.Floats()
		if err != nil {
			return nil, err
		}

		values[name] = &Tensor{dtype: ml.DTypeF32, shape: slices.Clone(init.Shape), data: f32s}
	}

	for _, n := range g.Nodes {
		ins := make([]*Tensor, len(n.Inputs))
		for i, in := range n.Inputs {
			t, ok := values[in]
			if !ok {
				return nil, fmt.Errorf("node %q: unknown input value %q", n.Name, in)
			}
			ins[i] = t
		}

		out, err := eval(n, ins)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", n.Name, err)
		}

		logutil.Trace("evaluated", "node", n.Name, "op", n.Op, "shape", out.shape)
		values[n.Name] = out
	}

	outs := make(map[string]ml.Tensor, len(g.Outputs))
	for _, p := range g.Outputs {
		t, ok := values[p.Value]
		if !ok {
			return nil, fmt.Errorf("output %q: unknown value %q", p.Name, p.Value)
		}

		outs[p.Name] = t
	}

	return outs, nil
}

func checkPort(p graph.PortSpec, shape []int) error {
	if len(shape) != len(p.Dims) {
		return fmt.Errorf("input %q: rank %d, want %d", p.Name, len(shape), len(p.Dims))
	}

	for i, d := range shape {
		if _, dynamic := p.Axes[i]; dynamic {
			if d < 1 {
				return fmt.Errorf("input %q: axis %d must be positive, got %d", p.Name, i, d)
			}
			continue
		}

		if d != p.Dims[i] {
			return fmt.Errorf("input %q: axis %d is fixed at %d, got %d", p.Name, i, p.Dims[i], d)
		}
	}

	return nil
}

// eval dispatches one node to its kernel. Kernels panic on shape misuse;
// eval turns that into an error naming the node so a malformed artifact
// fails cleanly instead of crashing the pipeline.
func eval(n graph.Node, ins []*Tensor) (out *Tensor, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("%s: %v", n.Op, r)
		}
	}()

	switch n.Op {
	case graph.OpAdd:
		return binaryOp(ins[0], ins[1], func(x, y float32) float32 { return x + y }), nil
	case graph.OpMul:
		return binaryOp(ins[0], ins[1], func(x, y float32) float32 { return x * y }), nil
	case graph.OpMatmul:
		return matmul(ins[0], ins[1], n.Attrs.Bool("trans_b")), nil
	case graph.OpLinear:
		y := matmul(ins[0], ins[1], true)
		if len(ins) == 3 {
			y = binaryOp(y, ins[2], func(x, b float32) float32 { return x + b })
		}
		return y, nil
	case graph.OpSoftmax:
		return softmaxLast(ins[0]), nil
	case graph.OpLayerNorm:
		return layerNorm(ins[0], ins[1], ins[2], float32(n.Attrs.Float("eps"))), nil
	case graph.OpScale:
		s := float32(n.Attrs.Float("value"))
		return unaryOp(ins[0], func(x float32) float32 { return x * s }), nil
	case graph.OpTanh:
		return unaryOp(ins[0], func(x float32) float32 { return float32(math.Tanh(float64(x))) }), nil
	case graph.OpGELU:
		return unaryOp(ins[0], gelu), nil
	case graph.OpSILU:
		return unaryOp(ins[0], silu), nil
	case graph.OpReLU:
		return unaryOp(ins[0], func(x float32) float32 { return max(x, 0) }), nil
	case graph.OpTranspose:
		return transpose(ins[0], n.Attrs.Ints("axes")), nil
	case graph.OpSplitHeads:
		return splitHeads(ins[0], n.Attrs.Int("heads")), nil
	case graph.OpMergeHeads:
		return mergeHeads(ins[0]), nil
	case graph.OpConcat:
		return concat(ins[0], ins[1], n.Attrs.Int("axis")), nil
	case graph.OpRows:
		return rows(ins[0], ins[1]), nil
	case graph.OpSinusoid:
		var offset int
		if len(ins) > 1 {
			offset = ins[1].shape[2]
		}
		return sinusoid(ins[0], offset), nil
	case graph.OpCausalMask:
		return causalMask(ins[0]), nil
	case graph.OpMaskBias:
		return maskBias(ins[0]), nil
	case graph.OpIdentity:
		return ins[0], nil
	default:
		return nil, fmt.Errorf("unknown op %q", n.Op)
	}
}
