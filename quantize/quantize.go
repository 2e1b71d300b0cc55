// Package quantize re-encodes graph weights as symmetric Q8_0 blocks.
package quantize

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/sergiorozada12/marianmt-to-onnx/fs/graph"
	"github.com/sergiorozada12/marianmt-to-onnx/optimize"
)

// Config fixes the quantization policy. The scheme itself is always
// symmetric Q8_0: a shared float16 scale per block of 32 signed bytes.
type Config struct {
	// ForceFusion runs the fusion pass first so weights still hidden
	// behind transpose nodes become linear operands and qualify.
	ForceFusion bool
}

func DefaultConfig() Config {
	return Config{ForceFusion: true}
}

// Run returns a copy of g with every eligible weight re-encoded as
// Q8_0. A weight qualifies when it is a two dimensional float
// initializer consumed only as the weight operand of linear or matmul
// nodes, with rows a whole number of blocks. Biases, norm parameters,
// and embedding tables read by row gathers stay float32. A graph with
// nothing to quantize is an error, not a silent copy.
func Run(g *graph.Graph, config Config) (*graph.Graph, error) {
	out := g.Clone()

	if config.ForceFusion {
		// Pruning must follow or the bypassed transpose nodes would still
		// count as non-linear uses of the weights they fed.
		fused, err := optimize.Run(out, optimize.Config{Fusion: true, Pruning: true})
		if err != nil {
			return nil, err
		}
		out = fused
	}

	var quantized int
	for name, t := range out.Tensors {
		if !eligible(out, name, t) {
			continue
		}

		f32s, err := t.Floats()
		if err != nil {
			return nil, fmt.Errorf("quantize %q: %w", name, err)
		}

		data, err := graph.QuantizeQ80(f32s)
		if err != nil {
			return nil, fmt.Errorf("quantize %q: %w", name, err)
		}

		out.Tensors[name] = &graph.Tensor{Name: name, DType: graph.DTypeQ80, Shape: t.Shape, Data: data}
		quantized++
	}

	if quantized == 0 {
		return nil, errors.New("no quantizable weights")
	}

	if out.KV == nil {
		out.KV = make(graph.KV)
	}
	out.KV["general.quantization"] = graph.DTypeQ80.String()

	if err := out.Validate(); err != nil {
		return nil, err
	}

	slog.Info("quantized", "tensors", quantized)

	return out, nil
}

func eligible(g *graph.Graph, name string, t *graph.Tensor) bool {
	if t.DType != graph.DTypeF32 || len(t.Shape) != 2 || t.Shape[1]%graph.QK80 != 0 {
		return false
	}

	// A value a port exposes must keep its exact payload.
	for _, p := range g.Outputs {
		if p.Value == name {
			return false
		}
	}

	used := false
	for _, n := range g.Nodes {
		for i, in := range n.Inputs {
			if in != name {
				continue
			}
			if (n.Op != graph.OpLinear && n.Op != graph.OpMatmul) || i != 1 {
				return false
			}
			used = true
		}
	}

	return used
}
