package optimize

import (
	"fmt"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"

	"github.com/sergiorozada12/marianmt-to-onnx/fs/graph"
	"github.com/sergiorozada12/marianmt-to-onnx/ml/backend/cpu"
)

// foldPass evaluates nodes whose inputs are all initializers and
// replaces each with an initializer holding its value. Transposes are
// pure layout permutations and go through the tensor library; anything
// arithmetic runs on the executor kernels, so folded values cannot
// drift from executed ones.
type foldPass struct{}

func (foldPass) Name() string { return "fold" }

func (foldPass) Run(g *graph.Graph) error {
	// One sweep in recorded order suffices: a node folded here is an
	// initializer by the time its consumers are considered.
	kept := make([]graph.Node, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		if !foldable(g, n) {
			kept = append(kept, n)
			continue
		}

		var folded *graph.Tensor
		var err error
		if n.Op == graph.OpTranspose {
			folded, err = foldTranspose(g, n)
		} else {
			folded, err = foldEval(g, n)
		}
		if err != nil {
			return fmt.Errorf("fold %q: %w", n.Name, err)
		}

		g.Tensors[n.Name] = folded
	}

	g.Nodes = kept

	return nil
}

func foldable(g *graph.Graph, n graph.Node) bool {
	if len(n.Inputs) == 0 {
		return false
	}

	for _, in := range n.Inputs {
		if _, ok := g.Tensors[in]; !ok {
			return false
		}
	}

	return true
}

// foldTranspose permutes the initializer payload directly.
func foldTranspose(g *graph.Graph, n graph.Node) (*graph.Tensor, error) {
	init := g.Tensors[n.Inputs[0]]
	f32s, err := init.Floats()
	if err != nil {
		return nil, err
	}

	axes := n.Attrs.Ints("axes")

	nd := tensor.New(tensor.WithShape(init.Shape...), tensor.WithBacking(f32s))
	if err := nd.T(axes...); err != nil {
		return nil, err
	}
	if err := nd.Transpose(); err != nil {
		return nil, err
	}

	rows, err := native.SelectF32(nd, 1)
	if err != nil {
		return nil, err
	}

	out := make([]float32, 0, len(f32s))
	for _, row := range rows {
		out = append(out, row...)
	}

	shape := make([]int, len(axes))
	for i, a := range axes {
		shape[i] = init.Shape[a]
	}

	return graph.FromFloats(n.Name, out, shape...), nil
}

// foldEval runs a single node on the executor and captures its value.
func foldEval(g *graph.Graph, n graph.Node) (*graph.Tensor, error) {
	sub := &graph.Graph{
		Nodes:   []graph.Node{n},
		Tensors: make(map[string]*graph.Tensor, len(n.Inputs)),
		Outputs: []graph.PortSpec{{Name: n.Name, Value: n.Name}},
	}
	for _, in := range n.Inputs {
		sub.Tensors[in] = g.Tensors[in]
	}

	outs, err := cpu.Execute(sub, nil)
	if err != nil {
		return nil, err
	}

	t := outs[n.Name]

	return graph.FromFloats(n.Name, t.Floats(), t.Shape()...), nil
}
