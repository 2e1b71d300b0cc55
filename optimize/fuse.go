package optimize

import (
	"slices"

	"github.com/sergiorozada12/marianmt-to-onnx/fs/graph"
)

// fusePass collapses the unfused linear pattern the tracer records.
// A transpose feeding a matmul folds into the matmul as a transposed
// right operand; a transposed matmul followed by a bias add becomes a
// single linear node. Rewrites happen in place under the original node
// names, so downstream references and output ports stay valid, and the
// bypassed nodes are left for the prune pass.
type fusePass struct{}

func (fusePass) Name() string { return "fuse" }

func (fusePass) Run(g *graph.Graph) error {
	nodes := make(map[string]*graph.Node, len(g.Nodes))
	for i := range g.Nodes {
		nodes[g.Nodes[i].Name] = &g.Nodes[i]
	}

	// Nodes are recorded in execution order, so each matmul is rewritten
	// before the add consuming it comes up.
	for i := range g.Nodes {
		n := &g.Nodes[i]

		switch n.Op {
		case graph.OpMatmul:
			if n.Attrs.Bool("trans_b") || len(n.Inputs) != 2 {
				continue
			}
			t, ok := nodes[n.Inputs[1]]
			if !ok || t.Op != graph.OpTranspose || !slices.Equal(t.Attrs.Ints("axes"), []int{1, 0}) {
				continue
			}
			n.Inputs = []string{n.Inputs[0], t.Inputs[0]}
			n.Attrs = graph.Attrs{"trans_b": true}

		case graph.OpAdd:
			if len(n.Inputs) != 2 {
				continue
			}
			m, ok := nodes[n.Inputs[0]]
			if !ok || m.Op != graph.OpMatmul || !m.Attrs.Bool("trans_b") {
				continue
			}
			// The second operand must be a stored bias. Residual adds
			// combine two computed values and stay as they are.
			if _, ok := g.Tensors[n.Inputs[1]]; !ok {
				continue
			}
			n.Op = graph.OpLinear
			n.Inputs = []string{m.Inputs[0], m.Inputs[1], n.Inputs[1]}
			n.Attrs = nil
		}
	}

	return nil
}
