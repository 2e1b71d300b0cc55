package optimize

import (
	"github.com/emirpasic/gods/v2/sets/hashset"
	"github.com/emirpasic/gods/v2/stacks/arraystack"

	"github.com/sergiorozada12/marianmt-to-onnx/fs/graph"
)

// prunePass drops nodes and initializers no output port can reach.
// Fusion leaves its bypassed transpose and matmul nodes dangling, and a
// folded transpose strands the original weight; this sweep removes both.
type prunePass struct{}

func (prunePass) Name() string { return "prune" }

func (prunePass) Run(g *graph.Graph) error {
	producer := make(map[string]int, len(g.Nodes))
	for i, n := range g.Nodes {
		producer[n.Name] = i
	}

	live := hashset.New[string]()
	stack := arraystack.New[string]()
	for _, p := range g.Outputs {
		stack.Push(p.Value)
	}

	for !stack.Empty() {
		v, _ := stack.Pop()
		if live.Contains(v) {
			continue
		}
		live.Add(v)

		if i, ok := producer[v]; ok {
			for _, in := range g.Nodes[i].Inputs {
				stack.Push(in)
			}
		}
	}

	kept := make([]graph.Node, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		if live.Contains(n.Name) {
			kept = append(kept, n)
		}
	}
	g.Nodes = kept

	for name := range g.Tensors {
		if !live.Contains(name) {
			delete(g.Tensors, name)
		}
	}

	return nil
}
