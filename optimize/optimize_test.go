package optimize

import (
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sergiorozada12/marianmt-to-onnx/fs/graph"
	"github.com/sergiorozada12/marianmt-to-onnx/ml"
	"github.com/sergiorozada12/marianmt-to-onnx/ml/backend/cpu"
)

// linearGraph records the unfused pattern the tracer emits for one
// nn.Linear call: transpose the stored weight, matmul, add the bias.
func linearGraph(tb testing.TB) *graph.Graph {
	tb.Helper()

	g := &graph.Graph{
		KV: graph.KV{"general.type": "graph"},
		Inputs: []graph.PortSpec{
			{Name: "x", Value: "x", DType: graph.DTypeF32, Dims: []int{2, 3}, Axes: map[int]string{0: "batch_size"}},
		},
		Outputs: []graph.PortSpec{
			{Name: "y", Value: "add_2", DType: graph.DTypeF32, Dims: []int{2, 4}, Axes: map[int]string{0: "batch_size"}},
		},
		Tensors: map[string]*graph.Tensor{
			"w": graph.FromFloats("w", []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, 4, 3),
			"b": graph.FromFloats("b", []float32{1, 2, 3, 4}, 4),
		},
		Nodes: []graph.Node{
			{Name: "transpose_0", Op: graph.OpTranspose, Inputs: []string{"w"}, Attrs: graph.Attrs{"axes": []int{1, 0}}},
			{Name: "matmul_1", Op: graph.OpMatmul, Inputs: []string{"x", "transpose_0"}},
			{Name: "add_2", Op: graph.OpAdd, Inputs: []string{"matmul_1", "b"}},
		},
	}
	if err := g.Validate(); err != nil {
		tb.Fatal(err)
	}

	return g
}

func execute(tb testing.TB, g *graph.Graph, x []float32, shape ...int) map[string]ml.Tensor {
	tb.Helper()

	b, err := cpu.New(nil, nil)
	if err != nil {
		tb.Fatal(err)
	}

	outs, err := cpu.Execute(g, map[string]ml.Tensor{"x": b.NewContext().FromFloats(x, shape...)})
	if err != nil {
		tb.Fatal(err)
	}

	return outs
}

func TestFuseLinearPattern(t *testing.T) {
	opt, err := Run(linearGraph(t), Config{Fusion: true, Pruning: true})
	if err != nil {
		t.Fatal(err)
	}

	if len(opt.Nodes) != 1 {
		t.Fatalf("nodes = %d, want 1", len(opt.Nodes))
	}

	n := opt.Nodes[0]
	if n.Op != graph.OpLinear {
		t.Errorf("op = %s, want linear", n.Op)
	}
	if n.Name != "add_2" {
		t.Errorf("fused node renamed to %q", n.Name)
	}
	if diff := cmp.Diff([]string{"x", "w", "b"}, n.Inputs); diff != "" {
		t.Errorf("fused inputs (-want +got):\n%s", diff)
	}
}

func TestFuseSkipsResidualAdd(t *testing.T) {
	g := &graph.Graph{
		Inputs: []graph.PortSpec{
			{Name: "x", Value: "x", DType: graph.DTypeF32, Dims: []int{2, 3}},
		},
		Outputs: []graph.PortSpec{
			{Name: "y", Value: "add_1", DType: graph.DTypeF32, Dims: []int{2, 3}},
		},
		Tensors: map[string]*graph.Tensor{
			"w": graph.FromFloats("w", make([]float32, 9), 3, 3),
		},
		Nodes: []graph.Node{
			{Name: "matmul_0", Op: graph.OpMatmul, Inputs: []string{"x", "w"}, Attrs: graph.Attrs{"trans_b": true}},
			{Name: "add_1", Op: graph.OpAdd, Inputs: []string{"matmul_0", "x"}},
		},
	}

	opt, err := Run(g, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	// Both operands of the add are computed values, so it is not a bias
	// add and must survive as is.
	if got := opt.Nodes[len(opt.Nodes)-1]; got.Op != graph.OpAdd {
		t.Errorf("residual add rewritten to %s", got.Op)
	}
}

func TestFoldTranspose(t *testing.T) {
	opt, err := Run(linearGraph(t), Config{ConstantFolding: true, Pruning: true})
	if err != nil {
		t.Fatal(err)
	}

	if len(opt.Nodes) != 2 {
		t.Fatalf("nodes = %d, want 2", len(opt.Nodes))
	}

	folded, ok := opt.Tensors["transpose_0"]
	if !ok {
		t.Fatal("transpose did not fold to an initializer")
	}
	if !slices.Equal(folded.Shape, []int{3, 4}) {
		t.Fatalf("folded shape = %v, want [3 4]", folded.Shape)
	}

	f32s, err := folded.Floats()
	if err != nil {
		t.Fatal(err)
	}
	if want := []float32{1, 4, 7, 10, 2, 5, 8, 11, 3, 6, 9, 12}; !slices.Equal(f32s, want) {
		t.Errorf("folded payload = %v, want %v", f32s, want)
	}

	if _, ok := opt.Tensors["w"]; ok {
		t.Error("orphaned weight survived pruning")
	}
}

func TestFoldArithmetic(t *testing.T) {
	g := &graph.Graph{
		Outputs: []graph.PortSpec{
			{Name: "y", Value: "add_0", DType: graph.DTypeF32, Dims: []int{2}},
		},
		Tensors: map[string]*graph.Tensor{
			"a": graph.FromFloats("a", []float32{1, 2}, 2),
			"b": graph.FromFloats("b", []float32{3, 5}, 2),
		},
		Nodes: []graph.Node{
			{Name: "add_0", Op: graph.OpAdd, Inputs: []string{"a", "b"}},
		},
	}

	opt, err := Run(g, Config{ConstantFolding: true, Pruning: true})
	if err != nil {
		t.Fatal(err)
	}

	if len(opt.Nodes) != 0 {
		t.Fatalf("nodes = %d, want 0", len(opt.Nodes))
	}

	f32s, err := opt.Tensors["add_0"].Floats()
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(f32s, []float32{4, 7}) {
		t.Errorf("folded value = %v, want [4 7]", f32s)
	}
}

func TestPruneDropsUnreachable(t *testing.T) {
	g := linearGraph(t)
	g.Tensors["stale"] = graph.FromFloats("stale", []float32{1}, 1)
	g.Nodes = append(g.Nodes, graph.Node{Name: "relu_3", Op: graph.OpReLU, Inputs: []string{"stale"}})

	opt, err := Run(g, Config{Pruning: true})
	if err != nil {
		t.Fatal(err)
	}

	if len(opt.Nodes) != 3 {
		t.Fatalf("nodes = %d, want 3", len(opt.Nodes))
	}
	for _, n := range opt.Nodes {
		if n.Name == "relu_3" {
			t.Error("unreachable node survived")
		}
	}
	if _, ok := opt.Tensors["stale"]; ok {
		t.Error("unreachable initializer survived")
	}
}

// The full pass set must leave the ports and the computed values exactly
// as they were.
func TestRunPreservesPortsAndValues(t *testing.T) {
	g := linearGraph(t)

	opt, err := Run(g, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(g.Inputs, opt.Inputs); diff != "" {
		t.Errorf("input ports changed (-raw +optimized):\n%s", diff)
	}
	if diff := cmp.Diff(g.Outputs, opt.Outputs); diff != "" {
		t.Errorf("output ports changed (-raw +optimized):\n%s", diff)
	}

	x := []float32{1, 0, -1, 0.5, 2, -3}
	want := execute(t, g, x, 2, 3)
	got := execute(t, opt, x, 2, 3)

	// Fusing reorders nothing: the fused kernel accumulates over the same
	// operands in the same order, so the match is exact.
	if diff := cmp.Diff(want["y"].Floats(), got["y"].Floats()); diff != "" {
		t.Errorf("optimized output diverged (-raw +optimized):\n%s", diff)
	}
}

func TestRunLeavesInputGraphAlone(t *testing.T) {
	g := linearGraph(t)

	if _, err := Run(g, DefaultConfig()); err != nil {
		t.Fatal(err)
	}

	if len(g.Nodes) != 3 {
		t.Errorf("input graph rewritten to %d nodes", len(g.Nodes))
	}
	if _, ok := g.Tensors["w"]; !ok {
		t.Error("input graph lost its weight")
	}
}

func TestRunZeroConfig(t *testing.T) {
	opt, err := Run(linearGraph(t), Config{})
	if err != nil {
		t.Fatal(err)
	}

	if len(opt.Nodes) != 3 {
		t.Errorf("nodes = %d, want 3 untouched", len(opt.Nodes))
	}
}
