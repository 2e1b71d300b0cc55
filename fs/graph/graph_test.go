package graph

import (
	"bytes"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestKVArchitecturePrefix(t *testing.T) {
	kv := KV{
		"general.architecture":        "marian",
		"marian.embedding_length":     uint32(512),
		"marian.attention.head_count": uint32(8),
		"marian.activation":           "swish",
		"marian.scale_embedding":      true,
	}

	if got := kv.Architecture(); got != "marian" {
		t.Errorf("Architecture() = %q, want %q", got, "marian")
	}
	if got := kv.EmbeddingLength(); got != 512 {
		t.Errorf("EmbeddingLength() = %d, want 512", got)
	}
	if got := kv.HeadCount(); got != 8 {
		t.Errorf("HeadCount() = %d, want 8", got)
	}
	if got := kv.String("activation"); got != "swish" {
		t.Errorf("String(activation) = %q, want %q", got, "swish")
	}
	if !kv.Bool("scale_embedding") {
		t.Error("Bool(scale_embedding) = false, want true")
	}
	if got := kv.Uint("missing", 42); got != 42 {
		t.Errorf("Uint(missing) = %d, want default 42", got)
	}
}

func TestKVNumericWidening(t *testing.T) {
	// a codec round trip turns uint32 into uint64 and float32 into float64
	kv := KV{
		"general.architecture": "marian",
		"marian.vocab_size":    uint64(58101),
		"marian.attention.eps": float64(1e-5),
	}

	if got := kv.VocabSize(); got != 58101 {
		t.Errorf("VocabSize() = %d, want 58101", got)
	}
	if got := kv.Float("attention.eps"); math.Abs(float64(got)-1e-5) > 1e-12 {
		t.Errorf("Float(attention.eps) = %v, want 1e-5", got)
	}
}

func TestInferShape(t *testing.T) {
	cases := []struct {
		name  string
		op    string
		attrs Attrs
		ins   [][]int
		want  []int
		err   bool
	}{
		{name: "add same", op: OpAdd, ins: [][]int{{2, 8, 512}, {2, 8, 512}}, want: []int{2, 8, 512}},
		{name: "add broadcast bias", op: OpAdd, ins: [][]int{{2, 8, 512}, {512}}, want: []int{2, 8, 512}},
		{name: "add broadcast mask", op: OpAdd, ins: [][]int{{2, 8, 5, 7}, {2, 1, 1, 7}}, want: []int{2, 8, 5, 7}},
		{name: "add mismatch", op: OpAdd, ins: [][]int{{2, 3}, {2, 4}}, err: true},
		{name: "matmul", op: OpMatmul, ins: [][]int{{2, 8, 512}, {512, 512}}, want: []int{2, 8, 512}},
		{name: "matmul trans_b", op: OpMatmul, attrs: Attrs{"trans_b": true}, ins: [][]int{{2, 8, 512}, {1024, 512}}, want: []int{2, 8, 1024}},
		{name: "matmul batched", op: OpMatmul, ins: [][]int{{2, 8, 5, 64}, {2, 8, 64, 7}}, want: []int{2, 8, 5, 7}},
		{name: "matmul inner mismatch", op: OpMatmul, ins: [][]int{{2, 8, 512}, {256, 512}}, err: true},
		{name: "linear", op: OpLinear, ins: [][]int{{2, 8, 512}, {58101, 512}, {58101}}, want: []int{2, 8, 58101}},
		{name: "split heads", op: OpSplitHeads, attrs: Attrs{"heads": 8}, ins: [][]int{{2, 8, 512}}, want: []int{2, 8, 8, 64}},
		{name: "split heads indivisible", op: OpSplitHeads, attrs: Attrs{"heads": 7}, ins: [][]int{{2, 8, 512}}, err: true},
		{name: "merge heads", op: OpMergeHeads, ins: [][]int{{2, 8, 5, 64}}, want: []int{2, 5, 512}},
		{name: "concat seq", op: OpConcat, attrs: Attrs{"axis": 2}, ins: [][]int{{2, 8, 7, 64}, {2, 8, 1, 64}}, want: []int{2, 8, 8, 64}},
		{name: "concat mismatch", op: OpConcat, attrs: Attrs{"axis": 2}, ins: [][]int{{2, 8, 7, 64}, {2, 4, 1, 64}}, err: true},
		{name: "rows", op: OpRows, ins: [][]int{{58101, 512}, {2, 8}}, want: []int{2, 8, 512}},
		{name: "mask bias", op: OpMaskBias, ins: [][]int{{2, 7}}, want: []int{2, 1, 1, 7}},
		{name: "transpose", op: OpTranspose, attrs: Attrs{"axes": []int{0, 2, 1, 3}}, ins: [][]int{{2, 8, 5, 64}}, want: []int{2, 5, 8, 64}},
		{name: "softmax", op: OpSoftmax, ins: [][]int{{2, 8, 5, 7}}, want: []int{2, 8, 5, 7}},
		{name: "layernorm", op: OpLayerNorm, ins: [][]int{{2, 8, 512}, {512}, {512}}, want: []int{2, 8, 512}},
		{name: "unknown", op: "conv", ins: [][]int{{1}}, err: true},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got, err := InferShape(tt.op, tt.attrs, tt.ins...)
			if tt.err {
				if err == nil {
					t.Fatalf("InferShape() = %v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("shape mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func testGraph() *Graph {
	w := make([]float32, 64*32)
	for i := range w {
		w[i] = rand.Float32() - 0.5
	}

	return &Graph{
		KV: KV{
			"general.architecture":    "marian",
			"marian.embedding_length": uint32(32),
		},
		Inputs: []PortSpec{
			{Name: "input_ids", Value: "input_ids", DType: DTypeI64, Dims: []int{2, 8}, Axes: map[int]string{0: "batch_size", 1: "seq_length"}},
		},
		Outputs: []PortSpec{
			{Name: "output", Value: "embed", DType: DTypeF32, Dims: []int{2, 8, 32}, Axes: map[int]string{0: "batch_size", 1: "seq_length"}},
		},
		Nodes: []Node{
			{Name: "embed", Op: OpRows, Inputs: []string{"table", "input_ids"}},
		},
		Tensors: map[string]*Tensor{
			"table": FromFloats("table", w, 64, 32),
		},
	}
}

func TestCodecRoundTrip(t *testing.T) {
	g := testGraph()

	var buf bytes.Buffer
	if err := Encode(&buf, g); err != nil {
		t.Fatal(err)
	}

	got, err := Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(g.Inputs, got.Inputs); diff != "" {
		t.Errorf("inputs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(g.Outputs, got.Outputs); diff != "" {
		t.Errorf("outputs mismatch (-want +got):\n%s", diff)
	}
	if len(got.Nodes) != len(g.Nodes) || got.Nodes[0].Op != OpRows {
		t.Errorf("nodes did not survive round trip: %+v", got.Nodes)
	}
	if got.KV.EmbeddingLength() != 32 {
		t.Errorf("EmbeddingLength() = %d after round trip, want 32", got.KV.EmbeddingLength())
	}
	if !bytes.Equal(got.Tensors["table"].Data, g.Tensors["table"].Data) {
		t.Error("tensor payload changed in round trip")
	}
	if err := got.Validate(); err != nil {
		t.Errorf("decoded graph failed validation: %v", err)
	}
}

func TestValidate(t *testing.T) {
	g := testGraph()
	if err := g.Validate(); err != nil {
		t.Fatal(err)
	}

	bad := g.Clone()
	bad.Nodes[0].Inputs[0] = "missing"
	if err := bad.Validate(); err == nil {
		t.Error("Validate() accepted a dangling value reference")
	}

	bad = g.Clone()
	bad.Outputs[0].Dims = []int{2, 8, 99}
	if err := bad.Validate(); err == nil {
		t.Error("Validate() accepted mismatched output dims")
	}
}

func TestCloneIsDeep(t *testing.T) {
	g := testGraph()
	c := g.Clone()

	c.Nodes[0].Inputs[0] = "other"
	c.Inputs[0].Axes[0] = "changed"
	c.Tensors["table"].Data[0] ^= 0xff

	if g.Nodes[0].Inputs[0] != "table" {
		t.Error("clone shares node input slices")
	}
	if g.Inputs[0].Axes[0] != "batch_size" {
		t.Error("clone shares axis maps")
	}
	if g.Tensors["table"].Data[0] == c.Tensors["table"].Data[0] {
		t.Error("clone shares tensor payloads")
	}
}

func TestQ80RoundTrip(t *testing.T) {
	f32s := make([]float32, 27*QK80)
	for i := range f32s {
		f32s[i] = (rand.Float32() - 0.5) * 4
	}

	data, err := QuantizeQ80(f32s)
	if err != nil {
		t.Fatal(err)
	}
	if want := len(f32s) / QK80 * q80BlockLen; len(data) != want {
		t.Fatalf("payload is %d bytes, want %d", len(data), want)
	}

	got, err := DequantizeQ80(data, len(f32s))
	if err != nil {
		t.Fatal(err)
	}

	for i := range f32s {
		// symmetric int8 keeps each weight within one scale step
		if math.Abs(float64(got[i]-f32s[i])) > 4.0/127 {
			t.Fatalf("weight %d: %v -> %v exceeds quantization error bound", i, f32s[i], got[i])
		}
	}

	if _, err := QuantizeQ80(f32s[:QK80-1]); err == nil {
		t.Error("QuantizeQ80 accepted a partial block")
	}
}
