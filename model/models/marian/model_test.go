package marian

import (
	"errors"
	"math/rand"
	"slices"
	"testing"

	"github.com/sergiorozada12/marianmt-to-onnx/fs/graph"
	"github.com/sergiorozada12/marianmt-to-onnx/kvcache"
	"github.com/sergiorozada12/marianmt-to-onnx/ml"
	"github.com/sergiorozada12/marianmt-to-onnx/ml/backend/cpu"
	"github.com/sergiorozada12/marianmt-to-onnx/model"
)

// testModel builds a two layer model with embedding length 4, two heads
// and a vocabulary of 8.
func testModel(tb testing.TB) (model.EncoderDecoder, ml.Backend) {
	tb.Helper()

	kv := graph.KV{
		"general.architecture":                "marian",
		"marian.vocab_size":                   uint32(8),
		"marian.embedding_length":             uint32(4),
		"marian.feed_forward_length":          uint32(8),
		"marian.attention.head_count":         uint32(2),
		"marian.encoder.block_count":          uint32(2),
		"marian.decoder.block_count":          uint32(2),
		"marian.embedding_scale":              float32(2),
		"marian.attention.layer_norm_epsilon": float32(1e-5),
	}

	rng := rand.New(rand.NewSource(7))
	tensors := make(map[string]*graph.Tensor)
	add := func(name string, shape ...int) {
		n := 1
		for _, d := range shape {
			n *= d
		}

		f32s := make([]float32, n)
		for i := range f32s {
			f32s[i] = rng.Float32() - 0.5
		}

		tensors[name] = graph.FromFloats(name, f32s, shape...)
	}
	norm := func(name string) {
		w := []float32{1, 1, 1, 1}
		tensors[name+".weight"] = graph.FromFloats(name+".weight", w, 4)
		tensors[name+".bias"] = graph.FromFloats(name+".bias", make([]float32, 4), 4)
	}

	add("token_embd.weight", 8, 4)
	add("output.bias", 8)

	for _, blk := range []string{"enc.blk.0", "enc.blk.1", "dec.blk.0", "dec.blk.1"} {
		for _, proj := range []string{"attn_q", "attn_k", "attn_v", "attn_output"} {
			add(blk+"."+proj+".weight", 4, 4)
			add(blk+"."+proj+".bias", 4)
		}
		norm(blk + ".attn_norm")

		add(blk+".ffn_up.weight", 8, 4)
		add(blk+".ffn_up.bias", 8)
		add(blk+".ffn_down.weight", 4, 8)
		add(blk+".ffn_down.bias", 4)
		norm(blk + ".ffn_norm")
	}

	for _, blk := range []string{"dec.blk.0", "dec.blk.1"} {
		for _, proj := range []string{"cross_attn_q", "cross_attn_k", "cross_attn_v", "cross_attn_output"} {
			add(blk+"."+proj+".weight", 4, 4)
			add(blk+"."+proj+".bias", 4)
		}
		norm(blk + ".cross_attn_norm")
	}

	b, err := cpu.New(kv, tensors)
	if err != nil {
		tb.Fatal(err)
	}

	m, err := model.New(b)
	if err != nil {
		tb.Fatal(err)
	}

	return m.(model.EncoderDecoder), b
}

func TestTiedOutputWeights(t *testing.T) {
	m, b := testModel(t)

	if got := m.(*Model).Output.Weight; got != b.Get("token_embd.weight") {
		t.Errorf("output weight not tied to token embedding, got %v", got)
	}
	if m.(*Model).Output.Bias == nil {
		t.Error("output bias not bound")
	}
}

func TestEncode(t *testing.T) {
	m, b := testModel(t)
	ctx := b.NewContext()

	ids := ctx.FromInts([]int32{1, 2, 3}, 1, 3)
	mask := ctx.FromFloats([]float32{1, 1, 1}, 1, 3)

	if got := m.Encode(ctx, ids, mask).Shape(); !slices.Equal(got, []int{1, 3, 4}) {
		t.Errorf("encoder output shape = %v, want [1 3 4]", got)
	}
}

func TestEncodePaddingIgnored(t *testing.T) {
	m, b := testModel(t)
	ctx := b.NewContext()

	// Positions behind the mask must not influence kept positions.
	first := m.Encode(ctx,
		ctx.FromInts([]int32{1, 2, 3}, 1, 3),
		ctx.FromFloats([]float32{1, 1, 0}, 1, 3)).Floats()
	second := m.Encode(ctx,
		ctx.FromInts([]int32{1, 2, 7}, 1, 3),
		ctx.FromFloats([]float32{1, 1, 0}, 1, 3)).Floats()

	for i := 0; i < 8; i++ {
		if diff := first[i] - second[i]; diff < -1e-6 || diff > 1e-6 {
			t.Fatalf("masked position leaked into output: %v != %v", first[:8], second[:8])
		}
	}
}

func TestDecode(t *testing.T) {
	m, b := testModel(t)
	ctx := b.NewContext()

	encoderStates := m.Encode(ctx,
		ctx.FromInts([]int32{1, 2, 3}, 1, 3),
		ctx.FromFloats([]float32{1, 1, 1}, 1, 3))
	mask := ctx.FromFloats([]float32{1, 1, 1}, 1, 3)

	cache := kvcache.NewDecoderCache(2)
	hidden := m.Decode(ctx, ctx.FromInts([]int32{4, 5}, 1, 2), encoderStates, mask, cache)
	if got := hidden.Shape(); !slices.Equal(got, []int{1, 2, 4}) {
		t.Errorf("decoder output shape = %v, want [1 2 4]", got)
	}

	state := cache.State()
	if len(state) != 8 {
		t.Fatalf("len(state) = %d, want 8", len(state))
	}
	if got := state[0].Shape(); !slices.Equal(got, []int{1, 2, 2, 2}) {
		t.Errorf("self key shape = %v, want [1 2 2 2]", got)
	}
	if got := state[2].Shape(); !slices.Equal(got, []int{1, 2, 3, 2}) {
		t.Errorf("cross key shape = %v, want [1 2 3 2]", got)
	}

	if got := m.Head(ctx, hidden).Shape(); !slices.Equal(got, []int{1, 2, 8}) {
		t.Errorf("logits shape = %v, want [1 2 8]", got)
	}
}

func TestDecodeStepGrowsSelfState(t *testing.T) {
	m, b := testModel(t)
	ctx := b.NewContext()

	encoderStates := m.Encode(ctx,
		ctx.FromInts([]int32{1, 2, 3}, 1, 3),
		ctx.FromFloats([]float32{1, 1, 1}, 1, 3))
	mask := ctx.FromFloats([]float32{1, 1, 1}, 1, 3)

	cache := kvcache.NewDecoderCache(2)
	m.Decode(ctx, ctx.FromInts([]int32{4, 5}, 1, 2), encoderStates, mask, cache)
	cross := cache.State()[2]

	hidden := m.Decode(ctx, ctx.FromInts([]int32{6}, 1, 1), encoderStates, mask, cache)
	if got := hidden.Shape(); !slices.Equal(got, []int{1, 1, 4}) {
		t.Errorf("step output shape = %v, want [1 1 4]", got)
	}

	state := cache.State()
	if got := state[0].Dim(2); got != 3 {
		t.Errorf("self state length = %d after step, want 3", got)
	}
	if state[2] != cross {
		t.Error("cross state changed during a step")
	}
}

// The incremental path must produce the same hidden states as decoding the
// whole prefix at once.
func TestDecodeStepMatchesFull(t *testing.T) {
	m, b := testModel(t)
	ctx := b.NewContext()

	encoderStates := m.Encode(ctx,
		ctx.FromInts([]int32{1, 2, 3}, 1, 3),
		ctx.FromFloats([]float32{1, 1, 1}, 1, 3))
	mask := ctx.FromFloats([]float32{1, 1, 1}, 1, 3)

	full := m.Decode(ctx, ctx.FromInts([]int32{4, 5, 6}, 1, 3), encoderStates, mask, kvcache.NewDecoderCache(2)).Floats()

	cache := kvcache.NewDecoderCache(2)
	var last []float32
	for _, id := range []int32{4, 5, 6} {
		last = m.Decode(ctx, ctx.FromInts([]int32{id}, 1, 1), encoderStates, mask, cache).Floats()
	}

	for i := range last {
		if diff := last[i] - full[8+i]; diff < -1e-5 || diff > 1e-5 {
			t.Fatalf("stepwise hidden state diverged: %v != %v", last, full[8:])
		}
	}
}

func TestNewUnknownArchitecture(t *testing.T) {
	b, err := cpu.New(graph.KV{"general.architecture": "gpt2"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := model.New(b); !errors.Is(err, model.ErrUnsupportedArchitecture) {
		t.Errorf("err = %v, want ErrUnsupportedArchitecture", err)
	}
}
