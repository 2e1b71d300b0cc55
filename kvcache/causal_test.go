package kvcache

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sergiorozada12/marianmt-to-onnx/ml"
	"github.com/sergiorozada12/marianmt-to-onnx/ml/backend/cpu"
)

// kvTensor builds a [batch, heads, seq, headDim] tensor whose values
// encode their position, so growth tests can see where data lands.
func kvTensor(tb testing.TB, base float32, batch, heads, seq, headDim int) ml.Tensor {
	tb.Helper()

	s := make([]float32, batch*heads*seq*headDim)
	for i := range s {
		s[i] = base + float32(i)
	}

	return cpu.Context{}.FromFloats(s, batch, heads, seq, headDim)
}

func TestCausalGrowth(t *testing.T) {
	ctx := cpu.Context{}
	cache := NewCausal()

	if !cache.Causal() {
		t.Fatal("Causal() = false")
	}

	cache.Put(ctx, kvTensor(t, 100, 1, 2, 2, 2), kvTensor(t, 200, 1, 2, 2, 2))
	key, value := cache.Get(ctx)
	if diff := cmp.Diff([]int{1, 2, 2, 2}, key.Shape()); diff != "" {
		t.Fatalf("unexpected key shape (-want +got):\n%s", diff)
	}

	cache.Put(ctx, kvTensor(t, 300, 1, 2, 1, 2), kvTensor(t, 400, 1, 2, 1, 2))
	key, value = cache.Get(ctx)
	if diff := cmp.Diff([]int{1, 2, 3, 2}, key.Shape()); diff != "" {
		t.Fatalf("unexpected grown key shape (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 2, 3, 2}, value.Shape()); diff != "" {
		t.Fatalf("unexpected grown value shape (-want +got):\n%s", diff)
	}

	// per head: two old timesteps then the appended one
	want := []float32{
		100, 101, 102, 103, 300, 301,
		104, 105, 106, 107, 302, 303,
	}
	if diff := cmp.Diff(want, key.Floats()); diff != "" {
		t.Errorf("unexpected key layout (-want +got):\n%s", diff)
	}
}

func TestCausalLoad(t *testing.T) {
	ctx := cpu.Context{}
	cache := NewCausal()

	past := kvTensor(t, 0, 2, 4, 8, 16)
	cache.Load(past, kvTensor(t, 0, 2, 4, 8, 16))

	cache.Put(ctx, kvTensor(t, 0, 2, 4, 1, 16), kvTensor(t, 0, 2, 4, 1, 16))
	key, _ := cache.Get(ctx)
	if got := key.Dim(2); got != 9 {
		t.Errorf("seq after one step = %d, want 9", got)
	}
}
