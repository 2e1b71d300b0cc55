package nn

import (
	"fmt"

	"github.com/sergiorozada12/marianmt-to-onnx/kvcache"
	"github.com/sergiorozada12/marianmt-to-onnx/ml"
)

// Attention implements scaled dot-product attention:
// Attention(Q, K, V) = softmax(QK^T·scale + mask)V
//
// query, key and value carry split heads, [batch, heads, seq, headDim].
// key and value may be nil to attend over cache contents alone, as the
// cached decoder does for cross-attention. mask is an additive bias
// broadcast onto the scores, or nil. When the cache is causal the scores
// additionally mask future positions, with the query window aligned to
// the end of the keys.
//
// The result keeps split heads; callers merge and project it.
func Attention(ctx ml.Context, query, key, value, mask ml.Tensor, scale float64, cache kvcache.Cache) ml.Tensor {
	if key != nil && value != nil {
		if query.Dim(3) != key.Dim(3) {
			panic(fmt.Errorf("head dim in attention does not match between query(%v) and key(%v)", query.Dim(3), key.Dim(3)))
		}

		if key.Dim(2) != value.Dim(2) {
			panic(fmt.Errorf("seq len in attention does not match between key(%v) and value(%v)", key.Dim(2), value.Dim(2)))
		}

		if cache != nil {
			cache.Put(ctx, key, value)
		}
	} else if cache == nil {
		panic("key and value tensors must be provided if cache is nil")
	}

	if cache != nil {
		key, value = cache.Get(ctx)
	}

	scores := query.Matmul(ctx, key.Transpose(ctx, 0, 1, 3, 2)).Scale(ctx, scale)

	if cache != nil && cache.Causal() {
		scores = scores.CausalMask(ctx)
	}

	if mask != nil {
		scores = scores.Add(ctx, mask)
	}

	return scores.Softmax(ctx).Matmul(ctx, value)
}
