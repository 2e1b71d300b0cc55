package marian

import (
	"math"

	"github.com/sergiorozada12/marianmt-to-onnx/kvcache"
	"github.com/sergiorozada12/marianmt-to-onnx/ml"
	"github.com/sergiorozada12/marianmt-to-onnx/ml/nn"
	"github.com/sergiorozada12/marianmt-to-onnx/model"
)

type Options struct {
	hiddenSize, numHeads int
	embedScale           float64
	eps                  float32
}

func (o *Options) headDim() int {
	return o.hiddenSize / o.numHeads
}

type Model struct {
	model.Base

	TokenEmbedding *nn.Embedding `weights:"token_embd"`
	Encoder        *Encoder      `weights:"enc"`
	Decoder        *Decoder      `weights:"dec"`
	Output         *nn.Linear    `weights:"output,alt:token_embd"`

	*Options
}

func New(c ml.Config) (model.Model, error) {
	m := Model{
		Encoder: &Encoder{Layers: make([]EncoderLayer, c.Uint("encoder.block_count"))},
		Decoder: &Decoder{Layers: make([]DecoderLayer, c.Uint("decoder.block_count"))},
		Options: &Options{
			hiddenSize: int(c.Uint("embedding_length")),
			numHeads:   int(c.Uint("attention.head_count")),
			embedScale: float64(c.Float("embedding_scale", 1)),
			eps:        c.Float("attention.layer_norm_epsilon", 1e-5),
		},
	}

	return &m, nil
}

type SelfAttention struct {
	Query  *nn.Linear `weights:"attn_q"`
	Key    *nn.Linear `weights:"attn_k"`
	Value  *nn.Linear `weights:"attn_v"`
	Output *nn.Linear `weights:"attn_output"`
}

func (sa *SelfAttention) Forward(ctx ml.Context, hiddenState, mask ml.Tensor, cache kvcache.Cache, opts *Options) ml.Tensor {
	query := sa.Query.Forward(ctx, hiddenState).SplitHeads(ctx, opts.numHeads)
	key := sa.Key.Forward(ctx, hiddenState).SplitHeads(ctx, opts.numHeads)
	value := sa.Value.Forward(ctx, hiddenState).SplitHeads(ctx, opts.numHeads)

	scaleFactor := 1.0 / math.Sqrt(float64(opts.headDim()))
	attention := nn.Attention(ctx, query, key, value, mask, scaleFactor, cache)

	return sa.Output.Forward(ctx, attention.MergeHeads(ctx))
}

type CrossAttention struct {
	Query  *nn.Linear `weights:"cross_attn_q"`
	Key    *nn.Linear `weights:"cross_attn_k"`
	Value  *nn.Linear `weights:"cross_attn_v"`
	Output *nn.Linear `weights:"cross_attn_output"`
}

func (ca *CrossAttention) Forward(ctx ml.Context, hiddenState, encoderStates, mask ml.Tensor, cache *kvcache.EncoderCache, opts *Options) ml.Tensor {
	query := ca.Query.Forward(ctx, hiddenState).SplitHeads(ctx, opts.numHeads)

	// Project the encoder states once. Afterwards the cache serves the
	// keys and values and the encoder states are left unread.
	var key, value ml.Tensor
	if !cache.EncoderCached() {
		key = ca.Key.Forward(ctx, encoderStates).SplitHeads(ctx, opts.numHeads)
		value = ca.Value.Forward(ctx, encoderStates).SplitHeads(ctx, opts.numHeads)
	}

	scaleFactor := 1.0 / math.Sqrt(float64(opts.headDim()))
	attention := nn.Attention(ctx, query, key, value, mask, scaleFactor, cache)

	return ca.Output.Forward(ctx, attention.MergeHeads(ctx))
}

type MLP struct {
	Up   *nn.Linear `weights:"ffn_up"`
	Down *nn.Linear `weights:"ffn_down"`
}

func (mlp *MLP) Forward(ctx ml.Context, hiddenState ml.Tensor, opts *Options) ml.Tensor {
	return mlp.Down.Forward(ctx, mlp.Up.Forward(ctx, hiddenState).SILU(ctx))
}

// EncoderLayer normalizes after each sublayer rather than before it, the
// way Marian checkpoints are trained.
type EncoderLayer struct {
	SelfAttention *SelfAttention
	AttentionNorm *nn.LayerNorm `weights:"attn_norm"`

	MLP     *MLP
	MLPNorm *nn.LayerNorm `weights:"ffn_norm"`
}

func (l *EncoderLayer) Forward(ctx ml.Context, hiddenState, mask ml.Tensor, opts *Options) ml.Tensor {
	residual := hiddenState
	hiddenState = l.SelfAttention.Forward(ctx, hiddenState, mask, nil, opts)
	hiddenState = l.AttentionNorm.Forward(ctx, hiddenState.Add(ctx, residual), opts.eps)

	residual = hiddenState
	hiddenState = l.MLP.Forward(ctx, hiddenState, opts)
	return l.MLPNorm.Forward(ctx, hiddenState.Add(ctx, residual), opts.eps)
}

type Encoder struct {
	Layers []EncoderLayer `weights:"blk"`
}

func (e *Encoder) Forward(ctx ml.Context, hiddenState, mask ml.Tensor, opts *Options) ml.Tensor {
	for i := range e.Layers {
		hiddenState = e.Layers[i].Forward(ctx, hiddenState, mask, opts)
	}

	return hiddenState
}

type DecoderLayer struct {
	SelfAttention *SelfAttention
	AttentionNorm *nn.LayerNorm `weights:"attn_norm"`

	CrossAttention *CrossAttention
	CrossNorm      *nn.LayerNorm `weights:"cross_attn_norm"`

	MLP     *MLP
	MLPNorm *nn.LayerNorm `weights:"ffn_norm"`
}

func (l *DecoderLayer) Forward(ctx ml.Context, hiddenState, encoderStates, encoderMask ml.Tensor, cache *kvcache.DecoderCache, opts *Options) ml.Tensor {
	residual := hiddenState
	hiddenState = l.SelfAttention.Forward(ctx, hiddenState, nil, cache.Self(), opts)
	hiddenState = l.AttentionNorm.Forward(ctx, hiddenState.Add(ctx, residual), opts.eps)

	residual = hiddenState
	hiddenState = l.CrossAttention.Forward(ctx, hiddenState, encoderStates, encoderMask, cache.Cross(), opts)
	hiddenState = l.CrossNorm.Forward(ctx, hiddenState.Add(ctx, residual), opts.eps)

	residual = hiddenState
	hiddenState = l.MLP.Forward(ctx, hiddenState, opts)
	return l.MLPNorm.Forward(ctx, hiddenState.Add(ctx, residual), opts.eps)
}

type Decoder struct {
	Layers []DecoderLayer `weights:"blk"`
}

func (d *Decoder) Forward(ctx ml.Context, hiddenState, encoderStates, encoderMask ml.Tensor, cache *kvcache.DecoderCache, opts *Options) ml.Tensor {
	for i := range d.Layers {
		cache.SetLayer(i)
		hiddenState = d.Layers[i].Forward(ctx, hiddenState, encoderStates, encoderMask, cache, opts)
	}

	return hiddenState
}

func (m *Model) Encode(ctx ml.Context, ids, mask ml.Tensor) ml.Tensor {
	hiddenState := m.TokenEmbedding.Forward(ctx, ids).Scale(ctx, m.embedScale)
	hiddenState = hiddenState.Add(ctx, hiddenState.Sinusoid(ctx, nil))

	return m.Encoder.Forward(ctx, hiddenState, mask.MaskBias(ctx), m.Options)
}

func (m *Model) Decode(ctx ml.Context, ids, encoderStates, encoderMask ml.Tensor, cache *kvcache.DecoderCache) ml.Tensor {
	hiddenState := m.TokenEmbedding.Forward(ctx, ids).Scale(ctx, m.embedScale)
	hiddenState = hiddenState.Add(ctx, hiddenState.Sinusoid(ctx, cache.Past()))

	return m.Decoder.Forward(ctx, hiddenState, encoderStates, encoderMask.MaskBias(ctx), cache, m.Options)
}

func (m *Model) Head(ctx ml.Context, hiddenState ml.Tensor) ml.Tensor {
	return m.Output.Forward(ctx, hiddenState)
}

func (m *Model) DecoderSchema() kvcache.StateSchema {
	return kvcache.StateSchema{Layers: len(m.Decoder.Layers)}
}

func init() {
	model.Register("marian", New)
}
