package convert

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/sergiorozada12/marianmt-to-onnx/fs/graph"
)

type marianModel struct {
	ModelParameters
	DModel                uint32 `json:"d_model"`
	EncoderLayers         uint32 `json:"encoder_layers"`
	DecoderLayers         uint32 `json:"decoder_layers"`
	EncoderAttentionHeads uint32 `json:"encoder_attention_heads"`
	DecoderAttentionHeads uint32 `json:"decoder_attention_heads"`
	EncoderFFNDim         uint32 `json:"encoder_ffn_dim"`
	DecoderFFNDim         uint32 `json:"decoder_ffn_dim"`
	MaxPositionEmbeddings uint32 `json:"max_position_embeddings"`
	ActivationFunction    string `json:"activation_function"`
	ScaleEmbedding        bool   `json:"scale_embedding"`
	DecoderStartTokenID   uint32 `json:"decoder_start_token_id"`
	EOSTokenID            uint32 `json:"eos_token_id"`
	PadTokenID            uint32 `json:"pad_token_id"`
}

var _ ModelConverter = (*marianModel)(nil)

func (p *marianModel) KV() graph.KV {
	kv := p.ModelParameters.KV()
	kv["general.architecture"] = "marian"
	kv["marian.vocab_size"] = p.VocabSize
	kv["marian.embedding_length"] = p.DModel
	kv["marian.feed_forward_length"] = p.EncoderFFNDim
	kv["marian.attention.head_count"] = p.EncoderAttentionHeads
	kv["marian.attention.layer_norm_epsilon"] = float32(1e-5)
	kv["marian.encoder.block_count"] = p.EncoderLayers
	kv["marian.decoder.block_count"] = p.DecoderLayers
	kv["marian.context_length"] = p.MaxPositionEmbeddings
	kv["marian.decoder_start_token_id"] = p.DecoderStartTokenID
	kv["marian.eos_token_id"] = p.EOSTokenID
	kv["marian.pad_token_id"] = p.PadTokenID

	if p.ScaleEmbedding {
		kv["marian.embedding_scale"] = float32(math.Sqrt(float64(p.DModel)))
	}

	return kv
}

func (p *marianModel) Tensors(ts []Tensor) ([]*graph.Tensor, error) {
	out := make([]*graph.Tensor, 0, len(ts))
	for _, t := range ts {
		switch {
		case strings.Contains(t.Name(), "embed_positions"):
			// sinusoidal positions are recomputed at run time
			continue
		case strings.Contains(t.Name(), "embed_tokens"),
			t.Name() == "lm_head.weight":
			// aliases of the shared embedding
			continue
		}

		var g *graph.Tensor
		var err error
		if t.Name() == "output.bias" {
			// stored [1, vocab_size], kept as a plain vector
			g, err = materialize(t, int(p.VocabSize))
		} else {
			g, err = materialize(t)
		}
		if err != nil {
			return nil, err
		}

		out = append(out, g)
	}

	if !slices.ContainsFunc(out, func(t *graph.Tensor) bool { return t.Name == "token_embd.weight" }) {
		return nil, errors.New("missing shared token embedding; models with split source and target vocabularies are unsupported")
	}

	return out, nil
}

func (p *marianModel) Replacements() []string {
	return []string{
		"model.shared", "token_embd",
		"model.encoder.layers", "enc.blk",
		"model.decoder.layers", "dec.blk",
		"self_attn.q_proj", "attn_q",
		"self_attn.k_proj", "attn_k",
		"self_attn.v_proj", "attn_v",
		"self_attn.out_proj", "attn_output",
		"self_attn_layer_norm", "attn_norm",
		"encoder_attn.q_proj", "cross_attn_q",
		"encoder_attn.k_proj", "cross_attn_k",
		"encoder_attn.v_proj", "cross_attn_v",
		"encoder_attn.out_proj", "cross_attn_output",
		"encoder_attn_layer_norm", "cross_attn_norm",
		"fc1", "ffn_up",
		"fc2", "ffn_down",
		"final_layer_norm", "ffn_norm",
		"final_logits_bias", "output.bias",
	}
}

func (p *marianModel) validate() error {
	switch p.ActivationFunction {
	case "swish", "silu":
	default:
		return fmt.Errorf("unsupported activation function %q", p.ActivationFunction)
	}

	if p.EncoderAttentionHeads != p.DecoderAttentionHeads {
		return fmt.Errorf("asymmetric attention head counts are unsupported: %d encoder, %d decoder",
			p.EncoderAttentionHeads, p.DecoderAttentionHeads)
	}

	if p.EncoderFFNDim != p.DecoderFFNDim {
		return fmt.Errorf("asymmetric feed forward widths are unsupported: %d encoder, %d decoder",
			p.EncoderFFNDim, p.DecoderFFNDim)
	}

	if p.EncoderAttentionHeads == 0 || p.DModel%p.EncoderAttentionHeads != 0 {
		return fmt.Errorf("embedding length %d is not divisible by %d attention heads",
			p.DModel, p.EncoderAttentionHeads)
	}

	return nil
}
