package export

import (
	"fmt"
	"math/rand"

	"github.com/sergiorozada12/marianmt-to-onnx/ml"
	"github.com/sergiorozada12/marianmt-to-onnx/model"
)

// dims carries the hyperparameters example inputs are sized from.
type dims struct {
	vocab, hidden, heads, layers int
}

func (d dims) headDim() int { return d.hidden / d.heads }

// Extract returns the four traceable submodules of m in export order.
// The submodules are read-only views over the model's weight store, so
// tracing one cannot disturb another.
func Extract(m model.Model) ([]Module, error) {
	ed, ok := m.(model.EncoderDecoder)
	if !ok {
		return nil, fmt.Errorf("%w: %T has no encoder, decoder and projection head split", model.ErrUnsupportedArchitecture, m)
	}

	c := m.Backend().Config()
	d := dims{
		vocab:  int(c.Uint("vocab_size")),
		hidden: int(c.Uint("embedding_length")),
		heads:  int(c.Uint("attention.head_count")),
		layers: ed.DecoderSchema().Layers,
	}
	if d.vocab == 0 || d.hidden == 0 || d.heads == 0 || d.layers == 0 {
		return nil, fmt.Errorf("%w: model metadata is missing dimensions", model.ErrUnsupportedArchitecture)
	}

	return []Module{
		&encoder{ed, d},
		&decoder{ed, d},
		&cachedDecoder{ed, d},
		&head{ed, d},
	}, nil
}

func (d dims) ids(rng *rand.Rand, n int) []int32 {
	s := make([]int32, n)
	for i := range s {
		s[i] = rng.Int31n(int32(d.vocab))
	}

	return s
}

func fill(rng *rand.Rand, n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = rng.Float32()
	}

	return s
}

func ones(n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = 1
	}

	return s
}

func onesInt(n int) []int32 {
	s := make([]int32, n)
	for i := range s {
		s[i] = 1
	}

	return s
}

func errMissing(in Inputs, want ...string) error {
	have := make([]string, len(in))
	for i, v := range in {
		have[i] = v.Name
	}

	return fmt.Errorf("inputs %v do not cover %v", have, want)
}

// encoder exports the stateless encoder pass: token ids and a padding
// mask in, contextual hidden states out.
type encoder struct {
	m model.EncoderDecoder
	dims
}

func (e *encoder) Role() Role { return RoleEncoder }

func (e *encoder) Examples(rng *rand.Rand, batch, seqLen int) []Example {
	return []Example{
		{Name: "input_ids", Dims: []int{batch, seqLen}, Ints: e.ids(rng, batch*seqLen)},
		{Name: "attention_mask", Dims: []int{batch, seqLen}, Ints: onesInt(batch * seqLen)},
	}
}

func (e *encoder) Forward(ctx ml.Context, in Inputs) (Outputs, error) {
	ids, mask := in.Get("input_ids"), in.Get("attention_mask")
	if ids == nil || mask == nil {
		return nil, errMissing(in, "input_ids", "attention_mask")
	}

	return Outputs{{"output", e.m.Encode(ctx, ids, mask)}}, nil
}

// head exports the output projection on its own. It dominates the
// parameter count, and a separate artifact lets it be optimized and
// quantized independently of the decoder.
type head struct {
	m model.EncoderDecoder
	dims
}

func (h *head) Role() Role { return RoleLMHead }

func (h *head) Examples(rng *rand.Rand, batch, _ int) []Example {
	return []Example{
		{Name: "input", Dims: []int{batch, 1, h.hidden}, Floats: fill(rng, batch*h.hidden)},
	}
}

func (h *head) Forward(ctx ml.Context, in Inputs) (Outputs, error) {
	hiddenState := in.Get("input")
	if hiddenState == nil {
		return nil, errMissing(in, "input")
	}

	return Outputs{{"output", h.m.Head(ctx, hiddenState)}}, nil
}
