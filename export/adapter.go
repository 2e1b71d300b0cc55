package export

import (
	"math/rand"

	"github.com/sergiorozada12/marianmt-to-onnx/kvcache"
	"github.com/sergiorozada12/marianmt-to-onnx/ml"
	"github.com/sergiorozada12/marianmt-to-onnx/model"
)

// The decoder's cache object never crosses an artifact boundary. Both
// decoder variants flatten it to the layer-major port list fixed by
// kvcache.StateSchema, four tensors per layer: self key, self value,
// cross key, cross value.

// decoder exports the first decoding step. It runs the decoder with an
// empty cache and exposes the freshly built cache state as outputs, one
// port per slot in schema order.
type decoder struct {
	m model.EncoderDecoder
	dims
}

func (d *decoder) Role() Role { return RoleDecoder }

func (d *decoder) Examples(rng *rand.Rand, batch, seqLen int) []Example {
	return []Example{
		{Name: "input_ids", Dims: []int{batch, seqLen}, Ints: d.ids(rng, batch*seqLen)},
		{Name: "encoder_hidden_states", Dims: []int{batch, seqLen, d.hidden}, Floats: fill(rng, batch*seqLen*d.hidden)},
		{Name: "encoder_attention_mask", Dims: []int{batch, seqLen}, Ints: onesInt(batch * seqLen)},
	}
}

func (d *decoder) Forward(ctx ml.Context, in Inputs) (Outputs, error) {
	ids := in.Get("input_ids")
	states := in.Get("encoder_hidden_states")
	mask := in.Get("encoder_attention_mask")
	if ids == nil || states == nil || mask == nil {
		return nil, errMissing(in, "input_ids", "encoder_hidden_states", "encoder_attention_mask")
	}

	cache := kvcache.NewDecoderCache(d.layers)
	hiddenState := d.m.Decode(ctx, ids, states, mask, cache)

	outs := Outputs{{"output", hiddenState}}
	schema := cache.Schema()
	for i, t := range cache.State() {
		outs = append(outs, Value{schema.PortName(i), t})
	}

	return outs, nil
}

// cachedDecoder exports the incremental decoding step: one new token
// against cache state carried over from the previous step. The encoder
// hidden states stay a declared input so both decoder variants share one
// calling convention, but with cross attention served from the cache
// nothing in the recorded graph reads them.
type cachedDecoder struct {
	m model.EncoderDecoder
	dims
}

func (d *cachedDecoder) Role() Role { return RoleDecoderCached }

func (d *cachedDecoder) Examples(rng *rand.Rand, batch, seqLen int) []Example {
	examples := []Example{
		{Name: "input_ids", Dims: []int{batch, 1}, Ints: d.ids(rng, batch)},
		{Name: "encoder_hidden_states", Dims: []int{batch, seqLen, d.hidden}, Floats: fill(rng, batch*seqLen*d.hidden)},
		{Name: "encoder_attention_mask", Dims: []int{batch, seqLen}, Ints: onesInt(batch * seqLen)},
	}

	schema := kvcache.StateSchema{Layers: d.layers}
	for i := range schema.Len() {
		examples = append(examples, Example{
			Name:   schema.PortName(i),
			Dims:   []int{batch, d.heads, seqLen, d.headDim()},
			Floats: ones(batch * d.heads * seqLen * d.headDim()),
		})
	}

	return examples
}

func (d *cachedDecoder) Forward(ctx ml.Context, in Inputs) (Outputs, error) {
	ids := in.Get("input_ids")
	states := in.Get("encoder_hidden_states")
	mask := in.Get("encoder_attention_mask")
	if ids == nil || states == nil || mask == nil {
		return nil, errMissing(in, "input_ids", "encoder_hidden_states", "encoder_attention_mask")
	}

	cache := kvcache.NewDecoderCache(d.layers)
	schema := cache.Schema()

	state := make([]ml.Tensor, schema.Len())
	for i := range state {
		if state[i] = in.Get(schema.PortName(i)); state[i] == nil {
			return nil, errMissing(in, schema.PortName(i))
		}
	}
	if err := cache.Load(state); err != nil {
		return nil, err
	}

	hiddenState := d.m.Decode(ctx, ids, states, mask, cache)

	// Self slots come back grown by one step under a fresh port name;
	// cross slots keep their input port name and payload.
	outs := Outputs{{"output", hiddenState}}
	for i, t := range cache.State() {
		outs = append(outs, Value{schema.OutputPortName(i), t})
	}

	return outs, nil
}
