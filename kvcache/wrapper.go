package kvcache

import (
	"fmt"

	"github.com/sergiorozada12/marianmt-to-onnx/ml"
)

// DecoderCache pairs one Causal self-attention cache and one EncoderCache
// cross-attention cache per decoder layer, and maps the pairs onto the
// flat layer-major state schema external runtimes see.
type DecoderCache struct {
	schema StateSchema

	self  []*Causal
	cross []*EncoderCache

	// the active layer for Self and Cross
	curLayer int
}

func NewDecoderCache(layers int) *DecoderCache {
	c := &DecoderCache{
		schema: StateSchema{Layers: layers},
		self:   make([]*Causal, layers),
		cross:  make([]*EncoderCache, layers),
	}

	for i := range c.self {
		c.self[i] = NewCausal()
		c.cross[i] = NewEncoderCache()
	}

	return c
}

func (c *DecoderCache) Schema() StateSchema {
	return c.schema
}

func (c *DecoderCache) SetLayer(layer int) {
	c.curLayer = layer
}

func (c *DecoderCache) Self() *Causal {
	return c.self[c.curLayer]
}

func (c *DecoderCache) Cross() *EncoderCache {
	return c.cross[c.curLayer]
}

// Past returns the first layer's self-attention key history, or nil before
// anything has been decoded. Its axis 2 length is the number of positions
// already generated, which offsets position embeddings for the next step.
func (c *DecoderCache) Past() ml.Tensor {
	if len(c.self) < 1 {
		return nil
	}

	return c.self[0].key
}

// Load primes every layer from tensors in schema order.
func (c *DecoderCache) Load(state []ml.Tensor) error {
	if len(state) != c.schema.Len() {
		return fmt.Errorf("cache state has %d tensors, want %d", len(state), c.schema.Len())
	}

	for i := range c.self {
		group := state[4*i : 4*i+4]
		c.self[i].Load(group[0], group[1])
		c.cross[i].Load(group[2], group[3])
	}

	return nil
}

// State returns the current cache tensors in schema order. After a forward
// pass the self slots hold grown history while the cross slots still hold
// exactly what Load or the first Put stored.
func (c *DecoderCache) State() []ml.Tensor {
	state := make([]ml.Tensor, 0, c.schema.Len())
	for i := range c.self {
		state = append(state, c.self[i].key, c.self[i].value, c.cross[i].key, c.cross[i].value)
	}

	return state
}
