package kvcache

import (
	"github.com/sergiorozada12/marianmt-to-onnx/ml"
)

// Causal stores self-attention K and V history, [batch, heads, seq,
// headDim]. Each Put appends the new timesteps along the sequence axis,
// and attention over the cache masks future positions so a token only
// sees itself and earlier history.
type Causal struct {
	key, value ml.Tensor
}

func NewCausal() *Causal {
	return &Causal{}
}

// Load primes the cache with history carried over from a previous step.
func (c *Causal) Load(key, value ml.Tensor) {
	c.key, c.value = key, value
}

func (c *Causal) Put(ctx ml.Context, key, value ml.Tensor) {
	if c.key != nil {
		key = c.key.Concat(ctx, key, 2)
		value = c.value.Concat(ctx, value, 2)
	}

	c.key, c.value = key, value
}

func (c *Causal) Get(ctx ml.Context) (ml.Tensor, ml.Tensor) {
	return c.key, c.value
}

func (c *Causal) Causal() bool {
	return true
}
