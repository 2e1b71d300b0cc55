package kvcache

import (
	"github.com/sergiorozada12/marianmt-to-onnx/ml"
)

// EncoderCache stores cross-attention K and V derived from the encoder
// output. They are position independent and written at most once per
// decoded sequence; later steps reuse them unchanged.
type EncoderCache struct {
	key, value ml.Tensor
}

func NewEncoderCache() *EncoderCache {
	return &EncoderCache{}
}

// Load primes the cache with keys and values computed on an earlier step.
func (c *EncoderCache) Load(key, value ml.Tensor) {
	c.key, c.value = key, value
}

// EncoderCached reports whether keys and values are already present, in
// which case the model skips projecting the encoder output again.
func (c *EncoderCache) EncoderCached() bool {
	return c.key != nil
}

func (c *EncoderCache) Put(ctx ml.Context, key, value ml.Tensor) {
	c.key, c.value = key, value
}

func (c *EncoderCache) Get(ctx ml.Context) (ml.Tensor, ml.Tensor) {
	return c.key, c.value
}

func (c *EncoderCache) Causal() bool {
	return false
}
