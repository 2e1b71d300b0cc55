package kvcache

import (
	"fmt"

	"github.com/sergiorozada12/marianmt-to-onnx/ml"
)

// Cache holds the key/value state one attention module reads and writes
// during a forward pass.
type Cache interface {
	// Put stores freshly projected key and value tensors,
	// [batch, heads, seq, headDim].
	Put(ctx ml.Context, key, value ml.Tensor)

	// Get returns the full key and value view attention should run over.
	Get(ctx ml.Context) (ml.Tensor, ml.Tensor)

	// Causal reports whether attention over this cache masks future
	// positions.
	Causal() bool
}

// SlotKind classifies how one cache slot behaves across decoding steps.
type SlotKind int

const (
	// Recomputed slots change every step; their output ports carry a name
	// distinct from the input.
	Recomputed SlotKind = iota

	// Passthrough slots flow to the output unchanged. Input and output
	// port share one name, which is the protocol signal that a runtime
	// may skip feeding the tensor back.
	Passthrough
)

func (k SlotKind) String() string {
	switch k {
	case Recomputed:
		return "recomputed"
	case Passthrough:
		return "passthrough"
	default:
		return "unknown"
	}
}

// slotKinds tags the four slots each layer contributes, in order: self
// key, self value, cross key, cross value. Self-attention state grows
// every step; cross-attention state derives from the fixed encoder output
// and never changes.
var slotKinds = [4]SlotKind{Recomputed, Recomputed, Passthrough, Passthrough}

// StateSchema fixes the flat, layer-major layout of decoder cache state:
// four tensors per layer in slotKinds order. External runtimes bind cache
// tensors through this schema's port names.
type StateSchema struct {
	Layers int
}

func (s StateSchema) Len() int { return len(slotKinds) * s.Layers }

func (s StateSchema) Layer(i int) int { return i / len(slotKinds) }

func (s StateSchema) Kind(i int) SlotKind { return slotKinds[i%len(slotKinds)] }

// PortName returns the input port bound to a flat slot index.
func (s StateSchema) PortName(i int) string { return fmt.Sprintf("pkv_%d", i) }

// OutputPortName returns the output port bound to a flat slot index.
// Passthrough slots reuse the input name.
func (s StateSchema) OutputPortName(i int) string {
	if s.Kind(i) == Passthrough {
		return s.PortName(i)
	}

	return s.PortName(i) + "o"
}
