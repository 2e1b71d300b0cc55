// Package export decomposes a loaded encoder decoder model into four
// independently traced sub-graphs and writes them as verified, portable
// artifacts.
package export

import (
	"fmt"
	"maps"
	"math/rand"
	"path/filepath"

	"github.com/sergiorozada12/marianmt-to-onnx/fs/graph"
	"github.com/sergiorozada12/marianmt-to-onnx/ml"
	"github.com/sergiorozada12/marianmt-to-onnx/ml/backend/trace"
)

// Role identifies one of the four exported sub-graphs.
type Role string

const (
	RoleEncoder       Role = "encoder"
	RoleDecoder       Role = "decoder"
	RoleDecoderCached Role = "decoder_cached"
	RoleLMHead        Role = "lm_head"
)

// Roles returns the four roles in export order: the encoder first, then
// the two decoder variants, then the projection head.
func Roles() []Role {
	return []Role{RoleEncoder, RoleDecoder, RoleDecoderCached, RoleLMHead}
}

// Stage is one of the three artifact forms each role moves through.
type Stage int

const (
	StageRaw Stage = iota
	StageOptimized
	StageQuantized
)

func (s Stage) String() string {
	switch s {
	case StageOptimized:
		return "optimized"
	case StageQuantized:
		return "quantized"
	default:
		return "raw"
	}
}

// Path returns the artifact file for role at stage inside dir. Raw
// artifacts are named after the role alone; each later stage appends its
// suffix.
func Path(dir string, role Role, stage Stage) string {
	name := string(role)
	switch stage {
	case StageOptimized:
		name += ".opt"
	case StageQuantized:
		name += ".opt.quant"
	}

	return filepath.Join(dir, name)
}

// Value couples a port name with its tensor.
type Value struct {
	Name   string
	Tensor ml.Tensor
}

// Inputs is an ordered list of named input tensors. The order fixes the
// input port order of the exported graph.
type Inputs []Value

// Get returns the tensor bound to name, or nil.
func (in Inputs) Get(name string) ml.Tensor {
	for _, v := range in {
		if v.Name == name {
			return v.Tensor
		}
	}

	return nil
}

// Outputs is an ordered list of named output tensors. The order fixes
// the output port order of the exported graph.
type Outputs []Value

// Module is one traceable submodule: a pure function from named input
// tensors to named output tensors. Examples synthesizes the inputs a
// recording or a verification run feeds it.
type Module interface {
	Role() Role
	Examples(rng *rand.Rand, batch, seqLen int) []Example
	Forward(ctx ml.Context, in Inputs) (Outputs, error)
}

// Example is one synthetic input tensor. Integer payloads become I64
// ports (token ids, masks), float payloads become F32 ports. Values are
// drawn once per role so the eager reference and the executed artifact
// see identical bytes; the trace itself only reads the shapes.
type Example struct {
	Name   string
	Dims   []int
	Ints   []int32
	Floats []float32
}

func (e Example) dtype() ml.DType {
	if e.Ints != nil {
		return ml.DTypeI64
	}

	return ml.DTypeF32
}

func (e Example) tensor(ctx ml.Context) ml.Tensor {
	if e.Ints != nil {
		return ctx.FromInts(e.Ints, e.Dims...)
	}

	return ctx.FromFloats(e.Floats, e.Dims...)
}

// TraceError reports a submodule whose recording failed.
type TraceError struct {
	Role Role
	Err  error
}

func (e *TraceError) Error() string {
	return fmt.Sprintf("trace %s: %v", e.Role, e.Err)
}

func (e *TraceError) Unwrap() error { return e.Err }

// Export records mod's forward pass over placeholder inputs shaped like
// examples and returns the static graph with every port bound to its
// symbolic axes. The graph embeds each weight the recording touched, so
// the artifact stands alone.
func Export(b *trace.Backend, mod Module, examples []Example) (*graph.Graph, error) {
	var ferr error
	g, err := b.Trace(func(ctx *trace.Context) {
		in := make(Inputs, len(examples))
		for i, ex := range examples {
			in[i] = Value{ex.Name, ctx.Input(ex.Name, ex.dtype(), ex.Dims...)}
		}

		outs, err := mod.Forward(ctx, in)
		if err != nil {
			ferr = err
			return
		}

		for _, out := range outs {
			ctx.Output(out.Name, out.Tensor)
		}
	})
	if ferr != nil {
		return nil, &TraceError{Role: mod.Role(), Err: ferr}
	}
	if err != nil {
		return nil, &TraceError{Role: mod.Role(), Err: err}
	}

	stamp(g, mod.Role())

	return g, nil
}

// stamp binds the symbolic axes onto every port and marks the artifact
// metadata with its role. The KV map arrived shared with the backend and
// is cloned before the role keys go in.
func stamp(g *graph.Graph, role Role) {
	g.KV = maps.Clone(g.KV)
	if g.KV == nil {
		g.KV = make(graph.KV)
	}
	g.KV["general.type"] = "graph"
	g.KV["general.role"] = string(role)

	for i := range g.Inputs {
		g.Inputs[i].Axes = axesFor(g.Inputs[i].Dims)
	}
	for i := range g.Outputs {
		g.Outputs[i].Axes = axesFor(g.Outputs[i].Dims)
	}
}

// axesFor picks the symbolic bindings by tensor rank. Sequence tensors,
// ids and masks [batch, seq] and hidden states [batch, seq, dim], vary
// on axes 0 and 1. Cache tensors [batch, heads, seq, headDim] carry
// their sequence on axis 2 while the head count and head dimension stay
// fixed.
func axesFor(dims []int) map[int]string {
	switch len(dims) {
	case 2, 3:
		return map[int]string{0: "batch_size", 1: "seq_length"}
	case 4:
		return map[int]string{0: "batch_size", 2: "seq_length"}
	}

	return nil
}
