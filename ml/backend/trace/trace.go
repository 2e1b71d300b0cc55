package trace

import (
	"errors"
	"fmt"

	"github.com/sergiorozada12/marianmt-to-onnx/fs/graph"
	"github.com/sergiorozada12/marianmt-to-onnx/logutil"
	"github.com/sergiorozada12/marianmt-to-onnx/ml"
)

// ErrDataDependent reports a traced computation that tried to read tensor
// values. A static graph captures one fixed operation sequence, so control
// flow branching on data would be silently baked in; reading values during
// a trace aborts the export instead.
var ErrDataDependent = errors.New("data dependent value")

// traceAbort carries an error out of a recording through panic so that op
// methods, which have no error returns, can still fail the trace.
type traceAbort struct {
	err error
}

// Backend records operations instead of executing them. Weight tensors
// resolve to graph initializers on first use; everything else becomes a
// node in the recorded graph.
type Backend struct {
	kv      graph.KV
	weights map[string]*graph.Tensor
}

var _ ml.Backend = (*Backend)(nil)

func New(kv graph.KV, tensors map[string]*graph.Tensor) *Backend {
	return &Backend{kv: kv, weights: tensors}
}

func (b *Backend) Config() ml.Config { return b.kv }

func (b *Backend) Get(name string) ml.Tensor {
	if t, ok := b.weights[name]; ok {
		return &Tensor{value: name, dtype: ml.DTypeF32, shape: t.Shape, init: t}
	}

	return nil
}

func (b *Backend) NewContext() ml.Context { return b.newContext() }

func (b *Backend) newContext() *Context {
	return &Context{g: &graph.Graph{KV: b.kv, Tensors: make(map[string]*graph.Tensor)}}
}

// Trace records fn into a graph. The recording aborts with an error if fn
// reads tensor values or applies an operation to inputs whose shapes do
// not fit it.
func (b *Backend) Trace(fn func(*Context)) (g *graph.Graph, err error) {
	c := b.newContext()

	defer func() {
		if r := recover(); r != nil {
			abort, ok := r.(traceAbort)
			if !ok {
				panic(r)
			}
			g, err = nil, abort.err
		}
	}()

	fn(c)

	if err := c.g.Validate(); err != nil {
		return nil, fmt.Errorf("recorded graph: %w", err)
	}

	return c.g, nil
}

// Context accumulates one recording. It satisfies ml.Context so model code
// runs unchanged; Input and Output declare the port surface around it.
type Context struct {
	g *graph.Graph
	n int
}

var _ ml.Context = (*Context)(nil)

// Input declares a graph input port and returns its placeholder value.
func (c *Context) Input(name string, dtype ml.DType, dims ...int) ml.Tensor {
	c.g.Inputs = append(c.g.Inputs, graph.PortSpec{
		Name:  name,
		Value: name,
		DType: dtypeOf(dtype),
		Dims:  dims,
	})

	return &Tensor{value: name, dtype: dtype, shape: dims}
}

// Output exposes a recorded value as a named output port.
func (c *Context) Output(name string, t ml.Tensor) {
	tt := c.tensor(t)
	c.g.Outputs = append(c.g.Outputs, graph.PortSpec{
		Name:  name,
		Value: tt.value,
		DType: dtypeOf(tt.dtype),
		Dims:  tt.shape,
	})
}

func (c *Context) Empty(dtype ml.DType, shape ...int) ml.Tensor {
	return c.Zeros(dtype, shape...)
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}

	return c.FromFloats(make([]float32, n), shape...)
}

func (c *Context) FromFloats(s []float32, shape ...int) ml.Tensor {
	name := fmt.Sprintf("const_%d", c.n)
	c.n++

	init := graph.FromFloats(name, s, shape...)
	c.g.Tensors[name] = init

	return &Tensor{value: name, dtype: ml.DTypeF32, shape: init.Shape, init: init}
}

func (c *Context) FromInts(s []int32, shape ...int) ml.Tensor {
	f32s := make([]float32, len(s))
	for i, v := range s {
		f32s[i] = float32(v)
	}

	return c.FromFloats(f32s, shape...)
}

func (c *Context) Forward(...ml.Tensor) ml.Context { return c }

func (c *Context) Compute(...ml.Tensor) {}

func (c *Context) Close() {}

func (c *Context) tensor(t ml.Tensor) *Tensor {
	tt, ok := t.(*Tensor)
	if !ok {
		panic(traceAbort{fmt.Errorf("foreign tensor %T in trace", t)})
	}

	return tt
}

// node records one operation, registering any initializer-backed inputs,
// and returns the symbolic result.
func (c *Context) node(op string, attrs graph.Attrs, ins ...ml.Tensor) *Tensor {
	values := make([]string, len(ins))
	shapes := make([][]int, len(ins))
	for i, in := range ins {
		t := c.tensor(in)
		if t.init != nil {
			if _, ok := c.g.Tensors[t.value]; !ok {
				c.g.Tensors[t.value] = t.init
			}
		}

		values[i] = t.value
		shapes[i] = t.shape
	}

	shape, err := graph.InferShape(op, attrs, shapes...)
	if err != nil {
		panic(traceAbort{err})
	}

	name := fmt.Sprintf("%s_%d", op, c.n)
	c.n++

	c.g.Nodes = append(c.g.Nodes, graph.Node{Name: name, Op: op, Inputs: values, Attrs: attrs})
	logutil.Trace("recorded", "node", name, "op", op, "shape", shape)

	return &Tensor{value: name, dtype: ml.DTypeF32, shape: shape}
}

func dtypeOf(dtype ml.DType) graph.DType {
	switch dtype {
	case ml.DTypeF16:
		return graph.DTypeF16
	case ml.DTypeI32:
		return graph.DTypeI32
	case ml.DTypeI64:
		return graph.DTypeI64
	case ml.DTypeQ80:
		return graph.DTypeQ80
	default:
		return graph.DTypeF32
	}
}
