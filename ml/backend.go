package ml

import (
	"fmt"
	"strings"
)

type Config interface {
	Architecture() string
	String(string, ...string) string
	Uint(string, ...uint32) uint32
	Float(string, ...float32) float32
	Bool(string, ...bool) bool

	Strings(string, ...[]string) []string
	Uints(string, ...[]uint32) []uint32
}

type Backend interface {
	Config() Config
	Get(name string) Tensor
	NewContext() Context
}

type Context interface {
	Empty(dtype DType, shape ...int) Tensor
	Zeros(dtype DType, shape ...int) Tensor
	FromFloats(s []float32, shape ...int) Tensor
	FromInts(s []int32, shape ...int) Tensor

	Forward(...Tensor) Context
	Compute(...Tensor)
	Close()
}

type Tensor interface {
	Dim(n int) int
	Shape() []int
	DType() DType

	Floats() []float32
	Ints() []int32

	Add(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor

	// Matmul multiplies the last two axes, broadcasting over leading axes.
	Matmul(ctx Context, t2 Tensor) Tensor

	Softmax(ctx Context) Tensor
	LayerNorm(ctx Context, weight, bias Tensor, eps float32) Tensor
	Scale(ctx Context, s float64) Tensor

	Tanh(ctx Context) Tensor
	GELU(ctx Context) Tensor
	SILU(ctx Context) Tensor
	ReLU(ctx Context) Tensor

	// Transpose permutes the axes. len(axes) must equal the tensor rank.
	Transpose(ctx Context, axes ...int) Tensor

	// SplitHeads reshapes [batch, seq, dim] to [batch, heads, seq, dim/heads].
	SplitHeads(ctx Context, heads int) Tensor

	// MergeHeads reshapes [batch, heads, seq, headDim] back to [batch, seq, heads*headDim].
	MergeHeads(ctx Context) Tensor

	Concat(ctx Context, t2 Tensor, axis int) Tensor

	// Rows gathers embedding rows: weight [vocab, dim] indexed by ids [..., seq].
	Rows(ctx Context, ids Tensor) Tensor

	// Sinusoid returns fixed sinusoidal position embeddings shaped like the
	// receiver [batch, seq, dim]. If past is non-nil its axis 2 length offsets
	// the starting position.
	Sinusoid(ctx Context, past Tensor) Tensor

	// CausalMask adds an additive upper-triangular mask to attention scores
	// [batch, heads, qLen, kLen], aligning the query window to the last kLen
	// positions.
	CausalMask(ctx Context) Tensor

	// MaskBias converts a {0,1} padding mask [batch, seq] to an additive bias
	// [batch, 1, 1, seq] with 0 for kept and a large negative for masked
	// positions.
	MaskBias(ctx Context) Tensor
}

type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeI32
	DTypeI64
	DTypeQ80
)

func (t DType) String() string {
	switch t {
	case DTypeF32:
		return "F32"
	case DTypeF16:
		return "F16"
	case DTypeI32:
		return "I32"
	case DTypeI64:
		return "I64"
	case DTypeQ80:
		return "Q8_0"
	default:
		return "unknown"
	}
}

type number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64 |
		~complex64 | ~complex128
}

func mul[T number](s ...T) T {
	p := T(1)
	for _, v := range s {
		p *= v
	}

	return p
}

type DumpOptions struct {
	// Items is the number of elements to print at the beginning and end of each dimension.
	Items int

	// Precision is the number of decimal places to print. Applies to float32 and float64.
	Precision int
}

func Dump(t Tensor, opts ...DumpOptions) string {
	if len(opts) < 1 {
		opts = append(opts, DumpOptions{
			Items:     3,
			Precision: 4,
		})
	}

	switch t.DType() {
	case DTypeF32:
		return dump[[]float32](t, t.Floats(), opts[0])
	case DTypeI32, DTypeI64:
		return dump[[]int32](t, t.Ints(), opts[0])
	default:
		return "<unsupported>"
	}
}

func dump[S ~[]E, E number](t Tensor, s S, opts DumpOptions) string {
	if s == nil {
		return "<nil>"
	}

	shape := t.Shape()

	var sb strings.Builder
	var f func([]int, int)
	f = func(dims []int, stride int) {
		prefix := strings.Repeat(" ", len(shape)-len(dims)+1)
		fmt.Fprint(&sb, "[")
		defer func() { fmt.Fprint(&sb, "]") }()
		for i := 0; i < dims[0]; i++ {
			if i >= opts.Items && i < dims[0]-opts.Items {
				fmt.Fprint(&sb, "..., ")
				// skip to next printable element
				skip := dims[0] - 2*opts.Items
				if len(dims) > 1 {
					stride += mul(append(dims[1:], skip)...)
					fmt.Fprint(&sb, strings.Repeat("\n", len(dims)-1), prefix)
				}
				i += skip - 1
			} else if len(dims) > 1 {
				f(dims[1:], stride)
				stride += mul(dims[1:]...)
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ",", strings.Repeat("\n", len(dims)-1), prefix)
				}
			} else {
				fmt.Fprint(&sb, s[stride+i])
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ", ")
				}
			}
		}
	}
	f(shape, 0)

	return sb.String()
}
