package cpu

import (
	"fmt"
	"math"
	"slices"

	"github.com/sergiorozada12/marianmt-to-onnx/ml"
)

// Kernels operate on flat float32 buffers with row-major shapes. They are
// shared by the eager tensor methods and the graph executor.

const maskValue = float32(-1e9)

func elements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}

	return n
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}

	return s
}

func broadcastShapes(a, b []int) []int {
	n := max(len(a), len(b))
	out := make([]int, n)
	for i := 0; i < n; i++ {
		da, db := 1, 1
		if i >= n-len(a) {
			da = a[i-(n-len(a))]
		}
		if i >= n-len(b) {
			db = b[i-(n-len(b))]
		}
		if da != db && da != 1 && db != 1 {
			panic(fmt.Sprintf("cannot broadcast %v with %v", a, b))
		}
		out[i] = max(da, db)
	}

	return out
}

// broadcastOffset maps a multi-index in the broadcast shape to the flat
// offset in a tensor of the given shape, treating size 1 axes as pinned.
func broadcastOffset(idx, shape, strides []int) int {
	off := 0
	for i := range shape {
		j := idx[len(idx)-len(shape)+i]
		if shape[i] != 1 {
			off += j * strides[i]
		}
	}

	return off
}

func binaryOp(a, b *Tensor, f func(x, y float32) float32) *Tensor {
	shape := broadcastShapes(a.shape, b.shape)
	out := newTensor(a.dtype, shape)

	sa, sb := strides(a.shape), strides(b.shape)
	idx := make([]int, len(shape))
	for i := range out.data {
		out.data[i] = f(a.data[broadcastOffset(idx, a.shape, sa)], b.data[broadcastOffset(idx, b.shape, sb)])
		advance(idx, shape)
	}

	return out
}

func advance(idx, shape []int) {
	for i := len(idx) - 1; i >= 0; i-- {
		idx[i]++
		if idx[i] < shape[i] {
			return
		}
		idx[i] = 0
	}
}

func unaryOp(a *Tensor, f func(x float32) float32) *Tensor {
	out := newTensor(a.dtype, slices.Clone(a.shape))
	for i, v := range a.data {
		out.data[i] = f(v)
	}

	return out
}

func matmul(a, b *Tensor, transB bool) *Tensor {
	ra, rb := len(a.shape), len(b.shape)
	if ra < 2 || rb < 2 {
		panic(fmt.Sprintf("matmul wants rank >= 2, got %v and %v", a.shape, b.shape))
	}

	m, k := a.shape[ra-2], a.shape[ra-1]
	bk, n := b.shape[rb-2], b.shape[rb-1]
	if transB {
		bk, n = n, bk
	}
	if k != bk {
		panic(fmt.Sprintf("matmul inner dim mismatch %v x %v", a.shape, b.shape))
	}

	lead := broadcastShapes(a.shape[:ra-2], b.shape[:rb-2])
	shape := append(slices.Clone(lead), m, n)
	out := newTensor(ml.DTypeF32, shape)

	sa, sb := strides(a.shape), strides(b.shape)
	batch := elements(lead)
	idx := make([]int, len(lead))
	for bi := 0; bi < batch; bi++ {
		offA := broadcastOffset(idx, a.shape[:ra-2], sa[:ra-2])
		offB := broadcastOffset(idx, b.shape[:rb-2], sb[:rb-2])
		offO := bi * m * n

		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				var sum float32
				for kk := 0; kk < k; kk++ {
					va := a.data[offA+i*k+kk]
					var vb float32
					if transB {
						vb = b.data[offB+j*k+kk]
					} else {
						vb = b.data[offB+kk*n+j]
					}
					sum += va * vb
				}
				out.data[offO+i*n+j] = sum
			}
		}

		advance(idx, lead)
	}

	return out
}

func softmaxLast(a *Tensor) *Tensor {
	out := newTensor(ml.DTypeF32, slices.Clone(a.shape))
	n := a.shape[len(a.shape)-1]

	for off := 0; off < len(a.data); off += n {
		row := a.data[off : off+n]

		maxv := row[0]
		for _, v := range row[1:] {
			if v > maxv {
				maxv = v
			}
		}

		var sum float32
		for i, v := range row {
			e := float32(math.Exp(float64(v - maxv)))
			out.data[off+i] = e
			sum += e
		}
		for i := range row {
			out.data[off+i] /= sum
		}
	}

	return out
}

func layerNorm(x, w, b *Tensor, eps float32) *Tensor {
	out := newTensor(ml.DTypeF32, slices.Clone(x.shape))
	n := x.shape[len(x.shape)-1]

	for off := 0; off < len(x.data); off += n {
		row := x.data[off : off+n]

		var mean float32
		for _, v := range row {
			mean += v
		}
		mean /= float32(n)

		var variance float32
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		variance /= float32(n)

		inv := float32(1 / math.Sqrt(float64(variance)+float64(eps)))
		for i, v := range row {
			norm := (v - mean) * inv
			if w != nil {
				norm *= w.data[i]
			}
			if b != nil {
				norm += b.data[i]
			}
			out.data[off+i] = norm
		}
	}

	return out
}

func transpose(a *Tensor, axes []int) *Tensor {
	if len(axes) != len(a.shape) {
		panic(fmt.Sprintf("transpose axes %v do not match rank %d", axes, len(a.shape)))
	}

	shape := make([]int, len(axes))
	for i, ax := range axes {
		shape[i] = a.shape[ax]
	}

	out := newTensor(a.dtype, shape)
	sa := strides(a.shape)
	idx := make([]int, len(shape))
	for i := range out.data {
		off := 0
		for d, j := range idx {
			off += j * sa[axes[d]]
		}
		out.data[i] = a.data[off]
		advance(idx, shape)
	}

	return out
}

func splitHeads(a *Tensor, heads int) *Tensor {
	if len(a.shape) != 3 || a.shape[2]%heads != 0 {
		panic(fmt.Sprintf("split_heads: cannot split %v into %d heads", a.shape, heads))
	}

	b, s, d := a.shape[0], a.shape[1], a.shape[2]
	dk := d / heads
	out := newTensor(a.dtype, []int{b, heads, s, dk})
	for bi := 0; bi < b; bi++ {
		for h := 0; h < heads; h++ {
			for si := 0; si < s; si++ {
				copy(
					out.data[((bi*heads+h)*s+si)*dk:((bi*heads+h)*s+si+1)*dk],
					a.data[(bi*s+si)*d+h*dk:(bi*s+si)*d+(h+1)*dk],
				)
			}
		}
	}

	return out
}

func mergeHeads(a *Tensor) *Tensor {
	if len(a.shape) != 4 {
		panic(fmt.Sprintf("merge_heads wants rank 4, got %v", a.shape))
	}

	b, heads, s, dk := a.shape[0], a.shape[1], a.shape[2], a.shape[3]
	out := newTensor(a.dtype, []int{b, s, heads * dk})
	for bi := 0; bi < b; bi++ {
		for h := 0; h < heads; h++ {
			for si := 0; si < s; si++ {
				copy(
					out.data[(bi*s+si)*heads*dk+h*dk:(bi*s+si)*heads*dk+(h+1)*dk],
					a.data[((bi*heads+h)*s+si)*dk:((bi*heads+h)*s+si+1)*dk],
				)
			}
		}
	}

	return out
}

func concat(a, b *Tensor, axis int) *Tensor {
	if len(a.shape) != len(b.shape) {
		panic(fmt.Sprintf("concat rank mismatch %v vs %v", a.shape, b.shape))
	}

	shape := slices.Clone(a.shape)
	shape[axis] += b.shape[axis]

	out := newTensor(a.dtype, shape)
	outer := elements(a.shape[:axis])
	innerA := elements(a.shape[axis:])
	innerB := elements(b.shape[axis:])
	for i := 0; i < outer; i++ {
		copy(out.data[i*(innerA+innerB):], a.data[i*innerA:(i+1)*innerA])
		copy(out.data[i*(innerA+innerB)+innerA:], b.data[i*innerB:(i+1)*innerB])
	}

	return out
}

func rows(table, ids *Tensor) *Tensor {
	if len(table.shape) != 2 {
		panic(fmt.Sprintf("rows wants a rank 2 table, got %v", table.shape))
	}

	d := table.shape[1]
	out := newTensor(ml.DTypeF32, append(slices.Clone(ids.shape), d))
	for i, v := range ids.data {
		row := int(v)
		if row < 0 || row >= table.shape[0] {
			panic(fmt.Sprintf("rows: index %d out of range [0, %d)", row, table.shape[0]))
		}
		copy(out.data[i*d:(i+1)*d], table.data[row*d:(row+1)*d])
	}

	return out
}

// sinusoid fills position embeddings shaped like x [batch, seq, dim]:
// the first half of each vector is sin(pos·f_i), the second half
// cos(pos·f_i), with f_i = 10000^(-i/(dim/2)). offset shifts the first
// position, which is how the incremental decoder continues where the
// previous step left off.
func sinusoid(x *Tensor, offset int) *Tensor {
	if len(x.shape) != 3 {
		panic(fmt.Sprintf("sinusoid wants rank 3, got %v", x.shape))
	}

	b, s, d := x.shape[0], x.shape[1], x.shape[2]
	half := d / 2

	out := newTensor(ml.DTypeF32, []int{b, s, d})
	for si := 0; si < s; si++ {
		pos := float64(si + offset)
		for i := 0; i < half; i++ {
			angle := pos * math.Exp(-math.Log(10000)*float64(i)/float64(half))
			out.data[si*d+i] = float32(math.Sin(angle))
			out.data[si*d+half+i] = float32(math.Cos(angle))
		}
	}

	for bi := 1; bi < b; bi++ {
		copy(out.data[bi*s*d:(bi+1)*s*d], out.data[:s*d])
	}

	return out
}

// causalMask adds an additive mask to scores [batch, heads, qLen, kLen]
// so query i attends only to keys j <= i + (kLen - qLen).
func causalMask(a *Tensor) *Tensor {
	if len(a.shape) != 4 {
		panic(fmt.Sprintf("causal_mask wants rank 4, got %v", a.shape))
	}

	q, k := a.shape[2], a.shape[3]
	out := newTensor(ml.DTypeF32, slices.Clone(a.shape))
	copy(out.data, a.data)

	for off := 0; off < len(out.data); off += q * k {
		for i := 0; i < q; i++ {
			for j := i + k - q + 1; j < k; j++ {
				out.data[off+i*k+j] += maskValue
			}
		}
	}

	return out
}

// maskBias turns a {0,1} padding mask [batch, seq] into an additive bias
// [batch, 1, 1, seq]: 0 where kept, a large negative where masked.
func maskBias(a *Tensor) *Tensor {
	if len(a.shape) != 2 {
		panic(fmt.Sprintf("mask_bias wants rank 2, got %v", a.shape))
	}

	out := newTensor(ml.DTypeF32, []int{a.shape[0], 1, 1, a.shape[1]})
	for i, v := range a.data {
		out.data[i] = (1 - v) * maskValue
	}

	return out
}

func gelu(x float32) float32 {
	return float32(0.5 * float64(x) * (1 + math.Tanh(0.7978845608028654*(float64(x)+0.044715*math.Pow(float64(x), 3)))))
}

func silu(x float32) float32 {
	return float32(float64(x) / (1 + math.Exp(-float64(x))))
}
