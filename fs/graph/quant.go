package graph

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// Q8_0 block layout: a float16 scale followed by 32 signed byte weights.
// Quantization is symmetric: weight = scale * q with q in [-127, 127].
const (
	QK80        = 32
	q80BlockLen = 2 + QK80
)

// QuantizeQ80 encodes float32 weights into Q8_0 blocks. The element
// count must be a multiple of the block size.
func QuantizeQ80(f32s []float32) ([]byte, error) {
	if len(f32s)%QK80 != 0 {
		return nil, fmt.Errorf("q8_0: %d elements is not a multiple of %d", len(f32s), QK80)
	}

	data := make([]byte, len(f32s)/QK80*q80BlockLen)
	for b := 0; b < len(f32s)/QK80; b++ {
		block := f32s[b*QK80 : (b+1)*QK80]

		var amax float32
		for _, v := range block {
			if a := float32(math.Abs(float64(v))); a > amax {
				amax = a
			}
		}

		scale := amax / 127
		inv := float32(0)
		if scale != 0 {
			inv = 1 / scale
		}

		out := data[b*q80BlockLen:]
		binary.LittleEndian.PutUint16(out, float16.Fromfloat32(scale).Bits())
		for i, v := range block {
			q := math.RoundToEven(float64(v * inv))
			if q > 127 {
				q = 127
			} else if q < -127 {
				q = -127
			}
			out[2+i] = byte(int8(q))
		}
	}

	return data, nil
}

// DequantizeQ80 decodes Q8_0 blocks back to float32.
func DequantizeQ80(data []byte, elements int) ([]float32, error) {
	if elements%QK80 != 0 || len(data) != elements/QK80*q80BlockLen {
		return nil, fmt.Errorf("q8_0: payload of %d bytes does not hold %d elements", len(data), elements)
	}

	f32s := make([]float32, elements)
	for b := 0; b < elements/QK80; b++ {
		block := data[b*q80BlockLen:]
		scale := float16.Frombits(binary.LittleEndian.Uint16(block)).Float32()
		for i := 0; i < QK80; i++ {
			f32s[b*QK80+i] = scale * float32(int8(block[2+i]))
		}
	}

	return f32s, nil
}
