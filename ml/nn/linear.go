package nn

import "github.com/sergiorozada12/marianmt-to-onnx/ml"

// Linear applies an affine transform. Weight is stored [out, in], so the
// forward pass multiplies by its transpose.
type Linear struct {
	Weight ml.Tensor `weights:"weight"`
	Bias   ml.Tensor `weights:"bias"`
}

func (m *Linear) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	t = t.Matmul(ctx, m.Weight.Transpose(ctx, 1, 0))
	if m.Bias != nil {
		t = t.Add(ctx, m.Bias)
	}

	return t
}
