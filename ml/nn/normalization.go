package nn

import (
	"github.com/sergiorozada12/marianmt-to-onnx/ml"
)

type LayerNorm struct {
	Weight ml.Tensor `weights:"weight"`
	Bias   ml.Tensor `weights:"bias"`
}

func (m *LayerNorm) Forward(ctx ml.Context, t ml.Tensor, eps float32) ml.Tensor {
	return t.LayerNorm(ctx, m.Weight, m.Bias, eps)
}
