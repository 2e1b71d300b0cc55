package nn

import "github.com/sergiorozada12/marianmt-to-onnx/ml"

type Embedding struct {
	Weight ml.Tensor `weights:"weight"`
}

func (m *Embedding) Forward(ctx ml.Context, ids ml.Tensor) ml.Tensor {
	return m.Weight.Rows(ctx, ids)
}
