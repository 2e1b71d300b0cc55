package convert

import (
	"bytes"
	"fmt"

	"github.com/sergiorozada12/marianmt-to-onnx/fs/graph"
)

// materialize reads a tensor's float32 data into a graph tensor. An explicit
// shape overrides the source shape for converters that reshape on the way
// out, such as squeezing a unit batch axis off a bias.
func materialize(t Tensor, shape ...int) (*graph.Tensor, error) {
	if len(shape) == 0 {
		for _, d := range t.Shape() {
			shape = append(shape, int(d))
		}
	}

	var b bytes.Buffer
	if _, err := t.WriteTo(&b); err != nil {
		return nil, err
	}

	g := &graph.Tensor{
		Name:  t.Name(),
		DType: graph.DTypeF32,
		Shape: shape,
		Data:  b.Bytes(),
	}

	if n := g.Elements() * 4; n != b.Len() {
		return nil, fmt.Errorf("tensor %s has %d bytes of data, want %d", t.Name(), b.Len(), n)
	}

	return g, nil
}
