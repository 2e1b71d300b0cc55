package export

import (
	"fmt"
	"log/slog"
	"slices"

	"gonum.org/v1/gonum/floats/scalar"

	"github.com/sergiorozada12/marianmt-to-onnx/fs/graph"
	"github.com/sergiorozada12/marianmt-to-onnx/ml"
	"github.com/sergiorozada12/marianmt-to-onnx/ml/backend/cpu"
)

// Tolerances for eager versus executed agreement. Both paths run float32
// arithmetic over the same values, so the bar is tight; divergence means
// a miscaptured graph or a broken codec, not rounding noise.
const (
	rtol = 1e-3
	atol = 1e-5
)

// VerifyError reports a numerical mismatch between the eager reference
// and an executed artifact.
type VerifyError struct {
	Role Role
	Port string

	// flat index of the first element that disagreed, and the two values
	Index     int
	Got, Want float64

	// Reason is set instead when an output is missing or misshapen.
	Reason string
}

func (e *VerifyError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("verify %s: output %q: %s", e.Role, e.Port, e.Reason)
	}

	return fmt.Sprintf("verify %s: output %q diverges at element %d: got %g, want %g", e.Role, e.Port, e.Index, e.Got, e.Want)
}

// Verify replays examples through the eager module and through the
// artifact on the graph executor, comparing every declared output port.
// ctx must belong to the backend holding mod's weights.
func Verify(ctx ml.Context, mod Module, g *graph.Graph, examples []Example) error {
	in := make(Inputs, len(examples))
	feeds := make(map[string]ml.Tensor, len(examples))
	for i, ex := range examples {
		t := ex.tensor(ctx)
		in[i] = Value{ex.Name, t}
		feeds[ex.Name] = t
	}

	wants, err := mod.Forward(ctx, in)
	if err != nil {
		return fmt.Errorf("verify %s: eager reference: %w", mod.Role(), err)
	}

	gots, err := cpu.Execute(g, feeds)
	if err != nil {
		return fmt.Errorf("verify %s: %w", mod.Role(), err)
	}

	if len(gots) != len(wants) {
		return fmt.Errorf("verify %s: artifact has %d outputs, want %d", mod.Role(), len(gots), len(wants))
	}

	for _, want := range wants {
		got, ok := gots[want.Name]
		if !ok {
			return &VerifyError{Role: mod.Role(), Port: want.Name, Reason: "not in artifact"}
		}

		if err := compare(mod.Role(), want.Name, got, want.Tensor); err != nil {
			return err
		}
	}

	return nil
}

func compare(role Role, port string, got, want ml.Tensor) error {
	if !slices.Equal(got.Shape(), want.Shape()) {
		return &VerifyError{Role: role, Port: port, Reason: fmt.Sprintf("shape %v, want %v", got.Shape(), want.Shape())}
	}

	g, w := got.Floats(), want.Floats()
	for i := range w {
		if !scalar.EqualWithinAbsOrRel(float64(g[i]), float64(w[i]), atol, rtol) {
			slog.Debug("verification mismatch", "role", role, "port", port,
				"got", ml.Dump(got), "want", ml.Dump(want))
			return &VerifyError{Role: role, Port: port, Index: i, Got: float64(g[i]), Want: float64(w[i])}
		}
	}

	return nil
}
