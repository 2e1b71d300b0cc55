// Package optimize rewrites exported graphs without changing what they
// compute or the ports they declare.
package optimize

import (
	"fmt"

	"github.com/sergiorozada12/marianmt-to-onnx/fs/graph"
)

// Config selects the passes one optimization run applies. The zero value
// applies none; DefaultConfig enables the full set.
type Config struct {
	Fusion          bool
	ConstantFolding bool
	Pruning         bool
}

func DefaultConfig() Config {
	return Config{Fusion: true, ConstantFolding: true, Pruning: true}
}

// Pass is one structural rewrite. Run mutates the graph in place and
// must leave the declared ports untouched.
type Pass interface {
	Name() string
	Run(*graph.Graph) error
}

// Run applies the configured passes to a copy of g and validates the
// result. The input graph is never modified. Fusion runs before folding
// so weight transposes collapse into their consumers rather than folding
// into transposed weight copies; pruning runs last and sweeps whatever
// the rewrites orphaned.
func Run(g *graph.Graph, config Config) (*graph.Graph, error) {
	out := g.Clone()

	for _, pass := range passes(config) {
		if err := pass.Run(out); err != nil {
			return nil, fmt.Errorf("%s: %w", pass.Name(), err)
		}
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}

	return out, nil
}

func passes(config Config) []Pass {
	var ps []Pass
	if config.Fusion {
		ps = append(ps, fusePass{})
	}
	if config.ConstantFolding {
		ps = append(ps, foldPass{})
	}
	if config.Pruning {
		ps = append(ps, prunePass{})
	}

	return ps
}
