package graph

import (
	"fmt"
	"maps"
	"slices"
)

// Graph is a statically traced computation over named values. Values are
// produced by graph inputs, initializers, or nodes (one value per node,
// named after it). Ports expose values to callers by stable names.
type Graph struct {
	KV      KV
	Inputs  []PortSpec
	Outputs []PortSpec
	Nodes   []Node
	Tensors map[string]*Tensor
}

// PortSpec declares a named input or output. Dims records the example
// shape used at trace time; Axes binds axis indexes to symbolic names so
// those dimensions may vary at execution time. Unbound axes are fixed.
type PortSpec struct {
	Name  string         `cbor:"name"`
	Value string         `cbor:"value"`
	DType DType          `cbor:"dtype"`
	Dims  []int          `cbor:"dims"`
	Axes  map[int]string `cbor:"axes,omitempty"`
}

type Node struct {
	Name   string   `cbor:"name"`
	Op     string   `cbor:"op"`
	Inputs []string `cbor:"inputs"`
	Attrs  Attrs    `cbor:"attrs,omitempty"`
}

// Attrs are node attributes. Accessors tolerate the numeric widenings a
// codec round trip introduces.
type Attrs map[string]any

func (a Attrs) Int(key string, defaultValue ...int) int {
	if v, ok := a[key]; ok {
		switch v := v.(type) {
		case int:
			return v
		case int64:
			return int(v)
		case uint64:
			return int(v)
		case float64:
			return int(v)
		}
	}

	return append(defaultValue, 0)[0]
}

func (a Attrs) Float(key string, defaultValue ...float64) float64 {
	if v, ok := a[key]; ok {
		switch v := v.(type) {
		case float64:
			return v
		case float32:
			return float64(v)
		case int64:
			return float64(v)
		case uint64:
			return float64(v)
		}
	}

	return append(defaultValue, 0)[0]
}

func (a Attrs) Bool(key string, defaultValue ...bool) bool {
	if v, ok := a[key].(bool); ok {
		return v
	}

	return append(defaultValue, false)[0]
}

func (a Attrs) Ints(key string) []int {
	switch v := a[key].(type) {
	case []int:
		return v
	case []any:
		s := make([]int, 0, len(v))
		for _, e := range v {
			switch e := e.(type) {
			case int:
				s = append(s, e)
			case int64:
				s = append(s, int(e))
			case uint64:
				s = append(s, int(e))
			}
		}
		return s
	}

	return nil
}

// Input looks up an input port by name.
func (g *Graph) Input(name string) (PortSpec, bool) {
	for _, p := range g.Inputs {
		if p.Name == name {
			return p, true
		}
	}

	return PortSpec{}, false
}

// Output looks up an output port by name.
func (g *Graph) Output(name string) (PortSpec, bool) {
	for _, p := range g.Outputs {
		if p.Name == name {
			return p, true
		}
	}

	return PortSpec{}, false
}

func (g *Graph) InputNames() []string {
	names := make([]string, len(g.Inputs))
	for i, p := range g.Inputs {
		names[i] = p.Name
	}

	return names
}

func (g *Graph) OutputNames() []string {
	names := make([]string, len(g.Outputs))
	for i, p := range g.Outputs {
		names[i] = p.Name
	}

	return names
}

// Clone returns a deep copy. Pipeline stages never mutate an artifact in
// place; they transform a copy and write a new file.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		KV:      maps.Clone(g.KV),
		Inputs:  make([]PortSpec, len(g.Inputs)),
		Outputs: make([]PortSpec, len(g.Outputs)),
		Nodes:   make([]Node, len(g.Nodes)),
		Tensors: make(map[string]*Tensor, len(g.Tensors)),
	}

	copyPort := func(p PortSpec) PortSpec {
		p.Dims = slices.Clone(p.Dims)
		p.Axes = maps.Clone(p.Axes)
		return p
	}

	for i, p := range g.Inputs {
		c.Inputs[i] = copyPort(p)
	}
	for i, p := range g.Outputs {
		c.Outputs[i] = copyPort(p)
	}
	for i, n := range g.Nodes {
		n.Inputs = slices.Clone(n.Inputs)
		n.Attrs = maps.Clone(n.Attrs)
		c.Nodes[i] = n
	}
	for name, t := range g.Tensors {
		c.Tensors[name] = &Tensor{
			Name:  t.Name,
			DType: t.DType,
			Shape: slices.Clone(t.Shape),
			Data:  slices.Clone(t.Data),
		}
	}

	return c
}

// Validate checks that every node input resolves to a known value, that
// value names are unique, and that node shapes infer cleanly from the
// declared input dims and initializer shapes.
func (g *Graph) Validate() error {
	shapes := make(map[string][]int, len(g.Nodes)+len(g.Inputs)+len(g.Tensors))
	for _, p := range g.Inputs {
		if _, ok := shapes[p.Value]; ok {
			return fmt.Errorf("duplicate value %q", p.Value)
		}
		shapes[p.Value] = p.Dims
	}
	for name, t := range g.Tensors {
		if _, ok := shapes[name]; ok {
			return fmt.Errorf("duplicate value %q", name)
		}
		shapes[name] = t.Shape
	}

	for _, n := range g.Nodes {
		ins := make([][]int, len(n.Inputs))
		for i, in := range n.Inputs {
			s, ok := shapes[in]
			if !ok {
				return fmt.Errorf("node %q: unknown input value %q", n.Name, in)
			}
			ins[i] = s
		}

		out, err := InferShape(n.Op, n.Attrs, ins...)
		if err != nil {
			return fmt.Errorf("node %q: %w", n.Name, err)
		}

		if _, ok := shapes[n.Name]; ok {
			return fmt.Errorf("duplicate value %q", n.Name)
		}
		shapes[n.Name] = out
	}

	for _, p := range g.Outputs {
		s, ok := shapes[p.Value]
		if !ok {
			return fmt.Errorf("output %q: unknown value %q", p.Name, p.Value)
		}
		if !slices.Equal(s, p.Dims) {
			return fmt.Errorf("output %q: declared dims %v do not match traced dims %v", p.Name, p.Dims, s)
		}
	}

	return nil
}
