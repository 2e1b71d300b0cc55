package convert

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/sergiorozada12/marianmt-to-onnx/fs/graph"
	"github.com/sergiorozada12/marianmt-to-onnx/model"
)

type ModelParameters struct {
	Architectures []string `json:"architectures"`
	VocabSize     uint32   `json:"vocab_size"`
}

func (ModelParameters) KV() graph.KV {
	return graph.KV{
		"general.type": "model",
	}
}

type ModelConverter interface {
	// KV maps parameters to graph metadata key-values
	KV() graph.KV
	// Tensors maps input tensors to named graph tensors, reading their
	// data. Model specific modifications can be done here.
	Tensors([]Tensor) ([]*graph.Tensor, error)
	// Replacements returns a list of string pairs to replace in tensor names.
	// See [strings.Replacer](https://pkg.go.dev/strings#Replacer) for details
	Replacements() []string
}

// validator is implemented by converters that reject configurations their
// graph layout cannot represent.
type validator interface {
	validate() error
}

// ConvertModel reads a transformers checkpoint from fsys and converts it to
// graph metadata and named weight tensors.
// Supported input model formats include safetensors and pytorch checkpoints.
func ConvertModel(fsys fs.FS) (graph.KV, map[string]*graph.Tensor, error) {
	bts, err := fs.ReadFile(fsys, "config.json")
	if err != nil {
		return nil, nil, err
	}

	var p ModelParameters
	if err := json.Unmarshal(bts, &p); err != nil {
		return nil, nil, err
	}

	if len(p.Architectures) < 1 {
		return nil, nil, errors.New("unknown architecture")
	}

	var conv ModelConverter
	switch p.Architectures[0] {
	case "MarianMTModel", "MarianModel":
		conv = &marianModel{}
	default:
		return nil, nil, fmt.Errorf("%w %q", model.ErrUnsupportedArchitecture, p.Architectures[0])
	}

	if err := json.Unmarshal(bts, conv); err != nil {
		return nil, nil, err
	}

	if v, ok := conv.(validator); ok {
		if err := v.validate(); err != nil {
			return nil, nil, err
		}
	}

	ts, err := parseTensors(fsys, strings.NewReplacer(conv.Replacements()...))
	if err != nil {
		return nil, nil, err
	}

	out, err := conv.Tensors(ts)
	if err != nil {
		return nil, nil, err
	}

	weights := make(map[string]*graph.Tensor, len(out))
	for _, t := range out {
		if _, ok := weights[t.Name]; ok {
			return nil, nil, fmt.Errorf("duplicate tensor name %q", t.Name)
		}

		weights[t.Name] = t
	}

	kv := conv.KV()
	slog.Info("converted model", "architecture", kv.Architecture(), "tensors", len(weights))

	return kv, weights, nil
}
