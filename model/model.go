package model

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"

	"github.com/sergiorozada12/marianmt-to-onnx/kvcache"
	"github.com/sergiorozada12/marianmt-to-onnx/ml"
)

// ErrUnsupportedArchitecture is returned by New when the weight metadata
// names an architecture with no registered constructor.
var ErrUnsupportedArchitecture = errors.New("unsupported model architecture")

// Model implements a specific model architecture, defining the forward passes
// and any model-specific configuration
type Model interface {
	Backend() ml.Backend
}

// EncoderDecoder is implemented by sequence to sequence architectures. Each
// method is a self-contained forward pass, so the encoder, the decoder and
// the projection head can be recorded as separate graphs.
type EncoderDecoder interface {
	Model

	// Encode runs the encoder stack over token ids [batch, seq] with a
	// {0,1} padding mask of the same shape.
	Encode(ctx ml.Context, ids, mask ml.Tensor) ml.Tensor

	// Decode runs the decoder stack over token ids [batch, seq]. Self
	// attention history accumulates in cache. Cross attention keys and
	// values are projected from encoderStates while the cache is empty
	// and served from the cache afterwards, leaving encoderStates unread.
	Decode(ctx ml.Context, ids, encoderStates, encoderMask ml.Tensor, cache *kvcache.DecoderCache) ml.Tensor

	// Head projects decoder hidden states [batch, seq, dim] to vocabulary
	// logits.
	Head(ctx ml.Context, hiddenState ml.Tensor) ml.Tensor

	// DecoderSchema describes the flat key/value state the decoder reads
	// and writes.
	DecoderSchema() kvcache.StateSchema
}

// Base implements the common fields and methods for all models
type Base struct {
	b ml.Backend
}

// Backend returns the underlying backend that holds the model weights
func (m *Base) Backend() ml.Backend {
	return m.b
}

var models = make(map[string]func(ml.Config) (Model, error))

// Register registers a model constructor for the given architecture
func Register(name string, f func(ml.Config) (Model, error)) {
	if _, ok := models[name]; ok {
		panic("model: model already registered")
	}

	models[name] = f
}

// New initializes a model instance for the architecture recorded in the
// backend metadata and binds its weight fields to backend tensors by name.
func New(b ml.Backend) (Model, error) {
	arch := b.Config().Architecture()
	f, ok := models[arch]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnsupportedArchitecture, arch)
	}

	m, err := f(b.Config())
	if err != nil {
		return nil, err
	}

	base := Base{b: b}

	v := reflect.ValueOf(m)
	v.Elem().Set(populateFields(base, v.Elem()))
	return m, nil
}

func populateFields(base Base, v reflect.Value, tags ...Tag) reflect.Value {
	t := v.Type()

	if t.Kind() == reflect.Struct {
		allNil := true
		for i := range t.NumField() {
			tt := t.Field(i).Type
			vv := v.Field(i)
			if !vv.CanSet() {
				continue
			}

			// make a copy
			tagsCopy := tags
			if tag := t.Field(i).Tag.Get("weights"); tag != "" {
				tagsCopy = append(tagsCopy, ParseTags(tag))
			}

			if tt == reflect.TypeOf((*Base)(nil)).Elem() {
				vv.Set(reflect.ValueOf(base))
			} else if tt == reflect.TypeOf((*ml.Tensor)(nil)).Elem() {
				var fn func([]Tag) [][]string
				fn = func(tags []Tag) (values [][]string) {
					if len(tags) < 1 {
						return nil
					}

					values = [][]string{{tags[0].Name}}
					for _, alt := range tags[0].Alternate {
						values = append(values, []string{alt})
					}

					for i, value := range values {
						for _, rest := range fn(tags[1:]) {
							value = append(value, rest...)
						}

						values[i] = value
					}

					return values
				}

				names := fn(tagsCopy)
				for _, name := range names {
					if tensor := base.Backend().Get(strings.Join(name, ".")); tensor != nil {
						slog.Debug("found tensor", "", tensor)
						vv.Set(reflect.ValueOf(tensor))
						break
					}
				}
			} else if tt.Kind() == reflect.Pointer || tt.Kind() == reflect.Interface {
				setPointer(base, vv, tagsCopy)
			} else if tt.Kind() == reflect.Slice || tt.Kind() == reflect.Array {
				for i := range vv.Len() {
					vvv := vv.Index(i)
					if vvv.Kind() == reflect.Pointer || vvv.Kind() == reflect.Interface {
						setPointer(base, vvv, append(tagsCopy, Tag{Name: strconv.Itoa(i)}))
					} else {
						vvv.Set(populateFields(base, vvv, append(tagsCopy, Tag{Name: strconv.Itoa(i)})...))
					}
				}
			}

			if !canNil(tt) || !vv.IsNil() {
				allNil = false
			}
		}

		if allNil {
			return reflect.Zero(t)
		}
	}

	return v
}

func setPointer(base Base, v reflect.Value, tags []Tag) {
	vv := v
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return
		}

		vv = vv.Elem()
	}

	vv = vv.Elem()
	if v.IsNil() {
		vv = reflect.New(v.Type().Elem()).Elem()
	}

	if f := populateFields(base, vv, tags...); f.CanAddr() {
		v.Set(f.Addr())
	}
}

type Tag struct {
	Name      string
	Alternate []string
}

func ParseTags(s string) (tag Tag) {
	parts := strings.Split(s, ",")
	if len(parts) > 0 {
		tag.Name = parts[0]

		for _, part := range parts[1:] {
			if value, ok := strings.CutPrefix(part, "alt:"); ok {
				tag.Alternate = append(tag.Alternate, value)
			}
		}
	}

	return
}

func canNil(t reflect.Type) bool {
	return t.Kind() == reflect.Chan ||
		t.Kind() == reflect.Func ||
		t.Kind() == reflect.Interface ||
		t.Kind() == reflect.Map ||
		t.Kind() == reflect.Pointer ||
		t.Kind() == reflect.Slice
}
