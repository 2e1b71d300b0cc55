package convert

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

func parseTorch(fsys fs.FS, replacer *strings.Replacer, ps ...string) ([]Tensor, error) {
	var ts []Tensor
	for _, p := range ps {
		// gopickle needs random access to the checkpoint's zip container,
		// so resolve the entry back to its on-disk path.
		f, err := fsys.Open(p)
		if err != nil {
			return nil, err
		}

		path := p
		if osf, ok := f.(*os.File); ok {
			path = osf.Name()
		}
		f.Close()

		pt, err := pytorch.Load(path)
		if err != nil {
			return nil, err
		}

		add := func(key string, value any) {
			t, ok := value.(*pytorch.Tensor)
			if !ok {
				return
			}

			var shape []uint64
			for _, dim := range t.Size {
				shape = append(shape, uint64(dim))
			}

			ts = append(ts, torch{
				storage: t.Source,
				offset:  t.StorageOffset,
				tensorBase: &tensorBase{
					name:  replacer.Replace(key),
					shape: shape,
				},
			})
		}

		// state dicts unpickle as either kind of dict depending on how
		// they were saved
		switch d := pt.(type) {
		case *types.Dict:
			for _, k := range d.Keys() {
				add(k.(string), d.MustGet(k))
			}
		case *types.OrderedDict:
			for k, e := range d.Map {
				add(k.(string), e.Value)
			}
		default:
			return nil, fmt.Errorf("pytorch checkpoint has unexpected layout %T", pt)
		}
	}

	return ts, nil
}

type torch struct {
	storage pytorch.StorageInterface
	offset  int
	*tensorBase
}

func (t torch) WriteTo(w io.Writer) (int64, error) {
	var f32s []float32
	switch s := t.storage.(type) {
	case *pytorch.FloatStorage:
		f32s = s.Data
	case *pytorch.HalfStorage:
		f32s = s.Data
	case *pytorch.BFloat16Storage:
		f32s = s.Data
	default:
		return 0, fmt.Errorf("unknown data type: %T", s)
	}

	n := 1
	for _, d := range t.Shape() {
		n *= int(d)
	}

	if t.offset+n > len(f32s) {
		return 0, fmt.Errorf("tensor %s overruns its storage", t.Name())
	}
	f32s = f32s[t.offset : t.offset+n]

	if t.repacker != nil {
		var err error
		f32s, err = t.repacker(t.Name(), f32s, t.Shape())
		if err != nil {
			return 0, err
		}
	}

	return 0, binary.Write(w, binary.LittleEndian, f32s)
}
