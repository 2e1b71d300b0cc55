package graph

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/exp/maps"
)

// Artifact container: a fixed preamble, a CBOR-encoded header describing
// topology and ports, then tensor payloads aligned to the block size.
//
// | magic u32 | version u32 | header length u64 | header CBOR | pad | blobs |
const (
	fileMagic   = 0x46524754 // "TGRF"
	fileVersion = uint32(1)
	alignment   = 32
)

type header struct {
	KV      map[string]any `cbor:"kv"`
	Inputs  []PortSpec     `cbor:"inputs"`
	Outputs []PortSpec     `cbor:"outputs"`
	Nodes   []Node         `cbor:"nodes"`
	Tensors []tensorInfo   `cbor:"tensors"`
}

type tensorInfo struct {
	Name   string `cbor:"name"`
	DType  DType  `cbor:"dtype"`
	Shape  []int  `cbor:"shape"`
	Offset uint64 `cbor:"offset"`
	Size   uint64 `cbor:"size"`
}

func padding(offset int64) int64 {
	return (alignment - offset%alignment) % alignment
}

// Encode writes g to w in artifact container form.
func Encode(w io.Writer, g *Graph) error {
	names := maps.Keys(g.Tensors)
	slices.Sort(names)

	var offset uint64
	infos := make([]tensorInfo, 0, len(names))
	for _, name := range names {
		t := g.Tensors[name]
		infos = append(infos, tensorInfo{
			Name:   name,
			DType:  t.DType,
			Shape:  t.Shape,
			Offset: offset,
			Size:   uint64(len(t.Data)),
		})

		offset += uint64(len(t.Data))
		offset += uint64(padding(int64(offset)))
	}

	hdr, err := cbor.Marshal(header{
		KV:      g.KV,
		Inputs:  g.Inputs,
		Outputs: g.Outputs,
		Nodes:   g.Nodes,
		Tensors: infos,
	})
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}

	for _, v := range []any{uint32(fileMagic), fileVersion, uint64(len(hdr))} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}

	if _, err := w.Write(hdr); err != nil {
		return err
	}

	written := int64(4 + 4 + 8 + len(hdr))
	if _, err := w.Write(make([]byte, padding(written))); err != nil {
		return err
	}

	for _, name := range names {
		t := g.Tensors[name]
		if _, err := w.Write(t.Data); err != nil {
			return err
		}
		if _, err := w.Write(make([]byte, padding(int64(len(t.Data))))); err != nil {
			return err
		}
	}

	return nil
}

// Decode reads an artifact container back into a Graph.
func Decode(r io.Reader) (*Graph, error) {
	var magic, version uint32
	var hdrLen uint64
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, err
	}
	if magic != fileMagic {
		return nil, fmt.Errorf("invalid magic %#x", magic)
	}
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, err
	}
	if version != fileVersion {
		return nil, fmt.Errorf("unsupported version %d", version)
	}
	if err := binary.Read(r, binary.LittleEndian, &hdrLen); err != nil {
		return nil, err
	}

	hdr := make([]byte, hdrLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}

	var h header
	if err := cbor.Unmarshal(hdr, &h); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}

	read := int64(4 + 4 + 8 + len(hdr))
	if _, err := io.CopyN(io.Discard, r, padding(read)); err != nil {
		return nil, err
	}

	g := &Graph{
		KV:      h.KV,
		Inputs:  h.Inputs,
		Outputs: h.Outputs,
		Nodes:   h.Nodes,
		Tensors: make(map[string]*Tensor, len(h.Tensors)),
	}

	for _, info := range h.Tensors {
		data := make([]byte, info.Size)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("tensor %q: %w", info.Name, err)
		}
		if _, err := io.CopyN(io.Discard, r, padding(int64(info.Size))); err != nil && err != io.EOF {
			return nil, err
		}

		g.Tensors[info.Name] = &Tensor{
			Name:  info.Name,
			DType: info.DType,
			Shape: info.Shape,
			Data:  data,
		}
	}

	return g, nil
}

// WriteFile encodes g to path, replacing any existing file.
func WriteFile(path string, g *Graph) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := Encode(f, g); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}

// ReadFile decodes the artifact at path.
func ReadFile(path string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Decode(f)
}
