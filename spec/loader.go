package spec

import (
	"bytes"
	"io"
	"os"
	"reflect"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"alma.local/specfuzz/domains"
)

// Schema is the serialized form of a GraphSpec.
type Schema struct {
	Checksum uint64       `msgpack:"checksum"`
	Nodes    []NodeSchema `msgpack:"nodes"`
	Edges    []EdgeSchema `msgpack:"edges"`
	Atomics  []AtomSchema `msgpack:"atomics"`
}

type NodeSchema struct {
	Name          string   `msgpack:"name" mapstructure:"name"`
	AtomID        *int     `msgpack:"atom_id" mapstructure:"atom_id"`
	Inputs        []uint16 `msgpack:"inputs" mapstructure:"inputs"`
	Borrows       []uint16 `msgpack:"borrows" mapstructure:"borrows"`
	Outputs       []uint16 `msgpack:"outputs" mapstructure:"outputs"`
	IsInteractive bool     `msgpack:"is_interactive" mapstructure:"is_interactive"`
}

type EdgeSchema struct {
	Name string `msgpack:"name" mapstructure:"name"`
}

// AtomSchema is one of IntAtom, VecAtom or StructAtom. On the wire the
// variant is selected by the "type" key.
type AtomSchema interface {
	atomType() string
}

type IntAtom struct {
	Type       string            `msgpack:"type" mapstructure:"type"`
	Name       string            `msgpack:"name" mapstructure:"name"`
	Size       int               `msgpack:"size" mapstructure:"size"`
	Generators []GeneratorSchema `msgpack:"generators" mapstructure:"generators"`
}

type VecAtom struct {
	Type       string            `msgpack:"type" mapstructure:"type"`
	Name       string            `msgpack:"name" mapstructure:"name"`
	SizeRange  []int             `msgpack:"size_range" mapstructure:"size_range"`
	DType      int               `msgpack:"dtype" mapstructure:"dtype"`
	Generators []GeneratorSchema `msgpack:"generators" mapstructure:"generators"`
}

type StructAtom struct {
	Type   string             `msgpack:"type" mapstructure:"type"`
	Name   string             `msgpack:"name" mapstructure:"name"`
	Fields []StructFieldEntry `msgpack:"fields" mapstructure:"fields"`
}

// StructFieldEntry is encoded as a two element array [name, atom_id].
type StructFieldEntry struct {
	_msgpack struct{} `msgpack:",as_array"`
	Name     string   `mapstructure:"name"`
	ID       int      `mapstructure:"id"`
}

// GeneratorSchema covers both integer and vector generators.
type GeneratorSchema struct {
	Type  string   `msgpack:"type" mapstructure:"type"`
	Opts  []uint64 `msgpack:"opts,omitempty" mapstructure:"opts"`
	Bytes [][]byte `msgpack:"bytes,omitempty" mapstructure:"bytes"`
	Range []uint64 `msgpack:"range,omitempty" mapstructure:"range"`
	Align uint64   `msgpack:"align,omitempty" mapstructure:"align"`
}

func (IntAtom) atomType() string    { return "Int" }
func (VecAtom) atomType() string    { return "Vec" }
func (StructAtom) atomType() string { return "Struct" }

// NewIntAtom and friends fill in the variant tag.
func NewIntAtom(name string, size int, gens ...GeneratorSchema) IntAtom {
	return IntAtom{Type: "Int", Name: name, Size: size, Generators: gens}
}

func NewVecAtom(name string, min, max, dtype int, gens ...GeneratorSchema) VecAtom {
	return VecAtom{Type: "Vec", Name: name, SizeRange: []int{min, max}, DType: dtype, Generators: gens}
}

func NewStructAtom(name string, fields ...StructFieldEntry) StructAtom {
	return StructAtom{Type: "Struct", Name: name, Fields: fields}
}

type rawSchema struct {
	Checksum uint64                   `msgpack:"checksum"`
	Nodes    []NodeSchema             `msgpack:"nodes"`
	Edges    []EdgeSchema             `msgpack:"edges"`
	Atomics  []map[string]interface{} `msgpack:"atomics"`
}

// LoadSpecFile reads a msgpack schema from path.
func LoadSpecFile(path string) (*GraphSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open spec")
	}
	defer f.Close()
	s, err := LoadSpec(f)
	if err != nil {
		return nil, errors.Wrapf(err, "load spec %s", path)
	}
	return s, nil
}

// LoadSpec decodes a msgpack schema and builds the GraphSpec.
func LoadSpec(r io.Reader) (*GraphSpec, error) {
	schema, err := DecodeSchema(r)
	if err != nil {
		return nil, err
	}
	return schema.Build()
}

// DecodeSchema decodes the wire form. Atom variants are resolved from their
// "type" key.
func DecodeSchema(r io.Reader) (*Schema, error) {
	dec := msgpack.NewDecoder(r)
	dec.UseLooseInterfaceDecoding(true)
	var raw rawSchema
	if err := dec.Decode(&raw); err != nil {
		return nil, errors.Wrap(ErrMalformedSchema, err.Error())
	}
	out := &Schema{Checksum: raw.Checksum, Nodes: raw.Nodes, Edges: raw.Edges}
	for i, m := range raw.Atomics {
		atom, err := decodeAtom(m)
		if err != nil {
			return nil, errors.Wrapf(err, "atomic %d", i)
		}
		out.Atomics = append(out.Atomics, atom)
	}
	return out, nil
}

func decodeAtom(m map[string]interface{}) (AtomSchema, error) {
	tag, _ := m["type"].(string)
	var target AtomSchema
	switch tag {
	case "Int":
		target = &IntAtom{}
	case "Vec":
		target = &VecAtom{}
	case "Struct":
		target = &StructAtom{}
	default:
		return nil, errors.Wrapf(ErrMalformedSchema, "unknown atom type %q", tag)
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       fieldTupleHook,
		WeaklyTypedInput: true,
		Result:           target,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(m); err != nil {
		return nil, errors.Wrap(ErrMalformedSchema, err.Error())
	}
	switch a := target.(type) {
	case *IntAtom:
		return *a, nil
	case *VecAtom:
		return *a, nil
	default:
		return *target.(*StructAtom), nil
	}
}

// fieldTupleHook turns the [name, id] tuples of struct fields into maps.
func fieldTupleHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(StructFieldEntry{}) || from.Kind() != reflect.Slice {
		return data, nil
	}
	tuple, ok := data.([]interface{})
	if !ok || len(tuple) != 2 {
		return nil, errors.Wrapf(ErrMalformedSchema, "struct field %v is not a [name, id] pair", data)
	}
	return map[string]interface{}{"name": tuple[0], "id": tuple[1]}, nil
}

// Encode writes the schema in its wire form.
func (s *Schema) Encode(w io.Writer) error {
	enc := msgpack.NewEncoder(w)
	enc.UseCompactInts(true)
	return enc.Encode(s)
}

// EncodeBytes is Encode into a fresh buffer.
func (s *Schema) EncodeBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := s.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Build registers atomics, then edges, then nodes. The array position of
// every entry must match the id it is assigned.
func (s *Schema) Build() (*GraphSpec, error) {
	g := NewGraphSpec(s.Checksum)
	for i, a := range s.Atomics {
		t, err := buildAtom(g, a)
		if err != nil {
			return nil, errors.Wrapf(err, "atomic %d", i)
		}
		if id := g.DataType(atomName(a), t); int(id) != i {
			return nil, errors.Wrapf(ErrMalformedSchema, "atomic %d registered as %d", i, id)
		}
	}
	for i, e := range s.Edges {
		id, err := g.ValueType(e.Name)
		if err != nil {
			return nil, err
		}
		if int(id) != i {
			return nil, errors.Wrapf(ErrMalformedSchema, "edge %d registered as %d", i, id)
		}
	}
	for i, n := range s.Nodes {
		var data *AtomicTypeID
		if n.AtomID != nil {
			d := AtomicTypeID(*n.AtomID)
			data = &d
		}
		id, err := g.NodeType(n.Name, data, toValueIDs(n.Inputs), toValueIDs(n.Borrows), toValueIDs(n.Outputs))
		if err != nil {
			return nil, errors.Wrapf(err, "node %d", i)
		}
		if int(id) != i {
			return nil, errors.Wrapf(ErrMalformedSchema, "node %d registered as %d", i, id)
		}
	}
	return g, nil
}

func toValueIDs(in []uint16) []ValueTypeID {
	out := make([]ValueTypeID, len(in))
	for i, v := range in {
		out[i] = ValueTypeID(v)
	}
	return out
}

func atomName(a AtomSchema) string {
	switch a := a.(type) {
	case IntAtom:
		return a.Name
	case VecAtom:
		return a.Name
	case StructAtom:
		return a.Name
	}
	return ""
}

func buildAtom(g *GraphSpec, a AtomSchema) (AtomicType, error) {
	switch a := a.(type) {
	case IntAtom:
		if a.Size < 1 || a.Size > 32 {
			return nil, errors.Wrapf(ErrMalformedSchema, "int %s has size %d", a.Name, a.Size)
		}
		gens := make([]domains.IntGenerator, 0, len(a.Generators))
		for _, gs := range a.Generators {
			ig, err := gs.intGenerator()
			if err != nil {
				return nil, errors.Wrapf(err, "int %s", a.Name)
			}
			gens = append(gens, ig)
		}
		return NewIntType(a.Size, gens), nil
	case VecAtom:
		if len(a.SizeRange) != 2 {
			return nil, errors.Wrapf(ErrMalformedSchema, "vec %s size_range %v", a.Name, a.SizeRange)
		}
		elem, err := g.Atomic(AtomicTypeID(a.DType))
		if err != nil {
			return nil, errors.Wrapf(err, "vec %s", a.Name)
		}
		gens := make([]domains.VecGenerator, 0, len(a.Generators))
		for _, gs := range a.Generators {
			gens = append(gens, gs.vecGenerator())
		}
		vt, err := NewVecType(elem.Type, a.SizeRange[0], a.SizeRange[1], gens)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedSchema, "vec %s: %v", a.Name, err)
		}
		return vt, nil
	case StructAtom:
		fields := make([]StructField, 0, len(a.Fields))
		for _, f := range a.Fields {
			ft, err := g.Atomic(AtomicTypeID(f.ID))
			if err != nil {
				return nil, errors.Wrapf(err, "struct %s field %s", a.Name, f.Name)
			}
			fields = append(fields, StructField{Name: f.Name, Type: ft.Type})
		}
		return NewStructType(fields), nil
	}
	return nil, errors.Wrapf(ErrMalformedSchema, "unsupported atom %T", a)
}

func (gs GeneratorSchema) intGenerator() (domains.IntGenerator, error) {
	switch domains.GeneratorKind(gs.Type) {
	case domains.Options, domains.Flags:
		return domains.IntGenerator{Kind: domains.GeneratorKind(gs.Type), Opts: gs.Opts}, nil
	case domains.Limits:
		if len(gs.Range) != 2 || gs.Range[0] > gs.Range[1] {
			return domains.IntGenerator{}, errors.Wrapf(ErrMalformedSchema, "limits range %v", gs.Range)
		}
		return domains.IntGenerator{
			Kind:  domains.Limits,
			Range: domains.Range{Min: gs.Range[0], Max: gs.Range[1]},
			Align: gs.Align,
		}, nil
	}
	return domains.IntGenerator{}, errors.Wrapf(ErrMalformedSchema, "unknown int generator %q", gs.Type)
}

func (gs GeneratorSchema) vecGenerator() domains.VecGenerator {
	if domains.GeneratorKind(gs.Type) == domains.Options {
		return domains.VecGenerator{Kind: domains.Options, Opts: gs.Bytes}
	}
	return domains.VecGenerator{Kind: domains.Elements}
}
