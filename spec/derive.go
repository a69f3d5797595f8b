package spec

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// DefaultVecMax is the element limit of slices without a fuzz-max tag.
const DefaultVecMax = 64

// SchemaBuilder assembles a Schema in registration order and lets callers
// refer to atoms and edges by name.
type SchemaBuilder struct {
	schema  Schema
	atomIDs map[string]int
	edgeIDs map[string]uint16
}

func NewSchemaBuilder() *SchemaBuilder {
	return &SchemaBuilder{atomIDs: map[string]int{}, edgeIDs: map[string]uint16{}}
}

// Atom registers a with its name and returns its id. Registering the same
// name twice returns the first id.
func (b *SchemaBuilder) Atom(a AtomSchema) int {
	name := atomName(a)
	if id, ok := b.atomIDs[name]; ok {
		return id
	}
	id := len(b.schema.Atomics)
	b.schema.Atomics = append(b.schema.Atomics, a)
	b.atomIDs[name] = id
	return id
}

// Edge registers a value type.
func (b *SchemaBuilder) Edge(name string) uint16 {
	if id, ok := b.edgeIDs[name]; ok {
		return id
	}
	id := uint16(len(b.schema.Edges))
	b.schema.Edges = append(b.schema.Edges, EdgeSchema{Name: name})
	b.edgeIDs[name] = id
	return id
}

// Node registers a node type. atom is the name of a registered atom or "".
func (b *SchemaBuilder) Node(name, atom string, inputs, borrows, outputs []string) error {
	n := NodeSchema{Name: name}
	if atom != "" {
		id, ok := b.atomIDs[atom]
		if !ok {
			return errors.Wrapf(ErrUnknownDataType, "node %s uses atom %q", name, atom)
		}
		n.AtomID = &id
	}
	n.Inputs = b.edges(inputs)
	n.Borrows = b.edges(borrows)
	n.Outputs = b.edges(outputs)
	b.schema.Nodes = append(b.schema.Nodes, n)
	return nil
}

func (b *SchemaBuilder) edges(names []string) []uint16 {
	out := make([]uint16, len(names))
	for i, n := range names {
		out[i] = b.Edge(n)
	}
	return out
}

// Schema returns the assembled schema. The checksum is derived from the
// encoded content, so any change of the schema changes it.
func (b *SchemaBuilder) Schema() (*Schema, error) {
	s := b.schema
	s.Checksum = 0
	raw, err := s.EncodeBytes()
	if err != nil {
		return nil, errors.Wrap(err, "encode schema")
	}
	s.Checksum = xxhash.Sum64(raw)
	return &s, nil
}

// AtomFromStruct derives atoms for a Go struct type and registers them.
// Unsigned and signed integers become Int atoms of their width, bool a one
// byte Int, byte arrays an Int of their length (at most 32 bytes), slices a
// Vec bounded by the fuzz-min and fuzz-max tags and nested structs a Struct.
// Field tag fuzz-opts lists the allowed values of an integer ("1|2|3").
func (b *SchemaBuilder) AtomFromStruct(instance interface{}) (string, error) {
	t := reflect.TypeOf(instance)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return "", fmt.Errorf("spec: %s is not a struct", t)
	}
	return b.structAtom(t, t.Name())
}

// structAtom registers t under its type name, or under path for anonymous
// structs.
func (b *SchemaBuilder) structAtom(t reflect.Type, path string) (string, error) {
	name := t.Name()
	if name == "" {
		name = path
	}
	if _, ok := b.atomIDs[name]; ok {
		return name, nil
	}
	var fields []StructFieldEntry
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue
		}
		atom, err := b.fieldAtom(name+"."+f.Name, f.Type, f.Tag)
		if err != nil {
			return "", err
		}
		fields = append(fields, StructFieldEntry{Name: f.Name, ID: b.atomIDs[atom]})
	}
	b.Atom(NewStructAtom(name, fields...))
	return name, nil
}

func (b *SchemaBuilder) fieldAtom(path string, t reflect.Type, tag reflect.StructTag) (string, error) {
	switch t.Kind() {
	case reflect.Bool, reflect.Uint8, reflect.Int8, reflect.Uint16, reflect.Int16,
		reflect.Uint32, reflect.Int32, reflect.Uint64, reflect.Int64:
		size := int(t.Size())
		var gens []GeneratorSchema
		if opts := tag.Get("fuzz-opts"); opts != "" {
			vals, err := parseOpts(opts)
			if err != nil {
				return "", errors.Wrapf(err, "field %s", path)
			}
			gens = append(gens, GeneratorSchema{Type: "Options", Opts: vals})
			b.Atom(NewIntAtom(path, size, gens...))
			return path, nil
		}
		name := fmt.Sprintf("u%d", size*8)
		if t.Kind() == reflect.Bool {
			name = "bool"
			gens = append(gens, GeneratorSchema{Type: "Options", Opts: []uint64{0, 1}})
		}
		b.Atom(NewIntAtom(name, size, gens...))
		return name, nil
	case reflect.Array:
		if t.Elem().Kind() != reflect.Uint8 || t.Len() == 0 || t.Len() > 32 {
			return "", fmt.Errorf("spec: field %s: only byte arrays of 1 to 32 bytes are supported", path)
		}
		name := fmt.Sprintf("bytes%d", t.Len())
		b.Atom(NewIntAtom(name, t.Len()))
		return name, nil
	case reflect.Slice:
		elem, err := b.fieldAtom(path+"[]", t.Elem(), "")
		if err != nil {
			return "", err
		}
		min, max := 0, DefaultVecMax
		if v := tag.Get("fuzz-min"); v != "" {
			if min, err = strconv.Atoi(v); err != nil {
				return "", errors.Wrapf(err, "field %s fuzz-min", path)
			}
		}
		if v := tag.Get("fuzz-max"); v != "" {
			if max, err = strconv.Atoi(v); err != nil {
				return "", errors.Wrapf(err, "field %s fuzz-max", path)
			}
		}
		b.Atom(NewVecAtom(path, min, max, b.atomIDs[elem]))
		return path, nil
	case reflect.Struct:
		return b.structAtom(t, path)
	}
	return "", fmt.Errorf("spec: field %s has unsupported kind %s", path, t.Kind())
}

func parseOpts(s string) ([]uint64, error) {
	var out []uint64
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '|' {
			v, err := strconv.ParseUint(s[start:i], 0, 64)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
			start = i + 1
		}
	}
	return out, nil
}

// DecodeInto fills the struct pointed to by ptr from data encoded with the
// atoms derived by AtomFromStruct. It returns the number of bytes consumed.
func DecodeInto(data []byte, ptr interface{}) (int, error) {
	v := reflect.ValueOf(ptr)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return 0, fmt.Errorf("spec: DecodeInto needs a non-nil pointer")
	}
	return decodeValue(data, v.Elem())
}

func decodeValue(data []byte, v reflect.Value) (int, error) {
	switch v.Kind() {
	case reflect.Bool, reflect.Uint8, reflect.Int8, reflect.Uint16, reflect.Int16,
		reflect.Uint32, reflect.Int32, reflect.Uint64, reflect.Int64:
		size := int(v.Type().Size())
		if len(data) < size {
			return 0, errors.Errorf("spec: need %d bytes for %s, have %d", size, v.Type(), len(data))
		}
		var buf [8]byte
		copy(buf[:], data[:size])
		raw := binary.LittleEndian.Uint64(buf[:])
		switch v.Kind() {
		case reflect.Bool:
			v.SetBool(raw != 0)
		case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			v.SetInt(int64(raw))
		default:
			v.SetUint(raw)
		}
		return size, nil
	case reflect.Array:
		n := v.Len()
		if len(data) < n {
			return 0, errors.Errorf("spec: need %d bytes for %s, have %d", n, v.Type(), len(data))
		}
		reflect.Copy(v, reflect.ValueOf(data[:n]))
		return n, nil
	case reflect.Slice:
		if len(data) < vecHeaderLen {
			return 0, errors.Errorf("spec: missing vec header for %s", v.Type())
		}
		count := int(binary.LittleEndian.Uint16(data))
		pos := vecHeaderLen
		out := reflect.MakeSlice(v.Type(), count, count)
		for i := 0; i < count; i++ {
			n, err := decodeValue(data[pos:], out.Index(i))
			if err != nil {
				return 0, err
			}
			pos += n
		}
		v.Set(out)
		return pos, nil
	case reflect.Struct:
		pos := 0
		for i := 0; i < v.NumField(); i++ {
			if v.Type().Field(i).PkgPath != "" {
				continue
			}
			n, err := decodeValue(data[pos:], v.Field(i))
			if err != nil {
				return 0, errors.Wrapf(err, "field %s", v.Type().Field(i).Name)
			}
			pos += n
		}
		return pos, nil
	}
	return 0, fmt.Errorf("spec: cannot decode into %s", v.Kind())
}
