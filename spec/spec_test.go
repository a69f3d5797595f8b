package spec_test

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"

	"alma.local/specfuzz/domains"
	"alma.local/specfuzz/primitive"
	"alma.local/specfuzz/random"
	"alma.local/specfuzz/spec"
	"alma.local/specfuzz/spec/spectest"
)

func TestFilesSpecLimits(t *testing.T) {
	s := spectest.Files()
	if got := s.BiggestOps(); got != 3 {
		t.Errorf("BiggestOps = %d, want 3", got)
	}
	if got := s.BiggestData(); got != 4 {
		t.Errorf("BiggestData = %d, want 4", got)
	}
	dup, _ := s.Node(spectest.Node(s, "dup"))
	if dup.RequiredValues[0] != 1 {
		t.Errorf("dup requires %d fds, want 1", dup.RequiredValues[0])
	}
	if s.SnapshotNodeID == nil {
		t.Fatalf("snapshot node not registered")
	}
	snap, _ := s.Node(*s.SnapshotNodeID)
	if snap.Generatable {
		t.Errorf("snapshot node must not be generatable")
	}
}

func TestRequiredValuesCountInputsAndPassthroughs(t *testing.T) {
	s := spec.NewGraphSpec(0)
	v, _ := s.ValueType("v")
	id, err := s.NodeType("n", nil, []spec.ValueTypeID{v, v}, []spec.ValueTypeID{v}, nil)
	if err != nil {
		t.Fatalf("NodeType: %v", err)
	}
	n, _ := s.Node(id)
	if n.RequiredValues[v] != 3 {
		t.Errorf("required = %d, want 3", n.RequiredValues[v])
	}
	if n.Size() != 3 {
		t.Errorf("size = %d, want 3", n.Size())
	}
}

func TestSnapshotNodeWithOperandsRejected(t *testing.T) {
	s := spec.NewGraphSpec(0)
	v, _ := s.ValueType("v")
	_, err := s.NodeType(spec.SnapshotNodeName, nil, nil, nil, []spec.ValueTypeID{v})
	if !errors.Is(err, spec.ErrSnapshotNodeShape) {
		t.Errorf("err = %v, want ErrSnapshotNodeShape", err)
	}
}

func TestUnknownValueTypeRejected(t *testing.T) {
	s := spec.NewGraphSpec(0)
	_, err := s.NodeType("n", nil, []spec.ValueTypeID{4}, nil, nil)
	if !errors.Is(err, spec.ErrUnknownValueType) {
		t.Errorf("err = %v, want ErrUnknownValueType", err)
	}
	if _, err := s.Node(9); !errors.Is(err, spec.ErrUnknownNodeType) {
		t.Errorf("Node(9) err = %v", err)
	}
}

func TestSchemaEncodeDecodeBuild(t *testing.T) {
	b := spec.NewSchemaBuilder()
	u8 := b.Atom(spec.NewIntAtom("u8", 1, spec.GeneratorSchema{Type: "Options", Opts: []uint64{1, 2}}))
	b.Atom(spec.NewVecAtom("name", 1, 8, u8, spec.GeneratorSchema{Type: "Options", Bytes: [][]byte{[]byte("ab")}}))
	b.Atom(spec.NewStructAtom("pair", spec.StructFieldEntry{Name: "x", ID: u8}, spec.StructFieldEntry{Name: "name", ID: 1}))
	if err := b.Node("mk", "pair", nil, nil, []string{"obj"}); err != nil {
		t.Fatal(err)
	}
	if err := b.Node("use", "", []string{"obj"}, nil, nil); err != nil {
		t.Fatal(err)
	}
	schema, err := b.Schema()
	if err != nil {
		t.Fatal(err)
	}
	if schema.Checksum == 0 {
		t.Errorf("checksum not derived")
	}
	raw, err := schema.EncodeBytes()
	if err != nil {
		t.Fatal(err)
	}
	s, err := spec.LoadSpec(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("LoadSpec: %v", err)
	}
	if s.Checksum != schema.Checksum {
		t.Errorf("checksum %x, want %x", s.Checksum, schema.Checksum)
	}
	if len(s.Nodes) != 2 || s.Nodes[0].Name != "mk" || s.Nodes[1].Name != "use" {
		t.Fatalf("nodes = %+v", s.Nodes)
	}
	st, ok := s.Atomics[2].Type.(*spec.StructType)
	if !ok {
		t.Fatalf("atomic 2 is %T", s.Atomics[2].Type)
	}
	if len(st.Fields) != 2 || st.Fields[1].Name != "name" {
		t.Errorf("struct fields = %+v", st.Fields)
	}
	data := []byte{7, 2, 0, 'h', 'i'}
	if got := s.NodeDataInspect(0, data); got != `{x: 7, name: "hi"}` {
		t.Errorf("inspect = %s", got)
	}
}

func TestBuildRejectsBadIntSize(t *testing.T) {
	schema := &spec.Schema{Atomics: []spec.AtomSchema{spec.NewIntAtom("huge", 33)}}
	if _, err := schema.Build(); !errors.Is(err, spec.ErrMalformedSchema) {
		t.Errorf("err = %v, want ErrMalformedSchema", err)
	}
}

func TestVecDataSize(t *testing.T) {
	vt, err := spec.NewVecType(spec.NewIntType(2, nil), 0, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	data := []byte{2, 0, 1, 1, 2, 2, 0xff}
	n, ok := vt.DataSize(data)
	if !ok || n != 6 {
		t.Errorf("DataSize = %d,%v want 6,true", n, ok)
	}
	if ml := vt.MutableLen(data); ml != 4 {
		t.Errorf("MutableLen = %d, want 4", ml)
	}
	if _, ok := vt.DataSize([]byte{3, 0, 1}); ok {
		t.Errorf("short vec reported complete")
	}
}

func TestApplyDetSkipsLengthPrefix(t *testing.T) {
	vt, _ := spec.NewVecType(spec.NewIntType(1, nil), 0, 10, nil)
	out := vt.ApplyDet([]byte{1, 0, 0x41}, primitive.FullBitFlip, 0)
	if !bytes.Equal(out, []byte{1, 0, 0xbe}) {
		t.Errorf("ApplyDet = %x", out)
	}
	st := spec.NewStructType([]spec.StructField{
		{Name: "a", Type: spec.NewIntType(1, nil)},
		{Name: "b", Type: vt},
	})
	out = st.ApplyDet([]byte{0x10, 1, 0, 0x41}, primitive.Addition, 1)
	if !bytes.Equal(out, []byte{0x10, 1, 0, 0x51}) {
		t.Errorf("struct ApplyDet = %x", out)
	}
}

func TestGenerateStaysInBudget(t *testing.T) {
	vt, _ := spec.NewVecType(spec.NewIntType(4, nil), 1, 1000, nil)
	dist := random.NewSeeded(3, nil)
	mut := primitive.NewMutator(false)
	for i := 0; i < 500; i++ {
		data := vt.Generate(dist, 64)
		if len(data) > 64 {
			t.Fatalf("generated %d bytes, budget 64", len(data))
		}
		if n, ok := vt.DataSize(data); !ok || n != len(data) {
			t.Fatalf("generated value is inconsistent: %d vs %d", n, len(data))
		}
		next := vt.Mutate(data, nil, mut, dist, 64)
		if len(next) > 64 {
			t.Fatalf("mutated %d bytes, budget 64", len(next))
		}
	}
}

func TestIntLimitsGenerator(t *testing.T) {
	it := spec.NewIntType(2, nil)
	it.Generators = append(it.Generators, limits(100, 200, 10))
	dist := random.NewSeeded(11, nil)
	for i := 0; i < 200; i++ {
		data := it.Generate(dist, 2)
		v := int(data[0]) | int(data[1])<<8
		if v < 100 || v > 200 || v%10 != 0 {
			t.Fatalf("value %d outside aligned limits", v)
		}
	}
}

type header struct {
	Kind  uint8 `fuzz-opts:"1|2|4"`
	Flags uint16
	Addr  [20]byte
	Body  []byte `fuzz-max:"16"`
	Tail  struct {
		Ok bool
	}
	private int
}

func TestAtomFromStructAndDecode(t *testing.T) {
	b := spec.NewSchemaBuilder()
	name, err := b.AtomFromStruct(header{})
	if err != nil {
		t.Fatalf("AtomFromStruct: %v", err)
	}
	if name != "header" {
		t.Errorf("name = %s", name)
	}
	if err := b.Node("send", name, nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	schema, err := b.Schema()
	if err != nil {
		t.Fatal(err)
	}
	s, err := schema.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	atom, err := s.NodeAtomic(0)
	if err != nil || atom == nil {
		t.Fatalf("NodeAtomic: %v", err)
	}
	dist := random.NewSeeded(5, nil)
	for i := 0; i < 50; i++ {
		data := atom.Generate(dist, 256)
		var h header
		n, err := spec.DecodeInto(data, &h)
		if err != nil {
			t.Fatalf("DecodeInto: %v", err)
		}
		if n != len(data) {
			t.Errorf("consumed %d of %d bytes", n, len(data))
		}
		if h.Kind != 1 && h.Kind != 2 && h.Kind != 4 {
			t.Errorf("kind %d not from options", h.Kind)
		}
		if len(h.Body) > 16 {
			t.Errorf("body has %d bytes", len(h.Body))
		}
	}
}

func limits(lo, hi, align uint64) domains.IntGenerator {
	return domains.IntGenerator{Kind: domains.Limits, Range: domains.Range{Min: lo, Max: hi}, Align: align}
}
