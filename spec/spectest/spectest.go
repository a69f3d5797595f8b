// Package spectest provides small graph specs for tests of the packages
// that build, store and mutate graphs.
package spectest

import (
	"alma.local/specfuzz/spec"
)

// Producer builds a spec with node "A" that creates a u32 value and node
// "B" that consumes one.
func Producer() *spec.GraphSpec {
	b := spec.NewSchemaBuilder()
	mustNode(b.Node("A", "", nil, nil, []string{"u32"}))
	mustNode(b.Node("B", "", []string{"u32"}, nil, nil))
	return mustBuild(b)
}

// Files builds a spec modelled after a file API:
//
//	open(flags) -> fd
//	write(fd&, bytes)
//	dup(fd&) -> fd
//	close(fd)
//	create_tmp_snapshot
func Files() *spec.GraphSpec {
	b := spec.NewSchemaBuilder()
	b.Atom(spec.NewIntAtom("flags", 4))
	b.Atom(spec.NewIntAtom("u8", 1))
	b.Atom(spec.NewVecAtom("bytes", 0, 32, 1))
	mustNode(b.Node("open", "flags", nil, nil, []string{"fd"}))
	mustNode(b.Node("write", "bytes", nil, []string{"fd"}, nil))
	mustNode(b.Node("dup", "", nil, []string{"fd"}, []string{"fd"}))
	mustNode(b.Node("close", "", []string{"fd"}, nil, nil))
	mustNode(b.Node(spec.SnapshotNodeName, "", nil, nil, nil))
	return mustBuild(b)
}

// Node returns the id of the node type called name.
func Node(s *spec.GraphSpec, name string) spec.NodeTypeID {
	for _, n := range s.Nodes {
		if n.Name == name {
			return n.ID
		}
	}
	panic("spectest: no node " + name)
}

func mustNode(err error) {
	if err != nil {
		panic(err)
	}
}

func mustBuild(b *spec.SchemaBuilder) *spec.GraphSpec {
	schema, err := b.Schema()
	if err != nil {
		panic(err)
	}
	s, err := schema.Build()
	if err != nil {
		panic(err)
	}
	return s
}
