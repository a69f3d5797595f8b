package builder

import (
	"fmt"
	"sort"
	"strings"

	"alma.local/specfuzz/random"
	"alma.local/specfuzz/spec"
)

// valueState tracks the operands of one value type while a graph is
// built: which ids are still available and how ids of the source graph
// were renamed.
type valueState struct {
	curID    uint16
	sampling []uint16
	index    map[uint16]int
	newToOld map[uint16]uint16
	oldToNew map[uint16]uint16
}

func newValueState() *valueState {
	return &valueState{
		index:    map[uint16]int{},
		newToOld: map[uint16]uint16{},
		oldToNew: map[uint16]uint16{},
	}
}

func (s *valueState) numAvailable() int { return len(s.sampling) }

func (s *valueState) clear() {
	s.curID = 0
	s.sampling = s.sampling[:0]
	s.index = map[uint16]int{}
	s.newToOld = map[uint16]uint16{}
	s.oldToNew = map[uint16]uint16{}
}

func (s *valueState) clone() *valueState {
	out := &valueState{
		curID:    s.curID,
		sampling: append([]uint16(nil), s.sampling...),
		index:    make(map[uint16]int, len(s.index)),
		newToOld: make(map[uint16]uint16, len(s.newToOld)),
		oldToNew: make(map[uint16]uint16, len(s.oldToNew)),
	}
	for k, v := range s.index {
		out.index[k] = v
	}
	for k, v := range s.newToOld {
		out.newToOld[k] = v
	}
	for k, v := range s.oldToNew {
		out.oldToNew[k] = v
	}
	return out
}

// insertNew hands out the next id. Ids start at 1.
func (s *valueState) insertNew() uint16 {
	s.curID++
	id := s.curID
	s.sampling = append(s.sampling, id)
	s.index[id] = len(s.sampling) - 1
	return id
}

func (s *valueState) insertOld(old uint16) uint16 {
	id := s.insertNew()
	s.newToOld[id] = old
	s.oldToNew[old] = id
	return id
}

// take consumes an available id.
func (s *valueState) take(id uint16) uint16 {
	i, ok := s.index[id]
	if !ok {
		panic(fmt.Sprintf("builder: operand %d is not available", id))
	}
	delete(s.index, id)
	last := len(s.sampling) - 1
	s.sampling[i] = s.sampling[last]
	s.sampling = s.sampling[:last]
	if i < len(s.sampling) {
		s.index[s.sampling[i]] = i
	}
	if old, ok := s.newToOld[id]; ok {
		delete(s.newToOld, id)
		delete(s.oldToNew, old)
	}
	return id
}

func (s *valueState) random(dist *random.Distributions) uint16 {
	if len(s.sampling) == 0 {
		panic("builder: no operand available")
	}
	return s.sampling[dist.GenRange(0, len(s.sampling))]
}

func (s *valueState) takeRandom(dist *random.Distributions) uint16 {
	return s.take(s.random(dist))
}

// oldAvailable is the renamed id of old, or a random available id when
// old was not renamed or was consumed already.
func (s *valueState) oldAvailable(old uint16, dist *random.Distributions) uint16 {
	if id, ok := s.oldToNew[old]; ok {
		return id
	}
	return s.random(dist)
}

func (s *valueState) takeOldAvailable(old uint16, dist *random.Distributions) uint16 {
	return s.take(s.oldAvailable(old, dist))
}

// GraphState is the renaming and availability table of a graph under
// construction. A copy taken at a cut point lets construction resume
// there.
type GraphState struct {
	values map[spec.ValueTypeID]*valueState
}

func NewGraphState() *GraphState {
	return &GraphState{values: map[spec.ValueTypeID]*valueState{}}
}

func (g *GraphState) state(vt spec.ValueTypeID) *valueState {
	s, ok := g.values[vt]
	if !ok {
		s = newValueState()
		g.values[vt] = s
	}
	return s
}

func (g *GraphState) Clear() {
	for _, s := range g.values {
		s.clear()
	}
}

// Clone returns a deep copy.
func (g *GraphState) Clone() *GraphState {
	out := NewGraphState()
	for vt, s := range g.values {
		out.values[vt] = s.clone()
	}
	return out
}

// Available is the number of unconsumed operands of vt.
func (g *GraphState) Available(vt spec.ValueTypeID) int {
	if s, ok := g.values[vt]; ok {
		return s.numAvailable()
	}
	return 0
}

// IsAvailable reports whether enough operands exist to append node type n.
func (g *GraphState) IsAvailable(sp *spec.GraphSpec, n spec.NodeTypeID) bool {
	ns, err := sp.Node(n)
	if err != nil {
		return false
	}
	for vt, cnt := range ns.RequiredValues {
		if g.Available(vt) < cnt {
			return false
		}
	}
	return true
}

// Info lists the available operand count per value type.
func (g *GraphState) Info(sp *spec.GraphSpec) string {
	vts := make([]int, 0, len(g.values))
	for vt := range g.values {
		vts = append(vts, int(vt))
	}
	sort.Ints(vts)
	var b strings.Builder
	for _, vt := range vts {
		name := fmt.Sprintf("#%d", vt)
		if v, err := sp.Value(spec.ValueTypeID(vt)); err == nil {
			name = v.Name
		}
		fmt.Fprintf(&b, "%s: %d\n", name, g.values[spec.ValueTypeID(vt)].numAvailable())
	}
	return b.String()
}
