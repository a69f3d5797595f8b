package mutator

import (
	"sort"

	"alma.local/specfuzz/random"
)

// StrategyKind is the high level mutation applied to a graph.
type StrategyKind int

const (
	GenerateTail StrategyKind = iota
	SpliceRandom
	Splice
	DataOnly
	Generate
	Repeat
	Minimize
	MinimizeSplit
	Import
	SeedImport
)

var strategyNames = [...]string{
	GenerateTail:  "generate_tail",
	SpliceRandom:  "splice_random",
	Splice:        "splice",
	DataOnly:      "data_only",
	Generate:      "generate",
	Repeat:        "repeat",
	Minimize:      "minimize",
	MinimizeSplit: "minimize_split",
	Import:        "import",
	SeedImport:    "seed_import",
}

func (k StrategyKind) String() string {
	if k < 0 || int(k) >= len(strategyNames) {
		return "unknown"
	}
	return strategyNames[k]
}

// TailArgs drops the last DropLast nodes and appends Generate random ones.
type TailArgs struct {
	DropLast int
	Generate int
}

// Strategy is a chosen mutation with its parameters.
type Strategy struct {
	Kind StrategyKind
	Tail TailArgs
}

func (s Strategy) Name() string { return s.Kind.String() }

// NodeMutation is what SpliceRandom does with a single node.
type NodeMutation int

const (
	CopyNode NodeMutation = iota
	MutateNodeData
	DropNode
	SkipAndGenerate
)

var nodeMutations = random.NewChoices(
	[]int{10, 4, 1, 1},
	[]NodeMutation{CopyNode, MutateNodeData, DropNode, SkipAndGenerate},
)

func genNodeMutation(dist *random.Distributions) NodeMutation {
	return nodeMutations.Sample(dist)
}

// GenStrategy draws a strategy for a source of oldSize nodes after the
// snapshot: tail 1, splice 2, random splice 1, data only 9 and repeat 2
// out of 15.
func GenStrategy(dist *random.Distributions, oldSize int) Strategy {
	switch r := dist.GenRange(0, 15); {
	case r == 0:
		return Strategy{Kind: GenerateTail, Tail: GenTail(dist, oldSize)}
	case r <= 2:
		return Strategy{Kind: Splice}
	case r == 3:
		return Strategy{Kind: SpliceRandom}
	case r <= 12:
		return Strategy{Kind: DataOnly}
	default:
		return Strategy{Kind: Repeat}
	}
}

// GenTail drops between 1% and 32% of the nodes and generates a block
// sized amount of new ones, topping short results up by 16.
func GenTail(dist *random.Distributions, oldSize int) TailArgs {
	drop := dist.GenChangePercentage() * oldSize / 100
	block := dist.GenBlockSize()
	gen := dist.GenRange(block.Min, block.Max)
	if drop >= oldSize {
		drop = 0
	}
	if gen+oldSize-drop < 16 && dist.GenRange(0, 100) < 98 {
		gen += 16
	}
	return TailArgs{DropLast: drop, Generate: gen}
}

// pickSplicePoints returns sorted, distinct node indices below n.
func pickSplicePoints(n int, dist *random.Distributions) []int {
	var num int
	switch {
	case n <= 0:
		return nil
	case n <= 3:
		num = dist.GenRange(1, 3)
	case n <= 15:
		num = dist.GenRange(1, 5)
	default:
		num = dist.GenRange(4, 16)
	}
	pts := make([]int, num)
	for i := range pts {
		pts[i] = dist.GenRange(0, n)
	}
	sort.Ints(pts)
	out := pts[:0]
	for _, p := range pts {
		if len(out) == 0 || p != out[len(out)-1] {
			out = append(out, p)
		}
	}
	return out
}
