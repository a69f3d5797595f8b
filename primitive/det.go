package primitive

import "fmt"

// DetOp is one of the fixed single byte perturbations used by calibration.
type DetOp int

const (
	NoMutation DetOp = iota
	FullBitFlip
	LowestBitFlip
	Addition
	Subtraction
)

// CalibrationOps is the order in which calibration applies the perturbations
// to every offset.
var CalibrationOps = []DetOp{LowestBitFlip, FullBitFlip, Addition, Subtraction}

// String returns the label used in calibration reports.
func (op DetOp) String() string {
	switch op {
	case NoMutation:
		return "None"
	case FullBitFlip:
		return "FBF"
	case LowestBitFlip:
		return "LBF"
	case Addition:
		return "ADD"
	case Subtraction:
		return "SUB"
	}
	return fmt.Sprintf("DetOp(%d)", int(op))
}

// Transform returns the perturbed value of a single byte.
func (op DetOp) Transform(v uint8) uint8 {
	switch op {
	case FullBitFlip:
		return v ^ 0xff
	case LowestBitFlip:
		return v ^ 0x01
	case Addition:
		return v + 0x10
	case Subtraction:
		return v - 0x10
	}
	return v
}

// At builds the mutation for offset in buff.
func (op DetOp) At(buff *DataBuff, offset int) (Mutation, error) {
	if offset < 0 || offset >= buff.Len() {
		return nil, fmt.Errorf("primitive: offset %d out of bounds (buffer length %d)", offset, buff.Len())
	}
	return OverwriteFixed{
		Block: Block{Start: offset, End: offset + 1},
		Val:   op.Transform(buff.ReadU8(offset)),
	}, nil
}
