package queue

import (
	"time"

	"alma.local/specfuzz/feedback"
	"alma.local/specfuzz/graph"
	"alma.local/specfuzz/mutator"
	"alma.local/specfuzz/primitive"
)

// InputID indexes Queue inputs.
type InputID int

// InvalidInputID marks an input that was not added to a queue yet.
const InvalidInputID InputID = -1

// InputState tells what a worker still has to do with an input.
type InputState uint8

const (
	StateMinimize InputState = iota
	StateHavoc
)

// Input is one kept test case together with the run that kept it.
type Input struct {
	ID             InputID
	Data           *graph.VecGraph
	Bitmap         *Bitmap
	Exit           feedback.ExitReason
	OpsUsed        int
	Time           time.Duration
	StorageReasons []StorageReason
	FoundBy        mutator.StrategyKind
	State          InputState
	Dict           *primitive.CustomDict

	// ParentSnapshotPosition is the snapshot cut the parent was mutated at.
	ParentSnapshotPosition int
	ParentID               InputID
}

func NewInput(data *graph.VecGraph, foundBy mutator.StrategyKind, reasons []StorageReason, bitmap *Bitmap, exit feedback.ExitReason, opsUsed int, took time.Duration) *Input {
	return &Input{
		ID:             InvalidInputID,
		Data:           data,
		Bitmap:         bitmap,
		Exit:           exit,
		OpsUsed:        opsUsed,
		Time:           took,
		StorageReasons: reasons,
		FoundBy:        foundBy,
		State:          StateMinimize,
		Dict:           primitive.NewCustomDict(),
		ParentID:       InvalidInputID,
	}
}

// NewBytes counts the reasons that hit a slot for the first time.
func (in *Input) NewBytes() int {
	n := 0
	for _, r := range in.StorageReasons {
		if r.HasNewByte() {
			n++
		}
	}
	return n
}

// Clone copies the input; Data and Bitmap are shared.
func (in *Input) Clone() *Input {
	c := *in
	c.StorageReasons = append([]StorageReason(nil), in.StorageReasons...)
	return &c
}
