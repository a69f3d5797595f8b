package spec

import "github.com/pkg/errors"

// NodeTypeID indexes GraphSpec.Nodes and is the op code of a node tag.
type NodeTypeID uint16

// ValueTypeID indexes GraphSpec.Values.
type ValueTypeID uint16

// AtomicTypeID indexes GraphSpec.Atomics.
type AtomicTypeID int

// ConnectorID names one operand of a value type inside a single graph.
// Zero is never handed out.
type ConnectorID uint16

func (c ConnectorID) Next() ConnectorID { return c + 1 }

var (
	ErrInvalidSpecs      = errors.New("spec: no node type can be generated")
	ErrUnknownNodeType   = errors.New("spec: unknown node type")
	ErrUnknownValueType  = errors.New("spec: unknown value type")
	ErrUnknownDataType   = errors.New("spec: unknown data type")
	ErrMalformedSchema   = errors.New("spec: malformed schema")
	ErrSnapshotNodeShape = errors.New("spec: snapshot node must not have operands or data")
)
