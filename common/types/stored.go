package types

import (
	"github.com/spacemeshos/go-scale"
)

// ProcessStored records which parts of a process are fully present in the
// local store. The node_* bits cover the process's own command, error, log
// and output subtrees; the subtree* bits additionally cover every
// descendant process, restricted to the same facet. Facets are tracked
// independently so a caller may replicate only commands, only outputs, etc.
type ProcessStored struct {
	NodeCommand    bool
	NodeError      bool
	NodeLog        bool
	NodeOutput     bool
	Subtree        bool
	SubtreeCommand bool
	SubtreeError   bool
	SubtreeLog     bool
	SubtreeOutput  bool
}

// Merge ors other into s. Completeness never regresses, so merging is the
// only mutation.
func (s *ProcessStored) Merge(other ProcessStored) {
	s.NodeCommand = s.NodeCommand || other.NodeCommand
	s.NodeError = s.NodeError || other.NodeError
	s.NodeLog = s.NodeLog || other.NodeLog
	s.NodeOutput = s.NodeOutput || other.NodeOutput
	s.Subtree = s.Subtree || other.Subtree
	s.SubtreeCommand = s.SubtreeCommand || other.SubtreeCommand
	s.SubtreeError = s.SubtreeError || other.SubtreeError
	s.SubtreeLog = s.SubtreeLog || other.SubtreeLog
	s.SubtreeOutput = s.SubtreeOutput || other.SubtreeOutput
}

// Empty returns true if no completeness bit is set.
func (s ProcessStored) Empty() bool {
	return s == ProcessStored{}
}

const (
	processStoredNodeCommand uint16 = 1 << iota
	processStoredNodeError
	processStoredNodeLog
	processStoredNodeOutput
	processStoredSubtree
	processStoredSubtreeCommand
	processStoredSubtreeError
	processStoredSubtreeLog
	processStoredSubtreeOutput
)

func (s ProcessStored) pack() uint16 {
	var bits uint16
	set := func(on bool, bit uint16) {
		if on {
			bits |= bit
		}
	}
	set(s.NodeCommand, processStoredNodeCommand)
	set(s.NodeError, processStoredNodeError)
	set(s.NodeLog, processStoredNodeLog)
	set(s.NodeOutput, processStoredNodeOutput)
	set(s.Subtree, processStoredSubtree)
	set(s.SubtreeCommand, processStoredSubtreeCommand)
	set(s.SubtreeError, processStoredSubtreeError)
	set(s.SubtreeLog, processStoredSubtreeLog)
	set(s.SubtreeOutput, processStoredSubtreeOutput)
	return bits
}

func (s *ProcessStored) unpack(bits uint16) {
	s.NodeCommand = bits&processStoredNodeCommand != 0
	s.NodeError = bits&processStoredNodeError != 0
	s.NodeLog = bits&processStoredNodeLog != 0
	s.NodeOutput = bits&processStoredNodeOutput != 0
	s.Subtree = bits&processStoredSubtree != 0
	s.SubtreeCommand = bits&processStoredSubtreeCommand != 0
	s.SubtreeError = bits&processStoredSubtreeError != 0
	s.SubtreeLog = bits&processStoredSubtreeLog != 0
	s.SubtreeOutput = bits&processStoredSubtreeOutput != 0
}

// Bits returns the packed representation stored in the index.
func (s ProcessStored) Bits() uint16 { return s.pack() }

// ProcessStoredFromBits unpacks an index row value.
func ProcessStoredFromBits(bits uint16) ProcessStored {
	var s ProcessStored
	s.unpack(bits)
	return s
}

// EncodeScale implements scale codec interface.
func (s *ProcessStored) EncodeScale(enc *scale.Encoder) (int, error) {
	return scale.EncodeCompact16(enc, s.pack())
}

// DecodeScale implements scale codec interface.
func (s *ProcessStored) DecodeScale(dec *scale.Decoder) (int, error) {
	bits, n, err := scale.DecodeCompact16(dec)
	if err != nil {
		return n, err
	}
	s.unpack(bits)
	return n, nil
}

// ObjectStored records whether an object and everything it transitively
// references is fully present in the local store.
type ObjectStored struct {
	Subtree bool
}

// Merge ors other into s.
func (s *ObjectStored) Merge(other ObjectStored) {
	s.Subtree = s.Subtree || other.Subtree
}

// Empty returns true if no completeness bit is set.
func (s ObjectStored) Empty() bool {
	return s == ObjectStored{}
}

// EncodeScale implements scale codec interface.
func (s *ObjectStored) EncodeScale(enc *scale.Encoder) (int, error) {
	var bits uint16
	if s.Subtree {
		bits = 1
	}
	return scale.EncodeCompact16(enc, bits)
}

// DecodeScale implements scale codec interface.
func (s *ObjectStored) DecodeScale(dec *scale.Decoder) (int, error) {
	bits, n, err := scale.DecodeCompact16(dec)
	if err != nil {
		return n, err
	}
	s.Subtree = bits&1 != 0
	return n, nil
}
