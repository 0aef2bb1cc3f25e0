package sync

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tangramdotdev/tangram/common/types"
)

func TestGraphPropagatesFromCompleteAncestor(t *testing.T) {
	g := NewGraph()
	root := types.NewProcessID()
	child := types.NewProcessID()
	grandchild := types.NewProcessID()

	complete := types.ProcessStored{Subtree: true}
	_, resolved := g.UpdateProcess(root, nil, &complete)
	require.True(t, resolved.Subtree)

	rootID := types.ProcessToID(root)
	_, resolved = g.UpdateProcess(child, &rootID, nil)
	require.True(t, resolved.Subtree, "child below a complete subtree is complete")
	require.True(t, resolved.NodeOutput, "subtree completeness implies every facet")

	childID := types.ProcessToID(child)
	_, resolved = g.UpdateProcess(grandchild, &childID, nil)
	require.True(t, resolved.Subtree)
}

func TestGraphCompletenessIsMonotonic(t *testing.T) {
	g := NewGraph()
	id := types.NewProcessID()

	stored := types.ProcessStored{SubtreeOutput: true}
	_, resolved := g.UpdateProcess(id, nil, &stored)
	require.True(t, resolved.SubtreeOutput)

	// Re-applying an empty fact must not clear anything.
	_, resolved = g.UpdateProcess(id, nil, &types.ProcessStored{})
	require.True(t, resolved.SubtreeOutput)
	require.True(t, resolved.NodeOutput)
}

func TestGraphInsertedReporting(t *testing.T) {
	g := NewGraph()
	id := types.NewProcessID()

	inserted, _ := g.UpdateProcess(id, nil, nil)
	require.True(t, inserted)
	inserted, _ = g.UpdateProcess(id, nil, nil)
	require.False(t, inserted)
	require.Equal(t, 1, g.Len())
}

func TestGraphCycleTerminates(t *testing.T) {
	g := NewGraph()
	a := types.CalcObjectID([]byte("a"))
	b := types.CalcObjectID([]byte("b"))
	aID := types.ObjectToID(a)
	bID := types.ObjectToID(b)

	g.UpdateObject(a, &bID, FacetAll, nil)
	g.UpdateObject(b, &aID, FacetAll, nil)

	// The search must terminate on the cycle and resolve nothing.
	_, resolved := g.UpdateObject(a, nil, FacetAll, nil)
	require.False(t, resolved.Subtree)

	// Completeness learned on one cycle member still reaches the other.
	stored := types.ObjectStored{Subtree: true}
	g.UpdateObject(b, nil, FacetAll, &stored)
	_, resolved = g.UpdateObject(a, nil, FacetAll, nil)
	require.True(t, resolved.Subtree)
}

func TestGraphFacetsAreIndependent(t *testing.T) {
	g := NewGraph()
	proc := types.NewProcessID()
	obj := types.CalcObjectID([]byte("artifact"))
	procID := types.ProcessToID(proc)

	stored := types.ProcessStored{SubtreeCommand: true}
	g.UpdateProcess(proc, nil, &stored)

	// The command facet covers the object, the output facet does not.
	_, resolved := g.UpdateObject(obj, &procID, FacetOutput, nil)
	require.False(t, resolved.Subtree)
	_, resolved = g.UpdateObject(obj, &procID, FacetCommand, nil)
	require.True(t, resolved.Subtree)
}

func TestGraphObjectChainPropagation(t *testing.T) {
	g := NewGraph()
	parent := types.CalcObjectID([]byte("parent"))
	child := types.CalcObjectID([]byte("child"))
	parentID := types.ObjectToID(parent)

	stored := types.ObjectStored{Subtree: true}
	g.UpdateObject(parent, nil, FacetAll, &stored)
	_, resolved := g.UpdateObject(child, &parentID, FacetAll, nil)
	require.True(t, resolved.Subtree)
}

func TestGraphSetChildrenKnownOnce(t *testing.T) {
	g := NewGraph()
	id := types.ObjectToID(types.CalcObjectID([]byte("x")))
	require.True(t, g.SetChildrenKnown(id))
	require.False(t, g.SetChildrenKnown(id))
}
