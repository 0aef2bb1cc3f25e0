// Package sync implements bidirectional replication of the object and
// process graph between two stores. A session tracks every node it touches
// in an in-memory graph, infers completeness from already-known-complete
// ancestors, and drives bounded, batched transfers in both directions over
// one framed stream.
package sync

import (
	"slices"
	"sync"

	"github.com/tangramdotdev/tangram/common/types"
)

// Facet restricts which part of a process's artifacts an object belongs
// to. A completeness fact learned while replicating only commands must not
// mark an object complete for outputs, so object updates carry the facet
// they were discovered under.
type Facet uint8

const (
	// FacetAll covers the whole subtree.
	FacetAll Facet = iota
	// FacetCommand covers the command object subtree.
	FacetCommand
	// FacetOutput covers the output object subtree.
	FacetOutput
	// FacetLog covers the log object subtree.
	FacetLog
	// FacetError covers the error object subtree.
	FacetError
)

// node is one graph entry. Edges reference other nodes by dense index
// rather than by id, which keeps path walks cheap and makes cycles
// representable without recursive ownership.
type node struct {
	id types.ID

	// children is nil until the item's child set has been discovered,
	// and is set exactly once.
	children      []int
	childrenKnown bool

	// parents holds every node that referenced this one as a child.
	parents []int

	storedKnown bool
	process     types.ProcessStored
	object      types.ObjectStored
}

// Graph mirrors the nodes touched during one sync session. It is shared
// by the get and put directions of the session so completeness discovered
// in one direction prunes work in the other. Nodes are never removed and
// completeness bits only ever transition to true.
type Graph struct {
	mu    sync.Mutex
	index map[types.ID]int
	nodes []node
}

// NewGraph creates an empty session graph.
func NewGraph() *Graph {
	return &Graph{index: map[types.ID]int{}}
}

// Len returns the number of nodes inserted so far.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}

// lookup returns the node index for id, inserting a fresh node if needed.
func (g *Graph) lookup(id types.ID) (int, bool) {
	if i, ok := g.index[id]; ok {
		return i, false
	}
	i := len(g.nodes)
	g.nodes = append(g.nodes, node{id: id})
	g.index[id] = i
	return i, true
}

// link records parent -> child. Idempotent: duplicate edges are dropped.
func (g *Graph) link(parent, child int) {
	if !slices.Contains(g.nodes[child].parents, parent) {
		g.nodes[child].parents = append(g.nodes[child].parents, parent)
	}
	if !slices.Contains(g.nodes[parent].children, child) {
		g.nodes[parent].children = append(g.nodes[parent].children, child)
	}
}

// UpdateProcess looks up or inserts the node for id, optionally records a
// parent edge and merges newly learned completeness, then resolves the
// node's completeness against its ancestors. The returned stored value is
// the node's completeness after propagation.
func (g *Graph) UpdateProcess(id types.ProcessID, parent *types.ID, stored *types.ProcessStored) (inserted bool, resolved types.ProcessStored) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i, inserted := g.lookup(types.ProcessToID(id))
	if parent != nil {
		p, _ := g.lookup(*parent)
		g.link(p, i)
	}
	if stored != nil {
		g.nodes[i].process.Merge(*stored)
		g.nodes[i].storedKnown = true
	}
	g.propagateProcess(i)
	g.nodes[i].process = expandProcessStored(g.nodes[i].process)
	return inserted, g.nodes[i].process
}

// UpdateObject is the object counterpart of UpdateProcess. The facet
// restricts which ancestor completeness facts may cover this object.
func (g *Graph) UpdateObject(id types.ObjectID, parent *types.ID, facet Facet, stored *types.ObjectStored) (inserted bool, resolved types.ObjectStored) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i, inserted := g.lookup(types.ObjectToID(id))
	if parent != nil {
		p, _ := g.lookup(*parent)
		g.link(p, i)
	}
	if stored != nil {
		g.nodes[i].object.Merge(*stored)
		g.nodes[i].storedKnown = true
	}
	g.propagateObject(i, facet)
	return inserted, g.nodes[i].object
}

// SetChildrenKnown marks that the node's child set has been enumerated.
// Returns false if it already was, so callers enumerate exactly once.
func (g *Graph) SetChildrenKnown(id types.ID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	i, _ := g.lookup(id)
	if g.nodes[i].childrenKnown {
		return false
	}
	g.nodes[i].childrenKnown = true
	return true
}

// processFacetBit reads or writes one subtree facet of a process node.
type processFacetBit struct {
	get func(*types.ProcessStored) bool
	set func(*types.ProcessStored)
}

var processFacetBits = []processFacetBit{
	{func(s *types.ProcessStored) bool { return s.Subtree }, func(s *types.ProcessStored) { s.Subtree = true }},
	{func(s *types.ProcessStored) bool { return s.SubtreeCommand }, func(s *types.ProcessStored) { s.SubtreeCommand = true }},
	{func(s *types.ProcessStored) bool { return s.SubtreeError }, func(s *types.ProcessStored) { s.SubtreeError = true }},
	{func(s *types.ProcessStored) bool { return s.SubtreeLog }, func(s *types.ProcessStored) { s.SubtreeLog = true }},
	{func(s *types.ProcessStored) bool { return s.SubtreeOutput }, func(s *types.ProcessStored) { s.SubtreeOutput = true }},
}

// propagateProcess resolves each subtree facet of node i that is not yet
// known true by searching for an ancestor process that already has it.
// An ancestor whose subtree facet is true covers every node below it, so
// every node on the discovered path is marked as well.
func (g *Graph) propagateProcess(i int) {
	for _, bit := range processFacetBits {
		if bit.get(&g.nodes[i].process) {
			continue
		}
		path := g.searchAncestors(i, func(n *node) bool {
			return n.id.Kind == types.IDKindProcess && bit.get(&n.process)
		})
		for _, j := range path {
			if g.nodes[j].id.Kind == types.IDKindProcess {
				bit.set(&g.nodes[j].process)
				g.nodes[j].storedKnown = true
			}
		}
	}
}

// propagateObject resolves the subtree bit of object node i. A process
// ancestor covers it if the whole process subtree is present, or if the
// subtree restricted to the object's facet is.
func (g *Graph) propagateObject(i int, facet Facet) {
	if g.nodes[i].object.Subtree {
		return
	}
	path := g.searchAncestors(i, func(n *node) bool {
		switch n.id.Kind {
		case types.IDKindObject:
			return n.object.Subtree
		case types.IDKindProcess:
			return processCoversFacet(&n.process, facet)
		default:
			return false
		}
	})
	for _, j := range path {
		switch g.nodes[j].id.Kind {
		case types.IDKindObject:
			g.nodes[j].object.Subtree = true
			g.nodes[j].storedKnown = true
		case types.IDKindProcess:
			// An intermediate process below a covering ancestor is
			// covered for the same facet.
			markProcessFacet(&g.nodes[j].process, facet)
			g.nodes[j].storedKnown = true
		}
	}
}

func processCoversFacet(s *types.ProcessStored, facet Facet) bool {
	if s.Subtree {
		return true
	}
	switch facet {
	case FacetCommand:
		return s.SubtreeCommand
	case FacetOutput:
		return s.SubtreeOutput
	case FacetLog:
		return s.SubtreeLog
	case FacetError:
		return s.SubtreeError
	default:
		return false
	}
}

func markProcessFacet(s *types.ProcessStored, facet Facet) {
	switch facet {
	case FacetCommand:
		s.SubtreeCommand = true
	case FacetOutput:
		s.SubtreeOutput = true
	case FacetLog:
		s.SubtreeLog = true
	case FacetError:
		s.SubtreeError = true
	default:
		s.Subtree = true
	}
}

// searchAncestors walks upward from start through parent edges looking for
// a node satisfying covered. The walk keeps a stack of acyclic paths; a
// path is never extended through an index it already contains, which makes
// the search terminate even though the graph may contain cycles. On a hit
// the path from start up to (but excluding) the covering ancestor is
// returned; otherwise nil.
func (g *Graph) searchAncestors(start int, covered func(*node) bool) []int {
	stack := [][]int{{start}}
	for len(stack) > 0 {
		path := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		tip := path[len(path)-1]
		for _, parent := range g.nodes[tip].parents {
			if slices.Contains(path, parent) {
				continue
			}
			if covered(&g.nodes[parent]) {
				return path
			}
			next := make([]int, len(path), len(path)+1)
			copy(next, path)
			stack = append(stack, append(next, parent))
		}
	}
	return nil
}

// expandProcessStored fills in bits implied by stronger ones: the full
// subtree covers every facet, and a facet's subtree covers the node's own
// part of that facet.
func expandProcessStored(s types.ProcessStored) types.ProcessStored {
	if s.Subtree {
		s.SubtreeCommand = true
		s.SubtreeError = true
		s.SubtreeLog = true
		s.SubtreeOutput = true
	}
	if s.SubtreeCommand {
		s.NodeCommand = true
	}
	if s.SubtreeError {
		s.NodeError = true
	}
	if s.SubtreeLog {
		s.NodeLog = true
	}
	if s.SubtreeOutput {
		s.NodeOutput = true
	}
	return s
}
