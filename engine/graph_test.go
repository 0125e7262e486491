package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cellNode(row, col int) DepNode {
	return DepNode{Kind: NodeCell, Cell: CellAddr{Workbook: "W1", Sheet: "Sheet1", Row: row, Col: col}}
}

// TestTopoSortOrdersPrecedentsFirst builds A1 <- B1 <- C1 (B1 reads A1,
// C1 reads B1) and checks TopoSort never places a dependent before one
// of its precedents.
func TestTopoSortOrdersPrecedentsFirst(t *testing.T) {
	g := NewGraph()
	a, b, c := cellNode(0, 0), cellNode(0, 1), cellNode(0, 2)
	g.AddEdge(b, a)
	g.AddEdge(c, b)

	subset := map[string]struct{}{a.Encode(): {}, b.Encode(): {}, c.Encode(): {}}
	order, err := g.TopoSort(subset)
	require.NoError(t, err)
	require.Len(t, order, 3)

	pos := make(map[string]int, len(order))
	for i, k := range order {
		pos[k] = i
	}
	assert.Less(t, pos[a.Encode()], pos[b.Encode()])
	assert.Less(t, pos[b.Encode()], pos[c.Encode()])
}

// TestTopoSortDetectsCycle: A1 reads B1 and B1 reads A1.
func TestTopoSortDetectsCycle(t *testing.T) {
	g := NewGraph()
	a, b := cellNode(0, 0), cellNode(0, 1)
	g.AddEdge(a, b)
	g.AddEdge(b, a)

	subset := map[string]struct{}{a.Encode(): {}, b.Encode(): {}}
	_, err := g.TopoSort(subset)
	require.Error(t, err)

	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Contains(t, cycleErr.Cycle, a.Encode())
	assert.Contains(t, cycleErr.Cycle, b.Encode())
}

// TestTopoSortPartialCycleReportsOnlyCycleMembers: D1 depends on a
// cyclic pair A1<->B1. D1 is not part of the cycle, so it is not
// reported in it; reading a cycle member, it cannot be ordered either.
func TestTopoSortPartialCycleReportsOnlyCycleMembers(t *testing.T) {
	g := NewGraph()
	a, b, d := cellNode(0, 0), cellNode(0, 1), cellNode(0, 3)
	g.AddEdge(a, b)
	g.AddEdge(b, a)
	g.AddEdge(d, a)

	subset := map[string]struct{}{a.Encode(): {}, b.Encode(): {}, d.Encode(): {}}
	order, err := g.TopoSort(subset)
	require.Error(t, err)

	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Contains(t, cycleErr.Cycle, a.Encode())
	assert.Contains(t, cycleErr.Cycle, b.Encode())
	assert.NotContains(t, cycleErr.Cycle, d.Encode())
	assert.NotContains(t, order, d.Encode(), "D1 has an unresolved precedent so it cannot be ordered")
}

// TestTransitiveDependentsFollowsChain: A1 <- B1 <- C1, plus an
// unrelated D1 that reads nothing of this chain.
func TestTransitiveDependentsFollowsChain(t *testing.T) {
	g := NewGraph()
	a, b, c, d := cellNode(0, 0), cellNode(0, 1), cellNode(0, 2), cellNode(0, 3)
	g.AddEdge(b, a)
	g.AddEdge(c, b)
	_ = d

	deps := g.TransitiveDependents(a)
	assert.Contains(t, deps, b.Encode())
	assert.Contains(t, deps, c.Encode())
	assert.NotContains(t, deps, d.Encode())
	assert.NotContains(t, deps, a.Encode(), "a node is not its own dependent")
}

// TestClearPrecedentsRemovesStaleEdges mirrors re-evaluating a formula
// that stopped referencing a cell: after ClearPrecedents, the old
// precedent must no longer report the dependent.
func TestClearPrecedentsRemovesStaleEdges(t *testing.T) {
	g := NewGraph()
	a, b := cellNode(0, 0), cellNode(0, 1)
	g.AddEdge(b, a)
	require.Contains(t, g.TransitiveDependents(a), b.Encode())

	g.ClearPrecedents(b)
	assert.NotContains(t, g.TransitiveDependents(a), b.Encode())
}

// TestRemoveNodeDropsBothDirections checks RemoveNode severs edges
// where the node is a precedent and where it is a dependent.
func TestRemoveNodeDropsBothDirections(t *testing.T) {
	g := NewGraph()
	a, b, c := cellNode(0, 0), cellNode(0, 1), cellNode(0, 2)
	g.AddEdge(b, a) // b reads a
	g.AddEdge(c, b) // c reads b

	g.RemoveNode(b)
	assert.False(t, g.HasNode(b))
	assert.NotContains(t, g.TransitiveDependents(a), b.Encode())
	assert.NotContains(t, g.DirectDependents(b), c.Encode())
}

func TestRangeLikeKeysInBucket(t *testing.T) {
	g := NewGraph()
	dependent := cellNode(0, 5)
	rng := DepNode{Kind: NodeRange, Range: RangeAddr{
		Workbook: "W1", Sheet: "Sheet1",
		StartRow: 0, StartCol: 0, EndRow: FiniteBound(4), EndCol: FiniteBound(0),
	}}
	g.AddEdge(dependent, rng)

	keys := g.RangeLikeKeysInBucket("W1", "Sheet1")
	require.Len(t, keys, 1)
	assert.Equal(t, rng.Encode(), keys[0])

	g.RemoveEdge(dependent, rng)
	assert.Empty(t, g.RangeLikeKeysInBucket("W1", "Sheet1"))
}
