package dialog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userNode(text string, parentID NodeID, active bool) *MessageNode {
	return NewUserNode(text, WithParentID(parentID), WithActive(active))
}

func TestBuildBranchIndexPreservesOrder(t *testing.T) {
	root := userNode("root", RootID, true)
	a := userNode("a", root.ID, false)
	b := userNode("b", root.ID, false)
	c := userNode("c", root.ID, true)

	index := BuildBranchIndex([]*MessageNode{root, a, b, c})

	require.Len(t, index[root.ID], 3)
	assert.Equal(t, []NodeID{a.ID, b.ID, c.ID}, index[root.ID])
	assert.Equal(t, []NodeID{root.ID}, index[RootID])
}

func TestResolveActivePathPrefersActiveSibling(t *testing.T) {
	// Scenario A: root(active), A(active), B(inactive) => [root, A]
	root := userNode("root", RootID, true)
	a := userNode("A", root.ID, true)
	b := userNode("B", root.ID, false)

	nodes := []*MessageNode{root, a, b}
	path := ResolveActivePath(RootID, NodesByID(nodes), BuildBranchIndex(nodes))

	require.Len(t, path, 2)
	assert.Equal(t, root.ID, path[0].Node.ID)
	assert.Equal(t, a.ID, path[1].Node.ID)
	assert.Equal(t, 0, path[1].Index)
	assert.Equal(t, []NodeID{a.ID, b.ID}, path[1].SiblingIDs)
}

func TestResolveActivePathTwoRoots(t *testing.T) {
	// Scenario B: two roots, the active one wins.
	root := userNode("root", RootID, false)
	x := userNode("X", RootID, true)

	nodes := []*MessageNode{root, x}
	path := ResolveActivePath(RootID, NodesByID(nodes), BuildBranchIndex(nodes))

	require.Len(t, path, 1)
	assert.Equal(t, x.ID, path[0].Node.ID)
	assert.Equal(t, 1, path[0].Index)
}

func TestResolveActivePathDefaultsToFirstChild(t *testing.T) {
	// Scenario C: no active sibling among three => index 0.
	root := userNode("root", RootID, true)
	a := userNode("a", root.ID, false)
	b := userNode("b", root.ID, false)
	c := userNode("c", root.ID, false)

	nodes := []*MessageNode{root, a, b, c}
	path := ResolveActivePath(RootID, NodesByID(nodes), BuildBranchIndex(nodes))

	require.Len(t, path, 2)
	assert.Equal(t, a.ID, path[1].Node.ID)
	assert.Equal(t, 0, path[1].Index)
}

func TestResolveActivePathTerminatesOnCycle(t *testing.T) {
	// Malformed collection with a two-node parent cycle. Resolution
	// starting inside the cycle must visit each node at most once and
	// terminate instead of looping forever.
	a := NewUserNode("a", WithActive(true))
	b := NewUserNode("b", WithActive(true))
	a.ParentID = b.ID
	b.ParentID = a.ID

	nodes := []*MessageNode{a, b}
	byID := NodesByID(nodes)
	index := BuildBranchIndex(nodes)

	path := ResolveActivePath(a.ID, byID, index)
	seen := map[NodeID]bool{}
	for _, entry := range path {
		require.False(t, seen[entry.Node.ID], "node visited twice")
		seen[entry.Node.ID] = true
	}
	require.LessOrEqual(t, len(path), 2)
}

func TestResolveActivePathIdempotent(t *testing.T) {
	root := userNode("root", RootID, true)
	a := userNode("a", root.ID, false)
	b := userNode("b", root.ID, true)
	c := userNode("c", b.ID, true)

	nodes := []*MessageNode{root, a, b, c}
	byID := NodesByID(nodes)
	index := BuildBranchIndex(nodes)

	first := ResolveActivePath(RootID, byID, index)
	second := ResolveActivePath(RootID, byID, index)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Node.ID, second[i].Node.ID)
		assert.Equal(t, first[i].Index, second[i].Index)
	}
}

func TestResolveActivePathDeepDialog(t *testing.T) {
	nodes := make([]*MessageNode, 0, 5000)
	parent := RootID
	for i := 0; i < 5000; i++ {
		node := userNode("turn", parent, true)
		nodes = append(nodes, node)
		parent = node.ID
	}

	path := ResolveActivePath(RootID, NodesByID(nodes), BuildBranchIndex(nodes))
	require.Len(t, path, 5000)
}

func TestRouteRoundTrip(t *testing.T) {
	root := userNode("root", RootID, true)
	a := userNode("a", root.ID, false)
	b := userNode("b", root.ID, true)
	c := userNode("c", b.ID, true)

	nodes := []*MessageNode{root, a, b, c}
	byID := NodesByID(nodes)
	index := BuildBranchIndex(nodes)

	path := ResolveActivePath(RootID, byID, index)
	route := RouteFromPath(path)
	assert.Equal(t, []int{0, 1, 0}, route)

	replayed, err := PathFromRoute(RootID, route, byID, index)
	require.NoError(t, err)
	require.Len(t, replayed, len(path))
	for i := range path {
		assert.Equal(t, path[i].Node.ID, replayed[i].Node.ID)
	}
}

func TestPathFromRouteFailsOnStaleRoute(t *testing.T) {
	root := userNode("root", RootID, true)
	a := userNode("a", root.ID, true)

	nodes := []*MessageNode{root, a}
	_, err := PathFromRoute(RootID, []int{0, 5}, NodesByID(nodes), BuildBranchIndex(nodes))
	require.Error(t, err)
}

func TestApplyRouteRewritesFlags(t *testing.T) {
	root := userNode("root", RootID, true)
	a := userNode("a", root.ID, true)
	b := userNode("b", root.ID, false)

	nodes := []*MessageNode{root, a, b}
	byID := NodesByID(nodes)
	index := BuildBranchIndex(nodes)

	require.NoError(t, ApplyRoute(RootID, []int{0, 1}, byID, index))
	assert.False(t, a.Active)
	assert.True(t, b.Active)

	path := ResolveActivePath(RootID, byID, index)
	require.Len(t, path, 2)
	assert.Equal(t, b.ID, path[1].Node.ID)
}
