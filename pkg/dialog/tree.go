package dialog

// BranchIndex maps a parent ID to the ordered list of its children's
// IDs. The zero key (RootID) holds the dialog roots.
//
// The index is derived on every read from the flat node collection; it
// is never persisted or incrementally maintained.
type BranchIndex map[NodeID][]NodeID

// BuildBranchIndex groups nodes by ParentID in a single pass,
// preserving the collection's iteration order within each group.
//
// No validation happens here: orphaned or malformed nodes end up in a
// group whose parent is never visited by the resolver, so they simply
// drop out of any resolved path. Callers are responsible for keeping
// the collection well-formed.
func BuildBranchIndex(nodes []*MessageNode) BranchIndex {
	index := make(BranchIndex, len(nodes))
	for _, node := range nodes {
		index[node.ParentID] = append(index[node.ParentID], node.ID)
	}
	return index
}

// NodesByID builds the ID lookup map the resolver walks alongside the
// branch index.
func NodesByID(nodes []*MessageNode) map[NodeID]*MessageNode {
	byID := make(map[NodeID]*MessageNode, len(nodes))
	for _, node := range nodes {
		byID[node.ID] = node
	}
	return byID
}
