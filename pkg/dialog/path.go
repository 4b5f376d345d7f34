package dialog

// PathEntry is one step of the resolved active path. Index and
// SiblingIDs carry enough information to render "alternative N of M"
// navigation without a second pass over the tree.
type PathEntry struct {
	Node       *MessageNode
	Index      int
	SiblingIDs []NodeID
}

// Path is the single linear sequence of nodes currently displayed.
type Path []PathEntry

// Nodes returns the path's nodes in order.
func (p Path) Nodes() []*MessageNode {
	nodes := make([]*MessageNode, 0, len(p))
	for _, entry := range p {
		nodes = append(nodes, entry.Node)
	}
	return nodes
}

// ResolveActivePath walks the branch index from rootID, selecting at
// each level the child flagged active, or the first child when none is
// flagged. The walk is iterative rather than recursive so dialogs
// thousands of turns deep stay within stack limits, and a visited set
// guards against cyclic parent chains in malformed collections.
//
// The resolution is deterministic: the same collection always yields
// the same path. Runs in linear time in the total node count.
func ResolveActivePath(rootID NodeID, nodesByID map[NodeID]*MessageNode, index BranchIndex) Path {
	var path Path
	visited := make(map[NodeID]bool)

	current := rootID
	for {
		siblingIDs, ok := index[current]
		if !ok || len(siblingIDs) == 0 {
			// No children: terminal case, the path stops extending.
			return path
		}

		chosen := 0
		for i, id := range siblingIDs {
			node, exists := nodesByID[id]
			if exists && node.Active {
				chosen = i
				break
			}
		}

		node, exists := nodesByID[siblingIDs[chosen]]
		if !exists || visited[node.ID] {
			return path
		}
		visited[node.ID] = true

		path = append(path, PathEntry{
			Node:       node,
			Index:      chosen,
			SiblingIDs: siblingIDs,
		})
		current = node.ID
	}
}
