package dialog

import (
	"github.com/pkg/errors"
)

// The legacy encoding stored the active path as an index vector
// (msg_route) next to the parent/children adjacency map instead of
// per-node Active flags. Both encodings still appear in persisted
// dialogs and must resolve to the same logical path; the per-node
// flags are authoritative when the two disagree, and the route is
// treated as a derived cache.

// RouteFromPath derives the legacy index vector from a resolved path.
func RouteFromPath(path Path) []int {
	route := make([]int, 0, len(path))
	for _, entry := range path {
		route = append(route, entry.Index)
	}
	return route
}

// PathFromRoute replays a legacy route vector against the branch
// index, returning the path it selects. The walk stops early if the
// route points past the end of a sibling list or at an unknown node,
// which happens when the route cache is stale relative to the tree.
func PathFromRoute(rootID NodeID, route []int, nodesByID map[NodeID]*MessageNode, index BranchIndex) (Path, error) {
	var path Path

	current := rootID
	for depth, chosen := range route {
		siblingIDs, ok := index[current]
		if !ok || len(siblingIDs) == 0 {
			return path, errors.Errorf("route longer than tree at depth %d", depth)
		}
		if chosen < 0 || chosen >= len(siblingIDs) {
			return path, errors.Errorf("route index %d out of range [0,%d) at depth %d", chosen, len(siblingIDs), depth)
		}
		node, exists := nodesByID[siblingIDs[chosen]]
		if !exists {
			return path, errors.Errorf("route selects unknown node at depth %d", depth)
		}
		path = append(path, PathEntry{
			Node:       node,
			Index:      chosen,
			SiblingIDs: siblingIDs,
		})
		current = node.ID
	}

	return path, nil
}

// ApplyRoute rewrites per-node Active flags so that the flag encoding
// selects the same path as the given route. Used when migrating
// legacy dialogs to the canonical encoding.
func ApplyRoute(rootID NodeID, route []int, nodesByID map[NodeID]*MessageNode, index BranchIndex) error {
	path, err := PathFromRoute(rootID, route, nodesByID, index)
	if err != nil {
		return err
	}
	for _, entry := range path {
		for _, id := range entry.SiblingIDs {
			if node, ok := nodesByID[id]; ok {
				node.Active = node.ID == entry.Node.ID
			}
		}
	}
	return nil
}
