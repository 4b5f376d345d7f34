package dialog

import (
	"context"

	"github.com/google/uuid"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// The mutation protocol expresses the user-facing tree operations
// (edit, regenerate, branch navigation, branch deletion) in terms of
// the store primitives while preserving the tree invariants.

// CreateBranch re-adds a sibling copy of the node's content under the
// same parent and switches the active path to it. This is the
// primitive behind both "edit" and "regenerate": the original turn
// stays in the tree as an inactive alternative.
func (s *Store) CreateBranch(ctx context.Context, dialogID uuid.UUID, nodeID NodeID) (*MessageNode, error) {
	node, err := s.Node(dialogID, nodeID)
	if err != nil {
		return nil, err
	}

	contents := clone.Clone(node.Contents).([]ContentBlock)
	branch := NewMessageNode(node.Type, contents, WithParentID(node.ParentID))

	branch, err = s.Add(ctx, dialogID, node.ParentID, branch)
	if err != nil {
		return nil, errors.Wrap(err, "create branch")
	}

	nodes, err := s.Nodes(dialogID)
	if err != nil {
		return nil, err
	}
	siblings := BuildBranchIndex(nodes)[node.ParentID]
	if err := s.SwitchActive(ctx, dialogID, branch.ID, siblings); err != nil {
		return nil, errors.Wrap(err, "activate branch")
	}

	log.Debug().Str("dialog_id", dialogID.String()).Str("source_id", nodeID.String()).
		Str("branch_id", branch.ID.String()).Msg("branch created")
	return branch, nil
}

// DeleteBranch removes a node and its subtree. When the victim is both
// the active child and the last child of its parent, the active index
// is first decremented to the previous sibling, so the caller lands on
// a remaining alternative instead of transiently seeing a path through
// a soon-to-be-deleted node. Switch-then-delete ordering is required.
func (s *Store) DeleteBranch(ctx context.Context, dialogID uuid.UUID, nodeID NodeID) error {
	node, err := s.Node(dialogID, nodeID)
	if err != nil {
		return err
	}
	nodes, err := s.Nodes(dialogID)
	if err != nil {
		return err
	}

	siblings := BuildBranchIndex(nodes)[node.ParentID]
	position := -1
	for i, id := range siblings {
		if id == nodeID {
			position = i
			break
		}
	}
	if position < 0 {
		return errors.Errorf("node %s missing from its own sibling list", nodeID)
	}

	isLast := position == len(siblings)-1
	if node.Active && isLast && len(siblings) > 1 {
		if err := s.SwitchActive(ctx, dialogID, siblings[position-1], siblings); err != nil {
			return errors.Wrap(err, "switch before delete")
		}
	}

	return s.Remove(ctx, dialogID, nodeID)
}

// SwitchBranch selects the sibling at siblingIndex for the path entry
// at position and switches the active path to it. An out-of-range
// index is an invariant violation and fails loudly rather than
// silently resolving to a default branch.
func (s *Store) SwitchBranch(ctx context.Context, dialogID uuid.UUID, path Path, position int, siblingIndex int) error {
	if position < 0 || position >= len(path) {
		return errors.Errorf("path position %d out of range [0,%d)", position, len(path))
	}
	entry := path[position]
	if siblingIndex < 0 || siblingIndex >= len(entry.SiblingIDs) {
		return errors.Errorf("sibling index %d out of range [0,%d) at position %d",
			siblingIndex, len(entry.SiblingIDs), position)
	}
	return s.SwitchActive(ctx, dialogID, entry.SiblingIDs[siblingIndex], entry.SiblingIDs)
}

// RefreshRoute re-derives the cached msg_route vector from the active
// path and persists it on the dialog.
func (s *Store) RefreshRoute(ctx context.Context, dialogID uuid.UUID) error {
	path, err := s.ActivePath(dialogID)
	if err != nil {
		return err
	}
	d, err := s.Dialog(dialogID)
	if err != nil {
		return err
	}
	d.MsgRoute = RouteFromPath(path)
	return s.UpdateDialog(ctx, d)
}
