package dialog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Store owns the flat per-dialog node collections and mediates every
// write to the backend. Reads (deriving the active path) are safe at
// any time; writes are serialized per dialog so the tree invariants
// hold under concurrent use. Dialogs are independent: one streaming
// generation never blocks another dialog.
type Store struct {
	backend  Backend
	notifier Notifier

	mu      sync.Mutex
	dialogs map[uuid.UUID]*dialogState
}

type dialogState struct {
	mu     sync.Mutex
	dialog *Dialog
	nodes  []*MessageNode
	byID   map[NodeID]*MessageNode
	// dirty tracks nodes whose in-memory state is ahead of the backend
	// because the persistence gate deferred their flush.
	dirty map[NodeID]bool
}

type StoreOption func(*Store)

func WithNotifier(n Notifier) StoreOption {
	return func(s *Store) { s.notifier = n }
}

func NewStore(backend Backend, options ...StoreOption) *Store {
	ret := &Store{
		backend: backend,
		dialogs: make(map[uuid.UUID]*dialogState),
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// CreateDialog persists a new dialog and registers it with the store.
func (s *Store) CreateDialog(ctx context.Context, d *Dialog) error {
	if err := s.backend.CreateDialog(ctx, d); err != nil {
		return errors.Wrap(err, "create dialog")
	}
	s.mu.Lock()
	s.dialogs[d.ID] = &dialogState{
		dialog: d,
		byID:   map[NodeID]*MessageNode{},
		dirty:  map[NodeID]bool{},
	}
	s.mu.Unlock()
	return nil
}

// OpenDialog loads a dialog and its node collection from the backend.
func (s *Store) OpenDialog(ctx context.Context, dialogID uuid.UUID) (*Dialog, error) {
	d, err := s.backend.GetDialog(ctx, dialogID)
	if err != nil {
		return nil, errors.Wrap(err, "get dialog")
	}
	nodes, err := s.backend.ListNodes(ctx, dialogID)
	if err != nil {
		return nil, errors.Wrap(err, "list nodes")
	}

	ds := &dialogState{
		dialog: d,
		nodes:  nodes,
		byID:   NodesByID(nodes),
		dirty:  map[NodeID]bool{},
	}
	s.mu.Lock()
	s.dialogs[dialogID] = ds
	s.mu.Unlock()

	log.Debug().Str("dialog_id", dialogID.String()).Int("node_count", len(nodes)).Msg("dialog opened")
	return d, nil
}

func (s *Store) state(dialogID uuid.UUID) (*dialogState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.dialogs[dialogID]
	if !ok {
		return nil, errors.Errorf("dialog %s not open", dialogID)
	}
	return ds, nil
}

// Dialog returns the dialog metadata.
func (s *Store) Dialog(dialogID uuid.UUID) (*Dialog, error) {
	ds, err := s.state(dialogID)
	if err != nil {
		return nil, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.dialog, nil
}

// Nodes returns a snapshot of the dialog's flat node collection in
// creation order.
func (s *Store) Nodes(dialogID uuid.UUID) ([]*MessageNode, error) {
	ds, err := s.state(dialogID)
	if err != nil {
		return nil, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	nodes := make([]*MessageNode, len(ds.nodes))
	copy(nodes, ds.nodes)
	return nodes, nil
}

// Node looks up a single node by ID.
func (s *Store) Node(dialogID uuid.UUID, nodeID NodeID) (*MessageNode, error) {
	ds, err := s.state(dialogID)
	if err != nil {
		return nil, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	node, ok := ds.byID[nodeID]
	if !ok {
		return nil, errors.Errorf("node %s not found in dialog %s", nodeID, dialogID)
	}
	return node, nil
}

// ActivePath re-derives the branch index and resolves the active path.
func (s *Store) ActivePath(dialogID uuid.UUID) (Path, error) {
	ds, err := s.state(dialogID)
	if err != nil {
		return nil, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ResolveActivePath(RootID, ds.byID, BuildBranchIndex(ds.nodes)), nil
}

// Add creates node as a new, by-default-active child of parentID. The
// store does not deactivate prior siblings; that is the mutation
// protocol's job (via SwitchActive) where semantics require it.
func (s *Store) Add(ctx context.Context, dialogID uuid.UUID, parentID NodeID, node *MessageNode) (*MessageNode, error) {
	ds, err := s.state(dialogID)
	if err != nil {
		return nil, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()

	node.ParentID = parentID
	node.Active = true
	node.LastUpdate = time.Now()

	if err := s.backend.CreateNode(ctx, dialogID, node); err != nil {
		return nil, errors.Wrap(err, "create node")
	}

	ds.nodes = append(ds.nodes, node)
	ds.byID[node.ID] = node
	if node.Status.IsTransient() {
		ds.dirty[node.ID] = true
	}

	s.notify(Change{Kind: ChangeNodeCreated, DialogID: dialogID, NodeID: node.ID})
	log.Debug().Str("dialog_id", dialogID.String()).Str("node_id", node.ID.String()).
		Str("parent_id", node.ParentID.String()).Str("status", string(node.Status)).Msg("node added")
	return node, nil
}

// Update applies a mutation to the node in memory, then flushes it to
// the backend only when the node's resulting status is not transient.
// While the node is streaming/pending/inputing the mutation stays
// in-memory and the node is marked dirty; the transition to a terminal
// status flushes the accumulated state in one write. This gate is the
// backpressure mechanism for token-level streaming updates.
func (s *Store) Update(ctx context.Context, dialogID uuid.UUID, nodeID NodeID, apply func(*MessageNode)) error {
	ds, err := s.state(dialogID)
	if err != nil {
		return err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()

	node, ok := ds.byID[nodeID]
	if !ok {
		return errors.Errorf("node %s not found in dialog %s", nodeID, dialogID)
	}

	apply(node)
	node.LastUpdate = time.Now()

	if node.Status.IsTransient() {
		ds.dirty[nodeID] = true
		return nil
	}

	if err := s.backend.UpdateNode(ctx, dialogID, node); err != nil {
		return errors.Wrap(err, "update node")
	}
	delete(ds.dirty, nodeID)

	s.notify(Change{Kind: ChangeNodeUpdated, DialogID: dialogID, NodeID: nodeID})
	return nil
}

// Flush writes the node's current in-memory state to the backend even
// while its status is transient. Generation uses this when a structural
// change (a new tool block) must be visible to observers mid-stream.
func (s *Store) Flush(ctx context.Context, dialogID uuid.UUID, nodeID NodeID) error {
	ds, err := s.state(dialogID)
	if err != nil {
		return err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()

	node, ok := ds.byID[nodeID]
	if !ok {
		return errors.Errorf("node %s not found in dialog %s", nodeID, dialogID)
	}
	if err := s.backend.UpdateNode(ctx, dialogID, node); err != nil {
		return errors.Wrap(err, "flush node")
	}
	delete(ds.dirty, nodeID)
	s.notify(Change{Kind: ChangeNodeUpdated, DialogID: dialogID, NodeID: nodeID})
	return nil
}

// SwitchActive atomically marks activeID active and every other node
// in siblingIDs inactive. The backend write is a single batch; if it
// fails the in-memory flags roll back, so no caller ever observes two
// active siblings.
func (s *Store) SwitchActive(ctx context.Context, dialogID uuid.UUID, activeID NodeID, siblingIDs []NodeID) error {
	ds, err := s.state(dialogID)
	if err != nil {
		return err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()

	batch := make([]*MessageNode, 0, len(siblingIDs))
	previous := make([]bool, 0, len(siblingIDs))
	found := false
	for _, id := range siblingIDs {
		node, ok := ds.byID[id]
		if !ok {
			return errors.Errorf("sibling %s not found in dialog %s", id, dialogID)
		}
		if id == activeID {
			found = true
		}
		batch = append(batch, node)
		previous = append(previous, node.Active)
	}
	if !found {
		// Switching to a node that is not actually one of the siblings
		// is an invariant violation, not something to paper over.
		return errors.Errorf("node %s is not among the given siblings", activeID)
	}

	for _, node := range batch {
		node.Active = node.ID == activeID
		node.LastUpdate = time.Now()
	}

	if err := s.backend.UpdateNodes(ctx, dialogID, batch); err != nil {
		for i, node := range batch {
			node.Active = previous[i]
		}
		return errors.Wrap(err, "switch active")
	}

	s.notify(Change{Kind: ChangeBranchSwitch, DialogID: dialogID, NodeID: activeID})
	return nil
}

// Remove deletes a node and its entire subtree, then re-synchronizes
// the in-memory collection from what remains.
func (s *Store) Remove(ctx context.Context, dialogID uuid.UUID, nodeID NodeID) error {
	ds, err := s.state(dialogID)
	if err != nil {
		return err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if _, ok := ds.byID[nodeID]; !ok {
		return errors.Errorf("node %s not found in dialog %s", nodeID, dialogID)
	}

	if err := s.backend.DeleteSubtree(ctx, dialogID, nodeID); err != nil {
		return errors.Wrap(err, "delete subtree")
	}

	doomed := subtreeIDs(nodeID, BuildBranchIndex(ds.nodes))
	kept := ds.nodes[:0]
	for _, node := range ds.nodes {
		if doomed[node.ID] {
			delete(ds.byID, node.ID)
			delete(ds.dirty, node.ID)
			continue
		}
		kept = append(kept, node)
	}
	ds.nodes = kept

	s.notify(Change{Kind: ChangeNodeDeleted, DialogID: dialogID, NodeID: nodeID})
	log.Debug().Str("dialog_id", dialogID.String()).Str("node_id", nodeID.String()).
		Int("removed", len(doomed)).Msg("subtree removed")
	return nil
}

// RemoveAttachment deletes one attachment and detaches it from its
// owning content block.
func (s *Store) RemoveAttachment(ctx context.Context, dialogID uuid.UUID, nodeID NodeID, attachmentID NodeID) error {
	return s.Update(ctx, dialogID, nodeID, func(node *MessageNode) {
		for _, c := range node.Contents {
			userContent, ok := c.(*UserMessageContent)
			if !ok {
				continue
			}
			kept := userContent.Attachments[:0]
			for _, a := range userContent.Attachments {
				if a.ID != attachmentID {
					kept = append(kept, a)
				}
			}
			userContent.Attachments = kept
		}
	})
}

// UpdateDialog persists dialog metadata changes (title, route cache).
func (s *Store) UpdateDialog(ctx context.Context, d *Dialog) error {
	d.UpdatedAt = time.Now()
	if err := s.backend.UpdateDialog(ctx, d); err != nil {
		return errors.Wrap(err, "update dialog")
	}
	s.notify(Change{Kind: ChangeDialogUpdated, DialogID: d.ID})
	return nil
}

func (s *Store) notify(change Change) {
	if s.notifier != nil {
		s.notifier.PublishBlind(change)
	}
}

// subtreeIDs collects nodeID and every transitive descendant.
func subtreeIDs(nodeID NodeID, index BranchIndex) map[NodeID]bool {
	doomed := map[NodeID]bool{nodeID: true}
	queue := []NodeID{nodeID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, child := range index[current] {
			if !doomed[child] {
				doomed[child] = true
				queue = append(queue, child)
			}
		}
	}
	return doomed
}
