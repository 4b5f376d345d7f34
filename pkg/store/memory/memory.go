package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/marionette/pkg/dialog"
)

// Backend is a thread-safe in-memory implementation of dialog.Backend.
// It is the default for tests and ephemeral sessions.
type Backend struct {
	mu      sync.RWMutex
	dialogs map[uuid.UUID]*dialog.Dialog
	// nodes are kept per dialog in creation order; the listing-order
	// guarantee is what makes the "first child is active" default
	// deterministic.
	nodes map[uuid.UUID][]*dialog.MessageNode
}

func NewBackend() *Backend {
	return &Backend{
		dialogs: make(map[uuid.UUID]*dialog.Dialog),
		nodes:   make(map[uuid.UUID][]*dialog.MessageNode),
	}
}

var _ dialog.Backend = (*Backend)(nil)

func (b *Backend) CreateDialog(_ context.Context, d *dialog.Dialog) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.dialogs[d.ID]; exists {
		return errors.Errorf("dialog %s already exists", d.ID)
	}
	b.dialogs[d.ID] = d
	return nil
}

func (b *Backend) GetDialog(_ context.Context, id uuid.UUID) (*dialog.Dialog, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, ok := b.dialogs[id]
	if !ok {
		return nil, errors.Errorf("dialog %s not found", id)
	}
	return d, nil
}

func (b *Backend) UpdateDialog(_ context.Context, d *dialog.Dialog) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.dialogs[d.ID]; !ok {
		return errors.Errorf("dialog %s not found", d.ID)
	}
	b.dialogs[d.ID] = d
	return nil
}

func (b *Backend) DeleteDialog(_ context.Context, id uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.dialogs[id]; !ok {
		return errors.Errorf("dialog %s not found", id)
	}
	delete(b.dialogs, id)
	delete(b.nodes, id)
	return nil
}

func (b *Backend) ListDialogs(_ context.Context) ([]*dialog.Dialog, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ret := make([]*dialog.Dialog, 0, len(b.dialogs))
	for _, d := range b.dialogs {
		ret = append(ret, d)
	}
	return ret, nil
}

func (b *Backend) CreateNode(_ context.Context, dialogID uuid.UUID, node *dialog.MessageNode) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.dialogs[dialogID]; !ok {
		return errors.Errorf("dialog %s not found", dialogID)
	}
	copied := *node
	b.nodes[dialogID] = append(b.nodes[dialogID], &copied)
	return nil
}

func (b *Backend) UpdateNode(_ context.Context, dialogID uuid.UUID, node *dialog.MessageNode) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updateNodeLocked(dialogID, node)
}

func (b *Backend) updateNodeLocked(dialogID uuid.UUID, node *dialog.MessageNode) error {
	for i, existing := range b.nodes[dialogID] {
		if existing.ID == node.ID {
			copied := *node
			b.nodes[dialogID][i] = &copied
			return nil
		}
	}
	return errors.Errorf("node %s not found in dialog %s", node.ID, dialogID)
}

func (b *Backend) UpdateNodes(_ context.Context, dialogID uuid.UUID, nodes []*dialog.MessageNode) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Validate the whole batch before touching anything so the write
	// stays all-or-nothing.
	known := make(map[dialog.NodeID]bool, len(b.nodes[dialogID]))
	for _, existing := range b.nodes[dialogID] {
		known[existing.ID] = true
	}
	for _, node := range nodes {
		if !known[node.ID] {
			return errors.Errorf("node %s not found in dialog %s", node.ID, dialogID)
		}
	}
	for _, node := range nodes {
		if err := b.updateNodeLocked(dialogID, node); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) DeleteSubtree(_ context.Context, dialogID uuid.UUID, nodeID dialog.NodeID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	nodes := b.nodes[dialogID]
	doomed := map[dialog.NodeID]bool{nodeID: true}
	// Children always come after their parent in creation order, so a
	// single forward pass finds the whole subtree.
	kept := nodes[:0]
	found := false
	for _, node := range nodes {
		if doomed[node.ID] {
			found = true
			continue
		}
		if doomed[node.ParentID] {
			doomed[node.ID] = true
			continue
		}
		kept = append(kept, node)
	}
	if !found {
		return errors.Errorf("node %s not found in dialog %s", nodeID, dialogID)
	}
	b.nodes[dialogID] = kept
	return nil
}

func (b *Backend) ListNodes(_ context.Context, dialogID uuid.UUID) ([]*dialog.MessageNode, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.dialogs[dialogID]; !ok {
		return nil, errors.Errorf("dialog %s not found", dialogID)
	}
	nodes := b.nodes[dialogID]
	ret := make([]*dialog.MessageNode, 0, len(nodes))
	for _, node := range nodes {
		copied := *node
		ret = append(ret, &copied)
	}
	return ret, nil
}
