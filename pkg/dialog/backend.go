package dialog

import (
	"context"

	"github.com/google/uuid"
)

// Backend is the persistence collaborator: row-oriented CRUD over
// dialogs and nodes. Implementations must keep per-dialog node listing
// in creation order, since the "first child is active" default depends
// on stable insertion order.
//
// Implementations live under pkg/store.
type Backend interface {
	CreateDialog(ctx context.Context, d *Dialog) error
	GetDialog(ctx context.Context, id uuid.UUID) (*Dialog, error)
	UpdateDialog(ctx context.Context, d *Dialog) error
	DeleteDialog(ctx context.Context, id uuid.UUID) error
	ListDialogs(ctx context.Context) ([]*Dialog, error)

	CreateNode(ctx context.Context, dialogID uuid.UUID, node *MessageNode) error
	UpdateNode(ctx context.Context, dialogID uuid.UUID, node *MessageNode) error
	// UpdateNodes applies the batch atomically: either every node is
	// written or none is. SwitchActive relies on this to never leave
	// two siblings marked active.
	UpdateNodes(ctx context.Context, dialogID uuid.UUID, nodes []*MessageNode) error
	// DeleteSubtree removes the node and its entire subtree.
	DeleteSubtree(ctx context.Context, dialogID uuid.UUID, nodeID NodeID) error
	// ListNodes returns the dialog's nodes in creation order.
	ListNodes(ctx context.Context, dialogID uuid.UUID) ([]*MessageNode, error)
}

// Notifier receives change notifications after every flushed write.
// Satisfied by events.PublisherManager.
type Notifier interface {
	PublishBlind(payload interface{})
}

// ChangeKind labels a store change notification.
type ChangeKind string

const (
	ChangeNodeCreated   ChangeKind = "node-created"
	ChangeNodeUpdated   ChangeKind = "node-updated"
	ChangeNodeDeleted   ChangeKind = "node-deleted"
	ChangeBranchSwitch  ChangeKind = "branch-switched"
	ChangeDialogUpdated ChangeKind = "dialog-updated"
)

// Change is the payload published on every flushed store write.
type Change struct {
	Kind     ChangeKind `json:"kind"`
	DialogID uuid.UUID  `json:"dialogID"`
	NodeID   NodeID     `json:"nodeID,omitempty"`
}
