package dialog_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marionette/pkg/dialog"
	"github.com/go-go-golems/marionette/pkg/store/memory"
)

func newTestStore(t *testing.T) (*dialog.Store, *memory.Backend, *dialog.Dialog) {
	t.Helper()
	backend := memory.NewBackend()
	store := dialog.NewStore(backend)
	d := dialog.NewDialog()
	require.NoError(t, store.CreateDialog(context.Background(), d))
	return store, backend, d
}

func addUser(t *testing.T, store *dialog.Store, d *dialog.Dialog, parentID dialog.NodeID, text string) *dialog.MessageNode {
	t.Helper()
	node, err := store.Add(context.Background(), d.ID, parentID, dialog.NewUserNode(text))
	require.NoError(t, err)
	return node
}

func TestStoreAddBuildsPath(t *testing.T) {
	store, _, d := newTestStore(t)

	root := addUser(t, store, d, dialog.RootID, "hello")
	child := addUser(t, store, d, root.ID, "world")

	path, err := store.ActivePath(d.ID)
	require.NoError(t, err)
	require.Len(t, path, 2)
	assert.Equal(t, root.ID, path[0].Node.ID)
	assert.Equal(t, child.ID, path[1].Node.ID)
}

func TestStoreAddDoesNotDeactivateSiblings(t *testing.T) {
	store, _, d := newTestStore(t)

	root := addUser(t, store, d, dialog.RootID, "root")
	first := addUser(t, store, d, root.ID, "first")
	second := addUser(t, store, d, root.ID, "second")

	// Add alone leaves both siblings flagged; only SwitchActive
	// restores the single-active invariant.
	assert.True(t, first.Active)
	assert.True(t, second.Active)

	nodes, err := store.Nodes(d.ID)
	require.NoError(t, err)
	siblings := dialog.BuildBranchIndex(nodes)[root.ID]
	require.NoError(t, store.SwitchActive(context.Background(), d.ID, second.ID, siblings))

	assert.False(t, first.Active)
	assert.True(t, second.Active)
}

func TestSwitchActiveSingleActiveInvariant(t *testing.T) {
	store, _, d := newTestStore(t)

	root := addUser(t, store, d, dialog.RootID, "root")
	a := addUser(t, store, d, root.ID, "a")
	b := addUser(t, store, d, root.ID, "b")
	c := addUser(t, store, d, root.ID, "c")

	nodes, err := store.Nodes(d.ID)
	require.NoError(t, err)
	siblings := dialog.BuildBranchIndex(nodes)[root.ID]

	for _, target := range []dialog.NodeID{a.ID, c.ID, b.ID, a.ID} {
		require.NoError(t, store.SwitchActive(context.Background(), d.ID, target, siblings))
		activeCount := 0
		for _, node := range []*dialog.MessageNode{a, b, c} {
			if node.Active {
				activeCount++
				assert.Equal(t, target, node.ID)
			}
		}
		assert.Equal(t, 1, activeCount)
	}
}

// rejectingBackend fails every UpdateNodes batch once armed, so tests
// can observe the store's rollback path.
type rejectingBackend struct {
	*memory.Backend
	reject bool
}

func (b *rejectingBackend) UpdateNodes(ctx context.Context, dialogID uuid.UUID, nodes []*dialog.MessageNode) error {
	if b.reject {
		return errors.New("batch rejected")
	}
	return b.Backend.UpdateNodes(ctx, dialogID, nodes)
}

func TestSwitchActiveRollsBackOnBatchFailure(t *testing.T) {
	backend := &rejectingBackend{Backend: memory.NewBackend()}
	store := dialog.NewStore(backend)
	d := dialog.NewDialog()
	require.NoError(t, store.CreateDialog(context.Background(), d))

	root := addUser(t, store, d, dialog.RootID, "root")
	a := addUser(t, store, d, root.ID, "a")
	b := addUser(t, store, d, root.ID, "b")

	nodes, err := store.Nodes(d.ID)
	require.NoError(t, err)
	siblings := dialog.BuildBranchIndex(nodes)[root.ID]
	require.NoError(t, store.SwitchActive(context.Background(), d.ID, a.ID, siblings))

	backend.reject = true
	err = store.SwitchActive(context.Background(), d.ID, b.ID, siblings)
	require.Error(t, err)

	// The rejected batch must leave the flags as they were: a active,
	// b inactive, never both.
	assert.True(t, a.Active)
	assert.False(t, b.Active)

	path, err := store.ActivePath(d.ID)
	require.NoError(t, err)
	require.Len(t, path, 2)
	assert.Equal(t, a.ID, path[1].Node.ID)
}

func TestSwitchActiveRejectsNonSibling(t *testing.T) {
	store, _, d := newTestStore(t)

	root := addUser(t, store, d, dialog.RootID, "root")
	a := addUser(t, store, d, root.ID, "a")
	stranger := addUser(t, store, d, a.ID, "stranger")

	err := store.SwitchActive(context.Background(), d.ID, stranger.ID, []dialog.NodeID{a.ID})
	require.Error(t, err)
}

func TestUpdateGatesTransientStatus(t *testing.T) {
	store, backend, d := newTestStore(t)
	ctx := context.Background()

	node, err := store.Add(ctx, d.ID, dialog.RootID,
		dialog.NewAssistantNode("", dialog.WithStatus(dialog.StatusStreaming)))
	require.NoError(t, err)

	// Streaming deltas mutate only the in-memory copy.
	for _, delta := range []string{"Hel", "lo ", "there"} {
		delta := delta
		require.NoError(t, store.Update(ctx, d.ID, node.ID, func(n *dialog.MessageNode) {
			n.Contents[0].(*dialog.AssistantMessageContent).Text += delta
		}))
	}

	persisted, err := backend.ListNodes(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, "", persisted[0].Contents[0].(*dialog.AssistantMessageContent).Text)

	// Terminal transition flushes the accumulated state in one write.
	require.NoError(t, store.Update(ctx, d.ID, node.ID, func(n *dialog.MessageNode) {
		n.Status = dialog.StatusDefault
	}))

	persisted, err = backend.ListNodes(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello there", persisted[0].Contents[0].(*dialog.AssistantMessageContent).Text)
	assert.Equal(t, dialog.StatusDefault, persisted[0].Status)
}

func TestRemoveCascades(t *testing.T) {
	store, backend, d := newTestStore(t)
	ctx := context.Background()

	root := addUser(t, store, d, dialog.RootID, "root")
	child := addUser(t, store, d, root.ID, "child")
	grandchild := addUser(t, store, d, child.ID, "grandchild")
	sibling := addUser(t, store, d, root.ID, "sibling")
	_ = grandchild

	require.NoError(t, store.Remove(ctx, d.ID, child.ID))

	nodes, err := store.Nodes(d.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	persisted, err := backend.ListNodes(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, persisted, 2)

	path, err := store.ActivePath(d.ID)
	require.NoError(t, err)
	require.Len(t, path, 2)
	assert.Equal(t, sibling.ID, path[1].Node.ID)
}

func TestRemoveAttachment(t *testing.T) {
	store, _, d := newTestStore(t)
	ctx := context.Background()

	attachment := dialog.Attachment{ID: dialog.NewNodeID(), Kind: dialog.AttachmentText, Name: "notes.txt", Text: "remember"}
	node := dialog.NewMessageNode(dialog.NodeTypeUser, []dialog.ContentBlock{
		&dialog.UserMessageContent{Text: "see attached", Attachments: []dialog.Attachment{attachment}},
	})
	node, err := store.Add(ctx, d.ID, dialog.RootID, node)
	require.NoError(t, err)

	require.NoError(t, store.RemoveAttachment(ctx, d.ID, node.ID, attachment.ID))

	got, err := store.Node(d.ID, node.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Contents[0].(*dialog.UserMessageContent).Attachments)
}
