package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marionette/pkg/dialog"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	backend, err := NewBackend(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func TestDialogRoundTrip(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	d := dialog.NewDialog(dialog.WithModel("gpt-4"), dialog.WithVars(map[string]string{"name": "Ada"}))
	d.Title = "chat"
	require.NoError(t, backend.CreateDialog(ctx, d))

	loaded, err := backend.GetDialog(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "chat", loaded.Title)
	assert.Equal(t, "gpt-4", loaded.Model)
	assert.Equal(t, "Ada", loaded.Vars["name"])

	loaded.Title = "renamed"
	loaded.MsgRoute = []int{0, 1}
	require.NoError(t, backend.UpdateDialog(ctx, loaded))
	again, err := backend.GetDialog(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", again.Title)
	assert.Equal(t, []int{0, 1}, again.MsgRoute)
}

func TestNodesKeepCreationOrder(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	d := dialog.NewDialog()
	require.NoError(t, backend.CreateDialog(ctx, d))

	var ids []dialog.NodeID
	parent := dialog.RootID
	for i := 0; i < 5; i++ {
		node := dialog.NewUserNode("turn", dialog.WithParentID(parent))
		require.NoError(t, backend.CreateNode(ctx, d.ID, node))
		ids = append(ids, node.ID)
		parent = node.ID
	}

	nodes, err := backend.ListNodes(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 5)
	for i, node := range nodes {
		assert.Equal(t, ids[i], node.ID)
	}
}

func TestUpdateNodesIsAtomic(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	d := dialog.NewDialog()
	require.NoError(t, backend.CreateDialog(ctx, d))

	a := dialog.NewUserNode("a", dialog.WithParentID(dialog.RootID))
	require.NoError(t, backend.CreateNode(ctx, d.ID, a))

	ghost := dialog.NewUserNode("ghost", dialog.WithParentID(dialog.RootID))
	a.Active = false
	err := backend.UpdateNodes(ctx, d.ID, []*dialog.MessageNode{a, ghost})
	require.Error(t, err)

	// The failed batch must not have written the first node either.
	nodes, err := backend.ListNodes(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.True(t, nodes[0].Active)
}

func TestDeleteSubtreeCascades(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	d := dialog.NewDialog()
	require.NoError(t, backend.CreateDialog(ctx, d))

	root := dialog.NewUserNode("root", dialog.WithParentID(dialog.RootID))
	child := dialog.NewAssistantNode("child", dialog.WithParentID(root.ID))
	grandchild := dialog.NewUserNode("grandchild", dialog.WithParentID(child.ID))
	other := dialog.NewUserNode("other", dialog.WithParentID(dialog.RootID))
	for _, node := range []*dialog.MessageNode{root, child, grandchild, other} {
		require.NoError(t, backend.CreateNode(ctx, d.ID, node))
	}

	require.NoError(t, backend.DeleteSubtree(ctx, d.ID, child.ID))

	nodes, err := backend.ListNodes(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, root.ID, nodes[0].ID)
	assert.Equal(t, other.ID, nodes[1].ID)
}

func TestContentBlocksSurviveStorage(t *testing.T) {
	backend := newTestBackend(t)
	ctx := context.Background()

	d := dialog.NewDialog()
	require.NoError(t, backend.CreateDialog(ctx, d))

	node := dialog.NewAssistantNode("looked it up", dialog.WithParentID(dialog.RootID))
	node.Contents = append(node.Contents, &dialog.AssistantToolContent{
		Name:   "search",
		Status: dialog.ToolCompleted,
		Result: []dialog.ContentItem{{Kind: dialog.AttachmentText, Text: "42"}},
	})
	require.NoError(t, backend.CreateNode(ctx, d.ID, node))

	nodes, err := backend.ListNodes(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Len(t, nodes[0].Contents, 2)
	toolBlock, ok := nodes[0].Contents[1].(*dialog.AssistantToolContent)
	require.True(t, ok)
	assert.Equal(t, dialog.ToolCompleted, toolBlock.Status)
	assert.Equal(t, "42", toolBlock.Result[0].Text)
}
