package chain

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marionette/pkg/dialog"
	"github.com/go-go-golems/marionette/pkg/engine"
)

func pathFromNodes(nodes ...*dialog.MessageNode) dialog.Path {
	path := make(dialog.Path, len(nodes))
	for i, node := range nodes {
		path[i] = dialog.PathEntry{Node: node, Index: 0, SiblingIDs: []dialog.NodeID{node.ID}}
	}
	return path
}

func TestProjectBasicChain(t *testing.T) {
	projector, err := NewProjector(Options{})
	require.NoError(t, err)

	path := pathFromNodes(
		dialog.NewUserNode("hello"),
		dialog.NewAssistantNode("hi there"),
	)

	messages, err := projector.Project(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, engine.RoleUser, messages[0].Role)
	assert.Equal(t, "hello", messages[0].Text)
	assert.Equal(t, engine.RoleAssistant, messages[1].Role)
	assert.Equal(t, "hi there", messages[1].Text)
}

func TestProjectExcludesDrafts(t *testing.T) {
	projector, err := NewProjector(Options{})
	require.NoError(t, err)

	messages, err := projector.Project(context.Background(), pathFromNodes(
		dialog.NewUserNode("sent"),
		dialog.NewUserNode("unsent draft", dialog.WithStatus(dialog.StatusInputing)),
	))
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "sent", messages[0].Text)
}

func TestProjectInlinesTextAttachments(t *testing.T) {
	projector, err := NewProjector(Options{})
	require.NoError(t, err)

	node := dialog.NewUserNode("summarize this")
	userContent := node.Contents[0].(*dialog.UserMessageContent)
	userContent.Attachments = []dialog.Attachment{{
		ID:   dialog.NewNodeID(),
		Kind: dialog.AttachmentText,
		Name: "notes.txt",
		Text: "meeting at noon",
	}}

	messages, err := projector.Project(context.Background(), pathFromNodes(node))
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0].Text, `<attachment kind="text" name="notes.txt">`)
	assert.Contains(t, messages[0].Text, "meeting at noon")
	assert.Contains(t, messages[0].Text, "</attachment>")
}

func TestProjectDropsUnacceptedMimeTypes(t *testing.T) {
	projector, err := NewProjector(Options{AcceptedMimeTypes: []string{"image/png"}})
	require.NoError(t, err)

	node := dialog.NewUserNode("look at these")
	userContent := node.Contents[0].(*dialog.UserMessageContent)
	userContent.Attachments = []dialog.Attachment{
		{ID: dialog.NewNodeID(), Kind: dialog.AttachmentFile, Name: "shot.png", MimeType: "image/png", FileRef: "blobs/shot.png"},
		{ID: dialog.NewNodeID(), Kind: dialog.AttachmentFile, Name: "song.mp3", MimeType: "audio/mpeg", FileRef: "blobs/song.mp3"},
	}

	messages, err := projector.Project(context.Background(), pathFromNodes(node))
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Len(t, messages[0].Parts, 1)
	assert.Equal(t, engine.PartImage, messages[0].Parts[0].Kind)
	assert.Equal(t, "blobs/shot.png", messages[0].Parts[0].URL)
}

func TestProjectCompletedToolBlockPairs(t *testing.T) {
	projector, err := NewProjector(Options{})
	require.NoError(t, err)

	node := dialog.NewAssistantNode("")
	node.Contents = []dialog.ContentBlock{
		&dialog.AssistantToolContent{
			Name:   "get_weather",
			Args:   json.RawMessage(`{"city":"Berlin"}`),
			Status: dialog.ToolCompleted,
			Result: []dialog.ContentItem{{Kind: dialog.AttachmentText, Text: "21.5C"}},
		},
		&dialog.AssistantMessageContent{Text: "It is mild in Berlin."},
	}

	messages, err := projector.Project(context.Background(), pathFromNodes(node))
	require.NoError(t, err)
	require.Len(t, messages, 3)

	require.Len(t, messages[0].ToolCalls, 1)
	call := messages[0].ToolCalls[0]
	assert.Equal(t, "get_weather", call.Name)
	assert.NotEmpty(t, call.ID)

	assert.Equal(t, engine.RoleTool, messages[1].Role)
	assert.Equal(t, call.ID, messages[1].ToolCallID)
	assert.Equal(t, "21.5C", messages[1].Text)

	assert.Equal(t, "It is mild in Berlin.", messages[2].Text)
}

func TestProjectSkipsIncompleteToolBlocks(t *testing.T) {
	projector, err := NewProjector(Options{})
	require.NoError(t, err)

	node := dialog.NewAssistantNode("")
	node.Contents = []dialog.ContentBlock{
		&dialog.AssistantToolContent{Name: "slow_tool", Status: dialog.ToolCalling},
		&dialog.AssistantToolContent{Name: "broken_tool", Status: dialog.ToolFailed, Error: "boom"},
	}

	messages, err := projector.Project(context.Background(), pathFromNodes(node))
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestProjectWindowsTurns(t *testing.T) {
	projector, err := NewProjector(Options{MaxTurns: 2})
	require.NoError(t, err)

	path := pathFromNodes(
		dialog.NewUserNode("first"),
		dialog.NewAssistantNode("reply one"),
		dialog.NewUserNode("second"),
	)

	messages, err := projector.Project(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "reply one", messages[0].Text)
	assert.Equal(t, "second", messages[1].Text)
}

func TestProjectTrimKeepsTrailingToolPair(t *testing.T) {
	projector, err := NewProjector(Options{TokenBudget: 3})
	require.NoError(t, err)

	longText := ""
	for i := 0; i < 50; i++ {
		longText += "lorem ipsum dolor sit amet "
	}
	toolNode := dialog.NewAssistantNode("")
	toolNode.Contents = []dialog.ContentBlock{
		&dialog.AssistantToolContent{
			Name:   "lookup",
			Args:   json.RawMessage(`{"q":"answer"}`),
			Status: dialog.ToolCompleted,
			Result: []dialog.ContentItem{{Kind: dialog.AttachmentText, Text: "the answer is forty two"}},
		},
	}

	messages, err := projector.Project(context.Background(), pathFromNodes(
		dialog.NewUserNode(longText),
		toolNode,
	))
	require.NoError(t, err)

	// Even over budget, the chain never comes out empty or headed by an
	// orphaned tool result.
	require.Len(t, messages, 2)
	require.Len(t, messages[0].ToolCalls, 1)
	assert.Equal(t, engine.RoleTool, messages[1].Role)
	assert.Equal(t, messages[0].ToolCalls[0].ID, messages[1].ToolCallID)
}

func TestProjectTrimsToTokenBudget(t *testing.T) {
	projector, err := NewProjector(Options{TokenBudget: 30})
	require.NoError(t, err)

	longText := ""
	for i := 0; i < 50; i++ {
		longText += "lorem ipsum dolor sit amet "
	}
	path := pathFromNodes(
		dialog.NewUserNode(longText),
		dialog.NewAssistantNode("long gone"),
		dialog.NewUserNode("recent question"),
	)

	messages, err := projector.Project(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "recent question", messages[0].Text)
}
