package orchestrate_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marionette/pkg/chain"
	"github.com/go-go-golems/marionette/pkg/dialog"
	"github.com/go-go-golems/marionette/pkg/engine"
	"github.com/go-go-golems/marionette/pkg/engine/echo"
	"github.com/go-go-golems/marionette/pkg/orchestrate"
	"github.com/go-go-golems/marionette/pkg/store/memory"
	"github.com/go-go-golems/marionette/pkg/tools"
)

func newTestDialog(t *testing.T) (*dialog.Store, *dialog.Dialog) {
	t.Helper()
	store := dialog.NewStore(memory.NewBackend())
	d := dialog.NewDialog()
	require.NoError(t, store.CreateDialog(context.Background(), d))
	return store, d
}

func addUserTurn(t *testing.T, store *dialog.Store, d *dialog.Dialog, parentID dialog.NodeID, text string) *dialog.MessageNode {
	t.Helper()
	node, err := store.Add(context.Background(), d.ID, parentID, dialog.NewUserNode(text))
	require.NoError(t, err)
	return node
}

func TestGenerateStreamsAndFinalizes(t *testing.T) {
	store, d := newTestDialog(t)
	user := addUserTurn(t, store, d, dialog.RootID, "hello")

	eng := &echo.Engine{Prefix: "echo: "}
	orch, err := orchestrate.New(store, eng, orchestrate.Config{Model: "echo-1"})
	require.NoError(t, err)

	node, err := orch.Generate(context.Background(), d.ID, user.ID)
	require.NoError(t, err)

	assert.Equal(t, dialog.StatusDefault, node.Status)
	assert.Empty(t, node.GeneratingSession)
	assert.Equal(t, "echo: hello", node.LastAssistantText())

	// A draft child is materialized for the next user turn.
	path, err := store.ActivePath(d.ID)
	require.NoError(t, err)
	require.Len(t, path, 3)
	draft := path[2].Node
	assert.Equal(t, dialog.NodeTypeUser, draft.Type)
	assert.Equal(t, dialog.StatusInputing, draft.Status)

	orch.Wait()
}

func TestGenerateAccumulatesReasoning(t *testing.T) {
	store, d := newTestDialog(t)
	user := addUserTurn(t, store, d, dialog.RootID, "why is the sky blue")

	eng := &echo.Engine{Script: []engine.Response{
		{Reasoning: "scattering favors short wavelengths", Text: "Rayleigh scattering."},
	}}
	orch, err := orchestrate.New(store, eng, orchestrate.Config{Model: "echo-1"})
	require.NoError(t, err)

	node, err := orch.Generate(context.Background(), d.ID, user.ID)
	require.NoError(t, err)
	require.Equal(t, dialog.StatusDefault, node.Status)

	block, ok := node.Contents[len(node.Contents)-1].(*dialog.AssistantMessageContent)
	require.True(t, ok)
	assert.Equal(t, "scattering favors short wavelengths", block.Reasoning)
	assert.Equal(t, "Rayleigh scattering.", block.Text)
	orch.Wait()
}

func TestGenerateToolRoundTrip(t *testing.T) {
	store, d := newTestDialog(t)
	user := addUserTurn(t, store, d, dialog.RootID, "add 2 and 3")

	registry := tools.NewInMemoryRegistry()
	def, err := tools.NewToolFromFunc("add", "adds two numbers",
		func(input struct {
			A int `json:"a"`
			B int `json:"b"`
		}) (int, error) {
			return input.A + input.B, nil
		})
	require.NoError(t, err)
	require.NoError(t, registry.RegisterTool("add", *def))

	eng := &echo.Engine{Script: []engine.Response{
		{ToolCalls: []engine.ToolCall{{ID: "call-1", Name: "add", Args: json.RawMessage(`{"a":2,"b":3}`)}}},
		{Text: "the sum is 5"},
	}}

	toolConfig := tools.DefaultConfig()
	orch, err := orchestrate.New(store, eng,
		orchestrate.Config{Model: "echo-1", Tools: toolConfig},
		orchestrate.WithRegistry(registry))
	require.NoError(t, err)

	node, err := orch.Generate(context.Background(), d.ID, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, eng.CallCount())
	assert.Equal(t, dialog.StatusDefault, node.Status)

	var toolBlock *dialog.AssistantToolContent
	for _, c := range node.Contents {
		if block, ok := c.(*dialog.AssistantToolContent); ok {
			toolBlock = block
		}
	}
	require.NotNil(t, toolBlock)
	assert.Equal(t, dialog.ToolCompleted, toolBlock.Status)
	require.Len(t, toolBlock.Result, 1)
	assert.Equal(t, "5", toolBlock.Result[0].Text)

	assert.Equal(t, "the sum is 5", node.LastAssistantText())
	orch.Wait()
}

func TestGenerateToolFailureContinuesTurn(t *testing.T) {
	store, d := newTestDialog(t)
	user := addUserTurn(t, store, d, dialog.RootID, "break something")

	registry := tools.NewInMemoryRegistry()
	def, err := tools.NewToolFromFunc("broken", "always fails", func() (string, error) {
		return "", errors.New("boom")
	})
	require.NoError(t, err)
	require.NoError(t, registry.RegisterTool("broken", *def))

	eng := &echo.Engine{Script: []engine.Response{
		{ToolCalls: []engine.ToolCall{{ID: "call-1", Name: "broken", Args: json.RawMessage(`{}`)}}},
		{Text: "could not do that"},
	}}

	orch, err := orchestrate.New(store, eng,
		orchestrate.Config{Model: "echo-1", Tools: tools.DefaultConfig()},
		orchestrate.WithRegistry(registry))
	require.NoError(t, err)

	node, err := orch.Generate(context.Background(), d.ID, user.ID)
	require.NoError(t, err)

	// The failed call is scoped to its block; the turn still settles.
	assert.Equal(t, dialog.StatusDefault, node.Status)
	var toolBlock *dialog.AssistantToolContent
	for _, c := range node.Contents {
		if block, ok := c.(*dialog.AssistantToolContent); ok {
			toolBlock = block
		}
	}
	require.NotNil(t, toolBlock)
	assert.Equal(t, dialog.ToolFailed, toolBlock.Status)
	assert.Contains(t, toolBlock.Error, "boom")
	assert.Equal(t, "could not do that", node.LastAssistantText())
	orch.Wait()
}

type failingEngine struct{}

func (failingEngine) RunInference(ctx context.Context, req *engine.Request, handler engine.StreamHandler) (*engine.Response, error) {
	return nil, errors.New("provider unavailable")
}

func TestGenerateRecordsFailure(t *testing.T) {
	store, d := newTestDialog(t)
	user := addUserTurn(t, store, d, dialog.RootID, "hello")

	orch, err := orchestrate.New(store, failingEngine{}, orchestrate.Config{Model: "x"})
	require.NoError(t, err)

	node, err := orch.Generate(context.Background(), d.ID, user.ID)
	require.NoError(t, err)
	assert.Equal(t, dialog.StatusFailed, node.Status)
	assert.Contains(t, node.Error, "provider unavailable")
	assert.Empty(t, node.GeneratingSession)
}

func TestGenerateCancelled(t *testing.T) {
	store, d := newTestDialog(t)
	user := addUserTurn(t, store, d, dialog.RootID, "hello")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	orch, err := orchestrate.New(store, &echo.Engine{}, orchestrate.Config{Model: "echo-1"})
	require.NoError(t, err)

	node, err := orch.Generate(ctx, d.ID, user.ID)
	require.NoError(t, err)
	assert.Equal(t, dialog.StatusCancelled, node.Status)
	assert.Empty(t, node.Error)
}

func TestRegenerateKeepsOriginalAsSibling(t *testing.T) {
	store, d := newTestDialog(t)
	user := addUserTurn(t, store, d, dialog.RootID, "hello")

	eng := &echo.Engine{Prefix: "take one: "}
	orch, err := orchestrate.New(store, eng, orchestrate.Config{Model: "echo-1"})
	require.NoError(t, err)

	first, err := orch.Generate(context.Background(), d.ID, user.ID)
	require.NoError(t, err)

	eng.Prefix = "take two: "
	second, err := orch.Regenerate(context.Background(), d.ID, first.ID)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	nodes, err := store.Nodes(d.ID)
	require.NoError(t, err)
	siblings := dialog.BuildBranchIndex(nodes)[user.ID]
	require.Len(t, siblings, 2)

	path, err := store.ActivePath(d.ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(path), 2)
	assert.Equal(t, second.ID, path[1].Node.ID)
	assert.Equal(t, "take two: hello", path[1].Node.LastAssistantText())
	orch.Wait()
}

func TestTitleGeneratedAtFourTurns(t *testing.T) {
	store, d := newTestDialog(t)
	user := addUserTurn(t, store, d, dialog.RootID, "hello")

	eng := &echo.Engine{Prefix: "re: "}
	orch, err := orchestrate.New(store, eng,
		orchestrate.Config{Model: "echo-1", GenerateTitles: true})
	require.NoError(t, err)

	first, err := orch.Generate(context.Background(), d.ID, user.ID)
	require.NoError(t, err)
	orch.Wait()

	updated, err := store.Dialog(d.ID)
	require.NoError(t, err)
	assert.Empty(t, updated.Title, "two turns must not trigger the title")

	// Fill the draft and run a second turn: the path then holds exactly
	// four settled turns.
	path, err := store.ActivePath(d.ID)
	require.NoError(t, err)
	draft := path[len(path)-1].Node
	require.NoError(t, store.Update(context.Background(), d.ID, draft.ID, func(n *dialog.MessageNode) {
		n.Status = dialog.StatusDefault
		n.Contents[0].(*dialog.UserMessageContent).Text = "tell me more"
	}))

	_, err = orch.Generate(context.Background(), d.ID, draft.ID)
	require.NoError(t, err)
	orch.Wait()

	updated, err = store.Dialog(d.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, updated.Title)
	_ = first
}

// Projecting a generated dialog yields the same role/text sequence on
// every call, and the sequence matches the active path.
func TestProjectionRoundTripIsStable(t *testing.T) {
	store, d := newTestDialog(t)
	user := addUserTurn(t, store, d, dialog.RootID, "hello")

	eng := &echo.Engine{Prefix: "re: "}
	orch, err := orchestrate.New(store, eng, orchestrate.Config{Model: "echo-1"})
	require.NoError(t, err)

	_, err = orch.Generate(context.Background(), d.ID, user.ID)
	require.NoError(t, err)
	orch.Wait()

	path, err := store.ActivePath(d.ID)
	require.NoError(t, err)

	projector, err := chain.NewProjector(chain.Options{})
	require.NoError(t, err)

	first, err := projector.Project(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, engine.RoleUser, first[0].Role)
	assert.Equal(t, "hello", first[0].Text)
	assert.Equal(t, engine.RoleAssistant, first[1].Role)
	assert.Equal(t, "re: hello", first[1].Text)

	second, err := projector.Project(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].Role, second[i].Role)
		assert.Equal(t, first[i].Text, second[i].Text)
	}
}
