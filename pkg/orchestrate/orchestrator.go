package orchestrate

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/chain"
	"github.com/go-go-golems/marionette/pkg/dialog"
	"github.com/go-go-golems/marionette/pkg/engine"
	"github.com/go-go-golems/marionette/pkg/events"
	"github.com/go-go-golems/marionette/pkg/tools"
)

// Config controls one orchestrator instance.
type Config struct {
	// Model is the default model; a dialog's Model field overrides it.
	Model string
	// SystemPrompt is a template rendered with sprig funcs over the
	// dialog's variables.
	SystemPrompt string
	Tools        tools.Config
	Chain        chain.Options
	Temperature  *float64
	MaxTokens    *int
	// GenerateTitles enables the post-completion title side effect.
	GenerateTitles bool
	// ExtractContent enables HTML stripping of completed turns.
	ExtractContent bool
}

// Orchestrator drives one generation run end to end: it appends the
// pending assistant node and its draft child, projects the chain, calls
// the engine, routes stream deltas through the store's gated updates,
// executes requested tools and re-invokes the engine, and finally
// settles the node into default, failed or cancelled.
type Orchestrator struct {
	store     *dialog.Store
	engine    engine.Engine
	registry  tools.Registry
	executor  tools.Executor
	projector *chain.Projector
	publisher *events.PublisherManager
	config    Config

	wg sync.WaitGroup
}

type Option func(*Orchestrator)

func WithRegistry(registry tools.Registry) Option {
	return func(o *Orchestrator) { o.registry = registry }
}

func WithExecutor(executor tools.Executor) Option {
	return func(o *Orchestrator) { o.executor = executor }
}

func WithPublisher(publisher *events.PublisherManager) Option {
	return func(o *Orchestrator) { o.publisher = publisher }
}

func New(store *dialog.Store, eng engine.Engine, config Config, options ...Option) (*Orchestrator, error) {
	chainOpts := config.Chain
	if media, ok := eng.(engine.MediaAware); ok && len(chainOpts.AcceptedMimeTypes) == 0 {
		chainOpts.AcceptedMimeTypes = media.AcceptedInputTypes()
	}
	projector, err := chain.NewProjector(chainOpts)
	if err != nil {
		return nil, err
	}

	ret := &Orchestrator{
		store:     store,
		engine:    eng,
		registry:  tools.NewInMemoryRegistry(),
		executor:  tools.NewDefaultExecutor(config.Tools),
		projector: projector,
		config:    config,
	}
	for _, option := range options {
		option(ret)
	}
	return ret, nil
}

// Wait blocks until in-flight side effects finish. Tests and shutdown
// paths use it; normal callers never need to.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Generate runs one assistant turn under targetID (dialog.RootID for a
// fresh dialog). It returns the assistant node as soon as its terminal
// state is persisted. Generation and tool failures are recorded on the
// node, not returned: only setup failures (the node could not even be
// created) surface as errors.
func (o *Orchestrator) Generate(ctx context.Context, dialogID uuid.UUID, targetID dialog.NodeID) (*dialog.MessageNode, error) {
	sessionID := uuid.NewString()

	node := dialog.NewAssistantNode("", dialog.WithStatus(dialog.StatusPending))
	node.GeneratingSession = sessionID
	node, err := o.store.Add(ctx, dialogID, targetID, node)
	if err != nil {
		return nil, errors.Wrap(err, "append assistant node")
	}

	// Deactivate prior alternatives so the new turn is the single
	// active child (regenerate appends next to existing siblings).
	nodes, err := o.store.Nodes(dialogID)
	if err != nil {
		return nil, err
	}
	if siblings := dialog.BuildBranchIndex(nodes)[targetID]; len(siblings) > 1 {
		if err := o.store.SwitchActive(ctx, dialogID, node.ID, siblings); err != nil {
			return nil, errors.Wrap(err, "activate assistant node")
		}
	}

	// The empty draft keeps the input position materialized in the tree
	// so the UI's composer always has a node to bind to.
	draft := dialog.NewUserNode("", dialog.WithStatus(dialog.StatusInputing))
	if _, err := o.store.Add(ctx, dialogID, node.ID, draft); err != nil {
		return nil, errors.Wrap(err, "append draft node")
	}

	d, err := o.store.Dialog(dialogID)
	if err != nil {
		return nil, err
	}
	model := d.Model
	if model == "" {
		model = o.config.Model
	}

	meta := events.EventMetadata{
		ID:        uuid.New(),
		DialogID:  dialogID,
		NodeID:    node.ID.String(),
		SessionID: sessionID,
		Model:     model,
	}
	o.publish(events.NewStartEvent(meta))

	usage, warnings, runErr := o.run(ctx, dialogID, node.ID, d, model, meta)
	o.finalize(ctx, dialogID, node.ID, usage, warnings, runErr, meta)

	final, err := o.store.Node(dialogID, node.ID)
	if err != nil {
		return nil, err
	}

	if final.Status == dialog.StatusDefault {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.runSideEffects(dialogID, model)
		}()
	}
	return final, nil
}

// Regenerate produces a fresh alternative for an assistant node: the
// node is branched (keeping the original as an inactive sibling) and a
// new generation runs under the same parent. A failed or cancelled
// original is settled to default first so no stale transient markers
// survive.
func (o *Orchestrator) Regenerate(ctx context.Context, dialogID uuid.UUID, nodeID dialog.NodeID) (*dialog.MessageNode, error) {
	node, err := o.store.Node(dialogID, nodeID)
	if err != nil {
		return nil, err
	}
	if node.Type != dialog.NodeTypeAssistant {
		return nil, errors.Errorf("node %s is not an assistant turn", nodeID)
	}

	if node.Status != dialog.StatusDefault {
		if err := o.store.Update(ctx, dialogID, nodeID, func(n *dialog.MessageNode) {
			n.Status = dialog.StatusDefault
			n.GeneratingSession = ""
		}); err != nil {
			return nil, errors.Wrap(err, "settle node before regenerate")
		}
	}

	return o.Generate(ctx, dialogID, node.ParentID)
}

// run is the engine loop: project, infer, execute tools, repeat until
// the model stops requesting tools or the iteration cap is hit.
func (o *Orchestrator) run(ctx context.Context, dialogID uuid.UUID, nodeID dialog.NodeID,
	d *dialog.Dialog, model string, meta events.EventMetadata) (*engine.Usage, []string, error) {

	systemPrompt, err := renderSystemPrompt(o.config.SystemPrompt, d)
	if err != nil {
		return nil, nil, errors.Wrap(err, "render system prompt")
	}

	var toolDefs []engine.ToolDefinition
	if o.config.Tools.Enabled {
		toolDefs = engineToolDefs(o.config.Tools.FilterTools(o.registry.ListTools()))
	}

	maxIterations := o.config.Tools.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 1
	}

	var totalUsage *engine.Usage
	var warnings []string

	for iteration := 0; ; iteration++ {
		path, err := o.store.ActivePath(dialogID)
		if err != nil {
			return totalUsage, warnings, err
		}
		messages, err := o.projector.Project(ctx, path)
		if err != nil {
			return totalUsage, warnings, err
		}

		req := &engine.Request{
			Model:        model,
			SystemPrompt: systemPrompt,
			Messages:     messages,
			Tools:        toolDefs,
			Temperature:  o.config.Temperature,
			MaxTokens:    o.config.MaxTokens,
		}

		response, err := o.engine.RunInference(ctx, req, o.streamHandler(ctx, dialogID, nodeID, meta))
		if err != nil {
			return totalUsage, warnings, err
		}

		totalUsage = addUsage(totalUsage, response.Usage)
		warnings = append(warnings, response.Warnings...)

		if !o.config.Tools.Enabled || len(response.ToolCalls) == 0 {
			return totalUsage, warnings, nil
		}
		if iteration+1 >= maxIterations {
			warnings = append(warnings, "tool iteration limit reached")
			log.Warn().Str("dialog_id", dialogID.String()).Int("max_iterations", maxIterations).
				Msg("tool iteration limit reached")
			return totalUsage, warnings, nil
		}

		if err := o.executeToolCalls(ctx, dialogID, nodeID, response.ToolCalls, meta); err != nil {
			return totalUsage, warnings, err
		}
	}
}

// streamHandler routes deltas into the node through the store's gated
// Update, so token-level writes stay in memory until a terminal flush.
func (o *Orchestrator) streamHandler(ctx context.Context, dialogID uuid.UUID, nodeID dialog.NodeID,
	meta events.EventMetadata) engine.StreamHandler {

	return func(event engine.StreamEvent) {
		switch event.Type {
		case engine.StreamTextDelta:
			completion := ""
			err := o.store.Update(ctx, dialogID, nodeID, func(n *dialog.MessageNode) {
				n.Status = dialog.StatusStreaming
				block := lastAssistantBlock(n)
				block.Text += event.TextDelta
				completion = block.Text
			})
			if err != nil {
				log.Warn().Err(err).Str("node_id", nodeID.String()).Msg("failed to apply text delta")
				return
			}
			o.publish(events.NewPartialCompletionEvent(meta, event.TextDelta, completion))

		case engine.StreamReasoningDelta:
			completion := ""
			err := o.store.Update(ctx, dialogID, nodeID, func(n *dialog.MessageNode) {
				n.Status = dialog.StatusStreaming
				block := lastAssistantBlock(n)
				block.Reasoning += event.TextDelta
				completion = block.Reasoning
			})
			if err != nil {
				log.Warn().Err(err).Str("node_id", nodeID.String()).Msg("failed to apply reasoning delta")
				return
			}
			o.publish(events.NewThinkingPartialEvent(meta, event.TextDelta, completion))

		case engine.StreamError:
			log.Warn().Err(event.Err).Str("node_id", nodeID.String()).Msg("stream error event")
		}
	}
}

// executeToolCalls appends a calling block per request, runs the tool,
// and settles the block to completed or failed. A failed call never
// aborts the turn; the model sees the error text on the next iteration.
func (o *Orchestrator) executeToolCalls(ctx context.Context, dialogID uuid.UUID, nodeID dialog.NodeID,
	calls []engine.ToolCall, meta events.EventMetadata) error {

	for _, call := range calls {
		block := &dialog.AssistantToolContent{
			Name:   call.Name,
			Args:   call.Args,
			Status: dialog.ToolCalling,
		}
		if err := o.store.Update(ctx, dialogID, nodeID, func(n *dialog.MessageNode) {
			n.Contents = append(n.Contents, block)
		}); err != nil {
			return errors.Wrap(err, "append tool block")
		}
		// Structural change: make the calling block visible mid-stream.
		if err := o.store.Flush(ctx, dialogID, nodeID); err != nil {
			log.Warn().Err(err).Str("node_id", nodeID.String()).Msg("failed to flush tool block")
		}
		o.publish(events.NewToolCallEvent(meta, events.ToolCall{
			ID: call.ID, Name: call.Name, Input: string(call.Args),
		}))

		result, err := o.executor.Execute(ctx,
			tools.Call{ID: call.ID, Name: call.Name, Args: call.Args}, o.registry)
		if err != nil {
			return errors.Wrap(err, "execute tool")
		}

		if err := o.store.Update(ctx, dialogID, nodeID, func(n *dialog.MessageNode) {
			if result.Error != "" {
				block.Status = dialog.ToolFailed
				block.Error = result.Error
				return
			}
			block.Status = dialog.ToolCompleted
			block.Result = toContentItems(result.Items)
		}); err != nil {
			return errors.Wrap(err, "settle tool block")
		}
		if err := o.store.Flush(ctx, dialogID, nodeID); err != nil {
			log.Warn().Err(err).Str("node_id", nodeID.String()).Msg("failed to flush tool result")
		}
		o.publish(events.NewToolResultEvent(meta, events.ToolResult{
			ID: call.ID, Result: itemsText(result.Items), Error: result.Error,
		}))
	}

	// Continued text after the tool round-trip goes into a fresh block
	// so it renders after the tool calls, not interleaved before them.
	return o.store.Update(ctx, dialogID, nodeID, func(n *dialog.MessageNode) {
		n.Contents = append(n.Contents, &dialog.AssistantMessageContent{})
	})
}

// finalize settles the node into its terminal status. It must persist
// even when the run was cancelled, so the flush uses a detached context
// if the caller's is already dead.
func (o *Orchestrator) finalize(ctx context.Context, dialogID uuid.UUID, nodeID dialog.NodeID,
	usage *engine.Usage, warnings []string, runErr error, meta events.EventMetadata) {

	status := dialog.StatusDefault
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) || ctx.Err() != nil {
			status = dialog.StatusCancelled
		} else {
			status = dialog.StatusFailed
		}
	}

	flushCtx := ctx
	if ctx.Err() != nil {
		flushCtx = context.Background()
	}

	finalText := ""
	err := o.store.Update(flushCtx, dialogID, nodeID, func(n *dialog.MessageNode) {
		n.Status = status
		n.GeneratingSession = ""
		if status == dialog.StatusFailed {
			n.Error = runErr.Error()
		}
		if usage != nil || len(warnings) > 0 {
			if n.Meta == nil {
				n.Meta = map[string]interface{}{}
			}
			if usage != nil {
				n.Meta["usage"] = map[string]interface{}{
					"inputTokens":  usage.InputTokens,
					"outputTokens": usage.OutputTokens,
				}
			}
			if len(warnings) > 0 {
				n.Meta["warnings"] = warnings
			}
		}
		finalText = n.LastAssistantText()
	})
	if err != nil {
		log.Error().Err(err).Str("node_id", nodeID.String()).Msg("failed to finalize node")
		return
	}

	if err := o.store.RefreshRoute(flushCtx, dialogID); err != nil {
		log.Warn().Err(err).Str("dialog_id", dialogID.String()).Msg("failed to refresh route cache")
	}

	if usage != nil {
		meta.Usage = &events.Usage{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens}
	}
	meta.Warnings = warnings

	switch status {
	case dialog.StatusDefault:
		o.publish(events.NewFinalEvent(meta, finalText))
	case dialog.StatusCancelled:
		o.publish(events.NewInterruptEvent(meta, finalText))
	case dialog.StatusFailed:
		o.publish(events.NewErrorEvent(meta, runErr))
	}

	log.Debug().Str("dialog_id", dialogID.String()).Str("node_id", nodeID.String()).
		Str("status", string(status)).Msg("generation finalized")
}

func (o *Orchestrator) publish(event events.Event) {
	if o.publisher != nil {
		o.publisher.PublishBlind(event)
	}
}

// lastAssistantBlock returns the node's trailing text block, appending
// one when the node ends in a tool block.
func lastAssistantBlock(n *dialog.MessageNode) *dialog.AssistantMessageContent {
	if len(n.Contents) > 0 {
		if block, ok := n.Contents[len(n.Contents)-1].(*dialog.AssistantMessageContent); ok {
			return block
		}
	}
	block := &dialog.AssistantMessageContent{}
	n.Contents = append(n.Contents, block)
	return block
}

func engineToolDefs(defs []tools.Definition) []engine.ToolDefinition {
	ret := make([]engine.ToolDefinition, 0, len(defs))
	for _, def := range defs {
		ret = append(ret, engine.ToolDefinition{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	return ret
}

func toContentItems(items []tools.Item) []dialog.ContentItem {
	ret := make([]dialog.ContentItem, 0, len(items))
	for _, item := range items {
		ret = append(ret, dialog.ContentItem{
			Kind: dialog.AttachmentKind(item.Kind),
			Text: item.Text,
			Name: item.Name,
			Ref:  item.Ref,
		})
	}
	return ret
}

func itemsText(items []tools.Item) string {
	text := ""
	for _, item := range items {
		if item.Text == "" {
			continue
		}
		if text != "" {
			text += "\n"
		}
		text += item.Text
	}
	return text
}

func addUsage(total, next *engine.Usage) *engine.Usage {
	if next == nil {
		return total
	}
	if total == nil {
		u := *next
		return &u
	}
	total.InputTokens += next.InputTokens
	total.OutputTokens += next.OutputTokens
	return total
}
