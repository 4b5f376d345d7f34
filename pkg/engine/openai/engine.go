package openai

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/marionette/pkg/engine"
)

// Settings configures the OpenAI client. BaseURL makes the engine work
// against compatible gateways (Azure fronting, local inference
// servers).
type Settings struct {
	APIKey  string
	BaseURL string
	OrgID   string
}

// Engine adapts the OpenAI chat completion API (streaming and sync) to
// the generation interface.
type Engine struct {
	client *go_openai.Client
}

var _ engine.Engine = (*Engine)(nil)
var _ engine.MediaAware = (*Engine)(nil)

func NewEngine(settings Settings) *Engine {
	config := go_openai.DefaultConfig(settings.APIKey)
	if settings.BaseURL != "" {
		config.BaseURL = settings.BaseURL
	}
	if settings.OrgID != "" {
		config.OrgID = settings.OrgID
	}
	return &Engine{client: go_openai.NewClientWithConfig(config)}
}

// AcceptedInputTypes lists the binary attachment types the vision
// endpoint takes; everything else gets dropped by the projector.
func (e *Engine) AcceptedInputTypes() []string {
	return []string{"image/png", "image/jpeg", "image/webp", "image/gif"}
}

// RunInference performs one chat completion. With a handler, the
// streaming endpoint is used and every delta is forwarded in stream
// order; without one, a single synchronous request is made.
func (e *Engine) RunInference(ctx context.Context, req *engine.Request, handler engine.StreamHandler) (*engine.Response, error) {
	openaiReq, err := makeCompletionRequest(req)
	if err != nil {
		return nil, err
	}

	if handler == nil {
		return e.runSync(ctx, openaiReq)
	}
	return e.runStreaming(ctx, openaiReq, handler)
}

func (e *Engine) runSync(ctx context.Context, req *go_openai.ChatCompletionRequest) (*engine.Response, error) {
	resp, err := e.client.CreateChatCompletion(ctx, *req)
	if err != nil {
		return nil, errors.Wrap(err, "chat completion")
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("chat completion returned no choices")
	}
	choice := resp.Choices[0]

	ret := &engine.Response{
		Text: choice.Message.Content,
		Usage: &engine.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		ret.ToolCalls = append(ret.ToolCalls, toolCallFromOpenAI(tc))
	}
	if choice.FinishReason == go_openai.FinishReasonLength {
		ret.Warnings = append(ret.Warnings, "response truncated by max tokens")
	}
	return ret, nil
}

func (e *Engine) runStreaming(ctx context.Context, req *go_openai.ChatCompletionRequest, handler engine.StreamHandler) (*engine.Response, error) {
	stream, err := e.client.CreateChatCompletionStream(ctx, *req)
	if err != nil {
		return nil, errors.Wrap(err, "create completion stream")
	}
	defer func() {
		if err := stream.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close completion stream")
		}
	}()

	text := ""
	merger := NewToolCallMerger()
	var usage *engine.Usage
	var warnings []string
	chunkCount := 0

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			log.Debug().Int("chunks_received", chunkCount).Msg("completion stream finished")
			break
		}
		if err != nil {
			handler(engine.StreamEvent{Type: engine.StreamError, Err: err})
			return nil, errors.Wrap(err, "receive stream chunk")
		}
		chunkCount++

		if response.Usage != nil {
			usage = &engine.Usage{
				InputTokens:  response.Usage.PromptTokens,
				OutputTokens: response.Usage.CompletionTokens,
			}
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			text += choice.Delta.Content
			handler(engine.StreamEvent{Type: engine.StreamTextDelta, TextDelta: choice.Delta.Content})
		}
		if len(choice.Delta.ToolCalls) > 0 {
			merger.AddToolCalls(choice.Delta.ToolCalls)
		}
		if choice.FinishReason == go_openai.FinishReasonLength {
			warnings = append(warnings, "response truncated by max tokens")
		}
	}

	ret := &engine.Response{Text: text, Usage: usage, Warnings: warnings}
	for _, tc := range merger.GetToolCalls() {
		call := toolCallFromOpenAI(tc)
		handler(engine.StreamEvent{Type: engine.StreamToolCall, ToolCall: &call})
		ret.ToolCalls = append(ret.ToolCalls, call)
	}
	return ret, nil
}
