package openai

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/marionette/pkg/engine"
)

// makeCompletionRequest converts the provider-neutral request into the
// OpenAI wire format.
func makeCompletionRequest(req *engine.Request) (*go_openai.ChatCompletionRequest, error) {
	ret := &go_openai.ChatCompletionRequest{
		Model: req.Model,
	}
	if req.Temperature != nil {
		ret.Temperature = float32(*req.Temperature)
	}
	if req.MaxTokens != nil {
		ret.MaxTokens = *req.MaxTokens
	}

	if req.SystemPrompt != "" {
		ret.Messages = append(ret.Messages, go_openai.ChatCompletionMessage{
			Role:    go_openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, msg := range req.Messages {
		ret.Messages = append(ret.Messages, messageToOpenAI(msg))
	}

	for _, tool := range req.Tools {
		ret.Tools = append(ret.Tools, go_openai.Tool{
			Type: go_openai.ToolTypeFunction,
			Function: &go_openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return ret, nil
}

func messageToOpenAI(msg engine.Message) go_openai.ChatCompletionMessage {
	ret := go_openai.ChatCompletionMessage{
		Role: string(msg.Role),
	}

	if len(msg.Parts) > 0 {
		parts := []go_openai.ChatMessagePart{}
		if msg.Text != "" {
			parts = append(parts, go_openai.ChatMessagePart{
				Type: go_openai.ChatMessagePartTypeText,
				Text: msg.Text,
			})
		}
		for _, part := range msg.Parts {
			if part.Kind != engine.PartImage {
				// The chat endpoint takes text and images only.
				log.Warn().Str("mime_type", part.MimeType).Msg("skipping non-image part")
				continue
			}
			url := part.URL
			if len(part.Data) > 0 {
				url = fmt.Sprintf("data:%s;base64,%s", part.MimeType, base64.StdEncoding.EncodeToString(part.Data))
			}
			parts = append(parts, go_openai.ChatMessagePart{
				Type:     go_openai.ChatMessagePartTypeImageURL,
				ImageURL: &go_openai.ChatMessageImageURL{URL: url},
			})
		}
		ret.MultiContent = parts
	} else {
		ret.Content = msg.Text
	}

	for _, tc := range msg.ToolCalls {
		ret.ToolCalls = append(ret.ToolCalls, go_openai.ToolCall{
			ID:   tc.ID,
			Type: go_openai.ToolTypeFunction,
			Function: go_openai.FunctionCall{
				Name:      tc.Name,
				Arguments: string(tc.Args),
			},
		})
	}
	if msg.ToolCallID != "" {
		ret.ToolCallID = msg.ToolCallID
	}
	return ret
}

func toolCallFromOpenAI(tc go_openai.ToolCall) engine.ToolCall {
	return engine.ToolCall{
		ID:   tc.ID,
		Name: tc.Function.Name,
		Args: json.RawMessage(tc.Function.Arguments),
	}
}

// ToolCallMerger accumulates streamed tool-call fragments by index and
// reassembles complete calls once the stream ends.
type ToolCallMerger struct {
	toolCalls map[int]go_openai.ToolCall
}

func NewToolCallMerger() *ToolCallMerger {
	return &ToolCallMerger{
		toolCalls: make(map[int]go_openai.ToolCall),
	}
}

func (tcm *ToolCallMerger) AddToolCalls(toolCalls []go_openai.ToolCall) {
	for _, call := range toolCalls {
		index := 0
		if call.Index != nil {
			index = *call.Index
		}
		if existing, found := tcm.toolCalls[index]; found {
			existing.Function.Name += call.Function.Name
			existing.Function.Arguments += call.Function.Arguments
			tcm.toolCalls[index] = existing
		} else {
			tcm.toolCalls[index] = call
		}
	}
}

func (tcm *ToolCallMerger) GetToolCalls() []go_openai.ToolCall {
	indexes := make([]int, 0, len(tcm.toolCalls))
	for index := range tcm.toolCalls {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)

	result := make([]go_openai.ToolCall, 0, len(indexes))
	for _, index := range indexes {
		result = append(result, tcm.toolCalls[index])
	}
	return result
}
