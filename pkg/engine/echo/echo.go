package echo

import (
	"context"
	"time"

	"github.com/go-go-golems/marionette/pkg/engine"
)

// Engine is a deterministic engine for tests and offline use: it
// repeats the last user message back, streamed rune by rune. Responses
// and tool calls can be scripted per invocation.
type Engine struct {
	// Prefix is prepended to every echoed reply.
	Prefix string
	// Delay is slept between stream chunks; zero streams immediately.
	Delay time.Duration
	// Script, when non-empty, overrides echoing: each call pops the
	// next response off the front.
	Script []engine.Response

	calls int
}

var _ engine.Engine = (*Engine)(nil)

// CallCount reports how many times RunInference ran.
func (e *Engine) CallCount() int { return e.calls }

func (e *Engine) RunInference(ctx context.Context, req *engine.Request, handler engine.StreamHandler) (*engine.Response, error) {
	e.calls++

	var response engine.Response
	if len(e.Script) > 0 {
		response = e.Script[0]
		e.Script = e.Script[1:]
	} else {
		response = engine.Response{Text: e.Prefix + lastUserText(req.Messages)}
	}

	if handler != nil {
		if err := e.stream(ctx, handler, engine.StreamReasoningDelta, response.Reasoning); err != nil {
			return nil, err
		}
		if err := e.stream(ctx, handler, engine.StreamTextDelta, response.Text); err != nil {
			return nil, err
		}
		for i := range response.ToolCalls {
			handler(engine.StreamEvent{Type: engine.StreamToolCall, ToolCall: &response.ToolCalls[i]})
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return &response, nil
}

func (e *Engine) stream(ctx context.Context, handler engine.StreamHandler, eventType engine.StreamEventType, text string) error {
	for _, r := range text {
		if e.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.Delay):
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
		handler(engine.StreamEvent{Type: eventType, TextDelta: string(r)})
	}
	return nil
}

func lastUserText(messages []engine.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == engine.RoleUser {
			return messages[i].Text
		}
	}
	return ""
}
