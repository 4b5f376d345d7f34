package engine

import (
	"context"
)

// Engine is the generation collaborator: it turns a projected message
// chain into model output. Implementations handle provider-specific
// wire formats (OpenAI, echo stub, ...).
//
// When handler is non-nil the engine streams: every text delta,
// reasoning delta and tool-call event is delivered through handler in
// stream order before RunInference returns. When handler is nil the
// engine runs synchronously. Either way the final Response carries the
// full text, reasoning, tool calls, usage and warnings.
//
// Cancellation goes through ctx; engines must return ctx.Err() when
// the stream is interrupted.
type Engine interface {
	RunInference(ctx context.Context, req *Request, handler StreamHandler) (*Response, error)
}

// MediaAware is implemented by engines that accept binary attachment
// parts. The chain projector drops attachments whose mime type is not
// in the accepted list.
type MediaAware interface {
	AcceptedInputTypes() []string
}

// StreamHandler receives stream events in arrival order. Handlers must
// not block for long; the engine calls them inline on the stream loop.
type StreamHandler func(event StreamEvent)
