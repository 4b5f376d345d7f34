package events

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ChatEventHandler receives the typed generation events for one topic.
type ChatEventHandler interface {
	HandleStart(ctx context.Context, e *EventStart) error
	HandlePartialCompletion(ctx context.Context, e *EventPartialCompletion) error
	HandlePartialThinking(ctx context.Context, e *EventThinkingPartial) error
	HandleToolCall(ctx context.Context, e *EventToolCall) error
	HandleToolResult(ctx context.Context, e *EventToolResult) error
	HandleFinal(ctx context.Context, e *EventFinal) error
	HandleError(ctx context.Context, e *EventError) error
	HandleInterrupt(ctx context.Context, e *EventInterrupt) error
}

// EventRouter couples an in-process gochannel pubsub with a watermill
// router, so stream consumers (UIs, loggers) subscribe to generation
// events without touching the orchestrator.
type EventRouter struct {
	logger     watermill.LoggerAdapter
	Publisher  message.Publisher
	Subscriber message.Subscriber
	router     *message.Router
}

type EventRouterOption func(*EventRouter)

func WithRouterLogger(logger watermill.LoggerAdapter) EventRouterOption {
	return func(r *EventRouter) { r.logger = logger }
}

func WithVerbose(verbose bool) EventRouterOption {
	return func(r *EventRouter) {
		if verbose {
			r.logger = NewWatermillLogger(log.Logger)
		}
	}
}

func NewEventRouter(options ...EventRouterOption) (*EventRouter, error) {
	ret := &EventRouter{
		logger: watermill.NopLogger{},
	}
	for _, o := range options {
		o(ret)
	}

	goPubSub := gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}, ret.logger)
	ret.Publisher = goPubSub
	ret.Subscriber = goPubSub

	router, err := message.NewRouter(message.RouterConfig{}, ret.logger)
	if err != nil {
		return nil, err
	}
	ret.router = router
	return ret, nil
}

func (e *EventRouter) Close() error {
	log.Debug().Msg("closing event router publisher")
	if err := e.Publisher.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close pubsub")
	}
	log.Debug().Msg("closing event router")
	return e.router.Close()
}

func (e *EventRouter) AddHandler(name string, topic string, f func(msg *message.Message) error) {
	e.router.AddNoPublisherHandler(name, topic, e.Subscriber, f)
}

// AddChatHandler registers a typed dispatch handler on topic.
func (e *EventRouter) AddChatHandler(name string, topic string, handler ChatEventHandler) {
	e.AddHandler(name, topic, createChatDispatchHandler(handler))
}

func (e *EventRouter) Running() chan struct{} {
	return e.router.Running()
}

func (e *EventRouter) Run(ctx context.Context) error {
	return e.router.Run(ctx)
}

// createChatDispatchHandler parses incoming events and dispatches them
// to the handler. A malformed payload is logged and skipped; one bad
// message must not kill the subscription.
func createChatDispatchHandler(handler ChatEventHandler) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		event, err := NewEventFromJSON(msg.Payload)
		if err != nil {
			log.Error().Err(err).Str("message_id", msg.UUID).Msg("failed to parse chat event")
			return nil
		}

		ctx := msg.Context()
		switch ev := event.(type) {
		case *EventStart:
			return handler.HandleStart(ctx, ev)
		case *EventPartialCompletion:
			return handler.HandlePartialCompletion(ctx, ev)
		case *EventThinkingPartial:
			return handler.HandlePartialThinking(ctx, ev)
		case *EventToolCall:
			return handler.HandleToolCall(ctx, ev)
		case *EventToolResult:
			return handler.HandleToolResult(ctx, ev)
		case *EventFinal:
			return handler.HandleFinal(ctx, ev)
		case *EventError:
			return handler.HandleError(ctx, ev)
		case *EventInterrupt:
			return handler.HandleInterrupt(ctx, ev)
		default:
			log.Debug().Str("event_type", string(event.Type())).Msg("unhandled chat event type")
			return nil
		}
	}
}

// NewEventFromJSON decodes a serialized event back into its concrete
// type.
func NewEventFromJSON(b []byte) (Event, error) {
	var envelope EventImpl
	if err := json.Unmarshal(b, &envelope); err != nil {
		return nil, errors.Wrap(err, "decode event envelope")
	}

	var event Event
	switch envelope.Type_ {
	case EventTypeStart:
		event = &EventStart{}
	case EventTypePartialCompletion:
		event = &EventPartialCompletion{}
	case EventTypePartialThinking:
		event = &EventThinkingPartial{}
	case EventTypeToolCall:
		event = &EventToolCall{}
	case EventTypeToolResult:
		event = &EventToolResult{}
	case EventTypeFinal:
		event = &EventFinal{}
	case EventTypeError:
		event = &EventError{}
	case EventTypeInterrupt:
		event = &EventInterrupt{}
	default:
		return nil, errors.Errorf("unknown event type %q", envelope.Type_)
	}

	if err := json.Unmarshal(b, event); err != nil {
		return nil, errors.Wrapf(err, "decode %s event", envelope.Type_)
	}
	return event, nil
}
