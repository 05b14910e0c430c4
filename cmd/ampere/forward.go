package main

import (
	"context"

	"github.com/nugget/ampere/internal/events"
)

// EventConversationFinished is fired on the Home Assistant event bus
// after each successful exchange.
const EventConversationFinished = "ampere.conversation.finished"

// eventFirer is the slice of the Home Assistant client the forwarder
// needs.
type eventFirer interface {
	FireEvent(ctx context.Context, eventType string, data map[string]any) error
}

// haEventSink fires conversation_finished events into Home Assistant so
// automations can react to them.
func haEventSink(ha eventFirer) events.Sink {
	return events.SinkFunc(func(ctx context.Context, e events.Event) error {
		if e.Kind != events.KindConversationFinished {
			return nil
		}
		return ha.FireEvent(ctx, EventConversationFinished, e.Data)
	})
}
