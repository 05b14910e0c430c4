package usage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nugget/ampere/internal/events"
)

// ExchangeSink returns an events.Sink that stores conversation_finished
// events in the exchange log. Other kinds are ignored.
func (s *Store) ExchangeSink() events.Sink {
	return events.SinkFunc(func(ctx context.Context, ev events.Event) error {
		if ev.Kind != events.KindConversationFinished {
			return nil
		}
		msgs, err := json.Marshal(ev.Data["messages"])
		if err != nil {
			return fmt.Errorf("encode exchange messages: %w", err)
		}
		str := func(k string) string {
			v, _ := ev.Data[k].(string)
			return v
		}
		return s.RecordExchange(ctx, Exchange{
			Timestamp:      ev.Timestamp,
			ConversationID: str("conversation_id"),
			UserInput:      str("user_input"),
			Response:       str("response"),
			Messages:       msgs,
		})
	})
}
