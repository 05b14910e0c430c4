package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Exchange is a finished conversation exchange.
type Exchange struct {
	ID             string          `json:"id"`
	Timestamp      time.Time       `json:"timestamp"`
	ConversationID string          `json:"conversation_id"`
	UserInput      string          `json:"user_input"`
	Response       string          `json:"response"`
	Messages       json.RawMessage `json:"messages"` // history after the exchange
}

// RecordExchange appends ex. ID and Timestamp are filled in when empty.
func (s *Store) RecordExchange(ctx context.Context, ex Exchange) error {
	if err := stamp(&ex.ID, &ex.Timestamp); err != nil {
		return err
	}
	if len(ex.Messages) == 0 {
		ex.Messages = json.RawMessage("[]")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exchanges (id, at, conversation_id, user_input, response, messages)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.Timestamp.UnixNano(), ex.ConversationID, ex.UserInput, ex.Response, string(ex.Messages),
	)
	if err != nil {
		return fmt.Errorf("insert exchange: %w", err)
	}
	return nil
}

// Exchanges lists a conversation's exchanges, newest first. A limit of
// zero or less returns them all.
func (s *Store) Exchanges(ctx context.Context, conversationID string, limit int) ([]Exchange, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, conversation_id, user_input, response, messages
		 FROM exchanges WHERE conversation_id = ?
		 ORDER BY at DESC LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query exchanges: %w", err)
	}
	defer rows.Close()

	out := []Exchange{}
	for rows.Next() {
		var ex Exchange
		var at int64
		var msgs string
		if err := rows.Scan(&ex.ID, &at, &ex.ConversationID, &ex.UserInput, &ex.Response, &msgs); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		ex.Timestamp = time.Unix(0, at)
		ex.Messages = json.RawMessage(msgs)
		out = append(out, ex)
	}
	return out, rows.Err()
}
