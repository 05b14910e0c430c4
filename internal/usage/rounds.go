package usage

import (
	"context"
	"fmt"
	"time"
)

// Record is the token usage of one provider round trip.
type Record struct {
	ID             string
	Timestamp      time.Time
	ConversationID string
	Round          int
	Model          string
	Protocol       string // "chat_completions" or "responses"
	InputTokens    int
	OutputTokens   int
	Outcome        string // "final", "pending_calls" or "error"
}

// Record appends rec. ID and Timestamp are filled in when empty.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if err := stamp(&rec.ID, &rec.Timestamp); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rounds (id, at, conversation_id, round, model, protocol, input_tokens, output_tokens, outcome)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp.UnixNano(), rec.ConversationID, rec.Round,
		rec.Model, rec.Protocol, rec.InputTokens, rec.OutputTokens, rec.Outcome,
	)
	if err != nil {
		return fmt.Errorf("insert usage round: %w", err)
	}
	return nil
}

// Totals aggregates a set of rounds.
type Totals struct {
	Rounds       int   `json:"rounds"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

func (t *Totals) add(o Totals) {
	t.Rounds += o.Rounds
	t.InputTokens += o.InputTokens
	t.OutputTokens += o.OutputTokens
}

// Report summarizes the rounds in [From, To). ByProtocol shows how often
// the chat-completions fallback carried a round.
type Report struct {
	From       time.Time         `json:"from"`
	To         time.Time         `json:"to"`
	Total      Totals            `json:"total"`
	ByModel    map[string]Totals `json:"by_model"`
	ByProtocol map[string]Totals `json:"by_protocol"`
	Errors     int               `json:"errors"`
}

// Report aggregates the rounds recorded in [from, to).
func (s *Store) Report(ctx context.Context, from, to time.Time) (*Report, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model, protocol, outcome, COUNT(*), SUM(input_tokens), SUM(output_tokens)
		 FROM rounds
		 WHERE at >= ? AND at < ?
		 GROUP BY model, protocol, outcome`,
		from.UnixNano(), to.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage report: %w", err)
	}
	defer rows.Close()

	r := &Report{
		From:       from,
		To:         to,
		ByModel:    map[string]Totals{},
		ByProtocol: map[string]Totals{},
	}
	for rows.Next() {
		var model, protocol, outcome string
		var t Totals
		if err := rows.Scan(&model, &protocol, &outcome, &t.Rounds, &t.InputTokens, &t.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan usage report: %w", err)
		}
		r.Total.add(t)
		m := r.ByModel[model]
		m.add(t)
		r.ByModel[model] = m
		p := r.ByProtocol[protocol]
		p.add(t)
		r.ByProtocol[protocol] = p
		if outcome == "error" {
			r.Errors += t.Rounds
		}
	}
	return r, rows.Err()
}
