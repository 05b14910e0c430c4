package agent

import (
	"fmt"

	"github.com/nugget/ampere/internal/llm"
)

// TruncationPolicy shrinks a history whose token usage went over the
// context threshold. Policies never touch history[0]; the loop
// re-renders the system message when found is true.
type TruncationPolicy interface {
	Name() string
	// Truncate returns the reduced history and whether the policy found
	// an anchor to cut at. The input slice is not modified.
	Truncate(history []llm.Message) (out []llm.Message, found bool)
}

// ClearStrategy drops everything between the system message and the
// most recent user message.
type ClearStrategy struct{}

// Name implements TruncationPolicy.
func (ClearStrategy) Name() string { return "clear" }

// Truncate implements TruncationPolicy.
func (ClearStrategy) Truncate(history []llm.Message) ([]llm.Message, bool) {
	idx := -1
	for i := len(history) - 1; i >= 1; i-- {
		if history[i].Role == llm.RoleUser {
			idx = i
			break
		}
	}
	if idx < 0 {
		return history, false
	}
	out := make([]llm.Message, 0, len(history)-idx+1)
	out = append(out, history[0])
	out = append(out, history[idx:]...)
	return out, true
}

// NewTruncationPolicy returns the policy registered under name.
func NewTruncationPolicy(name string) (TruncationPolicy, error) {
	switch name {
	case "clear", "":
		return ClearStrategy{}, nil
	}
	return nil, fmt.Errorf("unknown context truncation strategy %q", name)
}
